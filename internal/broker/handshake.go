package broker

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/zindgh/mqtt-broker/internal/mqtt"
	"github.com/zindgh/mqtt-broker/internal/store"
)

// HandshakeResult is what a successful Handshake hands back to the
// front door so it can spawn a driver.
type HandshakeResult struct {
	Client         *Client
	SessionPresent bool
}

// Handshake implements C8: read CONNECT, authenticate via the
// credential store, allocate or resume a session, and reply CONNACK.
// Any failure writes a CONNACK with a reason code (where applicable)
// and returns a non-nil error; the caller closes the connection either
// way.
func Handshake(conn net.Conn, addr net.Addr, connID uint64, registry *Registry, creds *store.CredentialStore, clientLog *store.ClientLog, timeout time.Duration) (*HandshakeResult, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	pkt, err := mqtt.ReadPacket(conn)
	if err != nil {
		return nil, err
	}
	if pkt.Connect == nil {
		return nil, fmt.Errorf("%w: first packet was not CONNECT", mqtt.ErrProtocolError)
	}
	c := pkt.Connect

	if c.HasUsername {
		ok, err := creds.Authenticate(c.Username, c.Password, c.HasPassword)
		if err != nil {
			log.Printf("handshake: credential store: %v", err)
		}
		if err != nil || !ok {
			writeConnAck(conn, false, mqtt.ReasonNotAuthorized, "")
			return nil, ErrNotAuthorized
		}
	}

	clientID := NewClientID(c.ClientID)
	now := time.Now().Unix()

	if existing, found := registry.Get(clientID); found {
		if err := existing.Restore(now, ClientUpdate{
			ConnID:        connID,
			Addr:          addr,
			Conn:          conn,
			ProtocolLevel: c.ProtocolLevel,
			KeepAlive:     c.KeepAlive,
		}); err != nil {
			writeConnAck(conn, false, mqtt.ReasonPacketIDInUse, "duplicate client id")
			return nil, ErrDuplicateClientID
		}
		if err := writeConnAck(conn, true, mqtt.ReasonSuccess, ""); err != nil {
			return nil, err
		}
		return &HandshakeResult{Client: existing, SessionPresent: true}, nil
	}

	var exprInterval uint32
	if c.CleanStart {
		exprInterval = 0
	} else {
		exprInterval = c.Properties.SessionExpiryInterval
	}

	newClient := NewClient(connID, conn, addr, clientID, c.KeepAlive, exprInterval, c.ProtocolLevel, now)
	if err := registry.Insert(newClient); err != nil {
		writeConnAck(conn, false, mqtt.ReasonPacketIDInUse, "duplicate client id")
		return nil, err
	}
	if err := clientLog.Prepare(clientID.String()); err != nil {
		log.Printf("handshake: prepare client storage for %s: %v", clientID, err)
	}

	if err := writeConnAck(conn, false, mqtt.ReasonSuccess, ""); err != nil {
		return nil, err
	}
	return &HandshakeResult{Client: newClient, SessionPresent: false}, nil
}

func writeConnAck(conn net.Conn, sessionPresent bool, reason mqtt.ReasonCode, reasonString string) error {
	ack := &mqtt.ConnAck{
		SessionPresent: sessionPresent,
		ReasonCode:     reason,
		Properties:     mqtt.ConnAckProperties{ReasonString: reasonString},
	}
	_, err := conn.Write(ack.Encode())
	return err
}
