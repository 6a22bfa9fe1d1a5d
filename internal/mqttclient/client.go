// Package mqttclient is a minimal MQTT v5 client used by this repo's own
// integration tests and its interactive CLI tool. The example pack's only
// third-party MQTT client library (eclipse/paho.mqtt.golang) negotiates
// protocol level 3.1/3.1.1 only and cannot exercise a broker that rejects
// anything but protocol_level 5 (internal/mqtt.DecodeConnect); no v5-capable
// client library is grounded anywhere in the retrieved examples either. This
// package fills that gap the way the pack's own haivivi-giztoy/go/pkg/mqtt0
// client does: a small synchronous struct wrapping a net.Conn, built on the
// same wire codec the broker itself uses (internal/mqtt) rather than a
// second, divergent one.
package mqttclient

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zindgh/mqtt-broker/internal/mqtt"
)

// Options configures Dial/Connect.
type Options struct {
	ClientID   string
	Username   string
	Password   []byte
	HasAuth    bool
	KeepAlive  uint16
	CleanStart bool
	// SessionExpiryInterval, when non-zero, is sent as the CONNECT
	// packet's Session Expiry Interval property (spec §4.2), the
	// property a resumed session relies on.
	SessionExpiryInterval uint32
	DialTimeout           time.Duration
}

// Client is a synchronous MQTT v5 client: one goroutine owns the
// connection at a time via mu, mirroring the pack's mqtt0.Client shape.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	nextPacketID atomic.Uint32
}

// Dial opens a TLS connection to addr and performs the MQTT v5 CONNECT
// handshake described by opts, returning the decoded CONNACK alongside
// the connected client so callers can inspect SessionPresent/ReasonCode.
func Dial(addr string, tlsCfg *tls.Config, opts Options) (*Client, *mqtt.ConnAck, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("mqttclient: dial: %w", err)
	}

	c := &Client{conn: conn, reader: bufio.NewReader(conn)}
	c.nextPacketID.Store(1)

	connect := &mqtt.Connect{
		ProtocolName:  "MQTT",
		ProtocolLevel: 5,
		ClientID:      opts.ClientID,
		CleanStart:    opts.CleanStart,
		KeepAlive:     opts.KeepAlive,
		Username:      opts.Username,
		HasUsername:   opts.HasAuth,
		Password:      opts.Password,
		HasPassword:   opts.HasAuth && opts.Password != nil,
	}
	connect.Properties.SessionExpiryInterval = opts.SessionExpiryInterval

	if err := c.write(connect.Encode()); err != nil {
		conn.Close()
		return nil, nil, err
	}

	ack, err := c.readConnAck()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if ack.ReasonCode != mqtt.ReasonSuccess {
		conn.Close()
		return c, ack, fmt.Errorf("mqttclient: connect refused: %s", ack.ReasonCode)
	}
	return c, ack, nil
}

func (c *Client) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

func (c *Client) readConnAck() (*mqtt.ConnAck, error) {
	fh, err := mqtt.ReadFixedHeader(c.reader)
	if err != nil {
		return nil, fmt.Errorf("mqttclient: read connack header: %w", err)
	}
	if fh.Type != mqtt.CONNACK {
		return nil, fmt.Errorf("mqttclient: expected CONNACK, got %s", fh.Type)
	}
	return mqtt.DecodeConnAck(io.LimitReader(c.reader, int64(fh.RemainingLen)))
}

// NextPacketID returns an increasing, never-zero packet identifier
// suitable for Publish/Subscribe; after 65535 it wraps around to 1.
func (c *Client) NextPacketID() uint16 {
	for {
		if id := uint16(c.nextPacketID.Add(1)); id != 0 {
			return id
		}
	}
}

// Publish sends a PUBLISH packet at the given QoS. For QoS 0 it returns
// as soon as the write completes; QoS 1/2 ack handling is the caller's
// responsibility via ReadPacket, matching the broker's own best-effort
// framing (spec §5).
func (c *Client) Publish(topic string, payload []byte, qos mqtt.QoS) error {
	p := &mqtt.Publish{
		QoS:     qos,
		Topic:   topic,
		Payload: payload,
	}
	if qos > mqtt.QoS0 {
		p.PacketID = c.NextPacketID()
	}
	return c.write(p.Encode())
}

// Subscribe sends a SUBSCRIBE packet for a single topic filter and
// blocks for the matching SUBACK.
func (c *Client) Subscribe(filter string, maxQoS mqtt.QoS) (*mqtt.SubAck, error) {
	s := &mqtt.Subscribe{
		PacketID: c.NextPacketID(),
		Topics:   []mqtt.SubscribeTopic{{Filter: filter, MaxQoS: maxQoS}},
	}
	if err := c.write(s.Encode()); err != nil {
		return nil, err
	}
	fh, err := mqtt.ReadFixedHeader(c.reader)
	if err != nil {
		return nil, fmt.Errorf("mqttclient: read suback header: %w", err)
	}
	if fh.Type != mqtt.SUBACK {
		return nil, fmt.Errorf("mqttclient: expected SUBACK, got %s", fh.Type)
	}
	return mqtt.DecodeSubAck(io.LimitReader(c.reader, int64(fh.RemainingLen)))
}

// ReadPacket blocks for and decodes the next server-to-client packet
// (PUBLISH, the PUBACK family, or PINGRESP).
func (c *Client) ReadPacket() (*mqtt.Packet, error) {
	fh, err := mqtt.ReadFixedHeader(c.reader)
	if err != nil {
		return nil, err
	}
	body := io.LimitReader(c.reader, int64(fh.RemainingLen))
	pkt := &mqtt.Packet{Header: fh}
	switch fh.Type {
	case mqtt.PUBLISH:
		p, err := mqtt.DecodePublish(fh.Flags, body)
		if err != nil {
			return nil, err
		}
		pkt.Publish = p
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP:
		a, err := mqtt.DecodePubAck(fh.RemainingLen, body)
		if err != nil {
			return nil, err
		}
		pkt.PubAck = a
	case mqtt.PINGRESP:
	default:
		return nil, fmt.Errorf("mqttclient: unexpected packet type %s", fh.Type)
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return nil, fmt.Errorf("mqttclient: trailing bytes: %w", err)
	}
	return pkt, nil
}

// Ack writes a PUBACK/PUBREC/PUBREL/PUBCOMP for packetID, completing one
// step of the QoS 1/2 handshake from the client side.
func (c *Client) Ack(ptype mqtt.PacketType, packetID uint16) error {
	a := &mqtt.PubAck{PacketID: packetID, ReasonCode: mqtt.ReasonSuccess}
	var b []byte
	switch ptype {
	case mqtt.PUBACK:
		b = a.EncodePubAck()
	case mqtt.PUBREC:
		b = a.EncodePubRec()
	case mqtt.PUBREL:
		b = a.EncodePubRel()
	case mqtt.PUBCOMP:
		b = a.EncodePubComp()
	default:
		return fmt.Errorf("mqttclient: ack: unsupported packet type %s", ptype)
	}
	return c.write(b)
}

// Ping sends a PINGREQ.
func (c *Client) Ping() error {
	return c.write(mqtt.PingReqPacket)
}

// Disconnect sends a DISCONNECT with the given reason code and closes
// the connection.
func (c *Client) Disconnect(rc mqtt.ReasonCode) error {
	err := c.write(mqtt.EncodeDisconnect(rc))
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the underlying connection without sending DISCONNECT,
// simulating an abrupt client drop (spec §8's "ungraceful disconnect").
func (c *Client) Close() error {
	return c.conn.Close()
}

// SetDeadline sets both read and write deadlines on the underlying
// connection, used by callers polling ReadPacket with a timeout.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}
