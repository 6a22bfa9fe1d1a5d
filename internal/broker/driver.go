package broker

import (
	"errors"
	"io"
	"log"
	"net"
	"time"

	"github.com/zindgh/mqtt-broker/internal/metrics"
	"github.com/zindgh/mqtt-broker/internal/mqtt"
	"github.com/zindgh/mqtt-broker/internal/store"
)

// Driver runs a single client's online loop (C9): bounded-deadline
// reads, dispatch of decoded packets to the queue/trie/coordinator, and
// session-event logging on exit. One driver goroutine runs per
// connection; the handshake and the dispatcher's forwarder reach the
// same Client only through its locked transport accessors and session
// atomics.
type Driver struct {
	Client        *Client
	Queue         *MessageQueue
	Trie          *TopicTrie
	Coordinator   *Coordinator
	ClientLog     *store.ClientLog
	SafetyOfftime time.Duration
}

// Run drives the client until its socket dies or its session expires.
// It never returns an error the caller must act on beyond logging: all
// disposition is already applied (registry retains a dead session for
// its resume window per spec §7).
func (d *Driver) Run() {
	clid := d.Client.ID.String()
	// The connection and connection-id are pinned here: a resuming
	// CONNECT replaces both on the shared Client, and this (now stale)
	// driver must keep reading its own dead socket, not the successor's.
	conn, connID := d.Client.Transport()
	defer conn.Close()

	log.Printf("[driver] %s spawned (%s)", clid, d.Client.Addr())
	defer log.Printf("[driver] %s despawned", clid)

	for {
		now := time.Now().Unix()
		if d.Client.ConnID() != connID {
			// Session was handed to a new connection mid-loop.
			return
		}
		if !d.Client.IsAlive(now) {
			d.logSessionEvent(store.EventDisconnectedByServer, d.Client.ExpirationTime())
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(d.SafetyOfftime)); err != nil {
			log.Printf("[driver] %s set deadline: %v", clid, err)
			if d.Client.ConnID() == connID {
				d.Client.Kill()
				d.logSessionEvent(store.EventClientDisconnected, d.Client.ExpirationTime())
			}
			return
		}

		pkt, err := mqtt.ReadPacket(conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if d.Client.ConnID() != connID {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Printf("[driver] %s: %v", clid, ErrConnectionAborted)
				d.Client.Kill()
				d.logSessionEvent(store.EventClientDisconnected, d.Client.ExpirationTime())
				return
			}
			// Malformed or protocol-violating input: close and drop the
			// session rather than leaving it resumable.
			d.Client.Kill()
			d.logSessionEvent(store.EventClientDisconnected, d.Client.ExpirationTime())
			return
		}

		if _, err := d.Client.Session.KeepAlive(now + 1); err != nil {
			continue
		}

		switch {
		case pkt.PingReq:
			if _, err := conn.Write(mqtt.PingRespPacket); err != nil {
				log.Printf("[driver] %s pingresp: %v", clid, err)
			}
		case pkt.Publish != nil:
			d.handlePublish(pkt.Publish)
		case pkt.Subscribe != nil:
			d.handleSubscribe(conn, pkt.Subscribe)
		case pkt.PubAck != nil:
			d.handlePubAck(pkt.Header.Type, pkt.PubAck)
		case pkt.Disconn:
			d.logSessionEvent(store.EventClientDisconnected, d.Client.ExpirationTime())
			return
		}
	}
}

func (d *Driver) handlePublish(p *mqtt.Publish) {
	metrics.MessagesReceived.WithLabelValues("publish").Inc()
	msg := Message{Packet: p}
	if p.QoS > mqtt.QoS0 {
		msg.Publisher = d.Client.ID
		msg.HasPub = true
	}
	d.Queue.Enqueue(msg)
}

func (d *Driver) handleSubscribe(conn net.Conn, s *mqtt.Subscribe) {
	metrics.MessagesReceived.WithLabelValues("subscribe").Inc()
	reasons := make([]mqtt.ReasonCode, 0, len(s.Topics))
	for _, t := range s.Topics {
		d.Trie.Insert(t.Filter, SubscriberEntry{ClientID: d.Client.ID, MaxQoS: t.MaxQoS})
		reasons = append(reasons, mqtt.ReasonCode(t.MaxQoS))
	}

	ack := &mqtt.SubAck{PacketID: s.PacketID, ReasonCodes: reasons}
	if _, err := conn.Write(ack.Encode()); err != nil {
		log.Printf("[driver] %s suback: %v", d.Client.ID, err)
	}
	if err := d.ClientLog.Subscribe(d.Client.ID.String(), toStoreTopics(s.Topics)); err != nil {
		log.Printf("[driver] %s persist subscribe: %v", d.Client.ID, err)
	}
}

func toStoreTopics(topics []mqtt.SubscribeTopic) []store.SubscribedTopic {
	out := make([]store.SubscribedTopic, len(topics))
	for i, t := range topics {
		out[i] = store.SubscribedTopic{Filter: t.Filter, MaxQoS: byte(t.MaxQoS)}
	}
	return out
}

// handlePubAck absorbs PUBCOMP arriving from a publisher answering the
// broker's PUBREL. The dispatcher usually resolves the in-flight state
// itself when it finishes the QoS 2 fan-out, so this drop is
// idempotent. PUBACK from a subscriber needs no state either (publisher
// acks are driven by the dispatcher on delivery); anything else is
// logged and dropped.
func (d *Driver) handlePubAck(t mqtt.PacketType, a *mqtt.PubAck) {
	switch t {
	case mqtt.PUBCOMP:
		d.Coordinator.Complete(d.Client.ID, a.PacketID)
	case mqtt.PUBACK:
	default:
		log.Printf("[driver] %s unexpected %s from client", d.Client.ID, t)
	}
}

func (d *Driver) logSessionEvent(kind store.SessionEventKind, payload int64) {
	if err := d.ClientLog.LogSession(d.Client.ID.String(), store.SessionEvent{
		Time:  time.Now().Unix() + 1,
		Kind:  kind,
		Value: payload,
	}); err != nil {
		log.Printf("[driver] %s: %v", d.Client.ID, &StorageError{Op: "session log", Err: err})
	}
}
