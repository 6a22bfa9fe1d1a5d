package broker

import (
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/zindgh/mqtt-broker/internal/metrics"
	"github.com/zindgh/mqtt-broker/internal/mqtt"
	"github.com/zindgh/mqtt-broker/internal/store"
)

// Mediator owns the broker's shared state (registry, queue, trie,
// coordinator, dispatcher) and the background goroutines that drain
// them: the observer loop and the session sweeper. Grounded on the
// source's BrokerMediator, which plays the same "everything meets here"
// role between per-client tasks.
type Mediator struct {
	Registry    *Registry
	Queue       *MessageQueue
	Trie        *TopicTrie
	Coordinator *Coordinator
	Dispatcher  *Dispatcher
	Creds       *store.CredentialStore
	ClientLog   *store.ClientLog

	handshakeTimeout time.Duration
	safetyOfftime    time.Duration
	sweepInterval    time.Duration

	nextConnID uint64
}

// NewMediator wires a Mediator's components together.
func NewMediator(creds *store.CredentialStore, clientLog *store.ClientLog, ackRetryBase time.Duration, ackMaxRetry int, ackWindow, handshakeTimeout, safetyOfftime, sweepInterval time.Duration) *Mediator {
	registry := NewRegistry()
	coordinator := NewCoordinator()
	return &Mediator{
		Registry:         registry,
		Queue:            NewMessageQueue(),
		Trie:             NewTopicTrie(),
		Coordinator:      coordinator,
		Dispatcher:       NewDispatcher(registry, coordinator, ackRetryBase, ackMaxRetry, ackWindow),
		Creds:            creds,
		ClientLog:        clientLog,
		handshakeTimeout: handshakeTimeout,
		safetyOfftime:    safetyOfftime,
		sweepInterval:    sweepInterval,
	}
}

// Accept runs the handshake for a freshly accepted connection and, on
// success, restores any persisted subscriptions (for a brand-new
// client-id, none) and spawns its driver goroutine. The caller's accept
// loop (C12) is expected to close conn itself if this returns an error.
func (m *Mediator) Accept(conn net.Conn, addr net.Addr) error {
	metrics.ConnectionsTotal.Inc()
	connID := m.allocConnID()
	result, err := Handshake(conn, addr, connID, m.Registry, m.Creds, m.ClientLog, m.handshakeTimeout)
	if err != nil {
		return err
	}

	if !result.SessionPresent {
		if subs, err := m.ClientLog.ActiveSubscriptions(result.Client.ID.String()); err != nil {
			log.Printf("mediator: load subscriptions for %s: %v", result.Client.ID, err)
		} else {
			for _, s := range subs {
				m.Trie.Insert(s.Filter, SubscriberEntry{ClientID: result.Client.ID, MaxQoS: mqtt.QoS(s.MaxQoS)})
			}
		}
	}

	if err := m.ClientLog.LogSession(result.Client.ID.String(), store.SessionEvent{
		Time: time.Now().Unix(),
		Kind: store.EventConnected,
	}); err != nil {
		log.Printf("mediator: session log for %s: %v", result.Client.ID, err)
	}

	driver := &Driver{
		Client:        result.Client,
		Queue:         m.Queue,
		Trie:          m.Trie,
		Coordinator:   m.Coordinator,
		ClientLog:     m.ClientLog,
		SafetyOfftime: m.safetyOfftime,
	}
	go driver.Run()
	return nil
}

func (m *Mediator) allocConnID() uint64 {
	return atomic.AddUint64(&m.nextConnID, 1)
}

// Observer drains the message queue forever, routing each PUBLISH to
// its topic's current subscriber set. It is meant to run as the single
// long-lived goroutine the source's equivalent loop describes: one
// observer, many producer drivers.
func (m *Mediator) Observer(stop <-chan struct{}) {
	for {
		msg, ok := m.Queue.Dequeue()
		if !ok {
			select {
			case <-stop:
				m.Trie.Prune()
				return
			case <-m.Queue.Wait():
			}
			continue
		}
		select {
		case <-stop:
			m.Trie.Prune()
			return
		default:
		}
		subs := m.Trie.Get(msg.Packet.Topic)
		if len(subs) == 0 {
			log.Printf("observer: %v: %s", ErrNoSubscribers, msg.Packet.Topic)
			continue
		}
		m.Dispatcher.Dispatch(msg, subs)
	}
}

// SweepSessions runs forever, calling Coordinator.Sweep and reaping
// fully-expired registry entries on sweepInterval.
func (m *Mediator) SweepSessions(stop <-chan struct{}) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now().Unix()
			m.Coordinator.Sweep(now)
			for _, c := range m.Registry.Snapshot() {
				if c.IsExpired(now) {
					m.Registry.Remove(c.ID)
					if err := m.ClientLog.LogSession(c.ID.String(), store.SessionEvent{
						Time:  now,
						Kind:  store.EventSessionExpired,
						Value: c.ExpirationTime(),
					}); err != nil {
						log.Printf("mediator: session log for %s: %v", c.ID, err)
					}
				}
			}
			m.Trie.Prune()
		}
	}
}
