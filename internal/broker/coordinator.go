package broker

import (
	"sync"
	"time"

	"github.com/zindgh/mqtt-broker/internal/metrics"
)

// AckPhase is a QoS coordinator state, ordered so that step+1 is the
// only legal transition (spec §4.10 / §9: "transitions are monotonic").
type AckPhase byte

const (
	PhaseAwaitingPubRec  AckPhase = 0
	PhaseAwaitingPubRel  AckPhase = 1
	PhaseAwaitingPubComp AckPhase = 2
)

func (p AckPhase) step() int { return int(p) }

type ackState struct {
	packetID  uint16
	phase     AckPhase
	expiresAt int64
}

type clientAckStates struct {
	mu     sync.Mutex
	states []*ackState
}

// Coordinator tracks per-(client-id, packet-id) QoS ack state. The
// dispatcher keys it by the publisher's client-id and packet-id; no
// per-subscriber delivery state is kept. Keyed by client-id, with a per-client slice of in-flight
// packet states, exactly as the source this is grounded on structures
// its message coordinator.
type Coordinator struct {
	mu     sync.RWMutex
	byClid map[string]*clientAckStates
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{byClid: make(map[string]*clientAckStates)}
}

func (c *Coordinator) bucket(id ClientID, create bool) *clientAckStates {
	key := id.String()
	c.mu.RLock()
	b, ok := c.byClid[key]
	c.mu.RUnlock()
	if ok || !create {
		return b
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.byClid[key]; ok {
		return b
	}
	b = &clientAckStates{}
	c.byClid[key] = b
	return b
}

// Create starts tracking packetID for id, initially awaiting PUBREC.
// It fails with ErrAlreadyExists if that (id, packetID) pair is
// already tracked.
func (c *Coordinator) Create(id ClientID, packetID uint16, now int64, expiryWindow time.Duration) error {
	b := c.bucket(id, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.states {
		if s.packetID == packetID {
			return ErrAlreadyExists
		}
	}
	b.states = append(b.states, &ackState{
		packetID:  packetID,
		phase:     PhaseAwaitingPubRec,
		expiresAt: now + int64(expiryWindow/time.Second),
	})
	metrics.QoSMessagesInflight.WithLabelValues("2").Inc()
	return nil
}

// Resolve advances the state for (id, packetID) to next if and only if
// next is exactly one step past the current phase and the state has
// not expired. A transition into PhaseAwaitingPubComp is terminal and
// removes the state instead of storing it; an out-of-order transition
// also removes it and returns ErrInvalidResolveState.
func (c *Coordinator) Resolve(id ClientID, packetID uint16, next AckPhase, now int64) error {
	b := c.bucket(id, false)
	if b == nil {
		return ErrCoordinatorNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.states {
		if s.packetID != packetID {
			continue
		}
		if s.phase.step()+1 != next.step() {
			b.states = append(b.states[:i], b.states[i+1:]...)
			metrics.QoSMessagesInflight.WithLabelValues("2").Dec()
			return ErrInvalidResolveState
		}
		if now > s.expiresAt {
			b.states = append(b.states[:i], b.states[i+1:]...)
			metrics.QoSMessagesInflight.WithLabelValues("2").Dec()
			return ErrStateExpired
		}
		if next == PhaseAwaitingPubComp {
			b.states = append(b.states[:i], b.states[i+1:]...)
			metrics.QoSMessagesInflight.WithLabelValues("2").Dec()
			return nil
		}
		s.phase = next
		return nil
	}
	return ErrCoordinatorNotFound
}

// Complete drops the (id, packetID) state unconditionally, used when a
// PUBCOMP finally lands.
func (c *Coordinator) Complete(id ClientID, packetID uint16) {
	b := c.bucket(id, false)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.states {
		if s.packetID == packetID {
			b.states = append(b.states[:i], b.states[i+1:]...)
			metrics.QoSMessagesInflight.WithLabelValues("2").Dec()
			return
		}
	}
}

// Sweep removes every state across every client that has passed its
// expiry timestamp, invoked on config.QoSConfig.StateSweepInterval.
func (c *Coordinator) Sweep(now int64) {
	c.mu.RLock()
	buckets := make([]*clientAckStates, 0, len(c.byClid))
	for _, b := range c.byClid {
		buckets = append(buckets, b)
	}
	c.mu.RUnlock()

	for _, b := range buckets {
		b.mu.Lock()
		kept := b.states[:0]
		for _, s := range b.states {
			if s.expiresAt >= now {
				kept = append(kept, s)
			} else {
				metrics.QoSMessagesInflight.WithLabelValues("2").Dec()
			}
		}
		b.states = kept
		b.mu.Unlock()
	}
}
