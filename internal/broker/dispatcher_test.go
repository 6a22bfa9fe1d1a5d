package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/zindgh/mqtt-broker/internal/mqtt"
)

// fakeForwarder records every Publish call instead of writing to a real
// socket, so the dispatcher's QoS paths can be exercised without a
// registry or network connection.
type fakeForwarder struct {
	mu       sync.Mutex
	calls    map[string][][]byte
	fail     map[string]bool
	attempts map[string]int
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{calls: make(map[string][][]byte), fail: make(map[string]bool), attempts: make(map[string]int)}
}

func (f *fakeForwarder) Publish(id ClientID, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id.String()]++
	if f.fail[id.String()] {
		return ErrCoordinatorNotFound
	}
	f.calls[id.String()] = append(f.calls[id.String()], buf)
	return nil
}

func (f *fakeForwarder) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[id])
}

func (f *fakeForwarder) first(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id][0]
}

func newTestDispatcher(fwd Forwarder) *Dispatcher {
	return &Dispatcher{
		forwarder:    fwd,
		coordinator:  NewCoordinator(),
		ackRetryBase: time.Millisecond,
		ackMaxRetry:  3,
		ackWindow:    time.Minute,
		pubRelDelay:  time.Millisecond,
	}
}

func TestDispatchQoS0NoAck(t *testing.T) {
	fwd := newFakeForwarder()
	d := newTestDispatcher(fwd)
	sub := NewClientID("sub")

	msg := Message{Packet: &mqtt.Publish{Topic: "t", QoS: mqtt.QoS0, Payload: []byte("22.5")}}
	d.Dispatch(msg, []SubscriberEntry{{ClientID: sub, MaxQoS: mqtt.QoS0}})

	if got := fwd.count(sub.String()); got != 1 {
		t.Fatalf("subscriber deliveries = %d, want 1", got)
	}
}

// TestDispatchQoS2DowngradesToQoS0WhenSubscriberMaxIsLower covers the
// third end-to-end scenario's split: the subscriber sees a plain QoS 0
// publish with no ack traffic, while the publisher still completes its
// own PUBREC/PUBREL/PUBCOMP exchange for the QoS 2 packet it sent.
func TestDispatchQoS2DowngradesToQoS0WhenSubscriberMaxIsLower(t *testing.T) {
	fwd := newFakeForwarder()
	d := newTestDispatcher(fwd)
	sub := NewClientID("sub")
	pub := NewClientID("pub")

	msg := Message{
		Packet:    &mqtt.Publish{Topic: "t", QoS: mqtt.QoS2, PacketID: 9, Payload: []byte("y")},
		Publisher: pub,
		HasPub:    true,
	}
	d.Dispatch(msg, []SubscriberEntry{{ClientID: sub, MaxQoS: mqtt.QoS0}})

	if got := fwd.count(sub.String()); got != 1 {
		t.Fatalf("subscriber deliveries = %d, want 1 (downgraded qos0, no ack loop)", got)
	}
	if first := fwd.first(sub.String()); first[0] != byte(mqtt.PUBLISH)<<4 {
		t.Fatalf("subscriber copy control byte = 0x%02x, want 0x30 (qos0, no flags)", first[0])
	}
	waitFor(t, func() bool { return fwd.count(pub.String()) == 3 },
		"publisher must receive PUBREC, PUBREL and PUBCOMP despite the qos0 downgrade")
}

// waitFor polls cond until it holds or a generous deadline lapses; the
// dispatcher's ack dances run on their own goroutines.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDispatchQoS1SendsPubAckToPublisher(t *testing.T) {
	fwd := newFakeForwarder()
	d := newTestDispatcher(fwd)
	sub := NewClientID("sub")
	pub := NewClientID("pub")

	msg := Message{
		Packet:    &mqtt.Publish{Topic: "t", QoS: mqtt.QoS1, PacketID: 7, Payload: []byte("x")},
		Publisher: pub,
		HasPub:    true,
	}
	d.dispatchQoS1(msg, []ClientID{sub}, false)

	if got := fwd.count(sub.String()); got != 1 {
		t.Fatalf("subscriber deliveries = %d, want 1", got)
	}
	if got := fwd.count(pub.String()); got != 1 {
		t.Fatalf("publisher PUBACKs = %d, want exactly 1", got)
	}
}

// TestDispatchQoS1SinglePubAckForManySubscribers guards the "exactly
// one PUBACK to publisher" property when a QoS 1 publish fans out to
// several subscribers at once.
func TestDispatchQoS1SinglePubAckForManySubscribers(t *testing.T) {
	fwd := newFakeForwarder()
	d := newTestDispatcher(fwd)
	pub := NewClientID("pub")
	subA := NewClientID("subA")
	subB := NewClientID("subB")

	msg := Message{
		Packet:    &mqtt.Publish{Topic: "t", QoS: mqtt.QoS1, PacketID: 8, Payload: []byte("x")},
		Publisher: pub,
		HasPub:    true,
	}
	d.dispatchQoS1(msg, []ClientID{subA, subB}, false)

	if got := fwd.count(subA.String()); got != 1 {
		t.Errorf("subA deliveries = %d, want 1", got)
	}
	if got := fwd.count(subB.String()); got != 1 {
		t.Errorf("subB deliveries = %d, want 1", got)
	}
	if got := fwd.count(pub.String()); got != 1 {
		t.Errorf("publisher PUBACKs = %d, want exactly 1 for the whole fan-out", got)
	}
}

func TestDispatchQoS1RetriesOnPublisherFailure(t *testing.T) {
	fwd := newFakeForwarder()
	pub := NewClientID("pub")
	fwd.fail[pub.String()] = true
	d := newTestDispatcher(fwd)
	d.ackMaxRetry = 3
	d.ackRetryBase = time.Millisecond

	msg := Message{
		Packet:    &mqtt.Publish{Topic: "t", QoS: mqtt.QoS1, PacketID: 1, Payload: []byte("z")},
		Publisher: pub,
		HasPub:    true,
	}
	d.dispatchQoS1(msg, []ClientID{NewClientID("sub")}, false)

	if got := fwd.count(pub.String()); got != 0 {
		t.Fatalf("a permanently failing publisher forwarder must never record a successful call, got %d", got)
	}
	fwd.mu.Lock()
	tries := fwd.attempts[pub.String()]
	fwd.mu.Unlock()
	if tries != 3 {
		t.Fatalf("PUBACK attempts to the publisher = %d, want 3 (ackMaxRetry)", tries)
	}
}

// TestDispatchQoS2FansOutToEveryEffectiveSubscriber guards against the
// once-per-message publisher handshake silently dropping delivery to
// every subscriber after the first: the coordinator state for (publisher,
// packet-id) must be created exactly once, with the decoded PUBLISH
// still reaching every QoS2 subscriber.
func TestDispatchQoS2FansOutToEveryEffectiveSubscriber(t *testing.T) {
	fwd := newFakeForwarder()
	d := newTestDispatcher(fwd)
	pub := NewClientID("pub")
	subA := NewClientID("subA")
	subB := NewClientID("subB")

	msg := Message{
		Packet:    &mqtt.Publish{Topic: "t", QoS: mqtt.QoS2, PacketID: 42, Payload: []byte("fanout")},
		Publisher: pub,
		HasPub:    true,
	}
	d.dispatchQoS2(msg, []ClientID{subA, subB})

	if got := fwd.count(subA.String()); got != 1 {
		t.Errorf("subA deliveries = %d, want 1", got)
	}
	if got := fwd.count(subB.String()); got != 1 {
		t.Errorf("subB deliveries = %d, want 1 (must not be dropped by the shared publisher handshake)", got)
	}
	// Publisher sees exactly one PUBREC, one PUBREL and one PUBCOMP, not
	// one handshake per subscriber.
	if got := fwd.count(pub.String()); got != 3 {
		t.Errorf("publisher handshake calls = %d, want 3 (PUBREC, PUBREL, PUBCOMP)", got)
	}
}
