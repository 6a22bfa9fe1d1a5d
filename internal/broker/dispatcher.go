package broker

import (
	"log"
	"time"

	"github.com/zindgh/mqtt-broker/internal/metrics"
	"github.com/zindgh/mqtt-broker/internal/mqtt"
)

// Forwarder writes an already-encoded packet to a client's socket,
// looking it up by id through the registry.
type Forwarder interface {
	Publish(id ClientID, buf []byte) error
}

// registryForwarder adapts a Registry to Forwarder.
type registryForwarder struct{ reg *Registry }

func (f registryForwarder) Publish(id ClientID, buf []byte) error {
	c, ok := f.reg.Get(id)
	if !ok {
		return ErrCoordinatorNotFound
	}
	conn := c.Conn()
	if conn == nil {
		return ErrConnectionAborted
	}
	_, err := conn.Write(buf)
	return err
}

// Dispatcher implements C11: given a message and its subscriber list,
// downgrades to each subscriber's negotiated maximum and drives the
// QoS 0/1/2 delivery paths (spec §4.10), grounded on the source's
// MessageDistributor.
type Dispatcher struct {
	forwarder    Forwarder
	coordinator  *Coordinator
	ackRetryBase time.Duration
	ackMaxRetry  int
	ackWindow    time.Duration
	pubRelDelay  time.Duration
}

// NewDispatcher builds a Dispatcher that writes through reg.
func NewDispatcher(reg *Registry, coordinator *Coordinator, ackRetryBase time.Duration, ackMaxRetry int, ackWindow time.Duration) *Dispatcher {
	return &Dispatcher{
		forwarder:    registryForwarder{reg: reg},
		coordinator:  coordinator,
		ackRetryBase: ackRetryBase,
		ackMaxRetry:  ackMaxRetry,
		ackWindow:    ackWindow,
		pubRelDelay:  time.Second,
	}
}

// encodeAt re-encodes the message's PUBLISH at the subscriber's
// effective QoS. A downgraded copy never carries the DUP flag, and a
// QoS 0 copy loses its packet-id on the wire by construction.
func encodeAt(p *mqtt.Publish, effective mqtt.QoS) []byte {
	if p.QoS == effective {
		return p.Encode()
	}
	clone := *p
	clone.QoS = effective
	clone.Dup = false
	return clone.Encode()
}

// Dispatch delivers msg to every subscriber in subs, downgrading QoS
// per subscriber and running the ack dance for QoS>0 in a background
// goroutine so the observer is never blocked by a slow or dead
// subscriber. The publisher's own PUBREC/PUBREL/PUBCOMP exchange is
// keyed off the QoS the publisher spoke, not the subscribers': a QoS 2
// publish completes its handshake even when every subscriber
// downgraded to 0.
func (d *Dispatcher) Dispatch(msg Message, subs []SubscriberEntry) {
	var qos1Subs, qos2Subs []ClientID
	qos0Delivered := false
	for _, sub := range subs {
		switch msg.Packet.QoS.Min(sub.MaxQoS) {
		case mqtt.QoS0:
			if d.dispatchQoS0(msg, sub.ClientID) {
				qos0Delivered = true
			}
		case mqtt.QoS1:
			qos1Subs = append(qos1Subs, sub.ClientID)
		case mqtt.QoS2:
			qos2Subs = append(qos2Subs, sub.ClientID)
		}
	}
	if len(qos1Subs) > 0 || (msg.Packet.QoS == mqtt.QoS1 && msg.HasPub) {
		go d.dispatchQoS1(msg, qos1Subs, qos0Delivered)
	}
	if msg.Packet.QoS == mqtt.QoS2 && msg.HasPub {
		go d.dispatchQoS2(msg, qos2Subs)
	}
}

func (d *Dispatcher) dispatchQoS0(msg Message, subscriber ClientID) bool {
	out := encodeAt(msg.Packet, mqtt.QoS0)
	if err := d.forwarder.Publish(subscriber, out); err != nil {
		log.Printf("qos0 deliver to %s: %v", subscriber, err)
		return false
	}
	metrics.MessagesSent.WithLabelValues("publish").Inc()
	return true
}

// dispatchQoS1 delivers to every effective-QoS1 subscriber, then — for
// a publish that was itself QoS1 — answers the publisher with exactly
// one PUBACK once anything was delivered, downgraded QoS 0 copies
// included. A QoS 2 publish downgraded to QoS1 subscribers never acks
// here; its publisher gets the PUBREC/PUBREL/PUBCOMP exchange instead.
func (d *Dispatcher) dispatchQoS1(msg Message, subscribers []ClientID, qos0Delivered bool) {
	out := encodeAt(msg.Packet, mqtt.QoS1)
	delivered := qos0Delivered
	for _, subscriber := range subscribers {
		if err := d.forwarder.Publish(subscriber, out); err != nil {
			log.Printf("qos1 deliver to %s: %v", subscriber, err)
			continue
		}
		delivered = true
		metrics.MessagesSent.WithLabelValues("publish").Inc()
	}
	if !delivered || !msg.HasPub || msg.Packet.QoS != mqtt.QoS1 {
		return
	}
	ack := &mqtt.PubAck{PacketID: msg.Packet.PacketID, ReasonCode: mqtt.ReasonSuccess}
	d.retryToPublisher(msg.Publisher, ack.EncodePubAck())
}

// dispatchQoS2 runs the publisher's PUBREC/PUBREL handshake exactly
// once per original PUBLISH packet-id, fans the message out to every
// subscriber that negotiated effective QoS2, and finishes with a
// PUBCOMP to the publisher. The handshake is scoped to the publisher's
// connection (it carries the publisher's own packet-id), so it cannot
// be repeated per subscriber without issuing duplicate PUBREC/PUBREL
// packets to the same peer for the same id. subscribers may be empty:
// downgraded deliveries already went out on the QoS 0/1 paths, and the
// publisher still gets its full exchange.
func (d *Dispatcher) dispatchQoS2(msg Message, subscribers []ClientID) {
	packetID := msg.Packet.PacketID
	now := time.Now().Unix()
	if err := d.coordinator.Create(msg.Publisher, packetID, now, d.ackWindow); err != nil {
		log.Printf("qos2 create state for %s/%d: %v", msg.Publisher, packetID, err)
		return
	}

	rec := (&mqtt.PubAck{PacketID: packetID, ReasonCode: mqtt.ReasonSuccess}).EncodePubRec()
	if err := d.forwarder.Publish(msg.Publisher, rec); err != nil {
		log.Printf("qos2 pubrec to %s: %v", msg.Publisher, err)
		return
	}

	time.Sleep(d.pubRelDelay)

	if err := d.coordinator.Resolve(msg.Publisher, packetID, PhaseAwaitingPubRel, time.Now().Unix()); err != nil {
		log.Printf("qos2 advance to pubrel for %s/%d: %v", msg.Publisher, packetID, err)
		return
	}
	rel := (&mqtt.PubAck{PacketID: packetID, ReasonCode: mqtt.ReasonSuccess}).EncodePubRel()
	if err := d.forwarder.Publish(msg.Publisher, rel); err != nil {
		log.Printf("qos2 pubrel to %s: %v", msg.Publisher, err)
		return
	}

	out := msg.Packet.Encode()
	delivered := len(subscribers) == 0
	for _, subscriber := range subscribers {
		if err := d.forwarder.Publish(subscriber, out); err != nil {
			log.Printf("qos2 deliver to %s: %v", subscriber, err)
			continue
		}
		delivered = true
		metrics.MessagesSent.WithLabelValues("publish").Inc()
	}
	if !delivered {
		return
	}

	if err := d.coordinator.Resolve(msg.Publisher, packetID, PhaseAwaitingPubComp, time.Now().Unix()); err != nil {
		log.Printf("qos2 complete for %s/%d: %v", msg.Publisher, packetID, err)
		return
	}
	comp := (&mqtt.PubAck{PacketID: packetID, ReasonCode: mqtt.ReasonSuccess}).EncodePubComp()
	if err := d.forwarder.Publish(msg.Publisher, comp); err != nil {
		log.Printf("qos2 pubcomp to %s: %v", msg.Publisher, err)
	}
}

// retryToPublisher sends buf to publisher up to ackMaxRetry times with
// 2*(i+1)*ackRetryBase backoff between attempts (spec §4.10).
func (d *Dispatcher) retryToPublisher(publisher ClientID, buf []byte) {
	for i := 0; i < d.ackMaxRetry; i++ {
		if err := d.forwarder.Publish(publisher, buf); err == nil {
			return
		}
		time.Sleep(time.Duration(2*(i+1)) * d.ackRetryBase)
	}
}
