package mqtt

import (
	"fmt"
	"io"
)

// SubscribeTopic is one (topic filter, options byte) entry of a
// SUBSCRIBE packet. Only the QoS bits of the options byte are
// meaningful here; retain-handling and no-local bits are not used by
// this broker (no wildcards, no shared subscriptions, no subscription
// identifiers).
type SubscribeTopic struct {
	Filter string
	MaxQoS QoS
}

// Subscribe is a decoded SUBSCRIBE packet.
type Subscribe struct {
	PacketID uint16
	Topics   []SubscribeTopic
}

// DecodeSubscribe decodes a SUBSCRIBE packet body bounded to its
// declared remaining length.
func DecodeSubscribe(r io.Reader) (*Subscribe, error) {
	id, err := readUint16(r)
	if err != nil {
		return nil, fmt.Errorf("%w: packet id: %v", ErrMalformedPacket, err)
	}
	s := &Subscribe{PacketID: id}

	if err := decodeProperties(r, func(id byte, pr io.Reader) error {
		switch id {
		case propSubsIDAvailable:
			return fmt.Errorf("%w: subscription identifiers unsupported", ErrProtocolError)
		case propUserProperty:
			_, err := ReadStringPair(pr)
			return err
		default:
			return fmt.Errorf("%w: unexpected subscribe property 0x%02x", ErrProtocolError, id)
		}
	}); err != nil {
		return nil, err
	}

	for {
		filter, err := ReadUTF8String(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: subscribe topic filter: %v", ErrMalformedPacket, err)
		}
		opts, err := readByteVal(r)
		if err != nil {
			return nil, fmt.Errorf("%w: subscribe options: %v", ErrMalformedPacket, err)
		}
		qos := QoS(opts & 0x03)
		if qos > QoS2 {
			return nil, fmt.Errorf("%w: subscribe qos %d invalid", ErrMalformedPacket, qos)
		}
		s.Topics = append(s.Topics, SubscribeTopic{Filter: filter, MaxQoS: qos})
	}
	return s, nil
}

// SubAck is an encodable SUBACK packet: packet-id, properties, one
// reason code per requested topic filter, in order.
type SubAck struct {
	PacketID    uint16
	ReasonCodes []ReasonCode
}

// Encode serializes the SUBACK packet, fixed header included. A
// zero-topic SUBSCRIBE decodes to an empty Topics slice, so this
// encodes with an empty reason-codes list, matching spec §8's edge case.
func (s *SubAck) Encode() []byte {
	body := []byte{byte(s.PacketID >> 8), byte(s.PacketID)}
	body = append(body, encodePropertiesBlock(nil)...)
	for _, rc := range s.ReasonCodes {
		body = append(body, byte(rc))
	}

	remLen, _ := EncodeRemainingLength(len(body))
	out := make([]byte, 0, 1+len(remLen)+len(body))
	out = append(out, byte(SUBACK)<<4)
	out = append(out, remLen...)
	out = append(out, body...)
	return out
}
