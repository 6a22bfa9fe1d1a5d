package mqtt

import (
	"bytes"
	"errors"
	"testing"
)

func encodeSubscribeBody(packetID uint16, topics []SubscribeTopic) []byte {
	body := []byte{byte(packetID >> 8), byte(packetID)}
	body = append(body, encodePropertiesBlock(nil)...)
	for _, top := range topics {
		body = WriteUTF8String(body, top.Filter)
		body = append(body, byte(top.MaxQoS))
	}
	return body
}

func TestDecodeSubscribeRoundTrip(t *testing.T) {
	topics := []SubscribeTopic{
		{Filter: "devices/room1/temperature", MaxQoS: QoS0},
		{Filter: "devices/room1/humidity", MaxQoS: QoS2},
	}
	body := encodeSubscribeBody(99, topics)

	got, err := DecodeSubscribe(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PacketID != 99 {
		t.Errorf("PacketID = %d, want 99", got.PacketID)
	}
	if len(got.Topics) != len(topics) {
		t.Fatalf("got %d topics, want %d", len(got.Topics), len(topics))
	}
	for i, top := range topics {
		if got.Topics[i] != top {
			t.Errorf("topic %d = %+v, want %+v", i, got.Topics[i], top)
		}
	}
}

func TestDecodeSubscribeAcceptsZeroTopics(t *testing.T) {
	body := encodeSubscribeBody(1, nil)
	got, err := DecodeSubscribe(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PacketID != 1 {
		t.Errorf("PacketID = %d, want 1", got.PacketID)
	}
	if len(got.Topics) != 0 {
		t.Errorf("got %d topics, want 0", len(got.Topics))
	}
}

func TestDecodeSubscribeRejectsInvalidQoS(t *testing.T) {
	body := []byte{0, 1}
	body = append(body, encodePropertiesBlock(nil)...)
	body = WriteUTF8String(body, "a/b")
	body = append(body, 0x03) // qos 3 invalid
	_, err := DecodeSubscribe(bytes.NewReader(body))
	if !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("got %v, want ErrMalformedPacket", err)
	}
}

func TestSubAckEncode(t *testing.T) {
	ack := &SubAck{PacketID: 99, ReasonCodes: []ReasonCode{ReasonSuccess, ReasonQoSNotSupported}}
	encoded := ack.Encode()

	fh, err := ReadFixedHeader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("read fixed header: %v", err)
	}
	if fh.Type != SUBACK {
		t.Fatalf("type = %s, want SUBACK", fh.Type)
	}
	body := encoded[len(encoded)-fh.RemainingLen:]
	got, err := DecodeSubAck(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode suback: %v", err)
	}
	if got.PacketID != ack.PacketID {
		t.Errorf("PacketID = %d, want %d", got.PacketID, ack.PacketID)
	}
	if len(got.ReasonCodes) != len(ack.ReasonCodes) {
		t.Fatalf("got %d reason codes, want %d", len(got.ReasonCodes), len(ack.ReasonCodes))
	}
	for i, rc := range ack.ReasonCodes {
		if got.ReasonCodes[i] != rc {
			t.Errorf("reason code %d = %v, want %v", i, got.ReasonCodes[i], rc)
		}
	}
}

// TestSubAckEncodeZeroTopicEdgeCase documents the edge case noted in
// SubAck.Encode's doc comment: a SUBACK with no reason codes, the reply
// to the zero-topic SUBSCRIBE DecodeSubscribe now accepts, still
// encodes to a well-formed packet.
func TestSubAckEncodeZeroTopicEdgeCase(t *testing.T) {
	ack := &SubAck{PacketID: 1}
	encoded := ack.Encode()
	fh, err := ReadFixedHeader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("read fixed header: %v", err)
	}
	if fh.Type != SUBACK {
		t.Fatalf("type = %s, want SUBACK", fh.Type)
	}
}
