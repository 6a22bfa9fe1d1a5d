package mqtt

import (
	"fmt"
	"io"
)

// Packet is the decoded result of ReadPacket: exactly one of its fields
// is non-nil, matching the fixed header's Type.
type Packet struct {
	Header    *FixedHeader
	Connect   *Connect
	Publish   *Publish
	PubAck    *PubAck
	Subscribe *Subscribe
	PingReq   bool
	Disconn   bool
}

// ReadPacket reads one complete MQTT packet from r: fixed header, then
// the type-specific decoder bounded to the declared remaining length so
// a decoder can never consume bytes belonging to the next packet.
func ReadPacket(r io.Reader) (*Packet, error) {
	fh, err := ReadFixedHeader(r)
	if err != nil {
		return nil, err
	}
	body := limitedReader(r, fh.RemainingLen)
	pkt := &Packet{Header: fh}

	switch fh.Type {
	case CONNECT:
		c, err := DecodeConnect(body)
		if err != nil {
			return nil, err
		}
		pkt.Connect = c
	case PUBLISH:
		p, err := DecodePublish(fh.Flags, body)
		if err != nil {
			return nil, err
		}
		pkt.Publish = p
	case PUBACK, PUBREC, PUBREL, PUBCOMP:
		a, err := DecodePubAck(fh.RemainingLen, body)
		if err != nil {
			return nil, err
		}
		pkt.PubAck = a
	case SUBSCRIBE:
		s, err := DecodeSubscribe(body)
		if err != nil {
			return nil, err
		}
		pkt.Subscribe = s
	case PINGREQ:
		pkt.PingReq = true
	case DISCONNECT:
		pkt.Disconn = true
	default:
		return nil, fmt.Errorf("%w: unsupported packet type %s", ErrProtocolError, fh.Type)
	}

	if fh.Type != PUBLISH {
		// Every other decoder above consumes exactly RemainingLen bytes
		// via properties/field lengths; drain any unexpected trailer so a
		// malformed-but-not-fatal packet doesn't desync the stream.
		if _, err := io.Copy(io.Discard, body); err != nil {
			return nil, fmt.Errorf("%w: trailing bytes: %v", ErrMalformedPacket, err)
		}
	}
	return pkt, nil
}
