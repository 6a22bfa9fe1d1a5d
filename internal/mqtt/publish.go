package mqtt

import (
	"fmt"
	"io"
)

// PublishProperties holds the subset of PUBLISH properties this broker
// round-trips. The broker does not interpret these semantically (no
// message expiry, no topic aliasing) but preserves them for dispatch.
type PublishProperties struct {
	PayloadFormatIndicator byte
	HasPayloadFormat       bool
	MessageExpiryInterval  uint32
	HasMessageExpiry       bool
	ContentType            string
	ResponseTopic          string
	CorrelationData        []byte
	UserProperties         UserProperties
}

// Publish is a decoded or to-be-encoded PUBLISH packet.
type Publish struct {
	Dup        bool
	QoS        QoS
	Retain     bool
	Topic      string
	PacketID   uint16
	Properties PublishProperties
	Payload    []byte
}

// DecodePublish decodes a PUBLISH packet body given the fixed header's
// flags. r must be bounded to RemainingLen bytes by the caller.
func DecodePublish(flags byte, r io.Reader) (*Publish, error) {
	p := &Publish{
		Dup:    flags&0x08 != 0,
		QoS:    QoS((flags & 0x06) >> 1),
		Retain: flags&0x01 != 0,
	}
	if p.QoS > QoS2 {
		return nil, fmt.Errorf("%w: publish qos %d invalid", ErrMalformedPacket, p.QoS)
	}
	if p.QoS == QoS0 && p.Dup {
		return nil, fmt.Errorf("%w: dup set on qos 0 publish", ErrMalformedPacket)
	}

	topic, err := ReadUTF8String(r)
	if err != nil {
		return nil, fmt.Errorf("%w: publish topic: %v", ErrMalformedPacket, err)
	}
	p.Topic = topic

	if p.QoS > QoS0 {
		id, err := readUint16(r)
		if err != nil {
			return nil, fmt.Errorf("%w: publish packet id: %v", ErrMalformedPacket, err)
		}
		p.PacketID = id
	}

	if err := decodeProperties(r, func(id byte, pr io.Reader) error {
		return decodePublishProperty(&p.Properties, id, pr)
	}); err != nil {
		return nil, err
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: publish payload: %v", ErrMalformedPacket, err)
	}
	p.Payload = payload
	return p, nil
}

func decodePublishProperty(p *PublishProperties, id byte, r io.Reader) error {
	switch id {
	case propPayloadFormatIndicator:
		v, err := readByteVal(r)
		if err != nil {
			return err
		}
		p.PayloadFormatIndicator = v
		p.HasPayloadFormat = true
	case propMessageExpiryInterval:
		v, err := readUint32(r)
		if err != nil {
			return err
		}
		p.MessageExpiryInterval = v
		p.HasMessageExpiry = true
	case propContentType:
		v, err := ReadUTF8String(r)
		if err != nil {
			return err
		}
		p.ContentType = v
	case propResponseTopic:
		v, err := ReadUTF8String(r)
		if err != nil {
			return err
		}
		p.ResponseTopic = v
	case propCorrelationData:
		v, err := ReadBinaryData(r)
		if err != nil {
			return err
		}
		p.CorrelationData = v
	case propUserProperty:
		up, err := ReadStringPair(r)
		if err != nil {
			return err
		}
		p.UserProperties = append(p.UserProperties, up)
	case propTopicAlias:
		// Topic aliasing is out of scope; consume and discard the value.
		if _, err := readUint16(r); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unexpected publish property 0x%02x", ErrProtocolError, id)
	}
	return nil
}

// Encode serializes the PUBLISH packet, fixed header included. The
// packet-id field is omitted entirely when QoS is 0.
func (p *Publish) Encode() []byte {
	var flags byte
	if p.Dup {
		flags |= 0x08
	}
	flags |= byte(p.QoS) << 1
	if p.Retain {
		flags |= 0x01
	}

	var body []byte
	body = WriteUTF8String(body, p.Topic)
	if p.QoS > QoS0 {
		body = append(body, byte(p.PacketID>>8), byte(p.PacketID))
	}

	var propBody []byte
	if p.Properties.HasPayloadFormat {
		propBody = append(propBody, propPayloadFormatIndicator, p.Properties.PayloadFormatIndicator)
	}
	if p.Properties.HasMessageExpiry {
		v := p.Properties.MessageExpiryInterval
		propBody = append(propBody, propMessageExpiryInterval, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	if p.Properties.ContentType != "" {
		propBody = append(propBody, propContentType)
		propBody = WriteUTF8String(propBody, p.Properties.ContentType)
	}
	if p.Properties.ResponseTopic != "" {
		propBody = append(propBody, propResponseTopic)
		propBody = WriteUTF8String(propBody, p.Properties.ResponseTopic)
	}
	if p.Properties.CorrelationData != nil {
		propBody = append(propBody, propCorrelationData)
		propBody = WriteBinaryData(propBody, p.Properties.CorrelationData)
	}
	propBody = appendUserProperties(propBody, p.Properties.UserProperties)
	body = append(body, encodePropertiesBlock(propBody)...)
	body = append(body, p.Payload...)

	remLen, _ := EncodeRemainingLength(len(body))
	out := make([]byte, 0, 1+len(remLen)+len(body))
	out = append(out, byte(PUBLISH)<<4|flags)
	out = append(out, remLen...)
	out = append(out, body...)
	return out
}
