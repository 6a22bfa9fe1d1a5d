package mqtt

import (
	"fmt"
	"io"
)

// Encode serializes the CONNECT packet, fixed header included. Only the
// fields this broker's own test client ever sends are populated; will
// messages are never set since they are out of scope (spec Non-goals).
func (c *Connect) Encode() []byte {
	var flags byte
	if c.CleanStart {
		flags |= connectFlagCleanStart
	}
	if c.HasUsername {
		flags |= connectFlagUsername
	}
	if c.HasPassword {
		flags |= connectFlagPassword
	}

	var propBody []byte
	if c.Properties.SessionExpiryInterval != 0 {
		propBody = append(propBody, propSessionExpiryInterval)
		propBody = append(propBody, byte(c.Properties.SessionExpiryInterval>>24), byte(c.Properties.SessionExpiryInterval>>16),
			byte(c.Properties.SessionExpiryInterval>>8), byte(c.Properties.SessionExpiryInterval))
	}

	var body []byte
	body = WriteUTF8String(body, "MQTT")
	body = append(body, 5, flags, byte(c.KeepAlive>>8), byte(c.KeepAlive))
	body = append(body, encodePropertiesBlock(propBody)...)
	body = WriteUTF8String(body, c.ClientID)
	if c.HasUsername {
		body = WriteUTF8String(body, c.Username)
	}
	if c.HasPassword {
		body = WriteBinaryData(body, c.Password)
	}

	remLen, _ := EncodeRemainingLength(len(body))
	out := make([]byte, 0, 1+len(remLen)+len(body))
	out = append(out, byte(CONNECT)<<4)
	out = append(out, remLen...)
	out = append(out, body...)
	return out
}

// DecodeConnAck decodes a CONNACK packet body bounded to its declared
// remaining length, the test client's counterpart to (*ConnAck).Encode.
func DecodeConnAck(r io.Reader) (*ConnAck, error) {
	flags, err := readByteVal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: connack flags: %v", ErrMalformedPacket, err)
	}
	rc, err := readByteVal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: connack reason code: %v", ErrMalformedPacket, err)
	}
	a := &ConnAck{
		SessionPresent: flags&0x01 != 0,
		ReasonCode:     ReasonCode(rc),
	}
	if err := decodeProperties(r, func(id byte, pr io.Reader) error {
		switch id {
		case propAssignedClientID:
			v, err := ReadUTF8String(pr)
			if err != nil {
				return err
			}
			a.Properties.AssignedClientID = v
		case propReasonString:
			v, err := ReadUTF8String(pr)
			if err != nil {
				return err
			}
			a.Properties.ReasonString = v
		default:
			// The test client doesn't care about server-advertised limits
			// (receive maximum, max qos, etc); skip unknown properties by
			// draining the rest of the sub-reader.
			if _, err := io.Copy(io.Discard, pr); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// Encode serializes a SUBSCRIBE packet, fixed header included.
func (s *Subscribe) Encode() []byte {
	body := []byte{byte(s.PacketID >> 8), byte(s.PacketID)}
	body = append(body, encodePropertiesBlock(nil)...)
	for _, t := range s.Topics {
		body = WriteUTF8String(body, t.Filter)
		body = append(body, byte(t.MaxQoS))
	}

	remLen, _ := EncodeRemainingLength(len(body))
	out := make([]byte, 0, 1+len(remLen)+len(body))
	out = append(out, byte(SUBSCRIBE)<<4|0x02)
	out = append(out, remLen...)
	out = append(out, body...)
	return out
}

// DecodeSubAck decodes a SUBACK packet body, the test client's counterpart
// to (*SubAck).Encode.
func DecodeSubAck(r io.Reader) (*SubAck, error) {
	id, err := readUint16(r)
	if err != nil {
		return nil, fmt.Errorf("%w: suback packet id: %v", ErrMalformedPacket, err)
	}
	s := &SubAck{PacketID: id}
	if err := decodeProperties(r, func(id byte, pr io.Reader) error {
		_, err := io.Copy(io.Discard, pr)
		return err
	}); err != nil {
		return nil, err
	}
	codes, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: suback reason codes: %v", ErrMalformedPacket, err)
	}
	for _, b := range codes {
		s.ReasonCodes = append(s.ReasonCodes, ReasonCode(b))
	}
	return s, nil
}

// EncodeDisconnect serializes a DISCONNECT packet with the given reason
// code and no properties, used by the test client for a clean shutdown.
func EncodeDisconnect(rc ReasonCode) []byte {
	body := []byte{byte(rc)}
	remLen, _ := EncodeRemainingLength(len(body))
	out := make([]byte, 0, 1+len(remLen)+len(body))
	out = append(out, byte(DISCONNECT)<<4)
	out = append(out, remLen...)
	out = append(out, body...)
	return out
}
