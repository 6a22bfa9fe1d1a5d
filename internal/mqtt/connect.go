package mqtt

import (
	"fmt"
	"io"
)

// Connect flag bits (fixed header byte 9 of the CONNECT variable header).
const (
	connectFlagUsername    = 0x80
	connectFlagPassword    = 0x40
	connectFlagWillRetain  = 0x20
	connectFlagWillQoSMask = 0x18
	connectFlagWillQoSShft = 3
	connectFlagWillFlag    = 0x04
	connectFlagCleanStart  = 0x02
	connectFlagReserved    = 0x01
)

// ConnectProperties holds the CONNECT packet's property block (spec §4.2).
type ConnectProperties struct {
	SessionExpiryInterval uint32
	ReceiveMaximum        uint16
	MaximumPacketSize     uint32
	TopicAliasMaximum     uint16
	RequestResponseInfo   bool
	RequestProblemInfo    bool
	UserProperties        UserProperties
	AuthenticationMethod  string
	AuthenticationData    []byte
}

// Connect is a decoded CONNECT packet.
type Connect struct {
	ProtocolName  string
	ProtocolLevel byte
	CleanStart    bool
	WillFlag      bool
	WillQoS       QoS
	WillRetain    bool
	KeepAlive     uint16
	Properties    ConnectProperties
	ClientID      string
	WillProps     ConnectProperties
	WillTopic     string
	WillPayload   []byte
	Username      string
	HasUsername   bool
	Password      []byte
	HasPassword   bool
}

// DecodeConnect decodes a CONNECT variable header, properties and payload
// from r, given the fixed header's remaining length already read. It
// enforces `protocol_name == "MQTT"` and `protocol_level == 5` (spec §4.2);
// any other value is a ProtocolError.
func DecodeConnect(r io.Reader) (*Connect, error) {
	name, err := ReadUTF8String(r)
	if err != nil {
		return nil, fmt.Errorf("%w: connect protocol name: %v", ErrMalformedPacket, err)
	}
	if name != "MQTT" {
		return nil, fmt.Errorf("%w: unsupported protocol name %q", ErrProtocolError, name)
	}
	var levelBuf [1]byte
	if _, err := io.ReadFull(r, levelBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: connect protocol level: %v", ErrMalformedPacket, err)
	}
	if levelBuf[0] != 5 {
		return nil, fmt.Errorf("%w: unsupported protocol level %d", ErrProtocolError, levelBuf[0])
	}
	var flagsBuf [1]byte
	if _, err := io.ReadFull(r, flagsBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: connect flags: %v", ErrMalformedPacket, err)
	}
	flags := flagsBuf[0]
	if flags&connectFlagReserved != 0 {
		return nil, fmt.Errorf("%w: connect flags reserved bit set", ErrMalformedPacket)
	}

	var keepAliveBuf [2]byte
	if _, err := io.ReadFull(r, keepAliveBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: connect keepalive: %v", ErrMalformedPacket, err)
	}

	c := &Connect{
		ProtocolName:  name,
		ProtocolLevel: levelBuf[0],
		CleanStart:    flags&connectFlagCleanStart != 0,
		WillFlag:      flags&connectFlagWillFlag != 0,
		WillQoS:       QoS((flags & connectFlagWillQoSMask) >> connectFlagWillQoSShft),
		WillRetain:    flags&connectFlagWillRetain != 0,
		KeepAlive:     uint16(keepAliveBuf[0])<<8 | uint16(keepAliveBuf[1]),
	}
	if c.WillQoS > QoS2 {
		return nil, fmt.Errorf("%w: connect will qos %d invalid", ErrProtocolError, c.WillQoS)
	}
	if !c.WillFlag && (c.WillRetain || c.WillQoS != QoS0) {
		return nil, fmt.Errorf("%w: will flags set without will flag", ErrProtocolError)
	}

	if err := decodeProperties(r, func(id byte, pr io.Reader) error {
		return decodeConnectProperty(&c.Properties, id, pr)
	}); err != nil {
		return nil, err
	}

	clientID, err := ReadUTF8String(r)
	if err != nil {
		return nil, fmt.Errorf("%w: connect client id: %v", ErrMalformedPacket, err)
	}
	c.ClientID = clientID

	if c.WillFlag {
		if err := decodeProperties(r, func(id byte, pr io.Reader) error {
			return decodeConnectProperty(&c.WillProps, id, pr)
		}); err != nil {
			return nil, err
		}
		topic, err := ReadUTF8String(r)
		if err != nil {
			return nil, fmt.Errorf("%w: will topic: %v", ErrMalformedPacket, err)
		}
		payload, err := ReadBinaryData(r)
		if err != nil {
			return nil, fmt.Errorf("%w: will payload: %v", ErrMalformedPacket, err)
		}
		c.WillTopic = topic
		c.WillPayload = payload
	}

	if flags&connectFlagUsername != 0 {
		u, err := ReadUTF8String(r)
		if err != nil {
			return nil, fmt.Errorf("%w: username: %v", ErrMalformedPacket, err)
		}
		c.Username = u
		c.HasUsername = true
	}
	if flags&connectFlagPassword != 0 {
		p, err := ReadBinaryData(r)
		if err != nil {
			return nil, fmt.Errorf("%w: password: %v", ErrMalformedPacket, err)
		}
		c.Password = p
		c.HasPassword = true
	}
	return c, nil
}

func decodeConnectProperty(p *ConnectProperties, id byte, r io.Reader) error {
	switch id {
	case propSessionExpiryInterval:
		v, err := readUint32(r)
		if err != nil {
			return err
		}
		p.SessionExpiryInterval = v
	case propReceiveMaximum:
		v, err := readUint16(r)
		if err != nil {
			return err
		}
		p.ReceiveMaximum = v
	case propMaximumPacketSize:
		v, err := readUint32(r)
		if err != nil {
			return err
		}
		p.MaximumPacketSize = v
	case propTopicAliasMaximum:
		v, err := readUint16(r)
		if err != nil {
			return err
		}
		p.TopicAliasMaximum = v
	case propRequestResponseInfo:
		v, err := readByteVal(r)
		if err != nil {
			return err
		}
		p.RequestResponseInfo = v != 0
	case propRequestProblemInfo:
		v, err := readByteVal(r)
		if err != nil {
			return err
		}
		p.RequestProblemInfo = v != 0
	case propUserProperty:
		up, err := ReadStringPair(r)
		if err != nil {
			return err
		}
		p.UserProperties = append(p.UserProperties, up)
	case propAuthenticationMethod:
		v, err := ReadUTF8String(r)
		if err != nil {
			return err
		}
		p.AuthenticationMethod = v
	case propAuthenticationData:
		v, err := ReadBinaryData(r)
		if err != nil {
			return err
		}
		p.AuthenticationData = v
	default:
		return fmt.Errorf("%w: unexpected connect property 0x%02x", ErrProtocolError, id)
	}
	return nil
}

func readByteVal(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return b[0], nil
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
