package mqtt

// PingReqPacket and PingRespPacket are the fixed two-byte encodings of
// PINGREQ and PINGRESP: control byte plus a zero remaining length, no
// variable header or payload.
var (
	PingReqPacket  = []byte{byte(PINGREQ) << 4, 0x00}
	PingRespPacket = []byte{byte(PINGRESP) << 4, 0x00}
)
