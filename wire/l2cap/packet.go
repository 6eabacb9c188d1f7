package l2cap

import (
	"encoding/binary"
	"fmt"
)

// L2CAP Channel IDs (LE fixed channels)
const (
	ChannelNULL     uint16 = 0x0000 // Reserved/Null
	ChannelATT      uint16 = 0x0004 // Attribute Protocol
	ChannelLESignal uint16 = 0x0005 // LE L2CAP Signaling
	ChannelSMP      uint16 = 0x0006 // Security Manager Protocol
)

// HeaderLen is Length (2 bytes) + Channel ID (2 bytes)
const HeaderLen = 4

// Packet represents an L2CAP basic frame
// Format: [Length: 2 bytes] [Channel ID: 2 bytes] [Payload: N bytes]
type Packet struct {
	ChannelID uint16 // L2CAP channel identifier
	Payload   []byte // The actual data (ATT/SMP/etc.)
}

// Encode serializes an L2CAP packet to binary format
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, fmt.Errorf("l2cap: payload too long (%d bytes)", len(p.Payload))
	}
	buf := make([]byte, HeaderLen+len(p.Payload))

	// Length field covers the payload only
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[4:], p.Payload)

	return buf, nil
}

// Decode parses one complete frame. Trailing bytes past the claimed length
// are an error because the link layer delivers whole frames.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("l2cap: packet too short (need at least %d bytes, got %d)", HeaderLen, len(data))
	}

	length := int(binary.LittleEndian.Uint16(data[0:2]))
	channelID := binary.LittleEndian.Uint16(data[2:4])

	if len(data)-HeaderLen != length {
		return nil, fmt.Errorf("l2cap: length mismatch (claimed %d, got %d)", length, len(data)-HeaderLen)
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderLen:])

	return &Packet{
		ChannelID: channelID,
		Payload:   payload,
	}, nil
}

// NewATTPacket creates an L2CAP packet for the ATT channel
func NewATTPacket(payload []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: payload}
}

// NewSMPPacket creates an L2CAP packet for the SMP channel
func NewSMPPacket(payload []byte) *Packet {
	return &Packet{ChannelID: ChannelSMP, Payload: payload}
}

// ChannelName returns a printable channel name
func ChannelName(cid uint16) string {
	switch cid {
	case ChannelATT:
		return "ATT"
	case ChannelLESignal:
		return "LE-SIG"
	case ChannelSMP:
		return "SMP"
	default:
		return fmt.Sprintf("CID 0x%04X", cid)
	}
}
