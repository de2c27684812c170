package l2cap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// L2CAP fixed channel IDs
const (
	ChannelNULL      uint16 = 0x0000
	ChannelSignaling uint16 = 0x0001 // ACL-U signaling
	ChannelConnless  uint16 = 0x0002
	ChannelATT       uint16 = 0x0004 // LE Attribute Protocol
	ChannelLESignal  uint16 = 0x0005
	ChannelSMP       uint16 = 0x0006
	ChannelBRSMP     uint16 = 0x0007

	// Dynamically allocated channels start here on BR/EDR
	ChannelDynamicStart uint16 = 0x0040
)

// PSMATT is the protocol/service multiplexer for ATT over BR/EDR
const PSMATT uint16 = 0x001F

// HeaderLen is the basic frame header: length (2) + channel ID (2)
const HeaderLen = 4

// ErrShortFrame is returned for frames shorter than their header claims
var ErrShortFrame = errors.New("l2cap: short frame")

// Packet is an L2CAP basic frame
type Packet struct {
	ChannelID uint16
	Payload   []byte
}

// Encode serializes the frame
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderLen, HeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	return append(buf, p.Payload...)
}

// Decode parses one basic frame. The payload aliases data.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, errors.Wrapf(ErrShortFrame, "need %d header bytes, got %d", HeaderLen, len(data))
	}
	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < HeaderLen+length {
		return nil, errors.Wrapf(ErrShortFrame, "claimed length %d, got %d", length, len(data)-HeaderLen)
	}
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(data[2:4]),
		Payload:   data[HeaderLen : HeaderLen+length],
	}, nil
}

// NewATTPacket frames an ATT PDU for the LE fixed channel
func NewATTPacket(pdu []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: pdu}
}
