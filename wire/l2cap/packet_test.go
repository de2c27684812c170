package l2cap

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestPacketEncodeDecode(t *testing.T) {
	tests := []struct {
		name      string
		packet    *Packet
		wantBytes []byte
	}{
		{
			name:      "empty payload",
			packet:    &Packet{ChannelID: ChannelATT},
			wantBytes: []byte{0x00, 0x00, 0x04, 0x00},
		},
		{
			name:      "read request on ATT",
			packet:    NewATTPacket([]byte{0x0A, 0x10, 0x00}),
			wantBytes: []byte{0x03, 0x00, 0x04, 0x00, 0x0A, 0x10, 0x00},
		},
		{
			name:      "dynamic channel",
			packet:    &Packet{ChannelID: 0x0041, Payload: []byte{0x1B}},
			wantBytes: []byte{0x01, 0x00, 0x41, 0x00, 0x1B},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.packet.Encode()
			if !bytes.Equal(encoded, tt.wantBytes) {
				t.Errorf("Encode() = %X, want %X", encoded, tt.wantBytes)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.ChannelID != tt.packet.ChannelID {
				t.Errorf("ChannelID = 0x%04X, want 0x%04X", decoded.ChannelID, tt.packet.ChannelID)
			}
			if !bytes.Equal(decoded.Payload, tt.packet.Payload) {
				t.Errorf("Payload = %X, want %X", decoded.Payload, tt.packet.Payload)
			}
		})
	}
}

func TestDecodeShortFrames(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		{0x01, 0x00, 0x04},
		{0x05, 0x00, 0x04, 0x00, 0x0A},
	} {
		if _, err := Decode(data); errors.Cause(err) != ErrShortFrame {
			t.Errorf("Decode(%X) err = %v, want ErrShortFrame", data, err)
		}
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	p, err := Decode([]byte{0x01, 0x00, 0x04, 0x00, 0x1E, 0xEE})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(p.Payload, []byte{0x1E}) {
		t.Errorf("Payload = %X, want 1E", p.Payload)
	}
}

func TestBDAddr(t *testing.T) {
	a, err := ParseBDAddr("00:1A:7D:DA:71:13")
	if err != nil {
		t.Fatalf("ParseBDAddr failed: %v", err)
	}
	if a.String() != "00:1a:7d:da:71:13" {
		t.Errorf("String = %s", a.String())
	}
	if _, err := ParseBDAddr("00:1A:7D"); err == nil {
		t.Error("Expected error for short address")
	}
}
