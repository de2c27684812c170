package att

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// baseUUID is the Bluetooth Base UUID 00000000-0000-1000-8000-00805F9B34FB
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")

// UUID is an attribute type as it appears on the wire: 2 or 16 bytes,
// little-endian. The zero value is invalid.
type UUID struct {
	n uint8
	b [16]byte
}

// UUID16 returns a 16-bit UUID
func UUID16(v uint16) UUID {
	var u UUID
	u.n = 2
	binary.LittleEndian.PutUint16(u.b[:2], v)
	return u
}

// UUID128 returns the wire form of a 128-bit UUID. A UUID derived from the
// Bluetooth base is still encoded in full; use Shorten to get the 16-bit form.
func UUID128(v uuid.UUID) UUID {
	var u UUID
	u.n = 16
	for i := 0; i < 16; i++ {
		u.b[i] = v[15-i]
	}
	return u
}

// UUIDFromBytes reads a wire-order UUID of 2 or 16 bytes
func UUIDFromBytes(b []byte) (UUID, error) {
	if len(b) != 2 && len(b) != 16 {
		return UUID{}, errors.Wrapf(ErrMalformedPDU, "uuid of %d bytes", len(b))
	}
	var u UUID
	u.n = uint8(len(b))
	copy(u.b[:], b)
	return u, nil
}

// ParseUUID accepts "2A00", "0x2A00" or the canonical 128-bit form
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return UUID{}, errors.Wrapf(ErrBadParameter, "uuid %q", s)
		}
		return UUID16(uint16(v)), nil
	}
	v, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, errors.Wrapf(ErrBadParameter, "uuid %q: %v", s, err)
	}
	return UUID128(v), nil
}

// Len returns the wire size, 2 or 16
func (u UUID) Len() int { return int(u.n) }

// Valid reports whether u holds a 16-bit or 128-bit UUID
func (u UUID) Valid() bool { return u.n == 2 || u.n == 16 }

// Is16 reports whether u is a 16-bit UUID
func (u UUID) Is16() bool { return u.n == 2 }

// Bytes returns the wire (little-endian) bytes
func (u UUID) Bytes() []byte { return u.b[:u.n] }

// Uint16 returns the 16-bit value, or 0 for a 128-bit UUID
func (u UUID) Uint16() uint16 {
	if !u.Is16() {
		return 0
	}
	return binary.LittleEndian.Uint16(u.b[:2])
}

// Full expands u to its 128-bit form
func (u UUID) Full() uuid.UUID {
	if u.Is16() {
		full := baseUUID
		binary.BigEndian.PutUint16(full[2:4], u.Uint16())
		return full
	}
	var v uuid.UUID
	for i := 0; i < 16; i++ {
		v[i] = u.b[15-i]
	}
	return v
}

// Shorten returns the 16-bit form of a base-derived 128-bit UUID, or u itself
func (u UUID) Shorten() UUID {
	if u.n != 16 {
		return u
	}
	full := u.Full()
	masked := full
	masked[2], masked[3] = 0, 0
	if masked != baseUUID {
		return u
	}
	return UUID16(binary.BigEndian.Uint16(full[2:4]))
}

// Equal compares two UUIDs in their expanded form
func (u UUID) Equal(o UUID) bool {
	return u.Full() == o.Full()
}

func (u UUID) String() string {
	switch u.n {
	case 2:
		return strings.ToUpper(strconv.FormatUint(uint64(u.Uint16())|0x10000, 16)[1:])
	case 16:
		return u.Full().String()
	default:
		return "<invalid uuid>"
	}
}
