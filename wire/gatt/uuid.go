package gatt

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UUID is a Bluetooth UUID in its 16, 32 or 128-bit form.
// Bytes are stored little-endian, the order they travel on the air.
// UUID is comparable; compare across forms with Equal.
type UUID struct {
	b [16]byte
	n uint8
}

// Bluetooth Base UUID 00000000-0000-1000-8000-00805F9B34FB, little-endian
var baseUUID = [16]byte{
	0xFB, 0x34, 0x9B, 0x5F, 0x80, 0x00, 0x00, 0x80,
	0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// UUID16 creates a 16-bit UUID
func UUID16(val uint16) UUID {
	var u UUID
	binary.LittleEndian.PutUint16(u.b[:2], val)
	u.n = 2
	return u
}

// UUID32 creates a 32-bit UUID
func UUID32(val uint32) UUID {
	var u UUID
	binary.LittleEndian.PutUint32(u.b[:4], val)
	u.n = 4
	return u
}

// UUIDFromBytes builds a UUID from its little-endian wire form (2, 4 or 16 bytes)
func UUIDFromBytes(le []byte) (UUID, error) {
	switch len(le) {
	case 2, 4, 16:
	default:
		return UUID{}, fmt.Errorf("gatt: invalid UUID length %d", len(le))
	}
	var u UUID
	copy(u.b[:], le)
	u.n = uint8(len(le))
	return u, nil
}

// ParseUUID accepts "180D", "0x180D", "0000180D" or a canonical 128-bit string
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimSpace(s)
	short := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")

	switch len(short) {
	case 4:
		v, err := strconv.ParseUint(short, 16, 16)
		if err != nil {
			return UUID{}, fmt.Errorf("gatt: invalid 16-bit UUID %q", s)
		}
		return UUID16(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(short, 16, 32)
		if err != nil {
			return UUID{}, fmt.Errorf("gatt: invalid 32-bit UUID %q", s)
		}
		return UUID32(uint32(v)), nil
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("gatt: invalid UUID %q: %v", s, err)
	}
	var u UUID
	for i := 0; i < 16; i++ {
		u.b[i] = id[15-i]
	}
	u.n = 16
	return u, nil
}

// MustParseUUID is ParseUUID for constants; it panics on bad input
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Len returns 2, 4 or 16, or 0 for the zero UUID
func (u UUID) Len() int {
	return int(u.n)
}

// IsZero reports whether u was never set
func (u UUID) IsZero() bool {
	return u.n == 0
}

// Bytes returns a copy of the little-endian representation
func (u UUID) Bytes() []byte {
	return append([]byte{}, u.b[:u.n]...)
}

// To128 expands a 16 or 32-bit UUID onto the Bluetooth Base UUID
func (u UUID) To128() UUID {
	switch u.n {
	case 2:
		out := UUID{b: baseUUID, n: 16}
		out.b[12], out.b[13] = u.b[0], u.b[1]
		return out
	case 4:
		out := UUID{b: baseUUID, n: 16}
		copy(out.b[12:16], u.b[:4])
		return out
	}
	return u
}

// Shorten returns the 16-bit form of a base-derived UUID, otherwise u unchanged
func (u UUID) Shorten() UUID {
	full := u.To128()
	if full.n != 16 {
		return u
	}
	for i := 0; i < 12; i++ {
		if full.b[i] != baseUUID[i] {
			return u
		}
	}
	if full.b[14] == 0 && full.b[15] == 0 {
		return UUID16(binary.LittleEndian.Uint16(full.b[12:14]))
	}
	return UUID32(binary.LittleEndian.Uint32(full.b[12:16]))
}

// Wire returns the form ATT can carry: 16-bit stays 16-bit, everything else is 128-bit
func (u UUID) Wire() []byte {
	if u.n == 2 {
		return u.Bytes()
	}
	return u.To128().Bytes()
}

// Equal compares two UUIDs regardless of their width
func (u UUID) Equal(v UUID) bool {
	if u.n == 0 || v.n == 0 {
		return u.n == v.n
	}
	return u.To128() == v.To128()
}

// Short returns the 16-bit value if u is (or expands from) a 16-bit UUID
func (u UUID) Short() (uint16, bool) {
	s := u.Shorten()
	if s.n != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(s.b[:2]), true
}

// String prints short forms as hex ("180D") and long forms canonically
func (u UUID) String() string {
	switch u.n {
	case 0:
		return ""
	case 2, 4:
		be := make([]byte, u.n)
		for i := range be {
			be[i] = u.b[int(u.n)-1-i]
		}
		return strings.ToUpper(hex.EncodeToString(be))
	}
	var id uuid.UUID
	for i := 0; i < 16; i++ {
		id[i] = u.b[15-i]
	}
	return strings.ToUpper(id.String())
}
