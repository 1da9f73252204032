package state

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// MacAddress is a 6-byte L2 address. Comparison and hashing are byte-wise.
type MacAddress [6]byte

// Broadcast is the all-ones address.
var Broadcast = MacAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MacAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

func (m MacAddress) IsBroadcast() bool {
	return m == Broadcast
}

// IsGroup reports whether the group bit (I/G) is set, covering both
// broadcast and multicast destinations.
func (m MacAddress) IsGroup() bool {
	return m[0]&0x1 != 0
}

// Compare orders addresses byte-wise, used for deterministic tie-breaking.
func (m MacAddress) Compare(o MacAddress) int {
	return bytes.Compare(m[:], o[:])
}

// MacFromSlice copies the first 6 bytes of b. The slice must hold at
// least 6 bytes; callers validate length beforehand.
func MacFromSlice(b []byte) MacAddress {
	var m MacAddress
	copy(m[:], b)
	return m
}

func ParseMac(s string) (MacAddress, error) {
	var m MacAddress
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return m, fmt.Errorf("invalid mac address %q", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return m, fmt.Errorf("invalid mac address %q", s)
		}
		m[i] = b[0]
	}
	return m, nil
}

func (m MacAddress) MarshalYAML() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MacAddress) UnmarshalYAML(b []byte) error {
	parsed, err := ParseMac(strings.Trim(string(b), `"'`))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
