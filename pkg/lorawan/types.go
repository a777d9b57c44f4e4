package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// ParseEUI64 parses a DevEUI written as 16 hex digits, optionally
// separated by dashes or colons
func ParseEUI64(s string) (EUI64, error) {
	var eui EUI64

	clean := strings.NewReplacer("-", "", ":", "", " ", "").Replace(strings.TrimSpace(s))
	if len(clean) != 16 {
		return eui, fmt.Errorf("invalid EUI64 length: %q", s)
	}

	b, err := hex.DecodeString(clean)
	if err != nil {
		return eui, fmt.Errorf("invalid EUI64 %q: %w", s, err)
	}

	copy(eui[:], b)
	return eui, nil
}

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// Dashed returns the lower case dash separated form used by the solver API
func (e EUI64) Dashed() string {
	parts := make([]string, len(e))
	for i, b := range e {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, "-")
}

// IsZero reports whether the EUI is all zeros
func (e EUI64) IsZero() bool {
	return e == EUI64{}
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	eui, err := ParseEUI64(string(text))
	if err != nil {
		return err
	}
	*e = eui
	return nil
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return e.UnmarshalText([]byte(s))
}
