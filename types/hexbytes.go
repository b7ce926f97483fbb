package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HexBytes is a byte slice that travels through JSON as a 0x-prefixed
// hexadecimal string instead of the base64 encoding []byte gets by default.
type HexBytes []byte

// Bytes returns b as a plain byte slice.
func (b HexBytes) Bytes() []byte { return b }

// Hex returns the hexadecimal encoding of b, without a prefix.
func (b HexBytes) Hex() string { return hex.EncodeToString(b) }

// String returns the 0x-prefixed hexadecimal encoding of b.
func (b HexBytes) String() string { return "0x" + b.Hex() }

// Equal reports whether b and other hold the same bytes.
func (b HexBytes) Equal(other HexBytes) bool { return bytes.Equal(b, other) }

// MarshalJSON encodes b as a quoted 0x-prefixed hexadecimal string.
func (b HexBytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, hex.EncodedLen(len(b))+4)
	out = append(out, '"', '0', 'x')
	out = hex.AppendEncode(out, b)
	return append(out, '"'), nil
}

// UnmarshalJSON decodes a quoted hexadecimal string, with or without a 0x
// prefix. A JSON null leaves b untouched.
func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid hex string: %q", data)
	}
	data = data[1 : len(data)-1]
	if len(data) >= 2 && data[0] == '0' && (data[1] == 'x' || data[1] == 'X') {
		data = data[2:]
	}
	dec := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(dec, data); err != nil {
		return fmt.Errorf("invalid hex string %q: %w", data, err)
	}
	*b = dec
	return nil
}
