package serial

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DecodeDrop removes invalid UTF-8 byte sequences from a line
	DecodeDrop DecodePolicy = "drop"

	// DecodeReplace substitutes every invalid UTF-8 byte sequence with U+FFFD
	DecodeReplace DecodePolicy = "replace"
)

// DecodePolicy defines how bytes that are not valid UTF-8 are handled when a
// raw device line is turned into text. Decoding never fails.
type DecodePolicy string

// ParseDecodePolicy parses a policy name, the empty string selects DecodeDrop
func ParseDecodePolicy(name string) (DecodePolicy, error) {
	switch p := DecodePolicy(strings.ToLower(name)); p {
	case "":
		return DecodeDrop, nil
	case DecodeDrop, DecodeReplace:
		return p, nil
	default:
		return "", fmt.Errorf("unknown decode policy '%s'", name)
	}
}

// Decode converts raw line bytes to text according to the policy
func (p DecodePolicy) Decode(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}

	if p == DecodeReplace {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	return strings.ToValidUTF8(string(raw), "")
}

func (p DecodePolicy) String() string {
	return string(p)
}
