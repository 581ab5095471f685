// EMV merchant-presented QR fields are encoded as id(2) + len(2) + value,
// where len is the zero padded byte count of value. Template fields nest the
// same encoding inside their value.

package khqr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxFieldLen = 99

type field struct {
	id    string
	value string
}

func encodeField(id, value string) (string, error) {
	if len(id) != 2 {
		return "", fmt.Errorf("invalid tag id %q", id)
	}
	if len(value) > maxFieldLen {
		return "", fmt.Errorf("tag %s: value is %d bytes, max %d", id, len(value), maxFieldLen)
	}
	return fmt.Sprintf("%s%02d%s", id, len(value), value), nil
}

func encodeTemplate(id string, children ...field) (string, error) {
	var sb strings.Builder
	for _, f := range children {
		enc, err := encodeField(f.id, f.value)
		if err != nil {
			return "", err
		}
		sb.WriteString(enc)
	}
	return encodeField(id, sb.String())
}

// truncate cuts s to at most n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Decode splits a flat TLV string into tag id → value. Used by the CLI and tests
// to inspect built payloads.
// fieldLength parses a two digit length. Signs and other characters are rejected.
func fieldLength(l string) (int, error) {
	for i := 0; i < len(l); i++ {
		if l[i] < '0' || l[i] > '9' {
			return 0, fmt.Errorf("length %q is not two digits", l)
		}
	}
	return strconv.Atoi(l)
}

func Decode(s string) (map[string]string, error) {
	out := make(map[string]string)
	for i := 0; i < len(s); {
		if i+4 > len(s) {
			return nil, fmt.Errorf("truncated header at offset %d", i)
		}
		id := s[i : i+2]
		n, err := fieldLength(s[i+2 : i+4])
		if err != nil {
			return nil, fmt.Errorf("bad length for tag %s: %w", id, err)
		}
		if i+4+n > len(s) {
			return nil, fmt.Errorf("tag %s overruns payload", id)
		}
		out[id] = s[i+4 : i+4+n]
		i += 4 + n
	}
	return out, nil
}
