package bus

import (
	"fmt"
	"strconv"
	"strings"
)

// Cursor is one subscription's read position in a topic: the next id it
// expects to read from the topic's store, plus a cached topic handle for fast
// lookup during pumping. Decoded cursors carry a nil Topic until the owner
// attaches one.
type Cursor struct {
	Key   string
	ID    uint64
	Topic *Topic
}

const hexDigits = "0123456789ABCDEF"

// EncodeCursors serializes cursors to the opaque wire form:
// escape(key) + "," + 16 uppercase zero-padded hex digits of the id, cursors
// joined by "|" with no trailing delimiter. An empty list encodes to the
// empty string. The format is bit-exact across library versions.
func EncodeCursors(cursors []Cursor) string {
	if len(cursors) == 0 {
		return ""
	}

	var b strings.Builder
	for i, c := range cursors {
		if i > 0 {
			b.WriteByte('|')
		}
		writeEscapedKey(&b, c.Key)
		b.WriteByte(',')
		writeHex16(&b, c.ID)
	}
	return b.String()
}

// writeEscapedKey writes key with `\`, `|` and `,` each prefixed by `\`.
// Keys containing none of these pass through unchanged.
func writeEscapedKey(b *strings.Builder, key string) {
	if !strings.ContainsAny(key, "\\|,") {
		b.WriteString(key)
		return
	}
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '\\', '|', ',':
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
}

func writeHex16(b *strings.Builder, id uint64) {
	for shift := 60; shift >= 0; shift -= 4 {
		b.WriteByte(hexDigits[(id>>uint(shift))&0xF])
	}
}

// DecodeCursors parses the wire form produced by EncodeCursors. The scan is a
// single pass with a one-shot escape flag: the current token is the key until
// an unescaped ',', then the id until an unescaped '|', then the next cursor
// begins. A trailing id without a closing '|' is accepted. The empty string
// decodes to an empty list. Returned cursors have nil topic references.
func DecodeCursors(s string) ([]Cursor, error) {
	if s == "" {
		return nil, nil
	}

	var cursors []Cursor
	var token strings.Builder
	var key string
	escape := false
	inKey := true

	flush := func() error {
		id, err := strconv.ParseUint(token.String(), 16, 64)
		if err != nil {
			return fmt.Errorf("malformed cursor id %q: %w", token.String(), err)
		}
		cursors = append(cursors, Cursor{Key: key, ID: id})
		token.Reset()
		inKey = true
		return nil
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escape {
			token.WriteByte(ch)
			escape = false
			continue
		}
		switch {
		case ch == '\\':
			escape = true
		case inKey && ch == ',':
			key = token.String()
			token.Reset()
			inKey = false
		case !inKey && ch == '|':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			token.WriteByte(ch)
		}
	}

	if inKey {
		return nil, fmt.Errorf("malformed cursor string: missing id for key %q", token.String())
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cursors, nil
}
