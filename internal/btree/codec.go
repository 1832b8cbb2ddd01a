package btree

import (
	"encoding/binary"
	"fmt"
)

// KeyCodec serialises a tree's key type to and from the byte strings
// page.Page stores, and totally orders the key type. A single codec
// interface so a Tree only needs one collaborator per type instead of
// separate comparator and serialization functions.
type KeyCodec[K any] interface {
	Encode(K) []byte
	Decode([]byte) (K, error)
	Compare(a, b K) int
}

// ValueCodec serialises a tree's value type into a fixed-width byte
// string — leaf Data is the concatenation of len(Keys) Width()-byte values.
type ValueCodec[V any] interface {
	Width() int
	Encode(V) []byte
	Decode([]byte) (V, error)
}

// Int64Key orders int64 keys numerically and encodes them as 8-byte
// big-endian so lexical byte order matches numeric order for non-negative
// keys (the engine's end-to-end scenarios never use negative keys).
type Int64Key struct{}

func (Int64Key) Encode(k int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(k))
	return buf
}

func (Int64Key) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("btree: int64 key must be 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (Int64Key) Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// StringKey orders string keys lexically and encodes them verbatim; the
// page already length-prefixes each key (internal/page.Serialize), so no
// extra framing is needed here.
type StringKey struct{}

func (StringKey) Encode(k string) []byte { return []byte(k) }
func (StringKey) Decode(b []byte) (string, error) {
	return string(b), nil
}
func (StringKey) Compare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FixedStringValue is a fixed-width ValueCodec for string values: each
// value occupies exactly Width bytes, a 2-byte big-endian length prefix
// followed by up to Width-2 bytes of payload. Encode truncates values
// longer than Width-2 bytes; avoiding that truncation (an oversized value)
// is the caller's responsibility.
type FixedStringValue struct {
	MaxWidth int
}

func (c FixedStringValue) Width() int { return c.MaxWidth }

func (c FixedStringValue) Encode(v string) []byte {
	buf := make([]byte, c.MaxWidth)
	payload := c.MaxWidth - 2
	b := []byte(v)
	if len(b) > payload {
		b = b[:payload]
	}
	binary.BigEndian.PutUint16(buf[:2], uint16(len(b)))
	copy(buf[2:], b)
	return buf
}

func (c FixedStringValue) Decode(b []byte) (string, error) {
	if len(b) != c.MaxWidth {
		return "", fmt.Errorf("btree: fixed string value must be %d bytes, got %d", c.MaxWidth, len(b))
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if n > c.MaxWidth-2 {
		return "", fmt.Errorf("btree: corrupt fixed string value length %d", n)
	}
	return string(b[2 : 2+n]), nil
}
