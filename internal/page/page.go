// Package page defines the on-disk/in-memory representation of a B+-tree
// page: the unit the content-addressed store hashes and the cache holds.
//
// Page is intentionally not generic over the tree's key/value types — it
// only knows about already-encoded byte strings. internal/btree decodes
// them through its key/value codecs, keeping the byte
// framing below fixed regardless of what K and V the tree is instantiated
// with.
package page

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// ID is the page's dense-allocated logical identifier: a 16-bit space,
// dense-allocated from 1; 0 is reserved for "no page".
type ID uint16

// InvalidID marks the absence of a page, e.g. an empty tree's root.
const InvalidID ID = 0

// ErrCorrupt is returned by Deserialize when the framing is truncated or the
// embedded checksum does not match the recomputed one.
var ErrCorrupt = errors.New("page: corrupt byte image")

// checksumSize is the width, in bytes, of the trailing SHA-256 checksum.
const checksumSize = sha256.Size

// flagLeaf marks a page as a leaf in the header's flag byte.
const flagLeaf = 1 << 0

// Page is the unit of B+-tree node storage and of content addressing.
//
// For an internal page, Children holds len(Keys)+1 child ids and Data is
// unused. For a leaf page, Data holds the fixed-width concatenation of
// len(Keys) encoded values in the same order as Keys, and Children is
// unused. Keys is always strictly ascending under the tree's comparator.
type Page struct {
	ID       ID
	IsLeaf   bool
	Keys     [][]byte
	Children []ID
	Data     []byte

	// Checksum is the SHA-256 of Data, recomputed by RecomputeChecksum
	// before every Serialize and verified by Deserialize. It catches
	// corruption of a single page's payload; it is distinct from (and
	// narrower than) the content hash the CAS computes over the whole
	// canonical image to key the blob store.
	Checksum [checksumSize]byte
}

// New returns an empty page with the given id and leaf-ness.
func New(id ID, isLeaf bool) *Page {
	p := &Page{ID: id, IsLeaf: isLeaf}
	p.RecomputeChecksum()
	return p
}

// RecomputeChecksum recomputes Checksum from the current Data. Callers must
// call this (directly, or via Serialize) after mutating Data.
func (p *Page) RecomputeChecksum() {
	p.Checksum = sha256.Sum256(p.Data)
}

// Clone returns a deep copy of p. The B+-tree never mutates a page that a
// cache entry or an in-flight writer-queue snapshot might still reference;
// every mutation clones first, preserving copy-on-write semantics.
func (p *Page) Clone() *Page {
	c := &Page{
		ID:       p.ID,
		IsLeaf:   p.IsLeaf,
		Checksum: p.Checksum,
	}
	if p.Keys != nil {
		c.Keys = make([][]byte, len(p.Keys))
		for i, k := range p.Keys {
			c.Keys[i] = append([]byte(nil), k...)
		}
	}
	if p.Children != nil {
		c.Children = append([]ID(nil), p.Children...)
	}
	if p.Data != nil {
		c.Data = append([]byte(nil), p.Data...)
	}
	return c
}

// Serialize renders the page's canonical byte image:
//
//	u8  flags                (bit 0: is_leaf)
//	u32 len(keys)            LE
//	for each key: u16 len, key bytes
//	if internal: u16 len(children), then each child as u16 LE
//	if leaf:     u32 len(data), then data bytes
//	32 bytes    checksum (SHA-256 of Data, recomputed here)
//
// This is the byte image the CAS hashes to produce a content hash, and the
// byte image written verbatim into a blob.
func (p *Page) Serialize() ([]byte, error) {
	p.RecomputeChecksum()

	var flags byte
	if p.IsLeaf {
		flags |= flagLeaf
	}

	size := 1 + 4
	for _, k := range p.Keys {
		size += 2 + len(k)
	}
	if p.IsLeaf {
		size += 4 + len(p.Data)
	} else {
		size += 2 + 2*len(p.Children)
	}
	size += checksumSize

	buf := make([]byte, size)
	off := 0
	buf[off] = flags
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Keys)))
	off += 4
	for _, k := range p.Keys {
		if len(k) > 0xFFFF {
			return nil, fmt.Errorf("page: key too large to length-prefix (%d bytes)", len(k))
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
		off += 2
		copy(buf[off:], k)
		off += len(k)
	}
	if p.IsLeaf {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Data)))
		off += 4
		copy(buf[off:], p.Data)
		off += len(p.Data)
	} else {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(p.Children)))
		off += 2
		for _, c := range p.Children {
			binary.LittleEndian.PutUint16(buf[off:], uint16(c))
			off += 2
		}
	}
	copy(buf[off:], p.Checksum[:])
	off += checksumSize
	return buf[:off], nil
}

// Deserialize is the inverse of Serialize. It fails with ErrCorrupt if any
// length prefix would run past the end of buf, or if the trailing checksum
// does not match the recomputed checksum of Data. The returned page's ID
// is left at InvalidID; callers set it from the context the bytes were
// loaded under (CAS, WAL replay, ...).
func Deserialize(buf []byte) (*Page, error) {
	if len(buf) < 1+4+checksumSize {
		return nil, fmt.Errorf("%w: short buffer (%d bytes)", ErrCorrupt, len(buf))
	}
	off := 0
	flags := buf[off]
	off++
	isLeaf := flags&flagLeaf != 0

	numKeys := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	keys := make([][]byte, 0, numKeys)
	for i := uint32(0); i < numKeys; i++ {
		if off+2 > len(buf) {
			return nil, fmt.Errorf("%w: truncated key length at key %d", ErrCorrupt, i)
		}
		klen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+klen > len(buf) {
			return nil, fmt.Errorf("%w: key %d length %d exceeds buffer", ErrCorrupt, i, klen)
		}
		keys = append(keys, append([]byte(nil), buf[off:off+klen]...))
		off += klen
	}

	p := &Page{IsLeaf: isLeaf, Keys: keys}

	if isLeaf {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("%w: truncated data length", ErrCorrupt)
		}
		dlen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+dlen > len(buf) {
			return nil, fmt.Errorf("%w: data length %d exceeds buffer", ErrCorrupt, dlen)
		}
		p.Data = append([]byte(nil), buf[off:off+dlen]...)
		off += dlen
	} else {
		if off+2 > len(buf) {
			return nil, fmt.Errorf("%w: truncated children count", ErrCorrupt)
		}
		numChildren := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+2*numChildren > len(buf) {
			return nil, fmt.Errorf("%w: children count %d exceeds buffer", ErrCorrupt, numChildren)
		}
		p.Children = make([]ID, numChildren)
		for i := 0; i < numChildren; i++ {
			p.Children[i] = ID(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
		}
	}

	if off+checksumSize > len(buf) {
		return nil, fmt.Errorf("%w: truncated checksum", ErrCorrupt)
	}
	var stored [checksumSize]byte
	copy(stored[:], buf[off:off+checksumSize])
	off += checksumSize

	computed := sha256.Sum256(p.Data)
	if stored != computed {
		return nil, fmt.Errorf("%w: checksum mismatch (stored %x, computed %x)", ErrCorrupt, stored, computed)
	}
	p.Checksum = stored

	return p, nil
}
