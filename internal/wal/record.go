package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/hashleaf/hashleaf/internal/page"
	"github.com/hashleaf/hashleaf/internal/txn"
)

// RecordType identifies the kind of a WAL record on the wire:
// 1=INSERT 2=DELETE 3=UPDATE 4=CHECKPOINT 5=COMMIT 6=ABORT.
type RecordType uint8

const (
	RecordInsert     RecordType = 1
	RecordDelete     RecordType = 2
	RecordUpdate     RecordType = 3
	RecordCheckpoint RecordType = 4
	RecordCommit     RecordType = 5
	RecordAbort      RecordType = 6
)

func (t RecordType) String() string {
	switch t {
	case RecordInsert:
		return "INSERT"
	case RecordDelete:
		return "DELETE"
	case RecordUpdate:
		return "UPDATE"
	case RecordCheckpoint:
		return "CHECKPOINT"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("RecordType(%d)", t)
	}
}

// headerSize is the fixed prefix every record carries before its payload:
//
//	u8  type            offset 0
//	u32 record_size     offset 1
//	u64 transaction_id  offset 5
//	u64 lsn             offset 13
//	u32 checksum        offset 21
//	i64 timestamp_ms    offset 25
const headerSize = 33

// Record is one WAL entry. Key/OldPayload/NewPayload are only populated for
// data records (INSERT/DELETE/UPDATE); PageID is InvalidID for
// CHECKPOINT/COMMIT/ABORT.
type Record struct {
	Type       RecordType
	TxnID      txn.ID
	LSN        txn.LSN
	Timestamp  time.Time
	PageID     page.ID
	Key        []byte
	OldPayload []byte
	NewPayload []byte
}

// payloadSize returns the encoded byte length of the record's payload,
// which is empty for CHECKPOINT/COMMIT/ABORT and, for data records, is
//
//	u16 page_id ∥ u16 len(key) ∥ key ∥ u32 old_len ∥ old_bytes ∥ u32 new_len ∥ new_bytes
//
// Every length is explicit, so old and new payloads never need a
// separator and can both be arbitrary byte strings including empty ones.
func (r *Record) payloadSize() int {
	if r.Type == RecordCheckpoint || r.Type == RecordCommit || r.Type == RecordAbort {
		return 0
	}
	return 2 + 2 + len(r.Key) + 4 + len(r.OldPayload) + 4 + len(r.NewPayload)
}

// Encode renders r as its canonical framed byte image.
func (r *Record) Encode() []byte {
	size := headerSize + r.payloadSize()
	buf := make([]byte, size)

	buf[0] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[1:], uint32(size))
	binary.LittleEndian.PutUint64(buf[5:], uint64(r.TxnID))
	binary.LittleEndian.PutUint64(buf[13:], uint64(r.LSN))
	// buf[21:25] (checksum) is filled in last.
	binary.LittleEndian.PutUint64(buf[25:], uint64(r.Timestamp.UnixMilli()))

	if r.payloadSize() > 0 {
		off := headerSize
		binary.LittleEndian.PutUint16(buf[off:], uint16(r.PageID))
		off += 2
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Key)))
		off += 2
		off += copy(buf[off:], r.Key)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.OldPayload)))
		off += 4
		off += copy(buf[off:], r.OldPayload)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.NewPayload)))
		off += 4
		off += copy(buf[off:], r.NewPayload)
	}

	binary.LittleEndian.PutUint32(buf[21:], checksumOf(buf))
	return buf
}

// checksumOf computes the record checksum over every byte of the encoded
// record except the checksum field itself, i.e. offsets [0,21) and
// [25,len(buf)) — the checksum slot cannot cover itself.
func checksumOf(buf []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(buf[0:21])
	h.Write(buf[25:])
	return h.Sum32()
}

// DecodeRecord parses a single framed record from the head of buf, which
// must be at least headerSize bytes. It returns the record, the number of
// bytes consumed, and an error wrapping ErrCorrupt if the framing is
// truncated or the checksum does not match.
func DecodeRecord(buf []byte) (*Record, int, error) {
	if len(buf) < headerSize {
		return nil, 0, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(buf))
	}
	size := int(binary.LittleEndian.Uint32(buf[1:]))
	if size < headerSize {
		return nil, 0, fmt.Errorf("%w: record_size %d smaller than header", ErrCorrupt, size)
	}
	if len(buf) < size {
		return nil, 0, fmt.Errorf("%w: truncated record (want %d, have %d)", ErrCorrupt, size, len(buf))
	}
	frame := buf[:size]

	storedChecksum := binary.LittleEndian.Uint32(frame[21:25])
	if got := checksumOf(frame); got != storedChecksum {
		return nil, 0, fmt.Errorf("%w: checksum mismatch (stored %08x, computed %08x)", ErrCorrupt, storedChecksum, got)
	}

	r := &Record{
		Type:      RecordType(frame[0]),
		TxnID:     txn.ID(binary.LittleEndian.Uint64(frame[5:13])),
		LSN:       txn.LSN(binary.LittleEndian.Uint64(frame[13:21])),
		Timestamp: time.UnixMilli(int64(binary.LittleEndian.Uint64(frame[25:33]))),
	}

	if size > headerSize {
		off := headerSize
		if off+2+2 > size {
			return nil, 0, fmt.Errorf("%w: truncated payload header", ErrCorrupt)
		}
		r.PageID = page.ID(binary.LittleEndian.Uint16(frame[off:]))
		off += 2
		klen := int(binary.LittleEndian.Uint16(frame[off:]))
		off += 2
		if off+klen+4 > size {
			return nil, 0, fmt.Errorf("%w: truncated key", ErrCorrupt)
		}
		r.Key = append([]byte(nil), frame[off:off+klen]...)
		off += klen

		oldLen := int(binary.LittleEndian.Uint32(frame[off:]))
		off += 4
		if off+oldLen+4 > size {
			return nil, 0, fmt.Errorf("%w: truncated old payload", ErrCorrupt)
		}
		if oldLen > 0 {
			r.OldPayload = append([]byte(nil), frame[off:off+oldLen]...)
		}
		off += oldLen

		newLen := int(binary.LittleEndian.Uint32(frame[off:]))
		off += 4
		if off+newLen > size {
			return nil, 0, fmt.Errorf("%w: truncated new payload", ErrCorrupt)
		}
		if newLen > 0 {
			r.NewPayload = append([]byte(nil), frame[off:off+newLen]...)
		}
		off += newLen
	}

	return r, size, nil
}
