// Package txn allocates the monotonic transaction and log-sequence-number
// identifiers shared by the B+-tree and the WAL. It holds no other state:
// the WAL remains the durability boundary, this package only hands out ids.
package txn

import "sync/atomic"

// ID identifies a transaction. 0 is never allocated.
type ID uint64

// LSN is a write-ahead-log sequence number. 0 is never allocated; sequence
// numbers start at 1 and are strictly monotonic for the lifetime of a WAL.
type LSN uint64

// Allocator hands out monotonically increasing transaction ids and LSNs.
// It is safe for concurrent use, though in practice only one goroutine
// calls Next* for transactions/page mutation at a time, since the tree
// serializes writers; the WAL also fast-forwards the counters through
// Restore* when it opens existing segments, so atomics are used rather
// than relying on the caller's single-writer discipline.
type Allocator struct {
	nextTxnID atomic.Uint64
	nextLSN   atomic.Uint64
}

// New returns an Allocator whose first NextTxnID is 1 and first NextLSN is 1.
func New() *Allocator {
	return &Allocator{}
}

// NextTxnID returns a fresh, previously unused transaction id.
func (a *Allocator) NextTxnID() ID {
	return ID(a.nextTxnID.Add(1))
}

// NextLSN returns a fresh, previously unused log sequence number.
func (a *Allocator) NextLSN() LSN {
	return LSN(a.nextLSN.Add(1))
}

// RestoreTxnID fast-forwards the transaction id counter so that the next
// allocation is strictly greater than last, the way WAL replay restores the
// allocator from the highest txn id observed in the recovered log.
func (a *Allocator) RestoreTxnID(last ID) {
	for {
		cur := a.nextTxnID.Load()
		if cur >= uint64(last) {
			return
		}
		if a.nextTxnID.CompareAndSwap(cur, uint64(last)) {
			return
		}
	}
}

// RestoreLSN fast-forwards the LSN counter the same way RestoreTxnID does.
func (a *Allocator) RestoreLSN(last LSN) {
	for {
		cur := a.nextLSN.Load()
		if cur >= uint64(last) {
			return
		}
		if a.nextLSN.CompareAndSwap(cur, uint64(last)) {
			return
		}
	}
}
