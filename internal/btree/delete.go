package btree

import (
	"sort"

	"github.com/hashleaf/hashleaf/internal/page"
)

// Delete removes key if present and returns ErrNotFound otherwise (no WAL
// record is written for a miss). Underflow after removal is corrected by
// borrowing from a sibling, else merging with one and pulling the
// separating key down from the parent, all the way up to the root, which
// is collapsed into its sole child if it ends up empty with one child.
// Internal-node underflow is fully handled, not left as a follow-up.
func (t *Tree[K, V]) Delete(key K) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootID == page.InvalidID {
		return ErrNotFound
	}

	oldVal, found, err := t.searchLocked(key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	keyBytes := t.keyCodec.Encode(key)
	oldBytes := t.valueCodec.Encode(oldVal)

	txnID := t.deps.WAL.BeginTransaction()
	if _, err := t.deps.WAL.LogDelete(txnID, t.rootID, keyBytes, oldBytes); err != nil {
		return err
	}

	if err := t.deleteLocked(keyBytes); err != nil {
		return err
	}
	return t.deps.WAL.Commit(txnID)
}

// ApplyDelete performs the same mutation as Delete without writing a WAL
// record, for WAL replay's REDO handler (see ApplyInsert's doc comment).
// A missing key is not an error: the record being replayed may have
// already been applied by an earlier replay pass over the same log.
func (t *Tree[K, V]) ApplyDelete(key K) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rootID == page.InvalidID {
		return nil
	}
	err := t.deleteLocked(t.keyCodec.Encode(key))
	if err == ErrNotFound {
		return nil
	}
	return err
}

// deleteLocked mutates the tree to remove keyBytes; callers hold t.mu and
// have already handled WAL framing, if any. Returns ErrNotFound if the key
// is absent.
func (t *Tree[K, V]) deleteLocked(keyBytes []byte) error {
	newRootID, err := t.deleteRec(t.rootID, keyBytes)
	if err != nil {
		return err
	}

	root, err := t.load(newRootID)
	if err != nil {
		return err
	}
	if !root.IsLeaf && len(root.Keys) == 0 {
		// Root underflowed to zero keys: it has exactly one child.
		// Drop the root and promote the child.
		newRootID = root.Children[0]
	}
	t.rootID = newRootID
	return nil
}

// deleteRec removes keyBytes from the subtree rooted at nodeID and
// returns the new id of that subtree's root after any underflow
// correction among its children.
func (t *Tree[K, V]) deleteRec(nodeID page.ID, keyBytes []byte) (page.ID, error) {
	p, err := t.load(nodeID)
	if err != nil {
		return page.InvalidID, err
	}
	clone := p.Clone()

	if clone.IsLeaf {
		idx := sort.Search(len(clone.Keys), func(i int) bool { return compareBytes(keyBytes, clone.Keys[i]) <= 0 })
		if idx >= len(clone.Keys) || compareBytes(keyBytes, clone.Keys[idx]) != 0 {
			return page.InvalidID, ErrNotFound
		}
		w := t.valueCodec.Width()
		clone.Keys = append(clone.Keys[:idx], clone.Keys[idx+1:]...)
		clone.Data = append(clone.Data[:idx*w], clone.Data[(idx+1)*w:]...)
		return t.persist(clone)
	}

	keys, err := t.decodeKeys(clone)
	if err != nil {
		return page.InvalidID, err
	}
	key, err := t.keyCodec.Decode(keyBytes)
	if err != nil {
		return page.InvalidID, err
	}
	i := t.childIndex(keys, key)

	childNewID, err := t.deleteRec(clone.Children[i], keyBytes)
	if err != nil {
		return page.InvalidID, err
	}
	clone.Children[i] = childNewID

	child, err := t.load(childNewID)
	if err != nil {
		return page.InvalidID, err
	}
	if len(child.Keys) < t.minKeys() {
		if err := t.fixUnderflow(clone, i); err != nil {
			return page.InvalidID, err
		}
	}

	return t.persist(clone)
}

// fixUnderflow repairs clone.Children[i], which holds fewer than minKeys
// keys, by borrowing from a sibling with spare keys, else merging with
// one. clone is mutated in place; callers persist it afterward.
func (t *Tree[K, V]) fixUnderflow(clone *page.Page, i int) error {
	hasLeft := i > 0
	hasRight := i < len(clone.Children)-1

	if hasLeft {
		left, err := t.load(clone.Children[i-1])
		if err != nil {
			return err
		}
		if len(left.Keys) > t.minKeys() {
			return t.borrowFromLeftSibling(clone, i)
		}
	}
	if hasRight {
		right, err := t.load(clone.Children[i+1])
		if err != nil {
			return err
		}
		if len(right.Keys) > t.minKeys() {
			return t.borrowFromRightSibling(clone, i)
		}
	}
	if hasLeft {
		return t.mergeChildren(clone, i-1)
	}
	return t.mergeChildren(clone, i)
}

// borrowFromLeftSibling moves the last key (and, for internal children,
// child) of clone.Children[i-1] to the front of clone.Children[i],
// pulling the current separator down and promoting the sibling's former
// last key to take its place.
func (t *Tree[K, V]) borrowFromLeftSibling(clone *page.Page, i int) error {
	left, err := t.load(clone.Children[i-1])
	if err != nil {
		return err
	}
	cur, err := t.load(clone.Children[i])
	if err != nil {
		return err
	}
	left = left.Clone()
	cur = cur.Clone()
	sep := clone.Keys[i-1]

	if cur.IsLeaf {
		lastKey := left.Keys[len(left.Keys)-1]
		w := t.valueCodec.Width()
		lastVal := left.Data[len(left.Data)-w:]

		cur.Keys = insertKeyAt(cur.Keys, 0, lastKey)
		cur.Data = insertValueAt(cur.Data, 0, lastVal, w)
		left.Keys = left.Keys[:len(left.Keys)-1]
		left.Data = left.Data[:len(left.Data)-w]

		clone.Keys[i-1] = left.Keys[len(left.Keys)-1]
	} else {
		lastChild := left.Children[len(left.Children)-1]
		lastKey := left.Keys[len(left.Keys)-1]

		cur.Children = insertChildAt(cur.Children, 0, lastChild)
		cur.Keys = insertKeyAt(cur.Keys, 0, sep)
		left.Children = left.Children[:len(left.Children)-1]
		left.Keys = left.Keys[:len(left.Keys)-1]

		clone.Keys[i-1] = lastKey
	}

	leftID, err := t.persist(left)
	if err != nil {
		return err
	}
	curID, err := t.persist(cur)
	if err != nil {
		return err
	}
	clone.Children[i-1] = leftID
	clone.Children[i] = curID
	return nil
}

// borrowFromRightSibling is borrowFromLeftSibling's mirror image.
func (t *Tree[K, V]) borrowFromRightSibling(clone *page.Page, i int) error {
	cur, err := t.load(clone.Children[i])
	if err != nil {
		return err
	}
	right, err := t.load(clone.Children[i+1])
	if err != nil {
		return err
	}
	cur = cur.Clone()
	right = right.Clone()
	sep := clone.Keys[i]

	if cur.IsLeaf {
		firstKey := right.Keys[0]
		w := t.valueCodec.Width()
		firstVal := right.Data[:w]

		cur.Keys = append(cur.Keys, firstKey)
		cur.Data = append(cur.Data, firstVal...)
		right.Keys = right.Keys[1:]
		right.Data = right.Data[w:]

		clone.Keys[i] = firstKey
	} else {
		firstChild := right.Children[0]
		firstKey := right.Keys[0]

		cur.Children = append(cur.Children, firstChild)
		cur.Keys = append(cur.Keys, sep)
		right.Children = right.Children[1:]
		right.Keys = right.Keys[1:]

		clone.Keys[i] = firstKey
	}

	curID, err := t.persist(cur)
	if err != nil {
		return err
	}
	rightID, err := t.persist(right)
	if err != nil {
		return err
	}
	clone.Children[i] = curID
	clone.Children[i+1] = rightID
	return nil
}

// mergeChildren merges clone.Children[leftIdx] and clone.Children[leftIdx+1]
// into one page, pulling clone.Keys[leftIdx] down as the separating key
// for internal children (leaves need no separator, since leaf keys are
// self-describing), and removes the now-absorbed child slot and key from
// clone.
func (t *Tree[K, V]) mergeChildren(clone *page.Page, leftIdx int) error {
	left, err := t.load(clone.Children[leftIdx])
	if err != nil {
		return err
	}
	right, err := t.load(clone.Children[leftIdx+1])
	if err != nil {
		return err
	}

	merged := page.New(page.InvalidID, left.IsLeaf)
	if left.IsLeaf {
		merged.Keys = append(append([][]byte(nil), left.Keys...), right.Keys...)
		merged.Data = append(append([]byte(nil), left.Data...), right.Data...)
	} else {
		sep := clone.Keys[leftIdx]
		merged.Keys = append(append([][]byte(nil), left.Keys...), sep)
		merged.Keys = append(merged.Keys, right.Keys...)
		merged.Children = append(append([]page.ID(nil), left.Children...), right.Children...)
	}

	mergedID, err := t.persist(merged)
	if err != nil {
		return err
	}

	clone.Children[leftIdx] = mergedID
	clone.Children = append(clone.Children[:leftIdx+1], clone.Children[leftIdx+2:]...)
	clone.Keys = append(clone.Keys[:leftIdx], clone.Keys[leftIdx+1:]...)
	return nil
}
