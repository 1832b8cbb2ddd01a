package btree

import (
	"sort"

	"github.com/hashleaf/hashleaf/internal/page"
)

// promotion describes a child page that split during a recursive insert:
// the subtree that used to be a single child is now two pages, separated
// by key. The separator for a LEAF split is the maximum key of the left
// half (inclusive upper bound used by the search/descend rule "smallest i
// with key <= keys[i]"); for an INTERNAL split the separator is the true
// median key, removed from both halves and promoted, since internal keys
// are pure routing keys.
type promotion struct {
	key      []byte
	rightID  page.ID
}

// Insert inserts or, on an existing key, overwrites the value in place.
// The mutation is logged to the WAL before it becomes visible in the
// cache, and the whole operation runs inside its own transaction,
// committed once every touched page has been persisted.
func (t *Tree[K, V]) Insert(key K, value V) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	keyBytes := t.keyCodec.Encode(key)
	valBytes := t.valueCodec.Encode(value)

	oldVal, found, err := t.searchLocked(key)
	if err != nil {
		return err
	}

	txnID := t.deps.WAL.BeginTransaction()
	if found {
		oldBytes := t.valueCodec.Encode(oldVal)
		if _, err := t.deps.WAL.LogUpdate(txnID, t.rootID, keyBytes, oldBytes, valBytes); err != nil {
			return err
		}
	} else {
		if _, err := t.deps.WAL.LogInsert(txnID, t.rootID, keyBytes, valBytes); err != nil {
			return err
		}
	}

	if err := t.insertLocked(keyBytes, valBytes); err != nil {
		return err
	}
	return t.deps.WAL.Commit(txnID)
}

// ApplyInsert performs the same mutation as Insert without writing a WAL
// record, for WAL replay's REDO handler: the record being applied is
// already durable, logging it again would grow the log without bound
// across repeated restarts.
func (t *Tree[K, V]) ApplyInsert(key K, value V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(t.keyCodec.Encode(key), t.valueCodec.Encode(value))
}

// insertLocked mutates the tree for (keyBytes, valBytes); callers hold
// t.mu and have already handled WAL framing, if any.
func (t *Tree[K, V]) insertLocked(keyBytes, valBytes []byte) error {
	if t.rootID == page.InvalidID {
		leaf := page.New(page.InvalidID, true)
		leaf.Keys = [][]byte{keyBytes}
		leaf.Data = valBytes
		id, err := t.persist(leaf)
		if err != nil {
			return err
		}
		t.rootID = id
		return nil
	}

	newRootID, prom, err := t.insertRec(t.rootID, keyBytes, valBytes)
	if err != nil {
		return err
	}
	if prom == nil {
		t.rootID = newRootID
		return nil
	}
	root := page.New(page.InvalidID, false)
	root.Keys = [][]byte{prom.key}
	root.Children = []page.ID{newRootID, prom.rightID}
	id, err := t.persist(root)
	if err != nil {
		return err
	}
	t.rootID = id
	return nil
}

// searchLocked is Search's body without acquiring t.mu, for callers that
// already hold it (Insert/Delete need the pre-mutation value for WAL
// framing).
func (t *Tree[K, V]) searchLocked(key K) (V, bool, error) {
	var zero V
	if t.rootID == page.InvalidID {
		return zero, false, nil
	}
	id := t.rootID
	for {
		p, err := t.load(id)
		if err != nil {
			return zero, false, err
		}
		keys, err := t.decodeKeys(p)
		if err != nil {
			return zero, false, err
		}
		if p.IsLeaf {
			idx := sort.Search(len(keys), func(i int) bool { return t.keyCodec.Compare(key, keys[i]) <= 0 })
			if idx < len(keys) && t.keyCodec.Compare(key, keys[idx]) == 0 {
				vals, err := t.decodeLeafValues(p)
				if err != nil {
					return zero, false, err
				}
				return vals[idx], true, nil
			}
			return zero, false, nil
		}
		i := t.childIndex(keys, key)
		id = p.Children[i]
	}
}

// insertRec inserts (keyBytes, valBytes) into the subtree rooted at
// nodeID, returning the new id of that subtree's root page and, if the
// subtree split, a promotion describing the new right sibling.
func (t *Tree[K, V]) insertRec(nodeID page.ID, keyBytes, valBytes []byte) (page.ID, *promotion, error) {
	p, err := t.load(nodeID)
	if err != nil {
		return page.InvalidID, nil, err
	}
	clone := p.Clone()

	if clone.IsLeaf {
		return t.insertIntoLeaf(clone, keyBytes, valBytes)
	}
	return t.insertIntoInternal(clone, keyBytes, valBytes)
}

func (t *Tree[K, V]) insertIntoLeaf(leaf *page.Page, keyBytes, valBytes []byte) (page.ID, *promotion, error) {
	w := t.valueCodec.Width()
	idx := sort.Search(len(leaf.Keys), func(i int) bool { return compareBytes(keyBytes, leaf.Keys[i]) <= 0 })

	if idx < len(leaf.Keys) && compareBytes(keyBytes, leaf.Keys[idx]) == 0 {
		copy(leaf.Data[idx*w:(idx+1)*w], valBytes)
	} else {
		leaf.Keys = insertKeyAt(leaf.Keys, idx, keyBytes)
		leaf.Data = insertValueAt(leaf.Data, idx, valBytes, w)
	}

	if len(leaf.Keys) <= t.m {
		id, err := t.persist(leaf)
		return id, nil, err
	}
	return t.splitLeaf(leaf, w)
}

// splitLeaf splits an overflowing leaf into two, with the separator being
// the maximum key of the left half (see promotion's doc comment).
func (t *Tree[K, V]) splitLeaf(leaf *page.Page, w int) (page.ID, *promotion, error) {
	total := len(leaf.Keys)
	leftCount := (total + 1) / 2

	left := page.New(page.InvalidID, true)
	left.Keys = append([][]byte(nil), leaf.Keys[:leftCount]...)
	left.Data = append([]byte(nil), leaf.Data[:leftCount*w]...)

	right := page.New(page.InvalidID, true)
	right.Keys = append([][]byte(nil), leaf.Keys[leftCount:]...)
	right.Data = append([]byte(nil), leaf.Data[leftCount*w:]...)

	leftID, err := t.persist(left)
	if err != nil {
		return page.InvalidID, nil, err
	}
	rightID, err := t.persist(right)
	if err != nil {
		return page.InvalidID, nil, err
	}
	separator := append([]byte(nil), left.Keys[len(left.Keys)-1]...)
	return leftID, &promotion{key: separator, rightID: rightID}, nil
}

func (t *Tree[K, V]) insertIntoInternal(node *page.Page, keyBytes, valBytes []byte) (page.ID, *promotion, error) {
	keys, err := t.decodeKeys(node)
	if err != nil {
		return page.InvalidID, nil, err
	}
	key, err := t.keyCodec.Decode(keyBytes)
	if err != nil {
		return page.InvalidID, nil, err
	}
	i := t.childIndex(keys, key)

	childNewID, childProm, err := t.insertRec(node.Children[i], keyBytes, valBytes)
	if err != nil {
		return page.InvalidID, nil, err
	}
	node.Children[i] = childNewID

	if childProm != nil {
		node.Keys = insertKeyAt(node.Keys, i, childProm.key)
		node.Children = insertChildAt(node.Children, i+1, childProm.rightID)
	}

	if len(node.Keys) <= t.m {
		id, err := t.persist(node)
		return id, nil, err
	}
	return t.splitInternal(node)
}

// splitInternal splits an overflowing internal node, promoting (removing)
// its true median key, per promotion's doc comment.
func (t *Tree[K, V]) splitInternal(node *page.Page) (page.ID, *promotion, error) {
	n := len(node.Keys)
	mid := n / 2

	left := page.New(page.InvalidID, false)
	left.Keys = append([][]byte(nil), node.Keys[:mid]...)
	left.Children = append([]page.ID(nil), node.Children[:mid+1]...)

	right := page.New(page.InvalidID, false)
	right.Keys = append([][]byte(nil), node.Keys[mid+1:]...)
	right.Children = append([]page.ID(nil), node.Children[mid+1:]...)

	separator := append([]byte(nil), node.Keys[mid]...)

	leftID, err := t.persist(left)
	if err != nil {
		return page.InvalidID, nil, err
	}
	rightID, err := t.persist(right)
	if err != nil {
		return page.InvalidID, nil, err
	}
	return leftID, &promotion{key: separator, rightID: rightID}, nil
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

func insertKeyAt(keys [][]byte, idx int, key []byte) [][]byte {
	out := make([][]byte, 0, len(keys)+1)
	out = append(out, keys[:idx]...)
	out = append(out, key)
	out = append(out, keys[idx:]...)
	return out
}

func insertChildAt(children []page.ID, idx int, id page.ID) []page.ID {
	out := make([]page.ID, 0, len(children)+1)
	out = append(out, children[:idx]...)
	out = append(out, id)
	out = append(out, children[idx:]...)
	return out
}

func insertValueAt(data []byte, idx int, value []byte, width int) []byte {
	out := make([]byte, 0, len(data)+width)
	out = append(out, data[:idx*width]...)
	out = append(out, value...)
	out = append(out, data[idx*width:]...)
	return out
}
