package btree

import "github.com/kestrel-db/kestrel/core/storage/page"

// Iterator walks a tree's leaves in key order, pinning and read-latching
// exactly one leaf page at a time. Callers that stop iterating before
// reaching the end must call Close to release that leaf; IsEnd becoming
// true releases it automatically.
type Iterator[K any, V any] struct {
	tree     *Tree[K, V]
	leafPage *page.Page
	leafNode *node[K, V]
	idx      int
}

// Begin returns an iterator positioned at the tree's first entry.
func (t *Tree[K, V]) Begin() *Iterator[K, V] {
	var zero K
	leafNode, leafPage, ok := t.crabRead(zero, true)
	if !ok {
		return &Iterator[K, V]{tree: t}
	}
	it := &Iterator[K, V]{tree: t, leafPage: leafPage, leafNode: leafNode}
	it.skipExhaustedLeaves()
	return it
}

// BeginAt returns an iterator positioned at the first entry with a key
// greater than or equal to key.
func (t *Tree[K, V]) BeginAt(key K) *Iterator[K, V] {
	leafNode, leafPage, ok := t.crabRead(key, false)
	if !ok {
		return &Iterator[K, V]{tree: t}
	}
	it := &Iterator[K, V]{tree: t, leafPage: leafPage, leafNode: leafNode, idx: leafNode.keyIndex(key, t.cmp)}
	it.skipExhaustedLeaves()
	return it
}

// End returns the canonical past-the-end iterator.
func (t *Tree[K, V]) End() *Iterator[K, V] {
	return &Iterator[K, V]{tree: t}
}

func (it *Iterator[K, V]) IsEnd() bool { return it.leafPage == nil }

func (it *Iterator[K, V]) Key() K { return it.leafNode.keys[it.idx] }

func (it *Iterator[K, V]) Value() V { return it.leafNode.values[it.idx] }

// Next advances to the following entry, crossing into the next leaf
// (and releasing the one just exhausted) as needed.
func (it *Iterator[K, V]) Next() {
	it.idx++
	it.skipExhaustedLeaves()
}

func (it *Iterator[K, V]) skipExhaustedLeaves() {
	for !it.IsEnd() && it.idx >= len(it.leafNode.keys) {
		next := it.leafNode.nextLeaf
		it.releaseCurrent()
		if next == page.InvalidPageID {
			return
		}
		it.leafPage = it.tree.fetchRLock(next)
		it.leafNode = it.tree.decode(it.leafPage)
		it.idx = 0
	}
}

func (it *Iterator[K, V]) releaseCurrent() {
	if it.leafPage == nil {
		return
	}
	it.leafPage.RUnlock()
	it.tree.bpm.UnpinPage(it.leafPage.GetPageID(), false)
	it.leafPage = nil
	it.leafNode = nil
}

// Close releases the iterator's currently held leaf, if any. Safe to
// call multiple times or on an already-exhausted iterator.
func (it *Iterator[K, V]) Close() {
	it.releaseCurrent()
}
