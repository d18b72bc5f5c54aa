// Package btree implements a disk-resident, concurrent B+Tree index
// over a buffer pool, using latch-crabbing traversal so readers and
// writers at different depths of the tree do not serialize on a single
// global lock.
package btree

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/kestrel-db/kestrel/core/storage/buffer"
	"github.com/kestrel-db/kestrel/core/storage/page"
)

// Default max-fanout values used when a caller doesn't care to tune
// them.
const (
	DefaultLeafMaxSize     = 255
	DefaultInternalMaxSize = 255
)

// Tree is a named B+Tree index living on a shared buffer pool. Several
// Trees can coexist over one BufferPoolManager/disk file, distinguished
// by name in the header page's directory.
type Tree[K any, V any] struct {
	name            string
	bpm             *buffer.Manager
	cmp             KeyComparator[K]
	keyCodec        Codec[K]
	valCodec        Codec[V]
	leafMaxSize     int
	internalMaxSize int
	leafMinSize     int
	internalMinSize int
	logger          *zap.Logger
	tracer          trace.Tracer
}

// Option configures optional Tree behavior.
type Option[K any, V any] func(*Tree[K, V])

func WithLogger[K any, V any](logger *zap.Logger) Option[K, V] {
	return func(t *Tree[K, V]) { t.logger = logger }
}

func WithTracer[K any, V any](tracer trace.Tracer) Option[K, V] {
	return func(t *Tree[K, V]) { t.tracer = tracer }
}

// New constructs a named index. An empty name gets a generated
// uuid.NewString() instead, so several anonymous trees can still share
// one buffer pool/header page without their directory entries
// colliding. leafMaxSize/internalMaxSize bound each node's fan-out; min
// sizes are derived per the usual B+Tree convention (leafMinSize =
// leafMaxSize/2, internalMinSize = ceil(internalMaxSize/2)).
func New[K any, V any](
	name string,
	bpm *buffer.Manager,
	cmp KeyComparator[K],
	keyCodec Codec[K],
	valCodec Codec[V],
	leafMaxSize, internalMaxSize int,
	opts ...Option[K, V],
) *Tree[K, V] {
	if leafMaxSize < 3 || internalMaxSize < 3 {
		panic("btree: max sizes must be at least 3")
	}
	if name == "" {
		name = uuid.NewString()
	}
	t := &Tree[K, V]{
		name:            name,
		bpm:             bpm,
		cmp:             cmp,
		keyCodec:        keyCodec,
		valCodec:        valCodec,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		leafMinSize:     leafMaxSize / 2,
		internalMinSize: (internalMaxSize + 1) / 2,
		logger:          zap.NewNop(),
		tracer:          tracenoop.NewTracerProvider().Tracer("btree"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tree[K, V]) maxSize(k kind) int {
	if k == leafKind {
		return t.leafMaxSize
	}
	return t.internalMaxSize
}

func (t *Tree[K, V]) minSize(k kind) int {
	if k == leafKind {
		return t.leafMinSize
	}
	return t.internalMinSize
}

func (t *Tree[K, V]) safeForInsert(n *node[K, V], _ bool) bool {
	return n.size() < t.maxSize(n.kind)
}

// safeForDelete treats an internal root as never provably safe: only
// the header page's index directory entry can retire a root collapse
// (replacing the root pointer when the root drops to a single child),
// so every delete descending through an internal root keeps the
// header latched until some node below the root proves safe. A leaf root has no
// collapse case at all and is always safe.
func (t *Tree[K, V]) safeForDelete(n *node[K, V], isRoot bool) bool {
	if isRoot {
		return n.isLeaf()
	}
	return n.size() > t.minSize(n.kind)
}

func (t *Tree[K, V]) fetchLock(id page.PageID) *page.Page {
	p, ok := t.bpm.FetchPage(id)
	if !ok {
		panic(fmt.Errorf("%w: page %d", ErrOutOfFrames, id))
	}
	p.Lock()
	return p
}

func (t *Tree[K, V]) fetchRLock(id page.PageID) *page.Page {
	p, ok := t.bpm.FetchPage(id)
	if !ok {
		panic(fmt.Errorf("%w: page %d", ErrOutOfFrames, id))
	}
	p.RLock()
	return p
}

func (t *Tree[K, V]) releaseWrite(pages []*page.Page) {
	for _, p := range pages {
		p.Unlock()
		t.bpm.UnpinPage(p.GetPageID(), false)
	}
}

func (t *Tree[K, V]) decode(p *page.Page) *node[K, V] {
	return deserialize[K, V](p.GetPageID(), p.GetData(), t.keyCodec.Decode, t.valCodec.Decode)
}

func (t *Tree[K, V]) encode(n *node[K, V], p *page.Page) {
	if err := n.serialize(p.GetData(), t.keyCodec.Encode, t.valCodec.Encode); err != nil {
		panic(fmt.Errorf("%w: %v", ErrChecksumMismatch, err))
	}
	p.SetDirty(true)
}

// crabWrite performs a write-mode latch-crabbing descent from the
// header page to the leaf owning key (or the leftmost leaf when
// leftmost is true). It returns the leaf, and separately the chain of
// still-latched ancestors whose safety could not be proven during the
// descent: the only pages a subsequent split or coalesce might ever
// need to touch.
func (t *Tree[K, V]) crabWrite(key K, leftmost bool, safe func(n *node[K, V], isRoot bool) bool) (leaf *node[K, V], leafPage *page.Page, ancestors []*page.Page, empty bool) {
	header := fetchHeaderLock(t.bpm)
	root := readRootLocked(header, t.name)
	if root == page.InvalidPageID {
		return nil, nil, []*page.Page{header}, true
	}

	cur := t.fetchLock(root)
	curNode := t.decode(cur)
	stack := []*page.Page{header, cur}
	if safe(curNode, true) {
		t.releaseWrite(stack[:len(stack)-1])
		stack = stack[len(stack)-1:]
	}

	for curNode.kind == internalKind {
		idx := 0
		if !leftmost {
			idx = curNode.childIndexFor(key, t.cmp)
		}
		childID := curNode.children[idx]
		child := t.fetchLock(childID)
		childNode := t.decode(child)
		stack = append(stack, child)
		if safe(childNode, false) {
			t.releaseWrite(stack[:len(stack)-1])
			stack = stack[len(stack)-1:]
		}
		cur, curNode = child, childNode
	}

	return curNode, cur, stack[:len(stack)-1], false
}

// crabRead performs a read-mode descent, releasing each ancestor the
// moment its child is latched, since readers never mutate structure.
func (t *Tree[K, V]) crabRead(key K, leftmost bool) (*node[K, V], *page.Page, bool) {
	header := fetchHeaderRLock(t.bpm)
	root := readRootLocked(header, t.name)
	if root == page.InvalidPageID {
		header.RUnlock()
		t.bpm.UnpinPage(header.GetPageID(), false)
		return nil, nil, false
	}

	cur := t.fetchRLock(root)
	header.RUnlock()
	t.bpm.UnpinPage(header.GetPageID(), false)
	curNode := t.decode(cur)
	for curNode.kind == internalKind {
		idx := 0
		if !leftmost {
			idx = curNode.childIndexFor(key, t.cmp)
		}
		childID := curNode.children[idx]
		child := t.fetchRLock(childID)
		childNode := t.decode(child)
		cur.RUnlock()
		t.bpm.UnpinPage(cur.GetPageID(), false)
		cur, curNode = child, childNode
	}
	return curNode, cur, true
}

// GetValue looks up key, returning (zero, false) if absent or the tree
// is empty.
func (t *Tree[K, V]) GetValue(key K) (V, bool) {
	_, span := t.tracer.Start(context.Background(), "btree.GetValue")
	defer span.End()

	var zero V
	leafNode, leafPage, ok := t.crabRead(key, false)
	if !ok {
		return zero, false
	}
	defer func() {
		leafPage.RUnlock()
		t.bpm.UnpinPage(leafPage.GetPageID(), false)
	}()
	if i, found := leafNode.findKey(key, t.cmp); found {
		return leafNode.values[i], true
	}
	return zero, false
}

// IsEmpty reports whether the named index currently has no root.
func (t *Tree[K, V]) IsEmpty() bool {
	header := fetchHeaderRLock(t.bpm)
	defer func() {
		header.RUnlock()
		t.bpm.UnpinPage(header.GetPageID(), false)
	}()
	return readRootLocked(header, t.name) == page.InvalidPageID
}

// GetRootPageId returns the index's current root page id, or
// page.InvalidPageID if the tree is empty.
func (t *Tree[K, V]) GetRootPageId() page.PageID {
	header := fetchHeaderRLock(t.bpm)
	defer func() {
		header.RUnlock()
		t.bpm.UnpinPage(header.GetPageID(), false)
	}()
	return readRootLocked(header, t.name)
}

// Insert adds key/value, reporting false without modifying the tree if
// key is already present.
func (t *Tree[K, V]) Insert(key K, value V) bool {
	_, span := t.tracer.Start(context.Background(), "btree.Insert")
	defer span.End()

	leafNode, leafPage, ancestors, empty := t.crabWrite(key, false, t.safeForInsert)
	if empty {
		return t.insertFirstEntry(ancestors[0], key, value)
	}

	if _, found := leafNode.findKey(key, t.cmp); found {
		t.releaseWrite(ancestors)
		leafPage.Unlock()
		t.bpm.UnpinPage(leafPage.GetPageID(), false)
		return false
	}

	leafNode.insertLeafEntry(key, value, t.cmp)
	if leafNode.size() <= t.leafMaxSize {
		t.encode(leafNode, leafPage)
		t.releaseWrite(ancestors)
		leafPage.Unlock()
		t.bpm.UnpinPage(leafPage.GetPageID(), true)
		return true
	}

	newLeafPage, ok := t.bpm.NewPage()
	if !ok {
		panic(fmt.Errorf("%w: allocating split leaf", ErrOutOfFrames))
	}
	newLeafPage.Lock()
	newLeaf := t.splitLeaf(leafNode, newLeafPage.GetPageID())
	newLeaf.nextLeaf = leafNode.nextLeaf
	leafNode.nextLeaf = newLeaf.pageID
	t.encode(leafNode, leafPage)
	t.encode(newLeaf, newLeafPage)
	newLeafPage.Unlock()
	t.bpm.UnpinPage(newLeaf.pageID, true)
	splitKey := newLeaf.keys[0]
	leafPage.Unlock()
	t.bpm.UnpinPage(leafNode.pageID, true)

	t.insertIntoParent(ancestors, leafNode.pageID, splitKey, newLeaf.pageID)
	return true
}

func (t *Tree[K, V]) insertFirstEntry(header *page.Page, key K, value V) bool {
	newPage, ok := t.bpm.NewPage()
	if !ok {
		panic(fmt.Errorf("%w: allocating root leaf", ErrOutOfFrames))
	}
	newPage.Lock()
	n := &node[K, V]{kind: leafKind, pageID: newPage.GetPageID(), nextLeaf: page.InvalidPageID}
	n.keys = []K{key}
	n.values = []V{value}
	t.encode(n, newPage)
	newPage.Unlock()
	t.bpm.UnpinPage(n.pageID, true)

	writeRootLocked(header, t.name, n.pageID)
	header.Unlock()
	t.bpm.UnpinPage(header.GetPageID(), true)
	return true
}

func (t *Tree[K, V]) splitLeaf(old *node[K, V], newID page.PageID) *node[K, V] {
	splitAt := t.leafMinSize
	newNode := &node[K, V]{kind: leafKind, pageID: newID}
	newNode.keys = append([]K{}, old.keys[splitAt:]...)
	newNode.values = append([]V{}, old.values[splitAt:]...)
	old.keys = old.keys[:splitAt]
	old.values = old.values[:splitAt]
	return newNode
}

func (t *Tree[K, V]) splitInternal(old *node[K, V], insertAt int, newKey K, newChild page.PageID, newID page.PageID) (K, *node[K, V]) {
	n := len(old.children)
	keys := make([]K, n+1)
	children := make([]page.PageID, n+1)
	copy(keys[:insertAt], old.keys[:insertAt])
	copy(children[:insertAt], old.children[:insertAt])
	keys[insertAt] = newKey
	children[insertAt] = newChild
	copy(keys[insertAt+1:], old.keys[insertAt:])
	copy(children[insertAt+1:], old.children[insertAt:])

	mid := (n + 1) / 2
	medianKey := keys[mid]

	old.keys = append([]K{}, keys[:mid]...)
	old.children = append([]page.PageID{}, children[:mid]...)

	newNode := &node[K, V]{kind: internalKind, pageID: newID}
	newNode.keys = append([]K{}, keys[mid:]...)
	var zero K
	newNode.keys[0] = zero
	newNode.children = append([]page.PageID{}, children[mid:]...)
	return medianKey, newNode
}

// insertIntoParent attaches (splitKey, newChildID) to oldChildID's
// parent, splitting that parent in turn (and recursing) if it's full,
// or creating a brand-new root if oldChildID was the tree's root.
func (t *Tree[K, V]) insertIntoParent(ancestors []*page.Page, oldChildID page.PageID, splitKey K, newChildID page.PageID) {
	if len(ancestors) == 0 {
		panic("btree: insertIntoParent called with an empty ancestor chain")
	}
	parentPage := ancestors[len(ancestors)-1]
	rest := ancestors[:len(ancestors)-1]

	if parentPage.GetPageID() == page.HeaderPageID {
		newRootPage, ok := t.bpm.NewPage()
		if !ok {
			panic(fmt.Errorf("%w: allocating new root", ErrOutOfFrames))
		}
		newRootPage.Lock()
		var zero K
		root := &node[K, V]{kind: internalKind, pageID: newRootPage.GetPageID()}
		root.keys = []K{zero, splitKey}
		root.children = []page.PageID{oldChildID, newChildID}
		t.encode(root, newRootPage)
		newRootPage.Unlock()
		t.bpm.UnpinPage(root.pageID, true)

		writeRootLocked(parentPage, t.name, root.pageID)
		parentPage.Unlock()
		t.bpm.UnpinPage(parentPage.GetPageID(), true)
		t.releaseWrite(rest)
		return
	}

	parentNode := t.decode(parentPage)
	insertAt := parentNode.childIndexOfChild(oldChildID) + 1
	if parentNode.size() < t.internalMaxSize {
		parentNode.insertInternalEntry(insertAt, splitKey, newChildID)
		t.encode(parentNode, parentPage)
		t.releaseWrite(ancestors)
		return
	}

	newParentPage, ok := t.bpm.NewPage()
	if !ok {
		panic(fmt.Errorf("%w: allocating split internal node", ErrOutOfFrames))
	}
	newParentPage.Lock()
	medianKey, newParentNode := t.splitInternal(parentNode, insertAt, splitKey, newChildID, newParentPage.GetPageID())
	t.encode(parentNode, parentPage)
	t.encode(newParentNode, newParentPage)
	newParentPage.Unlock()
	t.bpm.UnpinPage(newParentNode.pageID, true)
	parentPage.Unlock()
	t.bpm.UnpinPage(parentNode.pageID, true)

	t.insertIntoParent(rest, parentNode.pageID, medianKey, newParentNode.pageID)
}

// Delete removes key if present. Deleting an absent key is a no-op.
func (t *Tree[K, V]) Delete(key K) {
	_, span := t.tracer.Start(context.Background(), "btree.Delete")
	defer span.End()

	leafNode, leafPage, ancestors, empty := t.crabWrite(key, false, t.safeForDelete)
	if empty {
		header := ancestors[0]
		header.Unlock()
		t.bpm.UnpinPage(header.GetPageID(), false)
		return
	}

	if !leafNode.removeLeafEntry(key, t.cmp) {
		t.releaseWrite(ancestors)
		leafPage.Unlock()
		t.bpm.UnpinPage(leafPage.GetPageID(), false)
		return
	}
	t.encode(leafNode, leafPage)

	if len(ancestors) == 0 {
		leafPage.Unlock()
		t.bpm.UnpinPage(leafPage.GetPageID(), true)
		return
	}
	t.coalesceOrRedistribute(leafNode, leafPage, ancestors)
}

// coalesceOrRedistribute repairs an underflowed node by borrowing from
// a sibling when there's room to, or merging with it otherwise,
// recursing up the retained ancestor chain if the merge itself
// underflows the parent.
func (t *Tree[K, V]) coalesceOrRedistribute(n *node[K, V], np *page.Page, ancestors []*page.Page) {
	parentPage := ancestors[len(ancestors)-1]
	rest := ancestors[:len(ancestors)-1]

	if parentPage.GetPageID() == page.HeaderPageID {
		if !n.isLeaf() && n.size() == 1 {
			writeRootLocked(parentPage, t.name, n.children[0])
		}
		np.Unlock()
		t.bpm.UnpinPage(n.pageID, true)
		parentPage.Unlock()
		t.bpm.UnpinPage(parentPage.GetPageID(), true)
		t.releaseWrite(rest)
		return
	}

	parentNode := t.decode(parentPage)
	myIdx := parentNode.childIndexOfChild(n.pageID)
	leftSibling := myIdx > 0
	var siblingIdx int
	if leftSibling {
		siblingIdx = myIdx - 1
	} else {
		siblingIdx = myIdx + 1
	}
	siblingID := parentNode.children[siblingIdx]
	siblingPage := t.fetchLock(siblingID)
	siblingNode := t.decode(siblingPage)

	if siblingNode.size()+n.size() > t.maxSize(n.kind) {
		t.redistribute(n, siblingNode, parentNode, myIdx, siblingIdx, leftSibling)
		t.encode(n, np)
		t.encode(siblingNode, siblingPage)
		t.encode(parentNode, parentPage)
		siblingPage.Unlock()
		t.bpm.UnpinPage(siblingID, true)
		np.Unlock()
		t.bpm.UnpinPage(n.pageID, true)
		t.releaseWrite(ancestors)
		return
	}

	var leftNode, rightNode *node[K, V]
	var leftPage, rightPage *page.Page
	var drainedIdx int
	if leftSibling {
		leftNode, leftPage = siblingNode, siblingPage
		rightNode, rightPage = n, np
		drainedIdx = myIdx
	} else {
		leftNode, leftPage = n, np
		rightNode, rightPage = siblingNode, siblingPage
		drainedIdx = siblingIdx
	}
	t.mergeInto(leftNode, rightNode, parentNode, drainedIdx)
	t.encode(leftNode, leftPage)
	rightPage.Unlock()
	t.bpm.UnpinPage(rightNode.pageID, true)
	if err := t.bpm.DeletePage(rightNode.pageID); err != nil {
		t.logger.Warn("btree: could not reclaim merged page",
			zap.Uint64("page", uint64(rightNode.pageID)), zap.Error(err))
	}
	leftPage.Unlock()
	t.bpm.UnpinPage(leftNode.pageID, true)

	parentNode.removeInternalEntryAt(drainedIdx)
	t.encode(parentNode, parentPage)

	if parentNode.size() < t.minSize(internalKind) {
		if len(rest) == 0 {
			panic("btree: internal node underflowed with no retained ancestor to repair it")
		}
		t.coalesceOrRedistribute(parentNode, parentPage, rest)
		return
	}
	parentPage.Unlock()
	t.bpm.UnpinPage(parentPage.GetPageID(), true)
	t.releaseWrite(rest)
}

func (t *Tree[K, V]) redistribute(n, sibling, parent *node[K, V], myIdx, siblingIdx int, leftSibling bool) {
	if n.isLeaf() {
		if leftSibling {
			last := len(sibling.keys) - 1
			bk, bv := sibling.keys[last], sibling.values[last]
			sibling.keys = sibling.keys[:last]
			sibling.values = sibling.values[:last]
			n.keys = append([]K{bk}, n.keys...)
			n.values = append([]V{bv}, n.values...)
			parent.keys[myIdx] = n.keys[0]
		} else {
			bk, bv := sibling.keys[0], sibling.values[0]
			sibling.keys = sibling.keys[1:]
			sibling.values = sibling.values[1:]
			n.keys = append(n.keys, bk)
			n.values = append(n.values, bv)
			parent.keys[siblingIdx] = sibling.keys[0]
		}
		return
	}

	if leftSibling {
		last := len(sibling.children) - 1
		borrowedChild := sibling.children[last]
		oldSeparator := sibling.keys[last]
		sibling.children = sibling.children[:last]
		sibling.keys = sibling.keys[:last]
		var zero K
		n.keys = append([]K{zero}, n.keys...)
		n.keys[1] = parent.keys[myIdx]
		n.children = append([]page.PageID{borrowedChild}, n.children...)
		parent.keys[myIdx] = oldSeparator
	} else {
		borrowedChild := sibling.children[0]
		promoted := parent.keys[siblingIdx]
		sibling.children = sibling.children[1:]
		newSiblingSeparator := sibling.keys[1]
		sibling.keys = sibling.keys[1:]
		n.keys = append(n.keys, promoted)
		n.children = append(n.children, borrowedChild)
		parent.keys[siblingIdx] = newSiblingSeparator
	}
}

func (t *Tree[K, V]) mergeInto(left, right, parent *node[K, V], drainedIdx int) {
	if left.isLeaf() {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.nextLeaf = right.nextLeaf
		return
	}
	sepKey := parent.keys[drainedIdx]
	left.keys = append(left.keys, sepKey)
	left.keys = append(left.keys, right.keys[1:]...)
	left.children = append(left.children, right.children...)
}
