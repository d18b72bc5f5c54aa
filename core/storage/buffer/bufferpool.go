// Package buffer implements the buffer pool manager: the component
// every other piece of the storage engine goes through to read or
// write a page, so that pages are fetched from disk at most once while
// pinned and evicted pages are flushed exactly when they are dirty.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/kestrel-db/kestrel/core/storage/hashdir"
	"github.com/kestrel-db/kestrel/core/storage/page"
	"github.com/kestrel-db/kestrel/core/storage/replacer"
	commonutils "github.com/kestrel-db/kestrel/internal/common_utils"
)

// pageIDHash is the hashdir.Hasher for page ids: a 64-to-32-bit
// avalanche mix (the finalizer from MurmurHash3) so the directory's
// low-order bit selection doesn't just reproduce the disk manager's
// monotonically increasing allocation order.
func pageIDHash(id page.PageID) uint32 {
	h := uint64(id)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return uint32(h)
}

// pageTableBucketCapacity bounds how many resident pages a single
// hashdir bucket holds before splitting. It is independent of pool
// size: a small, fixed bucket keeps Find/Insert/Remove cheap no matter
// how large the pool grows.
const pageTableBucketCapacity = 4

// Soft, typed errors rather than panics. DeletePage returns
// ErrPinnedPage; NewPage and FetchPage report an exhausted pool through
// their boolean result, not through ErrOutOfFrames.
var (
	ErrOutOfFrames = errors.New("buffer: no free frame and no evictable frame available")
	ErrPinnedPage  = errors.New("buffer: page is pinned and cannot be evicted or deleted")
)

// DiskManager is the disk-facing contract the buffer pool drives. Any
// failure returned here is a DiskIOError per this engine's error
// taxonomy: the buffer pool treats it as fatal and panics rather than
// trying to carry on with a dataset it can no longer trust.
type DiskManager interface {
	AllocatePage() page.PageID
	DeallocatePage(id page.PageID)
	ReadPage(id page.PageID, dst []byte) error
	WritePage(id page.PageID, src []byte) error
}

// Manager is the BufferPoolManager: a fixed number of frames, a page
// table mapping resident page ids to frames, a free list of frames that
// hold no page (never used, or emptied by DeletePage), and an LRU-K
// replacer for everything else.
// The page table is an extendible hash directory rather than a plain
// map, exercised entirely under m.mu, so the directory's own internal
// latch is never contended.
type Manager struct {
	mu         sync.Mutex
	instanceID string
	frames     []*page.Page
	pageTable  *hashdir.Directory[page.PageID, int]
	freeList   []int
	replacer   *replacer.LRUKReplacer
	disk       DiskManager
	logger     *zap.Logger
	instr      *instrumentation
}

// InstanceID returns the pool's unique id, stamped once at construction
// time so logs and traces from several pools in one process can be
// told apart.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Option configures optional, non-essential Manager behavior.
type Option func(*Manager) error

// WithLogger attaches a structured logger; the default is silent.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) error {
		m.logger = logger
		return nil
	}
}

// WithMeter wires OpenTelemetry instrumentation through the supplied
// meter. Without this option the pool uses the no-op meter, so every
// instrument call is free.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) error {
		instr, err := newInstrumentation(meter)
		if err != nil {
			return fmt.Errorf("buffer: building instrumentation: %w", err)
		}
		m.instr = instr
		return nil
	}
}

// New builds a pool of poolSize frames backed by disk, replacing frames
// with an LRU-K policy of depth k.
func New(poolSize, k int, disk DiskManager, opts ...Option) (*Manager, error) {
	if poolSize <= 0 {
		panic("buffer: poolSize must be positive")
	}
	m := &Manager{
		instanceID: uuid.NewString(),
		frames:     make([]*page.Page, poolSize),
		pageTable:  hashdir.New[page.PageID, int](pageIDHash, pageTableBucketCapacity),
		freeList:   make([]int, poolSize),
		replacer:   replacer.New(poolSize, k),
		disk:       disk,
		logger:     zap.NewNop(),
	}
	for i := 0; i < poolSize; i++ {
		m.frames[i] = page.New()
		m.freeList[i] = poolSize - 1 - i
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.instr == nil {
		noop, _ := newInstrumentation(noopmetric.NewMeterProvider().Meter("kestrel.buffer"))
		m.instr = noop
	}
	m.logger = m.logger.With(zap.String("pool_instance", m.instanceID))
	return m, nil
}

// acquireFrame returns a frame id ready to hold a new page: either from
// the free list, or evicted from the replacer. The caller must hold m.mu.
func (m *Manager) acquireFrame() (int, bool) {
	if n := len(m.freeList); n > 0 {
		fid := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return fid, true
	}
	fid, ok := m.replacer.Evict()
	if !ok {
		return 0, false
	}
	victim := m.frames[fid]
	if victim.IsDirty() {
		if err := m.disk.WritePage(victim.GetPageID(), victim.GetData()); err != nil {
			panic(fmt.Errorf("buffer: flushing evicted page %d: %w", victim.GetPageID(), err))
		}
		m.instr.recordFlush()
	}
	m.pageTable.Remove(victim.GetPageID())
	m.instr.recordEviction()
	m.instr.frameReleased()
	victim.Reset()
	return fid, true
}

// NewPage allocates a brand-new page on disk, pins it into a frame, and
// returns it. It returns (nil, false) if the pool has no free or
// evictable frame; exhaustion here is reported, never panicked, because
// callers routinely retry after unpinning something themselves.
func (m *Manager) NewPage() (*page.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.acquireFrame()
	if !ok {
		return nil, false
	}
	id := m.disk.AllocatePage()
	p := m.frames[fid]
	p.SetPageID(id)
	p.SetPinCount(1)
	m.pageTable.Insert(id, fid)
	m.replacer.RecordAccess(fid)
	m.replacer.SetEvictable(fid, false)
	m.instr.frameAcquired()
	return p, true
}

// FetchPage returns the page for id, reading it from disk on a miss. A
// newly pinned page's pin count is always set to exactly 1 rather than
// incremented, since a frame freshly claimed from the free list or the
// replacer carries no meaningful prior pin count to add to.
func (m *Manager) FetchPage(id page.PageID) (*page.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fid, ok := m.pageTable.Find(id); ok {
		p := m.frames[fid]
		p.Pin()
		m.replacer.RecordAccess(fid)
		m.replacer.SetEvictable(fid, false)
		m.instr.recordHit()
		return p, true
	}

	m.instr.recordMiss()
	fid, ok := m.acquireFrame()
	if !ok {
		return nil, false
	}
	p := m.frames[fid]
	if err := m.disk.ReadPage(id, p.GetData()); err != nil {
		panic(fmt.Errorf("buffer: reading page %d: %w", id, err))
	}
	commonutils.LogCaller(m.logger, "buffer: page fetched from disk", uint64(id), 2)
	p.SetPageID(id)
	p.SetPinCount(1)
	m.pageTable.Insert(id, fid)
	m.replacer.RecordAccess(fid)
	m.replacer.SetEvictable(fid, false)
	m.instr.frameAcquired()
	return p, true
}

// UnpinPage decrements id's pin count, marking it evictable once the
// count reaches zero. isDirty is OR'd into the page's sticky dirty
// flag: Unpin can set dirty, it can never clear it. It reports whether
// id was resident at all.
func (m *Manager) UnpinPage(id page.PageID, isDirty bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable.Find(id)
	if !ok {
		return false
	}
	p := m.frames[fid]
	if isDirty {
		p.SetDirty(true)
	}
	if p.GetPinCount() == 0 {
		return true
	}
	p.Unpin()
	if p.GetPinCount() == 0 {
		m.replacer.SetEvictable(fid, true)
	}
	return true
}

// FlushPage writes id's current contents to disk unconditionally and
// clears its dirty flag, regardless of pin count.
func (m *Manager) FlushPage(id page.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(id)
}

func (m *Manager) flushLocked(id page.PageID) bool {
	fid, ok := m.pageTable.Find(id)
	if !ok {
		return false
	}
	p := m.frames[fid]
	if err := m.disk.WritePage(id, p.GetData()); err != nil {
		panic(fmt.Errorf("buffer: flushing page %d: %w", id, err))
	}
	p.ClearDirty()
	m.instr.recordFlush()
	return true
}

// FlushAllPages flushes every currently resident page. It walks the
// page table rather than the frame array directly, so a freshly reset
// frame sitting on the free list (page id InvalidPageID) is never
// handed to the disk manager. Writing that frame's zeroed contents at
// offset InvalidPageID would otherwise silently corrupt whatever page
// that offset wraps to.
func (m *Manager) FlushAllPages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []page.PageID
	m.pageTable.ForEach(func(id page.PageID, _ int) {
		ids = append(ids, id)
	})
	for _, id := range ids {
		m.flushLocked(id)
	}
}

// DeletePage removes a page from the pool and deallocates it on disk.
// It refuses to delete a pinned page, returning ErrPinnedPage, and is a
// silent no-op (nil) if the page is not resident.
func (m *Manager) DeletePage(id page.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable.Find(id)
	if !ok {
		return nil
	}
	p := m.frames[fid]
	if p.GetPinCount() > 0 {
		return ErrPinnedPage
	}
	m.replacer.Remove(fid)
	m.pageTable.Remove(id)
	m.instr.frameReleased()
	p.Reset()
	m.freeList = append(m.freeList, fid)
	m.disk.DeallocatePage(id)
	return nil
}
