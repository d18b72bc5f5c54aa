package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-db/kestrel/core/storage/page"
)

// fakeDisk is an in-memory stand-in for disk.Manager, letting these
// tests exercise eviction and flush behavior without touching the
// filesystem.
type fakeDisk struct {
	mu     sync.Mutex
	pages  map[page.PageID][page.Size]byte
	nextID page.PageID
	writes int
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{pages: make(map[page.PageID][page.Size]byte), nextID: 1}
}

func (f *fakeDisk) AllocatePage() page.PageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	return id
}

func (f *fakeDisk) DeallocatePage(id page.PageID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pages, id)
}

func (f *fakeDisk) ReadPage(id page.PageID, dst []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.pages[id]
	copy(dst, buf[:])
	return nil
}

func (f *fakeDisk) WritePage(id page.PageID, src []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf [page.Size]byte
	copy(buf[:], src)
	f.pages[id] = buf
	f.writes++
	return nil
}

func TestNewPageThenFetchIsAHit(t *testing.T) {
	disk := newFakeDisk()
	m, err := New(4, 2, disk)
	require.NoError(t, err)

	p, ok := m.NewPage()
	require.True(t, ok)
	id := p.GetPageID()
	copy(p.GetData(), "payload")
	require.True(t, m.UnpinPage(id, true))

	fetched, ok := m.FetchPage(id)
	require.True(t, ok)
	assert.Equal(t, id, fetched.GetPageID())
	assert.Equal(t, "payload", string(fetched.GetData()[:7]))
	m.UnpinPage(id, false)
}

func TestFetchMissReadsFromDisk(t *testing.T) {
	disk := newFakeDisk()
	m, err := New(2, 2, disk)
	require.NoError(t, err)

	id := disk.AllocatePage()
	var seed [page.Size]byte
	copy(seed[:], "from-disk")
	disk.pages[id] = seed

	p, ok := m.FetchPage(id)
	require.True(t, ok)
	assert.Equal(t, "from-disk", string(p.GetData()[:9]))
	m.UnpinPage(id, false)
}

func TestOutOfFramesWhenEverythingPinned(t *testing.T) {
	disk := newFakeDisk()
	m, err := New(2, 2, disk)
	require.NoError(t, err)

	_, ok := m.NewPage()
	require.True(t, ok)
	_, ok = m.NewPage()
	require.True(t, ok)

	_, ok = m.NewPage()
	assert.False(t, ok, "no free or evictable frame should be available")
}

func TestEvictionFlushesDirtyVictim(t *testing.T) {
	disk := newFakeDisk()
	m, err := New(1, 2, disk)
	require.NoError(t, err)

	p1, ok := m.NewPage()
	require.True(t, ok)
	id1 := p1.GetPageID()
	copy(p1.GetData(), "dirty-data")
	require.True(t, m.UnpinPage(id1, true))

	p2, ok := m.NewPage()
	require.True(t, ok)
	id2 := p2.GetPageID()
	m.UnpinPage(id2, false)

	buf, ok := disk.pages[id1]
	require.True(t, ok, "dirty victim must be flushed before its frame is reused")
	assert.Equal(t, "dirty-data", string(buf[:10]))
}

func TestDeletePageRefusesPinnedPage(t *testing.T) {
	disk := newFakeDisk()
	m, err := New(2, 2, disk)
	require.NoError(t, err)

	p, ok := m.NewPage()
	require.True(t, ok)
	id := p.GetPageID()

	err = m.DeletePage(id)
	assert.ErrorIs(t, err, ErrPinnedPage)

	m.UnpinPage(id, false)
	assert.NoError(t, m.DeletePage(id))
}

func TestFlushAllPagesSkipsNothingResident(t *testing.T) {
	disk := newFakeDisk()
	m, err := New(4, 2, disk)
	require.NoError(t, err)

	p1, _ := m.NewPage()
	copy(p1.GetData(), "a")
	m.UnpinPage(p1.GetPageID(), true)

	p2, _ := m.NewPage()
	copy(p2.GetData(), "b")
	m.UnpinPage(p2.GetPageID(), true)

	m.FlushAllPages()
	assert.Len(t, disk.pages, 2)
}
