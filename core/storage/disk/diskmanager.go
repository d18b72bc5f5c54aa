// Package disk implements the on-disk half of the buffer pool contract:
// fixed-size page allocation, reads, and writes against a single file.
package disk

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/kestrel-db/kestrel/core/storage/page"
)

// Manager is the disk manager the buffer pool drives. Every method that
// touches the underlying file can fail with an I/O error; per this
// engine's error taxonomy that failure is fatal and is returned
// wrapped rather than swallowed, so callers can decide how to surface
// it (the buffer pool panics on it, matching spec.md section 7).
// AllocatePage has no error result and panics on such a failure.
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	nextPage page.PageID
	logger   *zap.Logger
}

// Open creates or opens path, reserving page 0 for the header page and
// initializing the allocator so the next page allocated is page 1 on a
// fresh file.
func Open(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}

	m := &Manager{file: f, logger: logger}
	if info.Size() == 0 {
		// Fresh file: materialize the header page so reads of page 0
		// never hit a short read before the first WritePage.
		if err := m.growTo(page.HeaderPageID); err != nil {
			f.Close()
			return nil, err
		}
		m.nextPage = 1
	} else {
		m.nextPage = page.PageID(info.Size() / page.Size)
	}
	return m, nil
}

// AllocatePage reserves and returns the next page id, extending the
// file to cover it so that a reopened file resumes allocation after
// it. It never reuses a previously allocated id; DeallocatePage is a
// no-op and does not reclaim the id.
func (m *Manager) AllocatePage() page.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextPage
	if err := m.growTo(id); err != nil {
		panic(err)
	}
	m.nextPage++
	return id
}

// DeallocatePage is a no-op placeholder for free-space reuse. This
// engine never shrinks or reuses file space once allocated; freelist
// reclamation is a durability/compaction concern outside this scope.
func (m *Manager) DeallocatePage(id page.PageID) {}

func (m *Manager) growTo(id page.PageID) error {
	offset := int64(id)*page.Size + page.Size
	if err := m.file.Truncate(offset); err != nil {
		return fmt.Errorf("disk: grow to page %d: %w", id, err)
	}
	return nil
}

// ReadPage fills dst (which must be page.Size bytes) with the on-disk
// contents of id. Reading a page beyond the current end of file is a
// programmer error: the caller asked for a page nobody ever allocated.
func (m *Manager) ReadPage(id page.PageID, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(dst) != page.Size {
		panic(fmt.Sprintf("disk: ReadPage buffer must be %d bytes, got %d", page.Size, len(dst)))
	}
	n, err := m.file.ReadAt(dst, int64(id)*page.Size)
	if err != nil && n != page.Size {
		return fmt.Errorf("disk: read page %d: %w", id, err)
	}
	return nil
}

// WritePage persists src (page.Size bytes) at id's offset, growing the
// file first if id lands past the current end.
func (m *Manager) WritePage(id page.PageID, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(src) != page.Size {
		panic(fmt.Sprintf("disk: WritePage buffer must be %d bytes, got %d", page.Size, len(src)))
	}
	if _, err := m.file.WriteAt(src, int64(id)*page.Size); err != nil {
		return fmt.Errorf("disk: write page %d: %w", id, err)
	}
	return nil
}

// Close flushes and releases the underlying file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		m.logger.Warn("disk: sync on close failed", zap.Error(err))
	}
	return m.file.Close()
}
