package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-db/kestrel/core/storage/page"
)

func TestAllocatePageIsMonotonicAndReservesHeader(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "data.db"), nil)
	require.NoError(t, err)
	defer m.Close()

	first := m.AllocatePage()
	second := m.AllocatePage()
	assert.Equal(t, page.PageID(1), first)
	assert.Equal(t, page.PageID(2), second)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "data.db"), nil)
	require.NoError(t, err)
	defer m.Close()

	id := m.AllocatePage()
	var buf [page.Size]byte
	copy(buf[:], "hello page")
	require.NoError(t, m.WritePage(id, buf[:]))

	var out [page.Size]byte
	require.NoError(t, m.ReadPage(id, out[:]))
	assert.Equal(t, buf, out)
}

func TestReopenPreservesAllocatorPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	m1, err := Open(path, nil)
	require.NoError(t, err)
	m1.AllocatePage()
	m1.AllocatePage()
	require.NoError(t, m1.Close())

	m2, err := Open(path, nil)
	require.NoError(t, err)
	defer m2.Close()
	assert.Equal(t, page.PageID(3), m2.AllocatePage())
}
