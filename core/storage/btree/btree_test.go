package btree

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-db/kestrel/core/storage/buffer"
	"github.com/kestrel-db/kestrel/core/storage/disk"
)

func intCodec() Codec[int] {
	return Codec[int]{
		Encode: func(k int) ([]byte, error) {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(k))
			return buf, nil
		},
		Decode: func(b []byte) (int, int, error) {
			return int(binary.BigEndian.Uint64(b)), 8, nil
		},
	}
}

func stringCodec() Codec[string] {
	return Codec[string]{
		Encode: func(s string) ([]byte, error) { return []byte(s), nil },
		Decode: func(b []byte) (string, int, error) {
			cp := make([]byte, len(b))
			copy(cp, b)
			return string(cp), len(b), nil
		},
	}
}

func newTestTree(t *testing.T, leafMax, internalMax int) *Tree[int, string] {
	t.Helper()
	dm, err := disk.Open(filepath.Join(t.TempDir(), "tree.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	bpm, err := buffer.New(256, 2, dm)
	require.NoError(t, err)

	return New[int, string]("default", bpm, OrderedComparator[int](), intCodec(), stringCodec(), leafMax, internalMax)
}

func TestInsertGetValueRoundTrip(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for i := 0; i < 50; i++ {
		ok := tree.Insert(i, fmt.Sprintf("v%d", i))
		require.True(t, ok)
	}
	for i := 0; i < 50; i++ {
		v, ok := tree.GetValue(i)
		require.True(t, ok, "key %d should be present", i)
		assert.Equal(t, fmt.Sprintf("v%d", i), v)
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	require.True(t, tree.Insert(1, "a"))
	assert.False(t, tree.Insert(1, "b"))
	v, ok := tree.GetValue(1)
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestGetValueOnEmptyTree(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	_, ok := tree.GetValue(1)
	assert.False(t, ok)
	assert.True(t, tree.IsEmpty())
}

func TestInsertCausesSplitAndRemainsFindable(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	keys := []int{10, 20, 30, 40, 50, 5, 15, 25}
	for _, k := range keys {
		require.True(t, tree.Insert(k, fmt.Sprintf("v%d", k)))
	}
	assert.False(t, tree.IsEmpty())
	for _, k := range keys {
		v, ok := tree.GetValue(k)
		require.True(t, ok, "key %d missing after splits", k)
		assert.Equal(t, fmt.Sprintf("v%d", k), v)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for i := 0; i < 30; i++ {
		tree.Insert(i, fmt.Sprintf("v%d", i))
	}
	tree.Delete(15)
	_, ok := tree.GetValue(15)
	assert.False(t, ok)
	for i := 0; i < 30; i++ {
		if i == 15 {
			continue
		}
		_, ok := tree.GetValue(i)
		assert.True(t, ok, "key %d should remain after unrelated delete", i)
	}
}

func TestDeleteAllKeysEmptiesTree(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	keys := make([]int, 40)
	for i := range keys {
		keys[i] = i
	}
	for _, k := range keys {
		tree.Insert(k, "v")
	}
	for _, k := range keys {
		tree.Delete(k)
	}
	assert.True(t, tree.IsEmpty())
}

// TestDeleteCascadeReachingInternalRootDoesNotPanic covers an internal
// root that drops a child through a coalesce cascade reaching all the
// way up from a leaf. With leafMax = internalMax = 4, inserting 1..7
// leaves the root at size 3 (`[_,3,5]`) over leaves `[1,2]`, `[3,4]`,
// `[5,6,7]`; deleting 7 then 6 underflows the third leaf and coalesces
// it into its sibling, removing one root entry without collapsing the
// tree.
func TestDeleteCascadeReachingInternalRootDoesNotPanic(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for i := 1; i <= 7; i++ {
		require.True(t, tree.Insert(i, fmt.Sprintf("v%d", i)))
	}

	require.NotPanics(t, func() {
		tree.Delete(7)
		tree.Delete(6)
	})

	for _, k := range []int{1, 2, 3, 4, 5} {
		v, ok := tree.GetValue(k)
		require.True(t, ok, "key %d should survive the coalesce cascade", k)
		assert.Equal(t, fmt.Sprintf("v%d", k), v)
	}
	for _, k := range []int{6, 7} {
		_, ok := tree.GetValue(k)
		assert.False(t, ok, "key %d should be gone", k)
	}
}

func TestDeleteAbsentKeyIsNoOp(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tree.Insert(1, "a")
	tree.Delete(999)
	v, ok := tree.GetValue(1)
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestIteratorWalksInOrder(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	keys := []int{5, 3, 8, 1, 9, 2, 7, 4, 6, 0}
	for _, k := range keys {
		tree.Insert(k, fmt.Sprintf("v%d", k))
	}

	it := tree.Begin()
	defer it.Close()
	var seen []int
	for !it.IsEnd() {
		seen = append(seen, it.Key())
		it.Next()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestIteratorBeginAtSkipsLowerKeys(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for i := 0; i < 20; i++ {
		tree.Insert(i, fmt.Sprintf("v%d", i))
	}
	it := tree.BeginAt(10)
	defer it.Close()
	require.False(t, it.IsEnd())
	assert.Equal(t, 10, it.Key())
}

func TestConcurrentInsertsAllSurvive(t *testing.T) {
	tree := newTestTree(t, 8, 8)
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			tree.Insert(k, fmt.Sprintf("v%d", k))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		_, ok := tree.GetValue(i)
		assert.True(t, ok, "key %d missing after concurrent inserts", i)
	}
}

func TestRandomWorkloadInsertAndDelete(t *testing.T) {
	tree := newTestTree(t, 5, 5)
	rng := rand.New(rand.NewSource(1))
	present := map[int]bool{}

	for i := 0; i < 300; i++ {
		k := rng.Intn(80)
		if present[k] {
			tree.Delete(k)
			present[k] = false
		} else {
			require.True(t, tree.Insert(k, fmt.Sprintf("v%d", k)))
			present[k] = true
		}
	}

	for k, want := range present {
		_, ok := tree.GetValue(k)
		assert.Equal(t, want, ok, "key %d presence mismatch", k)
	}
}
