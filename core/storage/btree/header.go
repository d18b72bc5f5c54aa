package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/kestrel-db/kestrel/core/storage/buffer"
	"github.com/kestrel-db/kestrel/core/storage/page"
)

// readIndexDirectory decodes the header page's index_name -> root page
// id map. A page of all zero bytes (a freshly allocated file) decodes
// to an empty, valid directory rather than a checksum failure, since
// disk.Open never writes an initial checksum for page 0.
func readIndexDirectory(buf []byte) map[string]page.PageID {
	count := binary.BigEndian.Uint16(buf[0:2])
	if count == 0 {
		allZero := true
		for _, b := range buf[2:] {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return map[string]page.PageID{}
		}
	}

	off := 2
	dir := make(map[string]page.PageID, count)
	for i := uint16(0); i < count; i++ {
		nameLen := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		name := string(buf[off : off+nameLen])
		off += nameLen
		root := page.PageID(binary.BigEndian.Uint64(buf[off:]))
		off += 8
		dir[name] = root
	}

	want := binary.BigEndian.Uint32(buf[off:])
	got := crc32.ChecksumIEEE(buf[:off])
	if want != got {
		panic(fmt.Errorf("%w: header page", ErrChecksumMismatch))
	}
	return dir
}

func writeIndexDirectory(buf []byte, dir map[string]page.PageID) {
	for i := range buf {
		buf[i] = 0
	}
	binary.BigEndian.PutUint16(buf[0:], uint16(len(dir)))
	off := 2
	for name, root := range dir {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(name)))
		off += 2
		copy(buf[off:], name)
		off += len(name)
		binary.BigEndian.PutUint64(buf[off:], uint64(root))
		off += 8
	}
	if off+4 > page.Size {
		panic("btree: header page directory overflowed page size")
	}
	sum := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:], sum)
}

// readRootLocked reads indexName's root page id from an already
// fetched, already latched header page.
func readRootLocked(header *page.Page, indexName string) page.PageID {
	dir := readIndexDirectory(header.GetData())
	root, ok := dir[indexName]
	if !ok {
		return page.InvalidPageID
	}
	return root
}

// writeRootLocked updates indexName's root page id on an already
// fetched, write-latched header page, marking it dirty.
func writeRootLocked(header *page.Page, indexName string, root page.PageID) {
	dir := readIndexDirectory(header.GetData())
	dir[indexName] = root
	writeIndexDirectory(header.GetData(), dir)
	header.SetDirty(true)
}

func fetchHeaderRLock(bpm *buffer.Manager) *page.Page {
	p, ok := bpm.FetchPage(page.HeaderPageID)
	if !ok {
		panic(fmt.Errorf("%w: fetching header page", ErrOutOfFrames))
	}
	p.RLock()
	return p
}

func fetchHeaderLock(bpm *buffer.Manager) *page.Page {
	p, ok := bpm.FetchPage(page.HeaderPageID)
	if !ok {
		panic(fmt.Errorf("%w: fetching header page", ErrOutOfFrames))
	}
	p.Lock()
	return p
}
