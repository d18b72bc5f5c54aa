package btree

import "errors"

// Sentinel errors of this package. GetValue and Insert report a missing
// or duplicate key through their boolean results, not through
// ErrKeyNotFound or ErrDuplicateKey. ErrChecksumMismatch (a corrupted
// page) and ErrOutOfFrames (an exhausted buffer pool) are the errors
// this package wraps into its panics, per this engine's error taxonomy.
var (
	ErrKeyNotFound      = errors.New("btree: key not found")
	ErrDuplicateKey     = errors.New("btree: key already exists")
	ErrChecksumMismatch = errors.New("btree: page checksum mismatch")
	ErrOutOfFrames      = errors.New("btree: buffer pool exhausted while traversing")
)
