package db

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

var (
	ErrNotFound    = errors.New("db: not found")
	ErrUnknownKind = errors.New("db: unknown backend")
)

const (
	KindLevelDB = "leveldb"
	KindBolt    = "bolt"
	KindMemory  = "memory"
)

type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, val []byte) error
	Delete(key []byte) error
}

type Range struct {
	// Start of the key range, include in the range.
	Start []byte

	// Limit of the key range, not include in the range.
	Limit []byte
}

// PrefixRange returns the range of all keys starting with prefix.
func PrefixRange(prefix []byte) *Range {
	var limit []byte
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] < 0xff {
			limit = make([]byte, i+1)
			copy(limit, prefix)
			limit[i]++
			break
		}
	}
	return &Range{Start: prefix, Limit: limit}
}

type iteratorSeeker interface {
	// First moves the iterator to the first key/value pair. If the iterator
	// only contains one key/value pair then First and Last would moves
	// to the same key/value pair.
	// It returns whether such pair exist.
	First() bool

	// Last moves the iterator to the last key/value pair. If the iterator
	// only contains one key/value pair then First and Last would moves
	// to the same key/value pair.
	// It returns whether such pair exist.
	Last() bool

	// Seek moves the iterator to the first key/value pair whose key is greater
	// than or equal to the given key.
	// It returns whether such pair exist.
	//
	// It is safe to modify the contents of the argument after Seek returns.
	Seek(key []byte) bool

	// Next moves the iterator to the next key/value pair.
	// It returns false if the iterator is exhausted.
	Next() bool

	// Prev moves the iterator to the previous key/value pair.
	// It returns false if the iterator is exhausted.
	Prev() bool
}

type Iter interface {
	iteratorSeeker

	// Key returns the key of the current key/value pair, or nil if done.
	// The caller should not modify the contents of the returned slice, and
	// its contents may change on the next call to any 'seeks method'.
	Key() []byte

	// Value returns the value of the current key/value pair, or nil if done.
	// The caller should not modify the contents of the returned slice, and
	// its contents may change on the next call to any 'seeks method'.
	Value() []byte

	Error() error

	// Release frees the iterator. It must be called once iteration is done.
	Release()
}

type DB interface {
	KV
	Has(key []byte) (bool, error)
	NewIter(r *Range) Iter
	NewBatch() Batch
	// Write applies every operation of b atomically.
	Write(b Batch) error
	Close() error
}

type Batch interface {
	Set(key, val []byte) error
	Delete(key []byte) error
	Len() int
}

// Open opens a backend of the given kind under dir.
func Open(kind, dir string) (DB, error) {
	switch kind {
	case KindMemory:
		return NewMemDB()
	case "", KindLevelDB:
		return NewLDB(filepath.Join(dir, "chain.ldb"))
	case KindBolt:
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return NewBoltDB(filepath.Join(dir, "chain.bolt"))
	}
	return nil, errors.Wrapf(ErrUnknownKind, "%q", kind)
}
