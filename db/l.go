package db

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

func NewLDB(path string) (DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LDB{db}, nil
}

// NewMemDB returns a leveldb instance backed by memory, used by tests and
// throwaway nodes.
func NewMemDB() (DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LDB{db}, nil
}

type LDB struct {
	db *leveldb.DB
}

func (db *LDB) Get(key []byte) ([]byte, error) {
	v, err := db.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (db *LDB) Has(key []byte) (bool, error) {
	return db.db.Has(key, nil)
}

func (db *LDB) Set(key, val []byte) error {
	return db.db.Put(key, val, nil)
}

func (db *LDB) Delete(key []byte) error {
	return db.db.Delete(key, nil)
}

func (db *LDB) NewBatch() Batch {
	return &lbatch{new(leveldb.Batch)}
}

func (db *LDB) Write(b Batch) error {
	return db.db.Write(b.(*lbatch).b, nil)
}

func (db *LDB) NewIter(r *Range) Iter {
	if r == nil {
		return db.db.NewIterator(nil, nil)
	}
	return db.db.NewIterator(&util.Range{Limit: r.Limit, Start: r.Start}, nil)
}

func (db *LDB) Close() error {
	return db.db.Close()
}

type lbatch struct {
	b *leveldb.Batch
}

func (b *lbatch) Set(key, val []byte) error {
	b.b.Put(key, val)
	return nil
}

func (b *lbatch) Delete(key []byte) error {
	b.b.Delete(key)
	return nil
}

func (b *lbatch) Len() int {
	return b.b.Len()
}
