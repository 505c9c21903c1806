package db

import (
	"bytes"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("rdfchain")

// BoltDB keeps every key in a single bucket.
type BoltDB struct {
	db *bolt.DB
}

func NewBoltDB(path string) (DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDB{db}, nil
}

func (db *BoltDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := db.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		val = append([]byte{}, v...)
		return nil
	})
	return val, err
}

func (db *BoltDB) Has(key []byte) (bool, error) {
	_, err := db.Get(key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (db *BoltDB) Set(key, val []byte) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, val)
	})
}

func (db *BoltDB) Delete(key []byte) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

func (db *BoltDB) NewBatch() Batch {
	return new(bbatch)
}

func (db *BoltDB) Write(b Batch) error {
	ops := b.(*bbatch).ops
	return db.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		for _, op := range ops {
			var err error
			if op.del {
				err = bk.Delete(op.key)
			} else {
				err = bk.Put(op.key, op.val)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) NewIter(r *Range) Iter {
	tx, err := db.db.Begin(false)
	if err != nil {
		return &boltIter{err: err}
	}
	it := &boltIter{tx: tx, c: tx.Bucket(boltBucket).Cursor()}
	if r != nil {
		it.r = *r
	}
	return it
}

func (db *BoltDB) Close() error {
	return db.db.Close()
}

type op struct {
	key, val []byte
	del      bool
}

type bbatch struct {
	ops []op
}

func (b *bbatch) Set(key, val []byte) error {
	b.ops = append(b.ops, op{key: append([]byte{}, key...), val: append([]byte{}, val...)})
	return nil
}

func (b *bbatch) Delete(key []byte) error {
	b.ops = append(b.ops, op{key: append([]byte{}, key...), del: true})
	return nil
}

func (b *bbatch) Len() int {
	return len(b.ops)
}

// boltIter holds a read transaction open until Release.
type boltIter struct {
	tx      *bolt.Tx
	c       *bolt.Cursor
	r       Range
	k, v    []byte
	started bool
	err     error
}

func (it *boltIter) set(k, v []byte) bool {
	it.started = true
	if k == nil ||
		(it.r.Start != nil && bytes.Compare(k, it.r.Start) < 0) ||
		(it.r.Limit != nil && bytes.Compare(k, it.r.Limit) >= 0) {
		it.k, it.v = nil, nil
		return false
	}
	it.k, it.v = k, v
	return true
}

func (it *boltIter) First() bool {
	if it.c == nil {
		return false
	}
	if it.r.Start != nil {
		return it.set(it.c.Seek(it.r.Start))
	}
	return it.set(it.c.First())
}

func (it *boltIter) Last() bool {
	if it.c == nil {
		return false
	}
	if it.r.Limit != nil {
		if k, _ := it.c.Seek(it.r.Limit); k != nil {
			return it.set(it.c.Prev())
		}
	}
	return it.set(it.c.Last())
}

func (it *boltIter) Seek(key []byte) bool {
	if it.c == nil {
		return false
	}
	if it.r.Start != nil && bytes.Compare(key, it.r.Start) < 0 {
		key = it.r.Start
	}
	return it.set(it.c.Seek(key))
}

func (it *boltIter) Next() bool {
	if it.c == nil {
		return false
	}
	if !it.started {
		return it.First()
	}
	if it.k == nil {
		return false
	}
	return it.set(it.c.Next())
}

func (it *boltIter) Prev() bool {
	if it.c == nil {
		return false
	}
	if !it.started {
		return it.Last()
	}
	if it.k == nil {
		return false
	}
	return it.set(it.c.Prev())
}

func (it *boltIter) Key() []byte   { return it.k }
func (it *boltIter) Value() []byte { return it.v }
func (it *boltIter) Error() error  { return it.err }

func (it *boltIter) Release() {
	if it.tx != nil {
		it.tx.Rollback()
		it.tx, it.c = nil, nil
	}
}
