package db

import (
	"sort"

	"github.com/pkg/errors"
)

var ErrCommitted = errors.New("db: overlay already committed")

type entry struct {
	val     []byte
	deleted bool
}

// Overlay buffers writes in memory on top of a DB. Reads see the buffered
// state; Commit writes everything in one batch so either all of it lands or
// none of it does.
type Overlay struct {
	db   DB
	mp   map[string]*entry
	done bool
}

var _ KV = (*Overlay)(nil)

func NewOverlay(db DB) *Overlay {
	return &Overlay{db: db, mp: make(map[string]*entry)}
}

func (m *Overlay) Get(key []byte) ([]byte, error) {
	if e, ok := m.mp[string(key)]; ok {
		if e.deleted {
			return nil, ErrNotFound
		}
		return e.val, nil
	}
	return m.db.Get(key)
}

func (m *Overlay) Set(key, val []byte) error {
	if m.done {
		return ErrCommitted
	}
	m.mp[string(key)] = &entry{val: append([]byte{}, val...)}
	return nil
}

func (m *Overlay) Delete(key []byte) error {
	if m.done {
		return ErrCommitted
	}
	m.mp[string(key)] = &entry{deleted: true}
	return nil
}

// Len is the number of buffered keys.
func (m *Overlay) Len() int {
	return len(m.mp)
}

func (m *Overlay) Commit() error {
	if m.done {
		return ErrCommitted
	}
	b := m.db.NewBatch()
	keys := make([]string, 0, len(m.mp))
	for k := range m.mp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := m.mp[k]
		var err error
		if e.deleted {
			err = b.Delete([]byte(k))
		} else {
			err = b.Set([]byte(k), e.val)
		}
		if err != nil {
			return err
		}
	}
	if err := m.db.Write(b); err != nil {
		return err
	}
	m.done = true
	m.mp = nil
	return nil
}
