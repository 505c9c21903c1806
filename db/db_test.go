package db

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]DB {
	t.Helper()
	dir := t.TempDir()
	mem, err := NewMemDB()
	require.NoError(t, err)
	ldb, err := Open(KindLevelDB, filepath.Join(dir, "l"))
	require.NoError(t, err)
	bdb, err := Open(KindBolt, filepath.Join(dir, "b"))
	require.NoError(t, err)
	dbs := map[string]DB{"memory": mem, "leveldb": ldb, "bolt": bdb}
	t.Cleanup(func() {
		for _, d := range dbs {
			d.Close()
		}
	})
	return dbs
}

func fill(t *testing.T, d DB, prefix string, n int) {
	for i := 0; i < n; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("%s%03d", prefix, i)), []byte{byte(i)}))
	}
}

func TestKV(t *testing.T) {
	for name, d := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := d.Get([]byte("missing"))
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, d.Set([]byte("k"), []byte("v")))
			v, err := d.Get([]byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), v)
			ok, err := d.Has([]byte("k"))
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, d.Delete([]byte("k")))
			ok, err = d.Has([]byte("k"))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBatch(t *testing.T) {
	for name, d := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, d.Set([]byte("old"), []byte("1")))
			b := d.NewBatch()
			require.NoError(t, b.Set([]byte("a"), []byte("1")))
			require.NoError(t, b.Set([]byte("b"), []byte("2")))
			require.NoError(t, b.Delete([]byte("old")))
			assert.Equal(t, 3, b.Len())

			// nothing visible before Write
			_, err := d.Get([]byte("a"))
			assert.Equal(t, ErrNotFound, err)

			require.NoError(t, d.Write(b))
			v, err := d.Get([]byte("b"))
			require.NoError(t, err)
			assert.Equal(t, []byte("2"), v)
			_, err = d.Get([]byte("old"))
			assert.Equal(t, ErrNotFound, err)
		})
	}
}

func TestIterRange(t *testing.T) {
	for name, d := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fill(t, d, "a/", 3)
			fill(t, d, "b/", 5)
			fill(t, d, "c/", 2)

			it := d.NewIter(PrefixRange([]byte("b/")))
			var keys []string
			for it.Next() {
				keys = append(keys, string(it.Key()))
			}
			require.NoError(t, it.Error())
			it.Release()
			assert.Equal(t, []string{"b/000", "b/001", "b/002", "b/003", "b/004"}, keys)

			it = d.NewIter(PrefixRange([]byte("b/")))
			require.True(t, it.Last())
			assert.Equal(t, "b/004", string(it.Key()))
			require.True(t, it.Prev())
			assert.Equal(t, "b/003", string(it.Key()))
			require.True(t, it.Seek([]byte("b/002")))
			assert.Equal(t, []byte{2}, it.Value())
			require.True(t, it.First())
			assert.Equal(t, "b/000", string(it.Key()))
			it.Release()
		})
	}
}

func TestPrefixRange(t *testing.T) {
	r := PrefixRange([]byte("ab"))
	assert.Equal(t, []byte("ac"), r.Limit)
	r = PrefixRange([]byte{'a', 0xff})
	assert.Equal(t, []byte("b"), r.Limit)
	r = PrefixRange([]byte{0xff})
	assert.Nil(t, r.Limit)
}

func TestOverlay(t *testing.T) {
	for name, d := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fill(t, d, "k", 4)
			o := NewOverlay(d)
			require.NoError(t, o.Set([]byte("k010"), []byte("new")))
			require.NoError(t, o.Delete([]byte("k001")))

			_, err := o.Get([]byte("k001"))
			assert.Equal(t, ErrNotFound, err)
			v, err := o.Get([]byte("k002"))
			require.NoError(t, err)
			assert.Equal(t, []byte{2}, v)

			// underlying store untouched until commit
			_, err = d.Get([]byte("k010"))
			assert.Equal(t, ErrNotFound, err)

			assert.Equal(t, 2, o.Len())

			require.NoError(t, o.Commit())
			_, err = d.Get([]byte("k001"))
			assert.Equal(t, ErrNotFound, err)
			v, err = d.Get([]byte("k010"))
			require.NoError(t, err)
			assert.Equal(t, []byte("new"), v)

			assert.Equal(t, ErrCommitted, o.Set([]byte("x"), nil))
			assert.Equal(t, ErrCommitted, o.Commit())
		})
	}
}

func TestOverlayDroppedWithoutCommit(t *testing.T) {
	d, err := NewMemDB()
	require.NoError(t, err)
	o := NewOverlay(d)
	require.NoError(t, o.Set([]byte("a"), []byte("1")))
	require.NoError(t, o.Delete([]byte("b")))
	_, err = d.Get([]byte("a"))
	assert.Equal(t, ErrNotFound, err)
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open("rocks", t.TempDir())
	assert.True(t, errors.Is(err, ErrUnknownKind))
}
