package consensus

import (
	"os"
	"path/filepath"
	"testing"

	"rdfchain/crypto"
	"rdfchain/types"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProducer(t *testing.T) *Producer {
	sk, err := crypto.NewKey()
	require.NoError(t, err)
	return NewProducer(sk)
}

func TestScheduleLookup(t *testing.T) {
	s, err := NewSchedule(
		&AuthoritySet{Version: 2, From: 10, Members: []string{"b"}},
		&AuthoritySet{Version: 1, From: 0, Members: []string{"a"}},
		&AuthoritySet{Version: 3, From: 20, Members: []string{"a", "c"}},
	)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), s.CurrentAuthorities(0).Version)
	assert.Equal(t, uint32(1), s.CurrentAuthorities(9).Version)
	assert.Equal(t, uint32(2), s.CurrentAuthorities(10).Version)
	assert.Equal(t, uint32(3), s.CurrentAuthorities(1000).Version)

	assert.True(t, s.IsAuthorized("a", 5))
	assert.False(t, s.IsAuthorized("a", 15))
	assert.True(t, s.IsAuthorized("b", 15))
	assert.True(t, s.IsAuthorized("c", 20))
	assert.False(t, s.IsAuthorized("", 0))
}

func TestBadSchedules(t *testing.T) {
	cases := [][]*AuthoritySet{
		nil,
		{{Version: 1, From: 5, Members: []string{"a"}}},
		{{Version: 1, From: 0}},
		{{Version: 1, From: 0, Members: []string{"a"}}, {Version: 2, From: 0, Members: []string{"b"}}},
		{{Version: 2, From: 0, Members: []string{"a"}}, {Version: 1, From: 3, Members: []string{"b"}}},
	}
	for _, c := range cases {
		_, err := NewSchedule(c...)
		assert.True(t, errors.Is(err, ErrBadSchedule))
	}
}

func TestLoadSchedule(t *testing.T) {
	p := newProducer(t)
	src := StaticSchedule(p.ID(), "other")
	data, err := src.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "authorities.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	s, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, src.Sets(), s.Sets())

	_, err = ParseSchedule([]byte("authorities: [ {"))
	assert.True(t, errors.Is(err, ErrBadSchedule))
}

func TestVerifySeal(t *testing.T) {
	auth := newProducer(t)
	outsider := newProducer(t)
	poa := NewPoA(StaticSchedule(auth.ID()))

	h := &types.Header{Index: 1, Timestamp: 1, PreviousHash: types.Sentinel, CanonicalHash: crypto.Hash([]byte("x"))}
	auth.Seal(h)
	require.NoError(t, poa.VerifySeal(h))

	h.CanonicalHash = crypto.Hash([]byte("y"))
	assert.True(t, errors.Is(poa.VerifySeal(h), ErrInvalidSignature))

	h2 := &types.Header{Index: 1, Timestamp: 1}
	outsider.Seal(h2)
	assert.True(t, errors.Is(poa.VerifySeal(h2), ErrUnauthorizedProducer))

	// an authorized id with someone else's signature
	h3 := &types.Header{Index: 2}
	outsider.Seal(h3)
	h3.ProducerId = auth.ID()
	assert.True(t, errors.Is(poa.VerifySeal(h3), ErrInvalidSignature))
}

func TestEngineInterface(t *testing.T) {
	var e Engine = NewPoA(StaticSchedule("a"))
	assert.Equal(t, []string{"a"}, e.CurrentAuthorities(0).Members)
}
