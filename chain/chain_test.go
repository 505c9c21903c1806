package chain

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rdfchain/consensus"
	"rdfchain/crypto"
	"rdfchain/db"
	"rdfchain/rdf"
	"rdfchain/types"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

func producer(i byte) *consensus.Producer {
	return consensus.NewProducer(crypto.NewKeyFromSeed(bytes.Repeat([]byte{i}, 32)))
}

func newChain(t *testing.T, d db.DB, auth ...*consensus.Producer) *Chain {
	t.Helper()
	if d == nil {
		var err error
		d, err = db.NewMemDB()
		require.NoError(t, err)
	}
	var ids []string
	for _, p := range auth {
		ids = append(ids, p.ID())
	}
	c, err := New(&Conf{
		DB:     d,
		Engine: consensus.NewPoA(consensus.StaticSchedule(ids...)),
		Now:    func() time.Time { return t0 },
	})
	require.NoError(t, err)
	return c
}

func person(t *testing.T, name string) *rdf.Graph {
	t.Helper()
	doc := fmt.Sprintf(`_:p <http://xmlns.com/foaf/0.1/name> %q .
_:p <http://xmlns.com/foaf/0.1/knows> _:q .
_:q <http://xmlns.com/foaf/0.1/name> "Friend of %s" .
`, name, name)
	qs, err := rdf.ParseNQuads(strings.NewReader(doc))
	require.NoError(t, err)
	g, err := rdf.NewGraphFromQuads(qs)
	require.NoError(t, err)
	return g
}

func mine(t *testing.T, c *Chain, p *consensus.Producer, name string) *types.Block {
	t.Helper()
	b, err := c.ProposeBlock(person(t, name), p)
	require.NoError(t, err)
	require.NoError(t, c.Append(b))
	return b
}

func cloneBlock(b *types.Block) *types.Block {
	h := *b.Header
	h.PreviousHash = append([]byte{}, h.PreviousHash...)
	h.CanonicalHash = append([]byte{}, h.CanonicalHash...)
	h.Signature = append([]byte{}, h.Signature...)
	return &types.Block{Header: &h, Payload: append([]byte{}, b.Payload...)}
}

func TestAppendFromEmpty(t *testing.T) {
	p := producer(1)
	c := newChain(t, nil, p)
	assert.Equal(t, uint64(0), c.Length())

	b0 := mine(t, c, p, "Alice")
	assert.Equal(t, uint64(0), b0.Header.Index)
	assert.Equal(t, types.Sentinel, b0.Header.PreviousHash)
	assert.Equal(t, p.ID(), b0.Header.ProducerId)

	b1 := mine(t, c, p, "Bob")
	assert.Equal(t, b0.Hash(), b1.Header.PreviousHash)
	assert.Equal(t, uint64(2), c.Length())

	got, err := c.GetBlock(1)
	require.NoError(t, err)
	assert.Equal(t, b1.Hash(), got.Hash())
	assert.Equal(t, b1.Payload, got.Payload)

	qs, err := c.GetGraph(types.GraphURI(0))
	require.NoError(t, err)
	assert.Len(t, qs, 3)
	for _, q := range qs {
		assert.Equal(t, rdf.NewIRI(types.GraphURI(0)), q.Graph)
	}

	meta, err := c.GetGraph(types.MetaGraphURI)
	require.NoError(t, err)
	assert.Len(t, meta, 12)

	r := c.ValidateChain()
	assert.True(t, r.Valid, "%v", r.Err)
	assert.Equal(t, int64(-1), r.FirstInvalid)
	assert.Equal(t, types.ChainRoot([][]byte{b0.Hash(), b1.Hash()}), r.Root)

	_, err = c.GetBlock(2)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = c.GetGraph(types.GraphURI(7))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestProposeSeedsFormCache(t *testing.T) {
	p := producer(1)
	c := newChain(t, nil, p)
	b, err := c.ProposeBlock(person(t, "Alice"), p)
	require.NoError(t, err)
	assert.True(t, c.canon.Contains(b.Payload))
	assert.Equal(t, 1, c.canon.Len())

	require.NoError(t, c.Append(b))
	assert.Equal(t, 1, c.canon.Len())

	form, hash, err := c.canon.HashPayload(b.Payload)
	require.NoError(t, err)
	assert.Equal(t, b.Header.CanonicalHash, hash)
	assert.Equal(t, b.Payload, form.Bytes())
}

func TestLookups(t *testing.T) {
	p := producer(1)
	c := newChain(t, nil, p)
	b0 := mine(t, c, p, "a")
	b1 := mine(t, c, p, "b")

	got, err := c.GetBlockByHash(b1.Hash())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Header.Index)

	hs, err := c.Hashes([]uint64{0, 1, 5})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{b0.Hash(), b1.Hash(), nil}, hs)

	bs, err := c.GetRange(0, 10)
	require.NoError(t, err)
	assert.Len(t, bs, 2)

	st := c.Status()
	assert.Equal(t, uint64(2), st.Height)
	assert.Equal(t, b1.Hash(), st.TipHash)

	payload, err := c.GraphPayload(types.GraphURI(0))
	require.NoError(t, err)
	assert.Equal(t, b0.Payload, payload)
}

func TestReappendIsNonContiguous(t *testing.T) {
	p := producer(1)
	c := newChain(t, nil, p)
	b0 := mine(t, c, p, "Alice")
	err := c.Append(b0)
	assert.True(t, errors.Is(err, ErrNonContiguousIndex))
	assert.Equal(t, uint64(1), c.Length())
}

func TestUnauthorizedProducer(t *testing.T) {
	auth, outsider := producer(1), producer(2)
	c := newChain(t, nil, auth)
	var rejected []error
	c.OnReject = func(b *types.Block, err error) { rejected = append(rejected, err) }

	b, err := c.ProposeBlock(person(t, "Mallory"), outsider)
	require.NoError(t, err)
	err = c.Append(b)
	assert.True(t, errors.Is(err, ErrUnauthorizedProducer))
	assert.Equal(t, uint64(0), c.Length())
	require.Len(t, rejected, 1)
	assert.True(t, errors.Is(rejected[0], ErrUnauthorizedProducer))
}

func TestValidationOrder(t *testing.T) {
	p := producer(1)
	c := newChain(t, nil, p)
	mine(t, c, p, "Alice")
	good, err := c.ProposeBlock(person(t, "Bob"), p)
	require.NoError(t, err)
	require.NoError(t, c.Validate(good))

	reseal := func(b *types.Block) *types.Block {
		p.Seal(b.Header)
		return b
	}

	b := cloneBlock(good)
	b.Header.Index = 5
	assert.True(t, errors.Is(c.Append(reseal(b)), ErrNonContiguousIndex))

	b = cloneBlock(good)
	b.Header.PreviousHash = crypto.Hash([]byte("elsewhere"))
	assert.True(t, errors.Is(c.Append(reseal(b)), ErrHashMismatch))

	b = cloneBlock(good)
	b.Header.Timestamp = types.Millis(t0.Add(-time.Minute))
	assert.True(t, errors.Is(c.Append(reseal(b)), ErrTimestampOutOfBounds))

	b = cloneBlock(good)
	b.Header.Timestamp = types.Millis(t0.Add(DefaultClockSkew + time.Second))
	assert.True(t, errors.Is(c.Append(reseal(b)), ErrTimestampOutOfBounds))

	b = cloneBlock(good)
	b.Header.CanonicalHash = crypto.Hash([]byte("other"))
	assert.True(t, errors.Is(c.Append(reseal(b)), ErrHashRecomputationMismatch))

	b = cloneBlock(good)
	b.Header.Signature[0] ^= 0xff
	assert.True(t, errors.Is(c.Append(b), ErrInvalidSignature))

	// a hash failure is reported before the signature failure
	b = cloneBlock(good)
	b.Payload[0] ^= 0x01
	b.Header.Signature[0] ^= 0xff
	assert.True(t, errors.Is(c.Append(b), ErrHashRecomputationMismatch))

	assert.Equal(t, uint64(1), c.Length())
	require.NoError(t, c.Append(good))
}

func TestNonCanonicalPayloadRejected(t *testing.T) {
	p := producer(1)
	c := newChain(t, nil, p)
	good, err := c.ProposeBlock(person(t, "Alice"), p)
	require.NoError(t, err)

	// same graph, different labels and order: hash matches, bytes do not
	lines := strings.Split(strings.TrimSpace(string(good.Payload)), "\n")
	for i := range lines {
		lines[i] = strings.ReplaceAll(lines[i], "_:c14n", "_:x")
	}
	lines[0], lines[len(lines)-1] = lines[len(lines)-1], lines[0]
	b := cloneBlock(good)
	b.Payload = []byte(strings.Join(lines, "\n") + "\n")
	assert.True(t, errors.Is(c.Append(b), ErrHashRecomputationMismatch))
}

func TestAnyPayloadByteFlipIsDetected(t *testing.T) {
	p := producer(1)
	c := newChain(t, nil, p)
	good, err := c.ProposeBlock(person(t, "Alice"), p)
	require.NoError(t, err)

	for i := range good.Payload {
		b := cloneBlock(good)
		b.Payload[i] ^= 0x01
		err := c.Append(b)
		require.Error(t, err, "flip at %d", i)
		assert.True(t, errors.Is(err, ErrHashRecomputationMismatch), "flip at %d: %v", i, err)
	}
	assert.Equal(t, uint64(0), c.Length())
}

func TestValidateChainDetectsTampering(t *testing.T) {
	p := producer(1)
	d, err := db.NewMemDB()
	require.NoError(t, err)
	c := newChain(t, d, p)
	mine(t, c, p, "Alice")
	mine(t, c, p, "Bob")
	mine(t, c, p, "Carol")

	key := tripleKey(types.GraphURI(1), 0)
	_, err = d.Get(key)
	require.NoError(t, err)
	require.NoError(t, d.Set(key, []byte(`<http://evil.example/s> <http://evil.example/p> "x" .`)))

	r := c.ValidateChain()
	assert.False(t, r.Valid)
	assert.Equal(t, int64(1), r.FirstInvalid)
	assert.True(t, errors.Is(r.Err, ErrHashRecomputationMismatch))
	assert.Nil(t, r.Root)
}

func TestReopen(t *testing.T) {
	p := producer(1)
	dir := t.TempDir()
	d, err := db.Open(db.KindLevelDB, dir)
	require.NoError(t, err)
	c := newChain(t, d, p)
	mine(t, c, p, "Alice")
	last := mine(t, c, p, "Bob")
	require.NoError(t, d.Close())

	d, err = db.Open(db.KindLevelDB, dir)
	require.NoError(t, err)
	defer d.Close()
	c = newChain(t, d, p)
	assert.Equal(t, uint64(2), c.Length())
	_, tipH := c.Tip()
	assert.Equal(t, last.Hash(), tipH)
	assert.True(t, c.ValidateChain().Valid)

	next := mine(t, c, p, "Carol")
	assert.Equal(t, last.Hash(), next.Header.PreviousHash)
}

func TestBoltBackend(t *testing.T) {
	p := producer(1)
	d, err := db.Open(db.KindBolt, filepath.Join(t.TempDir(), "bolt"))
	require.NoError(t, err)
	defer d.Close()
	c := newChain(t, d, p)
	mine(t, c, p, "Alice")
	mine(t, c, p, "Bob")
	assert.True(t, c.ValidateChain().Valid)
}

// forked returns two chains sharing block 0; a holds 3 blocks, b holds 4.
func forked(t *testing.T) (a, b *Chain, pa, pb *consensus.Producer) {
	pa, pb = producer(1), producer(2)
	a = newChain(t, nil, pa, pb)
	b = newChain(t, nil, pa, pb)
	g := mine(t, a, pa, "genesis")
	require.NoError(t, b.Append(g))
	mine(t, a, pa, "a1")
	mine(t, a, pa, "a2")
	mine(t, b, pb, "b1")
	mine(t, b, pb, "b2")
	mine(t, b, pb, "b3")
	return
}

func TestReplace(t *testing.T) {
	a, b, _, _ := forked(t)
	tail, err := b.GetRange(1, b.Length())
	require.NoError(t, err)

	require.NoError(t, a.Replace(1, tail))
	assert.Equal(t, uint64(4), a.Length())
	for i := uint64(0); i < 4; i++ {
		ha, err := a.HeaderHash(i)
		require.NoError(t, err)
		hb, err := b.HeaderHash(i)
		require.NoError(t, err)
		assert.Equal(t, hb, ha, "block %d", i)
	}
	assert.True(t, a.ValidateChain().Valid)

	// old graphs and metadata were replaced, not merged
	qs, err := a.GetGraph(types.GraphURI(1))
	require.NoError(t, err)
	assert.Contains(t, qs[0].String()+qs[1].String()+qs[2].String(), "b1")
	meta, err := a.GetGraph(types.MetaGraphURI)
	require.NoError(t, err)
	assert.Len(t, meta, 4*6)
	_, err = a.GetBlockByHash(tail[0].Hash())
	assert.NoError(t, err)
}

func TestReplaceRequiresLonger(t *testing.T) {
	a, b, _, _ := forked(t)
	tail, err := b.GetRange(1, 2)
	require.NoError(t, err)
	err = a.Replace(1, tail)
	assert.True(t, errors.Is(err, ErrNotLonger))
	assert.Equal(t, uint64(3), a.Length())

	assert.True(t, errors.Is(a.Replace(3, nil), ErrNotLonger))
	err = a.Replace(9, tail)
	assert.True(t, errors.Is(err, ErrNonContiguousIndex))
}

func TestReplaceEqualLengthTieBreak(t *testing.T) {
	a, b, _, _ := forked(t)
	tail, err := b.GetRange(1, 3)
	require.NoError(t, err)
	_, aTip := a.Tip()
	bTip := tail[1].Hash()
	wins := Outranks(3, bTip, 3, aTip)
	assert.NotEqual(t, wins, Outranks(3, aTip, 3, bTip))

	err = a.Replace(1, tail)
	if wins {
		require.NoError(t, err)
		_, tip := a.Tip()
		assert.Equal(t, bTip, tip)
	} else {
		assert.True(t, errors.Is(err, ErrNotLonger))
		_, tip := a.Tip()
		assert.Equal(t, aTip, tip)
	}
	assert.Equal(t, uint64(3), a.Length())
}

func TestReplaceInvalidCandidateLeavesChainUntouched(t *testing.T) {
	a, b, _, _ := forked(t)
	before := make([][]byte, a.Length())
	for i := range before {
		before[i], _ = a.HeaderHash(uint64(i))
	}
	beforeGraph, err := a.GraphPayload(types.GraphURI(2))
	require.NoError(t, err)

	tail, err := b.GetRange(1, b.Length())
	require.NoError(t, err)
	bad := make([]*types.Block, len(tail))
	copy(bad, tail)
	bad[1] = cloneBlock(tail[1])
	bad[1].Payload[3] ^= 0x01

	err = a.Replace(1, bad)
	assert.True(t, errors.Is(err, ErrHashRecomputationMismatch))
	assert.Equal(t, uint64(3), a.Length())
	for i := range before {
		h, err := a.HeaderHash(uint64(i))
		require.NoError(t, err)
		assert.Equal(t, before[i], h)
	}
	g, err := a.GraphPayload(types.GraphURI(2))
	require.NoError(t, err)
	assert.Equal(t, beforeGraph, g)
	assert.True(t, a.ValidateChain().Valid)
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(errors.Wrap(ErrHashMismatch, "x")))
	assert.True(t, IsValidationError(ErrInvalidSignature))
	assert.False(t, IsValidationError(storageErr(errors.New("disk"), "write")))
	assert.True(t, errors.Is(storageErr(errors.New("disk"), "write %d", 1), ErrStorage))
}
