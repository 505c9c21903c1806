package chain

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"rdfchain/canon"
	"rdfchain/consensus"
	"rdfchain/db"
	"rdfchain/log"
	"rdfchain/rdf"
	"rdfchain/types"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

var clog = log.New("chain")

const (
	DefaultClockSkew = 5 * time.Second
	DefaultCacheSize = 256
)

type Conf struct {
	DB     db.DB
	Engine consensus.Engine

	CanonOptions canon.Options
	// ClockSkew bounds how far in the future a block timestamp may be.
	ClockSkew time.Duration
	CacheSize int
	// Now is the wall clock; tests inject their own.
	Now func() time.Time
	// OnReject, when set, is called for every block refused by Append.
	OnReject func(b *types.Block, err error)
}

// Chain is the append-only store of validated blocks. Appends and reorgs
// are serialized by the writer lock; reads take the read lock.
type Chain struct {
	*Conf

	mu     sync.RWMutex
	length uint64
	tip    *types.Header
	tipH   []byte

	canon  *canon.Cache
	blocks *lru.Cache
}

func New(conf *Conf) (*Chain, error) {
	if conf.DB == nil || conf.Engine == nil {
		return nil, errors.New("chain: DB and Engine are required")
	}
	if conf.ClockSkew <= 0 {
		conf.ClockSkew = DefaultClockSkew
	}
	if conf.CacheSize <= 0 {
		conf.CacheSize = DefaultCacheSize
	}
	if conf.Now == nil {
		conf.Now = time.Now
	}
	cc, err := canon.NewCache(conf.CacheSize, conf.CanonOptions)
	if err != nil {
		return nil, err
	}
	bc, err := lru.New(conf.CacheSize)
	if err != nil {
		return nil, err
	}
	c := &Chain{Conf: conf, canon: cc, blocks: bc}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) load() error {
	n, err := readLength(c.DB)
	if err != nil {
		return storageErr(err, "read length")
	}
	c.length = n
	if n > 0 {
		rec, err := readHeader(c.DB, n-1)
		if err != nil {
			return storageErr(err, "read tip %d", n-1)
		}
		c.tip, c.tipH = rec.Header, rec.Hash
	}
	clog.Infow("chain loaded", "length", n, "tip", types.Hash(c.tipH))
	return nil
}

func (c *Chain) Length() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.length
}

// Tip returns the last header and its hash, or nils for an empty chain.
func (c *Chain) Tip() (*types.Header, []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip, c.tipH
}

func (c *Chain) Status() *types.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &types.Status{Height: c.length, TipHash: c.tipH}
}

// ProposeBlock canonicalizes g and assembles the next block sealed by p.
// The block is not appended. The payload is run through the chain's form
// cache here, outside the writer lock, so Append finds it memoized.
func (c *Chain) ProposeBlock(g *rdf.Graph, p *consensus.Producer) (*types.Block, error) {
	form, hash, err := c.CanonOptions.Canonicalize(g)
	if err != nil {
		return nil, err
	}
	payload := form.Bytes()
	_, cached, err := c.canon.HashPayload(payload)
	if err != nil {
		return nil, errors.Wrapf(ErrHashRecomputationMismatch, "proposed payload: %v", err)
	}
	if !bytes.Equal(hash, cached) {
		return nil, errors.Wrapf(ErrHashRecomputationMismatch, "proposed payload: graph %s, payload %s", types.Hash(hash), types.Hash(cached))
	}

	c.mu.RLock()
	index, prev, prevH := c.length, c.tip, c.tipH
	c.mu.RUnlock()

	ts := types.Millis(c.Now())
	if prev == nil {
		prevH = types.Sentinel
	} else if ts < prev.Timestamp {
		ts = prev.Timestamp
	}
	h := &types.Header{
		Index:         index,
		Timestamp:     ts,
		PreviousHash:  prevH,
		CanonicalHash: hash,
	}
	p.Seal(h)
	clog.Debugw("block sealed", "index", index, "state", types.Proposed, "producer", h.ProducerId, "triples", len(form.Lines))
	return &types.Block{Header: h, Payload: payload}, nil
}

// Validate checks b as the next block without appending it.
func (c *Chain) Validate(b *types.Block) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := c.validate(c.tip, c.length, b)
	return err
}

// Append validates b against the current tip and persists it in one atomic
// write.
func (c *Chain) Append(b *types.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	form, err := c.validate(c.tip, c.length, b)
	if err != nil {
		c.reject(b, err)
		return err
	}

	ov := db.NewOverlay(c.DB)
	if err := writeBlock(ov, b, form.Lines); err != nil {
		return storageErr(err, "stage block %d", b.Header.Index)
	}
	if err := ov.Set(lengthKey, u64(c.length+1)); err != nil {
		return storageErr(err, "stage length")
	}
	if err := ov.Commit(); err != nil {
		return storageErr(err, "commit block %d", b.Header.Index)
	}

	c.length++
	c.tip, c.tipH = b.Header, b.Hash()
	c.blocks.Add(b.Header.Index, b)
	clog.Infow("block appended", "index", b.Header.Index, "state", types.Accepted, "hash", types.Hash(c.tipH), "producer", b.Header.ProducerId, "triples", len(form.Lines))
	return nil
}

func (c *Chain) reject(b *types.Block, err error) {
	var index uint64
	if b != nil && b.Header != nil {
		index = b.Header.Index
	}
	clog.Warnw("block rejected", "index", index, "state", types.Rejected, "err", err)
	if c.OnReject != nil {
		c.OnReject(b, err)
	}
}

func (c *Chain) GetBlock(index uint64) (*types.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getBlock(index)
}

func (c *Chain) getBlock(index uint64) (*types.Block, error) {
	if index >= c.length {
		return nil, errors.Wrapf(ErrNotFound, "block %d, length %d", index, c.length)
	}
	if v, ok := c.blocks.Get(index); ok {
		return v.(*types.Block), nil
	}
	b, err := readBlock(c.DB, index)
	if err != nil {
		return nil, storageErr(err, "read block %d", index)
	}
	c.blocks.Add(index, b)
	return b, nil
}

func (c *Chain) GetBlockByHash(hash []byte) (*types.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.DB.Get(hashKey(hash))
	if err == db.ErrNotFound {
		return nil, errors.Wrapf(ErrNotFound, "block %x", hash)
	}
	if err != nil {
		return nil, storageErr(err, "read hash index")
	}
	if len(v) != 8 {
		return nil, storageErr(errors.Errorf("bad index %x", v), "read hash index")
	}
	return c.getBlock(binary.BigEndian.Uint64(v))
}

// GetRange returns blocks [from, to), clipped to the chain length.
func (c *Chain) GetRange(from, to uint64) ([]*types.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if to > c.length {
		to = c.length
	}
	var bs []*types.Block
	for i := from; i < to; i++ {
		b, err := c.getBlock(i)
		if err != nil {
			return nil, err
		}
		bs = append(bs, b)
	}
	return bs, nil
}

func (c *Chain) HeaderHash(index uint64) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headerHash(index)
}

func (c *Chain) headerHash(index uint64) ([]byte, error) {
	if index >= c.length {
		return nil, errors.Wrapf(ErrNotFound, "block %d, length %d", index, c.length)
	}
	if index == c.length-1 {
		return c.tipH, nil
	}
	rec, err := readHeader(c.DB, index)
	if err != nil {
		return nil, storageErr(err, "read header %d", index)
	}
	return rec.Hash, nil
}

// Hashes answers hash lookups; indices past the tip yield nil entries.
func (c *Chain) Hashes(indices []uint64) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(indices))
	for i, idx := range indices {
		if idx >= c.length {
			continue
		}
		h, err := c.headerHash(idx)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

// GetGraph returns the statements stored under a named graph: a block graph
// or the metadata graph.
func (c *Chain) GetGraph(uri string) ([]rdf.Quad, error) {
	lines, err := c.graphLines(uri)
	if err != nil {
		return nil, err
	}
	qs := make([]rdf.Quad, 0, len(lines))
	for _, l := range lines {
		q, err := rdf.ParseQuad(l)
		if err != nil {
			return nil, storageErr(err, "stored statement in %s", uri)
		}
		q.Graph = rdf.NewIRI(uri)
		qs = append(qs, q)
	}
	return qs, nil
}

// GraphPayload returns a graph as N-Triples.
func (c *Chain) GraphPayload(uri string) ([]byte, error) {
	lines, err := c.graphLines(uri)
	if err != nil {
		return nil, err
	}
	return joinLines(lines), nil
}

func (c *Chain) graphLines(uri string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lines, err := readGraph(c.DB, uri)
	if err != nil {
		return nil, storageErr(err, "read graph %s", uri)
	}
	if len(lines) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "graph %s", uri)
	}
	return lines, nil
}
