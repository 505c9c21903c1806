// Package syncer reconciles the local chain with one peer at a time.
package syncer

import (
	"bytes"
	"context"
	"io"
	"sync"

	"rdfchain/chain"
	"rdfchain/log"
	"rdfchain/types"

	"github.com/pkg/errors"
)

var slog = log.New("sync")

// DefaultMaxReorg bounds how many blocks one reorg may pull into memory.
const DefaultMaxReorg = 1 << 16

var ErrReorgTooDeep = errors.New("sync: reorg deeper than the configured limit")

type Action int

const (
	NoOp Action = iota
	Extend
	Reorg
)

func (a Action) String() string {
	switch a {
	case NoOp:
		return "noop"
	case Extend:
		return "extend"
	case Reorg:
		return "reorg"
	}
	return "unknown"
}

// BlockStream yields a peer's blocks in index order and returns io.EOF
// after the last one.
type BlockStream interface {
	Next() (*types.Block, error)
	Close() error
}

// Peer is the remote side of a reconciliation.
type Peer interface {
	ID() string
	Status(ctx context.Context) (*types.Status, error)
	Hashes(ctx context.Context, indices []uint64) ([][]byte, error)
	RequestRange(ctx context.Context, from, to uint64) (BlockStream, error)
}

// Chain is the local store as reconciliation sees it; *chain.Chain
// satisfies it.
type Chain interface {
	Length() uint64
	Tip() (*types.Header, []byte)
	HeaderHash(index uint64) ([]byte, error)
	Append(b *types.Block) error
	Replace(from uint64, blocks []*types.Block) error
}

type Result struct {
	Peer    string
	Action  Action
	From    uint64
	Applied int
	Length  uint64
}

type Syncer struct {
	chain    Chain
	maxReorg uint64

	// one reconciliation at a time; the chain lock alone would let two
	// peers interleave appends
	mu sync.Mutex
}

func New(c Chain, maxReorg uint64) *Syncer {
	if maxReorg == 0 {
		maxReorg = DefaultMaxReorg
	}
	return &Syncer{chain: c, maxReorg: maxReorg}
}

// Reconcile brings the local chain in line with p. If p extends the local
// tip its blocks are appended one by one in index order. If p holds a fork
// that outranks the local chain, the fork point is found by hash lookups,
// the candidate tail is pulled and validated in full, and then swapped in
// atomically. Otherwise nothing happens.
func (s *Syncer) Reconcile(ctx context.Context, p Peer) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Peer: p.ID(), Action: NoOp}
	n := s.chain.Length()
	_, tip := s.chain.Tip()
	res.Length = n

	if st.Height == 0 || (st.Height == n && bytes.Equal(st.TipHash, tip)) {
		return res, nil
	}

	common, err := s.commonPrefix(ctx, p, n, st.Height)
	if err != nil {
		return nil, err
	}
	res.From = common

	switch {
	case common == n && st.Height > n:
		res.Action = Extend
		err = s.extend(ctx, p, n, st.Height, res)
	case common == n || common == st.Height:
		// peer is behind us on the same history
	case chain.Outranks(st.Height, st.TipHash, n, tip):
		res.Action = Reorg
		err = s.reorg(ctx, p, common, st.Height, res)
	default:
		slog.Debugw("peer fork does not outrank local chain", "peer", p.ID(), "height", st.Height, "local", n, "from", common)
	}
	res.Length = s.chain.Length()
	if err != nil {
		return res, err
	}
	if res.Action != NoOp {
		slog.Infow("reconciled", "peer", p.ID(), "action", res.Action, "from", res.From, "applied", res.Applied, "length", res.Length)
	}
	return res, nil
}

// commonPrefix returns how many leading blocks the local chain and the peer
// share. Headers link by hash, so a match at index k implies matches at
// every index below k and a binary search over single lookups is enough.
func (s *Syncer) commonPrefix(ctx context.Context, p Peer, n, height uint64) (uint64, error) {
	m := n
	if height < m {
		m = height
	}
	if m == 0 {
		return 0, nil
	}
	ok, err := s.match(ctx, p, m-1)
	if err != nil || ok {
		return m, err
	}
	// invariant: blocks [0, lo) match, block hi-1 does not
	lo, hi := uint64(0), m
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		ok, err := s.match(ctx, p, mid-1)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

func (s *Syncer) match(ctx context.Context, p Peer, index uint64) (bool, error) {
	local, err := s.chain.HeaderHash(index)
	if err != nil {
		return false, err
	}
	hs, err := p.Hashes(ctx, []uint64{index})
	if err != nil {
		return false, err
	}
	if len(hs) != 1 {
		return false, errors.Errorf("sync: peer %s answered %d hashes for one lookup", p.ID(), len(hs))
	}
	return bytes.Equal(local, hs[0]), nil
}

// extend appends blocks [from, to) as they arrive. A block that fails
// validation stops the pull; blocks appended before it stay.
func (s *Syncer) extend(ctx context.Context, p Peer, from, to uint64, res *Result) error {
	bs, err := p.RequestRange(ctx, from, to)
	if err != nil {
		return err
	}
	defer bs.Close()
	for {
		b, err := bs.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if s.have(b) {
			// arrived by gossip meanwhile
			continue
		}
		if err := s.chain.Append(b); err != nil {
			return errors.Wrapf(err, "block %d from %s", b.Header.Index, p.ID())
		}
		res.Applied++
	}
}

func (s *Syncer) have(b *types.Block) bool {
	if b.Header == nil || b.Header.Index >= s.chain.Length() {
		return false
	}
	h, err := s.chain.HeaderHash(b.Header.Index)
	return err == nil && bytes.Equal(h, b.Hash())
}

// reorg pulls the peer's blocks [from, to) and hands them to the chain,
// which validates all of them before swapping.
func (s *Syncer) reorg(ctx context.Context, p Peer, from, to uint64, res *Result) error {
	if to-from > s.maxReorg {
		return errors.Wrapf(ErrReorgTooDeep, "%d blocks from %s", to-from, p.ID())
	}
	bs, err := p.RequestRange(ctx, from, to)
	if err != nil {
		return err
	}
	defer bs.Close()
	var blocks []*types.Block
	for {
		b, err := bs.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
	}
	if err := s.chain.Replace(from, blocks); err != nil {
		return errors.Wrapf(err, "reorg from %s at %d", p.ID(), from)
	}
	res.Applied = len(blocks)
	return nil
}
