package chain

import (
	"bytes"

	"rdfchain/canon"
	"rdfchain/types"

	"github.com/pkg/errors"
)

// validate checks b as block number index following prev (nil before
// genesis). Checks run in a fixed order and stop at the first failure. On
// success the canonical form of the payload is returned for storage.
func (c *Chain) validate(prev *types.Header, index uint64, b *types.Block) (*canon.Form, error) {
	if b == nil || b.Header == nil {
		return nil, errors.Wrap(ErrBadBlock, "missing header")
	}
	h := b.Header
	if h.Index != index {
		return nil, errors.Wrapf(ErrNonContiguousIndex, "got %d, want %d", h.Index, index)
	}

	want := types.Sentinel
	if prev != nil {
		want = prev.Hash()
	}
	if !bytes.Equal(h.PreviousHash, want) {
		return nil, errors.Wrapf(ErrHashMismatch, "block %d links to %s, want %s", index, types.Hash(h.PreviousHash), types.Hash(want))
	}

	if prev != nil && h.Timestamp < prev.Timestamp {
		return nil, errors.Wrapf(ErrTimestampOutOfBounds, "block %d at %d precedes parent at %d", index, h.Timestamp, prev.Timestamp)
	}
	if limit := types.Millis(c.Now().Add(c.ClockSkew)); h.Timestamp > limit {
		return nil, errors.Wrapf(ErrTimestampOutOfBounds, "block %d at %d is after %d", index, h.Timestamp, limit)
	}

	form, hash, err := c.canon.HashPayload(b.Payload)
	if err != nil {
		return nil, errors.Wrapf(ErrHashRecomputationMismatch, "block %d: %v", index, err)
	}
	if !bytes.Equal(hash, h.CanonicalHash) {
		return nil, errors.Wrapf(ErrHashRecomputationMismatch, "block %d: header %s, payload %s", index, types.Hash(h.CanonicalHash), types.Hash(hash))
	}
	if !bytes.Equal(form.Bytes(), b.Payload) {
		return nil, errors.Wrapf(ErrHashRecomputationMismatch, "block %d: payload is not in canonical form", index)
	}

	if err := c.Engine.VerifySeal(h); err != nil {
		return nil, err
	}
	return form, nil
}

// Report is the outcome of re-validating the stored chain.
type Report struct {
	Valid  bool
	Length uint64
	// FirstInvalid is the index of the first failing block, or -1.
	FirstInvalid int64
	Err          error
	// Root is the merkle root over all block hashes of a valid chain.
	Root []byte
}

// ValidateChain re-reads every block from storage, starting at genesis, and
// runs the full validation against its stored predecessor.
func (c *Chain) ValidateChain() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r := &Report{Valid: true, Length: c.length, FirstInvalid: -1}
	hashes := make([][]byte, 0, c.length)
	var prev *types.Header
	for i := uint64(0); i < c.length; i++ {
		b, err := readBlock(c.DB, i)
		if err != nil {
			r.fail(i, storageErr(err, "read block %d", i))
			return r
		}
		if _, err := c.validate(prev, i, b); err != nil {
			r.fail(i, err)
			return r
		}
		hashes = append(hashes, b.Hash())
		prev = b.Header
	}
	if prev != nil && !bytes.Equal(prev.Hash(), c.tipH) {
		r.fail(c.length-1, errors.Wrap(ErrHashMismatch, "stored tip differs from last block"))
		return r
	}
	if len(hashes) > 0 {
		r.Root = types.ChainRoot(hashes)
	}
	return r
}

func (r *Report) fail(i uint64, err error) {
	r.Valid = false
	r.FirstInvalid = int64(i)
	r.Err = err
	clog.Errorw("chain validation failed", "index", i, "err", err)
}
