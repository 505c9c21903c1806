package chain

import (
	"bytes"

	"rdfchain/canon"
	"rdfchain/db"
	"rdfchain/types"

	"github.com/pkg/errors"
)

// Outranks reports whether a chain of length n ending in tip wins over one of
// length m ending in other. The longer chain wins; equal lengths go to the
// bytewise smaller tip hash, so every node picks the same fork.
func Outranks(n uint64, tip []byte, m uint64, other []byte) bool {
	if n != m {
		return n > m
	}
	return bytes.Compare(tip, other) < 0
}

// Replace swaps blocks [from, Length()) for blocks, which must continue the
// local block from-1 and outrank the local chain. Every candidate is
// validated before anything is written; the swap is a single atomic write,
// so on any error the stored chain is unchanged.
func (c *Chain) Replace(from uint64, blocks []*types.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if from > c.length {
		return errors.Wrapf(ErrNonContiguousIndex, "fork point %d beyond length %d", from, c.length)
	}
	newLen := from + uint64(len(blocks))
	if len(blocks) == 0 || !Outranks(newLen, blocks[len(blocks)-1].Hash(), c.length, c.tipH) {
		return errors.Wrapf(ErrNotLonger, "candidate length %d, local %d", newLen, c.length)
	}

	var prev *types.Header
	if from > 0 {
		rec, err := readHeader(c.DB, from-1)
		if err != nil {
			return storageErr(err, "read fork parent %d", from-1)
		}
		prev = rec.Header
	}
	forms := make([]*canon.Form, len(blocks))
	for i, b := range blocks {
		form, err := c.validate(prev, from+uint64(i), b)
		if err != nil {
			c.reject(b, err)
			return errors.Wrapf(err, "candidate chain from %d", from)
		}
		forms[i] = form
		prev = b.Header
	}

	ov := db.NewOverlay(c.DB)
	for i := from; i < c.length; i++ {
		if err := eraseBlock(c.DB, ov, i); err != nil {
			return storageErr(err, "stage removal of block %d", i)
		}
	}
	for i, b := range blocks {
		if err := writeBlock(ov, b, forms[i].Lines); err != nil {
			return storageErr(err, "stage block %d", b.Header.Index)
		}
	}
	if err := ov.Set(lengthKey, u64(newLen)); err != nil {
		return storageErr(err, "stage length")
	}
	if err := ov.Commit(); err != nil {
		return storageErr(err, "commit reorg at %d", from)
	}

	old := c.length
	for i := from; i < old; i++ {
		c.blocks.Remove(i)
	}
	last := blocks[len(blocks)-1]
	c.length = newLen
	c.tip, c.tipH = last.Header, last.Hash()
	for _, b := range blocks {
		c.blocks.Add(b.Header.Index, b)
	}
	clog.Infow("chain reorganized", "from", from, "dropped", old-from, "length", newLen, "tip", types.Hash(c.tipH))
	return nil
}
