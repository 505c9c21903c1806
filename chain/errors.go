package chain

import (
	"rdfchain/consensus"

	"github.com/pkg/errors"
)

// Validation failures reject one block and leave the chain untouched.
var (
	ErrNonContiguousIndex        = errors.New("chain: non-contiguous index")
	ErrHashMismatch              = errors.New("chain: previous hash mismatch")
	ErrTimestampOutOfBounds      = errors.New("chain: timestamp out of bounds")
	ErrHashRecomputationMismatch = errors.New("chain: canonical hash recomputation mismatch")
	ErrUnauthorizedProducer      = consensus.ErrUnauthorizedProducer
	ErrInvalidSignature          = consensus.ErrInvalidSignature
)

var (
	// ErrStorage means the backing store failed; the node cannot continue.
	ErrStorage = errors.New("chain: storage failure")

	ErrNotFound  = errors.New("chain: not found")
	ErrNotLonger = errors.New("chain: candidate does not outrank the local chain")
	ErrBadBlock  = errors.New("chain: malformed block")
)

// IsValidationError reports whether err rejects a block rather than
// signalling a node failure.
func IsValidationError(err error) bool {
	for _, e := range []error{
		ErrNonContiguousIndex, ErrHashMismatch, ErrTimestampOutOfBounds,
		ErrHashRecomputationMismatch, ErrUnauthorizedProducer, ErrInvalidSignature,
		ErrBadBlock,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func storageErr(err error, format string, args ...interface{}) error {
	return errors.Wrapf(ErrStorage, format+": %v", append(args, err)...)
}
