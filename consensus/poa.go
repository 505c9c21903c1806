package consensus

import (
	"rdfchain/crypto"
	"rdfchain/log"
	"rdfchain/types"

	"github.com/pkg/errors"
)

var clog = log.New("consensus")

// Engine checks that a header was sealed by someone allowed to produce it.
// PoA is the only implementation; a BFT engine adding finality votes would
// plug in here.
type Engine interface {
	VerifySeal(h *types.Header) error
	IsAuthorized(producer string, height uint64) bool
	CurrentAuthorities(height uint64) *AuthoritySet
}

type PoA struct {
	*Schedule
}

func NewPoA(s *Schedule) *PoA {
	return &PoA{Schedule: s}
}

// VerifySeal checks authority membership first, then the signature.
func (p *PoA) VerifySeal(h *types.Header) error {
	if !p.IsAuthorized(h.ProducerId, h.Index) {
		return errors.Wrapf(ErrUnauthorizedProducer, "producer %s at height %d", h.ProducerId, h.Index)
	}
	pub, err := crypto.PublicKeyFromID(h.ProducerId)
	if err != nil {
		return errors.Wrapf(ErrInvalidSignature, "producer id %s: %v", h.ProducerId, err)
	}
	if !h.Verify(pub) {
		clog.Debugw("bad seal", "index", h.Index, "producer", h.ProducerId)
		return errors.Wrapf(ErrInvalidSignature, "block %d", h.Index)
	}
	return nil
}

// Producer seals headers with a node's signing key.
type Producer struct {
	priv crypto.PrivateKey
	id   string
}

func NewProducer(priv crypto.PrivateKey) *Producer {
	return &Producer{priv: priv, id: priv.PublicKey().ID()}
}

func (p *Producer) ID() string {
	return p.id
}

func (p *Producer) PublicKey() crypto.PublicKey {
	return p.priv.PublicKey()
}

// Seal stamps the producer id and signs the header.
func (p *Producer) Seal(h *types.Header) {
	h.ProducerId = p.id
	h.Sign(p.priv)
}
