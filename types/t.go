package types

import (
	"encoding/hex"
	"fmt"
	"time"

	"rdfchain/crypto"

	"github.com/gogo/protobuf/proto"
)

type Message = proto.Message

const (
	BaseURI = "https://rdfchain.org"
	// MetaGraphURI names the graph holding header triples of every block.
	MetaGraphURI = BaseURI + "/chain"
)

// Gossip topics.
const (
	BlockTopic    = "rdfchain/block"
	PeerListTopic = "rdfchain/peers"
)

// Sentinel is the previous hash of the genesis block.
var Sentinel = make([]byte, crypto.HashSize)

func Marshal(msg proto.Message) ([]byte, error) {
	return proto.Marshal(msg)
}

func Unmarshal(buf []byte, msg Message) error {
	return proto.Unmarshal(buf, msg)
}

// GraphURI is the named graph a block's payload is stored under.
func GraphURI(index uint64) string {
	return fmt.Sprintf("%s/block/%d", BaseURI, index)
}

// Hash covers every header field, the signature included.
func (h *Header) Hash() []byte {
	data, _ := Marshal(h)
	return crypto.Hash(data)
}

// SigningBytes is the encoding of the header without its signature.
func (h *Header) SigningBytes() []byte {
	c := *h
	c.Signature = nil
	data, _ := Marshal(&c)
	return data
}

func (h *Header) Time() time.Time {
	return time.Unix(0, h.Timestamp*int64(time.Millisecond))
}

func (h *Header) Sign(priv crypto.PrivateKey) {
	h.Signature = crypto.Sign(priv, h.SigningBytes())
}

func (h *Header) Verify(pub crypto.PublicKey) bool {
	return crypto.Verify(pub, h.SigningBytes(), h.Signature)
}

func (b *Block) Hash() []byte {
	return b.Header.Hash()
}

func (b *Block) Index() uint64 {
	return b.Header.Index
}

func (b *Block) GraphURI() string {
	return GraphURI(b.Header.Index)
}

func Millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// BlockState is the lifecycle of a block seen by a node.
type BlockState int

const (
	Proposed BlockState = iota
	Accepted
	Rejected
)

func (s BlockState) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

type Hash []byte

func (h Hash) String() string {
	return hex.EncodeToString(h)
}

func HashFromString(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// ChainRoot is the merkle root over block hashes.
func ChainRoot(hashes [][]byte) []byte {
	return crypto.Merkle(hashes)
}
