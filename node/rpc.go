package node

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"rdfchain/rdf"
	"rdfchain/types"

	"github.com/smallnest/rpcx/server"
)

// ServiceName is the rpcx name of the query and submission API.
const ServiceName = "Chain"

// Service is the rpcx API of a node. Replies use hex strings and N-Quads
// text so JSON clients can read them directly.
type Service struct {
	n *Node
}

type Empty struct{}

type SubmitArgs struct {
	NQuads string
}

type SubmitReply struct {
	Index uint64
}

type BlockArgs struct {
	Index uint64
	// Hash, when set, selects the block by hash instead of index.
	Hash string
}

type BlockReply struct {
	Index         uint64
	Timestamp     int64
	PreviousHash  string
	CanonicalHash string
	Hash          string
	ProducerId    string
	Signature     string
	Graph         string
	Payload       string
}

type LengthReply struct {
	Length uint64
}

type ReportReply struct {
	Valid        bool
	Length       uint64
	FirstInvalid int64
	Error        string
	Root         string
}

type StatusReply struct {
	NetworkId string
	Height    uint64
	TipHash   string
	Producer  string
	Rejected  uint64
	Peers     []string
	Addrs     []string
}

type GraphArgs struct {
	URI string
}

type GraphReply struct {
	URI    string
	NQuads string
}

func (s *Service) Submit(ctx context.Context, args *SubmitArgs, reply *SubmitReply) error {
	index, err := s.n.SubmitNQuads(strings.NewReader(args.NQuads))
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

func (s *Service) GetBlock(ctx context.Context, args *BlockArgs, reply *BlockReply) error {
	var b *types.Block
	var err error
	if args.Hash != "" {
		var h []byte
		h, err = types.HashFromString(args.Hash)
		if err != nil {
			return err
		}
		b, err = s.n.chain.GetBlockByHash(h)
	} else {
		b, err = s.n.GetBlock(args.Index)
	}
	if err != nil {
		return err
	}
	h := b.Header
	*reply = BlockReply{
		Index:         h.Index,
		Timestamp:     h.Timestamp,
		PreviousHash:  hex.EncodeToString(h.PreviousHash),
		CanonicalHash: hex.EncodeToString(h.CanonicalHash),
		Hash:          hex.EncodeToString(b.Hash()),
		ProducerId:    h.ProducerId,
		Signature:     hex.EncodeToString(h.Signature),
		Graph:         b.GraphURI(),
		Payload:       string(b.Payload),
	}
	return nil
}

func (s *Service) ChainLength(ctx context.Context, args *Empty, reply *LengthReply) error {
	reply.Length = s.n.Length()
	return nil
}

func (s *Service) ValidateChain(ctx context.Context, args *Empty, reply *ReportReply) error {
	r := s.n.ValidateChain()
	*reply = ReportReply{
		Valid:        r.Valid,
		Length:       r.Length,
		FirstInvalid: r.FirstInvalid,
		Root:         hex.EncodeToString(r.Root),
	}
	if r.Err != nil {
		reply.Error = r.Err.Error()
	}
	return nil
}

func (s *Service) Status(ctx context.Context, args *Empty, reply *StatusReply) error {
	st := s.n.Status()
	*reply = StatusReply{
		NetworkId: st.NetworkId,
		Height:    st.Height,
		TipHash:   hex.EncodeToString(st.TipHash),
		Producer:  s.n.ProducerID(),
		Rejected:  s.n.Rejected(),
		Addrs:     s.n.net.P2PAddrs(),
	}
	for _, r := range s.n.net.Peers().List() {
		reply.Peers = append(reply.Peers, r.ID)
	}
	return nil
}

func (s *Service) GetGraph(ctx context.Context, args *GraphArgs, reply *GraphReply) error {
	qs, err := s.n.GetGraph(args.URI)
	if err != nil {
		return err
	}
	var sb strings.Builder
	if err := rdf.WriteNQuads(&sb, qs); err != nil {
		return err
	}
	reply.URI = args.URI
	reply.NQuads = sb.String()
	return nil
}

func (n *Node) serveRPC(addr string) error {
	s := server.NewServer(server.WithReadTimeout(30*time.Second), server.WithWriteTimeout(30*time.Second))
	if err := s.RegisterName(ServiceName, &Service{n: n}, ""); err != nil {
		return err
	}
	n.rpc = s
	go func() {
		if err := s.Serve("tcp", addr); err != nil && err != server.ErrServerClosed {
			nlog.Errorw("rpc server stopped", "addr", addr, "err", err)
		}
	}()
	nlog.Infow("rpc server started", "addr", addr, "service", ServiceName)
	return nil
}
