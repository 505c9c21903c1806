package p2p

import (
	"context"
	"io"
	"math/rand"
	"time"

	"rdfchain/types"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

const (
	StatusProtocol = protocol.ID("/rdfchain/status/1.0.0")
	BlocksProtocol = protocol.ID("/rdfchain/blocks/1.0.0")
	HashesProtocol = protocol.ID("/rdfchain/hashes/1.0.0")
	GraphProtocol  = protocol.ID("/rdfchain/graph/1.0.0")
	PingProtocol   = protocol.ID("/rdfchain/ping/1.0.0")
	PeersProtocol  = protocol.ID("/rdfchain/peers/1.0.0")

	// BatchSize is how many blocks the server reads from the chain per window.
	BatchSize = 10
	// MaxHashProbes bounds one hash request.
	MaxHashProbes = 256
)

type stream struct {
	network.Stream
	r msgio.ReadCloser
	w msgio.WriteCloser
}

func wrap(s network.Stream) *stream {
	return &stream{
		Stream: s,
		r:      msgio.NewVarintReaderSize(s, MaxFrameSize),
		w:      msgio.NewVarintWriter(s),
	}
}

func (g *Node) setHandlers() {
	g.SetStreamHandler(StatusProtocol, g.serve(g.handleStatus))
	g.SetStreamHandler(BlocksProtocol, g.serve(g.handleBlocks))
	g.SetStreamHandler(HashesProtocol, g.serve(g.handleHashes))
	g.SetStreamHandler(GraphProtocol, g.serve(g.handleGraph))
	g.SetStreamHandler(PingProtocol, g.serve(g.handlePing))
	g.SetStreamHandler(PeersProtocol, g.serve(g.handlePeers))
}

func (g *Node) serve(h func(*stream) error) network.StreamHandler {
	return func(s network.Stream) {
		s.SetDeadline(time.Now().Add(g.Timeout))
		pid := s.Conn().RemotePeer()
		if err := h(wrap(s)); err != nil {
			plog.Debugw("stream error", "protocol", s.Protocol(), "peer", pid, "err", err)
			s.Reset()
			return
		}
		g.peers.Touch(pid.String())
		s.Close()
	}
}

func (g *Node) status() *types.Status {
	st := g.handler.Status()
	st.NetworkId = g.NetworkID
	return st
}

func (g *Node) handleStatus(s *stream) error {
	req := new(types.Status)
	if err := readMsg(s.r, req); err != nil {
		return err
	}
	if err := writeMsg(s.w, g.status(), g.Compress); err != nil {
		return err
	}
	pid := s.Conn().RemotePeer().String()
	if req.NetworkId != g.NetworkID {
		// the caller sees our network id and drops us itself
		plog.Warnw("status from other network", "peer", pid, "network", req.NetworkId)
		g.peers.Remove(pid)
		return nil
	}
	g.peers.Seen(pid, req.Height)
	return nil
}

func (g *Node) handleBlocks(s *stream) error {
	req := new(types.GetBlocks)
	if err := readMsg(s.r, req); err != nil {
		return err
	}
	for i := req.From; i < req.To; i += BatchSize {
		end := i + BatchSize
		if end > req.To {
			end = req.To
		}
		bs, err := g.handler.GetRange(i, end)
		if err != nil {
			return writeMsg(s.w, &types.BlockFrame{Error: err.Error()}, false)
		}
		if len(bs) == 0 {
			break
		}
		s.SetDeadline(time.Now().Add(g.Timeout))
		for _, b := range bs {
			if err := writeMsg(s.w, &types.BlockFrame{Block: b}, g.Compress); err != nil {
				return err
			}
		}
	}
	return writeMsg(s.w, &types.BlockFrame{Done: true}, false)
}

func (g *Node) handleHashes(s *stream) error {
	req := new(types.GetHashes)
	if err := readMsg(s.r, req); err != nil {
		return err
	}
	if len(req.Indices) > MaxHashProbes {
		return errors.Wrapf(ErrProtocolViolation, "%d hash lookups", len(req.Indices))
	}
	hs, err := g.handler.Hashes(req.Indices)
	if err != nil {
		return err
	}
	return writeMsg(s.w, &types.HashesReply{Hashes: hs}, g.Compress)
}

func (g *Node) handleGraph(s *stream) error {
	req := new(types.GraphRequest)
	if err := readMsg(s.r, req); err != nil {
		return err
	}
	reply := &types.GraphReply{Uri: req.Uri}
	payload, err := g.handler.GraphPayload(req.Uri)
	if err == nil {
		reply.Payload, reply.Found = payload, true
	}
	return writeMsg(s.w, reply, g.Compress)
}

func (g *Node) handlePing(s *stream) error {
	req := new(types.Ping)
	if err := readMsg(s.r, req); err != nil {
		return err
	}
	return writeMsg(s.w, &types.Pong{Nonce: req.Nonce, Time: types.Millis(time.Now())}, false)
}

// handlePeers records the caller's listen addresses and replies with the
// peers this node knows.
func (g *Node) handlePeers(s *stream) error {
	req := new(types.PeerList)
	if err := readMsg(s.r, req); err != nil {
		return err
	}
	if req.NetworkId != g.NetworkID {
		return errors.Wrapf(ErrProtocolViolation, "network %q", req.NetworkId)
	}
	pid := s.Conn().RemotePeer()
	for _, pi := range req.Peers {
		if pi.Id != pid.String() {
			continue
		}
		for _, a := range pi.Addrs {
			maddr, err := multiaddr.NewMultiaddr(a)
			if err != nil {
				continue
			}
			g.Peerstore().AddAddrs(pid, []multiaddr.Multiaddr{maddr}, peerstore.AddressTTL)
			g.peers.Upsert(pid.String(), p2pAddr(pid, maddr))
		}
	}
	plog.Infow("remote peer", "peer", pid, "addr", s.Conn().RemoteMultiaddr())
	return writeMsg(s.w, g.peerList(), g.Compress)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// classify maps transport failures onto the p2p error catalog.
func classify(ctx context.Context, err error, what string) error {
	if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable) {
		return err
	}
	if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
		return errors.Wrapf(ErrTimeout, "%s: %v", what, err)
	}
	return errors.Wrapf(ErrUnreachable, "%s: %v", what, err)
}

// Remote binds the request calls to one peer.
type Remote struct {
	g  *Node
	id peer.ID
}

func (g *Node) Remote(id string) (*Remote, error) {
	pid, err := peer.Decode(id)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "peer id %q: %v", id, err)
	}
	return &Remote{g: g, id: pid}, nil
}

func (r *Remote) ID() string {
	return r.id.String()
}

func (r *Remote) open(ctx context.Context, proto protocol.ID) (*stream, error) {
	s, err := r.g.NewStream(ctx, r.id, proto)
	if err != nil {
		return nil, r.fail(classify(ctx, err, string(proto)))
	}
	if d, ok := ctx.Deadline(); ok {
		s.SetDeadline(d)
	}
	return wrap(s), nil
}

func (r *Remote) fail(err error) error {
	r.g.peers.Failed(r.id.String())
	return err
}

// call sends req and reads one reply frame into reply.
func (r *Remote) call(ctx context.Context, proto protocol.ID, req, reply types.Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.g.Timeout)
	defer cancel()
	s, err := r.open(ctx, proto)
	if err != nil {
		return err
	}
	if err := writeMsg(s.w, req, r.g.Compress); err != nil {
		s.Reset()
		return r.fail(classify(ctx, err, string(proto)))
	}
	if err := readMsg(s.r, reply); err != nil {
		s.Reset()
		return r.fail(classify(ctx, err, string(proto)))
	}
	s.Close()
	r.g.peers.Touch(r.id.String())
	return nil
}

// Status exchanges chain status with the peer.
func (r *Remote) Status(ctx context.Context) (*types.Status, error) {
	reply := new(types.Status)
	if err := r.call(ctx, StatusProtocol, r.g.status(), reply); err != nil {
		return nil, err
	}
	if reply.NetworkId != r.g.NetworkID {
		return nil, r.fail(errors.Wrapf(ErrProtocolViolation, "peer %s is on network %q", r.id, reply.NetworkId))
	}
	r.g.peers.Seen(r.id.String(), reply.Height)
	return reply, nil
}

// Hashes asks for the block hashes at indices. Entries past the peer's tip
// come back empty.
func (r *Remote) Hashes(ctx context.Context, indices []uint64) ([][]byte, error) {
	reply := new(types.HashesReply)
	if err := r.call(ctx, HashesProtocol, &types.GetHashes{Indices: indices}, reply); err != nil {
		return nil, err
	}
	if len(reply.Hashes) != len(indices) {
		return nil, r.fail(errors.Wrapf(ErrProtocolViolation, "%d hashes for %d lookups", len(reply.Hashes), len(indices)))
	}
	return reply.Hashes, nil
}

// Graph fetches the N-Triples payload of a named graph.
func (r *Remote) Graph(ctx context.Context, uri string) ([]byte, bool, error) {
	reply := new(types.GraphReply)
	if err := r.call(ctx, GraphProtocol, &types.GraphRequest{Uri: uri}, reply); err != nil {
		return nil, false, err
	}
	return reply.Payload, reply.Found, nil
}

// Ping measures the round trip to the peer.
func (r *Remote) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req := &types.Ping{Nonce: rand.Uint64(), Time: types.Millis(start)}
	reply := new(types.Pong)
	if err := r.call(ctx, PingProtocol, req, reply); err != nil {
		return 0, err
	}
	if reply.Nonce != req.Nonce {
		return 0, r.fail(errors.Wrap(ErrProtocolViolation, "pong nonce mismatch"))
	}
	return time.Since(start), nil
}

// Peers sends this node's peer list and returns the peer's.
func (r *Remote) Peers(ctx context.Context) (*types.PeerList, error) {
	reply := new(types.PeerList)
	if err := r.call(ctx, PeersProtocol, r.g.peerList(), reply); err != nil {
		return nil, err
	}
	if reply.NetworkId != r.g.NetworkID {
		return nil, r.fail(errors.Wrapf(ErrProtocolViolation, "peer %s is on network %q", r.id, reply.NetworkId))
	}
	return reply, nil
}

// RequestRange opens a stream of blocks [from, to). The stream ends with
// io.EOF after the last block the peer has.
func (r *Remote) RequestRange(ctx context.Context, from, to uint64) (*BlockStream, error) {
	octx, cancel := context.WithTimeout(ctx, r.g.Timeout)
	defer cancel()
	s, err := r.open(octx, BlocksProtocol)
	if err != nil {
		return nil, err
	}
	if err := writeMsg(s.w, &types.GetBlocks{From: from, To: to}, r.g.Compress); err != nil {
		s.Reset()
		return nil, r.fail(classify(octx, err, string(BlocksProtocol)))
	}
	return &BlockStream{r: r, s: s, ctx: ctx, next: from, to: to}, nil
}

// BlockStream yields blocks in index order.
type BlockStream struct {
	r    *Remote
	s    *stream
	ctx  context.Context
	next uint64
	to   uint64
	done bool
}

func (bs *BlockStream) Next() (*types.Block, error) {
	if bs.done {
		return nil, io.EOF
	}
	if err := bs.ctx.Err(); err != nil {
		bs.abort()
		return nil, err
	}
	bs.s.SetDeadline(time.Now().Add(bs.r.g.Timeout))
	f := new(types.BlockFrame)
	if err := readMsg(bs.s.r, f); err != nil {
		bs.abort()
		return nil, bs.r.fail(classify(bs.ctx, err, string(BlocksProtocol)))
	}
	switch {
	case f.Error != "":
		bs.abort()
		return nil, bs.r.fail(errors.Wrapf(ErrProtocolViolation, "peer error: %s", f.Error))
	case f.Done:
		bs.done = true
		bs.s.Close()
		bs.r.g.peers.Touch(bs.r.ID())
		return nil, io.EOF
	case f.Block == nil || f.Block.Header == nil:
		bs.abort()
		return nil, bs.r.fail(errors.Wrap(ErrProtocolViolation, "empty block frame"))
	case f.Block.Header.Index != bs.next || bs.next >= bs.to:
		bs.abort()
		return nil, bs.r.fail(errors.Wrapf(ErrProtocolViolation, "block %d out of order, want %d", f.Block.Header.Index, bs.next))
	}
	bs.next++
	return f.Block, nil
}

func (bs *BlockStream) abort() {
	bs.done = true
	bs.s.Reset()
}

// Close releases the stream; reading stops early.
func (bs *BlockStream) Close() error {
	if bs.done {
		return nil
	}
	bs.done = true
	return bs.s.Reset()
}
