// Package node wires the chain store, the authority engine, the p2p layer
// and reconciliation into one running peer.
package node

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"rdfchain/canon"
	"rdfchain/chain"
	"rdfchain/config"
	"rdfchain/consensus"
	"rdfchain/crypto"
	"rdfchain/db"
	"rdfchain/log"
	"rdfchain/p2p"
	"rdfchain/rdf"
	"rdfchain/syncer"
	"rdfchain/types"
	"rdfchain/utils"

	"github.com/pkg/errors"
	"github.com/smallnest/rpcx/server"
)

var nlog = log.New("node")

var ErrClosed = errors.New("node: closed")

type Node struct {
	// accessed atomically, kept first for alignment
	rejected uint64

	conf     *config.Config
	db       db.DB
	engine   consensus.Engine
	chain    *chain.Chain
	producer *consensus.Producer
	net      *p2p.Node
	syncer   *syncer.Syncer
	pool     *utils.GoPool
	rpc      *server.Server

	// one local block at a time
	produce sync.Mutex

	mu      sync.Mutex
	closed  bool
	syncing map[string]bool

	fatal  chan error
	ctx    context.Context
	cancel context.CancelFunc
}

func New(conf *config.Config) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	var priv crypto.PrivateKey
	var err error
	if conf.PrivateSeed != "" {
		priv, err = crypto.PrivateKeyFromString(conf.PrivateSeed)
	} else {
		priv, err = crypto.NewKey()
	}
	if err != nil {
		return nil, err
	}
	sched, err := consensus.LoadSchedule(conf.AuthorityFile)
	if err != nil {
		return nil, errors.Wrapf(err, "authority file %s", conf.AuthorityFile)
	}
	d, err := db.Open(conf.DBType, conf.DataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store in %s", conf.DBType, conf.DataPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		conf:     conf,
		db:       d,
		engine:   consensus.NewPoA(sched),
		producer: consensus.NewProducer(priv),
		pool:     utils.NewPool(8, 64),
		syncing:  make(map[string]bool),
		fatal:    make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	n.chain, err = chain.New(&chain.Conf{
		DB:     d,
		Engine: n.engine,
		CanonOptions: canon.Options{
			MaxRounds: conf.CanonMaxRounds,
			MaxSearch: conf.CanonMaxSearch,
		},
		ClockSkew: conf.ClockSkew(),
		CacheSize: conf.CacheSize,
		OnReject: func(*types.Block, error) {
			atomic.AddUint64(&n.rejected, 1)
		},
	})
	if err != nil {
		cancel()
		d.Close()
		return nil, err
	}
	n.syncer = syncer.New(n.chain, conf.MaxReorg)

	addrFile := ""
	if conf.DBType != db.KindMemory {
		addrFile = filepath.Join(conf.DataPath, "peeraddr.txt")
	}
	n.net, err = p2p.NewNode(ctx, &p2p.Conf{
		Priv:         priv,
		Port:         conf.ServerPort,
		ListenHost:   conf.ListenHost,
		NetworkID:    conf.ChainID,
		NameService:  conf.NameService,
		BootPeers:    conf.BootPeers,
		ForwardPeers: conf.ForwardPeers,
		Compress:     conf.Compress,
		EnableDHT:    conf.EnableDHT,
		EnableRelay:  conf.EnableRelay,
		Timeout:      conf.PeerTimeout(),
		EvictAfter:   conf.PeerEvict(),
		AddrFile:     addrFile,
	}, &handler{Chain: n.chain, n: n})
	if err != nil {
		cancel()
		d.Close()
		return nil, err
	}
	nlog.Infow("node created", "network", conf.ChainID, "producer", n.producer.ID(),
		"authorized", n.engine.IsAuthorized(n.producer.ID(), n.chain.Length()), "length", n.chain.Length())
	return n, nil
}

// Run serves until ctx is done or storage fails. Only storage failures are
// returned; the caller should exit.
func (n *Node) Run(ctx context.Context) error {
	n.pool.Run()
	if n.conf.RpcPort > 0 {
		if err := n.serveRPC(fmt.Sprintf(":%d", n.conf.RpcPort)); err != nil {
			return err
		}
	}

	if len(n.conf.BootPeers) == 0 {
		nlog.Infow("no boot peers, running as bootstrap node")
	} else {
		n.net.Bootstrap(n.conf.BootPeers...)
		for _, r := range n.net.Peers().List() {
			n.scheduleSync(r.ID)
		}
	}

	tk := time.NewTicker(n.conf.SyncInterval())
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.ctx.Done():
			return nil
		case err := <-n.fatal:
			nlog.Errorw("node stopping", "err", err)
			return err
		case m := <-n.net.C:
			n.handleBlockMsg(m)
		case <-tk.C:
			for _, r := range n.net.Peers().Due() {
				n.scheduleSync(r.ID)
			}
		}
	}
}

func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	if n.rpc != nil {
		n.rpc.Close()
	}
	n.net.Close()
	n.pool.Stop()
	return n.db.Close()
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// fail reports a node-fatal error to Run.
func (n *Node) fail(err error) {
	select {
	case n.fatal <- err:
	default:
	}
}

func (n *Node) checkFatal(err error) {
	if errors.Is(err, chain.ErrStorage) {
		n.fail(err)
	}
}

// Submit canonicalizes quads into the next block, appends it and gossips
// it. Graph names on the quads are ignored.
func (n *Node) Submit(quads []rdf.Quad) (uint64, error) {
	if n.isClosed() {
		return 0, ErrClosed
	}
	g, err := rdf.NewGraphFromQuads(quads)
	if err != nil {
		return 0, err
	}
	n.produce.Lock()
	defer n.produce.Unlock()

	// A gossiped block can land between sealing and appending; the block is
	// then resealed once on top of the new tip.
	var b *types.Block
	for attempt := 0; ; attempt++ {
		b, err = n.chain.ProposeBlock(g, n.producer)
		if err != nil {
			return 0, err
		}
		err = n.chain.Append(b)
		if err == nil {
			break
		}
		n.checkFatal(err)
		stale := errors.Is(err, chain.ErrNonContiguousIndex) || errors.Is(err, chain.ErrHashMismatch)
		if !stale || attempt > 0 {
			return 0, err
		}
		nlog.Debugw("tip moved while sealing, resealing", "index", b.Header.Index)
	}
	if err := n.net.Broadcast(b); err != nil {
		nlog.Warnw("broadcast error", "index", b.Header.Index, "err", err)
	}
	return b.Header.Index, nil
}

// SubmitNQuads parses an N-Quads document and submits it.
func (n *Node) SubmitNQuads(r io.Reader) (uint64, error) {
	qs, err := rdf.ParseNQuads(r)
	if err != nil {
		return 0, err
	}
	return n.Submit(qs)
}

func (n *Node) GetBlock(index uint64) (*types.Block, error) {
	return n.chain.GetBlock(index)
}

func (n *Node) Length() uint64 {
	return n.chain.Length()
}

func (n *Node) ValidateChain() *chain.Report {
	return n.chain.ValidateChain()
}

func (n *Node) GetGraph(uri string) ([]rdf.Quad, error) {
	return n.chain.GetGraph(uri)
}

func (n *Node) Status() *types.Status {
	st := n.chain.Status()
	st.NetworkId = n.conf.ChainID
	return st
}

// Rejected counts blocks refused by the chain since start.
func (n *Node) Rejected() uint64 {
	return atomic.LoadUint64(&n.rejected)
}

func (n *Node) Chain() *chain.Chain {
	return n.chain
}

func (n *Node) Net() *p2p.Node {
	return n.net
}

func (n *Node) ProducerID() string {
	return n.producer.ID()
}

// Connect dials a peer and reconciles with it in the background.
func (n *Node) Connect(ctx context.Context, addr string) (string, error) {
	id, err := n.net.Connect(ctx, addr)
	if err != nil {
		return "", err
	}
	n.scheduleSync(id)
	return id, nil
}

// Sync reconciles with one peer and waits for the outcome.
func (n *Node) Sync(ctx context.Context, id string) (*syncer.Result, error) {
	r, err := n.net.Remote(id)
	if err != nil {
		return nil, err
	}
	res, err := n.syncer.Reconcile(ctx, remotePeer{r})
	if err != nil {
		n.checkFatal(err)
		if chain.IsValidationError(err) {
			n.net.Peers().Failed(id)
		}
		return res, err
	}
	return res, nil
}

func (n *Node) handleBlockMsg(m *p2p.Msg) {
	b := new(types.Block)
	if err := types.Unmarshal(m.Data, b); err != nil || b.Header == nil {
		return
	}
	err := n.chain.Append(b)
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrStorage):
		n.fail(err)
	case errors.Is(err, chain.ErrNonContiguousIndex), errors.Is(err, chain.ErrHashMismatch):
		n.scheduleSync(m.PID)
	default:
		nlog.Debugw("gossiped block dropped", "index", b.Header.Index, "peer", m.PID, "err", err)
	}
}

func (n *Node) scheduleSync(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.syncing[id] {
		return
	}
	if n.pool.TryPut(&syncTask{n: n, peer: id}) {
		n.syncing[id] = true
	}
}

func (n *Node) syncDone(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.syncing, id)
}

type syncTask struct {
	n    *Node
	peer string
}

func (t *syncTask) Do() {
	defer t.n.syncDone(t.peer)
	res, err := t.n.Sync(t.n.ctx, t.peer)
	if err != nil {
		if t.n.ctx.Err() == nil {
			nlog.Warnw("reconcile failed", "peer", t.peer, "err", err)
		}
		return
	}
	nlog.Debugw("reconcile", "peer", t.peer, "action", res.Action, "length", res.Length)
}

// handler serves the chain to peers and judges gossiped blocks.
type handler struct {
	*chain.Chain
	n *Node
}

func (h *handler) CheckBlock(from string, b *types.Block) p2p.Verdict {
	err := h.Validate(b)
	switch {
	case err == nil:
		return p2p.Accept
	case errors.Is(err, chain.ErrNonContiguousIndex), errors.Is(err, chain.ErrHashMismatch):
		if hh, herr := h.HeaderHash(b.Header.Index); herr == nil && bytes.Equal(hh, b.Hash()) {
			return p2p.Ignore
		}
		// the sender is ahead of us or on another fork
		h.n.scheduleSync(from)
		return p2p.Ignore
	case errors.Is(err, chain.ErrTimestampOutOfBounds):
		return p2p.Ignore
	case chain.IsValidationError(err):
		return p2p.Reject
	}
	h.n.checkFatal(err)
	return p2p.Ignore
}

// remotePeer adapts a p2p remote to the syncer.
type remotePeer struct {
	*p2p.Remote
}

func (r remotePeer) RequestRange(ctx context.Context, from, to uint64) (syncer.BlockStream, error) {
	bs, err := r.Remote.RequestRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return bs, nil
}
