package p2p

import (
	"context"
	"fmt"
	"io/ioutil"
	"time"

	ccrypto "rdfchain/crypto"
	"rdfchain/log"
	"rdfchain/types"

	"github.com/libp2p/go-libp2p"
	autonat "github.com/libp2p/go-libp2p-autonat"
	circuit "github.com/libp2p/go-libp2p-circuit"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"
	"github.com/libp2p/go-libp2p-core/routing"
	discovery "github.com/libp2p/go-libp2p-discovery"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

var plog = log.New("p2p")

var (
	ErrUnreachable       = errors.New("p2p: peer unreachable")
	ErrTimeout           = errors.New("p2p: timeout")
	ErrProtocolViolation = errors.New("p2p: protocol violation")
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultEvictAfter = 10 * time.Minute

	maintainInterval = time.Minute
)

// Verdict is the local opinion on a gossiped block.
type Verdict int

const (
	// Accept relays the block and delivers it on C.
	Accept Verdict = iota
	// Ignore drops the block without penalizing the sender.
	Ignore
	// Reject drops the block and penalizes the sender.
	Reject
)

// Handler is the local chain as served to peers.
type Handler interface {
	Status() *types.Status
	GetRange(from, to uint64) ([]*types.Block, error)
	Hashes(indices []uint64) ([][]byte, error)
	GraphPayload(uri string) ([]byte, error)
	CheckBlock(from string, b *types.Block) Verdict
}

type Node struct {
	*Conf
	host.Host
	ps      *pubsub.PubSub
	idht    *dht.IpfsDHT
	tmap    map[string]*pubsub.Topic
	handler Handler
	peers   *PeerTable
	ctx     context.Context
	cancel  context.CancelFunc

	C chan *Msg
}

type Msg struct {
	Topic string
	Data  []byte
	PID   string
}

type Conf struct {
	Priv         ccrypto.PrivateKey
	Port         int
	ListenHost   string
	NetworkID    string
	NameService  string
	BootPeers    []string
	ForwardPeers bool
	Compress     bool
	EnableDHT    bool
	EnableRelay  bool
	Timeout      time.Duration
	EvictAfter   time.Duration
	AddrFile     string
}

func NewNode(ctx context.Context, conf *Conf, handler Handler) (*Node, error) {
	if conf.Priv == nil {
		priv, err := ccrypto.NewKey()
		if err != nil {
			return nil, err
		}
		conf.Priv = priv
	}
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultTimeout
	}
	if conf.EvictAfter <= 0 {
		conf.EvictAfter = DefaultEvictAfter
	}
	pr, err := crypto.UnmarshalEd25519PrivateKey(conf.Priv)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	h, idht, err := newHost(ctx, pr, conf)
	if err != nil {
		cancel()
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(
		ctx,
		h,
		pubsub.WithPeerOutboundQueueSize(128),
		pubsub.WithMaxMessageSize(pubsub.DefaultMaxMessageSize*10),
		pubsub.WithMessageSigning(false),
		pubsub.WithStrictSignatureVerification(false),
	)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	g := &Node{
		Conf:    conf,
		Host:    h,
		ps:      ps,
		idht:    idht,
		tmap:    make(map[string]*pubsub.Topic),
		handler: handler,
		peers:   NewPeerTable(conf.EvictAfter),
		ctx:     ctx,
		cancel:  cancel,
		C:       make(chan *Msg, 256),
	}
	g.setHandlers()
	h.Network().Notify(&network.NotifyBundle{ConnectedF: g.connected})

	if err := ps.RegisterTopicValidator(types.BlockTopic, g.validateBlock); err != nil {
		g.Close()
		return nil, err
	}
	if err := ps.RegisterTopicValidator(types.PeerListTopic, g.validatePeerList); err != nil {
		g.Close()
		return nil, err
	}
	for _, t := range []string{types.BlockTopic, types.PeerListTopic} {
		tp, err := ps.Join(t)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.tmap[t] = tp
	}

	if err := g.writeAddrFile(); err != nil {
		g.Close()
		return nil, err
	}
	plog.Infow("host inited", "host", g.P2PAddrs(), "network", conf.NetworkID)

	if idht != nil {
		if err := g.discover(); err != nil {
			g.Close()
			return nil, err
		}
	}
	if err := g.run(); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *Node) Peers() *PeerTable {
	return g.peers
}

// P2PAddrs returns the dialable addresses of this node, each ending in /p2p/<id>.
func (g *Node) P2PAddrs() []string {
	ai := peer.AddrInfo{ID: g.ID(), Addrs: g.Addrs()}
	maddrs, err := peer.AddrInfoToP2pAddrs(&ai)
	if err != nil {
		return nil
	}
	addrs := make([]string, len(maddrs))
	for i, a := range maddrs {
		addrs[i] = a.String()
	}
	return addrs
}

func (g *Node) Close() error {
	g.cancel()
	if g.idht != nil {
		g.idht.Close()
	}
	return g.Host.Close()
}

// Connect dials a peer given its full multiaddr and returns its id.
func (g *Node) Connect(ctx context.Context, addr string) (string, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", errors.Wrapf(ErrUnreachable, "address %q: %v", addr, err)
	}
	ai, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", errors.Wrapf(ErrUnreachable, "address %q: %v", addr, err)
	}
	g.Peerstore().AddAddrs(ai.ID, ai.Addrs, peerstore.AddressTTL)
	g.peers.Upsert(ai.ID.String(), addr)

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	if err := g.Host.Connect(ctx, *ai); err != nil {
		g.peers.Failed(ai.ID.String())
		return "", classify(ctx, err, "connect "+addr)
	}
	plog.Infow("peer connected", "peer", ai.ID, "addr", addr)
	return ai.ID.String(), nil
}

// Broadcast gossips a block to the network.
func (g *Node) Broadcast(b *types.Block) error {
	return g.Publish(types.BlockTopic, b)
}

func (g *Node) publish(topic string, data []byte) error {
	t, ok := g.tmap[topic]
	if !ok {
		return errors.Errorf("p2p: topic %s not joined", topic)
	}
	return t.Publish(g.ctx, data)
}

func (g *Node) Publish(topic string, msg types.Message) error {
	data, err := types.Marshal(msg)
	if err != nil {
		return err
	}
	return g.publish(topic, data)
}

func (g *Node) connected(_ network.Network, c network.Conn) {
	pid := c.RemotePeer()
	addr := ""
	if c.Stat().Direction == network.DirOutbound {
		addr = p2pAddr(pid, c.RemoteMultiaddr())
	}
	g.peers.Upsert(pid.String(), addr)
}

func (g *Node) validateBlock(ctx context.Context, pid peer.ID, m *pubsub.Message) pubsub.ValidationResult {
	if pid == g.ID() {
		return pubsub.ValidationAccept
	}
	b := new(types.Block)
	if err := types.Unmarshal(m.Data, b); err != nil || b.Header == nil {
		plog.Debugw("undecodable block gossip", "peer", pid, "err", err)
		return pubsub.ValidationReject
	}
	switch g.handler.CheckBlock(pid.String(), b) {
	case Accept:
		return pubsub.ValidationAccept
	case Ignore:
		return pubsub.ValidationIgnore
	}
	return pubsub.ValidationReject
}

func (g *Node) validatePeerList(ctx context.Context, pid peer.ID, m *pubsub.Message) pubsub.ValidationResult {
	pl := new(types.PeerList)
	if err := types.Unmarshal(m.Data, pl); err != nil {
		return pubsub.ValidationReject
	}
	if pl.NetworkId != g.NetworkID {
		return pubsub.ValidationReject
	}
	return pubsub.ValidationAccept
}

func (g *Node) run() error {
	read := func(s *pubsub.Subscription) {
		for {
			m, err := s.Next(g.ctx)
			if err != nil {
				if g.ctx.Err() == nil {
					plog.Errorw("subscription closed", "topic", s.Topic(), "err", err)
				}
				return
			}
			if g.ID() == m.ReceivedFrom {
				continue
			}
			g.peers.Touch(m.ReceivedFrom.String())
			if s.Topic() == types.PeerListTopic {
				pl := new(types.PeerList)
				if err := types.Unmarshal(m.Data, pl); err == nil {
					go g.handlePeerList(pl)
				}
				continue
			}
			select {
			case g.C <- &Msg{Data: m.Data, Topic: s.Topic(), PID: m.ReceivedFrom.String()}:
			case <-g.ctx.Done():
				return
			}
		}
	}

	for _, tp := range g.tmap {
		sb, err := tp.Subscribe()
		if err != nil {
			return err
		}
		go read(sb)
	}

	go g.runBootstrap()
	go g.maintain()
	if g.ForwardPeers {
		go g.sendPeersAddr()
	}
	return nil
}

// Bootstrap dials each address and exchanges peer lists with it.
func (g *Node) Bootstrap(addrs ...string) {
	for _, addr := range addrs {
		id, err := g.Connect(g.ctx, addr)
		if err != nil {
			plog.Errorw("bootstrap error", "addr", addr, "err", err)
			continue
		}
		plog.Infow("connect boot peer", "bootpeer", addr)
		r, err := g.Remote(id)
		if err != nil {
			continue
		}
		pl, err := r.Peers(g.ctx)
		if err != nil {
			plog.Errorw("peer exchange error", "peer", id, "err", err)
			continue
		}
		g.handlePeerList(pl)
	}
}

func (g *Node) runBootstrap() {
	tk := time.NewTicker(maintainInterval)
	defer tk.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-tk.C:
		}
		np := g.ps.ListPeers(types.BlockTopic)
		if len(np) < 3 && len(np) < len(g.BootPeers) {
			g.Bootstrap(g.BootPeers...)
		}
	}
}

func (g *Node) maintain() {
	tk := time.NewTicker(maintainInterval)
	defer tk.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-tk.C:
		}
		for _, id := range g.peers.Evict() {
			plog.Infow("peer evicted", "peer", id)
		}
		plog.Infow("peer table", "len", g.peers.Len(), "connected", len(g.Network().Peers()))
	}
}

func (g *Node) sendPeersAddr() {
	tk := time.NewTicker(maintainInterval)
	defer tk.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-tk.C:
		}
		if err := g.Publish(types.PeerListTopic, g.peerList()); err != nil {
			plog.Errorw("publish peers error", "err", err)
		}
	}
}

// peerList describes this node and every peer with known addresses.
func (g *Node) peerList() *types.PeerList {
	pl := &types.PeerList{NetworkId: g.NetworkID}
	ids := append(peer.IDSlice{g.ID()}, g.Peerstore().PeersWithAddrs()...)
	for i, id := range ids {
		if i > 0 && id == g.ID() {
			continue
		}
		pi := &types.PeerInfo{Id: id.String()}
		addrs := g.Peerstore().Addrs(id)
		if i == 0 {
			addrs = g.Addrs()
		}
		for _, a := range addrs {
			pi.Addrs = append(pi.Addrs, a.String())
		}
		pl.Peers = append(pl.Peers, pi)
	}
	return pl
}

func (g *Node) handlePeerList(pl *types.PeerList) {
	if pl.NetworkId != g.NetworkID {
		plog.Warnw("peer list from other network", "network", pl.NetworkId)
		return
	}
	for _, pi := range pl.Peers {
		pid, err := peer.Decode(pi.Id)
		if err != nil || pid == g.ID() {
			continue
		}
		var addrs []multiaddr.Multiaddr
		for _, s := range pi.Addrs {
			a, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				continue
			}
			addrs = append(addrs, a)
		}
		if len(addrs) == 0 {
			continue
		}
		g.Peerstore().AddAddrs(pid, addrs, peerstore.AddressTTL)
		g.peers.Upsert(pid.String(), p2pAddr(pid, addrs[0]))
		if g.Network().Connectedness(pid) == network.Connected {
			continue
		}
		ctx, cancel := context.WithTimeout(g.ctx, g.Timeout)
		err = g.Host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: addrs})
		cancel()
		if err != nil {
			plog.Debugw("connect error", "peer", pid, "err", err)
			g.peers.Failed(pid.String())
			continue
		}
		plog.Infow("add remote peer", "peer", pid)
	}
}

func newHost(ctx context.Context, priv crypto.PrivKey, conf *Conf) (host.Host, *dht.IpfsDHT, error) {
	listen := conf.ListenHost
	if listen == "" {
		listen = "0.0.0.0"
	}
	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", listen, conf.Port)),
	}
	var idht *dht.IpfsDHT
	if conf.EnableDHT {
		opts = append(opts,
			libp2p.NATPortMap(),
			libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
				d, err := dht.New(ctx, h)
				idht = d
				return idht, err
			}),
		)
	}
	if conf.EnableRelay {
		opts = append(opts, libp2p.EnableRelay(circuit.OptHop))
	}
	h, err := libp2p.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	return h, idht, nil
}

func (g *Node) writeAddrFile() error {
	if g.AddrFile == "" {
		return nil
	}
	addrs := g.P2PAddrs()
	if len(addrs) == 0 {
		return errors.New("p2p: host has no addresses")
	}
	return ioutil.WriteFile(g.AddrFile, []byte(addrs[0]+"\n"), 0644)
}

func (g *Node) discover() error {
	ctx := g.ctx
	if _, err := autonat.New(ctx, g.Host); err != nil {
		return err
	}
	if err := g.idht.Bootstrap(ctx); err != nil {
		return err
	}
	rd := discovery.NewRoutingDiscovery(g.idht)
	discovery.Advertise(ctx, rd, g.NameService)

	peerChan, err := rd.FindPeers(ctx, g.NameService)
	if err != nil {
		return err
	}
	go func() {
		for ai := range peerChan {
			if ai.ID == g.ID() || len(ai.Addrs) == 0 {
				continue
			}
			g.Peerstore().AddAddrs(ai.ID, ai.Addrs, peerstore.AddressTTL)
			g.peers.Upsert(ai.ID.String(), p2pAddr(ai.ID, ai.Addrs[0]))
			plog.Infow("peer discovered", "peer", ai.ID)
		}
	}()
	return nil
}

func p2pAddr(pid peer.ID, a multiaddr.Multiaddr) string {
	return fmt.Sprintf("%s/p2p/%s", a, pid)
}
