package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rdfchain/chain"
	"rdfchain/config"
	"rdfchain/consensus"
	"rdfchain/crypto"
	"rdfchain/db"
	"rdfchain/rdf"
	"rdfchain/types"

	"github.com/pkg/errors"
	"github.com/smallnest/rpcx/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(i byte) string {
	return hex.EncodeToString(bytes.Repeat([]byte{i}, 32))
}

func producerID(i byte) string {
	return consensus.NewProducer(crypto.NewKeyFromSeed(bytes.Repeat([]byte{i}, 32))).ID()
}

func testConfig(t *testing.T, key byte, boot []string, auth ...byte) *config.Config {
	t.Helper()
	dir := t.TempDir()
	var members []string
	for _, a := range auth {
		members = append(members, "      - "+producerID(a))
	}
	doc := "authorities:\n  - version: 1\n    from: 0\n    members:\n" + strings.Join(members, "\n") + "\n"
	path := filepath.Join(dir, "authorities.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(doc), 0644))

	conf := config.DefaultConfig()
	conf.ChainID = "test"
	conf.PrivateSeed = seed(key)
	conf.DBType = db.KindMemory
	conf.DataPath = dir
	conf.ServerPort = 0
	conf.RpcPort = 0
	conf.ListenHost = "127.0.0.1"
	conf.BootPeers = boot
	conf.SyncIntervalSec = 1
	conf.PeerTimeoutSec = 5
	conf.AuthorityFile = path
	return conf
}

func startNode(t *testing.T, conf *config.Config) *Node {
	t.Helper()
	n, err := New(conf)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		n.Close()
	})
	return n
}

func quads(t *testing.T, doc string) []rdf.Quad {
	t.Helper()
	qs, err := rdf.ParseNQuads(strings.NewReader(doc))
	require.NoError(t, err)
	return qs
}

func record(t *testing.T, name string) []rdf.Quad {
	return quads(t, fmt.Sprintf("_:r <http://example.org/name> %q .\n_:r <http://example.org/seen> _:w .\n", name))
}

func tip(n *Node) []byte {
	_, h := n.Chain().Tip()
	return h
}

func TestBootstrapNodeSubmit(t *testing.T) {
	n := startNode(t, testConfig(t, 1, nil, 1))
	index, err := n.Submit(quads(t, "<http://example.org/s> <http://example.org/p> <http://example.org/o> .\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), index)
	assert.Equal(t, uint64(1), n.Length())

	b, err := n.GetBlock(0)
	require.NoError(t, err)
	assert.Equal(t, types.Sentinel, b.Header.PreviousHash)
	assert.Equal(t, n.ProducerID(), b.Header.ProducerId)
	assert.True(t, n.ValidateChain().Valid)

	qs, err := n.GetGraph(types.GraphURI(0))
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, "<http://example.org/o>", qs[0].Object.String())
}

func TestUnauthorizedSubmit(t *testing.T) {
	n := startNode(t, testConfig(t, 9, nil, 1))
	_, err := n.Submit(record(t, "mallory"))
	assert.True(t, errors.Is(err, chain.ErrUnauthorizedProducer), "%v", err)
	assert.Equal(t, uint64(0), n.Length())
	assert.Equal(t, uint64(1), n.Rejected())
}

func TestSubmitRejectsBadInput(t *testing.T) {
	n := startNode(t, testConfig(t, 1, nil, 1))
	_, err := n.SubmitNQuads(strings.NewReader("not n-quads\n"))
	assert.True(t, errors.Is(err, rdf.ErrSyntax))
	_, err = n.Submit(nil)
	assert.Error(t, err)
	assert.Equal(t, uint64(0), n.Length())
}

func TestSubmitAfterClose(t *testing.T) {
	n, err := New(testConfig(t, 1, nil, 1))
	require.NoError(t, err)
	require.NoError(t, n.Close())
	_, err = n.Submit(record(t, "late"))
	assert.Equal(t, ErrClosed, err)
	// idempotent
	assert.NoError(t, n.Close())
}

func TestSubmitResealsWhenTipMoves(t *testing.T) {
	n := startNode(t, testConfig(t, 1, nil, 1, 2))
	other := consensus.NewProducer(crypto.NewKeyFromSeed(bytes.Repeat([]byte{2}, 32)))
	c := n.Chain()

	// The first clock read happens inside ProposeBlock after the tip is
	// read; a block from another producer is appended right there.
	var moved int32
	c.Now = func() time.Time {
		if atomic.CompareAndSwapInt32(&moved, 0, 1) {
			g, err := rdf.NewGraphFromQuads(record(t, "gossip"))
			require.NoError(t, err)
			b, err := c.ProposeBlock(g, other)
			require.NoError(t, err)
			require.NoError(t, c.Append(b))
		}
		return time.Now()
	}

	index, err := n.Submit(record(t, "local"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)
	assert.Equal(t, uint64(2), n.Length())

	b0, err := n.GetBlock(0)
	require.NoError(t, err)
	assert.Equal(t, producerID(2), b0.Header.ProducerId)
	b1, err := n.GetBlock(1)
	require.NoError(t, err)
	assert.Equal(t, n.ProducerID(), b1.Header.ProducerId)
	assert.Equal(t, b0.Hash(), b1.Header.PreviousHash)
	assert.True(t, n.ValidateChain().Valid)
}

func TestPeerPullsOnConnect(t *testing.T) {
	n1 := startNode(t, testConfig(t, 1, nil, 1, 2))
	_, err := n1.Submit(record(t, "first"))
	require.NoError(t, err)

	n2 := startNode(t, testConfig(t, 2, n1.Net().P2PAddrs(), 1, 2))
	require.Eventually(t, func() bool { return n2.Length() == 1 }, 15*time.Second, 50*time.Millisecond)
	assert.Equal(t, tip(n1), tip(n2))
	assert.Equal(t, n1.Status().TipHash, n2.Status().TipHash)
}

func TestGossipBothWays(t *testing.T) {
	n1 := startNode(t, testConfig(t, 1, nil, 1, 2))
	n2 := startNode(t, testConfig(t, 2, n1.Net().P2PAddrs(), 1, 2))
	require.Eventually(t, func() bool { return n1.Net().Peers().Len() > 0 }, 10*time.Second, 50*time.Millisecond)

	_, err := n1.Submit(record(t, "from n1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n2.Length() == 1 }, 15*time.Second, 50*time.Millisecond)

	_, err = n2.Submit(record(t, "from n2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n1.Length() == 2 }, 15*time.Second, 50*time.Millisecond)
	assert.Equal(t, tip(n1), tip(n2))
}

func TestForkedNodesConvergeToLonger(t *testing.T) {
	ca := testConfig(t, 1, nil, 1, 2)
	// a reconciles only when asked
	ca.SyncIntervalSec = 3600
	a := startNode(t, ca)
	b := startNode(t, testConfig(t, 2, nil, 1, 2))

	for _, name := range []string{"B0", "B1"} {
		_, err := a.Submit(record(t, name))
		require.NoError(t, err)
	}
	shared, err := a.Chain().GetRange(0, 2)
	require.NoError(t, err)
	for _, blk := range shared {
		require.NoError(t, b.Chain().Append(blk))
	}
	_, err = a.Submit(record(t, "B2"))
	require.NoError(t, err)
	for _, name := range []string{"B2'", "B3'"} {
		_, err := b.Submit(record(t, name))
		require.NoError(t, err)
	}

	res, err := a.Sync(context.Background(), mustConnect(t, a, b))
	require.NoError(t, err)
	assert.Equal(t, "reorg", res.Action.String())
	assert.Equal(t, uint64(4), a.Length())
	assert.Equal(t, tip(b), tip(a))
	assert.True(t, a.ValidateChain().Valid)

	g, err := a.GetGraph(types.GraphURI(3))
	require.NoError(t, err)
	assert.Contains(t, g[0].String()+g[1].String(), "B3'")
}

func mustConnect(t *testing.T, from, to *Node) string {
	t.Helper()
	id, err := from.Net().Connect(context.Background(), to.Net().P2PAddrs()[0])
	require.NoError(t, err)
	return id
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRPCService(t *testing.T) {
	conf := testConfig(t, 1, nil, 1)
	conf.RpcPort = freePort(t)
	n := startNode(t, conf)

	d, err := client.NewPeer2PeerDiscovery(fmt.Sprintf("tcp@127.0.0.1:%d", conf.RpcPort), "")
	require.NoError(t, err)
	xc := client.NewXClient(ServiceName, client.Failtry, client.RandomSelect, d, client.DefaultOption)
	defer xc.Close()
	ctx := context.Background()

	length := new(LengthReply)
	require.Eventually(t, func() bool {
		return xc.Call(ctx, "ChainLength", &Empty{}, length) == nil
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, uint64(0), length.Length)

	sub := new(SubmitReply)
	doc := "_:a <http://xmlns.com/foaf/0.1/knows> _:b .\n"
	require.NoError(t, xc.Call(ctx, "Submit", &SubmitArgs{NQuads: doc}, sub))
	assert.Equal(t, uint64(0), sub.Index)

	br := new(BlockReply)
	require.NoError(t, xc.Call(ctx, "GetBlock", &BlockArgs{Index: 0}, br))
	assert.Equal(t, types.GraphURI(0), br.Graph)
	assert.Equal(t, n.ProducerID(), br.ProducerId)
	assert.Contains(t, br.Payload, "_:c14n")

	byHash := new(BlockReply)
	require.NoError(t, xc.Call(ctx, "GetBlock", &BlockArgs{Hash: br.Hash}, byHash))
	assert.Equal(t, br.Signature, byHash.Signature)

	rep := new(ReportReply)
	require.NoError(t, xc.Call(ctx, "ValidateChain", &Empty{}, rep))
	assert.True(t, rep.Valid)
	assert.Equal(t, int64(-1), rep.FirstInvalid)
	assert.NotEmpty(t, rep.Root)

	st := new(StatusReply)
	require.NoError(t, xc.Call(ctx, "Status", &Empty{}, st))
	assert.Equal(t, "test", st.NetworkId)
	assert.Equal(t, uint64(1), st.Height)
	assert.Equal(t, br.Hash, st.TipHash)

	gr := new(GraphReply)
	require.NoError(t, xc.Call(ctx, "GetGraph", &GraphArgs{URI: types.MetaGraphURI}, gr))
	assert.Contains(t, gr.NQuads, br.Hash)

	assert.Error(t, xc.Call(ctx, "GetBlock", &BlockArgs{Index: 5}, new(BlockReply)))
}
