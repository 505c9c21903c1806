package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"sync/atomic"
	"time"

	"rdfchain/consensus"
	"rdfchain/crypto"
	"rdfchain/node"
	"rdfchain/utils"

	"github.com/smallnest/rpcx/client"
	"github.com/smallnest/rpcx/protocol"
	"github.com/urfave/cli/v2"
)

var xclient client.XClient

func main() {
	var rpcAddr string

	app := &cli.App{
		Name:  "rdfchain-cli",
		Usage: "cli to an rdfchain node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "rpcaddr",
				Aliases:     []string{"r"},
				Value:       "localhost:10901",
				Usage:       "rpc server address",
				Destination: &rpcAddr,
			},
		},
		Before: func(c *cli.Context) error {
			d, err := client.NewPeer2PeerDiscovery("tcp@"+rpcAddr, "")
			if err != nil {
				return err
			}
			opt := client.DefaultOption
			opt.SerializeType = protocol.JSON
			xclient = client.NewXClient(node.ServiceName, client.Failtry, client.RandomSelect, d, opt)
			return nil
		},
		After: func(c *cli.Context) error {
			if xclient != nil {
				return xclient.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "key",
				Usage: "gen ed25519 key pair and producer id",
				Action: func(c *cli.Context) error {
					sk, err := crypto.NewKey()
					if err != nil {
						return err
					}
					fmt.Println("sk:", sk)
					fmt.Println("pk:", sk.PublicKey())
					fmt.Println("producer:", consensus.NewProducer(sk).ID())
					return nil
				},
			},
			{
				Name:  "submit",
				Usage: "submit an n-quads document as the next block",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "file",
						Aliases: []string{"f"},
						Usage:   "n-quads file, stdin when empty",
					},
				},
				Action: func(c *cli.Context) error {
					return submit(c.String("file"))
				},
			},
			{
				Name:  "block",
				Usage: "query block by hash or by index",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "hash",
						Aliases: []string{"s"},
						Usage:   "block hash",
					},
					&cli.Uint64Flag{
						Name:    "index",
						Aliases: []string{"i"},
						Usage:   "block index",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NumFlags() == 0 {
						return errors.New("hash or index must be required")
					}
					return queryBlock(c.String("hash"), c.Uint64("index"))
				},
			},
			{
				Name:  "length",
				Usage: "get chain length",
				Action: func(c *cli.Context) error {
					reply := new(node.LengthReply)
					if err := xclient.Call(context.Background(), "ChainLength", &node.Empty{}, reply); err != nil {
						return err
					}
					fmt.Println(reply.Length)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "revalidate the whole chain",
				Action: func(c *cli.Context) error {
					reply := new(node.ReportReply)
					if err := xclient.Call(context.Background(), "ValidateChain", &node.Empty{}, reply); err != nil {
						return err
					}
					fmt.Println(jsonString(reply))
					if !reply.Valid {
						return cli.Exit("chain is invalid", 2)
					}
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "node status and peers",
				Action: func(c *cli.Context) error {
					reply := new(node.StatusReply)
					if err := xclient.Call(context.Background(), "Status", &node.Empty{}, reply); err != nil {
						return err
					}
					fmt.Println(jsonString(reply))
					return nil
				},
			},
			{
				Name:  "graph",
				Usage: "dump a named graph as n-quads",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "uri",
						Aliases:  []string{"u"},
						Usage:    "graph uri",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					reply := new(node.GraphReply)
					if err := xclient.Call(context.Background(), "GetGraph", &node.GraphArgs{URI: c.String("uri")}, reply); err != nil {
						return err
					}
					fmt.Print(reply.NQuads)
					return nil
				},
			},
			{
				Name:  "load",
				Usage: "submit n generated records concurrently",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "n",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "c",
						Value: 8,
						Usage: "concurrent clients",
					},
				},
				Action: func(c *cli.Context) error {
					return runLoad(c.Int("n"), c.Int("c"))
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func jsonString(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "\t")
	return string(b)
}

func submit(file string) error {
	var doc []byte
	var err error
	if file == "" {
		doc, err = ioutil.ReadAll(os.Stdin)
	} else {
		doc, err = ioutil.ReadFile(file)
	}
	if err != nil {
		return err
	}
	reply := new(node.SubmitReply)
	if err := xclient.Call(context.Background(), "Submit", &node.SubmitArgs{NQuads: string(doc)}, reply); err != nil {
		return err
	}
	fmt.Println("index:", reply.Index)
	return nil
}

func queryBlock(hash string, index uint64) error {
	reply := new(node.BlockReply)
	err := xclient.Call(context.Background(), "GetBlock", &node.BlockArgs{Index: index, Hash: hash}, reply)
	if err != nil {
		return err
	}
	fmt.Println(jsonString(reply))
	return nil
}

type submitTask struct {
	i    int
	ok   *int64
	fail *int64
}

func (t *submitTask) Do() {
	doc := fmt.Sprintf("_:r <http://example.org/seq> \"%d\" .\n_:r <http://example.org/at> \"%s\" .\n",
		t.i, time.Now().UTC().Format(time.RFC3339Nano))
	err := xclient.Call(context.Background(), "Submit", &node.SubmitArgs{NQuads: doc}, new(node.SubmitReply))
	if err != nil {
		atomic.AddInt64(t.fail, 1)
		return
	}
	atomic.AddInt64(t.ok, 1)
}

func runLoad(n, conc int) error {
	var ok, fail int64
	pool := utils.NewPool(conc, n)
	pool.Run()
	start := time.Now()
	for i := 0; i < n; i++ {
		pool.Put(&submitTask{i: i, ok: &ok, fail: &fail})
	}
	pool.Stop()
	el := time.Since(start)
	fmt.Printf("submitted %d, failed %d in %s (%.1f blocks/s)\n", ok, fail, el, float64(ok)/el.Seconds())
	return nil
}
