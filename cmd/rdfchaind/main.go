// rdfchaind runs one rdfchain peer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rdfchain/config"
	"rdfchain/log"
	"rdfchain/node"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "rdfchaind",
		Usage: "rdf graph blockchain node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "rdfchain.toml",
				Usage:   "config path",
			},
			&cli.StringSliceFlag{
				Name:    "peer",
				Aliases: []string{"p"},
				Usage:   "boot peer multiaddr, overrides the config",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "p2p listen port, overrides the config",
			},
			&cli.IntFlag{
				Name:  "rpcport",
				Usage: "rpc listen port, overrides the config",
			},
			&cli.StringFlag{
				Name:  "datadir",
				Usage: "data path, overrides the config",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rdfchaind:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("peer") {
		conf.BootPeers = c.StringSlice("peer")
	}
	if c.IsSet("port") {
		conf.ServerPort = c.Int("port")
	}
	if c.IsSet("rpcport") {
		conf.RpcPort = c.Int("rpcport")
	}
	if c.IsSet("datadir") {
		conf.DataPath = c.String("datadir")
	}

	log.Init(conf.LogPath, conf.LogLevel)
	defer log.Sync()
	mlog := log.New("main")
	mlog.Infow("rdfchaind start", "network", conf.ChainID, "db", conf.DBType, "data", conf.DataPath)

	n, err := node.New(conf)
	if err != nil {
		return err
	}
	defer n.Close()
	for _, a := range n.Net().P2PAddrs() {
		mlog.Infow("listening", "addr", a)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Run(ctx); err != nil {
		return err
	}
	mlog.Infow("rdfchaind stopped")
	return nil
}
