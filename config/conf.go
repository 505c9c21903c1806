package config

import (
	"time"

	"rdfchain/db"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

var ErrBadConfig = errors.New("config: invalid")

type Config struct {
	ChainID     string
	PrivateSeed string
	DataPath    string
	DBType      string
	LogPath     string
	LogLevel    string
	ServerPort  int
	RpcPort     int

	// read as the [NetConfig] and [ChainConfig] sections
	*NetConfig   `toml:"NetConfig"`
	*ChainConfig `toml:"ChainConfig"`
}

type NetConfig struct {
	ListenHost      string
	BootPeers       []string
	NameService     string
	ForwardPeers    bool
	Compress        bool
	EnableDHT       bool
	EnableRelay     bool
	SyncIntervalSec int
	PeerTimeoutSec  int
	PeerEvictSec    int
}

type ChainConfig struct {
	AuthorityFile  string
	ClockSkewMs    int64
	CanonMaxRounds int
	CanonMaxSearch int
	CacheSize      int
	MaxReorg       uint64
}

func DefaultConfig() *Config {
	return &Config{
		ChainID:    "rdfchain",
		DataPath:   "data",
		DBType:     db.KindLevelDB,
		LogLevel:   "info",
		ServerPort: 10801,
		RpcPort:    10901,
		NetConfig: &NetConfig{
			NameService:     "rdfchain",
			ForwardPeers:    true,
			SyncIntervalSec: 30,
			PeerTimeoutSec:  10,
			PeerEvictSec:    600,
		},
		ChainConfig: &ChainConfig{
			AuthorityFile:  "authorities.yaml",
			ClockSkewMs:    5000,
			CanonMaxSearch: 4096,
			CacheSize:      256,
		},
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (*Config, error) {
	conf := DefaultConfig()
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, errors.Wrapf(ErrBadConfig, "unknown keys %v", undec)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if c.ChainID == "" {
		return errors.Wrap(ErrBadConfig, "ChainID is empty")
	}
	switch c.DBType {
	case "", db.KindLevelDB, db.KindBolt, db.KindMemory:
	default:
		return errors.Wrapf(ErrBadConfig, "DBType %q", c.DBType)
	}
	if c.DBType != db.KindMemory && c.DataPath == "" {
		return errors.Wrap(ErrBadConfig, "DataPath is empty")
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 || c.RpcPort < 0 || c.RpcPort > 65535 {
		return errors.Wrapf(ErrBadConfig, "ports %d/%d", c.ServerPort, c.RpcPort)
	}
	if c.NetConfig == nil || c.ChainConfig == nil {
		return errors.Wrap(ErrBadConfig, "missing sections")
	}
	if c.SyncIntervalSec <= 0 || c.PeerTimeoutSec <= 0 {
		return errors.Wrapf(ErrBadConfig, "SyncIntervalSec %d, PeerTimeoutSec %d", c.SyncIntervalSec, c.PeerTimeoutSec)
	}
	if c.ClockSkewMs < 0 || c.CanonMaxRounds < 0 || c.CanonMaxSearch < 0 || c.CacheSize < 0 {
		return errors.Wrap(ErrBadConfig, "negative limit")
	}
	if c.AuthorityFile == "" {
		return errors.Wrap(ErrBadConfig, "AuthorityFile is empty")
	}
	return nil
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

func (c *Config) PeerTimeout() time.Duration {
	return time.Duration(c.PeerTimeoutSec) * time.Second
}

func (c *Config) PeerEvict() time.Duration {
	return time.Duration(c.PeerEvictSec) * time.Second
}

func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewMs) * time.Millisecond
}
