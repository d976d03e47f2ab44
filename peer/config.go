package peer

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// GossipInterval is the period between gossip rounds. The timer is
	// rescheduled after each round completes so rounds never overlap.
	GossipInterval time.Duration `json:"gossip_interval" yaml:"gossip_interval"`

	// Fanout is the number of peers the local membership is pushed to each
	// gossip round.
	Fanout int `json:"fanout" yaml:"fanout"`

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// DataDir is the root directory for persisted state. If empty,
	// persistence is disabled.
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

func (c *Config) Validate() error {
	if c.GossipInterval == 0 {
		return fmt.Errorf("missing gossip interval")
	}
	if c.Fanout <= 0 {
		return fmt.Errorf("missing fanout")
	}
	if c.ConnectTimeout == 0 {
		return fmt.Errorf("missing connect timeout")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(
		&c.GossipInterval,
		"gossip.interval",
		c.GossipInterval,
		`
The interval to initiate rounds of gossip.

Each gossip round pushes the local membership to up to 'gossip.fanout'
randomly selected peers.`,
	)

	fs.IntVar(
		&c.Fanout,
		"gossip.fanout",
		c.Fanout,
		`
The number of peers to push the local membership to each gossip round.

If fewer peers are known than the fanout, the membership is pushed to all of
them.`,
	)

	fs.DurationVar(
		&c.ConnectTimeout,
		"peer.connect-timeout",
		c.ConnectTimeout,
		`
Timeout for each attempt to establish a connection to a peer.`,
	)

	fs.StringVar(
		&c.DataDir,
		"cluster.data-dir",
		c.DataDir,
		`
Directory to persist the cluster membership state.

If unset the membership is not persisted and the node starts with a view
containing only itself after a restart.`,
	)
}
