package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/huddle-net/huddle/peer"
	"github.com/huddle-net/huddle/pkg/crdt"
	"github.com/huddle-net/huddle/pkg/log"
)

type ClusterConfig struct {
	// NodeName is a unique identifier for this node in the cluster.
	NodeName string `json:"node_name" yaml:"node_name"`

	// Join contains peers to join at startup, in 'name@host:port' form.
	Join []string `json:"join" yaml:"join"`

	AbortIfJoinFails bool `json:"abort_if_join_fails" yaml:"abort_if_join_fails"`
}

func (c *ClusterConfig) Validate() error {
	for _, j := range c.Join {
		if _, err := crdt.ParseMember(j); err != nil {
			return err
		}
	}
	return nil
}

func (c *ClusterConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.NodeName,
		"cluster.node-name",
		c.NodeName,
		`
A unique identifier for the node in the cluster.

By default a random name is generated.`,
	)

	fs.StringSliceVar(
		&c.Join,
		"cluster.join",
		c.Join,
		`
A list of cluster members to join at startup, each in 'name@host:port' form,
where the port is the member's peer listen port.`,
	)

	fs.BoolVar(
		&c.AbortIfJoinFails,
		"cluster.abort-if-join-fails",
		c.AbortIfJoinFails,
		`
Whether the node should abort if it is configured with members to join but
fails to join any one of them.`,
	)
}

type PeerConfig struct {
	// BindAddr is the address to bind to listen for peer sessions.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address advertised to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`
}

func (c *PeerConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	return nil
}

func (c *PeerConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"peer.bind-addr",
		c.BindAddr,
		`
The host/port to listen for inter-node peer sessions.

If the host is unspecified it defaults to all listeners, such as a bind
address ':8600' will listen on '0.0.0.0:8600'.`,
	)

	fs.StringVar(
		&c.AdvertiseAddr,
		"peer.advertise-addr",
		c.AdvertiseAddr,
		`
Peer listen address to advertise to other nodes in the cluster. This is the
address other nodes will use to establish sessions with the node.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':8600') the node's
private IP will be used, such as a bind address of ':8600' may have an
advertise address of '10.26.104.14:8600'.`,
	)
}

type AdminConfig struct {
	// BindAddr is the address to bind to listen for incoming HTTP
	// connections.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`
}

func (c *AdminConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	return nil
}

func (c *AdminConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"admin.bind-addr",
		c.BindAddr,
		`
The host/port to listen for incoming admin connections.`,
	)
}

type Config struct {
	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`
	Peer    PeerConfig    `json:"peer" yaml:"peer"`
	Gossip  peer.Config   `json:"gossip" yaml:"gossip"`
	Admin   AdminConfig   `json:"admin" yaml:"admin"`
	Log     log.Config    `json:"log" yaml:"log"`

	// GracePeriod is the duration to gracefully shutdown the node.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

func Default() *Config {
	return &Config{
		Peer: PeerConfig{
			BindAddr: ":8600",
		},
		Gossip: peer.Config{
			GossipInterval: time.Second,
			Fanout:         3,
			ConnectTimeout: time.Second * 5,
		},
		Admin: AdminConfig{
			BindAddr: ":8601",
		},
		Log: log.Config{
			Level: "info",
		},
		GracePeriod: time.Second * 30,
	}
}

func (c *Config) Validate() error {
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	if err := c.Peer.Validate(); err != nil {
		return fmt.Errorf("peer: %w", err)
	}
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if c.GracePeriod == 0 {
		return fmt.Errorf("missing grace period")
	}

	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.Cluster.RegisterFlags(fs)
	c.Peer.RegisterFlags(fs)
	c.Gossip.RegisterFlags(fs)
	c.Admin.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)

	fs.DurationVar(
		&c.GracePeriod,
		"grace-period",
		c.GracePeriod,
		`
Maximum duration after a shutdown signal is received to gracefully leave the
cluster and stop the servers.`,
	)
}
