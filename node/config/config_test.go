package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddle-net/huddle/peer"
	"github.com/huddle-net/huddle/pkg/log"
)

// Tests the default configuration is valid.
func TestConfig_Default(t *testing.T) {
	conf := Default()
	assert.NoError(t, conf.Validate())
}

func TestConfig_Validate(t *testing.T) {
	t.Run("invalid join member", func(t *testing.T) {
		conf := Default()
		conf.Cluster.Join = []string{"not-a-member"}
		assert.Error(t, conf.Validate())
	})

	t.Run("missing peer bind addr", func(t *testing.T) {
		conf := Default()
		conf.Peer.BindAddr = ""
		assert.Error(t, conf.Validate())
	})

	t.Run("missing gossip interval", func(t *testing.T) {
		conf := Default()
		conf.Gossip.GossipInterval = 0
		assert.Error(t, conf.Validate())
	})
}

// Tests the node configuration flags override the defaults.
func TestConfig_LoadFlags(t *testing.T) {
	args := []string{
		"--cluster.node-name", "node-1",
		"--cluster.join", "node-2@10.26.104.14:8600,node-3@10.26.104.15:8600",
		"--cluster.abort-if-join-fails",
		"--cluster.data-dir", "/var/lib/huddle",
		"--peer.bind-addr", "10.15.104.25:9000",
		"--peer.advertise-addr", "1.2.3.4:9000",
		"--peer.connect-timeout", "7s",
		"--gossip.interval", "500ms",
		"--gossip.fanout", "5",
		"--admin.bind-addr", "10.15.104.25:9001",
		"--log.level", "debug",
		"--log.subsystems", "peer,transport",
		"--grace-period", "20s",
	}

	fs := pflag.NewFlagSet("", pflag.PanicOnError)

	conf := Default()
	conf.RegisterFlags(fs)

	require.NoError(t, fs.Parse(args))

	expected := &Config{
		Cluster: ClusterConfig{
			NodeName: "node-1",
			Join: []string{
				"node-2@10.26.104.14:8600",
				"node-3@10.26.104.15:8600",
			},
			AbortIfJoinFails: true,
		},
		Peer: PeerConfig{
			BindAddr:      "10.15.104.25:9000",
			AdvertiseAddr: "1.2.3.4:9000",
		},
		Gossip: peer.Config{
			GossipInterval: time.Millisecond * 500,
			Fanout:         5,
			ConnectTimeout: time.Second * 7,
			DataDir:        "/var/lib/huddle",
		},
		Admin: AdminConfig{
			BindAddr: "10.15.104.25:9001",
		},
		Log: log.Config{
			Level:      "debug",
			Subsystems: []string{"peer", "transport"},
		},
		GracePeriod: time.Second * 20,
	}
	assert.Equal(t, expected, conf)
	assert.NoError(t, conf.Validate())
}
