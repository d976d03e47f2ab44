package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-sockaddr"
	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/huddle-net/huddle/node/config"
	"github.com/huddle-net/huddle/peer"
	peertransport "github.com/huddle-net/huddle/peer/transport"
	"github.com/huddle-net/huddle/pkg/backoff"
	pkgconfig "github.com/huddle-net/huddle/pkg/config"
	"github.com/huddle-net/huddle/pkg/crdt"
	"github.com/huddle-net/huddle/pkg/log"
	"github.com/huddle-net/huddle/server/admin"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "start a cluster node",
		Long: `Start a cluster node.

The node maintains an eventually consistent view of the cluster membership
and gossips it to the other known nodes.

Examples:
  # Start a node.
  huddle node

  # Start a node, listening for peer sessions on :9000 and admin connections
  # on :9001.
  huddle node --peer.bind-addr :9000 --admin.bind-addr :9001

  # Start a node and join an existing cluster.
  huddle node --cluster.join node-1@10.26.104.14:8600

  # Start a node with persistence enabled.
  huddle node --cluster.data-dir /var/lib/huddle
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	var configExpandEnv bool
	cmd.Flags().BoolVar(
		&configExpandEnv,
		"config.expand-env",
		false,
		`
Whether to expand environment variables in the config file.

This will replace references to ${VAR} or $VAR with the corresponding
environment variable. The replacement is case-sensitive.

References to undefined variables will be replaced with an empty string. A
default value can be given using form ${VAR:default}.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := pkgconfig.Load(configPath, conf, configExpandEnv); err != nil {
				fmt.Printf("load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.Cluster.NodeName == "" {
			conf.Cluster.NodeName = generateNodeName()
		}

		if conf.Peer.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Peer.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Peer.AdvertiseAddr = advertiseAddr
		}

		if err := run(conf, logger); err != nil {
			logger.Error("failed to run node", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, logger log.Logger) error {
	logger.Info("starting huddle node", zap.Any("conf", conf))

	registry := prometheus.NewRegistry()

	self, err := selfMember(conf)
	if err != nil {
		return err
	}

	transport := peertransport.NewTransport(self, logger)
	manager := peer.NewManager(
		self,
		conf.Gossip,
		transport,
		newLoggingWatcher(logger),
		logger,
	)
	manager.Metrics().Register(registry)

	peerLn, err := net.Listen("tcp", conf.Peer.BindAddr)
	if err != nil {
		return fmt.Errorf("peer listen: %s: %w", conf.Peer.BindAddr, err)
	}
	peerServer := peertransport.NewServer(self, manager, logger)

	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		return fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
	}
	adminServer := admin.NewServer(registry, logger)
	adminServer.AddStatus("/peer", peer.NewStatus(manager))

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)

			// Leave as soon as we receive the shutdown signal so the
			// removal is gossiped before the servers stop.
			if err := manager.Leave(); err != nil {
				logger.Warn("failed to gracefully leave cluster", zap.Error(err))
			} else {
				logger.Info("left cluster")
			}

			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// Peer server.
	group.Add(func() error {
		if err := peerServer.Serve(peerLn); err != nil {
			return fmt.Errorf("peer server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), conf.GracePeriod,
		)
		defer cancel()

		if err := peerServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown peer server", zap.Error(err))
		}
		_ = manager.Close()
	})

	// Admin server.
	group.Add(func() error {
		if err := adminServer.Serve(adminLn); err != nil {
			return fmt.Errorf("admin server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), conf.GracePeriod,
		)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown admin server", zap.Error(err))
		}
	})

	// Join the configured cluster members. The gossip loop keeps retrying
	// pending members, so a failed join only aborts the node if configured
	// to.
	if len(conf.Cluster.Join) > 0 {
		if err := joinCluster(conf, manager, logger); err != nil {
			if conf.Cluster.AbortIfJoinFails {
				return err
			}
			logger.Warn("failed to join cluster", zap.Error(err))
		}
	}

	if err := group.Run(); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func selfMember(conf *config.Config) (crdt.Member, error) {
	host, portStr, err := net.SplitHostPort(conf.Peer.AdvertiseAddr)
	if err != nil {
		return crdt.Member{}, fmt.Errorf(
			"invalid peer advertise addr: %s: %w", conf.Peer.AdvertiseAddr, err,
		)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return crdt.Member{}, fmt.Errorf(
			"invalid peer advertise addr: %s: invalid port: %s",
			conf.Peer.AdvertiseAddr, portStr,
		)
	}
	return crdt.Member{
		Name: conf.Cluster.NodeName,
		Addr: host,
		Port: port,
	}, nil
}

// joinCluster joins each configured member concurrently, retrying each a
// few times with backoff. A member has been joined once it appears in the
// local membership view.
func joinCluster(conf *config.Config, manager *peer.Manager, logger log.Logger) error {
	g, ctx := errgroup.WithContext(context.Background())
	for _, j := range conf.Cluster.Join {
		// Already verified format in Config.Validate.
		member, _ := crdt.ParseMember(j)
		g.Go(func() error {
			return joinMember(ctx, manager, member, logger)
		})
	}
	return g.Wait()
}

func joinMember(
	ctx context.Context,
	manager *peer.Manager,
	member crdt.Member,
	logger log.Logger,
) error {
	b := backoff.New(3, time.Second, time.Second*10)
	var lastErr error
	for {
		if !b.Wait(ctx) {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return fmt.Errorf("join: %s: %w", member.Name, lastErr)
		}

		if err := manager.Join(member); err != nil {
			return fmt.Errorf("join: %s: %w", member.Name, err)
		}

		joined := false
		for _, name := range manager.Members() {
			if name == member.Name {
				joined = true
				break
			}
		}
		if joined {
			logger.Info("joined member", zap.String("member", member.Name))
			return nil
		}

		lastErr = fmt.Errorf("member unreachable")
		logger.Warn(
			"failed to join member; retrying",
			zap.String("member", member.Name),
		)
	}
}

func generateNodeName() string {
	return "huddle-" + uuid.NewString()[:8]
}

// advertiseAddrFromBindAddr attempts to get the advertise address from the
// bind address, using the node's private IP when the bind address doesn't
// include an IP.
func advertiseAddrFromBindAddr(bindAddr string) (string, error) {
	if bindAddr[0] == ':' {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" || host == "::" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found; configure 'peer.advertise-addr'")
		}
		return ip + ":" + port, nil
	}

	return bindAddr, nil
}

// loggingWatcher logs membership changes. The persistent event bus
// subscribes at this edge when one is configured.
type loggingWatcher struct {
	logger log.Logger
}

func newLoggingWatcher(logger log.Logger) peer.Watcher {
	return &loggingWatcher{
		logger: logger.WithSubsystem("membership"),
	}
}

func (w *loggingWatcher) OnMembershipChange(members []crdt.Member) {
	names := make([]string, 0, len(members))
	for _, member := range members {
		names = append(names, member.Name)
	}
	w.logger.Info("membership changed", zap.Strings("members", names))
}
