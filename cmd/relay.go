package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/eventrelay/internal/config"
	"github.com/telhawk-systems/eventrelay/internal/deadletter"
	"github.com/telhawk-systems/eventrelay/internal/dedup"
	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
	"github.com/telhawk-systems/eventrelay/internal/provision"
	"github.com/telhawk-systems/eventrelay/internal/publish"
	"github.com/telhawk-systems/eventrelay/internal/relay"
	"github.com/telhawk-systems/eventrelay/internal/server"
)

var (
	relayMaxInFlight int
	relayMetricsAddr string
	relayDedup       bool
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Transform events from the subscription and republish them",
	Long: `Consume events from the subscription, transform each one and publish the
result to the transformed topic. A message is acknowledged only after its
transformed event was published.

The relay stops on SIGINT or SIGTERM once in-flight messages are finished.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("max-in-flight") {
			cfg.Relay.MaxInFlight = relayMaxInFlight
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Server.MetricsAddr = relayMetricsAddr
		}
		if cmd.Flags().Changed("dedup") {
			cfg.Redis.DedupEnabled = relayDedup
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := openBroker(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		defer broker.Close()

		store, closeStore, err := openDedup(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		// The metrics server stops when the relay does.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		if cfg.Server.MetricsAddr != "" {
			g.Go(func() error {
				handler := server.NewRouter(server.NewHandlers(broker, cfg.Topology.Topic))
				return server.Serve(gctx, cfg.Server.MetricsAddr, handler, logger)
			})
		}
		g.Go(func() error {
			defer cancel()
			return runRelay(gctx, cfg, broker, store, logger)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().IntVar(&relayMaxInFlight, "max-in-flight", 0, "messages processed concurrently")
	relayCmd.Flags().StringVar(&relayMetricsAddr, "metrics-addr", "", "serve /healthz, /readyz and /metrics on this address")
	relayCmd.Flags().BoolVar(&relayDedup, "dedup", false, "skip republishing redelivered messages (requires redis)")
}

func openDedup(ctx context.Context, c *config.Config) (dedup.Store, func(), error) {
	if !c.Redis.DedupEnabled {
		return nil, func() {}, nil
	}

	client, err := dedup.Connect(c.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	store := dedup.NewRedisStore(client, c.Redis.DedupTTL, true)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return store, func() { _ = client.Close() }, nil
}

// runRelay provisions the relay topology and runs the loop until ctx is
// cancelled or the subscription ends.
func runRelay(ctx context.Context, c *config.Config, broker messaging.Broker, store dedup.Store, log *logging.Logger) error {
	if err := provision.New(broker, log).EnsureTopology(ctx, relayTopology(c)); err != nil {
		return err
	}

	output, err := broker.Publisher(c.Topology.TransformedTopic)
	if err != nil {
		return fmt.Errorf("failed to open publisher: %w", err)
	}

	var dlq *deadletter.Writer
	if c.Topology.DeadLetterTopic != "" {
		dlPub, err := broker.Publisher(c.Topology.DeadLetterTopic)
		if err != nil {
			return fmt.Errorf("failed to open dead letter publisher: %w", err)
		}
		dlq = deadletter.NewWriter(dlPub, log)
	}

	sub, err := broker.Subscribe(ctx, c.Topology.Subscription, c.Topology.Topic, subscribeOptions(c)...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	loop := &relay.Loop{
		Subscriber:       sub,
		Output:           output,
		Coordinator:      publish.NewCoordinator(log),
		Dedup:            store,
		DeadLetter:       dlq,
		MaxInFlight:      c.Relay.MaxInFlight,
		MaxReceiveErrors: c.Relay.MaxReceiveErrors,
		Logger:           log,
	}
	return loop.Run(ctx)
}
