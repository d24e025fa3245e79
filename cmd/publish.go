package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/eventrelay/internal/config"
	"github.com/telhawk-systems/eventrelay/internal/events"
	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
	"github.com/telhawk-systems/eventrelay/internal/provision"
	"github.com/telhawk-systems/eventrelay/internal/publish"
)

var (
	publishCount       int
	publishConcurrency int
	publishBatchSize   int
	publishInterval    time.Duration
	publishSeed        int64
	publishRetry       bool
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Generate events and publish them to the input topic",
	Long: `Generate synthetic events and publish them to the input topic.

Events are published in batches of --batch-size with at most --concurrency
publishes in flight (0 means unbounded). With --interval, batches are spaced
out for a controlled publish rate.

Examples:
  # Publish 5 events with the default settings
  eventrelay publish

  # Publish 10000 events, 64 at a time
  eventrelay publish --count 10000 --concurrency 64

  # One batch of 10 every second
  eventrelay publish --count 100 --batch-size 10 --interval 1s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyPublishFlags(cmd, cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := openBroker(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		defer broker.Close()

		_, err = runPublish(ctx, cfg, broker, logger, cmd.OutOrStdout())
		return err
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().IntVarP(&publishCount, "count", "c", 0, "number of events to publish")
	publishCmd.Flags().IntVar(&publishConcurrency, "concurrency", 0, "maximum publishes in flight (0 = unbounded, or 10 with --interval)")
	publishCmd.Flags().IntVarP(&publishBatchSize, "batch-size", "b", 0, "events per batch (0 = all in one batch)")
	publishCmd.Flags().DurationVar(&publishInterval, "interval", 0, "delay between batches")
	publishCmd.Flags().Int64Var(&publishSeed, "seed", 0, "generator seed (0 = time based)")
	publishCmd.Flags().BoolVar(&publishRetry, "retry", false, "retry failed publishes once")
}

func applyPublishFlags(cmd *cobra.Command, c *config.Config) {
	if cmd.Flags().Changed("count") {
		c.Publish.Count = publishCount
	}
	if cmd.Flags().Changed("concurrency") {
		c.Publish.Concurrency = publishConcurrency
	}
	if cmd.Flags().Changed("batch-size") {
		c.Publish.BatchSize = publishBatchSize
	}
	if cmd.Flags().Changed("interval") {
		c.Publish.Interval = publishInterval
	}
	if cmd.Flags().Changed("seed") {
		c.Publish.Seed = publishSeed
	}
	if cmd.Flags().Changed("retry") {
		c.Publish.Retry = publishRetry
	}
}

// runPublish ensures the input topic, publishes c.Publish.Count events and
// writes one line per event plus a tally to out.
func runPublish(ctx context.Context, c *config.Config, broker messaging.Broker, log *logging.Logger, out io.Writer) (publish.Summary, error) {
	topic := c.Topology.Topic
	if _, err := provision.New(broker, log).EnsureTopic(ctx, topic); err != nil {
		return publish.Summary{}, err
	}

	pub, err := broker.Publisher(topic)
	if err != nil {
		return publish.Summary{}, fmt.Errorf("failed to open publisher: %w", err)
	}

	gen := events.NewGenerator(c.Publish.Seed)
	coord := publish.NewCoordinator(log)

	batchSize := c.Publish.BatchSize
	if batchSize <= 0 {
		batchSize = c.Publish.Count
	}

	limit := c.Publish.Limit()

	var total publish.Summary
	start := time.Now()
batches:
	for sent := 0; sent < c.Publish.Count; {
		if ctx.Err() != nil {
			log.Info("publish interrupted", logging.Count(sent))
			break
		}

		n := min(batchSize, c.Publish.Count-sent)
		evs := gen.GenerateN(n)

		res := coord.PublishBatch(ctx, pub, evs, limit)
		if c.Publish.Retry {
			res = coord.RetryFailed(ctx, pub, evs, res, limit)
		}

		for _, o := range res.Outcomes {
			if o.Err != nil {
				fmt.Fprintf(out, "event %d: %s: %v\n", sent+o.Index, o.Kind(), o.Err)
				continue
			}
			fmt.Fprintf(out, "event %d: published %s\n", sent+o.Index, o.ID)
		}

		s := res.Summary()
		total.Total += s.Total
		total.Published += s.Published
		total.SerializationFailures += s.SerializationFailures
		total.PublishFailures += s.PublishFailures
		sent += n

		if c.Publish.Interval <= 0 || sent >= c.Publish.Count {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("publish interrupted", logging.Count(sent))
			break batches
		case <-time.After(c.Publish.Interval):
		}
	}

	fmt.Fprintf(out, "published %d/%d events to %s (serialization failures: %d, publish failures: %d)\n",
		total.Published, total.Total, topic, total.SerializationFailures, total.PublishFailures)
	log.Info("publish complete",
		logging.Topic(topic),
		logging.Count(total.Total),
		"published", total.Published,
		logging.Duration(time.Since(start).Milliseconds()),
	)
	return total, nil
}
