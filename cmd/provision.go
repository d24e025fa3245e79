package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/eventrelay/internal/provision"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the topics and subscription if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		broker, err := openBroker(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		defer broker.Close()

		topo := relayTopology(cfg)
		if err := provision.New(broker, logger).EnsureTopology(cmd.Context(), topo); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, t := range topo.Topics {
			fmt.Fprintf(out, "topic %s ready\n", t)
		}
		for _, s := range topo.Subscriptions {
			fmt.Fprintf(out, "subscription %s ready (topic %s)\n", s.Name, s.Topic)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
