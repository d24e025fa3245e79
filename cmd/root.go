package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/eventrelay/internal/config"
	"github.com/telhawk-systems/eventrelay/internal/logging"
)

var (
	cfgFile    string
	brokerKind string
	logLevel   string
	cfg        *config.Config
	logger     *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "eventrelay",
	Short: "Event publishing and transform relay",
	Long: `eventrelay publishes synthetic events to a broker topic and relays them,
transformed, to a second topic.

Every input message is acknowledged only after its transformed event has
been accepted by the broker, so a failed republish is redelivered.`,
	Version:      "0.1.0",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/eventrelay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&brokerKind, "broker", "", "broker kind: nats, kafka, memory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func initConfig(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags override file and environment
	if cmd.Flags().Changed("broker") {
		cfg.Broker.Kind = brokerKind
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger = logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	return nil
}
