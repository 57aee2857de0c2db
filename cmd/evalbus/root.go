package main

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evalbus/internal/platform/config"
	"evalbus/internal/platform/logger"
	platformmetrics "evalbus/internal/platform/metrics"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "evalbus",
		Short: "Evaluation messaging over a publish/subscribe broker",
		Long: `evalbus publishes verification results to subscribers that negotiate which
output formats they deliver, and runs those subscribers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cobra.OnInitialize(initConfig)

	root.PersistentFlags().StringP("config", "c", "", "config file (default is ./evalbus.yaml)")
	root.PersistentFlags().String("broker", "", "broker kind: memory or kafka")
	root.PersistentFlags().StringSlice("seed-brokers", nil, "kafka seed brokers")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("broker.kind", root.PersistentFlags().Lookup("broker"))
	_ = viper.BindPFlag("kafka.seed_brokers", root.PersistentFlags().Lookup("seed-brokers"))
	_ = viper.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newSubscribeCmd(), newEvaluateCmd(), newTopicsCmd())
	return root
}

func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("evalbus")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/evalbus")
	}

	config.BindEnv(v)
	// A missing config file is fine; defaults and env apply.
	_ = v.ReadInConfig()
}

// runtime is what every command needs before it does anything else.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
}

func loadRuntime() (*runtime, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:      cfg,
		logger:   logger.New(cfg.Logging, os.Stderr),
		registry: platformmetrics.NewRegistry(),
	}, nil
}
