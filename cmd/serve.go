package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ndb/internal/configuration"
	"ndb/internal/logging"
	"ndb/internal/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a ndb node",
	Long: `Start a ndb node. Settings come from the yaml file given with --config,
then from the flags below, which win over the file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// overrides maps serve flags to the configuration they replace.
var overrides = []struct {
	flag  string
	usage string
	apply func(cfg *configuration.Properties, v *viper.Viper, key string)
}{
	{"listen", "address the command and replication services listen on", func(c *configuration.Properties, v *viper.Viper, k string) { c.Server.Listen = v.GetString(k) }},
	{"master", "follow the master at host:port", func(c *configuration.Properties, v *viper.Viper, k string) { c.Repl.Master = v.GetString(k) }},
	{"dbpath", "leveldb directory", func(c *configuration.Properties, v *viper.Viper, k string) { c.LevelDB.DBPath = v.GetString(k) }},
	{"oplog-path", "oplog directory", func(c *configuration.Properties, v *viper.Viper, k string) { c.Oplog.Path = v.GetString(k) }},
	{"metrics-listen", "address of the /metrics and /health endpoint (empty disables it)", func(c *configuration.Properties, v *viper.Viper, k string) { c.Metrics.Listen = v.GetString(k) }},
	{"log-level", "log level (debug, info, warn, error)", func(c *configuration.Properties, v *viper.Viper, k string) { c.App.LogLevel = v.GetString(k) }},
	{"log-file", "log destination: stdout, stderr or a file path", func(c *configuration.Properties, v *viper.Viper, k string) { c.App.LogFile = v.GetString(k) }},
	{"node", "name sent to masters in the replication handshake", func(c *configuration.Properties, v *viper.Viper, k string) { c.App.Node = v.GetString(k) }},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "path to the yaml configuration file")
	for _, o := range overrides {
		serveCmd.Flags().String(o.flag, "", o.usage)
	}
}

func loadServeConfig(cmd *cobra.Command) (*configuration.Properties, error) {
	v := viper.GetViper()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg, err := configuration.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if v.IsSet(o.flag) {
			o.apply(cfg, v, o.flag)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return &node.StartupError{Kind: node.FailureConfig, Err: err}
	}

	logFile, err := logging.Init(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		return &node.StartupError{Kind: node.FailureConfig, Err: err}
	}
	defer logFile.Close()

	slog.Info("Starting ndb...", "version", Version, "profile", cfg.App.Profile)

	ctx := cmd.Context()
	n, err := node.Open(ctx, cfg)
	if err != nil {
		slog.Error("node failed to start", "error", err)
		return err
	}

	runErr := n.Run(ctx)
	if err := n.Close(); err != nil {
		slog.Error("node shutdown", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("shutdown: %w", err)
		}
	}
	slog.Info("Shutting down ndb...")
	return runErr
}
