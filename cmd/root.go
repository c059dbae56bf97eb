package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ndb/internal/configuration"
)

const Version = "0.4.0"

var rootCmd = &cobra.Command{
	Use:   "ndb",
	Short: "persistent, replicated key-value server",
	Long: `ndb (v` + Version + `)

A key-value server that keeps its data in LevelDB, records every mutation in a
segmented operation log and streams that log to replicas.

Flags can also be given as environment variables: NDB_<FLAG> with dashes
replaced by underscores (e.g. NDB_LOG_LEVEL=debug).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cliCmd)
}

// initConfig loads .env files and lets NDB_* variables stand in for flags.
func initConfig() {
	configuration.LoadEnvFiles()

	viper.SetEnvPrefix("ndb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
