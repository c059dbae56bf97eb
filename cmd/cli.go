package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ndb/internal/transport"
)

var cliCmd = &cobra.Command{
	Use:   "cli [flags] COMMAND [ARG...]",
	Short: "Send one command to a ndb node and print the reply",
	Example: `  ndb cli SET greeting hello
  ndb cli --addr 10.0.0.2:5527 INFO
  ndb cli SLAVEOF NO ONE`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCLI,
}

func init() {
	cliCmd.Flags().String("addr", "127.0.0.1:5527", "address of the node")
	cliCmd.Flags().Duration("timeout", 5*time.Second, "how long to wait for the reply")
	cliCmd.Flags().SetInterspersed(false)
}

func runCLI(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	defer cancel()

	c, err := transport.NewClient(ctx, v.GetString("addr"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", v.GetString("addr"), err)
	}
	defer c.Close()

	reply, err := c.Do(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply.String())
	return nil
}
