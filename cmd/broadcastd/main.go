package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	config  string
	envFile string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "broadcastd",
		Short: "Templated message broadcast delivery service",
		Long: `broadcastd queues broadcast jobs and delivers templated messages to every
recipient through the messaging provider, honouring per-project rate limits.

Examples:
  broadcastd serve --config /etc/broadcastd/config.yaml
  broadcastd worker --topic promo --worker-id node-2
  broadcastd migrate
  broadcastd enqueue --file job.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.config, "config", "./config.yaml", "path to the YAML or JSON config file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the config (missing is fine)")

	root.AddCommand(
		newServeCmd(g),
		newWorkerCmd(g),
		newMigrateCmd(g),
		newSweepCmd(g),
		newEnqueueCmd(g),
	)
	return root
}
