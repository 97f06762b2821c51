// Switchyard - a multi-session browser-automation broker.
// AI clients drive real browsers through installed extensions: the broker
// routes each tool call to the right tab in the right browser, serializes
// contended tabs, and retries transient failures. Extensions dial in over
// a websocket on a pool-allocated port; clients speak MCP over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/switchyard-mcp/switchyard/internal/config"
)

const version = "0.4.2"

func main() {
	root := &cobra.Command{
		Use:     "switchyard",
		Short:   "Broker browser tabs to concurrent AI client sessions",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	config.RegisterFlags(root.Flags())

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the health snapshot of a running broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			port, err := cmd.Flags().GetInt("http-port")
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), port)
		},
	}
	status.Flags().Int("http-port", config.Defaults().HTTPPort, "HTTP port of the running broker")
	root.AddCommand(status)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "switchyard:", err)
		os.Exit(1)
	}
}
