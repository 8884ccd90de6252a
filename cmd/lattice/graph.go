package main

import (
	"fmt"
	"time"

	"github.com/aretw0/lattice/internal/cli"
	"github.com/aretw0/lattice/pkg/adapters/command"
	"github.com/spf13/cobra"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Export the graph visualization",
	Long: `Outputs a Mermaid diagram (graph LR) of the vertices, edges and bound processes.
By default the topology declared in the configuration file is drawn; with --live
it is read from a running lattice over its control server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		highlight, _ := cmd.Flags().GetStringSlice("highlight")

		topo := cli.ConfigTopology(cfg)
		if live, _ := cmd.Flags().GetBool("live"); live {
			dialer := &command.Dialer{Addr: cfg.Control.Addr, Namespace: cfg.Namespace, Timeout: 5 * time.Second}
			if topo, err = cli.LiveTopology(cmd.Context(), dialer); err != nil {
				return fmt.Errorf("error inspecting graph: %w", err)
			}
		}

		fmt.Fprint(cmd.OutOrStdout(), topo.Mermaid(highlight...))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().Bool("live", false, "Read the topology from the running lattice")
	graphCmd.Flags().StringSlice("highlight", nil, "Vertices to highlight")
}
