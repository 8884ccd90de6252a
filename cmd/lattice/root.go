package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/aretw0/lattice/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Lattice runs processes bound to the vertices of a graph",
	Long: `Lattice binds actor processes to graph vertices and routes messages between them,
either to one process or to every process matching a query. A clock drives the
logic gates shipped with it.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultFile, "Configuration file (.yaml, .toml or .json)")
}

// loadConfig reads the --config file. A missing default file yields the
// built-in defaults; a missing explicit file is an error.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}
