package main

import (
	"fmt"

	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/pkg/gates"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a configuration file for consistency",
	Long:  `Parses the configuration and reports bad values, dangling graph references and unknown process types.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runValidate(cmd, args); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Config is valid! ✅")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error
	if len(args) > 0 {
		cfg, err = config.Load(args[0])
	} else {
		cfg, err = loadConfig(cmd)
	}
	if err != nil {
		return err
	}

	reg := registry.New()
	gates.RegisterAll(reg)
	return cfg.CheckProcessTypes(reg.Has)
}
