package main

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start only the HTTP admin API",
	Long: `Starts the lattice with the HTTP API as its only surface. The control server
and the periodic clock stay off; pulses can still be sent with POST /pulse.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		if cmd.Flags().Changed("addr") || cfg.HTTP.Addr == "" {
			cfg.HTTP.Addr = addr
		}
		cfg.Control.Addr = ""
		return serve(cfg, false, true)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("addr", "a", ":8080", "Address to listen on")
}
