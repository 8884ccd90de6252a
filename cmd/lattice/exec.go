package main

import (
	"context"
	"os"
	"time"

	"github.com/aretw0/lattice/internal/cli"
	"github.com/aretw0/lattice/internal/presentation/tui"
	"github.com/aretw0/lattice/pkg/adapters/command"
	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec [command...]",
	Short: "Send commands to a running lattice",
	Long: `Opens a control session and runs each argument as one command line.
Without arguments, command lines are read from stdin.

  lattice exec 'cvert in1 {"kind":"input"}' 'emit g1 AND {"type":"state","from":"in1","state":1}'
  lattice exec < script.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Control.Addr
		}
		ns, _ := cmd.Flags().GetString("namespace")
		if ns == "" {
			ns = cfg.Namespace
		}
		keepGoing, _ := cmd.Flags().GetBool("keep-going")

		sigCtx := cli.NewSignalContext(context.Background())
		defer sigCtx.Cancel()

		opts := cli.ExecOptions{KeepGoing: keepGoing}
		if len(args) == 0 && tui.IsTerminal(os.Stdin) {
			opts.KeepGoing = true
			opts.Prompt = tui.Prompt(cmd.OutOrStdout(), ns)
		}

		dialer := &command.Dialer{Addr: addr, Namespace: ns, Timeout: 5 * time.Second}
		err = cli.Exec(sigCtx, dialer, args, os.Stdin, cmd.OutOrStdout(), opts)
		return cli.HandleExecutionError(err)
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().String("addr", "", "Control server address (defaults to the config)")
	execCmd.Flags().String("namespace", "", "Namespace to use (defaults to the config)")
	execCmd.Flags().BoolP("keep-going", "k", false, "Continue after a command fails")
}
