package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/aretw0/lattice/pkg/adapters/command"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// ExecOptions tunes Exec.
type ExecOptions struct {
	// KeepGoing continues after a command is rejected by the server.
	KeepGoing bool
	// Prompt is written before each line read from the input.
	Prompt string
}

// Exec runs command lines against a control server over one session.
// With no lines it reads them from in until EOF. Each reply is written to
// out; a failed command prints "error: ..." and, unless KeepGoing is set,
// stops the run.
func Exec(ctx context.Context, dialer ports.CommandDialer, lines []string, in io.Reader, out io.Writer, opts ExecOptions) error {
	return command.WithSession(ctx, dialer, func(s ports.CommandSession) error {
		run := func(line string) error {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				return nil
			}
			reply, err := s.Exec(ctx, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				if opts.KeepGoing && isReplyError(err) {
					return nil
				}
				return err
			}
			if reply == "" {
				reply = "ok"
			}
			fmt.Fprintln(out, reply)
			return nil
		}

		if len(lines) > 0 {
			for _, line := range lines {
				if err := run(line); err != nil {
					return err
				}
			}
			return nil
		}

		scanner := bufio.NewScanner(in)
		for {
			fmt.Fprint(out, opts.Prompt)
			if !scanner.Scan() {
				break
			}
			if err := run(scanner.Text()); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return scanner.Err()
	})
}

// isReplyError reports whether err came from a status line rather than from
// the connection.
func isReplyError(err error) bool {
	var ne net.Error
	switch {
	case !errors.Is(err, domain.ErrCommandFailed):
		return false
	case errors.As(err, &ne), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		return false
	}
	return true
}
