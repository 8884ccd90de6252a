package ports

import "context"

// CommandSession is an open request/response session against the control service.
type CommandSession interface {
	// Exec sends one free-text command line and returns the reply body.
	// Error replies are returned as errors wrapping domain.ErrCommandFailed.
	Exec(ctx context.Context, line string) (string, error)

	// Close ends the session. It is safe to call more than once.
	Close() error
}

// CommandDialer opens control sessions.
type CommandDialer interface {
	Dial(ctx context.Context) (CommandSession, error)
}
