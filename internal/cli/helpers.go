package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
)

// SignalContext wraps a context and captures the signal that cancelled it.
type SignalContext struct {
	context.Context
	Cancel func()
	start  sync.Once
	stop   sync.Once
	sigCh  chan os.Signal
	sigVal os.Signal
	mu     sync.Mutex
}

// NewSignalContext creates a context that is cancelled on SIGINT or SIGTERM.
// It acts as a drop-in replacement for signal.NotifyContext but allows retrieving the signal.
func NewSignalContext(parent context.Context) *SignalContext {
	ctx, cancel := context.WithCancel(parent)
	sc := &SignalContext{
		Context: ctx,
		Cancel:  cancel,
		sigCh:   make(chan os.Signal, 1),
	}

	sc.start.Do(func() {
		signal.Notify(sc.sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sc.sigCh:
				sc.mu.Lock()
				sc.sigVal = sig
				sc.mu.Unlock()
				sc.Cancel()
			case <-sc.Context.Done():
			}
			sc.stop.Do(func() {
				signal.Stop(sc.sigCh)
			})
		}()
	})

	return sc
}

// Signal returns the signal that caused the context to be cancelled, or nil.
func (sc *SignalContext) Signal() os.Signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sigVal
}

// NewLogger builds the application logger from the config.
// Logs go to w (stderr in the CLI) so stdout stays free for replies.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if cfg.LogFormat == "json" {
		return logging.NewJSON(w, cfg.Level())
	}
	return logging.NewText(w, cfg.Level())
}

// createDebugHooks traces every lifecycle event at debug level.
func createDebugHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnSpawn: func(ctx context.Context, e *domain.ProcessEvent) {
			logger.Debug("Process Spawned", "binding", e.Binding.String())
		},
		OnKill: func(ctx context.Context, e *domain.ProcessEvent) {
			logger.Debug("Process Killed", "binding", e.Binding.String())
		},
		OnDeliver: func(ctx context.Context, e *domain.MessageEvent) {
			if e.Err != nil {
				logger.Debug("Message Failed", "binding", e.Binding.String(), "type", e.MessageType, "err", e.Err)
				return
			}
			logger.Debug("Message Delivered", "binding", e.Binding.String(), "type", e.MessageType, "duration", e.Duration)
		},
		OnDrop: func(ctx context.Context, e *domain.MessageEvent) {
			logger.Debug("Message Dropped", "binding", e.Binding.String(), "reason", e.Reason)
		},
		OnPulse: func(ctx context.Context, e *domain.PulseEvent) {
			if e.Dropped {
				logger.Debug("Pulse Refused", "target", e.Target.String(), "rearm", e.Rearm, "reason", e.Reason)
				return
			}
			logger.Debug("Pulse", "target", e.Target.String(), "rearm", e.Rearm)
		},
	}
}

// isInterrupted reports whether err only says the run was cancelled.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

// HandleExecutionError maps interruptions to a clean exit.
func HandleExecutionError(err error) error {
	if err == nil || isInterrupted(err) {
		return nil
	}
	return err
}
