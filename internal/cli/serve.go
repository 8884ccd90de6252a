package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/pkg/adapters/command"
	latticehttp "github.com/aretw0/lattice/pkg/adapters/http"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the HTTP drain and the runtime close.
const shutdownTimeout = 5 * time.Second

// ServeOptions selects the listeners Serve starts. A nil listener falls
// back to the address in the config; an empty address disables it.
type ServeOptions struct {
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	Control net.Listener
	HTTP    net.Listener

	// NoClock leaves the periodic clock off. Pulses can still be injected.
	NoClock bool
}

// Serve runs the control server, the HTTP admin API and the clock under one
// errgroup until ctx is done or one of them fails, then closes l.
func Serve(ctx context.Context, l *lattice.Lattice, cfg *config.Config, opts ServeOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	control, err := listen(ctx, opts.Control, cfg.Control.Addr)
	if err != nil {
		return err
	}
	api, err := listen(ctx, opts.HTTP, cfg.HTTP.Addr)
	if err != nil {
		if control != nil {
			_ = control.Close()
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if control != nil {
		srv := command.NewServer(l.Graph(), l,
			command.WithLogger(logger),
			command.WithNamespace(cfg.Namespace),
			command.WithPulser(l.Clock()),
			command.WithEndpoints(l.Endpoints()),
		)
		g.Go(func() error {
			return srv.Serve(gctx, control)
		})
	}

	if api != nil {
		handlerOpts := []latticehttp.Option{
			latticehttp.WithLogger(logger),
			latticehttp.WithPulser(l.Clock()),
			latticehttp.WithStreams(l.Endpoints()),
		}
		if opts.Metrics != nil {
			handlerOpts = append(handlerOpts, latticehttp.WithMetrics(opts.Metrics, opts.Gatherer))
		}
		srv := &http.Server{
			Handler:           latticehttp.NewHandler(l.Graph(), l, handlerOpts...),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", "addr", api.Addr().String())
			if err := srv.Serve(api); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if !opts.NoClock {
		g.Go(func() error {
			return l.Run(gctx)
		})
	}

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := l.Close(closeCtx); err != nil {
		logger.Warn("lattice close", "err", err)
	}
	return runErr
}

func listen(ctx context.Context, ln net.Listener, addr string) (net.Listener, error) {
	if ln != nil || addr == "" {
		return ln, nil
	}
	var lc net.ListenConfig
	out, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return out, nil
}
