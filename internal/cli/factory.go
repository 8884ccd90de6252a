package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/pkg/clock"
	"github.com/aretw0/lattice/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// BuildOptions carries what the command line adds on top of the config file.
type BuildOptions struct {
	Logger *slog.Logger
	Hooks  domain.LifecycleHooks
	Debug  bool
}

// Build assembles a Lattice from cfg: it opens the store, seeds the graph,
// creates the declared endpoints and spawns the declared processes.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*lattice.Lattice, error) {
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg, os.Stderr)
	}

	// 1. Logger & Hooks
	hooks := opts.Hooks
	if opts.Debug {
		hooks = hooks.Merge(createDebugHooks(logger))
	}
	latticeOpts := []lattice.Option{
		lattice.WithName(cfg.Namespace),
		lattice.WithLogger(logger),
		lattice.WithLifecycleHooks(hooks),
		lattice.WithLazySpawn(cfg.Runtime.LazySpawn),
		lattice.WithMailboxCapacity(cfg.Runtime.MailboxCapacity),
		lattice.WithClockOptions(clockOptions(cfg)...),
	}

	// 2. Store
	if cfg.Store.Driver == config.DriverRedis {
		client, err := openRedis(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		latticeOpts = append(latticeOpts, lattice.WithRedis(client, cfg.Store.Redis.Prefix))
	}

	// 3. Initialize
	l, err := lattice.New(latticeOpts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing lattice: %w", err)
	}
	if err := populate(ctx, l, cfg); err != nil {
		_ = l.Close(ctx)
		return nil, err
	}
	actors, _ := l.Stats()
	logger.Info("lattice ready", "driver", cfg.Store.Driver, "processes", actors, "endpoints", len(cfg.Endpoints))
	return l, nil
}

func clockOptions(cfg *config.Config) []clock.Option {
	c := cfg.Clock
	opts := []clock.Option{
		clock.WithInterval(c.Interval.Duration),
		clock.WithMaxPulses(c.MaxPulses),
		clock.WithRearmDelay(c.RearmDelay.Duration),
		clock.WithTargets(cfg.ClockTargets()...),
	}
	if c.Rate > 0 {
		opts = append(opts, clock.WithRateLimit(c.Rate, c.Burst))
	}
	return opts
}

func openRedis(ctx context.Context, rc config.RedisConfig) (*backend.Client, error) {
	client := backend.NewClient(&backend.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
	}
	return client, nil
}

func populate(ctx context.Context, l *lattice.Lattice, cfg *config.Config) error {
	if err := cfg.CheckProcessTypes(l.Registry().Has); err != nil {
		return err
	}
	if err := l.Seed(ctx, cfg.Graph.DomainVertices(), cfg.Graph.DomainEdges()); err != nil {
		return err
	}
	for _, name := range cfg.Endpoints {
		if err := l.Endpoints().Create(name); err != nil {
			return fmt.Errorf("endpoint %s: %w", name, err)
		}
	}
	for _, p := range cfg.Processes {
		b := domain.NewBinding(p.Vertex, p.Type)
		if _, err := l.Spawn(ctx, b, p.Options); err != nil {
			return fmt.Errorf("spawn %s: %w", b, err)
		}
	}
	return nil
}
