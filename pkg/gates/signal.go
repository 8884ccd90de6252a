package gates

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/process"
)

type logger struct {
	process.Base
	pc process.Context
}

// NewLogger creates a passthrough that logs each state and forwards it unchanged.
func NewLogger(pc process.Context) (process.Process, error) {
	if err := decodeOptions(pc.Options(), &struct{}{}); err != nil {
		return nil, err
	}
	return &logger{Base: process.Base{Log: pc.Logger()}, pc: pc}, nil
}

func (l *logger) OnMessage(ctx context.Context, msg domain.Message) error {
	if msg.Type() != domain.MessageState {
		return unknown(l.pc, msg)
	}
	l.pc.Logger().Info("state", "from", msg.From(), "state", domain.Stringify(msg.State()))

	outs, err := outputs(ctx, l.pc.Graph(), l.pc.Self().Vertex)
	if err != nil {
		return err
	}
	state := msg.State()
	emitState(ctx, l.pc, outs, func() any { return state })
	return nil
}

// RandomOptions configure a random generator.
type RandomOptions struct {
	// Seed makes the draws reproducible. Zero seeds from the clock.
	Seed uint64 `mapstructure:"seed"`
}

type random struct {
	process.Base
	pc  process.Context
	rng *rand.Rand
}

// NewRandom creates a generator that, on any message, sends an independent
// random 0 or 1 to each output.
func NewRandom(pc process.Context) (process.Process, error) {
	var opts RandomOptions
	if err := decodeOptions(pc.Options(), &opts); err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return NewRandomWithSource(pc, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), nil
}

// NewRandomWithSource creates a generator drawing from src.
func NewRandomWithSource(pc process.Context, src rand.Source) process.Process {
	return &random{Base: process.Base{Log: pc.Logger()}, pc: pc, rng: rand.New(src)}
}

func (r *random) OnMessage(ctx context.Context, _ domain.Message) error {
	outs, err := outputs(ctx, r.pc.Graph(), r.pc.Self().Vertex)
	if err != nil {
		return err
	}
	emitState(ctx, r.pc, outs, func() any { return r.rng.IntN(2) })
	return nil
}
