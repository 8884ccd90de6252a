package gates

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/process"
)

// ANDOptions configure an AND gate.
type ANDOptions struct {
	// RearmTarget is the binding ("vertex/process") pulsed again after each
	// evaluation. Empty disables re-arming.
	RearmTarget string `mapstructure:"rearm_target"`
}

// evaluator folds the recorded inputs into an output value.
type evaluator func(expected []string, inputs process.InputState) int

// gate is the shared shape of AND and OR: record states, evaluate on clock.
type gate struct {
	process.Base
	pc     process.Context
	name   string
	eval   evaluator
	inputs process.InputState
	rearm  domain.Binding
}

// NewAND creates an AND gate. Output is 1 iff every upstream has reported "1"
// since the last evaluation.
func NewAND(pc process.Context) (process.Process, error) {
	var opts ANDOptions
	if err := decodeOptions(pc.Options(), &opts); err != nil {
		return nil, err
	}
	g := newGate(pc, TagAND, evalAND)
	if opts.RearmTarget != "" {
		b, err := domain.ParseBinding(opts.RearmTarget)
		if err != nil {
			return nil, err
		}
		g.rearm = b
	}
	return g, nil
}

// NewOR creates an OR gate. Output is 1 as soon as any upstream reported "1".
func NewOR(pc process.Context) (process.Process, error) {
	if err := decodeOptions(pc.Options(), &struct{}{}); err != nil {
		return nil, err
	}
	return newGate(pc, TagOR, evalOR), nil
}

func newGate(pc process.Context, name string, eval evaluator) *gate {
	return &gate{
		Base:   process.Base{Log: pc.Logger()},
		pc:     pc,
		name:   name,
		eval:   eval,
		inputs: make(process.InputState),
	}
}

func evalAND(expected []string, inputs process.InputState) int {
	high := 0
	for _, key := range expected {
		v, ok := inputs.Lookup(key)
		if !ok {
			// an upstream that has not reported counts as low
			return 0
		}
		if domain.Stringify(v) == "1" {
			high++
		}
	}
	if high < len(expected) {
		return 0
	}
	return 1
}

func evalOR(expected []string, inputs process.InputState) int {
	for _, key := range expected {
		if v, ok := inputs.Lookup(key); ok && domain.Stringify(v) == "1" {
			return 1
		}
	}
	return 0
}

func (g *gate) OnMessage(ctx context.Context, msg domain.Message) error {
	switch msg.Type() {
	case domain.MessageState:
		g.inputs.Record(msg.From(), msg.State())
		return nil
	case domain.MessageClock:
		return g.clock(ctx)
	default:
		return unknown(g.pc, msg)
	}
}

func (g *gate) clock(ctx context.Context) error {
	self := g.pc.Self().Vertex
	expected, err := upstreams(ctx, g.pc.Graph(), self)
	if err != nil {
		return err
	}
	output := g.eval(expected, g.inputs)
	g.pc.Logger().Debug("gate evaluated", "gate", g.name, "inputs", len(expected), "output", output)

	outs, err := outputs(ctx, g.pc.Graph(), self)
	if err != nil {
		g.inputs.Clear()
		return err
	}
	emitState(ctx, g.pc, outs, func() any { return output })
	g.inputs.Clear()

	if !g.rearm.IsZero() {
		if err := g.pc.Rearm(ctx, g.rearm); err != nil {
			g.pc.Logger().Warn("re-arm refused", "target", g.rearm.String(), "err", err)
		}
	}
	return nil
}
