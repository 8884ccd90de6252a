// Package gates holds the reference processes: logic gates that evaluate on a
// clock pulse, a passthrough logger, a random signal source and a traversal
// tester.
//
// Every gate addresses its outputs by vertex: a "state" message is sent to
// every process bound to each outgoing "signal" neighbor.
package gates

import (
	"context"
	"fmt"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/process"
	"github.com/aretw0/lattice/pkg/query"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/mitchellh/mapstructure"
)

// Process type tags.
const (
	TagAND       = "AND"
	TagOR        = "OR"
	TagLogger    = "Logger"
	TagRandom    = "Random"
	TagTraversal = "Traversal"
)

// RegisterAll adds every reference process to reg.
func RegisterAll(reg *registry.Registry) {
	reg.Register(TagAND, NewAND)
	reg.Register(TagOR, NewOR)
	reg.Register(TagLogger, NewLogger)
	reg.Register(TagRandom, NewRandom)
	reg.Register(TagTraversal, NewTraversal)
}

// decodeOptions maps raw configuration options onto an options struct.
func decodeOptions(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// upstreams returns the source keys of every edge targeting key, whatever its label.
func upstreams(ctx context.Context, g ports.GraphIndex, key string) ([]string, error) {
	recs, err := g.Query(ctx, query.IncomingEdges(key))
	if err != nil {
		return nil, fmt.Errorf("%w: fan-in of %s: %w", domain.ErrQueryFailure, key, err)
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.String(domain.FieldSource))
	}
	return out, nil
}

// outputs returns the outgoing "signal" neighbors of key.
func outputs(ctx context.Context, g ports.GraphIndex, key string) ([]domain.Vertex, error) {
	vs, err := g.Neighbors(ctx, key, ports.Outgoing, domain.LabelSignal)
	if err != nil {
		return nil, fmt.Errorf("%w: outputs of %s: %w", domain.ErrQueryFailure, key, err)
	}
	return vs, nil
}

// emitState sends a state message from self to every process on each output.
// A failed emission is logged and does not stop the others.
func emitState(ctx context.Context, pc process.Context, outs []domain.Vertex, state func() any) {
	self := pc.Self().Vertex
	for _, v := range outs {
		msg := domain.NewState(self, state())
		if _, err := pc.EmitByQuery(ctx, query.ProcessesOf(v.Key), msg); err != nil {
			pc.Logger().Warn("state emission failed", "to", v.Key, "err", err)
		}
	}
}

func unknown(pc process.Context, msg domain.Message) error {
	return fmt.Errorf("%w: %q at %s", domain.ErrUnknownMessageType, msg.Type(), pc.Self())
}
