package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/openfroyo/stackforge/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Translator walks the instance tree in schedule order and collects the
// artifacts a TargetAdapter emits for it.
type Translator struct {
	registry  *Registry
	adjacency *Adjacency
	adapter   TargetAdapter
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

// NewTranslator creates a translator over the instances in registry.
func NewTranslator(registry *Registry, adapter TargetAdapter, logger zerolog.Logger) *Translator {
	return &Translator{
		registry:  registry,
		adjacency: NewAdjacency(registry),
		adapter:   adapter,
		logger:    logger.With().Str("component", "translator").Str("adapter", adapter.Name()).Logger(),
	}
}

// WithMetrics records adapter calls and emitted artifacts in m.
func (t *Translator) WithMetrics(m *telemetry.Metrics) *Translator {
	t.metrics = m
	return t
}

// Translate emits and packs the artifacts of the tree rooted at root.
func (t *Translator) Translate(ctx context.Context, root Component, opts Options) ([]Artifact, error) {
	artifacts, err := t.call(ctx, "translate_deployment", root.Info().Path(), func(ctx context.Context) ([]Artifact, error) {
		return t.adapter.TranslateDeployment(ctx, root, opts)
	})
	if err != nil {
		return nil, err
	}

	var emitted []Artifact
	switch c := root.(type) {
	case *BasicInstance:
		emitted, err = t.translateBasic(ctx, c, opts)
	case *CompositeInstance:
		emitted, err = t.translateComposite(ctx, c, opts)
	default:
		err = errdefs.Newf(errdefs.KindInternal, "unexpected component %T", root)
	}
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, emitted...)

	packed, err := t.call(ctx, "pack_artifacts", root.Info().Path(), func(ctx context.Context) ([]Artifact, error) {
		return t.adapter.PackArtifacts(ctx, artifacts, opts)
	})
	if err != nil {
		return nil, err
	}

	for _, a := range packed {
		t.metrics.RecordArtifact(t.adapter.Name(), a.Type)
	}
	return packed, nil
}

func (t *Translator) translateBasic(ctx context.Context, b *BasicInstance, opts Options) ([]Artifact, error) {
	adjacents, err := t.adjacency.All(b)
	if err != nil {
		return nil, err
	}
	return t.call(ctx, "translate_basic", b.Path(), func(ctx context.Context) ([]Artifact, error) {
		return t.adapter.TranslateBasic(ctx, b, adjacents, opts)
	})
}

func (t *Translator) translateComposite(ctx context.Context, comp *CompositeInstance, opts Options) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	order, err := Schedule(comp)
	if err != nil {
		return nil, err
	}

	var artifacts []Artifact
	for _, node := range order {
		var emitted []Artifact
		switch node.Kind {
		case NodeSubcomponent:
			emitted, err = t.translateChild(ctx, comp.ChildPath(node.Name), opts)
		case NodeConnector:
			conn, ok := comp.Connectors.Get(node.Name)
			if !ok {
				return nil, errdefs.Newf(errdefs.KindInternal, "scheduled connector %q does not exist", node.Name).
					WithPath(comp.Path())
			}
			emitted, err = t.translateConnector(ctx, comp, conn, opts)
		}
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, emitted...)
	}

	return artifacts, nil
}

func (t *Translator) translateChild(ctx context.Context, path string, opts Options) ([]Artifact, error) {
	child, err := t.registry.Lookup(path)
	if err != nil {
		return nil, err
	}
	switch c := child.(type) {
	case *BasicInstance:
		return t.translateBasic(ctx, c, opts)
	case *CompositeInstance:
		return t.translateComposite(ctx, c, opts)
	default:
		return nil, errdefs.Newf(errdefs.KindInternal, "unexpected component %T", child).WithPath(path)
	}
}

// translateConnector emits the implementation of an imported connector
// and, unless that implementation is a composite, the routing artifact
// fronting it. Link connectors emit nothing.
func (t *Translator) translateConnector(ctx context.Context, parent *CompositeInstance, conn *ConnectorInstance, opts Options) ([]Artifact, error) {
	var (
		artifacts []Artifact
		typ       *config.ComponentSpec
	)

	switch conn.Kind {
	case ConnectorLink:
		return nil, nil

	case ConnectorImported:
		impl, err := t.registry.Lookup(parent.ChildPath(conn.Name))
		if err != nil {
			return nil, err
		}
		switch impl := impl.(type) {
		case *BasicInstance:
			emitted, err := t.translateBasic(ctx, withEntrypoint(impl, conn), opts)
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, emitted...)
			typ, _ = parent.Imports.Get(conn.Type)
		case *CompositeInstance:
			return t.translateComposite(ctx, impl, opts)
		default:
			return nil, errdefs.Newf(errdefs.KindInternal, "unexpected component %T", impl)
		}

	case ConnectorNative:

	default:
		return nil, errdefs.Newf(errdefs.KindInternal, "connector %q has unknown kind %q", conn.Name, conn.Kind).
			WithPath(parent.Path())
	}

	adjacents, err := t.adjacency.ConnectorOutputs(parent, conn)
	if err != nil {
		return nil, err
	}
	source, err := t.adjacency.InputSource(parent, conn)
	if err != nil {
		return nil, err
	}

	emitted, err := t.call(ctx, "translate_connector", parent.ChildPath(conn.Name), func(ctx context.Context) ([]Artifact, error) {
		return t.adapter.TranslateConnector(ctx, conn, typ, parent, source, adjacents, opts)
	})
	if err != nil {
		return nil, err
	}
	return append(artifacts, emitted...), nil
}

// withEntrypoint returns a copy of the basic instance implementing conn
// that carries an entrypoint on its first matching "in" endpoint. The
// resolved instance is left untouched.
func withEntrypoint(impl *BasicInstance, conn *ConnectorInstance) *BasicInstance {
	if impl.Entrypoints.Len() > 0 {
		return impl
	}

	mapping := ""
	for _, name := range impl.Endpoints.Keys() {
		ep, _ := impl.Endpoints.Get(name)
		if ep.Direction == DirectionIn && ep.Protocol.Equal(conn.Protocol) {
			mapping = name
			break
		}
	}
	if mapping == "" {
		return impl
	}

	ep := EntrypointSpec{Name: conn.Name, Protocol: conn.Protocol, Mapping: mapping}
	if conn.Entrypoint != nil {
		ep = *conn.Entrypoint
		ep.Mapping = mapping
	}

	cp := *impl
	cp.Entrypoints = config.Map[EntrypointSpec]{}
	cp.Entrypoints.Set(ep.Name, ep)
	return &cp
}

// call runs one adapter method, logging and timing it. Failures are
// reported as AdapterError around the adapter's own error.
func (t *Translator) call(ctx context.Context, op, path string, fn func(context.Context) ([]Artifact, error)) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	span := telemetry.StartOperation(ctx, "adapter."+op,
		telemetry.AttrAdapter.String(t.adapter.Name()),
		telemetry.AttrAdapterOp.String(op),
		telemetry.AttrPath.String(path),
	)
	start := time.Now()
	artifacts, err := fn(span.Ctx)
	t.metrics.RecordAdapterCall(t.adapter.Name(), op, time.Since(start))

	if err != nil {
		t.metrics.RecordAdapterError(t.adapter.Name(), op)
		err = errdefs.Wrap(errdefs.KindAdapterError,
			fmt.Sprintf("%s adapter failed in %s", t.adapter.Name(), op), err).WithPath(path)
		span.End(err)
		return nil, err
	}
	span.End(nil)

	t.logger.Debug().
		Str("op", op).
		Str("path", path).
		Int("artifacts", len(artifacts)).
		Msg("Adapter call completed")
	return artifacts, nil
}
