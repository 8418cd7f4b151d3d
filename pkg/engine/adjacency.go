package engine

import (
	"github.com/openfroyo/stackforge/pkg/errdefs"
)

// Adjacency computes which concrete instances an endpoint talks to. Link
// connectors are followed transparently, composites are entered through
// their published "in" endpoints and left through their published "out"
// endpoints.
type Adjacency struct {
	registry *Registry
}

// NewAdjacency creates an adjacency resolver over registry.
func NewAdjacency(registry *Registry) *Adjacency {
	return &Adjacency{registry: registry}
}

// origin is the endpoint a query started from. It is reported on every
// result, whatever boundary the walk crossed.
type origin struct {
	endpoint string
	protocol Protocol
}

type walkKey struct {
	path     string
	endpoint string
}

type walk map[walkKey]bool

func (w walk) enter(path, endpoint string) error {
	key := walkKey{path, endpoint}
	if w[key] {
		return errdefs.Newf(errdefs.KindCyclicReference, "wiring cycle detected at %s.%s", path, endpoint).
			WithPath(path)
	}
	w[key] = true
	return nil
}

func (w walk) leave(path, endpoint string) {
	delete(w, walkKey{path, endpoint})
}

// All returns the peers of every "out" endpoint of b.
func (a *Adjacency) All(b *BasicInstance) ([]Adjacent, error) {
	var result []Adjacent
	for _, name := range b.Endpoints.Keys() {
		ep, _ := b.Endpoints.Get(name)
		if ep.Direction != DirectionOut {
			continue
		}
		peers, err := a.Outbound(b, name)
		if err != nil {
			return nil, err
		}
		result = append(result, peers...)
	}
	return dedup(result), nil
}

// Outbound returns the peers reachable from the "out" endpoint of c. For a
// composite, endpoint is one of its published endpoints.
func (a *Adjacency) Outbound(c Component, endpoint string) ([]Adjacent, error) {
	o := origin{endpoint: endpoint}
	switch comp := c.(type) {
	case *BasicInstance:
		ep, ok := comp.Endpoints.Get(endpoint)
		if !ok {
			return nil, errdefs.Newf(errdefs.KindUnresolvedReference, "no endpoint %q", endpoint).WithPath(comp.Path())
		}
		o.protocol = ep.Protocol
	case *CompositeInstance:
		pe, ok := comp.Endpoints.Get(endpoint)
		if !ok {
			return nil, errdefs.Newf(errdefs.KindUnresolvedReference, "no published endpoint %q", endpoint).WithPath(comp.Path())
		}
		o.protocol = pe.Protocol
	default:
		return nil, errdefs.Newf(errdefs.KindInternal, "unexpected component %T", c)
	}

	result, err := a.outbound(c.Info(), endpoint, o, walk{})
	if err != nil {
		return nil, err
	}
	return dedup(result), nil
}

func (a *Adjacency) outbound(meta *Meta, endpoint string, o origin, w walk) ([]Adjacent, error) {
	path := meta.Path()
	if err := w.enter(path, endpoint); err != nil {
		return nil, err
	}
	defer w.leave(path, endpoint)

	parent := meta.Parent
	if parent == nil {
		return nil, nil
	}

	// The implementation of an imported connector sends to the connector's outputs.
	if conn, ok := parent.Connectors.Get(meta.Name); ok {
		return a.forward(parent, conn, o, w)
	}

	ref := EndpointRef{Subcomponent: meta.Name, Endpoint: endpoint}
	var result []Adjacent
	found := false

	for _, name := range parent.Connectors.Keys() {
		conn, _ := parent.Connectors.Get(name)
		if !conn.HasInput(ref) {
			continue
		}
		found = true
		peers, err := a.through(parent, conn, o, w)
		if err != nil {
			return nil, err
		}
		result = append(result, peers...)
	}
	if found {
		return result, nil
	}

	for _, name := range parent.Endpoints.Keys() {
		pe, _ := parent.Endpoints.Get(name)
		if pe.Direction != DirectionOut || pe.Target != ref {
			continue
		}
		peers, err := a.outbound(&parent.Meta, pe.Name, o, w)
		if err != nil {
			return nil, err
		}
		result = append(result, peers...)
	}
	return result, nil
}

// through returns where traffic entering conn ends up.
func (a *Adjacency) through(parent *CompositeInstance, conn *ConnectorInstance, o origin, w walk) ([]Adjacent, error) {
	switch conn.Kind {
	case ConnectorLink:
		return a.forward(parent, conn, o, w)

	case ConnectorImported:
		impl, err := a.registry.Lookup(parent.ChildPath(conn.Name))
		if err != nil {
			return nil, err
		}
		switch impl := impl.(type) {
		case *BasicInstance:
			return []Adjacent{o.to(AdjacentBasic, parent.Path(), conn.Name)}, nil
		case *CompositeInstance:
			var result []Adjacent
			for _, name := range impl.Endpoints.Keys() {
				pe, _ := impl.Endpoints.Get(name)
				if pe.Direction != DirectionIn || !pe.Protocol.Equal(conn.Protocol) {
					continue
				}
				peers, err := a.enter(impl, name, o, w)
				if err != nil {
					return nil, err
				}
				result = append(result, peers...)
			}
			return result, nil
		default:
			return nil, errdefs.Newf(errdefs.KindInternal, "unexpected component %T", impl)
		}

	case ConnectorNative:
		return []Adjacent{o.to(AdjacentConnector, parent.Path(), conn.Name)}, nil

	default:
		return nil, errdefs.Newf(errdefs.KindInternal, "connector %q has unknown kind %q", conn.Name, conn.Kind).
			WithPath(parent.Path())
	}
}

// forward descends into every output of conn.
func (a *Adjacency) forward(parent *CompositeInstance, conn *ConnectorInstance, o origin, w walk) ([]Adjacent, error) {
	var result []Adjacent
	for _, out := range conn.Outputs {
		peers, err := a.descend(parent, out, o, w)
		if err != nil {
			return nil, err
		}
		result = append(result, peers...)
	}
	return result, nil
}

// descend resolves a subcomponent endpoint of parent to concrete targets.
func (a *Adjacency) descend(parent *CompositeInstance, ref EndpointRef, o origin, w walk) ([]Adjacent, error) {
	child, err := a.registry.Lookup(parent.ChildPath(ref.Subcomponent))
	if err != nil {
		return nil, err
	}

	switch c := child.(type) {
	case *BasicInstance:
		return []Adjacent{o.to(AdjacentBasic, parent.Path(), c.Name)}, nil
	case *CompositeInstance:
		return a.enter(c, ref.Endpoint, o, w)
	default:
		return nil, errdefs.Newf(errdefs.KindInternal, "unexpected component %T", child)
	}
}

// enter follows a published "in" endpoint of comp to its connector.
func (a *Adjacency) enter(comp *CompositeInstance, endpoint string, o origin, w walk) ([]Adjacent, error) {
	path := comp.Path()
	if err := w.enter(path, endpoint); err != nil {
		return nil, err
	}
	defer w.leave(path, endpoint)

	pe, ok := comp.Endpoints.Get(endpoint)
	if !ok || pe.Direction != DirectionIn {
		return nil, errdefs.Newf(errdefs.KindInternal, "no published \"in\" endpoint %q", endpoint).WithPath(path)
	}
	conn, ok := comp.Connectors.Get(pe.Connector)
	if !ok {
		return nil, errdefs.Newf(errdefs.KindInternal, "published endpoint %q maps to missing connector %q",
			endpoint, pe.Connector).WithPath(path)
	}
	return a.through(comp, conn, o, w)
}

// ConnectorOutputs returns the concrete targets of conn's outputs. Each
// result carries the output endpoint it was reached through.
func (a *Adjacency) ConnectorOutputs(parent *CompositeInstance, conn *ConnectorInstance) ([]Adjacent, error) {
	var result []Adjacent
	for _, out := range conn.Outputs {
		peers, err := a.descend(parent, out, origin{endpoint: out.Endpoint, protocol: conn.Protocol}, walk{})
		if err != nil {
			return nil, err
		}
		result = append(result, peers...)
	}
	return dedup(result), nil
}

// InputSource walks up the chain of published "in" endpoints feeding conn.
// It reports the first entrypoint found on the way and the nearest
// non-Link connector at the top of the chain. The walk stops at the
// deployment boundary or at a connector with inputs.
func (a *Adjacency) InputSource(parent *CompositeInstance, conn *ConnectorInstance) (Source, error) {
	var src Source
	w := walk{}
	comp, cur := parent, conn

	for {
		if src.Entrypoint == nil && cur.Entrypoint != nil {
			ep := *cur.Entrypoint
			src.Entrypoint = &ep
		}

		pe, ok := comp.PublishedFor(cur.Name)
		if !ok {
			return src, nil
		}
		if err := w.enter(comp.Path(), pe.Name); err != nil {
			return Source{}, err
		}

		gp := comp.Parent
		if gp == nil {
			return src, nil
		}

		// comp realizes an imported connector of gp.
		if impl, ok := gp.Connectors.Get(comp.Name); ok {
			if len(impl.Inputs) > 0 {
				return src, nil
			}
			comp, cur = gp, impl
			continue
		}

		feeder := feederOf(gp, EndpointRef{Subcomponent: comp.Name, Endpoint: pe.Name})
		if feeder == nil {
			return src, nil
		}
		if feeder.Kind == ConnectorLink {
			if len(feeder.Inputs) > 0 {
				return src, nil
			}
			comp, cur = gp, feeder
			continue
		}

		typ := AdjacentConnector
		if feeder.Kind == ConnectorImported {
			if _, err := a.registry.Basic(gp.ChildPath(feeder.Name)); err == nil {
				typ = AdjacentBasic
			}
		}
		up := origin{endpoint: pe.Name, protocol: pe.Protocol}.to(typ, gp.Path(), feeder.Name)
		src.Upstream = &up
		return src, nil
	}
}

func feederOf(comp *CompositeInstance, ref EndpointRef) *ConnectorInstance {
	for _, name := range comp.Connectors.Keys() {
		conn, _ := comp.Connectors.Get(name)
		if conn.HasOutput(ref) {
			return conn
		}
	}
	return nil
}

func (o origin) to(typ AdjacentType, prefix, name string) Adjacent {
	return Adjacent{
		Endpoint: o.endpoint,
		Protocol: o.protocol,
		Type:     typ,
		Prefix:   prefix,
		Name:     name,
	}
}

func dedup(in []Adjacent) []Adjacent {
	if len(in) < 2 {
		return in
	}
	seen := make(map[Adjacent]bool, len(in))
	out := in[:0:0]
	for _, adj := range in {
		key := adj
		key.Protocol = Protocol{}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, adj)
	}
	return out
}
