package engine

import (
	"context"
	"regexp"
	"slices"

	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/openfroyo/stackforge/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultCardinality = "[1:1]"

var (
	durabilities = []string{string(DurabilityEphemeral), string(DurabilityPermanent)}
	runtimes     = []string{string(RuntimeDocker)}
	directions   = []string{string(DirectionIn), string(DirectionOut)}
	scopes       = []string{string(ScopeLocal), string(ScopeGlobal)}
	resourceKeys = []string{string(ResourceCPU), string(ResourceMemory)}
)

// ImportLoader returns the component spec behind an import. References are
// resolved against base.
type ImportLoader interface {
	Import(ctx context.Context, base string, ref config.ImportRef) (*config.ComponentSpec, error)
}

// ResolveOptions positions an instance in the hierarchy.
type ResolveOptions struct {
	// Prefix is the path of the parent instance.
	Prefix string

	// Parent is the owning composite.
	Parent *CompositeInstance

	// Source is the URL relative model references resolve against. It
	// defaults to the deployment's origin.
	Source string

	// ancestors are the origins of the composites being resolved above
	// this instance.
	ancestors []string
}

// Resolver turns deployments and component specs into registered instances.
type Resolver struct {
	loader   ImportLoader
	registry *Registry
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewResolver creates a resolver that registers instances in registry.
func NewResolver(loader ImportLoader, registry *Registry, logger zerolog.Logger) *Resolver {
	return &Resolver{
		loader:   loader,
		registry: registry,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

// WithMetrics records resolved instances in m.
func (r *Resolver) WithMetrics(m *telemetry.Metrics) *Resolver {
	r.metrics = m
	return r
}

// Resolve resolves model under the overrides of d. Every instance of the
// tree is registered before Resolve returns, and the first failure aborts
// the walk.
func (r *Resolver) Resolve(ctx context.Context, d *config.DeploymentDescriptor, model config.ImportRef, opts ResolveOptions) (Component, error) {
	base := opts.Source
	if base == "" {
		base = d.Origin
	}

	if model.IsReference() && model.URL != "" {
		if err := checkImportCycle(config.ResolveImport(base, model.URL), opts.ancestors); err != nil {
			return nil, err
		}
	}

	spec, err := r.loader.Import(ctx, base, model)
	if err != nil {
		return nil, err
	}

	return r.resolveSpec(ctx, d, spec, opts)
}

func (r *Resolver) resolveSpec(ctx context.Context, d *config.DeploymentDescriptor, spec *config.ComponentSpec, opts ResolveOptions) (Component, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := JoinPath(opts.Prefix, d.Name)

	variables, err := mergeVariables(spec.Variables, d.Variables)
	if err != nil {
		return nil, errdefs.InPath(err, path)
	}

	meta, err := resolveMeta(d, spec, variables, opts)
	if err != nil {
		return nil, errdefs.InPath(err, path)
	}

	var c Component
	switch spec.Type {
	case config.TypeBasic:
		c, err = r.resolveBasic(d, spec, meta)
	case config.TypeComposite:
		c, err = r.resolveComposite(ctx, d, spec, meta, opts)
	default:
		err = errdefs.Newf(errdefs.KindUnknownType, "component %q has unknown type %q", spec.Name, spec.Type).
			WithAttribute("type")
	}
	if err != nil {
		return nil, errdefs.InPath(err, path)
	}

	r.logger.Debug().
		Str("path", path).
		Str("kind", string(c.Kind())).
		Str("type", spec.Name).
		Msg("Resolved instance")
	r.metrics.RecordInstance(string(c.Kind()))

	return c, nil
}

// mergeVariables overlays deployment values on the model defaults and
// expands every template. Overridden keys keep their model position.
func mergeVariables(model, deployment config.Map[string]) (config.Map[string], error) {
	var raw config.Map[string]
	for _, k := range model.Keys() {
		v, _ := model.Get(k)
		raw.Set(k, v)
	}
	for _, k := range deployment.Keys() {
		v, _ := deployment.Get(k)
		raw.Set(k, v)
	}
	return expandVariables(raw)
}

// expandVariables evaluates each variable after the variables it refers
// to, in any declaration order.
func expandVariables(raw config.Map[string]) (config.Map[string], error) {
	const (
		inProgress = 1
		done       = 2
	)

	resolved := make(map[string]string, raw.Len())
	state := make(map[string]int, raw.Len())
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case inProgress:
			start := slices.Index(stack, name)
			return errdefs.Newf(errdefs.KindCyclicReference, "variable cycle detected: %s",
				formatCycle(append(slices.Clone(stack[start:]), name))).
				WithAttribute("variables." + name)
		}

		state[name] = inProgress
		stack = append(stack, name)

		attr := "variables." + name
		value, _ := raw.Get(name)

		deps, err := evaluator.FreeVariables(value)
		if err != nil {
			return withAttribute(err, attr)
		}
		for _, dep := range deps {
			if !raw.Has(dep) {
				return errdefs.Newf(errdefs.KindUnresolvedReference,
					"variable %q references undefined variable %q", name, dep).WithAttribute(attr)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		out, err := ResolveValue(value, ValueOptions{Evaluate: resolved, Attribute: attr})
		if err != nil {
			return err
		}
		resolved[name] = out

		state[name] = done
		stack = stack[:len(stack)-1]
		return nil
	}

	var out config.Map[string]
	for _, k := range raw.Keys() {
		if err := visit(k); err != nil {
			return config.Map[string]{}, err
		}
		out.Set(k, resolved[k])
	}
	return out, nil
}

func resolveMeta(d *config.DeploymentDescriptor, spec *config.ComponentSpec, variables config.Map[string], opts ResolveOptions) (Meta, error) {
	scope := variables.ToMap()

	cardinality, err := ResolveValue(firstNonEmpty(d.Cardinality, spec.Cardinality, defaultCardinality), ValueOptions{
		Required:   true,
		Pattern:    cardinalityPattern,
		Substitute: scope,
		Attribute:  "cardinality",
	})
	if err != nil {
		return Meta{}, err
	}

	labels, err := resolveMap("labels", scope, nil, nil, spec.Labels, d.Labels)
	if err != nil {
		return Meta{}, err
	}

	policies, err := resolveMap("policies", scope, resourceKeys, nil, spec.Policies, d.Policies)
	if err != nil {
		return Meta{}, err
	}

	return Meta{
		Name:        d.Name,
		Type:        spec.Name,
		Description: spec.Description,
		Cardinality: cardinality,
		Labels:      labels,
		Policies:    policies,
		Variables:   variables,
		Prefix:      opts.Prefix,
		Parent:      opts.Parent,
	}, nil
}

func (r *Resolver) resolveBasic(d *config.DeploymentDescriptor, spec *config.ComponentSpec, meta Meta) (*BasicInstance, error) {
	scope := meta.Variables.ToMap()
	b := &BasicInstance{Meta: meta}

	durability, err := ResolveValue(firstNonEmpty(d.Durability, spec.Durability, string(DurabilityEphemeral)), ValueOptions{
		Values:     durabilities,
		IgnoreCase: true,
		Substitute: scope,
		Attribute:  "durability",
	})
	if err != nil {
		return nil, err
	}
	b.Durability = Durability(durability)

	runtime, err := ResolveValue(firstNonEmpty(d.Runtime, spec.Runtime, string(RuntimeDocker)), ValueOptions{
		Values:     runtimes,
		IgnoreCase: true,
		Substitute: scope,
		Attribute:  "runtime",
	})
	if err != nil {
		return nil, err
	}
	b.Runtime = Runtime(runtime)

	if b.Source, err = ResolveValue(firstNonEmpty(d.Source, spec.Source), ValueOptions{
		Substitute: scope,
		Attribute:  "source",
	}); err != nil {
		return nil, err
	}

	if b.Resources, err = resolveMap("resources", scope, resourceKeys, resourcePattern, spec.Resources); err != nil {
		return nil, err
	}
	if b.Events, err = resolveMap("events", scope, nil, nil, spec.Events); err != nil {
		return nil, err
	}
	if b.Volumes, err = resolveVolumes(spec.Volumes, d.Volumes, scope); err != nil {
		return nil, err
	}
	if b.Endpoints, err = resolveEndpoints(spec.Endpoints, scope); err != nil {
		return nil, err
	}

	b.Entrypoints, err = resolveEntrypoints(d, meta.Prefix, scope, func(name string) (Protocol, bool) {
		ep, ok := b.Endpoints.Get(name)
		return ep.Protocol, ok && ep.Direction == DirectionIn
	})
	if err != nil {
		return nil, err
	}

	if err := r.registry.Register(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Resolver) resolveComposite(ctx context.Context, d *config.DeploymentDescriptor, spec *config.ComponentSpec, meta Meta, opts ResolveOptions) (*CompositeInstance, error) {
	comp := &CompositeInstance{Meta: meta}
	if err := r.registry.Register(comp); err != nil {
		return nil, err
	}

	ancestors := slices.Clone(opts.ancestors)
	if spec.Origin != "" {
		ancestors = append(ancestors, spec.Origin)
	}

	imports, err := r.loadImports(ctx, spec, ancestors)
	if err != nil {
		return nil, err
	}
	comp.Imports = imports

	for _, name := range spec.Connectors.Keys() {
		if spec.Subcomponents.Has(name) {
			return nil, errdefs.Newf(errdefs.KindDuplicateName,
				"%q names both a subcomponent and a connector", name).WithAttribute("connectors." + name)
		}
	}

	scope := meta.Variables.ToMap()
	children := make(map[string]Component, spec.Subcomponents.Len())

	for _, name := range spec.Subcomponents.Keys() {
		decl, _ := spec.Subcomponents.Get(name)
		sub, child, err := r.resolveSubcomponent(ctx, comp, name, decl, scope, ancestors)
		if err != nil {
			return nil, err
		}
		comp.Subcomponents.Set(name, sub)
		children[name] = child
	}

	// Entrypoints only need the declared published endpoints, so every
	// connector is built with the entrypoint feeding it. Their errors are
	// reported once the endpoints themselves have been checked.
	var feeds map[string]*EntrypointSpec
	comp.Entrypoints, err = resolveEntrypoints(d, meta.Prefix, scope, func(name string) (Protocol, bool) {
		decl, ok := spec.Endpoints.Get(name)
		if !ok {
			return Protocol{}, false
		}
		dir, proto, err := endpointBasics(name, decl, scope)
		return proto, err == nil && dir == DirectionIn
	})
	entrypointErr := err
	if entrypointErr == nil {
		feeds, entrypointErr = entrypointFeeds(spec, comp.Entrypoints)
	}

	claimed := make(map[EndpointRef]string)
	for _, name := range spec.Connectors.Keys() {
		decl, _ := spec.Connectors.Get(name)
		conn, err := r.resolveConnector(ctx, comp, name, decl, feeds[name], children, claimed, scope, ancestors)
		if err != nil {
			return nil, err
		}
		comp.Connectors.Set(name, conn)
	}

	for _, name := range spec.Endpoints.Keys() {
		decl, _ := spec.Endpoints.Get(name)
		pe, err := resolvePublished(comp, name, decl, children, scope)
		if err != nil {
			return nil, err
		}
		comp.Endpoints.Set(name, pe)
	}

	for _, name := range comp.Connectors.Keys() {
		conn, _ := comp.Connectors.Get(name)
		if len(conn.Inputs) > 0 {
			continue
		}
		if _, fed := comp.PublishedFor(name); !fed {
			return nil, errdefs.Newf(errdefs.KindOrphanConnector,
				"connector %q has no inputs and no published endpoint maps to it", name).
				WithAttribute("connectors." + name + ".inputs")
		}
	}

	if entrypointErr != nil {
		return nil, entrypointErr
	}
	return comp, nil
}

// entrypointFeeds maps connector names to the entrypoint feeding them
// through a published "in" endpoint. A connector is fed by at most one
// entrypoint.
func entrypointFeeds(spec *config.ComponentSpec, entrypoints config.Map[EntrypointSpec]) (map[string]*EntrypointSpec, error) {
	feeds := make(map[string]*EntrypointSpec, entrypoints.Len())
	for _, name := range entrypoints.Keys() {
		ep, _ := entrypoints.Get(name)
		decl, _ := spec.Endpoints.Get(ep.Mapping)
		if decl.Mapping == nil || decl.Mapping.Connector == "" {
			continue
		}
		connector := decl.Mapping.Connector
		if other, taken := feeds[connector]; taken {
			return nil, errdefs.Newf(errdefs.KindDuplicateName,
				"entrypoints %q and %q both feed connector %q", other.Name, name, connector).
				WithAttribute("entrypoints." + name)
		}
		feeds[connector] = &ep
	}
	return feeds, nil
}

// loadImports fetches every import of spec concurrently. All fetches
// finish before the first failure, in declaration order, is returned.
func (r *Resolver) loadImports(ctx context.Context, spec *config.ComponentSpec, ancestors []string) (config.Map[*config.ComponentSpec], error) {
	keys := spec.Imports.Keys()
	specs := make([]*config.ComponentSpec, len(keys))
	errs := make([]error, len(keys))

	var g errgroup.Group
	for i, key := range keys {
		ref, _ := spec.Imports.Get(key)
		g.Go(func() error {
			if ref.IsReference() {
				if err := checkImportCycle(config.ResolveImport(spec.Origin, ref.URL), ancestors); err != nil {
					errs[i] = withAttribute(err, "imports."+key)
					return errs[i]
				}
			}
			imported, err := r.loader.Import(ctx, spec.Origin, ref)
			if err != nil {
				errs[i] = err
				return err
			}
			specs[i] = imported
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, e := range errs {
			if e != nil {
				return config.Map[*config.ComponentSpec]{}, e
			}
		}
		return config.Map[*config.ComponentSpec]{}, err
	}

	var imports config.Map[*config.ComponentSpec]
	for i, key := range keys {
		imports.Set(key, specs[i])
	}

	r.logger.Debug().Str("component", spec.Name).Int("imports", len(keys)).Msg("Loaded imports")
	return imports, nil
}

func checkImportCycle(url string, ancestors []string) error {
	start := slices.Index(ancestors, url)
	if start < 0 {
		return nil
	}
	return errdefs.Newf(errdefs.KindCyclicReference, "import cycle detected: %s",
		formatCycle(append(slices.Clone(ancestors[start:]), url)))
}

func (r *Resolver) resolveSubcomponent(ctx context.Context, comp *CompositeInstance, name string, decl config.SubcomponentDecl, scope map[string]string, ancestors []string) (*SubcomponentInstance, Component, error) {
	attr := "subcomponents." + name

	typeSpec, ok := comp.Imports.Get(decl.Type)
	if !ok {
		return nil, nil, errdefs.Newf(errdefs.KindUnknownType,
			"subcomponent %q has type %q, which is not imported", name, decl.Type).WithAttribute(attr + ".type")
	}

	for _, k := range decl.Volumes.Keys() {
		if !typeSpec.Volumes.Has(k) {
			return nil, nil, errdefs.Newf(errdefs.KindUnresolvedReference,
				"volume %q is not published by type %q", k, decl.Type).WithAttribute(attr + ".volumes." + k)
		}
	}

	own, err := declaredVariables(typeSpec, decl.Variables, scope, attr)
	if err != nil {
		return nil, nil, err
	}

	labels, err := resolveMap(attr+".labels", scope, nil, nil, decl.Labels)
	if err != nil {
		return nil, nil, err
	}
	policies, err := resolveMap(attr+".policies", scope, resourceKeys, nil, decl.Policies)
	if err != nil {
		return nil, nil, err
	}

	sub := &SubcomponentInstance{
		Name:        name,
		Type:        decl.Type,
		Cardinality: decl.Cardinality,
		Variables:   own,
		Labels:      labels,
		Policies:    policies,
		Volumes:     decl.Volumes,
	}

	deployment := config.ForSubcomponent(name, decl, inheritVariables(typeSpec, comp.Variables, own))
	deployment.Labels = labels
	deployment.Policies = policies

	child, err := r.resolveSpec(ctx, deployment, typeSpec, ResolveOptions{
		Prefix:    comp.Path(),
		Parent:    comp,
		Source:    typeSpec.Origin,
		ancestors: ancestors,
	})
	if err != nil {
		return nil, nil, err
	}

	return sub, child, nil
}

func (r *Resolver) resolveConnector(ctx context.Context, comp *CompositeInstance, name string, decl config.ConnectorDecl, entrypoint *EntrypointSpec, children map[string]Component, claimed map[EndpointRef]string, scope map[string]string, ancestors []string) (*ConnectorInstance, error) {
	attr := "connectors." + name

	typeName, err := ResolveValue(decl.Type, ValueOptions{Required: true, Attribute: attr + ".type"})
	if err != nil {
		return nil, err
	}

	conn := &ConnectorInstance{Name: name, Type: typeName, Entrypoint: entrypoint}
	typeSpec, imported := comp.Imports.Get(typeName)
	switch {
	case typeName == LinkType:
		conn.Kind = ConnectorLink
		if len(decl.Inputs) != 1 || len(decl.Outputs) != 1 {
			return nil, errdefs.Newf(errdefs.KindUnsupportedValue,
				"Link connector %q must have exactly one input and one output, got %d and %d",
				name, len(decl.Inputs), len(decl.Outputs)).WithAttribute(attr)
		}
	case imported:
		conn.Kind = ConnectorImported
	default:
		conn.Kind = ConnectorNative
	}

	if conn.Labels, err = resolveMap(attr+".labels", scope, nil, nil, decl.Labels); err != nil {
		return nil, err
	}
	if conn.Policies, err = resolveMap(attr+".policies", scope, resourceKeys, nil, decl.Policies); err != nil {
		return nil, err
	}
	if imported {
		conn.Variables, err = declaredVariables(typeSpec, decl.Variables, scope, attr)
	} else {
		conn.Variables, err = evaluateMap(decl.Variables, scope, attr+".variables")
	}
	if err != nil {
		return nil, err
	}

	if len(decl.Outputs) == 0 {
		return nil, errdefs.Newf(errdefs.KindMissingAttribute, "connector %q has no outputs", name).
			WithAttribute(attr + ".outputs")
	}

	for i, out := range decl.Outputs {
		ref := EndpointRef(out)
		dir, proto, err := childEndpoint(children, ref, attr+".outputs")
		if err != nil {
			return nil, err
		}
		if dir != DirectionIn {
			return nil, errdefs.Newf(errdefs.KindIncompatibleProtocols,
				"connector %q output %s is not an \"in\" endpoint", name, ref).WithAttribute(attr + ".outputs")
		}
		if i == 0 {
			conn.Protocol = proto
		} else if !proto.Equal(conn.Protocol) {
			return nil, errdefs.Newf(errdefs.KindIncompatibleProtocols,
				"connector %q outputs mix protocols %s and %s", name, conn.Protocol, proto).
				WithAttribute(attr + ".outputs")
		}
		conn.Outputs = append(conn.Outputs, ref)
	}

	for _, in := range decl.Inputs {
		ref := EndpointRef(in)
		dir, proto, err := childEndpoint(children, ref, attr+".inputs")
		if err != nil {
			return nil, err
		}
		if dir != DirectionOut {
			return nil, errdefs.Newf(errdefs.KindIncompatibleProtocols,
				"connector %q input %s is not an \"out\" endpoint", name, ref).WithAttribute(attr + ".inputs")
		}
		if !proto.Equal(conn.Protocol) {
			return nil, errdefs.Newf(errdefs.KindIncompatibleProtocols,
				"connector %q input %s is %s but its outputs are %s", name, ref, proto, conn.Protocol).
				WithAttribute(attr + ".inputs")
		}
		if owner, taken := claimed[ref]; taken {
			return nil, errdefs.Newf(errdefs.KindDuplicateName,
				"endpoint %s is an input of both %q and %q", ref, owner, name).WithAttribute(attr + ".inputs")
		}
		claimed[ref] = name
		conn.Inputs = append(conn.Inputs, ref)
	}

	if conn.Kind == ConnectorImported {
		deployment := config.ForConnector(name, decl, inheritVariables(typeSpec, comp.Variables, conn.Variables))
		deployment.Labels = conn.Labels
		deployment.Policies = conn.Policies

		if _, err := r.resolveSpec(ctx, deployment, typeSpec, ResolveOptions{
			Prefix:    comp.Path(),
			Parent:    comp,
			Source:    typeSpec.Origin,
			ancestors: ancestors,
		}); err != nil {
			return nil, err
		}
	}

	return conn, nil
}

// declaredVariables evaluates the variables a subcomponent or connector
// sets on its type, in the scope of the enclosing composite. Every key must
// be published by the type.
func declaredVariables(typeSpec *config.ComponentSpec, values config.Map[string], scope map[string]string, attr string) (config.Map[string], error) {
	for _, k := range values.Keys() {
		if !typeSpec.Variables.Has(k) {
			return config.Map[string]{}, errdefs.Newf(errdefs.KindUnresolvedReference,
				"variable %q is not published by type %q", k, typeSpec.Name).WithAttribute(attr + ".variables." + k)
		}
	}
	return evaluateMap(values, scope, attr+".variables")
}

// inheritVariables returns the deployment variables of a child instance:
// the composite's values for names the child type publishes, overridden
// by the values declared on the child itself.
func inheritVariables(typeSpec *config.ComponentSpec, parent, own config.Map[string]) config.Map[string] {
	var out config.Map[string]
	for _, k := range parent.Keys() {
		if typeSpec.Variables.Has(k) {
			v, _ := parent.Get(k)
			out.Set(k, v)
		}
	}
	for _, k := range own.Keys() {
		v, _ := own.Get(k)
		out.Set(k, v)
	}
	return out
}

func evaluateMap(values config.Map[string], scope map[string]string, attr string) (config.Map[string], error) {
	var out config.Map[string]
	for _, k := range values.Keys() {
		raw, _ := values.Get(k)
		v, err := ResolveValue(raw, ValueOptions{Evaluate: scope, Attribute: attr + "." + k})
		if err != nil {
			return config.Map[string]{}, err
		}
		out.Set(k, v)
	}
	return out, nil
}

// resolveMap merges layers, later layers overriding earlier ones, and
// substitutes scope into every value. keys, when set, restricts the
// allowed keys; pattern, when set, constrains the values.
func resolveMap(attr string, scope map[string]string, keys []string, pattern *regexp.Regexp, layers ...config.Map[string]) (config.Map[string], error) {
	var merged config.Map[string]
	for _, layer := range layers {
		for _, k := range layer.Keys() {
			v, _ := layer.Get(k)
			merged.Set(k, v)
		}
	}

	var out config.Map[string]
	for _, k := range merged.Keys() {
		if keys != nil && !slices.Contains(keys, k) {
			return config.Map[string]{}, errdefs.Newf(errdefs.KindUnsupportedValue,
				"%s key %q must be one of %v", attr, k, keys).WithAttribute(attr + "." + k)
		}
		raw, _ := merged.Get(k)
		v, err := ResolveValue(raw, ValueOptions{
			Pattern:    pattern,
			Substitute: scope,
			Attribute:  attr + "." + k,
		})
		if err != nil {
			return config.Map[string]{}, err
		}
		out.Set(k, v)
	}
	return out, nil
}

func resolveVolumes(declared, overrides config.Map[config.VolumeDecl], scope map[string]string) (config.Map[VolumeSpec], error) {
	for _, k := range overrides.Keys() {
		if !declared.Has(k) {
			return config.Map[VolumeSpec]{}, errdefs.Newf(errdefs.KindUnresolvedReference,
				"volume %q is not declared by the component", k).WithAttribute("volumes." + k)
		}
	}

	var out config.Map[VolumeSpec]
	for _, name := range declared.Keys() {
		decl, _ := declared.Get(name)
		if o, ok := overrides.Get(name); ok {
			decl = mergeVolume(decl, o)
		}

		attr := "volumes." + name
		vol := VolumeSpec{Name: name}
		var err error

		if vol.Type, err = ResolveValue(decl.Type, ValueOptions{Substitute: scope, Attribute: attr + ".type"}); err != nil {
			return config.Map[VolumeSpec]{}, err
		}
		if vol.Path, err = ResolveValue(decl.Path, ValueOptions{Substitute: scope, Attribute: attr + ".path"}); err != nil {
			return config.Map[VolumeSpec]{}, err
		}
		if vol.URL, err = ResolveValue(decl.URL, ValueOptions{Substitute: scope, Attribute: attr + ".url"}); err != nil {
			return config.Map[VolumeSpec]{}, err
		}

		scopeValue, err := ResolveValue(firstNonEmpty(decl.Scope, string(ScopeGlobal)), ValueOptions{
			Values:     scopes,
			IgnoreCase: true,
			Substitute: scope,
			Attribute:  attr + ".scope",
		})
		if err != nil {
			return config.Map[VolumeSpec]{}, err
		}
		vol.Scope = VolumeScope(scopeValue)

		durability, err := ResolveValue(firstNonEmpty(decl.Durability, string(DurabilityPermanent)), ValueOptions{
			Values:     durabilities,
			IgnoreCase: true,
			Substitute: scope,
			Attribute:  attr + ".durability",
		})
		if err != nil {
			return config.Map[VolumeSpec]{}, err
		}
		vol.Durability = Durability(durability)

		out.Set(name, vol)
	}
	return out, nil
}

func mergeVolume(base, override config.VolumeDecl) config.VolumeDecl {
	base.Type = firstNonEmpty(override.Type, base.Type)
	base.Path = firstNonEmpty(override.Path, base.Path)
	base.Scope = firstNonEmpty(override.Scope, base.Scope)
	base.Durability = firstNonEmpty(override.Durability, base.Durability)
	base.URL = firstNonEmpty(override.URL, base.URL)
	return base
}

func resolveEndpoints(decls config.Map[config.EndpointDecl], scope map[string]string) (config.Map[EndpointSpec], error) {
	var out config.Map[EndpointSpec]
	for _, name := range decls.Keys() {
		decl, _ := decls.Get(name)
		dir, proto, err := endpointBasics(name, decl, scope)
		if err != nil {
			return config.Map[EndpointSpec]{}, err
		}
		out.Set(name, EndpointSpec{
			Name:      name,
			Direction: dir,
			Protocol:  proto,
			Required:  decl.Required,
		})
	}
	return out, nil
}

// endpointBasics resolves the direction and protocol of an endpoint.
func endpointBasics(name string, decl config.EndpointDecl, scope map[string]string) (Direction, Protocol, error) {
	dir, err := ResolveValue(decl.Direction, ValueOptions{
		Required:   true,
		Values:     directions,
		IgnoreCase: true,
		Attribute:  "direction",
	})
	if err != nil {
		return "", Protocol{}, withDetail(err, "endpoint", name)
	}

	raw, err := ResolveValue(decl.Protocol, ValueOptions{
		Required:   true,
		Substitute: scope,
		Attribute:  "protocol",
	})
	if err != nil {
		return "", Protocol{}, withDetail(err, "endpoint", name)
	}
	proto, err := ParseProtocol(raw)
	if err != nil {
		return "", Protocol{}, withDetail(err, "endpoint", name)
	}

	return Direction(dir), proto, nil
}

func resolvePublished(comp *CompositeInstance, name string, decl config.EndpointDecl, children map[string]Component, scope map[string]string) (PublishedEndpoint, error) {
	attr := "endpoints." + name

	dir, proto, err := endpointBasics(name, decl, scope)
	if err != nil {
		return PublishedEndpoint{}, err
	}
	pe := PublishedEndpoint{Name: name, Direction: dir, Protocol: proto, Required: decl.Required}

	if decl.Mapping == nil {
		return pe, errdefs.Newf(errdefs.KindMissingAttribute, "published endpoint %q has no mapping", name).
			WithAttribute(attr + ".mapping")
	}

	switch dir {
	case DirectionIn:
		if decl.Mapping.Connector == "" {
			return pe, errdefs.Newf(errdefs.KindUnsupportedValue,
				"published \"in\" endpoint %q must map to a connector", name).WithAttribute(attr + ".mapping")
		}
		conn, ok := comp.Connectors.Get(decl.Mapping.Connector)
		if !ok {
			return pe, errdefs.Newf(errdefs.KindUnresolvedReference,
				"published endpoint %q maps to unknown connector %q", name, decl.Mapping.Connector).
				WithAttribute(attr + ".mapping")
		}
		if !conn.Protocol.Equal(proto) {
			return pe, errdefs.Newf(errdefs.KindIncompatibleProtocols,
				"published endpoint %q is %s but connector %q is %s", name, proto, conn.Name, conn.Protocol).
				WithAttribute(attr + ".protocol")
		}
		pe.Connector = conn.Name

	case DirectionOut:
		if decl.Mapping.Subcomponent == "" {
			return pe, errdefs.Newf(errdefs.KindUnsupportedValue,
				"published \"out\" endpoint %q must map to a subcomponent endpoint", name).WithAttribute(attr + ".mapping")
		}
		ref := EndpointRef{Subcomponent: decl.Mapping.Subcomponent, Endpoint: decl.Mapping.Endpoint}
		targetDir, targetProto, err := childEndpoint(children, ref, attr+".mapping")
		if err != nil {
			return pe, err
		}
		if targetDir != DirectionOut {
			return pe, errdefs.Newf(errdefs.KindIncompatibleProtocols,
				"published \"out\" endpoint %q maps to %s, which is not an \"out\" endpoint", name, ref).
				WithAttribute(attr + ".mapping")
		}
		if !targetProto.Equal(proto) {
			return pe, errdefs.Newf(errdefs.KindIncompatibleProtocols,
				"published endpoint %q is %s but %s is %s", name, proto, ref, targetProto).
				WithAttribute(attr + ".protocol")
		}
		pe.Target = ref
	}

	return pe, nil
}

// childEndpoint looks up the direction and protocol of a subcomponent
// endpoint. Composite subcomponents expose their published endpoints.
func childEndpoint(children map[string]Component, ref EndpointRef, attr string) (Direction, Protocol, error) {
	child, ok := children[ref.Subcomponent]
	if !ok {
		return "", Protocol{}, errdefs.Newf(errdefs.KindUnresolvedReference,
			"unknown subcomponent %q", ref.Subcomponent).WithAttribute(attr)
	}

	switch c := child.(type) {
	case *BasicInstance:
		if ep, ok := c.Endpoints.Get(ref.Endpoint); ok {
			return ep.Direction, ep.Protocol, nil
		}
	case *CompositeInstance:
		if pe, ok := c.Endpoints.Get(ref.Endpoint); ok {
			return pe.Direction, pe.Protocol, nil
		}
	default:
		return "", Protocol{}, errdefs.Newf(errdefs.KindInternal, "unexpected component %T", child)
	}

	return "", Protocol{}, errdefs.Newf(errdefs.KindUnresolvedReference,
		"subcomponent %q has no endpoint %q", ref.Subcomponent, ref.Endpoint).WithAttribute(attr)
}

// resolveEntrypoints resolves the entrypoints of d. lookup returns the
// protocol of a published "in" endpoint. Publishing defaults to true for
// the root instance and to the deployment's publish flag elsewhere.
func resolveEntrypoints(d *config.DeploymentDescriptor, prefix string, scope map[string]string, lookup func(string) (Protocol, bool)) (config.Map[EntrypointSpec], error) {
	defaultPublish := prefix == "" || (d.Publish != nil && *d.Publish)

	var out config.Map[EntrypointSpec]
	for _, name := range d.Entrypoints.Keys() {
		decl, _ := d.Entrypoints.Get(name)
		attr := "entrypoints." + name

		mapping, err := ResolveValue(decl.Mapping, ValueOptions{Required: true, Substitute: scope, Attribute: attr + ".mapping"})
		if err != nil {
			return config.Map[EntrypointSpec]{}, err
		}
		proto, ok := lookup(mapping)
		if !ok {
			return config.Map[EntrypointSpec]{}, errdefs.Newf(errdefs.KindUnresolvedReference,
				"entrypoint %q maps to %q, which is not a published \"in\" endpoint", name, mapping).
				WithAttribute(attr + ".mapping")
		}

		raw, err := ResolveValue(decl.Protocol, ValueOptions{Substitute: scope, Attribute: attr + ".protocol"})
		if err != nil {
			return config.Map[EntrypointSpec]{}, err
		}
		if raw != "" {
			if proto, err = ParseProtocol(raw); err != nil {
				return config.Map[EntrypointSpec]{}, withAttribute(err, attr+".protocol")
			}
		}

		path, err := ResolveValue(decl.Path, ValueOptions{Substitute: scope, Attribute: attr + ".path"})
		if err != nil {
			return config.Map[EntrypointSpec]{}, err
		}

		publish := defaultPublish
		if decl.Publish != nil {
			publish = *decl.Publish
		}

		out.Set(name, EntrypointSpec{
			Name:     name,
			Path:     path,
			Protocol: proto,
			Mapping:  mapping,
			Publish:  publish,
		})
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func withAttribute(err error, attribute string) error {
	if e, ok := err.(*errdefs.Error); ok {
		e.Attribute = attribute
	}
	return err
}

func withDetail(err error, key string, value interface{}) error {
	if e, ok := err.(*errdefs.Error); ok {
		e.WithDetail(key, value)
	}
	return err
}
