package engine

import (
	"github.com/openfroyo/stackforge/pkg/config"
)

// Durability states whether a basic component's state survives restarts.
type Durability string

const (
	// DurabilityEphemeral state is lost when the instance is replaced.
	DurabilityEphemeral Durability = "ephemeral"

	// DurabilityPermanent state outlives the instance.
	DurabilityPermanent Durability = "permanent"
)

// Runtime is the execution environment of a basic component.
type Runtime string

// RuntimeDocker runs the component as a container image.
const RuntimeDocker Runtime = "docker"

// ResourceKey names a resource or policy dimension.
type ResourceKey string

const (
	// ResourceCPU is the cpu dimension.
	ResourceCPU ResourceKey = "cpu"

	// ResourceMemory is the memory dimension.
	ResourceMemory ResourceKey = "memory"
)

// Direction is the traffic direction of an endpoint.
type Direction string

const (
	// DirectionIn accepts traffic.
	DirectionIn Direction = "in"

	// DirectionOut originates traffic.
	DirectionOut Direction = "out"
)

// VolumeScope controls whether a volume is shared across replicas.
type VolumeScope string

const (
	// ScopeLocal volumes belong to one replica.
	ScopeLocal VolumeScope = "local"

	// ScopeGlobal volumes are shared by all replicas.
	ScopeGlobal VolumeScope = "global"
)

// ComponentKind discriminates the two component instance types.
type ComponentKind string

const (
	// ComponentBasic is a *BasicInstance.
	ComponentBasic ComponentKind = "basic"

	// ComponentComposite is a *CompositeInstance.
	ComponentComposite ComponentKind = "composite"
)

// ConnectorKind classifies how a connector is realized.
type ConnectorKind string

const (
	// ConnectorLink is a transparent one-to-one pass-through. It never
	// appears in adjacency results and emits no artifacts.
	ConnectorLink ConnectorKind = "link"

	// ConnectorImported is backed by an imported basic or composite type
	// that is resolved as an instance of its own.
	ConnectorImported ConnectorKind = "imported"

	// ConnectorNative names a routing primitive the target adapter provides.
	ConnectorNative ConnectorKind = "native"
)

// LinkType is the connector type name of a Link connector.
const LinkType = "Link"

// EndpointSpec is a resolved endpoint of a basic component.
type EndpointSpec struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Protocol  Protocol  `json:"protocol"`
	Required  bool      `json:"required,omitempty"`
}

// VolumeSpec is a resolved volume of a basic component.
type VolumeSpec struct {
	Name       string      `json:"name"`
	Type       string      `json:"type,omitempty"`
	Path       string      `json:"path,omitempty"`
	Scope      VolumeScope `json:"scope"`
	Durability Durability  `json:"durability"`
	URL        string      `json:"url,omitempty"`
}

// EntrypointSpec exposes a published "in" endpoint outside its composite.
type EntrypointSpec struct {
	// Name is the entrypoint name.
	Name string `json:"name"`

	// Path is the external path prefix, if any.
	Path string `json:"path,omitempty"`

	// Protocol is the external protocol.
	Protocol Protocol `json:"protocol"`

	// Mapping is the published "in" endpoint the entrypoint feeds.
	Mapping string `json:"mapping"`

	// Publish makes the entrypoint reachable from outside the deployment.
	Publish bool `json:"publish"`
}

// EndpointRef names an endpoint of a subcomponent in the same composite.
type EndpointRef struct {
	Subcomponent string `json:"subcomponent"`
	Endpoint     string `json:"endpoint"`
}

// String returns "subcomponent.endpoint".
func (r EndpointRef) String() string {
	return r.Subcomponent + "." + r.Endpoint
}

// SubcomponentInstance is a resolved subcomponent declaration. The instance
// it declares is registered under the composite's path.
type SubcomponentInstance struct {
	Name        string                        `json:"name"`
	Type        string                        `json:"type"`
	Cardinality string                        `json:"cardinality,omitempty"`
	Variables   config.Map[string]            `json:"variables,omitempty"`
	Labels      config.Map[string]            `json:"labels,omitempty"`
	Policies    config.Map[string]            `json:"policies,omitempty"`
	Volumes     config.Map[config.VolumeDecl] `json:"volumes,omitempty"`
}

// ConnectorInstance is a resolved connector.
type ConnectorInstance struct {
	// Name is unique among the composite's subcomponents and connectors.
	Name string `json:"name"`

	// Type is "Link", an import key or a native connector name.
	Type string `json:"type"`

	// Kind classifies Type.
	Kind ConnectorKind `json:"kind"`

	Labels    config.Map[string] `json:"labels,omitempty"`
	Policies  config.Map[string] `json:"policies,omitempty"`
	Variables config.Map[string] `json:"variables,omitempty"`

	// Inputs are "out" endpoints of sibling subcomponents.
	Inputs []EndpointRef `json:"inputs,omitempty"`

	// Outputs are "in" endpoints of sibling subcomponents.
	Outputs []EndpointRef `json:"outputs"`

	// Protocol is shared by every input and output.
	Protocol Protocol `json:"protocol"`

	// Entrypoint is set when a deployment entrypoint feeds this connector.
	Entrypoint *EntrypointSpec `json:"entrypoint,omitempty"`
}

// HasInput reports whether ref is one of the connector's inputs.
func (c *ConnectorInstance) HasInput(ref EndpointRef) bool {
	for _, in := range c.Inputs {
		if in == ref {
			return true
		}
	}
	return false
}

// HasOutput reports whether ref is one of the connector's outputs.
func (c *ConnectorInstance) HasOutput(ref EndpointRef) bool {
	for _, out := range c.Outputs {
		if out == ref {
			return true
		}
	}
	return false
}

// PublishedEndpoint is an endpoint a composite exposes to its parent.
// "in" endpoints map to a connector, "out" endpoints to a subcomponent
// endpoint.
type PublishedEndpoint struct {
	Name      string      `json:"name"`
	Direction Direction   `json:"direction"`
	Protocol  Protocol    `json:"protocol"`
	Required  bool        `json:"required,omitempty"`
	Connector string      `json:"connector,omitempty"`
	Target    EndpointRef `json:"target,omitempty"`
}

// Meta holds the attributes shared by every component instance.
type Meta struct {
	// Name is the instance name.
	Name string `json:"name"`

	// Type is the name of the component type the instance was built from.
	Type string `json:"type"`

	// Description is copied from the component type.
	Description string `json:"description,omitempty"`

	// Cardinality is the "[min:max]" replica range.
	Cardinality string `json:"cardinality"`

	Labels    config.Map[string] `json:"labels,omitempty"`
	Policies  config.Map[string] `json:"policies,omitempty"`
	Variables config.Map[string] `json:"variables,omitempty"`

	// Prefix is the path of the parent instance, empty for the root.
	Prefix string `json:"prefix,omitempty"`

	// Parent is the owning composite, nil for the root.
	Parent *CompositeInstance `json:"-"`
}

// Path returns the registry key of the instance.
func (m *Meta) Path() string {
	return JoinPath(m.Prefix, m.Name)
}

// Info returns the shared attributes.
func (m *Meta) Info() *Meta {
	return m
}

// Component is a resolved component instance. The only implementations are
// *BasicInstance and *CompositeInstance.
type Component interface {
	Info() *Meta
	Kind() ComponentKind
	component()
}

// BasicInstance is a resolved leaf service.
type BasicInstance struct {
	Meta

	Durability Durability               `json:"durability"`
	Runtime    Runtime                  `json:"runtime"`
	Source     string                   `json:"source,omitempty"`
	Resources  config.Map[string]       `json:"resources,omitempty"`
	Events     config.Map[string]       `json:"events,omitempty"`
	Volumes    config.Map[VolumeSpec]   `json:"volumes,omitempty"`
	Endpoints  config.Map[EndpointSpec] `json:"endpoints,omitempty"`

	// Entrypoints expose "in" endpoints of a root basic deployment, or carry
	// the entrypoint synthesized for a connector implementation.
	Entrypoints config.Map[EntrypointSpec] `json:"entrypoints,omitempty"`
}

// Kind implements Component.
func (b *BasicInstance) Kind() ComponentKind { return ComponentBasic }

func (b *BasicInstance) component() {}

// CompositeInstance is a resolved component built from subcomponents and connectors.
type CompositeInstance struct {
	Meta

	// Imports are the component types available to subcomponents and connectors.
	Imports config.Map[*config.ComponentSpec] `json:"-"`

	Subcomponents config.Map[*SubcomponentInstance] `json:"subcomponents,omitempty"`
	Connectors    config.Map[*ConnectorInstance]    `json:"connectors,omitempty"`
	Endpoints     config.Map[PublishedEndpoint]     `json:"endpoints,omitempty"`
	Entrypoints   config.Map[EntrypointSpec]        `json:"entrypoints,omitempty"`
}

// Kind implements Component.
func (c *CompositeInstance) Kind() ComponentKind { return ComponentComposite }

func (c *CompositeInstance) component() {}

// ChildPath returns the registry key of a subcomponent or connector of c.
func (c *CompositeInstance) ChildPath(name string) string {
	return JoinPath(c.Path(), name)
}

// PublishedFor returns the published "in" endpoint that maps to connector.
func (c *CompositeInstance) PublishedFor(connector string) (PublishedEndpoint, bool) {
	for _, name := range c.Endpoints.Keys() {
		pe, _ := c.Endpoints.Get(name)
		if pe.Direction == DirectionIn && pe.Connector == connector {
			return pe, true
		}
	}
	return PublishedEndpoint{}, false
}

// AdjacentType is the kind of target an adjacency points at.
type AdjacentType string

const (
	// AdjacentBasic targets a basic instance.
	AdjacentBasic AdjacentType = "basic"

	// AdjacentConnector targets a native connector the adapter realizes.
	AdjacentConnector AdjacentType = "connector"
)

// Adjacent is one concrete peer reachable from an endpoint. Endpoint and
// Protocol describe the endpoint the query started from; Prefix and Name
// identify the target.
type Adjacent struct {
	Endpoint string       `json:"endpoint"`
	Protocol Protocol     `json:"protocol"`
	Type     AdjacentType `json:"type"`
	Prefix   string       `json:"prefix"`
	Name     string       `json:"name"`
}

// Path returns the registry key of the target.
func (a Adjacent) Path() string {
	return JoinPath(a.Prefix, a.Name)
}

// Source describes where traffic into a connector without inputs comes from.
type Source struct {
	// Upstream is the nearest connector feeding the chain of published "in"
	// endpoints, nil when the chain starts at the deployment boundary or at
	// a Link.
	Upstream *Adjacent `json:"upstream,omitempty"`

	// Entrypoint is the deployment entrypoint found along the chain.
	Entrypoint *EntrypointSpec `json:"entrypoint,omitempty"`
}

// Artifact is one file emitted by a target adapter.
type Artifact struct {
	// Prefix is the path of the instance the artifact belongs to.
	Prefix string `json:"prefix,omitempty"`

	// Name is the instance name.
	Name string `json:"name"`

	// Type is an adapter-defined artifact type, e.g. "service" or "deployment".
	Type string `json:"type"`

	// Suffix is appended to the file name, including the extension.
	Suffix string `json:"suffix"`

	// Content is the file body.
	Content []byte `json:"content"`
}

// FileName returns "<prefix.>name<suffix>".
func (a Artifact) FileName() string {
	return JoinPath(a.Prefix, a.Name) + a.Suffix
}

// JoinPath joins a parent path and a name with ".".
func JoinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
