package config

import (
	"encoding/json"

	"github.com/openfroyo/stackforge/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

// DocumentKind identifies which schema a raw document is validated against.
type DocumentKind string

const (
	// KindDeployment is a deployment descriptor.
	KindDeployment DocumentKind = "deployment"

	// KindBasic is a basic (leaf) component spec.
	KindBasic DocumentKind = "basic"

	// KindComposite is a composite component spec.
	KindComposite DocumentKind = "composite"
)

// ComponentType is the discriminator of a component spec.
type ComponentType string

const (
	// TypeBasic is a leaf service.
	TypeBasic ComponentType = "basic"

	// TypeComposite is a component built from subcomponents and connectors.
	TypeComposite ComponentType = "composite"
)

// ComponentSpec is a component document as authored, before resolution.
type ComponentSpec struct {
	// Name is the component type name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Type selects between basic and composite.
	Type ComponentType `yaml:"type" json:"type" validate:"required,oneof=basic composite"`

	// Description is free text.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Cardinality is the "[min:max]" replica range.
	Cardinality string `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`

	// Labels are free-form metadata propagated to artifacts.
	Labels Map[string] `yaml:"labels,omitempty" json:"labels,omitempty"`

	// Policies are cpu/memory placement policies.
	Policies Map[string] `yaml:"policies,omitempty" json:"policies,omitempty"`

	// Variables are the published variables with their default values.
	Variables Map[string] `yaml:"variables,omitempty" json:"variables,omitempty"`

	// Durability, Runtime and Source apply to basic components only.
	Durability string `yaml:"durability,omitempty" json:"durability,omitempty"`
	Runtime    string `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Source     string `yaml:"source,omitempty" json:"source,omitempty"`

	// Resources are cpu/memory "[min:max]" ranges (basic only).
	Resources Map[string] `yaml:"resources,omitempty" json:"resources,omitempty"`

	// Events maps lifecycle event names to handlers (basic only).
	Events Map[string] `yaml:"events,omitempty" json:"events,omitempty"`

	// Volumes are the published volumes (basic only).
	Volumes Map[VolumeDecl] `yaml:"volumes,omitempty" json:"volumes,omitempty"`

	// Endpoints are the endpoints of a basic component, or the published
	// endpoints of a composite.
	Endpoints Map[EndpointDecl] `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`

	// Imports maps type names to component specs (composite only).
	Imports Map[ImportRef] `yaml:"imports,omitempty" json:"imports,omitempty"`

	// Subcomponents are the child instances (composite only).
	Subcomponents Map[SubcomponentDecl] `yaml:"subcomponents,omitempty" json:"subcomponents,omitempty"`

	// Connectors wire subcomponent endpoints together (composite only).
	Connectors Map[ConnectorDecl] `yaml:"connectors,omitempty" json:"connectors,omitempty"`

	// Origin is the URL the spec was loaded from, empty for inline specs.
	Origin string `yaml:"-" json:"-"`
}

// VolumeDecl declares a volume or overrides one at deployment time.
type VolumeDecl struct {
	Type       string `yaml:"type,omitempty" json:"type,omitempty"`
	Path       string `yaml:"path,omitempty" json:"path,omitempty"`
	Scope      string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Durability string `yaml:"durability,omitempty" json:"durability,omitempty"`
	URL        string `yaml:"url,omitempty" json:"url,omitempty"`
}

// EndpointDecl declares an endpoint. Mapping is only meaningful on the
// published endpoints of a composite.
type EndpointDecl struct {
	Direction string           `yaml:"direction,omitempty" json:"direction,omitempty"`
	Protocol  string           `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Required  bool             `yaml:"required,omitempty" json:"required,omitempty"`
	Mapping   *EndpointMapping `yaml:"mapping,omitempty" json:"mapping,omitempty"`
}

// EndpointMapping is either a connector name ("in" endpoints) or a
// subcomponent endpoint ("out" endpoints).
type EndpointMapping struct {
	Connector    string
	Subcomponent string
	Endpoint     string
}

// UnmarshalYAML accepts a scalar connector name or a {subcomponent, endpoint} mapping.
func (m *EndpointMapping) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		m.Connector = node.Value
		return nil
	case yaml.MappingNode:
		var ref EndpointRef
		if err := node.Decode(&ref); err != nil {
			return err
		}
		m.Subcomponent = ref.Subcomponent
		m.Endpoint = ref.Endpoint
		return nil
	default:
		return errdefs.Newf(errdefs.KindSchemaInvalid,
			"line %d: mapping must be a connector name or {subcomponent, endpoint}", node.Line).
			WithAttribute("mapping")
	}
}

// MarshalJSON mirrors the authored form.
func (m EndpointMapping) MarshalJSON() ([]byte, error) {
	if m.Connector != "" {
		return json.Marshal(m.Connector)
	}
	return json.Marshal(EndpointRef{Subcomponent: m.Subcomponent, Endpoint: m.Endpoint})
}

// EndpointRef names an endpoint of a sibling subcomponent.
type EndpointRef struct {
	Subcomponent string `yaml:"subcomponent" json:"subcomponent"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
}

// SubcomponentDecl instantiates an imported type inside a composite.
type SubcomponentDecl struct {
	Type        string              `yaml:"type" json:"type"`
	Cardinality string              `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Variables   Map[string]         `yaml:"variables,omitempty" json:"variables,omitempty"`
	Labels      Map[string]         `yaml:"labels,omitempty" json:"labels,omitempty"`
	Policies    Map[string]         `yaml:"policies,omitempty" json:"policies,omitempty"`
	Volumes     Map[VolumeDecl]     `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Entrypoints Map[EntrypointDecl] `yaml:"entrypoints,omitempty" json:"entrypoints,omitempty"`
	Publish     *bool               `yaml:"publish,omitempty" json:"publish,omitempty"`
}

// ConnectorDecl routes traffic between subcomponent endpoints.
type ConnectorDecl struct {
	Type      string        `yaml:"type" json:"type"`
	Labels    Map[string]   `yaml:"labels,omitempty" json:"labels,omitempty"`
	Policies  Map[string]   `yaml:"policies,omitempty" json:"policies,omitempty"`
	Variables Map[string]   `yaml:"variables,omitempty" json:"variables,omitempty"`
	Inputs    []EndpointRef `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs   []EndpointRef `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// EntrypointDecl exposes a published "in" endpoint outside the deployment.
type EntrypointDecl struct {
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Mapping  string `yaml:"mapping,omitempty" json:"mapping,omitempty"`
	Publish  *bool  `yaml:"publish,omitempty" json:"publish,omitempty"`
}

// ImportRef is either a URL to fetch or an inline component spec.
type ImportRef struct {
	// URL is set for references.
	URL string

	// Spec is set for inline specs.
	Spec *ComponentSpec

	// node keeps the inline document for schema validation.
	node *yaml.Node
}

// IsReference reports whether the import must be fetched.
func (r ImportRef) IsReference() bool {
	return r.Spec == nil
}

// UnmarshalYAML accepts a URL scalar or an inline component mapping.
func (r *ImportRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		r.URL = node.Value
		return nil
	case yaml.MappingNode:
		var spec ComponentSpec
		if err := node.Decode(&spec); err != nil {
			return err
		}
		r.Spec = &spec
		r.node = node
		return nil
	default:
		return errdefs.Newf(errdefs.KindSchemaInvalid,
			"line %d: expected a URL or an inline component", node.Line)
	}
}

// MarshalJSON mirrors the authored form.
func (r ImportRef) MarshalJSON() ([]byte, error) {
	if r.Spec != nil {
		return json.Marshal(r.Spec)
	}
	return json.Marshal(r.URL)
}

// DeploymentDescriptor carries deployment-time overrides for a model.
type DeploymentDescriptor struct {
	Kind        string              `yaml:"kind,omitempty" json:"kind,omitempty"`
	Name        string              `yaml:"name" json:"name" validate:"required"`
	Model       ImportRef           `yaml:"model" json:"model"`
	Variables   Map[string]         `yaml:"variables,omitempty" json:"variables,omitempty"`
	Cardinality string              `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Durability  string              `yaml:"durability,omitempty" json:"durability,omitempty"`
	Runtime     string              `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Source      string              `yaml:"source,omitempty" json:"source,omitempty"`
	Labels      Map[string]         `yaml:"labels,omitempty" json:"labels,omitempty"`
	Policies    Map[string]         `yaml:"policies,omitempty" json:"policies,omitempty"`
	Volumes     Map[VolumeDecl]     `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Entrypoints Map[EntrypointDecl] `yaml:"entrypoints,omitempty" json:"entrypoints,omitempty"`
	Publish     *bool               `yaml:"publish,omitempty" json:"publish,omitempty"`

	// Origin is the URL the descriptor was loaded from.
	Origin string `yaml:"-" json:"-"`
}

// ForSubcomponent derives the deployment of a child instance from its
// declaration inside a composite. variables are the already merged values.
func ForSubcomponent(name string, decl SubcomponentDecl, variables Map[string]) *DeploymentDescriptor {
	return &DeploymentDescriptor{
		Kind:        string(KindDeployment),
		Name:        name,
		Variables:   variables,
		Cardinality: decl.Cardinality,
		Labels:      decl.Labels,
		Policies:    decl.Policies,
		Volumes:     decl.Volumes,
		Entrypoints: decl.Entrypoints,
		Publish:     decl.Publish,
	}
}

// ForConnector derives the deployment of a connector backed by an imported type.
func ForConnector(name string, decl ConnectorDecl, variables Map[string]) *DeploymentDescriptor {
	return &DeploymentDescriptor{
		Kind:      string(KindDeployment),
		Name:      name,
		Variables: variables,
		Labels:    decl.Labels,
		Policies:  decl.Policies,
	}
}
