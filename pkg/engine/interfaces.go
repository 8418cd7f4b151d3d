package engine

import (
	"context"

	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/rs/zerolog"
)

// Options are threaded through every compile stage and adapter call.
type Options struct {
	// Target selects the adapter, e.g. "compose", "k8s" or "wasm:<file>".
	Target string `json:"target"`

	// OutputDir is where artifacts are written.
	OutputDir string `json:"output_dir"`

	// StorageURL is the default backing store for volumes.
	StorageURL string `json:"storage_url,omitempty"`

	// RegistryURL prefixes container image sources when set.
	RegistryURL string `json:"registry_url,omitempty"`

	// Logger is the logger adapters should use.
	Logger zerolog.Logger `json:"-"`
}

// TargetAdapter turns resolved instances into platform artifacts. One
// adapter exists per target platform.
type TargetAdapter interface {
	// Name identifies the adapter in logs and metrics.
	Name() string

	// TranslateDeployment emits artifacts for the deployment as a whole.
	TranslateDeployment(ctx context.Context, root Component, opts Options) ([]Artifact, error)

	// TranslateBasic emits artifacts for one basic instance. adjacents are
	// the peers of its "out" endpoints.
	TranslateBasic(ctx context.Context, b *BasicInstance, adjacents []Adjacent, opts Options) ([]Artifact, error)

	// TranslateConnector emits the routing artifact fronting a connector.
	// typ is the imported basic type backing it, or nil for native
	// connectors. adjacents are the targets of its outputs.
	TranslateConnector(ctx context.Context, conn *ConnectorInstance, typ *config.ComponentSpec, parent *CompositeInstance, source Source, adjacents []Adjacent, opts Options) ([]Artifact, error)

	// PackArtifacts post-processes the full artifact list.
	PackArtifacts(ctx context.Context, artifacts []Artifact, opts Options) ([]Artifact, error)

	// DeployArtifacts applies written artifacts to the target platform.
	DeployArtifacts(ctx context.Context, artifacts []Artifact, opts Options) error

	// UndeployArtifacts removes what DeployArtifacts applied.
	UndeployArtifacts(ctx context.Context, artifacts []Artifact, opts Options) error
}

// PolicyChecker validates the resolved instances of a compile.
type PolicyChecker interface {
	Check(ctx context.Context, registry *Registry) error
}
