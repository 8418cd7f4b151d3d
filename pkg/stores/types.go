package stores

import (
	"context"
	"database/sql"
	"time"
)

// CompilationStatus represents the status of a compilation
type CompilationStatus string

const (
	CompilationStatusRunning   CompilationStatus = "running"
	CompilationStatusSucceeded CompilationStatus = "succeeded"
	CompilationStatusFailed    CompilationStatus = "failed"
)

// Compilation is one run of the compiler
type Compilation struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Target        string            `json:"target"`
	Command       string            `json:"command"` // validate, translate, deploy, undeploy
	Status        CompilationStatus `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Error         *string           `json:"error,omitempty"`
	ErrorPath     *string           `json:"error_path,omitempty"` // instance path of the failure
	ArtifactCount int               `json:"artifact_count"`
}

// Artifact is a file a compilation emitted
type Artifact struct {
	ID            int64  `json:"id"`
	CompilationID string `json:"compilation_id"`
	Path          string `json:"path"` // file name inside the output directory
	Type          string `json:"type"`
	SHA256        string `json:"sha256"`
	Size          int64  `json:"size"`
}

// Event is an append-only log entry of a compilation
type Event struct {
	ID            string    `json:"id"`
	CompilationID *string   `json:"compilation_id,omitempty"`
	Type          string    `json:"type"`
	Level         string    `json:"level"`
	Path          string    `json:"path,omitempty"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store defines the interface for the compile history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Compilation operations
	CreateCompilation(ctx context.Context, c *Compilation) error
	GetCompilation(ctx context.Context, id string) (*Compilation, error)
	FinishCompilation(ctx context.Context, id string, status CompilationStatus, artifactCount int, errMsg, errPath *string) error
	ListCompilations(ctx context.Context, limit, offset int) ([]*Compilation, error)
	DeleteCompilationsBefore(ctx context.Context, before time.Time) (int64, error)

	// Artifact operations
	RecordArtifacts(ctx context.Context, compilationID string, artifacts []*Artifact) error
	ListArtifacts(ctx context.Context, compilationID string) ([]*Artifact, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, compilationID string) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
