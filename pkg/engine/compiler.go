package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/openfroyo/stackforge/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DocumentLoader loads deployments and the component types they import.
type DocumentLoader interface {
	ImportLoader
	LoadDeployment(ctx context.Context, url string) (*config.DeploymentDescriptor, error)
}

// Result is the outcome of one compile.
type Result struct {
	// ID identifies the compile in logs and history.
	ID string `json:"id"`

	// URL is the document that was compiled.
	URL string `json:"url"`

	// Root is the resolved root instance.
	Root Component `json:"-"`

	// Registry holds every resolved instance.
	Registry *Registry `json:"-"`

	// Artifacts are the packed adapter output, empty for Validate.
	Artifacts []Artifact `json:"artifacts,omitempty"`

	// Duration is the wall time of the compile.
	Duration time.Duration `json:"duration"`
}

// Compiler runs the fetch, resolve, check, translate and pack pipeline.
// A compile either succeeds completely or returns the first error; no
// stage keeps state between compiles.
type Compiler struct {
	loader  DocumentLoader
	adapter TargetAdapter
	policy  PolicyChecker
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithPolicy checks every compile's instances with p.
func WithPolicy(p PolicyChecker) CompilerOption {
	return func(c *Compiler) { c.policy = p }
}

// WithMetrics records compile metrics in m.
func WithMetrics(m *telemetry.Metrics) CompilerOption {
	return func(c *Compiler) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) CompilerOption {
	return func(c *Compiler) { c.logger = logger }
}

// NewCompiler creates a compiler. adapter may be nil when only Validate is used.
func NewCompiler(loader DocumentLoader, adapter TargetAdapter, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		loader:  loader,
		adapter: adapter,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "compiler").Logger()
	return c
}

// Validate loads and resolves the document at url and runs the policy
// checks, without translating.
func (c *Compiler) Validate(ctx context.Context, url string) (*Result, error) {
	return c.run(ctx, "validate", url, Options{}, false)
}

// Compile runs the full pipeline for the document at url.
func (c *Compiler) Compile(ctx context.Context, url string, opts Options) (*Result, error) {
	return c.run(ctx, "translate", url, opts, true)
}

// Deploy compiles url, writes the artifacts to opts.OutputDir and hands
// them to the adapter.
func (c *Compiler) Deploy(ctx context.Context, url string, opts Options) (*Result, error) {
	return c.apply(ctx, "deploy", url, opts)
}

// Undeploy compiles url, writes the artifacts and asks the adapter to
// remove what they describe.
func (c *Compiler) Undeploy(ctx context.Context, url string, opts Options) (*Result, error) {
	return c.apply(ctx, "undeploy", url, opts)
}

func (c *Compiler) apply(ctx context.Context, command, url string, opts Options) (*Result, error) {
	result, err := c.run(ctx, command, url, opts, true)
	if err != nil {
		return nil, err
	}

	if err := WriteArtifacts(opts.OutputDir, result.Artifacts); err != nil {
		return result, err
	}

	_ = telemetry.EventsFromContext(ctx).PublishArtifactsWritten(result.ID, opts.OutputDir, len(result.Artifacts))

	op := telemetry.StartOperation(ctx, command+"_artifacts",
		telemetry.AttrCompileID.String(result.ID),
		telemetry.AttrTarget.String(opts.Target),
	)
	opts.Logger = c.logger.With().Str("compile_id", result.ID).Logger()

	start := time.Now()
	if command == "undeploy" {
		err = c.adapter.UndeployArtifacts(op.Ctx, result.Artifacts, opts)
	} else {
		err = c.adapter.DeployArtifacts(op.Ctx, result.Artifacts, opts)
	}
	c.metrics.RecordAdapterCall(c.adapter.Name(), command, time.Since(start))
	if err != nil {
		c.metrics.RecordAdapterError(c.adapter.Name(), command)
		err = errdefs.Wrap(errdefs.KindAdapterError, fmt.Sprintf("%s failed", command), err)
	}
	op.End(err)
	if err != nil {
		return result, err
	}

	c.logger.Info().
		Str("compile_id", result.ID).
		Str("command", command).
		Int("artifacts", len(result.Artifacts)).
		Msg("Artifacts applied")
	return result, nil
}

func (c *Compiler) run(ctx context.Context, command, url string, opts Options, translate bool) (*Result, error) {
	result := &Result{ID: uuid.NewString(), URL: url}
	start := time.Now()

	op := telemetry.StartOperation(ctx, "compile",
		telemetry.AttrCompileID.String(result.ID),
		telemetry.AttrURL.String(url),
		telemetry.AttrCommand.String(command),
		telemetry.AttrTarget.String(opts.Target),
	)
	ctx = op.Ctx
	events := telemetry.EventsFromContext(ctx)
	c.metrics.RecordCompileStarted(command)
	_ = events.PublishCompileStarted(result.ID, url, command)

	logger := c.logger.With().Str("compile_id", result.ID).Str("url", url).Logger()
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}
	logger.Info().Str("command", command).Msg("Compile started")

	err := c.pipeline(ctx, result, opts, translate, logger)
	result.Duration = time.Since(start)
	op.End(err)

	if err != nil {
		c.metrics.RecordCompileCompleted(command, "failed", result.Duration)
		c.metrics.RecordError(string(errdefs.KindOf(err)))
		_ = events.PublishCompileFailed(result.ID, errdefs.PathOf(err), err.Error())
		logger.Error().Err(err).Dur("duration", result.Duration).Msg("Compile failed")
		return nil, err
	}

	c.metrics.RecordCompileCompleted(command, "succeeded", result.Duration)
	_ = events.PublishCompileSucceeded(result.ID, len(result.Artifacts), result.Duration)
	logger.Info().
		Int("instances", result.Registry.Len()).
		Int("artifacts", len(result.Artifacts)).
		Dur("duration", result.Duration).
		Msg("Compile succeeded")
	return result, nil
}

func (c *Compiler) pipeline(ctx context.Context, result *Result, opts Options, translate bool, logger zerolog.Logger) error {
	d, err := c.loader.LoadDeployment(ctx, result.URL)
	if err != nil {
		return err
	}

	result.Registry = NewRegistry()
	resolver := NewResolver(c.loader, result.Registry, logger).WithMetrics(c.metrics)

	result.Root, err = resolver.Resolve(ctx, d, d.Model, ResolveOptions{Source: d.Origin})
	if err != nil {
		return err
	}

	if c.policy != nil {
		if err := c.policy.Check(ctx, result.Registry); err != nil {
			return err
		}
	}

	if !translate {
		return nil
	}
	if c.adapter == nil {
		return errdefs.New(errdefs.KindInternal, "no target adapter configured")
	}

	opts.Logger = logger
	translator := NewTranslator(result.Registry, c.adapter, logger).WithMetrics(c.metrics)
	result.Artifacts, err = translator.Translate(ctx, result.Root, opts)
	return err
}

// WriteArtifacts replaces the contents of dir with artifacts, each written
// to "<prefix.>name<suffix>". Nothing is removed when the artifact list is
// invalid.
func WriteArtifacts(dir string, artifacts []Artifact) error {
	clean := filepath.Clean(dir)
	if dir == "" || clean == "." || clean == string(filepath.Separator) {
		return errdefs.Newf(errdefs.KindUnsupportedValue, "refusing to use %q as the output directory", dir).
			WithAttribute("output")
	}

	seen := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		name := a.FileName()
		if name == "" || filepath.IsAbs(name) || name != filepath.Clean(name) || filepath.Dir(name) != "." {
			return errdefs.Newf(errdefs.KindAdapterError, "artifact has invalid file name %q", name)
		}
		if seen[name] {
			return errdefs.Newf(errdefs.KindDuplicateName, "two artifacts are named %q", name)
		}
		seen[name] = true
	}

	if err := os.RemoveAll(clean); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, "failed to clear output directory", err).WithPath(clean)
	}
	if err := os.MkdirAll(clean, 0755); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, "failed to create output directory", err).WithPath(clean)
	}

	for _, a := range artifacts {
		path := filepath.Join(clean, a.FileName())
		if err := os.WriteFile(path, a.Content, 0644); err != nil {
			return errdefs.Wrap(errdefs.KindInternal, "failed to write artifact", err).WithPath(path)
		}
	}
	return nil
}
