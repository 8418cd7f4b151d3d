package commands

import (
	"context"
	"errors"
	"io"

	"github.com/openfroyo/stackforge/pkg/adapters"
	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/openfroyo/stackforge/pkg/fetch"
	"github.com/openfroyo/stackforge/pkg/policy"
	"github.com/openfroyo/stackforge/pkg/stores"
	"github.com/openfroyo/stackforge/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// env is everything a command needs, built from the persistent flags once
// per invocation.
type env struct {
	flags    *globalFlags
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	fetcher  *fetch.Fetcher
	loader   *config.Loader
	policy   *policy.Engine
	store    *stores.SQLiteStore
	recorder *stores.Recorder
}

func newEnv(ctx context.Context, command string, flags *globalFlags, version string) (*env, error) {
	cfg := telemetry.DefaultConfig()
	if command == "watch" {
		cfg = telemetry.WatchConfig()
	}
	cfg.ServiceVersion = version
	cfg.Logging.Level = telemetry.LevelForVerbosity(flags.verbosity)
	cfg.Logging.Format = flags.logFormat
	cfg.Tracing.Exporter = flags.traceExporter
	cfg.Tracing.Endpoint = flags.traceEndpoint
	if flags.metricsAddr != "" {
		cfg.Metrics.ListenAddress = flags.metricsAddr
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnsupportedValue, "invalid telemetry flags", err)
	}
	logger := tel.Logger.Zerolog()
	log.Logger = logger

	e := &env{
		flags:   flags,
		tel:     tel,
		logger:  logger,
		fetcher: fetch.New(fetch.WithLogger(logger)),
	}

	schemas, err := schemaValidator(flags.schemaEngine)
	if err != nil {
		return nil, err
	}
	e.loader = config.NewLoader(e.fetcher, schemas)

	e.policy, err = policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(flags.policyDirs) > 0 {
		if err := e.policy.LoadPolicies(ctx, flags.policyDirs); err != nil {
			return nil, err
		}
	}

	if flags.statePath != "" {
		e.store, err = stores.Open(ctx, flags.statePath)
		if err != nil {
			return nil, err
		}
		e.recorder = stores.NewRecorder(e.store, flags.target, logger)
		e.recorder.Attach(tel.Events)
	}

	return e, nil
}

func schemaValidator(name string) (config.SchemaValidator, error) {
	switch name {
	case "", "cue":
		return config.NewSchemaRegistry(), nil
	case "jsonschema":
		return config.NewJSONSchemaValidator()
	default:
		return nil, errdefs.Newf(errdefs.KindUnsupportedValue, "unknown schema engine %q (expected cue or jsonschema)", name).
			WithAttribute("schema-engine")
	}
}

// options returns the compile options selected by the flags.
func (e *env) options() engine.Options {
	return engine.Options{
		Target:      e.flags.target,
		OutputDir:   e.flags.output,
		StorageURL:  e.flags.storage,
		RegistryURL: e.flags.registry,
		Logger:      e.logger,
	}
}

// adapter builds the target adapter. The returned release func closes it.
func (e *env) adapter(ctx context.Context, remote adapters.Config) (engine.TargetAdapter, func(), error) {
	a, err := adapters.New(ctx, e.flags.target, remote)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if c, ok := a.(io.Closer); ok {
			if err := c.Close(); err != nil {
				e.logger.Warn().Err(err).Str("adapter", a.Name()).Msg("Failed to close adapter")
			}
		}
	}
	return a, release, nil
}

// compiler wires a compiler to the loader, policy engine and metrics.
// adapter may be nil for commands that never translate.
func (e *env) compiler(adapter engine.TargetAdapter) *engine.Compiler {
	return engine.NewCompiler(e.loader, adapter,
		engine.WithLogger(e.logger),
		engine.WithPolicy(e.policy),
		engine.WithMetrics(e.tel.Metrics),
	)
}

// written records the artifacts of a successful compile in the history.
func (e *env) written(ctx context.Context, result *engine.Result) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordArtifacts(ctx, result); err != nil {
		e.logger.Warn().Err(err).Str("compile_id", result.ID).Msg("Failed to record artifacts")
	}
}

func (e *env) close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	var errs []error
	if err := e.tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}
