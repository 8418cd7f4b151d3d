// Package wasm runs target adapters compiled to WebAssembly. A plugin is a
// WASI command module: every adapter call instantiates it with a JSON
// request on stdin and the operation as its first argument, and reads a
// JSON response from stdout.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/stackforge/pkg/adapters/command"
	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Operations sent as the first argument of the module.
const (
	OpTranslateDeployment = "translate_deployment"
	OpTranslateBasic      = "translate_basic"
	OpTranslateConnector  = "translate_connector"
	OpPack                = "pack"
	OpDeploy              = "deploy"
	OpUndeploy            = "undeploy"
)

// Config bounds plugin execution.
type Config struct {
	// Timeout bounds a single call. Default is 30s.
	Timeout time.Duration

	// MemoryLimitPages is the memory limit in 64KiB pages. Default is 256
	// pages (16MiB).
	MemoryLimitPages uint32

	// Env names host variables visible to the plugin.
	Env []string
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = 256
	}
	return c
}

// Request is the JSON document a plugin reads from stdin. Only the fields
// of the operation are set.
type Request struct {
	Operation     string                    `json:"operation"`
	Options       engine.Options            `json:"options"`
	Root          engine.Component          `json:"root,omitempty"`
	Basic         *engine.BasicInstance     `json:"basic,omitempty"`
	Connector     *engine.ConnectorInstance `json:"connector,omitempty"`
	ConnectorType *config.ComponentSpec     `json:"connector_type,omitempty"`
	Parent        string                    `json:"parent,omitempty"`
	Source        *engine.Source            `json:"source,omitempty"`
	Adjacents     []engine.Adjacent         `json:"adjacents,omitempty"`
	Artifacts     []engine.Artifact         `json:"artifacts,omitempty"`
}

// Response is the JSON document a plugin writes to stdout.
type Response struct {
	Artifacts []engine.Artifact `json:"artifacts,omitempty"`

	// Command is run on the host for deploy and undeploy, if set.
	Command *command.Command `json:"command,omitempty"`

	// Error fails the call.
	Error string `json:"error,omitempty"`
}

// invoker runs one plugin call.
type invoker func(ctx context.Context, op string, stdin []byte) (stdout []byte, err error)

// Adapter implements engine.TargetAdapter by delegating to a plugin.
type Adapter struct {
	name    string
	cfg     Config
	runtime wazero.Runtime
	module  wazero.CompiledModule
	invoke  invoker
	runner  command.Runner
}

var _ command.Adapter = (*Adapter)(nil)

// Load reads the manifest or module at path and compiles the module.
func Load(ctx context.Context, path string) (*Adapter, error) {
	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	module, err := manifest.ReadModule()
	if err != nil {
		return nil, err
	}
	return New(ctx, manifest.Name, module, manifest.config())
}

// New compiles module. Close releases the runtime.
func New(ctx context.Context, name string, module []byte, cfg Config) (*Adapter, error) {
	cfg = cfg.withDefaults()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	a := &Adapter{name: name, cfg: cfg, runtime: runtime, module: compiled}
	a.invoke = a.run
	return a, nil
}

// run instantiates a fresh module for one call. Instances share nothing,
// so calls never observe each other's state.
func (a *Adapter) run(ctx context.Context, op string, stdin []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(a.name, op).
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	for _, kv := range environ(a.cfg.Env) {
		moduleConfig = moduleConfig.WithEnv(kv[0], kv[1])
	}

	mod, err := a.runtime.InstantiateModule(ctx, a.module, moduleConfig)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("plugin %s: %s timed out: %w", a.name, op, ctx.Err())
			}
			return nil, fmt.Errorf("plugin %s: %s failed: %w: %s", a.name, op, err, strings.TrimSpace(stderr.String()))
		}
	}
	return stdout.Bytes(), nil
}

// call sends req and decodes the response.
func (a *Adapter) call(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Operation, err)
	}

	output, err := a.invoke(ctx, req.Operation, input)
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	if len(bytes.TrimSpace(output)) > 0 {
		if err := json.Unmarshal(output, resp); err != nil {
			return nil, fmt.Errorf("plugin %s: invalid %s response: %w", a.name, req.Operation, err)
		}
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("plugin %s: %s", a.name, resp.Error)
	}
	return resp, nil
}

func (a *Adapter) artifacts(ctx context.Context, req Request) ([]engine.Artifact, error) {
	resp, err := a.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

// Name implements engine.TargetAdapter.
func (a *Adapter) Name() string { return a.name }

// TranslateDeployment implements engine.TargetAdapter.
func (a *Adapter) TranslateDeployment(ctx context.Context, root engine.Component, opts engine.Options) ([]engine.Artifact, error) {
	return a.artifacts(ctx, Request{Operation: OpTranslateDeployment, Options: opts, Root: root})
}

// TranslateBasic implements engine.TargetAdapter.
func (a *Adapter) TranslateBasic(ctx context.Context, b *engine.BasicInstance, adjacents []engine.Adjacent, opts engine.Options) ([]engine.Artifact, error) {
	return a.artifacts(ctx, Request{Operation: OpTranslateBasic, Options: opts, Basic: b, Adjacents: adjacents})
}

// TranslateConnector implements engine.TargetAdapter.
func (a *Adapter) TranslateConnector(ctx context.Context, conn *engine.ConnectorInstance, typ *config.ComponentSpec, parent *engine.CompositeInstance, source engine.Source, adjacents []engine.Adjacent, opts engine.Options) ([]engine.Artifact, error) {
	return a.artifacts(ctx, Request{
		Operation:     OpTranslateConnector,
		Options:       opts,
		Connector:     conn,
		ConnectorType: typ,
		Parent:        parent.Path(),
		Source:        &source,
		Adjacents:     adjacents,
	})
}

// PackArtifacts implements engine.TargetAdapter. A plugin answering with
// no artifacts keeps the list unchanged.
func (a *Adapter) PackArtifacts(ctx context.Context, artifacts []engine.Artifact, opts engine.Options) ([]engine.Artifact, error) {
	packed, err := a.artifacts(ctx, Request{Operation: OpPack, Options: opts, Artifacts: artifacts})
	if err != nil {
		return nil, err
	}
	if len(packed) == 0 {
		return artifacts, nil
	}
	return packed, nil
}

// DeployCommand asks the plugin for its deploy command.
func (a *Adapter) DeployCommand(artifacts []engine.Artifact, opts engine.Options) (command.Command, error) {
	return a.command(context.Background(), OpDeploy, artifacts, opts)
}

// UndeployCommand asks the plugin for its undeploy command.
func (a *Adapter) UndeployCommand(artifacts []engine.Artifact, opts engine.Options) (command.Command, error) {
	return a.command(context.Background(), OpUndeploy, artifacts, opts)
}

func (a *Adapter) command(ctx context.Context, op string, artifacts []engine.Artifact, opts engine.Options) (command.Command, error) {
	resp, err := a.call(ctx, Request{Operation: op, Options: opts, Artifacts: artifacts})
	if err != nil {
		return command.Command{}, err
	}
	if resp.Command == nil {
		return command.Command{}, nil
	}
	return *resp.Command, nil
}

// DeployArtifacts runs the plugin's deploy step, then the command it
// returned, if any.
func (a *Adapter) DeployArtifacts(ctx context.Context, artifacts []engine.Artifact, opts engine.Options) error {
	return a.apply(ctx, OpDeploy, artifacts, opts)
}

// UndeployArtifacts runs the plugin's undeploy step, then the command it
// returned, if any.
func (a *Adapter) UndeployArtifacts(ctx context.Context, artifacts []engine.Artifact, opts engine.Options) error {
	return a.apply(ctx, OpUndeploy, artifacts, opts)
}

func (a *Adapter) apply(ctx context.Context, op string, artifacts []engine.Artifact, opts engine.Options) error {
	cmd, err := a.command(ctx, op, artifacts, opts)
	if err != nil || cmd.Name == "" {
		return err
	}
	runner := a.runner
	if runner == nil {
		runner = command.Local{Logger: opts.Logger}
	}
	_, err = runner.Run(ctx, opts.OutputDir, cmd)
	return err
}

// WithRunner replaces the local runner used for plugin commands.
func (a *Adapter) WithRunner(r command.Runner) *Adapter {
	a.runner = r
	return a
}

// Close releases the compiled module and the runtime.
func (a *Adapter) Close() error {
	if a.runtime == nil {
		return nil
	}
	return a.runtime.Close(context.Background())
}
