// Package remote applies the artifacts of a command adapter on another
// host: the output directory is copied over SFTP and the deploy command
// runs there over SSH.
package remote

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"github.com/openfroyo/stackforge/pkg/adapters/command"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/transports/ssh"
)

// DefaultDir is where artifacts land on the remote host, relative to the
// login directory.
const DefaultDir = ".forge"

// Runner runs commands on a connected transport after uploading the local
// directory they run in.
type Runner struct {
	Transport ssh.Transport

	// Dir is the parent of the remote working directories.
	Dir string
}

// RemoteDir returns the remote working directory for a local one.
func (r Runner) RemoteDir(local string) string {
	dir := r.Dir
	if dir == "" {
		dir = DefaultDir
	}
	return path.Join(dir, filepath.Base(filepath.Clean(local)))
}

// Run implements command.Runner.
func (r Runner) Run(ctx context.Context, dir string, cmd command.Command) (string, error) {
	remoteDir := r.RemoteDir(dir)
	if err := r.Transport.UploadDirectory(ctx, dir, remoteDir); err != nil {
		return "", fmt.Errorf("failed to upload artifacts to %s: %w", remoteDir, err)
	}

	stdout, stderr, err := r.Transport.Run(ctx, "cd "+command.Quote(remoteDir)+" && "+cmd.String())
	if err != nil {
		if stderr != "" {
			return stdout, fmt.Errorf("%s: %w: %s", cmd.Name, err, stderr)
		}
		return stdout, fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return stdout, nil
}

// Adapter translates with the wrapped adapter and deploys remotely.
type Adapter struct {
	command.Adapter

	host      string
	transport ssh.Transport
	dir       string
}

var _ command.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithDir sets the remote parent directory. Default is DefaultDir.
func WithDir(dir string) Option {
	return func(a *Adapter) { a.dir = dir }
}

// New wraps inner so that its commands run on host through transport.
func New(inner command.Adapter, host string, transport ssh.Transport, opts ...Option) *Adapter {
	a := &Adapter{Adapter: inner, host: host, transport: transport}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name reports the wrapped adapter and the host, e.g. "compose@edge-1".
func (a *Adapter) Name() string {
	return a.Adapter.Name() + "@" + a.host
}

// DeployArtifacts uploads the output directory and runs the deploy command
// on the remote host.
func (a *Adapter) DeployArtifacts(ctx context.Context, artifacts []engine.Artifact, opts engine.Options) error {
	return a.session(ctx, func(r Runner) error {
		return command.Deploy(ctx, r, a.Adapter, artifacts, opts)
	})
}

// UndeployArtifacts runs the undeploy command on the remote host.
func (a *Adapter) UndeployArtifacts(ctx context.Context, artifacts []engine.Artifact, opts engine.Options) error {
	return a.session(ctx, func(r Runner) error {
		return command.Undeploy(ctx, r, a.Adapter, artifacts, opts)
	})
}

func (a *Adapter) session(ctx context.Context, fn func(Runner) error) error {
	if err := a.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", a.host, err)
	}
	defer a.transport.Close()

	return fn(Runner{Transport: a.transport, Dir: a.dir})
}

// Close closes the wrapped adapter if it holds resources.
func (a *Adapter) Close() error {
	if c, ok := a.Adapter.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
