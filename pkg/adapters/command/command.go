// Package command runs the platform CLIs that apply compiled artifacts,
// either on this host or, through a remote runner, on another one.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/rs/zerolog"
)

// Command is one platform CLI invocation. It runs in the directory the
// artifacts were written to, so arguments name artifacts by file name.
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

var safeArg = regexp.MustCompile(`^[A-Za-z0-9@%_+=:,./-]+$`)

// String renders the command as a POSIX shell command line.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, Quote(c.Name))
	for _, arg := range c.Args {
		parts = append(parts, Quote(arg))
	}
	return strings.Join(parts, " ")
}

// Quote quotes s for a POSIX shell.
func Quote(s string) string {
	if safeArg.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Adapter is a target adapter whose deploy and undeploy steps are single
// commands. Such adapters can be driven remotely.
type Adapter interface {
	engine.TargetAdapter

	// DeployCommand returns the command applying artifacts.
	DeployCommand(artifacts []engine.Artifact, opts engine.Options) (Command, error)

	// UndeployCommand returns the command removing what DeployCommand applied.
	UndeployCommand(artifacts []engine.Artifact, opts engine.Options) (Command, error)
}

// Runner executes commands in a directory.
type Runner interface {
	Run(ctx context.Context, dir string, cmd Command) (stdout string, err error)
}

// Local runs commands on this host.
type Local struct {
	Logger zerolog.Logger
}

// Run executes cmd in dir. A non-zero exit status is an error carrying the
// trimmed stderr.
func (l Local) Run(ctx context.Context, dir string, cmd Command) (string, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()

	l.Logger.Debug().
		Str("command", cmd.String()).
		Str("dir", dir).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Command completed")

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), fmt.Errorf("%s exited with code %d: %s", cmd.Name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), fmt.Errorf("failed to execute %s: %w", cmd.Name, err)
	}
	return stdout.String(), nil
}

// Deploy runs the deploy command of a in opts.OutputDir.
func Deploy(ctx context.Context, runner Runner, a Adapter, artifacts []engine.Artifact, opts engine.Options) error {
	cmd, err := a.DeployCommand(artifacts, opts)
	if err != nil {
		return err
	}
	_, err = runner.Run(ctx, opts.OutputDir, cmd)
	return err
}

// Undeploy runs the undeploy command of a in opts.OutputDir.
func Undeploy(ctx context.Context, runner Runner, a Adapter, artifacts []engine.Artifact, opts engine.Options) error {
	cmd, err := a.UndeployCommand(artifacts, opts)
	if err != nil {
		return err
	}
	_, err = runner.Run(ctx, opts.OutputDir, cmd)
	return err
}

// ServiceName turns an instance path into a DNS label, e.g. "prod.web"
// becomes "prod-web".
func ServiceName(path string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(path) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// EnvName turns an endpoint name into an environment variable prefix.
func EnvName(endpoint string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(endpoint) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// PeerEnv returns the "<ENDPOINT>_HOST" and "<ENDPOINT>_PORT" variables
// for adjacents, in adjacency order. Several peers on one endpoint are
// joined with commas.
func PeerEnv(adjacents []engine.Adjacent) [][2]string {
	var order []string
	hosts := map[string][]string{}
	ports := map[string]int{}
	for _, adj := range adjacents {
		key := EnvName(adj.Endpoint)
		if _, ok := hosts[key]; !ok {
			order = append(order, key)
		}
		hosts[key] = append(hosts[key], ServiceName(adj.Path()))
		ports[key] = adj.Protocol.Port
	}

	env := make([][2]string, 0, 2*len(order))
	for _, key := range order {
		env = append(env,
			[2]string{key + "_HOST", strings.Join(hosts[key], ",")},
			[2]string{key + "_PORT", fmt.Sprint(ports[key])},
		)
	}
	return env
}

// Image returns the container image of source, prefixed with the
// registry when one is set.
func Image(source string, opts engine.Options) string {
	if opts.RegistryURL == "" || source == "" {
		return source
	}
	registry := strings.TrimSuffix(opts.RegistryURL, "/")
	if i := strings.Index(registry, "://"); i >= 0 {
		registry = registry[i+3:]
	}
	return registry + "/" + source
}
