// Package adapters selects the target adapter for a --target value.
package adapters

import (
	"context"
	"strings"

	"github.com/openfroyo/stackforge/pkg/adapters/command"
	"github.com/openfroyo/stackforge/pkg/adapters/compose"
	"github.com/openfroyo/stackforge/pkg/adapters/k8s"
	"github.com/openfroyo/stackforge/pkg/adapters/remote"
	"github.com/openfroyo/stackforge/pkg/adapters/wasm"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/openfroyo/stackforge/pkg/transports/ssh"
)

// WasmPrefix selects a plugin adapter, e.g. "wasm:./plugins/nomad.yaml".
const WasmPrefix = "wasm:"

// Config holds the settings shared by all targets.
type Config struct {
	// Host, when set, runs deploy commands on "[user@]host[:port]" over SSH.
	Host string

	// KeyPath is the private key for Host. Default keys in ~/.ssh are tried
	// when empty.
	KeyPath string

	// RemoteDir is the parent of the remote working directories.
	RemoteDir string
}

// Targets lists the built-in target names.
func Targets() []string {
	return []string{"compose", "k8s"}
}

// New returns the adapter for target. The caller closes adapters that
// implement io.Closer.
func New(ctx context.Context, target string, cfg Config) (engine.TargetAdapter, error) {
	var adapter engine.TargetAdapter
	switch {
	case target == "compose":
		adapter = compose.New()
	case target == "k8s" || target == "kubernetes":
		adapter = k8s.New()
	case strings.HasPrefix(target, WasmPrefix):
		path := strings.TrimPrefix(target, WasmPrefix)
		if path == "" {
			return nil, errdefs.New(errdefs.KindUnsupportedValue, "wasm target needs a module or manifest path").
				WithAttribute("target")
		}
		plugin, err := wasm.Load(ctx, path)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindAdapterError, "failed to load plugin", err).WithDetail("path", path)
		}
		adapter = plugin
	default:
		return nil, errdefs.Newf(errdefs.KindUnsupportedValue, "unknown target %q (expected one of %s or %s<file>)",
			target, strings.Join(Targets(), ", "), WasmPrefix).WithAttribute("target")
	}

	if cfg.Host == "" {
		return adapter, nil
	}
	return wrapRemote(adapter, cfg)
}

func wrapRemote(adapter engine.TargetAdapter, cfg Config) (engine.TargetAdapter, error) {
	inner, ok := adapter.(command.Adapter)
	if !ok {
		return nil, errdefs.Newf(errdefs.KindUnsupportedValue, "target %s cannot deploy to a remote host", adapter.Name()).
			WithAttribute("host")
	}

	sshConfig, err := ssh.ParseTarget(cfg.Host)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnsupportedValue, "invalid host", err).WithAttribute("host")
	}
	if cfg.KeyPath != "" {
		sshConfig.PrivateKeyPath = cfg.KeyPath
	}
	client, err := ssh.NewClient(sshConfig)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnsupportedValue, "invalid ssh settings", err).WithAttribute("host")
	}

	var opts []remote.Option
	if cfg.RemoteDir != "" {
		opts = append(opts, remote.WithDir(cfg.RemoteDir))
	}
	return remote.New(inner, sshConfig.Host, client, opts...), nil
}
