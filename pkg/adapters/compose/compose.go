// Package compose is the target adapter for Docker Compose. Every basic
// instance becomes a service, every native connector an nginx proxy
// service, and packing merges them into one "<root>.compose.yaml".
package compose

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/openfroyo/stackforge/pkg/adapters/command"
	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

const (
	// TypeProject is the artifact the deployment emits and packing fills.
	TypeProject = "project"

	// TypeService holds the service of a basic instance.
	TypeService = "service"

	// TypeProxy holds the proxy service of a connector.
	TypeProxy = "proxy"

	// ProxyImage runs native connectors.
	ProxyImage = "nginx:1.27-alpine"
)

// Adapter implements engine.TargetAdapter for Docker Compose.
type Adapter struct {
	runner command.Runner
}

var _ command.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithRunner replaces the local command runner.
func WithRunner(r command.Runner) Option {
	return func(a *Adapter) { a.runner = r }
}

// New creates a compose adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements engine.TargetAdapter.
func (a *Adapter) Name() string { return "compose" }

// TranslateDeployment emits the project file packing merges into.
func (a *Adapter) TranslateDeployment(_ context.Context, root engine.Component, _ engine.Options) ([]engine.Artifact, error) {
	name := root.Info().Name
	return artifact("", name, TypeProject, ".compose.yaml", &File{Name: command.ServiceName(name)})
}

// TranslateBasic emits the service of b.
func (a *Adapter) TranslateBasic(_ context.Context, b *engine.BasicInstance, adjacents []engine.Adjacent, opts engine.Options) ([]engine.Artifact, error) {
	name := command.ServiceName(b.Path())
	replicas := engine.Replicas(b.Cardinality)

	svc := &Service{
		Image:       command.Image(b.Source, opts),
		Environment: map[string]string{},
		Labels:      labels(b.Path(), b.Type, b.Labels),
		Deploy:      &Deploy{Replicas: &replicas, Resources: resources(b.Resources)},
	}
	for _, key := range b.Variables.Keys() {
		svc.Environment[key], _ = b.Variables.Get(key)
	}
	for _, kv := range command.PeerEnv(adjacents) {
		svc.Environment[kv[0]] = kv[1]
	}

	for _, epName := range b.Entrypoints.Keys() {
		ep, _ := b.Entrypoints.Get(epName)
		if !ep.Publish {
			continue
		}
		endpoint, ok := b.Endpoints.Get(ep.Mapping)
		if !ok {
			return nil, errdefs.Newf(errdefs.KindUnresolvedReference, "entrypoint %q maps to unknown endpoint %q", ep.Name, ep.Mapping).
				WithPath(b.Path())
		}
		svc.Ports = append(svc.Ports, fmt.Sprintf("%d:%d", ep.Protocol.Port, endpoint.Protocol.Port))
	}

	file := &File{Services: map[string]*Service{name: svc}}
	for _, volName := range b.Volumes.Keys() {
		v, _ := b.Volumes.Get(volName)
		if err := addVolume(file, svc, name, v, opts); err != nil {
			return nil, errdefs.Wrap(errdefs.KindUnsupportedValue, "invalid volume", err).
				WithPath(b.Path()).WithAttribute("volumes." + volName)
		}
	}

	return artifact(b.Prefix, b.Name, TypeService, ".service.yaml", file)
}

// TranslateConnector emits an nginx proxy for a native connector. For an
// imported connector it only points the implementing service at the
// connector's outputs.
func (a *Adapter) TranslateConnector(_ context.Context, conn *engine.ConnectorInstance, typ *config.ComponentSpec, parent *engine.CompositeInstance, source engine.Source, adjacents []engine.Adjacent, _ engine.Options) ([]engine.Artifact, error) {
	path := parent.ChildPath(conn.Name)
	name := command.ServiceName(path)

	if typ != nil {
		env := map[string]string{}
		for _, kv := range command.PeerEnv(adjacents) {
			env[kv[0]] = kv[1]
		}
		file := &File{Services: map[string]*Service{name: {Environment: env}}}
		return artifact(parent.Path(), conn.Name, TypeProxy, ".proxy.yaml", file)
	}

	svc := &Service{
		Image:   ProxyImage,
		Labels:  labels(path, conn.Type, conn.Labels),
		Configs: []ConfigMount{{Source: name, Target: "/etc/nginx/nginx.conf"}},
	}
	if source.Upstream != nil {
		svc.Labels["forge.upstream"] = source.Upstream.Path()
	}

	routePath := ""
	if ep := source.Entrypoint; ep != nil {
		routePath = ep.Path
		if ep.Publish {
			svc.Ports = append(svc.Ports, fmt.Sprintf("%d:%d", ep.Protocol.Port, conn.Protocol.Port))
		}
	}

	file := &File{
		Services: map[string]*Service{name: svc},
		Configs:  map[string]*Config{name: {Content: NginxConfig(name, conn.Protocol.Port, routePath, adjacents)}},
	}
	return artifact(parent.Path(), conn.Name, TypeProxy, ".proxy.yaml", file)
}

// PackArtifacts merges every service and proxy fragment into the project
// file, which becomes the only artifact.
func (a *Adapter) PackArtifacts(_ context.Context, artifacts []engine.Artifact, _ engine.Options) ([]engine.Artifact, error) {
	idx := projectIndex(artifacts)
	if idx < 0 {
		return nil, errdefs.New(errdefs.KindInternal, "compose project artifact is missing")
	}

	project := &File{}
	if err := yaml.Unmarshal(artifacts[idx].Content, project); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, "failed to read compose project", err)
	}
	for i, art := range artifacts {
		if i == idx {
			continue
		}
		fragment := &File{}
		if err := yaml.Unmarshal(art.Content, fragment); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, "failed to read compose fragment", err).
				WithPath(engine.JoinPath(art.Prefix, art.Name))
		}
		project.merge(fragment)
	}

	packed, err := artifact(artifacts[idx].Prefix, artifacts[idx].Name, TypeProject, artifacts[idx].Suffix, project)
	if err != nil {
		return nil, err
	}
	return packed, nil
}

// DeployCommand implements command.Adapter.
func (a *Adapter) DeployCommand(artifacts []engine.Artifact, _ engine.Options) (command.Command, error) {
	return composeCommand(artifacts, "up", "-d", "--remove-orphans")
}

// UndeployCommand implements command.Adapter.
func (a *Adapter) UndeployCommand(artifacts []engine.Artifact, _ engine.Options) (command.Command, error) {
	return composeCommand(artifacts, "down", "--remove-orphans")
}

// DeployArtifacts runs "docker compose up" on the packed project.
func (a *Adapter) DeployArtifacts(ctx context.Context, artifacts []engine.Artifact, opts engine.Options) error {
	return command.Deploy(ctx, a.runnerFor(opts), a, artifacts, opts)
}

// UndeployArtifacts runs "docker compose down" on the packed project.
func (a *Adapter) UndeployArtifacts(ctx context.Context, artifacts []engine.Artifact, opts engine.Options) error {
	return command.Undeploy(ctx, a.runnerFor(opts), a, artifacts, opts)
}

func (a *Adapter) runnerFor(opts engine.Options) command.Runner {
	if a.runner != nil {
		return a.runner
	}
	return command.Local{Logger: opts.Logger}
}

func composeCommand(artifacts []engine.Artifact, args ...string) (command.Command, error) {
	idx := projectIndex(artifacts)
	if idx < 0 {
		return command.Command{}, errdefs.New(errdefs.KindInternal, "compose project artifact is missing")
	}
	project := artifacts[idx]
	return command.Command{
		Name: "docker",
		Args: append([]string{"compose", "-p", command.ServiceName(project.Name), "-f", project.FileName()}, args...),
	}, nil
}

func projectIndex(artifacts []engine.Artifact) int {
	for i, art := range artifacts {
		if art.Type == TypeProject {
			return i
		}
	}
	return -1
}

func artifact(prefix, name, typ, suffix string, file *File) ([]engine.Artifact, error) {
	content, err := yaml.Marshal(file)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, "failed to encode compose file", err)
	}
	return []engine.Artifact{{Prefix: prefix, Name: name, Type: typ, Suffix: suffix, Content: content}}, nil
}

func labels(path, typ string, extra config.Map[string]) map[string]string {
	out := map[string]string{
		"forge.path": path,
		"forge.type": typ,
	}
	for _, key := range extra.Keys() {
		out[key], _ = extra.Get(key)
	}
	return out
}

func resources(m config.Map[string]) *Resources {
	cpu, hasCPU := m.Get(string(engine.ResourceCPU))
	mem, hasMem := m.Get(string(engine.ResourceMemory))
	if !hasCPU && !hasMem {
		return nil
	}

	limits, reservations := &ResourceSpec{}, &ResourceSpec{}
	if r, ok := engine.ParseRange(cpu); ok {
		limits.CPUs, reservations.CPUs = r.Max, r.Min
	}
	if r, ok := engine.ParseRange(mem); ok {
		limits.Memory, reservations.Memory = megabytes(r.Max), megabytes(r.Min)
	}

	res := &Resources{}
	if *limits != (ResourceSpec{}) {
		res.Limits = limits
	}
	if *reservations != (ResourceSpec{}) {
		res.Reservations = reservations
	}
	return res
}

func megabytes(v string) string {
	if v == "" {
		return ""
	}
	return v + "M"
}

// addVolume mounts v into svc. tmpfs volumes stay inside the container;
// every other volume is a named volume, backed by its URL or, when it is
// permanent, by the default storage URL.
func addVolume(file *File, svc *Service, service string, v engine.VolumeSpec, opts engine.Options) error {
	target := v.Path
	if target == "" {
		target = "/data/" + v.Name
	}
	if v.Type == "tmpfs" {
		svc.Tmpfs = append(svc.Tmpfs, target)
		return nil
	}

	name := service + "-" + command.ServiceName(v.Name)
	svc.Volumes = append(svc.Volumes, name+":"+target)

	vol := &Volume{Labels: map[string]string{
		"forge.scope":      string(v.Scope),
		"forge.durability": string(v.Durability),
	}}

	storage := v.URL
	if storage == "" && v.Durability == engine.DurabilityPermanent {
		storage = opts.StorageURL
	}
	if storage != "" {
		u, err := url.Parse(storage)
		if err != nil {
			return err
		}
		switch u.Scheme {
		case "nfs":
			vol.Driver = "local"
			vol.DriverOpts = map[string]string{
				"type":   "nfs",
				"o":      "addr=" + u.Hostname() + ",rw",
				"device": ":" + strings.TrimSuffix(u.Path, "/") + "/" + name,
			}
		case "file", "":
			vol.Driver = "local"
			vol.DriverOpts = map[string]string{
				"type":   "none",
				"o":      "bind",
				"device": strings.TrimSuffix(u.Path, "/") + "/" + name,
			}
		default:
			return fmt.Errorf("unsupported storage scheme %q", u.Scheme)
		}
		vol.Labels["forge.storage"] = u.Redacted()
	}

	if file.Volumes == nil {
		file.Volumes = map[string]*Volume{}
	}
	file.Volumes[name] = vol
	return nil
}

// NginxConfig renders the proxy configuration of a connector listening on
// port. A route path selects HTTP proxying; without one the connector is
// a plain TCP proxy.
func NginxConfig(upstream string, port int, routePath string, adjacents []engine.Adjacent) string {
	var b strings.Builder
	b.WriteString("events {}\n")

	if routePath == "" {
		b.WriteString("stream {\n")
	} else {
		b.WriteString("http {\n")
	}

	fmt.Fprintf(&b, "    upstream %s {\n", upstream)
	for _, adj := range adjacents {
		fmt.Fprintf(&b, "        server %s:%d;\n", command.ServiceName(adj.Path()), adj.Protocol.Port)
	}
	b.WriteString("    }\n")

	b.WriteString("    server {\n")
	fmt.Fprintf(&b, "        listen %d;\n", port)
	if routePath == "" {
		fmt.Fprintf(&b, "        proxy_pass %s;\n", upstream)
	} else {
		fmt.Fprintf(&b, "        location %s {\n", routePath)
		fmt.Fprintf(&b, "            proxy_pass http://%s;\n", upstream)
		b.WriteString("        }\n")
	}
	b.WriteString("    }\n}\n")
	return b.String()
}
