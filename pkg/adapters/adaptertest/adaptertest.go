// Package adaptertest holds the documents and helpers the target adapter
// tests compile against.
package adaptertest

import (
	"context"
	"fmt"
	"testing"

	"github.com/openfroyo/stackforge/pkg/adapters/command"
	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/rs/zerolog"
)

// Docs serves documents from memory by URL.
type Docs map[string]string

// Fetch implements config.Fetcher.
func (d Docs) Fetch(_ context.Context, url string) ([]byte, error) {
	data, ok := d[url]
	if !ok {
		return nil, fmt.Errorf("no document at %s", url)
	}
	return []byte(data), nil
}

// Shop is a web frontend behind a native load balancer, calling a backend
// through a Link. The backend keeps permanent data.
var Shop = Docs{
	"/m/web.yaml": `
name: web
type: basic
source: nginx:{{VERSION}}
cardinality: "[2:4]"
variables:
  VERSION: "1.25"
resources:
  cpu: "[0.5:2]"
  memory: "[128:512]"
volumes:
  cache:
    type: tmpfs
    path: /var/cache/nginx
endpoints:
  http:
    direction: in
    protocol: http
  api:
    direction: out
    protocol: tcp:8080
`,
	"/m/api.yaml": `
name: api
type: basic
source: example/api
durability: permanent
variables:
  PORT: "8080"
volumes:
  data:
    path: /var/lib/api
    durability: permanent
endpoints:
  http:
    direction: in
    protocol: tcp:{{PORT}}
`,
	"/m/shop.yaml": `
name: shop
type: composite
imports:
  Web: web.yaml
  Api: api.yaml
subcomponents:
  web:
    type: Web
  backend:
    type: Api
connectors:
  ingress:
    type: LoadBalancer
    outputs:
      - {subcomponent: web, endpoint: http}
  api:
    type: Link
    inputs:
      - {subcomponent: web, endpoint: api}
    outputs:
      - {subcomponent: backend, endpoint: http}
endpoints:
  public:
    direction: in
    protocol: http
    mapping: ingress
`,
	"/srv/prod.yaml": `
kind: deployment
name: prod
model: /m/shop.yaml
entrypoints:
  www:
    mapping: public
    path: /
`,
}

// ShopURL is the deployment document of Shop.
const ShopURL = "/srv/prod.yaml"

// Options returns compile options writing to a temporary directory.
func Options(t *testing.T, target string) engine.Options {
	t.Helper()
	return engine.Options{
		Target:     target,
		OutputDir:  t.TempDir(),
		StorageURL: "nfs://filer.local/exports",
		Logger:     zerolog.Nop(),
	}
}

// Compile compiles url from docs with adapter and fails the test on error.
func Compile(t *testing.T, docs Docs, url string, adapter engine.TargetAdapter, opts engine.Options) *engine.Result {
	t.Helper()

	compiler := engine.NewCompiler(config.NewLoader(docs, nil), adapter, engine.WithLogger(zerolog.Nop()))
	result, err := compiler.Compile(context.Background(), url, opts)
	if err != nil {
		t.Fatalf("Expected compile to succeed, got: %v", err)
	}
	return result
}

// Find returns the artifact with the given file name.
func Find(t *testing.T, artifacts []engine.Artifact, fileName string) engine.Artifact {
	t.Helper()
	for _, a := range artifacts {
		if a.FileName() == fileName {
			return a
		}
	}
	names := make([]string, len(artifacts))
	for i, a := range artifacts {
		names[i] = a.FileName()
	}
	t.Fatalf("Expected artifact %s, got %v", fileName, names)
	return engine.Artifact{}
}

// Call is one command a Runner was asked to run.
type Call struct {
	Dir     string
	Command string
}

// Runner records commands instead of running them.
type Runner struct {
	Calls []Call
	Err   error
}

// Run records cmd.
func (r *Runner) Run(_ context.Context, dir string, cmd command.Command) (string, error) {
	r.Calls = append(r.Calls, Call{Dir: dir, Command: cmd.String()})
	return "", r.Err
}
