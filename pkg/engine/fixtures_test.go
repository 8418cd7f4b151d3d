package engine

import (
	"context"
	"testing"

	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/rs/zerolog"
)

// docs serves documents from memory by URL.
type docs map[string]string

func (d docs) Fetch(_ context.Context, url string) ([]byte, error) {
	data, ok := d[url]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindFetchError, "no document at %s", url)
	}
	return []byte(data), nil
}

// with returns a copy of d with the given documents replaced.
func (d docs) with(overrides docs) docs {
	out := make(docs, len(d)+len(overrides))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

const webDoc = `
name: web
type: basic
source: nginx:{{VERSION}}
variables:
  VERSION: "1.25"
  X: "5"
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
`

const apiDoc = `
name: api
type: basic
source: example/api
variables:
  PORT: "8080"
  URL: "http://localhost:{{PORT}}"
endpoints:
  http:
    direction: in
    protocol: tcp:{{PORT}}
`

const shopDoc = `
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
`

const prodDoc = `
kind: deployment
name: prod
model: /m/shop.yaml
entrypoints:
  www:
    mapping: public
    path: /
`

// shopDocs is a root composite wiring web to backend through a Link, with
// a native load balancer in front of web.
var shopDocs = docs{
	"/m/web.yaml":    webDoc,
	"/m/api.yaml":    apiDoc,
	"/m/shop.yaml":   shopDoc,
	"/srv/prod.yaml": prodDoc,
}

const storeDoc = `
name: store
type: composite
imports:
  Api: api.yaml
subcomponents:
  backend:
    type: Api
connectors:
  lb:
    type: LoadBalancer
    outputs:
      - {subcomponent: backend, endpoint: http}
endpoints:
  http:
    direction: in
    protocol: tcp:8080
    mapping: lb
`

const mallDoc = `
name: mall
type: composite
imports:
  Web: web.yaml
  Store: store.yaml
subcomponents:
  web:
    type: Web
  store:
    type: Store
    entrypoints:
      admin:
        mapping: http
connectors:
  api:
    type: Link
    inputs:
      - {subcomponent: web, endpoint: api}
    outputs:
      - {subcomponent: store, endpoint: http}
  front:
    type: Gateway
    outputs:
      - {subcomponent: web, endpoint: http}
endpoints:
  public:
    direction: in
    protocol: http
    mapping: front
`

// mallDocs nests a composite store behind a Link; store fronts its backend
// with a native load balancer.
var mallDocs = docs{
	"/m/web.yaml":   webDoc,
	"/m/api.yaml":   apiDoc,
	"/m/store.yaml": storeDoc,
	"/m/mall.yaml":  mallDoc,
	"/srv/mall.yaml": `
kind: deployment
name: mall
model: /m/mall.yaml
entrypoints:
  www:
    mapping: public
`,
}

const clientDoc = `
name: client
type: basic
source: example/client
endpoints:
  upstream:
    direction: out
    protocol: http
`

const appDoc = `
name: app
type: basic
source: example/app
endpoints:
  http:
    direction: in
    protocol: http
`

const proxyDoc = `
name: proxy
type: basic
source: envoyproxy/envoy:v1.29
endpoints:
  listen:
    direction: in
    protocol: http
  upstream:
    direction: out
    protocol: http
`

const gatewayDoc = `
name: gateway
type: composite
imports:
  Proxy: proxy.yaml
subcomponents:
  px:
    type: Proxy
connectors:
  lb:
    type: LoadBalancer
    outputs:
      - {subcomponent: px, endpoint: listen}
endpoints:
  ingress:
    direction: in
    protocol: http
    mapping: lb
  egress:
    direction: out
    protocol: http
    mapping: {subcomponent: px, endpoint: upstream}
`

const edgeDoc = `
name: edge
type: composite
variables:
  SCHEME: https
imports:
  Client: client.yaml
  App: app.yaml
  Proxy: proxy.yaml
  Gateway: gateway.yaml
subcomponents:
  client:
    type: Client
  ops:
    type: Client
  app:
    type: App
  admin:
    type: App
connectors:
  px:
    type: Proxy
    inputs:
      - {subcomponent: client, endpoint: upstream}
    outputs:
      - {subcomponent: app, endpoint: http}
  gw:
    type: Gateway
    inputs:
      - {subcomponent: ops, endpoint: upstream}
    outputs:
      - {subcomponent: admin, endpoint: http}
endpoints:
  public:
    direction: in
    protocol: http
    mapping: px
`

// edgeDocs types one connector with an imported basic (px) and another
// with an imported composite (gw) that leaves through a published "out"
// endpoint.
var edgeDocs = docs{
	"/m/client.yaml":  clientDoc,
	"/m/app.yaml":     appDoc,
	"/m/proxy.yaml":   proxyDoc,
	"/m/gateway.yaml": gatewayDoc,
	"/m/edge.yaml":    edgeDoc,
	"/srv/edge.yaml": `
kind: deployment
name: edge
model: /m/edge.yaml
entrypoints:
  www:
    mapping: public
    protocol: "{{SCHEME}}"
    path: /shop
`,
}

// resolveDocs loads the deployment at url from d and resolves it.
func resolveDocs(t *testing.T, d docs, url string) (Component, *Registry, error) {
	t.Helper()

	loader := config.NewLoader(d, nil)
	ctx := context.Background()

	desc, err := loader.LoadDeployment(ctx, url)
	if err != nil {
		t.Fatalf("Expected deployment to load, got: %v", err)
	}

	registry := NewRegistry()
	root, err := NewResolver(loader, registry, zerolog.Nop()).Resolve(ctx, desc, desc.Model, ResolveOptions{})
	return root, registry, err
}

// mustResolve resolves url and fails the test on error.
func mustResolve(t *testing.T, d docs, url string) (Component, *Registry) {
	t.Helper()
	root, registry, err := resolveDocs(t, d, url)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return root, registry
}

func expectKind(t *testing.T, err error, kind errdefs.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %s error, got nil", kind)
	}
	if got := errdefs.KindOf(err); got != kind {
		t.Fatalf("Expected %s error, got %s: %v", kind, got, err)
	}
}
