package engine

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/rs/zerolog"
)

func TestResolver_ResolvesHierarchy(t *testing.T) {
	root, registry := mustResolve(t, shopDocs, "/srv/prod.yaml")

	comp, ok := root.(*CompositeInstance)
	if !ok {
		t.Fatalf("Expected composite root, got %T", root)
	}
	if comp.Path() != "prod" || comp.Type != "shop" {
		t.Errorf("Unexpected root %s of type %s", comp.Path(), comp.Type)
	}

	want := []string{"prod", "prod.web", "prod.backend"}
	if got := registry.Paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected paths %v, got %v", want, got)
	}

	web, err := registry.Basic("prod.web")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if web.Parent != comp {
		t.Error("Expected web to point at its parent composite")
	}
	if web.Source != "nginx:1.25" {
		t.Errorf("Expected source substitution, got %q", web.Source)
	}
	if web.Durability != DurabilityEphemeral || web.Runtime != RuntimeDocker {
		t.Errorf("Expected defaults, got %s/%s", web.Durability, web.Runtime)
	}
	if web.Cardinality != "[1:1]" {
		t.Errorf("Expected default cardinality, got %s", web.Cardinality)
	}

	ep, _ := web.Endpoints.Get("http")
	if ep.Protocol.String() != "tcp:80" {
		t.Errorf("Expected normalized protocol tcp:80, got %s", ep.Protocol)
	}

	vol, _ := web.Volumes.Get("cache")
	if vol.Scope != ScopeGlobal || vol.Durability != DurabilityPermanent {
		t.Errorf("Expected volume defaults, got %+v", vol)
	}

	backend, err := registry.Basic("prod.backend")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if url, _ := backend.Variables.Get("URL"); url != "http://localhost:8080" {
		t.Errorf("Expected variable expansion, got %q", url)
	}

	api, _ := comp.Connectors.Get("api")
	if api.Kind != ConnectorLink || api.Protocol.String() != "tcp:8080" {
		t.Errorf("Unexpected api connector %+v", api)
	}
	ingress, _ := comp.Connectors.Get("ingress")
	if ingress.Kind != ConnectorNative {
		t.Errorf("Expected native ingress, got %s", ingress.Kind)
	}
}

func TestResolver_DeploymentOverridesModelVariables(t *testing.T) {
	d := docs{
		"/m/web.yaml": webDoc,
		"/srv/web.yaml": `
name: front
model: /m/web.yaml
variables:
  X: "7"
`,
	}

	root, _ := mustResolve(t, d, "/srv/web.yaml")
	if x, _ := root.Info().Variables.Get("X"); x != "7" {
		t.Errorf("Expected X=7, got %q", x)
	}
	if v, _ := root.Info().Variables.Get("VERSION"); v != "1.25" {
		t.Errorf("Expected untouched VERSION, got %q", v)
	}
}

func TestResolver_SubcomponentVariables(t *testing.T) {
	d := shopDocs.with(docs{"/m/shop.yaml": strings.Replace(shopDoc, `  backend:
    type: Api
`, `  backend:
    type: Api
    variables:
      PORT: "{{BASE + 1}}"
`, 1) + `variables:
  BASE: "8999"
`})
	d = d.with(docs{"/m/web.yaml": strings.Replace(webDoc, "tcp:8080", "tcp:9000", 1)})

	_, registry := mustResolve(t, d, "/srv/prod.yaml")

	backend, err := registry.Basic("prod.backend")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if port, _ := backend.Variables.Get("PORT"); port != "9000" {
		t.Errorf("Expected PORT evaluated in the parent scope, got %q", port)
	}
	ep, _ := backend.Endpoints.Get("http")
	if ep.Protocol.Port != 9000 {
		t.Errorf("Expected endpoint port 9000, got %d", ep.Protocol.Port)
	}
}

func TestResolver_Errors(t *testing.T) {
	tests := []struct {
		name string
		docs docs
		kind errdefs.Kind
		attr string
	}{
		{
			name: "missing protocol",
			docs: shopDocs.with(docs{"/m/api.yaml": strings.Replace(apiDoc, "    protocol: tcp:{{PORT}}\n", "", 1)}),
			kind: errdefs.KindMissingAttribute,
			attr: "protocol",
		},
		{
			name: "bad protocol",
			docs: shopDocs.with(docs{"/m/api.yaml": strings.Replace(apiDoc, "tcp:{{PORT}}", "udp:53", 1)}),
			kind: errdefs.KindUnsupportedFormat,
			attr: "protocol",
		},
		{
			name: "mixed output protocols",
			docs: shopDocs.with(docs{"/m/shop.yaml": strings.Replace(shopDoc, `    outputs:
      - {subcomponent: web, endpoint: http}
`, `    outputs:
      - {subcomponent: web, endpoint: http}
      - {subcomponent: backend, endpoint: http}
`, 1)}),
			kind: errdefs.KindIncompatibleProtocols,
			attr: "connectors.ingress.outputs",
		},
		{
			name: "input protocol mismatch",
			docs: shopDocs.with(docs{"/m/web.yaml": strings.Replace(webDoc, "tcp:8080", "tcp:9090", 1)}),
			kind: errdefs.KindIncompatibleProtocols,
			attr: "connectors.api.inputs",
		},
		{
			name: "published protocol mismatch",
			docs: shopDocs.with(docs{"/m/shop.yaml": strings.Replace(shopDoc, "    mapping: ingress\n", "    mapping: api\n", 1)}),
			kind: errdefs.KindIncompatibleProtocols,
			attr: "endpoints.public.protocol",
		},
		{
			name: "unfed connector",
			docs: shopDocs.with(docs{"/m/shop.yaml": shopDoc[:strings.Index(shopDoc, "endpoints:")]}),
			kind: errdefs.KindOrphanConnector,
			attr: "connectors.ingress.inputs",
		},
		{
			name: "duplicate input",
			docs: shopDocs.with(docs{"/m/shop.yaml": strings.Replace(shopDoc, "endpoints:\n", `  again:
    type: Link
    inputs:
      - {subcomponent: web, endpoint: api}
    outputs:
      - {subcomponent: backend, endpoint: http}
endpoints:
`, 1)}),
			kind: errdefs.KindDuplicateName,
			attr: "connectors.again.inputs",
		},
		{
			name: "unknown subcomponent type",
			docs: shopDocs.with(docs{"/m/shop.yaml": strings.Replace(shopDoc, "type: Api\n", "type: Db\n", 1)}),
			kind: errdefs.KindUnknownType,
			attr: "subcomponents.backend.type",
		},
		{
			name: "unpublished variable",
			docs: shopDocs.with(docs{"/m/shop.yaml": strings.Replace(shopDoc, "    type: Web\n", "    type: Web\n    variables:\n      NOPE: x\n", 1)}),
			kind: errdefs.KindUnresolvedReference,
			attr: "subcomponents.web.variables.NOPE",
		},
		{
			name: "variable cycle",
			docs: shopDocs.with(docs{"/m/api.yaml": strings.Replace(apiDoc, `  PORT: "8080"`, `  PORT: "{{OTHER}}"
  OTHER: "{{PORT}}"`, 1)}),
			kind: errdefs.KindCyclicReference,
			attr: "variables.PORT",
		},
		{
			name: "undefined variable",
			docs: shopDocs.with(docs{"/m/api.yaml": strings.Replace(apiDoc, "{{PORT}}\"", "{{HOST}}\"", 1)}),
			kind: errdefs.KindUnresolvedReference,
			attr: "variables.URL",
		},
		{
			name: "bad durability",
			docs: shopDocs.with(docs{"/m/api.yaml": apiDoc + "durability: forever\n"}),
			kind: errdefs.KindUnsupportedValue,
			attr: "durability",
		},
		{
			name: "bad cardinality",
			docs: shopDocs.with(docs{"/m/api.yaml": apiDoc + "cardinality: lots\n"}),
			kind: errdefs.KindUnsupportedFormat,
			attr: "cardinality",
		},
		{
			name: "entrypoint on unknown endpoint",
			docs: shopDocs.with(docs{"/srv/prod.yaml": strings.Replace(prodDoc, "mapping: public", "mapping: private", 1)}),
			kind: errdefs.KindUnresolvedReference,
			attr: "entrypoints.www.mapping",
		},
		{
			name: "link with two outputs",
			docs: shopDocs.with(docs{"/m/shop.yaml": strings.Replace(shopDoc, `      - {subcomponent: backend, endpoint: http}
`, `      - {subcomponent: backend, endpoint: http}
      - {subcomponent: web, endpoint: http}
`, 1)}),
			kind: errdefs.KindUnsupportedValue,
			attr: "connectors.api",
		},
		{
			name: "missing import",
			docs: docs{"/m/shop.yaml": shopDoc, "/m/web.yaml": webDoc, "/srv/prod.yaml": prodDoc},
			kind: errdefs.KindFetchError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := resolveDocs(t, tt.docs, "/srv/prod.yaml")
			expectKind(t, err, tt.kind)

			if tt.attr == "" {
				return
			}
			e, ok := err.(*errdefs.Error)
			if !ok {
				t.Fatalf("Expected *errdefs.Error, got %T", err)
			}
			if e.Attribute != tt.attr {
				t.Errorf("Expected attribute %q, got %q (%v)", tt.attr, e.Attribute, err)
			}
		})
	}
}

func TestResolver_ErrorCarriesInstancePath(t *testing.T) {
	d := shopDocs.with(docs{"/m/api.yaml": strings.Replace(apiDoc, "    protocol: tcp:{{PORT}}\n", "", 1)})

	_, _, err := resolveDocs(t, d, "/srv/prod.yaml")
	if path := errdefs.PathOf(err); path != "prod.backend" {
		t.Errorf("Expected error at prod.backend, got %q (%v)", path, err)
	}
}

func TestResolver_ImportCycle(t *testing.T) {
	d := docs{
		"/m/a.yaml": `
name: a
type: composite
imports:
  B: b.yaml
subcomponents:
  b:
    type: B
`,
		"/m/b.yaml": `
name: b
type: composite
imports:
  A: a.yaml
`,
		"/srv/a.yaml": "name: top\nmodel: /m/a.yaml\n",
	}

	_, _, err := resolveDocs(t, d, "/srv/a.yaml")
	expectKind(t, err, errdefs.KindCyclicReference)
	if !strings.Contains(err.Error(), "/m/a.yaml -> /m/b.yaml -> /m/a.yaml") {
		t.Errorf("Expected the cycle in the message, got: %v", err)
	}
}

func TestResolver_SiblingInstancesDoNotAlias(t *testing.T) {
	d := shopDocs.with(docs{"/m/shop.yaml": strings.Replace(shopDoc, `  backend:
    type: Api
`, `  backend:
    type: Api
  replica:
    type: Api
    variables:
      PORT: "9000"
`, 1)})

	_, registry := mustResolve(t, d, "/srv/prod.yaml")

	a, _ := registry.Basic("prod.backend")
	b, _ := registry.Basic("prod.replica")
	if a == b {
		t.Fatal("Expected distinct instances for one type")
	}
	pa, _ := a.Endpoints.Get("http")
	pb, _ := b.Endpoints.Get("http")
	if pa.Protocol.Port != 8080 || pb.Protocol.Port != 9000 {
		t.Errorf("Expected ports 8080/9000, got %d/%d", pa.Protocol.Port, pb.Protocol.Port)
	}
}

func TestResolver_EntrypointPublishDefaults(t *testing.T) {
	root, registry := mustResolve(t, mallDocs, "/srv/mall.yaml")

	www, ok := root.(*CompositeInstance).Entrypoints.Get("www")
	if !ok {
		t.Fatal("Expected root entrypoint www")
	}
	if !www.Publish {
		t.Error("Expected root entrypoint to be published by default")
	}
	if www.Protocol.String() != "tcp:80" {
		t.Errorf("Expected entrypoint protocol from the endpoint, got %s", www.Protocol)
	}

	store, err := registry.Composite("mall.store")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	admin, ok := store.Entrypoints.Get("admin")
	if !ok {
		t.Fatal("Expected nested entrypoint admin")
	}
	if admin.Publish {
		t.Error("Expected nested entrypoint to be unpublished by default")
	}

	lb, _ := store.Connectors.Get("lb")
	if lb.Entrypoint == nil || lb.Entrypoint.Name != "admin" {
		t.Errorf("Expected admin attached to lb, got %+v", lb.Entrypoint)
	}
}

func TestResolver_ExplicitPublish(t *testing.T) {
	d := mallDocs.with(docs{"/m/mall.yaml": strings.Replace(mallDoc, "        mapping: http\n", "        mapping: http\n        publish: true\n", 1)})

	_, registry := mustResolve(t, d, "/srv/mall.yaml")
	store, _ := registry.Composite("mall.store")
	if admin, _ := store.Entrypoints.Get("admin"); !admin.Publish {
		t.Error("Expected explicit publish to win")
	}
}

func TestResolver_ImportedConnectors(t *testing.T) {
	root, registry := mustResolve(t, edgeDocs, "/srv/edge.yaml")
	edge := root.(*CompositeInstance)

	px, _ := edge.Connectors.Get("px")
	if px.Kind != ConnectorImported || px.Type != "Proxy" {
		t.Errorf("Expected px to be an imported Proxy, got %s %s", px.Kind, px.Type)
	}
	if px.Entrypoint == nil || px.Entrypoint.Name != "www" || px.Entrypoint.Path != "/shop" {
		t.Errorf("Expected px to be built with entrypoint www, got %+v", px.Entrypoint)
	}
	if got := px.Entrypoint.Protocol.String(); got != "tcp:443" {
		t.Errorf("Expected the templated entrypoint protocol tcp:443, got %s", got)
	}

	gw, _ := edge.Connectors.Get("gw")
	if gw.Entrypoint != nil {
		t.Errorf("Expected gw to have no entrypoint, got %+v", gw.Entrypoint)
	}

	mustBasic(t, registry, "edge.px")
	gateway := mustComposite(t, registry, "edge.gw")
	if gateway.Parent != edge {
		t.Errorf("Expected the gateway implementation to hang off edge")
	}
	mustBasic(t, registry, "edge.gw.px")
}

func TestResolver_EntrypointsFeedingOneConnector(t *testing.T) {
	d := edgeDocs.with(docs{"/srv/edge.yaml": `
kind: deployment
name: edge
model: /m/edge.yaml
entrypoints:
  www:
    mapping: public
  api:
    mapping: public
`})

	_, _, err := resolveDocs(t, d, "/srv/edge.yaml")
	expectKind(t, err, errdefs.KindDuplicateName)
	if !strings.Contains(err.Error(), `"www" and "api" both feed connector "px"`) {
		t.Errorf("Expected both entrypoints in the message, got: %v", err)
	}
}

// slowDocs delays one document until released and counts finished fetches.
type slowDocs struct {
	docs
	slow     string
	release  chan struct{}
	finished atomic.Int32
}

func (s *slowDocs) Fetch(ctx context.Context, url string) ([]byte, error) {
	defer s.finished.Add(1)
	if url == s.slow {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.docs.Fetch(ctx, url)
}

func TestResolver_ImportsSettleBeforeFailing(t *testing.T) {
	d := &slowDocs{
		docs:    edgeDocs.with(nil),
		slow:    "/m/proxy.yaml",
		release: make(chan struct{}),
	}
	delete(d.docs, "/m/app.yaml")

	// The proxy fetch is released only once the deployment, the model and
	// the other three imports, the missing one included, are done.
	go func() {
		for d.finished.Load() < 5 {
			time.Sleep(time.Millisecond)
		}
		close(d.release)
	}()

	loader := config.NewLoader(d, nil)
	ctx := context.Background()
	desc, err := loader.LoadDeployment(ctx, "/srv/edge.yaml")
	if err != nil {
		t.Fatalf("Expected deployment to load, got: %v", err)
	}
	before := d.finished.Load()

	_, err = NewResolver(loader, NewRegistry(), zerolog.Nop()).Resolve(ctx, desc, desc.Model, ResolveOptions{})
	expectKind(t, err, errdefs.KindFetchError)
	if !strings.Contains(err.Error(), "/m/app.yaml") {
		t.Errorf("Expected the app import to fail, got: %v", err)
	}
	// edge.yaml plus its four imports.
	if got := d.finished.Load() - before; got != 5 {
		t.Errorf("Expected every fetch to finish before the error, got %d", got)
	}
}

func TestResolver_ConcurrentImports(t *testing.T) {
	// One loader, and so one schema registry, validates every import.
	loader := config.NewLoader(edgeDocs, nil)
	ctx := context.Background()
	desc, err := loader.LoadDeployment(ctx, "/srv/edge.yaml")
	if err != nil {
		t.Fatalf("Expected deployment to load, got: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			root, err := NewResolver(loader, NewRegistry(), zerolog.Nop()).Resolve(ctx, desc, desc.Model, ResolveOptions{})
			if err != nil {
				errs <- err
				return
			}
			if n := root.(*CompositeInstance).Imports.Len(); n != 4 {
				errs <- fmt.Errorf("expected 4 imports, got %d", n)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
