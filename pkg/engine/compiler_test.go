package engine

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/errdefs"
)

type denyAll struct{ called bool }

func (d *denyAll) Check(_ context.Context, registry *Registry) error {
	d.called = true
	return errdefs.New(errdefs.KindPolicyViolation, "denied").WithPath(registry.Paths()[0])
}

func readDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Expected to read %s, got: %v", dir, err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func TestCompiler_Compile(t *testing.T) {
	adapter := newRecorder()
	compiler := NewCompiler(config.NewLoader(shopDocs, nil), adapter)

	result, err := compiler.Compile(context.Background(), "/srv/prod.yaml", Options{Target: "recorder"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.ID == "" {
		t.Error("Expected a compile ID")
	}
	if result.Root.Info().Path() != "prod" {
		t.Errorf("Expected root prod, got %s", result.Root.Info().Path())
	}
	if result.Registry.Len() != 3 {
		t.Errorf("Expected 3 instances, got %v", result.Registry.Paths())
	}
	if len(result.Artifacts) != 3 {
		t.Errorf("Expected 3 artifacts, got %v", fileNames(result.Artifacts))
	}
	if string(result.Artifacts[0].Content) != "example/api" {
		t.Errorf("Expected backend artifact first, got %q", result.Artifacts[0].Content)
	}
}

func TestCompiler_ComputesIdenticalOutputTwice(t *testing.T) {
	compiler := NewCompiler(config.NewLoader(mallDocs, nil), newRecorder())
	ctx := context.Background()

	first, err := compiler.Compile(ctx, "/srv/mall.yaml", Options{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	second, err := compiler.Compile(ctx, "/srv/mall.yaml", Options{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if first.ID == second.ID {
		t.Error("Expected distinct compile IDs")
	}
	if !reflect.DeepEqual(first.Artifacts, second.Artifacts) {
		t.Errorf("Expected identical artifacts, got %v and %v", fileNames(first.Artifacts), fileNames(second.Artifacts))
	}
}

func TestCompiler_Validate(t *testing.T) {
	compiler := NewCompiler(config.NewLoader(shopDocs, nil), nil)

	result, err := compiler.Validate(context.Background(), "/srv/prod.yaml")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(result.Artifacts) != 0 {
		t.Errorf("Expected no artifacts from validate, got %d", len(result.Artifacts))
	}

	if _, err := compiler.Compile(context.Background(), "/srv/prod.yaml", Options{}); errdefs.KindOf(err) != errdefs.KindInternal {
		t.Errorf("Expected internal error without an adapter, got %v", err)
	}
}

func TestCompiler_PolicyStopsCompile(t *testing.T) {
	adapter := newRecorder()
	policy := &denyAll{}
	compiler := NewCompiler(config.NewLoader(shopDocs, nil), adapter, WithPolicy(policy))

	_, err := compiler.Compile(context.Background(), "/srv/prod.yaml", Options{})
	expectKind(t, err, errdefs.KindPolicyViolation)
	if !policy.called {
		t.Error("Expected the policy to run")
	}
	if len(adapter.calls) != 0 {
		t.Errorf("Expected no adapter calls, got %v", adapter.calls)
	}
}

func TestCompiler_ResolveErrorStopsCompile(t *testing.T) {
	d := shopDocs.with(docs{"/m/api.yaml": `
name: api
type: basic
source: example/api
endpoints:
  http:
    direction: in
`})
	adapter := newRecorder()

	_, err := NewCompiler(config.NewLoader(d, nil), adapter).Compile(context.Background(), "/srv/prod.yaml", Options{})
	expectKind(t, err, errdefs.KindMissingAttribute)
	if len(adapter.calls) != 0 {
		t.Errorf("Expected no adapter calls, got %v", adapter.calls)
	}
}

func TestCompiler_DeployWritesArtifacts(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	if err := os.MkdirAll(out, 0755); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := os.WriteFile(filepath.Join(out, "stale.txt"), []byte("old"), 0644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	adapter := newRecorder()
	compiler := NewCompiler(config.NewLoader(shopDocs, nil), adapter)

	result, err := compiler.Deploy(context.Background(), "/srv/prod.yaml", Options{OutputDir: out})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"prod.backend.txt", "prod.ingress.txt", "prod.web.txt"}
	if got := readDir(t, out); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected files %v, got %v", want, got)
	}
	if !reflect.DeepEqual(adapter.deployed, result.Artifacts) {
		t.Error("Expected the adapter to receive the written artifacts")
	}
	if adapter.calls[len(adapter.calls)-1] != "deploy" {
		t.Errorf("Expected deploy last, got %v", adapter.calls)
	}

	if _, err := compiler.Undeploy(context.Background(), "/srv/prod.yaml", Options{OutputDir: out}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(adapter.undeployed) != 3 {
		t.Errorf("Expected 3 undeployed artifacts, got %d", len(adapter.undeployed))
	}
}

func TestCompiler_FailedCompileWritesNothing(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	if err := os.MkdirAll(out, 0755); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := os.WriteFile(filepath.Join(out, "keep.txt"), []byte("keep"), 0644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	adapter := newRecorder()
	adapter.failOn = "connector prod.ingress"

	_, err := NewCompiler(config.NewLoader(shopDocs, nil), adapter).Deploy(context.Background(), "/srv/prod.yaml", Options{OutputDir: out})
	expectKind(t, err, errdefs.KindAdapterError)

	if got := readDir(t, out); !reflect.DeepEqual(got, []string{"keep.txt"}) {
		t.Errorf("Expected output directory untouched, got %v", got)
	}
	for _, call := range adapter.calls {
		if call == "deploy" {
			t.Error("Expected deploy not to be called")
		}
	}
}

func TestCompiler_DeployFailure(t *testing.T) {
	adapter := newRecorder()
	adapter.failOn = "deploy"

	result, err := NewCompiler(config.NewLoader(shopDocs, nil), adapter).
		Deploy(context.Background(), "/srv/prod.yaml", Options{OutputDir: filepath.Join(t.TempDir(), "out")})
	expectKind(t, err, errdefs.KindAdapterError)
	if result == nil || len(result.Artifacts) != 3 {
		t.Errorf("Expected the compile result alongside the deploy error, got %+v", result)
	}
}

func TestWriteArtifacts(t *testing.T) {
	tests := []struct {
		name      string
		artifacts []Artifact
		kind      errdefs.Kind
	}{
		{
			name:      "duplicate names",
			artifacts: []Artifact{{Name: "web", Suffix: ".yaml"}, {Name: "web", Suffix: ".yaml"}},
			kind:      errdefs.KindDuplicateName,
		},
		{
			name:      "path traversal",
			artifacts: []Artifact{{Name: "../web", Suffix: ".yaml"}},
			kind:      errdefs.KindAdapterError,
		},
		{
			name:      "nested path",
			artifacts: []Artifact{{Name: "a/b", Suffix: ".yaml"}},
			kind:      errdefs.KindAdapterError,
		},
		{
			name:      "empty name",
			artifacts: []Artifact{{}},
			kind:      errdefs.KindAdapterError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := t.TempDir()
			if err := os.WriteFile(filepath.Join(out, "keep.txt"), nil, 0644); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			expectKind(t, WriteArtifacts(out, tt.artifacts), tt.kind)
			if got := readDir(t, out); !reflect.DeepEqual(got, []string{"keep.txt"}) {
				t.Errorf("Expected output directory untouched, got %v", got)
			}
		})
	}
}

func TestWriteArtifacts_RefusesUnsafeDirectory(t *testing.T) {
	for _, dir := range []string{"", ".", "/"} {
		expectKind(t, WriteArtifacts(dir, nil), errdefs.KindUnsupportedValue)
	}
}

func TestWriteArtifacts_Content(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "out")
	artifacts := []Artifact{
		{Prefix: "shop", Name: "web", Suffix: "-deployment.yaml", Content: []byte("kind: Deployment\n")},
		{Name: "docker-compose", Suffix: ".yaml", Content: []byte("services: {}\n")},
	}

	if err := WriteArtifacts(out, artifacts); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(out, "shop.web-deployment.yaml"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != "kind: Deployment\n" {
		t.Errorf("Unexpected content %q", data)
	}
	if got := readDir(t, out); len(got) != 2 {
		t.Errorf("Expected 2 files, got %v", got)
	}
}
