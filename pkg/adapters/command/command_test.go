package command

import (
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/rs/zerolog"
)

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{Command{Name: "kubectl", Args: []string{"apply", "-k", "."}}, "kubectl apply -k ."},
		{Command{Name: "docker", Args: []string{"compose", "-p", "my shop"}}, "docker compose -p 'my shop'"},
		{Command{Name: "echo", Args: []string{"it's"}}, `echo 'it'\''s'`},
		{Command{Name: "echo", Args: []string{""}}, "echo ''"},
	}

	for _, tt := range tests {
		if got := tt.cmd.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestNames(t *testing.T) {
	if got := ServiceName("Prod.web_1"); got != "prod-web-1" {
		t.Errorf("unexpected service name %q", got)
	}
	if got := EnvName("db-main"); got != "DB_MAIN" {
		t.Errorf("unexpected env name %q", got)
	}
}

func TestPeerEnv(t *testing.T) {
	tcp := engine.Protocol{Scheme: "tcp", Port: 5432}
	env := PeerEnv([]engine.Adjacent{
		{Endpoint: "db", Protocol: tcp, Type: engine.AdjacentBasic, Prefix: "prod", Name: "primary"},
		{Endpoint: "db", Protocol: tcp, Type: engine.AdjacentBasic, Prefix: "prod", Name: "replica"},
		{Endpoint: "cache", Protocol: engine.Protocol{Scheme: "tcp", Port: 6379}, Type: engine.AdjacentConnector, Prefix: "prod", Name: "lb"},
	})

	want := [][2]string{
		{"DB_HOST", "prod-primary,prod-replica"},
		{"DB_PORT", "5432"},
		{"CACHE_HOST", "prod-lb"},
		{"CACHE_PORT", "6379"},
	}
	if len(env) != len(want) {
		t.Fatalf("expected %d variables, got %v", len(want), env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("expected %v at %d, got %v", want[i], i, env[i])
		}
	}
}

func TestImage(t *testing.T) {
	tests := []struct {
		source, registry, want string
	}{
		{"nginx:1.25", "", "nginx:1.25"},
		{"nginx:1.25", "registry.local:5000/", "registry.local:5000/nginx:1.25"},
		{"example/api", "https://ghcr.io/acme", "ghcr.io/acme/example/api"},
	}
	for _, tt := range tests {
		if got := Image(tt.source, engine.Options{RegistryURL: tt.registry}); got != tt.want {
			t.Errorf("Image(%q, %q) = %q, expected %q", tt.source, tt.registry, got, tt.want)
		}
	}
}

func TestLocalRun(t *testing.T) {
	local := Local{Logger: zerolog.Nop()}
	dir := t.TempDir()

	out, err := local.Run(context.Background(), dir, Command{Name: "pwd"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), dir[strings.LastIndex(dir, "/"):]) {
		t.Errorf("expected command to run in %s, got %q", dir, out)
	}

	_, err = local.Run(context.Background(), dir, Command{Name: "sh", Args: []string{"-c", "echo nope >&2; exit 3"}})
	if err == nil || !strings.Contains(err.Error(), "code 3: nope") {
		t.Errorf("expected exit error with stderr, got: %v", err)
	}
}
