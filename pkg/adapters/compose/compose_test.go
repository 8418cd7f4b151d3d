package compose

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/stackforge/pkg/adapters/adaptertest"
	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func compileShop(t *testing.T, opts engine.Options) *File {
	t.Helper()

	result := adaptertest.Compile(t, adaptertest.Shop, adaptertest.ShopURL, New(), opts)
	if len(result.Artifacts) != 1 {
		t.Fatalf("Expected a single packed artifact, got %d", len(result.Artifacts))
	}
	project := adaptertest.Find(t, result.Artifacts, "prod.compose.yaml")

	file := &File{}
	if err := yaml.Unmarshal(project.Content, file); err != nil {
		t.Fatalf("Expected valid compose YAML, got: %v", err)
	}
	return file
}

func TestAdapter_Shop(t *testing.T) {
	file := compileShop(t, adaptertest.Options(t, "compose"))

	if file.Name != "prod" {
		t.Errorf("Expected project name prod, got %q", file.Name)
	}
	for _, name := range []string{"prod-web", "prod-backend", "prod-ingress"} {
		if file.Services[name] == nil {
			t.Fatalf("Expected service %s, got %v", name, file.Services)
		}
	}
	if len(file.Services) != 3 {
		t.Errorf("Expected 3 services, got %d", len(file.Services))
	}

	web := file.Services["prod-web"]
	if web.Image != "nginx:1.25" {
		t.Errorf("Expected image nginx:1.25, got %q", web.Image)
	}
	if web.Deploy == nil || web.Deploy.Replicas == nil || *web.Deploy.Replicas != 2 {
		t.Errorf("Expected 2 replicas, got %+v", web.Deploy)
	}
	env := map[string]string{"VERSION": "1.25", "API_HOST": "prod-backend", "API_PORT": "8080"}
	for k, v := range env {
		if web.Environment[k] != v {
			t.Errorf("Expected %s=%s, got %q", k, v, web.Environment[k])
		}
	}
	if len(web.Tmpfs) != 1 || web.Tmpfs[0] != "/var/cache/nginx" {
		t.Errorf("Expected tmpfs cache, got %v", web.Tmpfs)
	}
	res := web.Deploy.Resources
	if res == nil || res.Limits.CPUs != "2" || res.Limits.Memory != "512M" || res.Reservations.CPUs != "0.5" {
		t.Errorf("Unexpected resources %+v", res)
	}
	if web.Labels["forge.path"] != "prod.web" {
		t.Errorf("Expected path label, got %v", web.Labels)
	}

	backend := file.Services["prod-backend"]
	if len(backend.Volumes) != 1 || backend.Volumes[0] != "prod-backend-data:/var/lib/api" {
		t.Errorf("Unexpected backend volumes %v", backend.Volumes)
	}
	vol := file.Volumes["prod-backend-data"]
	if vol == nil || vol.DriverOpts["type"] != "nfs" || vol.DriverOpts["device"] != ":/exports/prod-backend-data" {
		t.Errorf("Expected an nfs backed volume, got %+v", vol)
	}

	ingress := file.Services["prod-ingress"]
	if ingress.Image != ProxyImage {
		t.Errorf("Expected proxy image, got %q", ingress.Image)
	}
	if len(ingress.Ports) != 1 || ingress.Ports[0] != "80:80" {
		t.Errorf("Expected published port 80, got %v", ingress.Ports)
	}
	conf := file.Configs["prod-ingress"]
	if conf == nil {
		t.Fatalf("Expected nginx config for the ingress")
	}
	for _, want := range []string{"server prod-web:80;", "listen 80;", "location / {", "proxy_pass http://prod-ingress;"} {
		if !strings.Contains(conf.Content, want) {
			t.Errorf("Expected nginx config to contain %q, got:\n%s", want, conf.Content)
		}
	}
}

func TestAdapter_Registry(t *testing.T) {
	opts := adaptertest.Options(t, "compose")
	opts.RegistryURL = "registry.local:5000"

	file := compileShop(t, opts)
	if got := file.Services["prod-backend"].Image; got != "registry.local:5000/example/api" {
		t.Errorf("Expected registry prefixed image, got %q", got)
	}
	if got := file.Services["prod-ingress"].Image; got != ProxyImage {
		t.Errorf("Expected the proxy image to stay unprefixed, got %q", got)
	}
}

func TestAdapter_Deterministic(t *testing.T) {
	opts := adaptertest.Options(t, "compose")
	first := adaptertest.Compile(t, adaptertest.Shop, adaptertest.ShopURL, New(), opts)
	second := adaptertest.Compile(t, adaptertest.Shop, adaptertest.ShopURL, New(), opts)

	if !bytes.Equal(first.Artifacts[0].Content, second.Artifacts[0].Content) {
		t.Errorf("Expected identical output, got:\n%s\n---\n%s", first.Artifacts[0].Content, second.Artifacts[0].Content)
	}
}

func TestAdapter_DeployCommands(t *testing.T) {
	runner := &adaptertest.Runner{}
	adapter := New(WithRunner(runner))
	compiler := engine.NewCompiler(config.NewLoader(adaptertest.Shop, nil), adapter, engine.WithLogger(zerolog.Nop()))
	opts := adaptertest.Options(t, "compose")
	ctx := context.Background()

	if _, err := compiler.Deploy(ctx, adaptertest.ShopURL, opts); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := compiler.Undeploy(ctx, adaptertest.ShopURL, opts); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []adaptertest.Call{
		{Dir: opts.OutputDir, Command: "docker compose -p prod -f prod.compose.yaml up -d --remove-orphans"},
		{Dir: opts.OutputDir, Command: "docker compose -p prod -f prod.compose.yaml down --remove-orphans"},
	}
	if len(runner.Calls) != len(want) {
		t.Fatalf("Expected %d calls, got %+v", len(want), runner.Calls)
	}
	for i := range want {
		if runner.Calls[i] != want[i] {
			t.Errorf("Expected %+v, got %+v", want[i], runner.Calls[i])
		}
	}

	runner.Err = errors.New("daemon not running")
	if _, err := compiler.Deploy(ctx, adaptertest.ShopURL, opts); !errdefs.IsKind(err, errdefs.KindAdapterError) {
		t.Errorf("Expected AdapterError, got: %v", err)
	}
}

func TestAdapter_VolumeStorage(t *testing.T) {
	tests := []struct {
		name    string
		vol     engine.VolumeSpec
		storage string
		driver  map[string]string
		wantErr bool
	}{
		{
			name:    "ephemeral ignores default storage",
			vol:     engine.VolumeSpec{Name: "scratch", Durability: engine.DurabilityEphemeral},
			storage: "nfs://filer/exports",
		},
		{
			name:   "explicit file url",
			vol:    engine.VolumeSpec{Name: "data", Durability: engine.DurabilityEphemeral, URL: "file:///srv/volumes"},
			driver: map[string]string{"type": "none", "o": "bind", "device": "/srv/volumes/svc-data"},
		},
		{
			name:    "unsupported scheme",
			vol:     engine.VolumeSpec{Name: "data", Durability: engine.DurabilityPermanent},
			storage: "s3://bucket",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := &File{}
			svc := &Service{}
			err := addVolume(file, svc, "svc", tt.vol, engine.Options{StorageURL: tt.storage})
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			vol := file.Volumes["svc-"+tt.vol.Name]
			if vol == nil {
				t.Fatalf("Expected a named volume, got %v", file.Volumes)
			}
			if len(tt.driver) == 0 && vol.Driver != "" {
				t.Errorf("Expected the default driver, got %+v", vol)
			}
			for k, v := range tt.driver {
				if vol.DriverOpts[k] != v {
					t.Errorf("Expected %s=%s, got %q", k, v, vol.DriverOpts[k])
				}
			}
		})
	}
}

func TestNginxConfig_Stream(t *testing.T) {
	conf := NginxConfig("db-lb", 5432, "", []engine.Adjacent{
		{Endpoint: "sql", Protocol: engine.Protocol{Scheme: "tcp", Port: 5432}, Type: engine.AdjacentBasic, Prefix: "db", Name: "a"},
		{Endpoint: "sql", Protocol: engine.Protocol{Scheme: "tcp", Port: 5432}, Type: engine.AdjacentBasic, Prefix: "db", Name: "b"},
	})

	want := `events {}
stream {
    upstream db-lb {
        server db-a:5432;
        server db-b:5432;
    }
    server {
        listen 5432;
        proxy_pass db-lb;
    }
}
`
	if conf != want {
		t.Errorf("Unexpected config:\n%s", conf)
	}
}
