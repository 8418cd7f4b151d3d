package adapters

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/stackforge/pkg/adapters/remote"
	"github.com/openfroyo/stackforge/pkg/errdefs"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()
	module := filepath.Join(dir, "edge.wasm")
	if err := os.WriteFile(module, []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}, 0644); err != nil {
		t.Fatal(err)
	}
	key := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(key, []byte("key"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		target   string
		cfg      Config
		wantName string
		wantKind errdefs.Kind
	}{
		{name: "compose", target: "compose", wantName: "compose"},
		{name: "kubernetes alias", target: "kubernetes", wantName: "k8s"},
		{name: "plugin", target: "wasm:" + module, wantName: "edge"},
		{name: "remote compose", target: "compose", cfg: Config{Host: "deploy@edge-1:2222", KeyPath: key}, wantName: "compose@edge-1"},
		{name: "unknown", target: "nomad", wantKind: errdefs.KindUnsupportedValue},
		{name: "empty plugin", target: "wasm:", wantKind: errdefs.KindUnsupportedValue},
		{name: "missing plugin", target: "wasm:" + filepath.Join(dir, "nope.wasm"), wantKind: errdefs.KindAdapterError},
		{name: "missing key", target: "k8s", cfg: Config{Host: "edge-1", KeyPath: filepath.Join(dir, "nope")}, wantKind: errdefs.KindUnsupportedValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := New(context.Background(), tt.target, tt.cfg)
			if tt.wantKind != "" {
				if !errdefs.IsKind(err, tt.wantKind) {
					t.Fatalf("Expected %s, got: %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if c, ok := adapter.(io.Closer); ok {
				defer c.Close()
			}
			if adapter.Name() != tt.wantName {
				t.Errorf("Expected adapter %s, got %s", tt.wantName, adapter.Name())
			}
			if _, ok := adapter.(*remote.Adapter); ok != (tt.cfg.Host != "") {
				t.Errorf("Expected remote wrapping only with a host, got %T", adapter)
			}
		})
	}
}
