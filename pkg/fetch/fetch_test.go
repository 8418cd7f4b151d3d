package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/openfroyo/stackforge/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

func TestFetch_LocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.yaml")
	if err := os.WriteFile(path, []byte("name: web\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	f := New()
	ctx := context.Background()

	for _, u := range []string{path, "file://" + path} {
		data, err := f.Fetch(ctx, u)
		if err != nil {
			t.Fatalf("Fetch(%s): expected no error, got: %v", u, err)
		}
		if string(data) != "name: web\n" {
			t.Errorf("Fetch(%s): unexpected content %q", u, data)
		}
	}

	files := f.LocalFiles()
	if len(files) != 1 || files[0] != path {
		t.Errorf("Expected recorded file %s, got %v", path, files)
	}

	f.Reset()
	if len(f.LocalFiles()) != 0 {
		t.Error("Expected Reset to forget recorded files")
	}
}

func TestFetch_HTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/web.yaml" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "name: web\ntype: basic\n")
	}))
	defer server.Close()

	f := New(WithHTTPClient(server.Client()))
	ctx := context.Background()

	data, err := f.Fetch(ctx, server.URL+"/models/web.yaml")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != "name: web\ntype: basic\n" {
		t.Errorf("Unexpected content %q", data)
	}

	_, err = f.Fetch(ctx, server.URL+"/missing.yaml")
	if !errdefs.IsKind(err, errdefs.KindFetchError) {
		t.Errorf("Expected FetchError for 404, got %v", err)
	}
}

func TestFetch_Errors(t *testing.T) {
	f := New()
	ctx := context.Background()

	tests := []struct {
		name   string
		url    string
		scheme string
	}{
		{"missing file", filepath.Join(t.TempDir(), "missing.yaml"), SchemeFile},
		{"unsupported scheme", "ftp://example.com/x.yaml", "ftp"},
		{"sftp without host", "sftp:///srv/x.yaml", SchemeSFTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(ctx, tt.url)
			if !errdefs.IsKind(err, errdefs.KindFetchError) {
				t.Fatalf("Expected FetchError, got %v", err)
			}
			e := err.(*errdefs.Error)
			if e.Details["url"] != tt.url || e.Details["scheme"] != tt.scheme {
				t.Errorf("Expected url/scheme details %s/%s, got %v", tt.url, tt.scheme, e.Details)
			}
		})
	}

	if _, err := f.Fetch(ctx, ""); !errdefs.IsKind(err, errdefs.KindFetchError) {
		t.Errorf("Expected FetchError for empty URL, got %v", err)
	}
}

type fakeTransport struct {
	files     map[string]string
	connected bool
	closed    bool
}

func (t *fakeTransport) Connect(context.Context) error { t.connected = true; return nil }
func (t *fakeTransport) Close() error                  { t.closed = true; return nil }
func (t *fakeTransport) Run(context.Context, string) (string, string, error) {
	return "", "", nil
}
func (t *fakeTransport) UploadDirectory(context.Context, string, string) error { return nil }
func (t *fakeTransport) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := t.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(data), nil
}

func TestFetch_SFTP(t *testing.T) {
	transport := &fakeTransport{files: map[string]string{"/srv/models/web.yaml": "name: web\n"}}
	var dialed *ssh.Config

	f := New(WithSSHDialer(func(cfg *ssh.Config) (ssh.Transport, error) {
		dialed = cfg
		return transport, nil
	}))

	data, err := f.Fetch(context.Background(), "sftp://ops@models.example.com:2022/srv/models/web.yaml")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != "name: web\n" {
		t.Errorf("Unexpected content %q", data)
	}
	if dialed.Host != "models.example.com" || dialed.Port != 2022 || dialed.User != "ops" {
		t.Errorf("Unexpected dial config %+v", dialed)
	}
	if !transport.connected || !transport.closed {
		t.Error("Expected transport to be connected and closed")
	}
}

func TestWatcher_RebuildsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shop.yaml")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rebuilt := make(chan struct{}, 4)
	done := make(chan error, 1)
	w := NewWatcher(zerolog.Nop()).WithDelay(20 * time.Millisecond)
	go func() {
		done <- w.Run(ctx, []string{path}, func(context.Context) []string {
			rebuilt <- struct{}{}
			return nil
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := os.WriteFile(path, []byte("v2"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	select {
	case <-rebuilt:
	case <-ctx.Done():
		t.Fatal("Expected a rebuild after the watched file changed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean shutdown, got: %v", err)
	}
}
