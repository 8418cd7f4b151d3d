// Package fetch retrieves documents by URL for the compiler and watches the
// local ones for changes.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/openfroyo/stackforge/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// Supported URL schemes.
const (
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeSFTP  = "sftp"
)

// maxDocumentSize bounds a single fetched document.
const maxDocumentSize = 16 << 20

// SSHDialer opens a transport to the host described by cfg.
type SSHDialer func(cfg *ssh.Config) (ssh.Transport, error)

// Fetcher reads documents from local files, HTTP(S) servers and SFTP hosts.
// It is safe for concurrent use and remembers which local files it read.
type Fetcher struct {
	httpClient *http.Client
	dialSSH    SSHDialer
	logger     zerolog.Logger

	mu    sync.Mutex
	local map[string]struct{}
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithSSHDialer replaces how SFTP connections are opened.
func WithSSHDialer(d SSHDialer) Option {
	return func(f *Fetcher) { f.dialSSH = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger.With().Str("component", "fetch").Logger() }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialSSH: func(cfg *ssh.Config) (ssh.Transport, error) {
			return ssh.NewClient(cfg)
		},
		logger: zerolog.Nop(),
		local:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the document at rawURL. Bare paths are local files.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	scheme, target, err := parse(rawURL)
	if err != nil {
		return nil, err
	}

	f.logger.Debug().Str("url", rawURL).Str("scheme", scheme).Msg("fetching document")

	var data []byte
	switch scheme {
	case SchemeFile:
		data, err = f.fetchFile(target.Path)
	case SchemeHTTP, SchemeHTTPS:
		data, err = f.fetchHTTP(ctx, target)
	case SchemeSFTP:
		data, err = f.fetchSFTP(ctx, target)
	default:
		err = fmt.Errorf("unsupported scheme")
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFetchError, fmt.Sprintf("failed to fetch %s", rawURL), err).
			WithDetail("url", rawURL).
			WithDetail("scheme", scheme)
	}
	return data, nil
}

// LocalFiles returns the absolute paths of every local file read so far.
func (f *Fetcher) LocalFiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	files := make([]string, 0, len(f.local))
	for p := range f.local {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// Reset forgets the recorded local files.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = make(map[string]struct{})
}

func (f *Fetcher) fetchFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		f.mu.Lock()
		f.local[abs] = struct{}{}
		f.mu.Unlock()
	}
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/yaml, application/json;q=0.9, */*;q=0.5")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
}

func (f *Fetcher) fetchSFTP(ctx context.Context, u *url.URL) ([]byte, error) {
	cfg, err := ssh.ParseURL(u)
	if err != nil {
		return nil, err
	}

	transport, err := f.dialSSH(cfg)
	if err != nil {
		return nil, err
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}
	defer transport.Close()

	return transport.ReadFile(ctx, u.Path)
}

// parse splits rawURL into its scheme and location. Paths without a scheme
// use the file scheme.
func parse(rawURL string) (string, *url.URL, error) {
	if rawURL == "" {
		return "", nil, errdefs.New(errdefs.KindFetchError, "empty URL")
	}

	i := strings.Index(rawURL, "://")
	if i <= 1 {
		return SchemeFile, &url.URL{Scheme: SchemeFile, Path: rawURL}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, errdefs.Wrap(errdefs.KindFetchError, fmt.Sprintf("invalid URL %s", rawURL), err).
			WithDetail("url", rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)

	if u.Scheme == SchemeFile && u.Host != "" {
		// file://relative/path
		u.Path = u.Host + u.Path
		u.Host = ""
	}

	return u.Scheme, u, nil
}
