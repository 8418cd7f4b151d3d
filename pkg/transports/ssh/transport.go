// Package ssh provides the SSH and SFTP transport used to fetch documents
// from remote hosts and to run deploy commands there.
package ssh

import (
	"context"
)

// Transport is the remote host surface the rest of stackforge relies on.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	Connect(ctx context.Context) error

	// Close releases the connection.
	Close() error

	// Run executes cmd on the remote host and returns its trimmed output.
	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// UploadDirectory recursively copies a local directory to the remote host.
	UploadDirectory(ctx context.Context, localPath string, remotePath string) error

	// ReadFile reads a remote file over SFTP.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
