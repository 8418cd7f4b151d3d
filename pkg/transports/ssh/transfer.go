package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

func (c *Client) sftpClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return client, nil
}

// ReadFile reads a remote file.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(&contextReader{ctx: ctx, r: f})
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err, IsTemporary: true}
	}
	return data, nil
}

// UploadDirectory copies every file below localPath to remotePath,
// creating remote directories as needed.
func (c *Client) UploadDirectory(ctx context.Context, localPath string, remotePath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	return filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))

		if info.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create directory %s: %w", target, err)}
			}
			return nil
		}
		return uploadFile(ctx, client, p, target, info.Mode().Perm())
	})
}

func uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	remote, err := client.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remote.Close()

	n, err := io.Copy(remote, &contextReader{ctx: ctx, r: local})
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if err := client.Chmod(remotePath, mode); err != nil {
		log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
	}

	log.Debug().Str("local", localPath).Str("remote", remotePath).Int64("bytes", n).Msg("file uploaded")
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
