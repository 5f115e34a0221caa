// Package filetransfer moves snapshot chunks and restore payloads between
// the control plane and rented GPU instances over SFTP.
package filetransfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout is the default timeout for establishing SSH connections
	DefaultConnectTimeout = 30 * time.Second
)

// Credentials holds SSH connection details for file transfer
type Credentials struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte // PEM-encoded private key
}

// Validate checks that the credentials have all required fields
func (c *Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("private key cannot be empty")
	}
	return nil
}

// Transfer handles file transfers over SSH/SFTP
type Transfer struct {
	creds          Credentials
	connectTimeout time.Duration
}

// Option configures a Transfer instance
type Option func(*Transfer)

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transfer) {
		t.connectTimeout = d
	}
}

// New creates a new Transfer instance with the given credentials
func New(creds Credentials, opts ...Option) *Transfer {
	t := &Transfer{
		creds:          creds,
		connectTimeout: DefaultConnectTimeout,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// DownloadChunk reads a fixed-size block starting at chunkIndex*chunkSize
// from a remote file. The Snapshot Engine uses this to pull one
// content-addressed chunk at a time during a full snapshot or restore,
// without transferring files it doesn't need.
func (t *Transfer) DownloadChunk(ctx context.Context, remotePath string, chunkIndex int, chunkSize int64) ([]byte, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	buf := make([]byte, chunkSize)
	n, err := remoteFile.ReadAt(buf, int64(chunkIndex)*chunkSize)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read chunk %d: %w", chunkIndex, err)
	}
	return buf[:n], nil
}

// UploadChunk writes a block at chunkIndex*chunkSize into a remote file,
// creating the file and its parent directories if they don't exist yet.
// Chunks of a file may arrive out of order, so this seeks rather than
// appends.
func (t *Transfer) UploadChunk(ctx context.Context, remotePath string, chunkIndex int, chunkSize int64, data []byte) error {
	client, err := t.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	remoteDir := filepath.Dir(remotePath)
	if remoteDir != "" && remoteDir != "." && remoteDir != "/" {
		_ = sftpClient.MkdirAll(remoteDir)
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return fmt.Errorf("failed to open remote file for writing: %w", err)
	}
	defer remoteFile.Close()

	if _, err := remoteFile.WriteAt(data, int64(chunkIndex)*chunkSize); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", chunkIndex, err)
	}
	return nil
}

// connect establishes an SSH connection to the remote host
func (t *Transfer) connect(ctx context.Context) (*ssh.Client, error) {
	if err := t.creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(t.creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: t.creds.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Commodity GPUs have unknown/dynamic host keys
		Timeout:         t.connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", t.creds.Host, t.creds.Port)

	// ssh.Dial takes no context: ctx is checked once before dialing, and the
	// dial itself is bounded only by connectTimeout.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return client, nil
}

// RemoteFileExists checks if a file exists on the remote host. The
// Snapshot Engine uses this right after creating a restore's staging
// directory, to confirm the remote mkdir actually landed before it starts
// assembling chunks into it.
func (t *Transfer) RemoteFileExists(ctx context.Context, remotePath string) (bool, error) {
	if remotePath == "" {
		return false, fmt.Errorf("remote path cannot be empty")
	}

	client, err := t.connect(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return false, fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	_, err = sftpClient.Stat(remotePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat remote file: %w", err)
	}

	return true, nil
}
