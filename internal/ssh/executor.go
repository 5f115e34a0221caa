package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

const (
	DefaultExecutorConnectTimeout = 30 * time.Second
	DefaultExecutorCommandTimeout = 120 * time.Second
)

// Connection is an established SSH connection to a rented instance.
type Connection struct {
	client *ssh.Client
	host   string
	port   int
	user   string
}

func (c *Connection) Host() string { return c.host }
func (c *Connection) Port() int    { return c.port }
func (c *Connection) User() string { return c.user }

func (c *Connection) Close() error {
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// Executor runs commands against a persistent SSH connection. Unlike
// Prober, which connects-runs-closes for a single readiness check, Executor
// holds the connection open across the many round trips a manifest walk or
// restore needs.
type Executor struct {
	connectTimeout time.Duration
	commandTimeout time.Duration
}

type ExecutorOption func(*Executor)

func WithExecutorConnectTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.connectTimeout = d }
}
func WithExecutorCommandTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.commandTimeout = d }
}

func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		connectTimeout: DefaultExecutorConnectTimeout,
		commandTimeout: DefaultExecutorCommandTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect establishes a persistent SSH connection to host.
func (e *Executor) Connect(ctx context.Context, host string, port int, user, privateKey string) (*Connection, error) {
	if host == "" || port <= 0 || user == "" || privateKey == "" {
		return nil, fmt.Errorf("invalid connection parameters")
	}

	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := net.Dialer{Timeout: e.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}

	return &Connection{client: ssh.NewClient(sshConn, chans, reqs), host: host, port: port, user: user}, nil
}

// RunCommand executes cmd over conn and returns stdout/stderr.
func (e *Executor) RunCommand(ctx context.Context, conn *Connection, cmd string) (stdout, stderr string, err error) {
	if conn == nil || conn.client == nil {
		return "", "", fmt.Errorf("connection is nil or closed")
	}

	session, err := conn.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	cmdCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, e.commandTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case runErr := <-done:
		return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), runErr
	case <-cmdCtx.Done():
		session.Signal(ssh.SIGKILL)
		return "", "", fmt.Errorf("command timed out: %w", cmdCtx.Err())
	}
}

// CheckHealth confirms conn is responsive.
func (e *Executor) CheckHealth(ctx context.Context, conn *Connection) error {
	stdout, stderr, err := e.RunCommand(ctx, conn, "echo ok")
	if err != nil {
		return fmt.Errorf("health check failed: %w (stderr: %s)", err, stderr)
	}
	if stdout != "ok" {
		return fmt.Errorf("health check returned unexpected output: %q", stdout)
	}
	return nil
}

// ReadFile retrieves file contents from the remote host.
func (e *Executor) ReadFile(ctx context.Context, conn *Connection, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	stdout, stderr, err := e.RunCommand(ctx, conn, fmt.Sprintf("cat %q", path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w (stderr: %s)", path, err, stderr)
	}
	return []byte(stdout), nil
}

// FileExists checks whether path exists on the remote host.
func (e *Executor) FileExists(ctx context.Context, conn *Connection, path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("path cannot be empty")
	}
	_, _, err := e.RunCommand(ctx, conn, fmt.Sprintf("test -f %q", path))
	return err == nil, nil
}

// GetDiskStatus runs df on conn's host, for staging-area capacity checks
// before a restore assembles a workspace.
func (e *Executor) GetDiskStatus(ctx context.Context, conn *Connection) (*DiskStatus, error) {
	cmd := `df -BG 2>/dev/null | grep -v tmpfs | grep -v "^none"`
	stdout, stderr, err := e.RunCommand(ctx, conn, cmd)
	if err != nil {
		return nil, fmt.Errorf("df failed: %w (stderr: %s)", err, stderr)
	}
	return ParseDiskOutput(stdout)
}

// EnumerateManifest walks root on the remote host and returns one
// ManifestEntry per regular file: relative path, size and mtime. No content
// hash is computed here; ChunkHashes is left empty (HashFile and HashChunk
// compute hashes separately).
func (e *Executor) EnumerateManifest(ctx context.Context, conn *Connection, root string) ([]models.ManifestEntry, error) {
	if root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}

	listCmd := fmt.Sprintf(
		`find %q -type f -printf '%%s\t%%T@\t%%P\n'`, root)
	stdout, stderr, err := e.RunCommand(ctx, conn, listCmd)
	if err != nil {
		return nil, fmt.Errorf("find failed: %w (stderr: %s)", err, stderr)
	}

	var entries []models.ManifestEntry
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		size, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		epoch, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		entries = append(entries, models.ManifestEntry{
			RelativePath: fields[2],
			Size:         size,
			ModTime:      time.Unix(int64(epoch), 0).UTC(),
		})
	}
	return entries, nil
}

// HashFile computes the sha256 content hash of a remote file by streaming
// its bytes through a single command invocation.
func (e *Executor) HashFile(ctx context.Context, conn *Connection, path string) (string, error) {
	stdout, stderr, err := e.RunCommand(ctx, conn, fmt.Sprintf("sha256sum -- %q", path))
	if err != nil {
		return "", fmt.Errorf("sha256sum failed: %w (stderr: %s)", err, stderr)
	}
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty sha256sum output")
	}
	return fields[0], nil
}

// HashChunk computes the sha256 hash of the chunkIndex'th fixed-size block
// of a remote file, without transferring the block to the caller. The
// Snapshot Engine uses this to decide which chunks of a large file are new
// since the parent snapshot.
func (e *Executor) HashChunk(ctx context.Context, conn *Connection, path string, chunkIndex int, chunkSize int64) (string, error) {
	cmd := fmt.Sprintf("dd if=%q bs=%d skip=%d count=1 2>/dev/null | sha256sum", path, chunkSize, chunkIndex)
	stdout, stderr, err := e.RunCommand(ctx, conn, cmd)
	if err != nil {
		return "", fmt.Errorf("chunk hash failed: %w (stderr: %s)", err, stderr)
	}
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty chunk hash output")
	}
	return fields[0], nil
}

// CountFiles counts regular files under root, used by restore validation.
func (e *Executor) CountFiles(ctx context.Context, conn *Connection, root string) (int, error) {
	cmd := fmt.Sprintf("find %q -type f | wc -l", root)
	stdout, stderr, err := e.RunCommand(ctx, conn, cmd)
	if err != nil {
		return 0, fmt.Errorf("file count failed: %w (stderr: %s)", err, stderr)
	}
	count, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return 0, fmt.Errorf("failed to parse file count %q: %w (stderr: %s)", stdout, err, stderr)
	}
	return count, nil
}

// HashBytes hashes an in-memory chunk the same way HashChunk hashes one
// remotely, letting the Snapshot Engine verify a downloaded chunk's
// integrity before it's written into the assembled workspace.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
