// Package ssh provides key-based SSH probing and command execution against
// rented GPU instances: readiness probes for the Race Provisioner and Warm
// Pool Manager, and remote manifest enumeration for the Snapshot Engine.
package ssh

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/errs"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
)

const (
	// DefaultProbeTimeout is how long a single readiness probe waits overall.
	DefaultProbeTimeout = 5 * time.Minute

	// DefaultCheckInterval is how often a probe retries between attempts.
	DefaultCheckInterval = 2 * time.Second

	// DefaultConnectTimeout bounds each individual connection attempt.
	DefaultConnectTimeout = 10 * time.Second

	// ProbeCommand is the command run to confirm a host is answering.
	ProbeCommand = "echo ok"
)

// ProbeResult describes the outcome of a readiness probe.
type ProbeResult struct {
	Success   bool
	Duration  time.Duration
	Attempts  int
	LastError string
}

// Prober performs SSH readiness probes against GPU instances.
type Prober struct {
	probeTimeout   time.Duration
	checkInterval  time.Duration
	connectTimeout time.Duration
}

// Option configures a Prober.
type Option func(*Prober)

func WithProbeTimeout(d time.Duration) Option   { return func(p *Prober) { p.probeTimeout = d } }
func WithCheckInterval(d time.Duration) Option  { return func(p *Prober) { p.checkInterval = d } }
func WithConnectTimeout(d time.Duration) Option { return func(p *Prober) { p.connectTimeout = d } }

// NewProber creates a Prober with sensible defaults, overridden by opts.
func NewProber(opts ...Option) *Prober {
	p := &Prober{
		probeTimeout:   DefaultProbeTimeout,
		checkInterval:  DefaultCheckInterval,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe retries a connect-and-run-echo cycle until probeTimeout elapses or
// the host answers successfully. The Race Provisioner and Warm Pool Manager
// do not call Probe; they use the single-attempt ProbeOnce.
func (p *Prober) Probe(ctx context.Context, host string, port int, user, privateKey string) (*ProbeResult, error) {
	if host == "" || port <= 0 || user == "" || privateKey == "" {
		return nil, fmt.Errorf("invalid ssh probe parameters")
	}

	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return &ProbeResult{LastError: err.Error()}, fmt.Errorf("failed to parse private key: %w", err)
	}

	start := time.Now()
	deadline := start.Add(p.probeTimeout)
	attempts := 0
	var lastError string

	for {
		attempts++

		if time.Now().After(deadline) {
			metrics.RaceProbeLatency.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			return &ProbeResult{Duration: time.Since(start), Attempts: attempts, LastError: lastError},
				fmt.Errorf("%w: probe timeout after %d attempts: %s", errs.ErrSshUnreachable, attempts, lastError)
		}

		select {
		case <-ctx.Done():
			return &ProbeResult{Duration: time.Since(start), Attempts: attempts, LastError: ctx.Err().Error()}, ctx.Err()
		default:
		}

		err := p.tryConnect(ctx, host, port, user, signer)
		if err == nil {
			duration := time.Since(start)
			metrics.RaceProbeLatency.WithLabelValues("ok").Observe(duration.Seconds())
			return &ProbeResult{Success: true, Duration: duration, Attempts: attempts}, nil
		}
		lastError = err.Error()

		sleep := p.checkInterval
		if remaining := time.Until(deadline); remaining < sleep {
			sleep = remaining
			if sleep <= 0 {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return &ProbeResult{Duration: time.Since(start), Attempts: attempts, LastError: ctx.Err().Error()}, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tryConnect attempts a single SSH connection and runs ProbeCommand.
func (p *Prober) tryConnect(ctx context.Context, host string, port int, user string, signer ssh.Signer) error {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // rented hosts have dynamic host keys
		Timeout:         p.connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := net.Dialer{Timeout: p.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.RaceProbeLatency.WithLabelValues("failed").Observe(0)
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake failed: %w", err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(ProbeCommand)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("probe command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
		if out := strings.TrimSpace(stdout.String()); out != "ok" {
			return fmt.Errorf("unexpected probe output: %q", out)
		}
		return nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

// ProbeOnce performs a single connection attempt with no retry loop. Used
// where the caller already owns the retry/backoff schedule (e.g. the Race
// Provisioner's per-round errgroup).
func (p *Prober) ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) error {
	if host == "" || port <= 0 || user == "" || privateKey == "" {
		return fmt.Errorf("invalid ssh probe parameters")
	}
	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	return p.tryConnect(ctx, host, port, user, signer)
}

// RunCommand connects via SSH and runs an arbitrary command, returning stdout.
func RunCommand(ctx context.Context, host string, port int, user, privateKey, command string) (string, error) {
	if host == "" || port <= 0 || user == "" || privateKey == "" {
		return "", fmt.Errorf("invalid ssh parameters")
	}

	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake failed: %w", err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

// WriteRemoteFile uploads content to a remote file over an SSH command
// channel, base64-encoding it to avoid shell injection.
func WriteRemoteFile(ctx context.Context, host string, port int, user, privateKey, remotePath, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	quotedPath := "'" + strings.ReplaceAll(remotePath, "'", "'\\''") + "'"
	cmd := fmt.Sprintf("echo '%s' | base64 -d > %s", encoded, quotedPath)
	_, err := RunCommand(ctx, host, port, user, privateKey, cmd)
	return err
}
