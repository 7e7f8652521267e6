// Package sshexec maintains at most one live SSH client per server name
// and executes single commands over it with a bounded timeout. Sessions
// are multiplexed channels on the pooled client, so concurrent commands
// to the same server share one connection while different servers stay
// fully independent.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"vpnfleet/internal/model"
)

const DefaultCommandTimeout = 30 * time.Second

// Pool caches one ssh.Client per server name.
type Pool struct {
	connectTimeout time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// entry serializes session establishment per server name so concurrent
// callers never dial two connections to the same host.
type entry struct {
	mu     sync.Mutex
	client *ssh.Client
}

// NewPool creates a session pool. connectTimeout bounds each dial.
func NewPool(connectTimeout time.Duration, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		connectTimeout: connectTimeout,
		log:            log,
		entries:        map[string]*entry{},
	}
}

func (p *Pool) entryFor(name string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[name]
	if !ok {
		e = &entry{}
		p.entries[name] = e
	}
	return e
}

// Get returns a live cached client for the server or dials a new one.
func (p *Pool) Get(ctx context.Context, name string, conn model.ServerConnection) (*ssh.Client, error) {
	e := p.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		// Liveness probe: a dead transport fails the request.
		if _, _, err := e.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return e.client, nil
		}
		p.log.Debug("evicting dead ssh client", zap.String("server", name))
		_ = e.client.Close()
		e.client = nil
	}

	client, err := p.dial(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, name, err)
	}

	e.client = client
	p.log.Info("ssh connection established", zap.String("server", name),
		zap.String("host", conn.Host), zap.Int("port", conn.Port))
	return client, nil
}

func (p *Pool) dial(ctx context.Context, conn model.ServerConnection) (*ssh.Client, error) {
	cfg, err := clientConfig(conn, p.connectTimeout)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(conn.Host, fmt.Sprintf("%d", conn.Port))
	dialer := net.Dialer{Timeout: p.connectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// clientConfig builds the ssh client configuration. A key path is
// preferred over a password; having neither is an error. Host keys are
// not verified: the fleet is a home-lab trust model.
func clientConfig(conn model.ServerConnection, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch {
	case conn.KeyPath != "":
		key, err := os.ReadFile(conn.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", conn.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", conn.KeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	case conn.Password != "":
		auth = append(auth, ssh.Password(conn.Password))
	default:
		return nil, ErrNoAuth
	}

	return &ssh.ClientConfig{
		User:            conn.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Run executes a command on the named server and returns captured
// stdout. A timeout kills the remote invocation but leaves the pooled
// client open for later commands.
func (p *Pool) Run(ctx context.Context, name string, conn model.ServerConnection, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	client, err := p.Get(ctx, name, conn)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConnectionFailed, name, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConnectionFailed, name, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-time.After(timeout):
		_ = session.Signal(ssh.SIGKILL)
		p.log.Warn("command timed out", zap.String("server", name), zap.String("command", command))
		return "", fmt.Errorf("%w: %s: %q after %s", ErrCommandTimeout, name, command, timeout)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}

	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return "", &CommandError{ExitCode: exitErr.ExitStatus(), Stderr: stderr.String()}
		}
		return "", fmt.Errorf("%w: %s: %v", ErrConnectionFailed, name, err)
	}

	return stdout.String(), nil
}

// Close evicts and closes the cached client for a server. Safe to call
// when no session exists.
func (p *Pool) Close(name string) {
	p.mu.Lock()
	e, ok := p.entries[name]
	if ok {
		delete(p.entries, name)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		_ = e.client.Close()
		e.client = nil
		p.log.Debug("closed ssh connection", zap.String("server", name))
	}
}

// Cleanup closes every cached client. Used at shutdown.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]*entry{}
	p.mu.Unlock()

	for name, e := range entries {
		e.mu.Lock()
		if e.client != nil {
			_ = e.client.Close()
			e.client = nil
		}
		e.mu.Unlock()
		p.log.Debug("closed ssh connection", zap.String("server", name))
	}
}

// ActiveSessions reports how many clients are currently cached.
func (p *Pool) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		e.mu.Lock()
		if e.client != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}
