// Package sshexec implements the SSH command executor: a per-server
// connection pool, health-probed reuse, and text delivery into named
// tmux sessions over SSH (remote case) or the local shell (local case).
package sshexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// pooledClient wraps an open SSH client with its last-activity time.
type pooledClient struct {
	client     *ssh.Client
	lastActive time.Time
}

// pool holds at most one persistent SSH client per serverId.
type pool struct {
	mu      sync.Mutex
	clients map[string]*pooledClient
}

func newPool() *pool {
	return &pool{clients: make(map[string]*pooledClient)}
}

// acquire returns a healthy client for serverID, opening a fresh
// connection via dial if none exists or the existing one fails its
// health probe.
func (p *pool) acquire(ctx context.Context, serverID string, dial func(ctx context.Context) (*ssh.Client, error)) (*ssh.Client, error) {
	p.mu.Lock()
	existing, ok := p.clients[serverID]
	p.mu.Unlock()

	if ok {
		if probe(existing.client) {
			p.mu.Lock()
			existing.lastActive = time.Now()
			p.mu.Unlock()
			return existing.client, nil
		}
		p.evict(serverID)
	}

	client, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.clients[serverID] = &pooledClient{client: client, lastActive: time.Now()}
	p.mu.Unlock()
	return client, nil
}

// probe runs a trivial remote command to verify the client is still alive.
func probe(client *ssh.Client) bool {
	session, err := client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()
	return session.Run("echo ping") == nil
}

// evict closes and removes the pooled client for serverID, if any.
func (p *pool) evict(serverID string) {
	p.mu.Lock()
	pc, ok := p.clients[serverID]
	if ok {
		delete(p.clients, serverID)
	}
	p.mu.Unlock()

	if ok {
		pc.client.Close()
	}
}

// closeAll disposes of every pooled client concurrently, as required on
// executor shutdown.
func (p *pool) closeAll() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*pooledClient)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, pc := range clients {
		wg.Add(1)
		go func(pc *pooledClient) {
			defer wg.Done()
			pc.client.Close()
		}(pc)
	}
	wg.Wait()
}

// dialParams are the SSH connection parameters needed to open a client.
type dialParams struct {
	Hostname string
	User     string
	Port     int
	KeyPath  string
	Timeout  time.Duration
}

func dial(p dialParams) (*ssh.Client, error) {
	keyPath := expandHome(p.KeyPath)
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", keyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", keyPath, err)
	}

	port := p.Port
	if port == 0 {
		port = 22
	}

	config := &ssh.ClientConfig{
		User:            p.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host key pinning is out of scope for the core; see DESIGN.md
		Timeout:         p.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", p.Hostname, port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return client, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
