package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the clients for every configured MCP server and bridges their
// tools into a registry.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// ConnectAll validates and connects every configured server. A server that
// fails to connect is logged and skipped; one bad server must not take the
// rest down.
func (m *Manager) ConnectAll(ctx context.Context, configs []*ServerConfig) error {
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("mcp: invalid server config: %w", err)
		}
	}
	for _, cfg := range configs {
		client := NewClient(cfg, m.logger)
		if err := client.Connect(ctx); err != nil {
			m.logger.Error("failed to connect MCP server", "server", cfg.ID, "error", err)
			continue
		}
		m.mu.Lock()
		m.clients[cfg.ID] = client
		m.mu.Unlock()
	}
	return nil
}

// Client returns the connected client for a server id.
func (m *Manager) Client(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// Clients returns all connected clients.
func (m *Manager) Clients() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// CloseAll disconnects every server.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("error closing MCP client", "server", id, "error", err)
		}
		delete(m.clients, id)
	}
}
