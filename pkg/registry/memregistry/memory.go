package memregistry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Okasha-Arshad/chitchat-backend/pkg/registry"
)

// Memory is the single-process implementation of the connection registry.
// One RWMutex guards both the identity map and the reverse connection index,
// so bind/unbind are serialized while lookups run concurrently.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*registry.Entry
	byConn  map[uuid.UUID]string

	logger *slog.Logger
}

func New(logger *slog.Logger) *Memory {
	return &Memory{
		entries: make(map[string]*registry.Entry),
		byConn:  make(map[uuid.UUID]string),
		logger:  logger.With(slog.String("component", "registry_memory")),
	}
}

// compile-time check to ensure Memory implements Registry.
var _ registry.Registry = (*Memory)(nil)

func (m *Memory) Bind(userID string, conn registry.Handle) registry.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	var replaced registry.Handle
	if prev, ok := m.entries[userID]; ok {
		if prev.Conn.ID() == conn.ID() {
			// Same connection logging in again; rebind is idempotent.
			return nil
		}
		replaced = prev.Conn
		delete(m.byConn, prev.Conn.ID())
	}

	// A handle may appear under at most one identity. If this connection was
	// somehow bound elsewhere, drop that stale entry first.
	if staleUser, ok := m.byConn[conn.ID()]; ok && staleUser != userID {
		delete(m.entries, staleUser)
	}

	m.entries[userID] = &registry.Entry{UserID: userID, Conn: conn, BoundAt: time.Now()}
	m.byConn[conn.ID()] = userID

	m.logger.Debug("identity bound", slog.String("userID", userID), slog.String("connID", conn.ID().String()))
	return replaced
}

func (m *Memory) Lookup(userID string) (registry.Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.Conn, true
}

func (m *Memory) Unbind(conn registry.Handle) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.byConn[conn.ID()]
	if !ok {
		// Connection was never bound, or was already replaced by a newer one.
		return "", false
	}
	delete(m.byConn, conn.ID())
	delete(m.entries, userID)

	m.logger.Debug("identity unbound", slog.String("userID", userID), slog.String("connID", conn.ID().String()))
	return userID, true
}

func (m *Memory) IdentityOf(conn registry.Handle) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userID, ok := m.byConn[conn.ID()]
	return userID, ok
}

func (m *Memory) BroadcastAll(payload []byte) {
	m.mu.RLock()
	handles := make([]registry.Handle, 0, len(m.entries))
	for _, entry := range m.entries {
		handles = append(handles, entry.Conn)
	}
	m.mu.RUnlock()

	// Sends happen outside the lock; a stalled or closed handle only costs
	// its own frame, never the broadcast.
	for _, h := range handles {
		if err := h.Send(payload); err != nil {
			m.logger.Debug("broadcast send dropped", slog.String("connID", h.ID().String()), slog.Any("error", err))
		}
	}
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
