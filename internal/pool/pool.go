// Package pool tracks concurrent speech-AI connections per credential and
// enforces a per-credential concurrency ceiling.
package pool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// connection is one reserved slot against a credential's ceiling
type connection struct {
	credentialID string
	reservedAt   time.Time
	lastActivity time.Time
}

// Manager enforces the per-credential concurrency ceiling. The capacity
// check and the reservation increment happen under one lock so two
// simultaneous call setups can never both slip past the ceiling.
type Manager struct {
	mu          sync.Mutex
	ceiling     int
	connections map[string]*connection // call id -> reservation
	perCred     map[string]int
	logger      zerolog.Logger
}

// NewManager creates a pool manager with the given per-credential ceiling
func NewManager(ceiling int, logger zerolog.Logger) *Manager {
	return &Manager{
		ceiling:     ceiling,
		connections: make(map[string]*connection),
		perCred:     make(map[string]int),
		logger:      logger,
	}
}

// CanReserve reports whether the credential has spare capacity. Callers
// that need the answer to stay true must use Reserve instead.
func (m *Manager) CanReserve(credentialID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perCred[credentialID] < m.ceiling
}

// Reserve claims one slot for the call against the credential's ceiling.
// A call that already holds a slot for the same credential keeps it and
// Reserve reports success: the lifecycle reserves at initiate time and the
// bridge reserves again when the media stream connects, and both must map
// to the one slot. Returns false at the ceiling or when the call holds a
// slot for a different credential.
func (m *Manager) Reserve(callID, credentialID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, exists := m.connections[callID]; exists {
		if conn.credentialID == credentialID {
			conn.lastActivity = time.Now()
			return true
		}
		return false
	}
	if m.perCred[credentialID] >= m.ceiling {
		m.logger.Warn().
			Str("call_id", callID).
			Str("credential_id", credentialID).
			Int("ceiling", m.ceiling).
			Msg("pool ceiling reached, reservation rejected")
		return false
	}

	now := time.Now()
	m.connections[callID] = &connection{
		credentialID: credentialID,
		reservedAt:   now,
		lastActivity: now,
	}
	m.perCred[credentialID]++

	m.logger.Debug().
		Str("call_id", callID).
		Str("credential_id", credentialID).
		Int("active", m.perCred[credentialID]).
		Msg("pool slot reserved")
	return true
}

// Release frees the call's slot. Releasing an unknown or already-released
// call is a no-op; every termination path may call this safely.
func (m *Manager) Release(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[callID]
	if !ok {
		return
	}
	delete(m.connections, callID)

	m.perCred[conn.credentialID]--
	if m.perCred[conn.credentialID] <= 0 {
		delete(m.perCred, conn.credentialID)
	}

	m.logger.Debug().
		Str("call_id", callID).
		Str("credential_id", conn.credentialID).
		Dur("held", time.Since(conn.reservedAt)).
		Msg("pool slot released")
}

// UpdateActivity records traffic on the call's connection
func (m *Manager) UpdateActivity(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[callID]; ok {
		conn.lastActivity = time.Now()
	}
}

// ActiveCount returns the number of reserved slots for a credential
func (m *Manager) ActiveCount(credentialID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perCred[credentialID]
}

// TotalActive returns the number of reserved slots across all credentials
func (m *Manager) TotalActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// Ceiling returns the per-credential concurrency ceiling
func (m *Manager) Ceiling() int {
	return m.ceiling
}

// Snapshot returns active counts per credential for metrics reporting
func (m *Manager) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.perCred))
	for cred, n := range m.perCred {
		out[cred] = n
	}
	return out
}
