package webhook

import (
	"sync"

	"github.com/dialtide/voicebridge/internal/types"
)

// AgentDirectory resolves which agent answers a given provider number.
// Agent authoring lives outside this core; the directory is its lookup
// surface.
type AgentDirectory interface {
	AgentForNumber(number string) (agent types.AgentConfig, credentialID, ownerID string, ok bool)
}

// DirectoryEntry binds one provider number to an agent and its billing owner
type DirectoryEntry struct {
	Agent        types.AgentConfig
	CredentialID string
	OwnerID      string
}

// StaticDirectory is a fixed number-to-agent mapping loaded at startup
type StaticDirectory struct {
	entries map[string]DirectoryEntry
}

// NewStaticDirectory creates a directory from a number-keyed entry map
func NewStaticDirectory(entries map[string]DirectoryEntry) *StaticDirectory {
	return &StaticDirectory{entries: entries}
}

func (d *StaticDirectory) AgentForNumber(number string) (types.AgentConfig, string, string, bool) {
	entry, ok := d.entries[number]
	if !ok {
		return types.AgentConfig{}, "", "", false
	}
	return entry.Agent, entry.CredentialID, entry.OwnerID, true
}

// Setup carries everything the stream handler needs to stand up a bridge
// session once the provider connects the media websocket
type Setup struct {
	ProviderSID  string
	CredentialID string
	OwnerID      string
	Direction    types.CallDirection
	From         string
	To           string
	Agent        types.AgentConfig
}

// Setups hands session parameters from the call-creation path (answer
// webhook or outbound initiation) to the stream handler, keyed by call id
type Setups struct {
	mu      sync.Mutex
	pending map[string]Setup
}

// NewSetups creates an empty setup registry
func NewSetups() *Setups {
	return &Setups{pending: make(map[string]Setup)}
}

// Register stores the setup for a call awaiting its media stream
func (s *Setups) Register(callID string, setup Setup) {
	s.mu.Lock()
	s.pending[callID] = setup
	s.mu.Unlock()
}

// Take consumes the setup for a call. The stream handler calls this once
// on stream start.
func (s *Setups) Take(callID string) (Setup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setup, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	return setup, ok
}

// Drop discards the setup for a call that will never stream
func (s *Setups) Drop(callID string) {
	s.mu.Lock()
	delete(s.pending, callID)
	s.mu.Unlock()
}
