package storage

import (
	"sync"
	"time"

	"github.com/dialtide/voicebridge/internal/types"
)

// Store is the persistence contract for call lifecycle state and campaign
// contacts. The relational details behind it are external to this core.
type Store interface {
	SaveCall(call types.Call) error
	GetCall(callID string) (*types.Call, error)
	// ListStaleCalls returns non-terminal calls whose record started before
	// the cutoff, for the reconciliation sweeper.
	ListStaleCalls(cutoff time.Time) ([]types.Call, error)

	SaveContact(contact types.Contact) error
	// ListPendingContacts returns up to limit contacts in pending status for
	// the campaign, for scheduler queue refills.
	ListPendingContacts(campaignID string, limit int) ([]types.Contact, error)
	// ListContacts returns every contact in the campaign regardless of status
	ListContacts(campaignID string) ([]types.Contact, error)
}

// MemoryStore is an in-memory Store for tests and DYNAMO_MODE=none
type MemoryStore struct {
	mu       sync.RWMutex
	calls    map[string]types.Call
	contacts map[string]types.Contact // contact id -> contact
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:    make(map[string]types.Call),
		contacts: make(map[string]types.Contact),
	}
}

func (s *MemoryStore) SaveCall(call types.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.CallID] = call
	return nil
}

func (s *MemoryStore) GetCall(callID string) (*types.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil, nil
	}
	return &call, nil
}

func (s *MemoryStore) ListStaleCalls(cutoff time.Time) ([]types.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []types.Call
	for _, call := range s.calls {
		if !call.Status.IsTerminal() && call.StartedAt.Before(cutoff) {
			stale = append(stale, call)
		}
	}
	return stale, nil
}

func (s *MemoryStore) SaveContact(contact types.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contact.ContactID] = contact
	return nil
}

func (s *MemoryStore) ListPendingContacts(campaignID string, limit int) ([]types.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []types.Contact
	for _, c := range s.contacts {
		if c.CampaignID == campaignID && c.Status == types.ContactStatusPending {
			pending = append(pending, c)
			if len(pending) == limit {
				break
			}
		}
	}
	return pending, nil
}

func (s *MemoryStore) ListContacts(campaignID string) ([]types.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var contacts []types.Contact
	for _, c := range s.contacts {
		if c.CampaignID == campaignID {
			contacts = append(contacts, c)
		}
	}
	return contacts, nil
}
