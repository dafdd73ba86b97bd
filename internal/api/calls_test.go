package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/pool"
	"github.com/dialtide/voicebridge/internal/storage"
	"github.com/dialtide/voicebridge/internal/types"
)

func newTestServer(t *testing.T) (*storage.MemoryStore, *pool.Manager, *httptest.Server) {
	t.Helper()
	store := storage.NewMemoryStore()
	p := pool.NewManager(5, zerolog.Nop())

	r := chi.NewRouter()
	NewHandler(store, p, zerolog.Nop()).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return store, p, srv
}

func TestGetCall(t *testing.T) {
	store, _, srv := newTestServer(t)

	store.SaveCall(types.Call{
		CallID:     "call-1",
		Direction:  types.DirectionOutbound,
		From:       "+15550001111",
		To:         "+15550002222",
		Status:     types.CallStatusCompleted,
		StartedAt:  time.Now(),
		Transcript: "user: hello\nagent: hi there\n",
	})

	resp, err := http.Get(srv.URL + "/api/calls/call-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var call types.Call
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		t.Fatal(err)
	}
	if call.CallID != "call-1" || call.Status != types.CallStatusCompleted {
		t.Errorf("unexpected call: %+v", call)
	}
}

func TestGetCallNotFound(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/calls/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetTranscript(t *testing.T) {
	store, _, srv := newTestServer(t)

	store.SaveCall(types.Call{
		CallID:     "call-1",
		Status:     types.CallStatusCompleted,
		StartedAt:  time.Now(),
		Transcript: "user: hello\n",
	})

	resp, err := http.Get(srv.URL + "/api/calls/call-1/transcript")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["transcript"] != "user: hello\n" {
		t.Errorf("unexpected transcript: %q", body["transcript"])
	}
}

func TestGetContacts(t *testing.T) {
	store, _, srv := newTestServer(t)

	store.SaveContact(types.Contact{ContactID: "c-1", CampaignID: "camp-1", Phone: "+1555", Status: types.ContactStatusCompleted})
	store.SaveContact(types.Contact{ContactID: "c-2", CampaignID: "camp-2", Phone: "+1556", Status: types.ContactStatusPending})

	resp, err := http.Get(srv.URL + "/api/campaigns/camp-1/contacts")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var contacts []types.Contact
	if err := json.NewDecoder(resp.Body).Decode(&contacts); err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].ContactID != "c-1" {
		t.Errorf("unexpected contacts: %+v", contacts)
	}
}

func TestGetPool(t *testing.T) {
	_, p, srv := newTestServer(t)

	p.Reserve("call-1", "cred-1")
	p.Reserve("call-2", "cred-1")

	resp, err := http.Get(srv.URL + "/api/pool")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status poolStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Ceiling != 5 || status.TotalActive != 2 || status.ByCredential["cred-1"] != 2 {
		t.Errorf("unexpected pool status: %+v", status)
	}
}
