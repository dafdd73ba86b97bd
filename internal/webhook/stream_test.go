package webhook

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dialtide/voicebridge/internal/types"
)

func dialStream(t *testing.T, server *httptest.Server, callID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream/" + callID
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("stream dial failed: %v", err)
	}
	return ws
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamLifecycle(t *testing.T) {
	env := newTestEnv(t, 10)
	server := httptest.NewServer(env.router)
	defer server.Close()

	env.store.SaveCall(types.Call{
		CallID:      "call-1",
		ProviderSID: "CA-1",
		OwnerID:     "owner-1",
		Status:      types.CallStatusPending,
		StartedAt:   time.Now(),
	})
	env.service.RegisterProviderSID("CA-1", "call-1")
	env.setups.Register("call-1", Setup{
		ProviderSID:  "CA-1",
		CredentialID: "cred-1",
		OwnerID:      "owner-1",
		Direction:    types.DirectionInbound,
		From:         "+15550001111",
		To:           "+15550002222",
		Agent:        types.AgentConfig{AgentID: "agent-1", Voice: "alloy"},
	})

	ws := dialStream(t, server, "call-1")
	defer ws.Close()

	if err := ws.WriteJSON(streamEvent{
		Event: "start",
		Start: &streamStart{StreamSid: "MZ-1", CallSid: "CA-1"},
	}); err != nil {
		t.Fatalf("start frame failed: %v", err)
	}

	waitFor(t, "session creation", func() bool {
		return env.reg.Get("call-1") != nil
	})
	waitFor(t, "in-progress transition", func() bool {
		call, _ := env.store.GetCall("call-1")
		return call != nil && call.Status == types.CallStatusInProgress
	})

	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F, 0x80})
	if err := ws.WriteJSON(streamEvent{
		Event: "media",
		Media: &streamMedia{Payload: payload},
	}); err != nil {
		t.Fatalf("media frame failed: %v", err)
	}

	// Closing the telephony socket tears the whole call down
	ws.Close()

	waitFor(t, "teardown", func() bool {
		call, _ := env.store.GetCall("call-1")
		return call != nil && call.Status.IsTerminal()
	})

	call, _ := env.store.GetCall("call-1")
	if call.Status != types.CallStatusCompleted {
		t.Errorf("expected completed, got %s", call.Status)
	}
	if env.reg.Get("call-1") != nil {
		t.Error("session should be removed from registry")
	}
}

func TestOutboundStreamLifecycle(t *testing.T) {
	env := newTestEnv(t, 10)
	server := httptest.NewServer(env.router)
	defer server.Close()

	agent := types.AgentConfig{AgentID: "agent-1", Voice: "alloy"}
	call, err := env.service.InitiateCall(context.Background(), "+15559990000", "+15550003333", "owner-1", "cred-1", agent)
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}
	env.setups.Register(call.CallID, Setup{
		ProviderSID:  call.ProviderSID,
		CredentialID: "cred-1",
		OwnerID:      "owner-1",
		Direction:    types.DirectionOutbound,
		From:         "+15559990000",
		To:           "+15550003333",
		Agent:        agent,
	})
	if env.pool.ActiveCount("cred-1") != 1 {
		t.Fatalf("expected one reserved slot after initiate, got %d", env.pool.ActiveCount("cred-1"))
	}

	ws := dialStream(t, server, call.CallID)
	defer ws.Close()

	if err := ws.WriteJSON(streamEvent{
		Event: "start",
		Start: &streamStart{StreamSid: "MZ-9", CallSid: call.ProviderSID},
	}); err != nil {
		t.Fatalf("start frame failed: %v", err)
	}

	waitFor(t, "session creation", func() bool {
		return env.reg.Get(call.CallID) != nil
	})
	// The slot reserved at initiate time carries into the bridge; the
	// media-stream connect must not claim a second one
	if n := env.pool.ActiveCount("cred-1"); n != 1 {
		t.Errorf("expected 1 active slot while bridged, got %d", n)
	}
	waitFor(t, "in-progress transition", func() bool {
		c, _ := env.store.GetCall(call.CallID)
		return c != nil && c.Status == types.CallStatusInProgress
	})

	ws.Close()

	waitFor(t, "teardown", func() bool {
		c, _ := env.store.GetCall(call.CallID)
		return c != nil && c.Status.IsTerminal()
	})
	c, _ := env.store.GetCall(call.CallID)
	if c.Status != types.CallStatusCompleted {
		t.Errorf("expected completed, got %s", c.Status)
	}
	if env.reg.Get(call.CallID) != nil {
		t.Error("session should be removed from registry")
	}
	if n := env.pool.ActiveCount("cred-1"); n != 0 {
		t.Errorf("expected pool slot released after teardown, got %d", n)
	}
}

func TestStreamForUnknownCallCloses(t *testing.T) {
	env := newTestEnv(t, 10)
	server := httptest.NewServer(env.router)
	defer server.Close()

	ws := dialStream(t, server, "call-unknown")
	defer ws.Close()

	if err := ws.WriteJSON(streamEvent{
		Event: "start",
		Start: &streamStart{StreamSid: "MZ-1", CallSid: "CA-x"},
	}); err != nil {
		t.Fatalf("start frame failed: %v", err)
	}

	// The server closes the socket instead of bridging
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev streamEvent
		if err := ws.ReadJSON(&ev); err != nil {
			return
		}
	}
}

func TestStreamMediaBeforeStartIsDropped(t *testing.T) {
	env := newTestEnv(t, 10)
	server := httptest.NewServer(env.router)
	defer server.Close()

	env.setups.Register("call-1", Setup{
		ProviderSID:  "CA-1",
		CredentialID: "cred-1",
		Direction:    types.DirectionInbound,
		Agent:        types.AgentConfig{AgentID: "agent-1"},
	})

	ws := dialStream(t, server, "call-1")
	defer ws.Close()

	// Media before start has no session; the stream must survive it
	payload := base64.StdEncoding.EncodeToString([]byte{0xFF})
	if err := ws.WriteJSON(streamEvent{Event: "media", Media: &streamMedia{Payload: payload}}); err != nil {
		t.Fatalf("media frame failed: %v", err)
	}
	if err := ws.WriteJSON(streamEvent{
		Event: "start",
		Start: &streamStart{StreamSid: "MZ-1", CallSid: "CA-1"},
	}); err != nil {
		t.Fatalf("start frame failed: %v", err)
	}

	waitFor(t, "session creation", func() bool {
		return env.reg.Get("call-1") != nil
	})
}
