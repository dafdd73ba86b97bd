package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is one live realtime session. The bridge drives writes from several
// goroutines and owns the single read loop.
type Conn interface {
	Configure(cfg SessionConfig) error
	AppendAudio(pcm []byte) error
	SendFunctionOutput(callID, output string) error
	CreateResponse(instructions string) error
	ReadEvent() (*ServerEvent, error)
	Close() error
}

// Dialer opens realtime sessions against the speech service
type Dialer struct {
	apiKey  string
	baseURL string
	model   string
	logger  zerolog.Logger
}

// NewDialer creates a Dialer for the given service endpoint
func NewDialer(apiKey, baseURL, model string, logger zerolog.Logger) *Dialer {
	return &Dialer{apiKey: apiKey, baseURL: baseURL, model: model, logger: logger}
}

// Dial connects and waits for the service's session.created handshake
func (d *Dialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid speech service URL: %w", err)
	}
	q := u.Query()
	q.Set("model", d.model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("speech service handshake failed (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("speech service dial failed: %w", err)
	}

	conn := &wsConn{ws: ws, logger: d.logger}

	// The service announces the session before accepting configuration
	ev, err := conn.ReadEvent()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to read session handshake: %w", err)
	}
	if ev.Type != EventSessionCreated {
		ws.Close()
		return nil, fmt.Errorf("unexpected handshake event %q", ev.Type)
	}

	d.logger.Debug().Msg("speech session established")
	return conn, nil
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	logger  zerolog.Logger
}

func (c *wsConn) send(ev clientEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(ev)
}

// Configure sends the session.update that fixes formats, voice, turn
// detection and tool declarations for the rest of the session
func (c *wsConn) Configure(cfg SessionConfig) error {
	return c.send(clientEvent{Type: "session.update", Session: &cfg})
}

// AppendAudio forwards raw PCM16 audio into the input buffer
func (c *wsConn) AppendAudio(pcm []byte) error {
	return c.send(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendFunctionOutput delivers a tool result for a prior function call
func (c *wsConn) SendFunctionOutput(callID, output string) error {
	return c.send(clientEvent{
		Type: "conversation.item.create",
		Item: &conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// CreateResponse asks the model to produce its next turn. Instructions may
// be empty; when set they steer only this one response.
func (c *wsConn) CreateResponse(instructions string) error {
	ev := clientEvent{Type: "response.create"}
	if instructions != "" {
		ev.Response = &responseParams{Instructions: instructions}
	}
	return c.send(ev)
}

// ReadEvent blocks until the next server event arrives
func (c *wsConn) ReadEvent() (*ServerEvent, error) {
	var ev ServerEvent
	if err := c.ws.ReadJSON(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
