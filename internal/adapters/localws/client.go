// Package localws implements the local multi-role WebSocket adapter style
// of spec.md section 4.7: one WebSocket to a local process that
// multiplexes STT/LLM/TTS by a "mode" handshake. Role-specific adapters in
// internal/adapters/{stt,llm,tts} hold one Client per call and differ only
// in mode and message schema.
package localws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ariagent/callengine/internal/logging"
	"github.com/gorilla/websocket"
)

// Mode selects which role a multiplexed connection serves.
type Mode string

const (
	ModeSTT Mode = "stt"
	ModeLLM Mode = "llm"
	ModeTTS Mode = "tts"
)

// Client is one per-call WebSocket connection to a local multi-role
// process. It is not safe for concurrent use by multiple calls; each call
// gets its own Client (spec.md section 4.7 "within one call_id adapters
// are used sequentially").
type Client struct {
	url    string
	mode   Mode
	logger logging.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New constructs a Client for one call, bound to url and mode.
func New(url string, mode Mode, logger logging.Logger) *Client {
	return &Client{url: url, mode: mode, logger: logger}
}

// Dial opens the WebSocket connection.
func (c *Client) Dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("localws: dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SendMode sends the set_mode handshake and best-effort awaits a
// mode_ready reply (spec.md section 4.7 "On open_call, send set_mode and
// (best-effort) await mode_ready").
func (c *Client) SendMode(callID string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(map[string]string{
		"type":    "set_mode",
		"mode":    string(c.mode),
		"call_id": callID,
	}); err != nil {
		c.logger.Warnf("localws: set_mode write failed for %s: %v", callID, err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]interface{}
	if err := conn.ReadJSON(&ack); err != nil {
		c.logger.Debugf("localws: no mode_ready ack for %s (continuing best-effort): %v", callID, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
}

// SendJSON writes one JSON message.
func (c *Client) SendJSON(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("localws: not connected")
	}
	return conn.WriteJSON(v)
}

// SendBinary writes one binary frame (raw PCM16 audio).
func (c *Client) SendBinary(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("localws: not connected")
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// ReadJSONWithTimeout reads the next JSON text message within timeout.
func (c *Client) ReadJSONWithTimeout(timeout time.Duration) (map[string]interface{}, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("localws: not connected")
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("localws: read: %w", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("localws: decode: %w", err)
	}
	return msg, nil
}

// ReadBinaryWithTimeout reads the next binary frame within timeout.
func (c *Client) ReadBinaryWithTimeout(timeout time.Duration) ([]byte, bool, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, false, fmt.Errorf("localws: not connected")
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, false, err
	}
	defer conn.SetReadDeadline(time.Time{})

	mt, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false, fmt.Errorf("localws: read: %w", err)
	}
	return data, mt == websocket.BinaryMessage, nil
}
