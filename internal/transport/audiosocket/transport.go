// Package audiosocket implements the framed-TCP media transport (C5):
// Asterisk's AudioSocket protocol, grounded on
// _examples/iamprashant-voice-ai's base telephony streamer buffer/lifecycle
// conventions, generalized to a connection-ID <-> call_id correlation
// (spec.md section 4.5).
package audiosocket

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ariagent/callengine/internal/codec"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/google/uuid"
)

// OnAudio is the inbound contract: spec.md section 4.5 `on_audio(call_id,
// audio_bytes, source_sample_rate, encoding)`.
type OnAudio func(callID string, audio []byte, sourceSampleRateHz int, enc codec.Encoding)

const maxHeaderBytes = 2048

// Transport accepts inbound AudioSocket TCP connections, assigns each a
// connection ID, and correlates it to a call_id once the engine's external
// correlation UUID is learned (spec.md section 4.5).
type Transport struct {
	listener net.Listener
	logger   logging.Logger
	onAudio  OnAudio

	mu           sync.Mutex
	conns        map[string]net.Conn // connection_id -> conn
	callByConn   map[string]string   // connection_id -> call_id
	connByCall   map[string]string   // call_id -> connection_id
	pendingUUID  map[string]string   // correlation uuid -> call_id, set before Dial accepts
	pendingOrder []string            // FIFO of correlation uuids, oldest first
}

// Listen binds the shared AudioSocket TCP listener.
func Listen(host string, port int, logger logging.Logger, onAudio OnAudio) (*Transport, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("audiosocket: listen %s:%d: %w", host, port, err)
	}
	return &Transport{
		listener:    l,
		logger:      logger,
		onAudio:     onAudio,
		conns:       make(map[string]net.Conn),
		callByConn:  make(map[string]string),
		connByCall:  make(map[string]string),
		pendingUUID: make(map[string]string),
	}, nil
}

// LocalPort returns the bound TCP port.
func (t *Transport) LocalPort() int {
	return t.listener.Addr().(*net.TCPAddr).Port
}

// NewCorrelationID mints a fresh UUID the engine uses both as the ARI
// Dial destination and as the expected AudioSocket connection identity
// the remote peer presents in its header (spec.md section 4.11 step 4).
func NewCorrelationID(callID string, t *Transport) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.pendingUUID[id] = callID
	t.pendingOrder = append(t.pendingOrder, id)
	t.mu.Unlock()
	return id
}

// popOldestPending returns and forgets the longest-waiting correlation,
// used when a connection's header can't be parsed for an identity at all
// (spec.md section 4.5 / invariant I7 fallback below).
func (t *Transport) popOldestPending() (callID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingOrder) == 0 {
		return "", false
	}
	id := t.pendingOrder[0]
	t.pendingOrder = t.pendingOrder[1:]
	callID, ok = t.pendingUUID[id]
	delete(t.pendingUUID, id)
	return callID, ok
}

func (t *Transport) forgetPending(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pendingUUID[id]; !ok {
		return
	}
	delete(t.pendingUUID, id)
	for i, p := range t.pendingOrder {
		if p == id {
			t.pendingOrder = append(t.pendingOrder[:i], t.pendingOrder[i+1:]...)
			break
		}
	}
}

// Run accepts connections until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.listener.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Warnf("audiosocket: accept error: %v", err)
				return
			}
		}
		go t.handleConn(ctx, conn)
	}
}

// Stop closes the shared listener.
func (t *Transport) Stop() {
	t.listener.Close()
}

func (t *Transport) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, maxHeaderBytes)

	connectionID, leadingAudio, found := readHeader(r)

	var callID string
	var ok bool
	if found {
		t.mu.Lock()
		callID, ok = t.pendingUUID[connectionID]
		t.mu.Unlock()
		if ok {
			t.forgetPending(connectionID)
		}
	} else {
		// No delimiter within maxHeaderBytes: the whole stream, including
		// the bytes already read while looking for one, is audio (spec.md
		// section 4.5, invariant I7/B2). The bytes read so far can't carry
		// an identity, so correlate to the longest-waiting pending call.
		connectionID = "unheadered-" + uuid.NewString()
		callID, ok = t.popOldestPending()
	}

	if !ok {
		t.logger.Warnf("audiosocket: connection %s has no pending call correlation", connectionID)
		return
	}

	t.mu.Lock()
	t.conns[connectionID] = conn
	t.callByConn[connectionID] = callID
	t.connByCall[callID] = connectionID
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.conns, connectionID)
		delete(t.callByConn, connectionID)
		delete(t.connByCall, callID)
		t.mu.Unlock()
	}()

	if len(leadingAudio) > 0 {
		t.onAudio(callID, leadingAudio, 8000, codec.EncodingMulaw)
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := r.Read(buf)
		if err != nil {
			return // half-closed socket; binding is cleaned up above
		}
		if n > 0 {
			t.onAudio(callID, append([]byte(nil), buf[:n]...), 8000, codec.EncodingMulaw)
		}
	}
}

// readHeader consumes the text protocol header terminated by "\r\n\r\n" or
// "\n\n", bounded to maxHeaderBytes, and returns it trimmed as the
// connection identity. If no terminator appears within the bound, found is
// false and audio holds every byte consumed so far, to be treated as the
// start of the audio stream rather than discarded (spec.md section 4.5,
// invariant I7, boundary B2).
func readHeader(r *bufio.Reader) (connectionID string, audio []byte, found bool) {
	var header []byte
	for len(header) < maxHeaderBytes {
		b, err := r.ReadByte()
		if err != nil {
			return "", header, false
		}
		header = append(header, b)
		if hasHeaderTerminator(header) {
			return trimHeader(header), nil, true
		}
	}
	return "", header, false
}

func hasHeaderTerminator(b []byte) bool {
	n := len(b)
	return (n >= 4 && string(b[n-4:]) == "\r\n\r\n") || (n >= 2 && string(b[n-2:]) == "\n\n")
}

func trimHeader(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Send is the outbound contract: spec.md section 4.5 `send(call_id,
// audio_bytes, encoding) -> bool`.
func (t *Transport) Send(callID string, audio []byte, enc codec.Encoding) bool {
	t.mu.Lock()
	connID, ok := t.connByCall[callID]
	var conn net.Conn
	if ok {
		conn, ok = t.conns[connID]
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if _, err := conn.Write(audio); err != nil {
		t.logger.Warnf("audiosocket: send failed for call %s: %v", callID, err)
		return false
	}
	return true
}
