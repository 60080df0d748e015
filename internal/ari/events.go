package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/gorilla/websocket"
)

// Handler is invoked once per event, already filtered to the event types
// the engine understands (spec.md section 4.4); unknown types are dropped
// before reaching a Handler.
type Handler func(Event)

// EventStream maintains a long-lived WebSocket subscription to ARI events,
// reconnecting with bounded exponential backoff and deduplicating replayed
// events by message ID across reconnects.
type EventStream struct {
	cfg    config.AsteriskConfig
	logger logging.Logger

	mu      sync.Mutex
	handler Handler
	seen    map[string]time.Time
}

// NewEventStream constructs an EventStream. Call Run to start consuming.
func NewEventStream(cfg config.AsteriskConfig, logger logging.Logger, handler Handler) *EventStream {
	return &EventStream{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		seen:    make(map[string]time.Time),
	}
}

// Run blocks, consuming events until ctx is cancelled. On any connection
// error it backs off exponentially (capped) and reconnects.
func (s *EventStream) Run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.runOnce(ctx); err != nil {
			s.logger.Warnf("ari: event stream disconnected: %v, reconnecting in %s", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// Clean disconnect (ctx cancelled mid-read); reset backoff for next loop.
		backoff = 250 * time.Millisecond
	}
}

func (s *EventStream) runOnce(ctx context.Context) error {
	u := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Path:   "/ari/events",
	}
	q := u.Query()
	q.Set("app", s.cfg.AppName)
	q.Set("subscribeAll", "true")
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(map[string][]string)
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.logger.Infof("ari: event stream connected to %s", u.Host)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(data)
	}
}

func (s *EventStream) dispatch(data []byte) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		s.logger.Warnf("ari: failed to decode event: %v", err)
		return
	}
	evt.raw = data

	switch evt.Type {
	case EventStasisStart, EventStasisEnd, EventChannelDestroyed,
		EventPlaybackFinished, EventChannelStateChange, EventChannelDtmfReceived:
	default:
		return
	}

	if evt.MessageID != "" && s.isDuplicate(evt.MessageID) {
		return
	}

	s.handler(evt)
}

// isDuplicate reports whether id has been seen within the dedup window and
// records it if not. Old entries are swept opportunistically.
func (s *EventStream) isDuplicate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	const window = 5 * time.Minute
	now := time.Now()
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = now

	if len(s.seen) > 10000 {
		for k, t := range s.seen {
			if now.Sub(t) > window {
				delete(s.seen, k)
			}
		}
	}
	return false
}
