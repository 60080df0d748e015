package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/go-resty/resty/v2"
)

// Client is the PBX control-plane REST command client (spec.md section
// 4.4). Every command is idempotent where the spec requires it: a
// double-answer or double-hangup is treated as success, and hanging up a
// channel ARI has already forgotten is a success, not a failure.
type Client struct {
	http   *resty.Client
	appName string
	logger logging.Logger
}

// NewClient builds a Client against the configured ARI base URL, retrying
// transient HTTP failures three times with exponential backoff (spec.md
// section 4.4 "Failure semantics").
func NewClient(cfg config.AsteriskConfig, logger logging.Logger) *Client {
	base := fmt.Sprintf("http://%s:%d/ari", cfg.Host, cfg.Port)
	c := resty.New().
		SetBaseURL(base).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Client{http: c, appName: cfg.AppName, logger: logger}
}

// Answer answers a channel. Already-answered is treated as success.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).Post(fmt.Sprintf("/channels/%s/answer", channelID))
	if err != nil {
		return fmt.Errorf("ari: answer %s: %w", channelID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		c.logger.Warnf("ari: answer %s: channel not found, treating as already gone", channelID)
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("ari: answer %s: status %d", channelID, resp.StatusCode())
	}
	return nil
}

// Hangup hangs up a channel. A missing channel is treated as success
// (spec.md section 4.4 idempotence).
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete(fmt.Sprintf("/channels/%s", channelID))
	if err != nil {
		return fmt.Errorf("ari: hangup %s: %w", channelID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("ari: hangup %s: status %d", channelID, resp.StatusCode())
	}
	return nil
}

// Play starts playback of soundURI on a channel or bridge, using
// playbackID as ARI's "playbackId" so C8/C9 can correlate PlaybackFinished.
func (c *Client) Play(ctx context.Context, targetID string, bridge bool, soundURI, playbackID string) error {
	kind := "channels"
	if bridge {
		kind = "bridges"
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"media":      soundURI,
			"playbackId": playbackID,
		}).
		Post(fmt.Sprintf("/%s/%s/play", kind, targetID))
	if err != nil {
		return fmt.Errorf("ari: play %s on %s: %w", soundURI, targetID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("ari: play %s on %s: status %d", soundURI, targetID, resp.StatusCode())
	}
	return nil
}

// CreateBridge creates a mixing bridge and returns its object.
func (c *Client) CreateBridge(ctx context.Context) (*Bridge, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("type", "mixing").
		Post("/bridges")
	if err != nil {
		return nil, fmt.Errorf("ari: create_bridge: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ari: create_bridge: status %d", resp.StatusCode())
	}
	var b Bridge
	if err := json.Unmarshal(resp.Body(), &b); err != nil {
		return nil, fmt.Errorf("ari: create_bridge: decode: %w", err)
	}
	return &b, nil
}

// AddChannelToBridge adds a channel to an existing bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("channel", channelID).
		Post(fmt.Sprintf("/bridges/%s/addChannel", bridgeID))
	if err != nil {
		return fmt.Errorf("ari: add_channel_to_bridge %s/%s: %w", bridgeID, channelID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("ari: add_channel_to_bridge %s/%s: status %d", bridgeID, channelID, resp.StatusCode())
	}
	return nil
}

// DestroyBridge destroys a bridge. A missing bridge is treated as success.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete(fmt.Sprintf("/bridges/%s", bridgeID))
	if err != nil {
		return fmt.Errorf("ari: destroy_bridge %s: %w", bridgeID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("ari: destroy_bridge %s: status %d", bridgeID, resp.StatusCode())
	}
	return nil
}

// CreateExternalMedia creates an external-media channel whose RTP
// destination is hostPort, returning the channel object (its vars expose
// the PBX-side local RTP port, per spec.md section 4.4).
func (c *Client) CreateExternalMedia(ctx context.Context, hostPort, format string) (*Channel, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"app":              c.appName,
			"external_host":    hostPort,
			"format":           format,
			"transport":        "udp",
			"encapsulation":    "rtp",
			"connection_type":  "client",
		}).
		Post("/channels/externalMedia")
	if err != nil {
		return nil, fmt.Errorf("ari: create_external_media: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ari: create_external_media: status %d", resp.StatusCode())
	}
	var ch Channel
	if err := json.Unmarshal(resp.Body(), &ch); err != nil {
		return nil, fmt.Errorf("ari: create_external_media: decode: %w", err)
	}
	return &ch, nil
}

// DialAudioSocket originates a channel into the AudioSocket endpoint,
// embedding the correlation UUID the peer is expected to present in its
// stream header (spec.md section 4.11 step 4: "a Dial into the
// AudioSocket endpoint for the TCP transport with a fresh UUID").
func (c *Client) DialAudioSocket(ctx context.Context, hostPort, correlationID string) (*Channel, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"endpoint": fmt.Sprintf("AudioSocket/%s/%s", hostPort, correlationID),
			"app":      c.appName,
		}).
		Post("/channels")
	if err != nil {
		return nil, fmt.Errorf("ari: dial_audiosocket: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ari: dial_audiosocket: status %d", resp.StatusCode())
	}
	var ch Channel
	if err := json.Unmarshal(resp.Body(), &ch); err != nil {
		return nil, fmt.Errorf("ari: dial_audiosocket: decode: %w", err)
	}
	return &ch, nil
}

// Snoop creates a snooping channel on channelID with the given spy direction.
func (c *Client) Snoop(ctx context.Context, channelID, spy string) (*Channel, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"spy": spy,
			"app": c.appName,
		}).
		Post(fmt.Sprintf("/channels/%s/snoop", channelID))
	if err != nil {
		return nil, fmt.Errorf("ari: snoop %s: %w", channelID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ari: snoop %s: status %d", channelID, resp.StatusCode())
	}
	var ch Channel
	if err := json.Unmarshal(resp.Body(), &ch); err != nil {
		return nil, fmt.Errorf("ari: snoop %s: decode: %w", channelID, err)
	}
	return &ch, nil
}

// ListChannels lists every channel currently owned by ARI (used by the
// startup stale-resource sweep, spec.md section 4.11).
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/channels")
	if err != nil {
		return nil, fmt.Errorf("ari: list_channels: %w", err)
	}
	var chans []Channel
	if err := json.Unmarshal(resp.Body(), &chans); err != nil {
		return nil, fmt.Errorf("ari: list_channels: decode: %w", err)
	}
	return chans, nil
}

// ListBridges lists every bridge currently owned by ARI.
func (c *Client) ListBridges(ctx context.Context) ([]Bridge, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/bridges")
	if err != nil {
		return nil, fmt.Errorf("ari: list_bridges: %w", err)
	}
	var bridges []Bridge
	if err := json.Unmarshal(resp.Body(), &bridges); err != nil {
		return nil, fmt.Errorf("ari: list_bridges: decode: %w", err)
	}
	return bridges, nil
}
