// Package rtp implements the RTP-over-UDP media transport (C5), one UDP
// socket per engine shared by all calls, grounded on
// _examples/other_examples' switchboard media service's pion/rtp
// packetizer and on _examples/iamprashant-voice-ai's channel binding
// style, generalized here to the engine's call_id-addressed contract.
package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/ariagent/callengine/internal/codec"
	"github.com/ariagent/callengine/internal/logging"
	pionrtp "github.com/pion/rtp"
)

// OnAudio is the inbound contract: spec.md section 4.5 `on_audio(call_id,
// audio_bytes, source_sample_rate, encoding)`.
type OnAudio func(callID string, audio []byte, sourceSampleRateHz int, enc codec.Encoding)

const bytesPerMulawSample = 1

// packetizer holds the per-call outbound RTP sequencing state (spec.md
// section 4.5, invariant I6: monotonic sequence/timestamp per call).
type packetizer struct {
	ssrc      uint32
	seq       uint16
	timestamp uint32
	payloadType uint8
}

// Transport is the shared UDP RTP transport. Binding a call registers the
// remote endpoint the engine learned when the PBX created the external
// media channel; inbound packets are routed back to a call_id by source
// address.
type Transport struct {
	conn   *net.UDPConn
	logger logging.Logger
	onAudio OnAudio
	payloadType uint8

	mu          sync.RWMutex
	callByAddr  map[string]string // remote addr string -> call_id
	addrByCall  map[string]*net.UDPAddr
	packetizers map[string]*packetizer

	cancel context.CancelFunc
}

// Listen binds the shared UDP socket at host:port (port 0 picks an
// ephemeral port) and returns a Transport ready to Run.
func Listen(host string, port int, payloadType uint8, logger logging.Logger, onAudio OnAudio) (*Transport, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtp: listen %s:%d: %w", host, port, err)
	}
	return &Transport{
		conn:        conn,
		logger:      logger,
		onAudio:     onAudio,
		payloadType: payloadType,
		callByAddr:  make(map[string]string),
		addrByCall:  make(map[string]*net.UDPAddr),
		packetizers: make(map[string]*packetizer),
	}, nil
}

// LocalPort returns the bound UDP port (useful when port 0 was requested).
func (t *Transport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run reads inbound packets until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	buf := make([]byte, 2048)

	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Warnf("rtp: read error: %v", err)
				return
			}
		}
		t.handleInbound(addr, buf[:n])
	}
}

// Stop closes the shared socket.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Transport) handleInbound(addr *net.UDPAddr, data []byte) {
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		t.logger.Warnf("rtp: malformed packet from %s: %v", addr, err)
		return
	}

	t.mu.RLock()
	callID, ok := t.callByAddr[addr.String()]
	t.mu.RUnlock()
	if !ok {
		return // unbound source; drop (spec.md section 4.5 inbound mapping)
	}

	t.onAudio(callID, pkt.Payload, 8000, codec.EncodingMulaw)
}

// BindCall registers the PBX-learned remote RTP endpoint for a call and
// assigns a fresh per-call packetizer with a random initial sequence and
// timestamp (spec.md section 4.5).
func (t *Transport) BindCall(callID, remoteAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return fmt.Errorf("rtp: resolve %s: %w", remoteAddr, err)
	}

	var seqBuf [2]byte
	var tsBuf [4]byte
	var ssrcBuf [4]byte
	if _, err := rand.Read(seqBuf[:]); err != nil {
		return fmt.Errorf("rtp: rand seq: %w", err)
	}
	if _, err := rand.Read(tsBuf[:]); err != nil {
		return fmt.Errorf("rtp: rand ts: %w", err)
	}
	if _, err := rand.Read(ssrcBuf[:]); err != nil {
		return fmt.Errorf("rtp: rand ssrc: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.callByAddr[addr.String()] = callID
	t.addrByCall[callID] = addr
	t.packetizers[callID] = &packetizer{
		ssrc:        binary.BigEndian.Uint32(ssrcBuf[:]),
		seq:         binary.BigEndian.Uint16(seqBuf[:]),
		timestamp:   binary.BigEndian.Uint32(tsBuf[:]),
		payloadType: t.payloadType,
	}
	return nil
}

// UnbindCall removes a call's binding and packetizer state.
func (t *Transport) UnbindCall(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr, ok := t.addrByCall[callID]; ok {
		delete(t.callByAddr, addr.String())
	}
	delete(t.addrByCall, callID)
	delete(t.packetizers, callID)
}

// Send is the outbound contract: spec.md section 4.5 `send(call_id,
// audio_bytes, encoding) -> bool`. audio must already be payload-type
// encoded (µ-law for payload type 0). Sequence advances by 1 mod 2^16;
// timestamp advances by len(payload)/bytes_per_sample mod 2^32.
func (t *Transport) Send(callID string, audio []byte, enc codec.Encoding) bool {
	t.mu.Lock()
	addr, ok := t.addrByCall[callID]
	p, pok := t.packetizers[callID]
	if !ok || !pok {
		t.mu.Unlock()
		return false
	}
	seq := p.seq
	ts := p.timestamp
	p.seq++
	p.timestamp += uint32(len(audio) / bytesPerMulawSample)
	ssrc := p.ssrc
	payloadType := p.payloadType
	t.mu.Unlock()

	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: audio,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.logger.Warnf("rtp: marshal failed for call %s: %v", callID, err)
		return false
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		t.logger.Warnf("rtp: send to %s failed for call %s: %v", addr, callID, err)
		return false
	}
	return true
}
