// Package transporttest provides an in-memory media engine for transport and
// session tests.
package transporttest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
	"github.com/mikeyg42/broadcast/internal/transport"
)

var ErrHandlerClosed = errors.New("transporttest: handler closed")

// NativeCapabilities is VP8 and Opus, like the real engine
func NativeCapabilities() rtpcaps.RtpCapabilities {
	return rtpcaps.RtpCapabilities{Codecs: []rtpcaps.RtpCodecCapability{
		{Kind: rtpcaps.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000,
			RtcpFeedback: []rtpcaps.RtcpFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}}},
		{Kind: rtpcaps.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
	}}
}

// Engine creates fake send handlers and keeps them for inspection
type Engine struct {
	// AutoConnect makes every handler report connecting and then connected
	// after its first successful setup
	AutoConnect bool
	// NewHandlerErr fails NewSendHandler
	NewHandlerErr error

	mu       sync.Mutex
	handlers []*Handler
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) NativeRtpCapabilities() rtpcaps.RtpCapabilities {
	return NativeCapabilities()
}

func (e *Engine) NewSendHandler(opts transport.HandlerOptions) (transport.SendHandler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NewHandlerErr != nil {
		return nil, e.NewHandlerErr
	}
	h := &Handler{opts: opts, autoConnect: e.AutoConnect}
	e.handlers = append(e.handlers, h)
	return h, nil
}

func (e *Engine) Handlers() []*Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Handler(nil), e.handlers...)
}

// LastHandler returns the most recent handler or nil
func (e *Engine) LastHandler() *Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.handlers) == 0 {
		return nil
	}
	return e.handlers[len(e.handlers)-1]
}

// Handler is a fake send handler. It calls OnSetup on every Send, which is
// the worst case for the transport's at-most-once connect.
type Handler struct {
	opts        transport.HandlerOptions
	autoConnect bool

	mu        sync.Mutex
	onState   func(transport.ConnectionState)
	sends     []capture.Track
	stopped   []string
	closed    bool
	setupOK   bool
	setupRuns int
	sendErr   error
}

func (h *Handler) Options() transport.HandlerOptions { return h.opts }

// FailSend makes later sends fail with err
func (h *Handler) FailSend(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

func (h *Handler) Send(ctx context.Context, track capture.Track, opts transport.SendOptions) (*transport.SendResult, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandlerClosed
	}
	if h.sendErr != nil {
		err := h.sendErr
		h.mu.Unlock()
		return nil, err
	}
	h.setupRuns++
	h.mu.Unlock()

	err := h.opts.OnSetup(ctx, rtpcaps.DtlsParameters{
		Role:         rtpcaps.DtlsRoleClient,
		Fingerprints: []rtpcaps.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11:22:33"}},
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	first := !h.setupOK
	h.setupOK = true
	h.sends = append(h.sends, track)
	n := len(h.sends)
	h.mu.Unlock()

	if first && h.autoConnect {
		go func() {
			h.EmitState(transport.StateConnecting)
			h.EmitState(transport.StateConnected)
		}()
	}

	codec := rtpcaps.RtpCodecParameters{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}
	if opts.Codec != nil {
		codec = rtpcaps.RtpCodecParameters{
			MimeType:    opts.Codec.MimeType,
			PayloadType: opts.Codec.PreferredPayloadType,
			ClockRate:   opts.Codec.ClockRate,
			Channels:    opts.Codec.Channels,
			Parameters:  opts.Codec.Parameters,
		}
	}
	return &transport.SendResult{
		LocalID: strconv.Itoa(n - 1),
		RtpParameters: rtpcaps.RtpParameters{
			Mid:       strconv.Itoa(n - 1),
			Codecs:    []rtpcaps.RtpCodecParameters{codec},
			Encodings: []rtpcaps.RtpEncodingParameters{{Ssrc: uint32(1000 + n)}},
			Rtcp:      rtpcaps.RtcpParameters{Cname: "fake", ReducedSize: true},
		},
	}, nil
}

func (h *Handler) StopSending(localID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, localID)
	return nil
}

func (h *Handler) OnConnectionStateChange(fn func(transport.ConnectionState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onState = fn
}

// EmitState reports a connection state as the network would
func (h *Handler) EmitState(s transport.ConnectionState) {
	h.mu.Lock()
	fn := h.onState
	h.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (h *Handler) Stats() []transport.OutboundStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]transport.OutboundStats, 0, len(h.sends))
	for i, t := range h.sends {
		out = append(out, transport.OutboundStats{
			LocalID:     strconv.Itoa(i),
			Kind:        t.Kind(),
			SSRC:        uint32(1001 + i),
			PacketsSent: 10,
			BytesSent:   1200,
			Timestamp:   time.Now(),
		})
	}
	return out
}

// Close marks the handler closed and reports closed like a real connection
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	h.EmitState(transport.StateClosed)
	return nil
}

func (h *Handler) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// SetupCalls is how often the handler asked for transport setup
func (h *Handler) SetupCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setupRuns
}

func (h *Handler) Sent() []capture.Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]capture.Track(nil), h.sends...)
}

func (h *Handler) Stopped() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.stopped...)
}
