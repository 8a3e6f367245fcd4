package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
	"github.com/mikeyg42/broadcast/internal/transport"
)

var (
	ErrHandlerClosed  = errors.New("rtc: send handler closed")
	ErrNotSendable    = errors.New("rtc: track cannot be bound to a peer connection")
	ErrUnknownLocalID = errors.New("rtc: unknown local id")
)

type sending struct {
	transceiver *webrtc.RTPTransceiver
	kind        rtpcaps.MediaKind
	ssrc        uint32
}

// sendHandler drives one PeerConnection against the relay's parameters. Every
// change renegotiates with a locally built answer, so no SDP crosses the
// signaling channel.
type sendHandler struct {
	opts   transport.HandlerOptions
	pc     *webrtc.PeerConnection
	logger *zap.Logger
	stats  *statsCollector

	mu          sync.Mutex
	closed      bool
	setupDone   bool
	senders     map[string]*sending
	preferred   map[string]rtpcaps.RtpCodecCapability
	onState     func(transport.ConnectionState)
	negotiateMu sync.Mutex
}

func newSendHandler(e *Engine, opts transport.HandlerOptions) (*sendHandler, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         toICEServers(opts.IceServers),
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	h := &sendHandler{
		opts:      opts,
		pc:        pc,
		logger:    e.logger.With(zap.String("transport", opts.TransportOptions.ID)),
		stats:     newStatsCollector(statsHistory),
		senders:   make(map[string]*sending),
		preferred: make(map[string]rtpcaps.RtpCodecCapability),
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state, ok := toConnectionState(s)
		if !ok {
			return
		}
		h.mu.Lock()
		fn := h.onState
		h.mu.Unlock()
		h.logger.Debug("Peer connection state changed", zap.String("state", s.String()))
		if fn != nil {
			fn(state)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		h.logger.Debug("ICE connection state changed", zap.String("state", s.String()))
	})
	return h, nil
}

func (h *sendHandler) OnConnectionStateChange(fn func(transport.ConnectionState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onState = fn
}

func (h *sendHandler) Send(ctx context.Context, track capture.Track, opts transport.SendOptions) (*transport.SendResult, error) {
	h.negotiateMu.Lock()
	defer h.negotiateMu.Unlock()

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, ErrHandlerClosed
	}

	local, ok := track.(capture.LocalTrack)
	if !ok {
		return nil, ErrNotSendable
	}
	trackLocal := local.TrackLocal()
	if trackLocal == nil {
		return nil, ErrNotSendable
	}

	transceiver, err := h.pc.AddTransceiverFromTrack(trackLocal, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add transceiver: %w", err)
	}
	rollback := func() {
		if err := h.pc.RemoveTrack(transceiver.Sender()); err != nil {
			h.logger.Debug("Failed to roll back transceiver", zap.Error(err))
		}
	}

	offer, err := h.negotiate(ctx, func(mid string) {
		if opts.Codec != nil {
			h.mu.Lock()
			h.preferred[mid] = *opts.Codec
			h.mu.Unlock()
		}
	}, transceiver)
	if err != nil {
		rollback()
		return nil, err
	}

	mid := transceiver.Mid()
	media := offer.byMid(mid)
	if media == nil {
		rollback()
		return nil, &SDPValidationError{Field: "Media", Message: "no section for mid " + mid}
	}
	caps := h.opts.ExtendedRtpCapabilities
	params := media.rtpParameters(media.negotiate(caps, opts.Codec), media.acceptedExtensions(caps))
	if err := params.Validate(); err != nil {
		rollback()
		return nil, err
	}

	h.mu.Lock()
	h.senders[mid] = &sending{transceiver: transceiver, kind: track.Kind(), ssrc: media.ssrc}
	h.mu.Unlock()

	h.logger.Info("Sending track",
		zap.String("mid", mid),
		zap.String("kind", string(track.Kind())),
		zap.String("codec", params.Codecs[0].MimeType),
		zap.Uint32("ssrc", media.ssrc))
	return &transport.SendResult{LocalID: mid, RtpParameters: params}, nil
}

// negotiate runs one offer/answer round. The first round hands the local DTLS
// parameters to OnSetup before the offer is applied.
func (h *sendHandler) negotiate(ctx context.Context, beforeAnswer func(mid string), added *webrtc.RTPTransceiver) (*localOffer, error) {
	sd, err := h.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	offer, err := parseOffer(sd.SDP)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	needSetup := !h.setupDone
	h.mu.Unlock()
	if needSetup {
		dtls := rtpcaps.DtlsParameters{Role: rtpcaps.DtlsRoleClient, Fingerprints: offer.fingerprints}
		if err := h.opts.OnSetup(ctx, dtls); err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.setupDone = true
		h.mu.Unlock()
	}

	if err := h.pc.SetLocalDescription(sd); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	if added != nil && beforeAnswer != nil {
		beforeAnswer(added.Mid())
	}

	h.mu.Lock()
	preferred := make(map[string]rtpcaps.RtpCodecCapability, len(h.preferred))
	for k, v := range h.preferred {
		preferred[k] = v
	}
	h.mu.Unlock()

	answer, err := buildAnswer(offer, h.opts.TransportOptions, h.opts.ExtendedRtpCapabilities, preferred)
	if err != nil {
		return nil, fmt.Errorf("failed to build answer: %w", err)
	}
	raw, err := answer.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	if err := h.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(raw)}); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	return offer, nil
}

func (h *sendHandler) StopSending(localID string) error {
	h.negotiateMu.Lock()
	defer h.negotiateMu.Unlock()

	h.mu.Lock()
	s, ok := h.senders[localID]
	if ok {
		delete(h.senders, localID)
		delete(h.preferred, localID)
	}
	closed := h.closed
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLocalID, localID)
	}
	if closed {
		return nil
	}
	h.stats.forget(s.ssrc)

	if err := h.pc.RemoveTrack(s.transceiver.Sender()); err != nil {
		return fmt.Errorf("failed to remove track: %w", err)
	}
	if _, err := h.negotiate(context.Background(), nil, nil); err != nil {
		return err
	}
	h.logger.Info("Stopped sending", zap.String("mid", localID))
	return nil
}

func (h *sendHandler) Stats() []transport.OutboundStats {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	bySSRC := make(map[uint32]string, len(h.senders))
	kinds := make(map[uint32]rtpcaps.MediaKind, len(h.senders))
	for mid, s := range h.senders {
		bySSRC[s.ssrc] = mid
		kinds[s.ssrc] = s.kind
	}
	h.mu.Unlock()

	out := h.stats.collect(h.pc.GetStats(), bySSRC, kinds)
	for _, w := range h.stats.diagnose() {
		h.logger.Warn("Outbound stream warning",
			zap.String("type", w.Type.String()),
			zap.Uint32("ssrc", w.SSRC),
			zap.String("message", w.Message))
	}
	return out
}

func (h *sendHandler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.onState = nil
	h.mu.Unlock()

	if err := h.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
