// Package rtcManager is the pion-backed media engine behind a send transport.
// It owns the MediaEngine, the mediadevices codec selector and one
// PeerConnection per transport.
package rtcManager

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/config"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
	"github.com/mikeyg42/broadcast/internal/transport"
)

const (
	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 10 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
)

type nativeCodec struct {
	kind   webrtc.RTPCodecType
	params webrtc.RTPCodecParameters
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "transport-cc"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// Codecs the encoders in the codec selector can produce
var nativeCodecs = []nativeCodec{
	{
		kind: webrtc.RTPCodecTypeAudio,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeOpus,
				ClockRate:    48000,
				Channels:     2,
				SDPFmtpLine:  "minptime=10;useinbandfec=1",
				RTCPFeedback: []webrtc.RTCPFeedback{{Type: "transport-cc"}},
			},
			PayloadType: 111,
		},
	},
	{
		kind: webrtc.RTPCodecTypeVideo,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 96,
		},
	},
	{
		kind: webrtc.RTPCodecTypeVideo,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeRTX,
				ClockRate:   90000,
				SDPFmtpLine: "apt=96",
			},
			PayloadType: 97,
		},
	},
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine implements transport.Engine on top of pion/webrtc
type Engine struct {
	api           *webrtc.API
	codecSelector *mediadevices.CodecSelector
	native        rtpcaps.RtpCapabilities
	logger        *zap.Logger
}

var _ transport.Engine = (*Engine)(nil)

// NewEngine registers the native codecs and builds the encoders with the
// configured bitrates
func NewEngine(video config.VideoConfig, audio config.AudioConfig, opts ...Option) (*Engine, error) {
	e := &Engine{logger: zap.L().Named("rtc")}
	for _, opt := range opts {
		opt(e)
	}

	mediaEngine := &webrtc.MediaEngine{}
	for _, c := range nativeCodecs {
		if err := mediaEngine.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.params.MimeType, err)
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if err := mediaEngine.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.SDESMidURI}, kind); err != nil {
			return nil, fmt.Errorf("failed to register mid header extension: %w", err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = video.BitRate
	vpxParams.KeyFrameInterval = video.KeyFrameInterval
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = audio.BitRate
	opusParams.Latency = opus.Latency20ms

	e.codecSelector = mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)

	e.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	e.native = buildNativeCapabilities()

	e.logger.Info("Media engine ready",
		zap.Int("video_bitrate", vpxParams.BitRate),
		zap.Int("key_frame_interval", vpxParams.KeyFrameInterval),
		zap.Int("audio_bitrate", opusParams.BitRate))
	return e, nil
}

// CodecSelector is shared with capture so tracks encode with the registered codecs
func (e *Engine) CodecSelector() *mediadevices.CodecSelector { return e.codecSelector }

func (e *Engine) NativeRtpCapabilities() rtpcaps.RtpCapabilities { return e.native.Clone() }

func (e *Engine) NewSendHandler(opts transport.HandlerOptions) (transport.SendHandler, error) {
	return newSendHandler(e, opts)
}

func buildNativeCapabilities() rtpcaps.RtpCapabilities {
	var caps rtpcaps.RtpCapabilities
	for _, c := range nativeCodecs {
		caps.Codecs = append(caps.Codecs, toCapability(c))
	}
	for _, kind := range []rtpcaps.MediaKind{rtpcaps.KindAudio, rtpcaps.KindVideo} {
		caps.HeaderExtensions = append(caps.HeaderExtensions, rtpcaps.RtpHeaderExtension{
			Kind:        kind,
			URI:         sdp.SDESMidURI,
			PreferredID: 1,
		})
	}
	return caps
}

func toCapability(c nativeCodec) rtpcaps.RtpCodecCapability {
	kind := rtpcaps.KindVideo
	if c.kind == webrtc.RTPCodecTypeAudio {
		kind = rtpcaps.KindAudio
	}
	out := rtpcaps.RtpCodecCapability{
		Kind:                 kind,
		MimeType:             c.params.MimeType,
		PreferredPayloadType: uint8(c.params.PayloadType),
		ClockRate:            c.params.ClockRate,
		Channels:             c.params.Channels,
		Parameters:           rtpcaps.ParseFmtp(c.params.SDPFmtpLine),
	}
	for _, fb := range c.params.RTCPFeedback {
		out.RtcpFeedback = append(out.RtcpFeedback, rtpcaps.RtcpFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

func toICEServers(servers []rtpcaps.IceServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func toConnectionState(s webrtc.PeerConnectionState) (transport.ConnectionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return transport.StateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return transport.StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return transport.StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return transport.StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return transport.StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return transport.StateClosed, true
	default:
		return "", false
	}
}
