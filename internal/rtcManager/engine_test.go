package rtcManager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/broadcast/internal/config"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
	"github.com/mikeyg42/broadcast/internal/transport"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.NewDefaultConfig()
	e, err := NewEngine(cfg.Video, cfg.Audio, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NotNil(t, e.CodecSelector())
	return e
}

// sampleTrack is a capture track backed by a pion sample track
type sampleTrack struct {
	kind    rtpcaps.MediaKind
	local   *webrtc.TrackLocalStaticSample
	stopped atomic.Bool
}

func newSampleTrack(t *testing.T, kind rtpcaps.MediaKind) *sampleTrack {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == rtpcaps.KindAudio {
		mime = webrtc.MimeTypeOpus
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), "stream")
	require.NoError(t, err)
	return &sampleTrack{kind: kind, local: local}
}

func (s *sampleTrack) ID() string                    { return s.local.ID() }
func (s *sampleTrack) Kind() rtpcaps.MediaKind       { return s.kind }
func (s *sampleTrack) Stop()                         { s.stopped.Store(true) }
func (s *sampleTrack) Stopped() bool                 { return s.stopped.Load() }
func (s *sampleTrack) TrackLocal() webrtc.TrackLocal { return s.local }

func realOptions(t *testing.T) rtpcaps.TransportOptions {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert, err := webrtc.GenerateCertificate(key)
	require.NoError(t, err)
	fps, err := cert.GetFingerprints()
	require.NoError(t, err)

	opts := relayOptions()
	opts.DtlsParameters.Fingerprints = nil
	for _, fp := range fps {
		opts.DtlsParameters.Fingerprints = append(opts.DtlsParameters.Fingerprints, rtpcaps.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return opts
}

func TestNativeCapabilitiesMatchRouter(t *testing.T) {
	caps := buildNativeCapabilities()
	var mimes []string
	for _, c := range caps.Codecs {
		mimes = append(mimes, c.MimeType)
	}
	assert.ElementsMatch(t, []string{webrtc.MimeTypeOpus, webrtc.MimeTypeVP8, webrtc.MimeTypeRTX}, mimes)

	ext := extendedCaps(t)
	_, ok := findCodec(ext, rtpcaps.KindVideo, rtpcaps.RtpCodecCapability{MimeType: "video/VP8", ClockRate: 90000})
	assert.True(t, ok)
	_, ok = findCodec(ext, rtpcaps.KindAudio, rtpcaps.RtpCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 2})
	assert.True(t, ok)
}

func TestConnectionStateMapping(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]transport.ConnectionState{
		webrtc.PeerConnectionStateNew:          transport.StateNew,
		webrtc.PeerConnectionStateConnecting:   transport.StateConnecting,
		webrtc.PeerConnectionStateConnected:    transport.StateConnected,
		webrtc.PeerConnectionStateDisconnected: transport.StateDisconnected,
		webrtc.PeerConnectionStateFailed:       transport.StateFailed,
		webrtc.PeerConnectionStateClosed:       transport.StateClosed,
	}
	for in, want := range cases {
		got, ok := toConnectionState(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := toConnectionState(webrtc.PeerConnectionStateUnknown)
	assert.False(t, ok)
}

func TestSendHandlerNegotiatesEachTrack(t *testing.T) {
	e := newTestEngine(t)
	var setups atomic.Int32
	var dtls rtpcaps.DtlsParameters

	h, err := e.NewSendHandler(transport.HandlerOptions{
		TransportOptions:        realOptions(t),
		ExtendedRtpCapabilities: extendedCaps(t),
		OnSetup: func(_ context.Context, d rtpcaps.DtlsParameters) error {
			setups.Add(1)
			dtls = d
			return nil
		},
	})
	require.NoError(t, err)
	defer h.Close()

	video, err := h.Send(context.Background(), newSampleTrack(t, rtpcaps.KindVideo), transport.SendOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, video.LocalID)
	require.NoError(t, video.RtpParameters.Validate())
	assert.Equal(t, "video/VP8", video.RtpParameters.Codecs[0].MimeType)
	assert.NotZero(t, video.RtpParameters.Encodings[0].Ssrc)

	audio, err := h.Send(context.Background(), newSampleTrack(t, rtpcaps.KindAudio), transport.SendOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, video.LocalID, audio.LocalID)
	assert.Equal(t, "audio/opus", audio.RtpParameters.Codecs[0].MimeType)

	assert.EqualValues(t, 1, setups.Load())
	assert.Equal(t, rtpcaps.DtlsRoleClient, dtls.Role)
	require.NotEmpty(t, dtls.Fingerprints)

	require.NoError(t, h.StopSending(video.LocalID))
	assert.ErrorIs(t, h.StopSending(video.LocalID), ErrUnknownLocalID)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Nil(t, h.Stats())
	_, err = h.Send(context.Background(), newSampleTrack(t, rtpcaps.KindVideo), transport.SendOptions{})
	assert.ErrorIs(t, err, ErrHandlerClosed)
}

func TestSendHandlerSetupFailureAbortsSend(t *testing.T) {
	e := newTestEngine(t)
	boom := errors.New("relay rejected connect")
	h, err := e.NewSendHandler(transport.HandlerOptions{
		TransportOptions:        realOptions(t),
		ExtendedRtpCapabilities: extendedCaps(t),
		OnSetup:                 func(context.Context, rtpcaps.DtlsParameters) error { return boom },
	})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Send(context.Background(), newSampleTrack(t, rtpcaps.KindVideo), transport.SendOptions{})
	assert.ErrorIs(t, err, boom)
}

type plainTrack struct{ sampleTrack }

func (p *plainTrack) TrackLocal() webrtc.TrackLocal { return nil }

func TestSendHandlerRejectsUnbindableTrack(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.NewSendHandler(transport.HandlerOptions{
		TransportOptions:        realOptions(t),
		ExtendedRtpCapabilities: extendedCaps(t),
		OnSetup:                 func(context.Context, rtpcaps.DtlsParameters) error { return nil },
	})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Send(context.Background(), &plainTrack{sampleTrack{kind: rtpcaps.KindVideo}}, transport.SendOptions{})
	assert.ErrorIs(t, err, ErrNotSendable)
}
