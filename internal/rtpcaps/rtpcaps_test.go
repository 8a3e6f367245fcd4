package rtpcaps

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchCodec(t *testing.T) {
	testCases := []struct {
		name  string
		a, b  RtpCodecCapability
		match bool
	}{
		{
			name:  "same vp8 different case",
			a:     RtpCodecCapability{MimeType: "video/VP8", ClockRate: 90000},
			b:     RtpCodecCapability{MimeType: "video/vp8", ClockRate: 90000},
			match: true,
		},
		{
			name:  "clock rate differs",
			a:     RtpCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			b:     RtpCodecCapability{MimeType: "audio/opus", ClockRate: 16000, Channels: 2},
			match: false,
		},
		{
			name:  "audio channels default to mono",
			a:     RtpCodecCapability{MimeType: "audio/PCMU", ClockRate: 8000},
			b:     RtpCodecCapability{MimeType: "audio/PCMU", ClockRate: 8000, Channels: 1},
			match: true,
		},
		{
			name:  "opus stereo vs mono",
			a:     RtpCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			b:     RtpCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 1},
			match: false,
		},
		{
			name:  "h264 packetization mode",
			a:     RtpCodecCapability{MimeType: "video/H264", ClockRate: 90000, Parameters: map[string]any{"packetization-mode": float64(1)}},
			b:     RtpCodecCapability{MimeType: "video/H264", ClockRate: 90000, Parameters: map[string]any{"packetization-mode": 1}},
			match: true,
		},
		{
			name:  "h264 packetization mode mismatch",
			a:     RtpCodecCapability{MimeType: "video/H264", ClockRate: 90000, Parameters: map[string]any{"packetization-mode": 1}},
			b:     RtpCodecCapability{MimeType: "video/H264", ClockRate: 90000},
			match: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.match, MatchCodec(tc.a, tc.b))
		})
	}
}

func TestKindOfMimeType(t *testing.T) {
	kind, err := KindOfMimeType("Video/VP8")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, kind)

	_, err = KindOfMimeType("application/data")
	assert.Error(t, err)
	_, err = KindOfMimeType("audio")
	assert.Error(t, err)

	assert.True(t, IsRtxCodec("video/rtx"))
	assert.False(t, IsRtxCodec("video/VP8"))
}

func TestFmtp(t *testing.T) {
	params := ParseFmtp("minptime=10; useinbandfec=1;profile-level-id=42e01f")
	assert.Equal(t, 10, params["minptime"])
	assert.Equal(t, 1, params["useinbandfec"])
	assert.Equal(t, "42e01f", params["profile-level-id"])

	assert.Equal(t, "minptime=10;profile-level-id=42e01f;useinbandfec=1", FormatFmtp(params))
	assert.Nil(t, ParseFmtp("  "))
	assert.Equal(t, "", FormatFmtp(nil))
}

func TestCloneIsDeep(t *testing.T) {
	orig := RtpCapabilities{Codecs: []RtpCodecCapability{{
		Kind: KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2,
		Parameters: map[string]any{"useinbandfec": 1},
	}}}
	cp := orig.Clone()
	cp.Codecs[0].Parameters["useinbandfec"] = 0
	cp.Codecs[0].ClockRate = 1

	assert.Equal(t, 1, orig.Codecs[0].Parameters["useinbandfec"])
	assert.Equal(t, uint32(48000), orig.Codecs[0].ClockRate)
}

func TestIceServerJSON(t *testing.T) {
	var single IceServer
	require.NoError(t, json.Unmarshal([]byte(`{"urls":"turn:relay.example.com:3478","username":"u","credential":"p"}`), &single))
	assert.Equal(t, []string{"turn:relay.example.com:3478"}, single.URLs)
	require.NoError(t, single.Validate())

	var list IceServer
	require.NoError(t, json.Unmarshal([]byte(`{"urls":["stun:stun.example.com:3478","turns:relay.example.com:5349?transport=tcp"],"username":"u","credential":"p"}`), &list))
	assert.Len(t, list.URLs, 2)
	require.NoError(t, list.Validate())
}

func TestIceServerValidate(t *testing.T) {
	assert.Error(t, IceServer{}.Validate())
	assert.Error(t, IceServer{URLs: []string{"http://example.com"}}.Validate())
	assert.Error(t, IceServer{URLs: []string{"turn:relay.example.com:3478"}}.Validate(), "turn without credentials")
	assert.NoError(t, IceServer{URLs: []string{"stun:stun.example.com:19302"}}.Validate())
}

func TestTransportOptionsValidate(t *testing.T) {
	opts := TransportOptions{
		ID:            "t1",
		IceParameters: IceParameters{UsernameFragment: "ufrag", Password: "pwd"},
		IceCandidates: []IceCandidate{{Foundation: "udpcandidate", Priority: 1076302079, IP: "10.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DtlsParameters: DtlsParameters{Role: DtlsRoleAuto, Fingerprints: []DtlsFingerprint{
			{Algorithm: "sha-256", Value: "AA:BB"},
		}},
	}
	require.NoError(t, opts.Validate())
	assert.Equal(t, "udpcandidate 1 udp 1076302079 10.0.0.1 40000 typ host", opts.IceCandidates[0].SDPValue())

	missing := opts
	missing.IceCandidates = nil
	assert.Error(t, missing.Validate())

	noID := opts
	noID.ID = ""
	assert.Error(t, noID.Validate())
}

func TestRtpParametersValidate(t *testing.T) {
	p := RtpParameters{
		Codecs:    []RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []RtpEncodingParameters{{Ssrc: 1234}},
	}
	require.NoError(t, p.Validate())

	p.Encodings = nil
	assert.Error(t, p.Validate())
	assert.Error(t, RtpParameters{}.Validate())
}
