package transport

import (
	"context"
	"time"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

// Engine is the local media stack a transport sends through
type Engine interface {
	// NativeRtpCapabilities lists the codecs the engine can encode and send
	NativeRtpCapabilities() rtpcaps.RtpCapabilities
	NewSendHandler(opts HandlerOptions) (SendHandler, error)
}

type HandlerOptions struct {
	TransportOptions        rtpcaps.TransportOptions
	IceServers              []rtpcaps.IceServer
	ExtendedRtpCapabilities rtpcaps.RtpCapabilities
	// OnSetup must be called with the local DTLS parameters before the
	// handler connects. Its error aborts the send that triggered it.
	OnSetup func(ctx context.Context, dtls rtpcaps.DtlsParameters) error
}

type SendOptions struct {
	// Codec is the negotiated codec to prefer, if any
	Codec *rtpcaps.RtpCodecCapability
}

type SendResult struct {
	LocalID       string
	RtpParameters rtpcaps.RtpParameters
}

// OutboundStats is a snapshot of one outbound RTP stream
type OutboundStats struct {
	LocalID         string            `json:"localId"`
	Kind            rtpcaps.MediaKind `json:"kind"`
	SSRC            uint32            `json:"ssrc"`
	PacketsSent     uint32            `json:"packetsSent"`
	BytesSent       uint64            `json:"bytesSent"`
	NACKCount       uint32            `json:"nackCount"`
	FramesEncoded   uint32            `json:"framesEncoded,omitempty"`
	BitrateEstimate float64           `json:"bitrateEstimate"`
	Timestamp       time.Time         `json:"timestamp"`
}

// SendHandler owns the connection of one transport
type SendHandler interface {
	Send(ctx context.Context, track capture.Track, opts SendOptions) (*SendResult, error)
	StopSending(localID string) error
	OnConnectionStateChange(fn func(ConnectionState))
	Stats() []OutboundStats
	Close() error
}
