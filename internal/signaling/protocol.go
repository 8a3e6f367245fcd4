package signaling

import "github.com/mikeyg42/broadcast/internal/rtpcaps"

// Request methods understood by the relay
const (
	MethodGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	MethodCreateWebRtcTransport    = "createWebRtcTransport"
	MethodGetTurnCredentials       = "getTurnCredentials"
	MethodConnectWebRtcTransport   = "connectWebRtcTransport"
	MethodProduce                  = "produce"
)

type CreateWebRtcTransportRequest struct {
	IsProducer bool `json:"isProducer"`
}

type ConnectWebRtcTransportRequest struct {
	TransportID    string                 `json:"transportId"`
	DtlsParameters rtpcaps.DtlsParameters `json:"dtlsParameters"`
}

type ProduceRequest struct {
	TransportID   string                `json:"transportId"`
	Kind          rtpcaps.MediaKind     `json:"kind"`
	RtpParameters rtpcaps.RtpParameters `json:"rtpParameters"`
	AppData       map[string]any        `json:"appData,omitempty"`
}

type ProduceResponse struct {
	ProducerID string `json:"producerId"`
}

// Ack is the empty result of connectWebRtcTransport
type Ack struct{}
