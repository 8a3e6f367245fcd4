package signaling

import (
	"context"
	"fmt"

	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

func (c *Channel) GetRouterRtpCapabilities(ctx context.Context) (rtpcaps.RtpCapabilities, error) {
	var caps rtpcaps.RtpCapabilities
	err := c.Request(ctx, MethodGetRouterRtpCapabilities, nil, &caps)
	return caps, err
}

func (c *Channel) CreateWebRtcTransport(ctx context.Context, req CreateWebRtcTransportRequest) (rtpcaps.TransportOptions, error) {
	var opts rtpcaps.TransportOptions
	if err := c.Request(ctx, MethodCreateWebRtcTransport, req, &opts); err != nil {
		return opts, err
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("signaling %s: %w", MethodCreateWebRtcTransport, err)
	}
	return opts, nil
}

func (c *Channel) GetTurnCredentials(ctx context.Context) (rtpcaps.IceServer, error) {
	var server rtpcaps.IceServer
	if err := c.Request(ctx, MethodGetTurnCredentials, nil, &server); err != nil {
		return server, err
	}
	if err := server.Validate(); err != nil {
		return server, fmt.Errorf("signaling %s: %w", MethodGetTurnCredentials, err)
	}
	return server, nil
}

func (c *Channel) ConnectWebRtcTransport(ctx context.Context, req ConnectWebRtcTransportRequest) error {
	return c.Request(ctx, MethodConnectWebRtcTransport, req, nil)
}

// Produce registers one outbound track and returns the relay producer id
func (c *Channel) Produce(ctx context.Context, req ProduceRequest) (string, error) {
	var resp ProduceResponse
	if err := c.Request(ctx, MethodProduce, req, &resp); err != nil {
		return "", err
	}
	if resp.ProducerID == "" {
		return "", fmt.Errorf("signaling %s: empty producer id", MethodProduce)
	}
	return resp.ProducerID, nil
}
