// Package transport manages the send transport negotiated with the relay. The
// connect and produce handshakes are delegated to listeners so the signaling
// side stays outside of this package.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/device"
	"github.com/mikeyg42/broadcast/internal/producer"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

var (
	ErrClosed            = errors.New("transport: closed")
	ErrNoConnectListener = errors.New("transport: no connect listener registered")
	ErrNoProduceListener = errors.New("transport: no produce listener registered")
)

// ConnectionState mirrors the state of the underlying connection
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
	StateDisconnected ConnectionState = "disconnected"
	StateClosed       ConnectionState = "closed"
)

// Terminal reports whether the transport can no longer carry media
func (s ConnectionState) Terminal() bool {
	return s == StateFailed || s == StateDisconnected || s == StateClosed
}

// ProduceParameters is what the produce listener forwards to the relay
type ProduceParameters struct {
	Kind          rtpcaps.MediaKind
	RtpParameters rtpcaps.RtpParameters
	AppData       map[string]any
}

type ConnectListener func(ctx context.Context, dtls rtpcaps.DtlsParameters) error

type ProduceListener func(ctx context.Context, params ProduceParameters) (string, error)

type Option func(*Transport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// Transport is a send transport bound to relay-issued parameters
type Transport struct {
	options rtpcaps.TransportOptions
	device  *device.Device
	handler SendHandler
	logger  *zap.Logger

	// produceMu serializes Produce so tracks are negotiated one at a time
	produceMu sync.Mutex

	mu             sync.Mutex
	state          ConnectionState
	closed         bool
	producers      map[string]*producer.Producer
	onConnect      ConnectListener
	onProduce      ProduceListener
	onState        func(ConnectionState)
	connectStarted bool

	// connectDone is closed once the connect handshake has an outcome in connectErr
	connectDone chan struct{}
	connectErr  error
}

// New creates the local side of a relay transport. The device must be loaded.
func New(dev *device.Device, options rtpcaps.TransportOptions, iceServers []rtpcaps.IceServer, engine Engine, opts ...Option) (*Transport, error) {
	if dev == nil || !dev.Loaded() {
		return nil, fmt.Errorf("transport: %w", device.ErrNotLoaded)
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	for _, s := range iceServers {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	caps, err := dev.RtpCapabilities()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		options:     options,
		device:      dev,
		logger:      zap.L().Named("transport"),
		state:       StateNew,
		producers:   make(map[string]*producer.Producer),
		connectDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("transport", options.ID))

	handler, err := engine.NewSendHandler(HandlerOptions{
		TransportOptions:        options,
		IceServers:              iceServers,
		ExtendedRtpCapabilities: caps,
		OnSetup:                 t.setup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create send handler: %w", err)
	}
	t.handler = handler
	handler.OnConnectionStateChange(t.handleState)
	return t, nil
}

// ID is the relay-assigned transport id
func (t *Transport) ID() string { return t.options.ID }

func (t *Transport) ConnectionState() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// OnConnect registers the connect handshake. It runs at most once.
func (t *Transport) OnConnect(fn ConnectListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = fn
}

// OnProduce registers the produce handshake. It runs once per attached track.
func (t *Transport) OnProduce(fn ProduceListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onProduce = fn
}

// OnConnectionStateChange registers for deduplicated state changes
func (t *Transport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// setup is the handler's hook into the connect handshake. The first caller
// runs the listener, later callers share its outcome.
func (t *Transport) setup(ctx context.Context, dtls rtpcaps.DtlsParameters) error {
	t.mu.Lock()
	if t.connectStarted {
		t.mu.Unlock()
		select {
		case <-t.connectDone:
			return t.connectErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.connectStarted = true
	fn := t.onConnect
	t.mu.Unlock()

	var err error
	if fn == nil {
		err = ErrNoConnectListener
	} else if err = fn(ctx, dtls); err != nil {
		err = fmt.Errorf("connect handshake failed: %w", err)
	}
	if err != nil {
		t.logger.Warn("Connect handshake failed", zap.Error(err))
	} else {
		t.logger.Info("Connect handshake completed", zap.String("dtls_role", dtls.Role))
	}
	t.connectErr = err
	close(t.connectDone)
	return err
}

func (t *Transport) connectFailure() error {
	select {
	case <-t.connectDone:
		return t.connectErr
	default:
		return nil
	}
}

// Produce sends track and registers it with the relay
func (t *Transport) Produce(ctx context.Context, track capture.Track) (*producer.Producer, error) {
	t.produceMu.Lock()
	defer t.produceMu.Unlock()

	t.mu.Lock()
	closed, onProduce := t.closed, t.onProduce
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if onProduce == nil {
		return nil, ErrNoProduceListener
	}

	kind := track.Kind()
	ok, err := t.device.CanProduce(kind)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("transport: cannot produce %s with the router capabilities", kind)
	}
	var sendOpts SendOptions
	if codec, found := t.device.CodecFor(kind); found {
		sendOpts.Codec = &codec
	}

	res, err := t.handler.Send(ctx, track, sendOpts)
	if err != nil {
		return nil, err
	}
	if err := t.connectFailure(); err != nil {
		t.stopSending(res.LocalID)
		return nil, err
	}

	id, err := onProduce(ctx, ProduceParameters{Kind: kind, RtpParameters: res.RtpParameters})
	if err != nil {
		t.stopSending(res.LocalID)
		return nil, fmt.Errorf("produce handshake failed: %w", err)
	}

	localID := res.LocalID
	p := producer.New(id, localID, track, res.RtpParameters, func() { t.stopSending(localID) })

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.Close()
		return nil, ErrClosed
	}
	t.producers[localID] = p
	t.mu.Unlock()

	t.logger.Info("Producer created",
		zap.String("producer", id),
		zap.String("kind", string(kind)),
		zap.String("local_id", localID))
	return p, nil
}

func (t *Transport) stopSending(localID string) {
	t.mu.Lock()
	delete(t.producers, localID)
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	if err := t.handler.StopSending(localID); err != nil {
		t.logger.Warn("Failed to stop sending", zap.String("local_id", localID), zap.Error(err))
	}
}

func (t *Transport) handleState(s ConnectionState) {
	t.mu.Lock()
	if s == t.state || t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = s
	fn := t.onState
	t.mu.Unlock()

	t.logger.Info("Connection state changed", zap.String("state", string(s)))
	if fn != nil {
		fn(s)
	}
}

// Producers returns the open producers
func (t *Transport) Producers() []*producer.Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*producer.Producer, 0, len(t.producers))
	for _, p := range t.producers {
		out = append(out, p)
	}
	return out
}

// Stats returns outbound stream stats from the send handler
func (t *Transport) Stats() []OutboundStats {
	if t.Closed() {
		return nil
	}
	return t.handler.Stats()
}

// Close releases the connection and every producer. The state listener is
// not notified.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.state = StateClosed
	producers := make([]*producer.Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	if err := t.handler.Close(); err != nil {
		t.logger.Warn("Failed to close send handler", zap.Error(err))
	}
	t.logger.Info("Transport closed", zap.Int("producers", len(producers)))
}
