// Package broadcast runs the publish session: it negotiates with the relay,
// opens the send transport, captures the local devices, and tears all of it
// down again on stop or failure.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/device"
	"github.com/mikeyg42/broadcast/internal/producer"
	"github.com/mikeyg42/broadcast/internal/ring"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
	"github.com/mikeyg42/broadcast/internal/signaling"
	"github.com/mikeyg42/broadcast/internal/transport"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultHistorySize    = 64
	subscriberBuffer      = 16

	messageStarting     = "Starting broadcast"
	messageConnecting   = "Connecting…"
	messageBroadcasting = "Broadcasting"
)

// Signaler is the relay conversation a session needs. *signaling.Channel
// implements it.
type Signaler interface {
	GetRouterRtpCapabilities(ctx context.Context) (rtpcaps.RtpCapabilities, error)
	CreateWebRtcTransport(ctx context.Context, req signaling.CreateWebRtcTransportRequest) (rtpcaps.TransportOptions, error)
	GetTurnCredentials(ctx context.Context) (rtpcaps.IceServer, error)
	ConnectWebRtcTransport(ctx context.Context, req signaling.ConnectWebRtcTransportRequest) error
	Produce(ctx context.Context, req signaling.ProduceRequest) (string, error)
	// Reset disconnects and reconnects so the next attempt starts clean
	Reset(ctx context.Context) error
	Close() error
}

// ChannelFactory dials a new signaling channel
type ChannelFactory func(ctx context.Context) (Signaler, error)

// DialSignaling is the ChannelFactory for a relay at url
func DialSignaling(url string, opts ...signaling.Option) ChannelFactory {
	return func(ctx context.Context) (Signaler, error) {
		ch, err := signaling.Dial(ctx, url, opts...)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// PreviewSink shows the local capture while it runs
type PreviewSink interface {
	Attach(stream *capture.Stream)
	Detach()
}

type Dependencies struct {
	Dial        ChannelFactory
	Engine      transport.Engine
	Acquirer    capture.Acquirer
	Preview     PreviewSink
	Constraints capture.Constraints
}

type Option func(*Session)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithConnectTimeout bounds the time from start to broadcasting. Zero
// disables it.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) { s.connectTimeout = d }
}

func WithHistorySize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// attempt holds everything one start owns. Fields after tornDown are
// guarded by Session.mu.
type attempt struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	// tornDown is set by whoever claims the single teardown
	tornDown  bool
	stream    *capture.Stream
	preview   bool
	transport *transport.Transport
	producers *producer.Set
	timer     *time.Timer
}

// Session is the single broadcast of this client. Only one attempt is
// active at a time.
type Session struct {
	deps           Dependencies
	logger         *zap.Logger
	connectTimeout time.Duration
	historySize    int
	now            func() time.Time

	mu      sync.Mutex
	status  Status
	channel Signaler
	current *attempt
	closed  bool
	subs    map[int]chan Status
	nextSub int
	history *ring.Buffer[Status]
}

func NewSession(deps Dependencies, opts ...Option) (*Session, error) {
	if deps.Dial == nil || deps.Engine == nil || deps.Acquirer == nil {
		return nil, fmt.Errorf("broadcast: dial, engine and acquirer are required")
	}
	s := &Session{
		deps:           deps,
		logger:         zap.L().Named("session"),
		connectTimeout: defaultConnectTimeout,
		historySize:    defaultHistorySize,
		now:            time.Now,
		subs:           make(map[int]chan Status),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.history = ring.New[Status](s.historySize)
	s.mu.Lock()
	s.setStatusLocked(StateIdle, "", "")
	s.mu.Unlock()
	return s, nil
}

// Start runs one attempt up to the point where every track is attached.
// Reaching broadcasting is reported through the status.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.current != nil || s.status.State != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	actx, cancel := context.WithCancel(context.Background())
	a := &attempt{id: uuid.NewString(), ctx: actx, cancel: cancel}
	s.current = a
	s.setStatusLocked(StateStarting, messageStarting, "")
	s.mu.Unlock()

	// the caller's context only bounds the start itself
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	logger := s.logger.With(zap.String("session", a.id))
	logger.Info("Starting broadcast")

	if err := s.run(a, logger); err != nil {
		if s.abandoned(a) {
			logger.Info("Start abandoned after stop", zap.Error(err))
			return ErrAborted
		}
		s.fail(a, err)
		return ErrStartFailed
	}
	return nil
}

func (s *Session) run(a *attempt, logger *zap.Logger) error {
	ch, err := s.ensureChannel(a.ctx)
	if err != nil {
		return classify(err, KindNegotiation)
	}

	caps, err := ch.GetRouterRtpCapabilities(a.ctx)
	if err != nil {
		return classify(err, KindNegotiation)
	}
	dev := device.New(s.deps.Engine.NativeRtpCapabilities(), device.WithLogger(logger))
	if err := dev.Load(caps); err != nil {
		return classify(err, KindNegotiation)
	}
	constraints, err := producible(dev, s.deps.Constraints, logger)
	if err != nil {
		return classify(err, KindNegotiation)
	}

	options, err := ch.CreateWebRtcTransport(a.ctx, signaling.CreateWebRtcTransportRequest{IsProducer: true})
	if err != nil {
		return classify(err, KindNegotiation)
	}
	ice, err := ch.GetTurnCredentials(a.ctx)
	if err != nil {
		return classify(err, KindNegotiation)
	}
	tr, err := transport.New(dev, options, []rtpcaps.IceServer{ice}, s.deps.Engine, transport.WithLogger(logger))
	if err != nil {
		return classify(err, KindNegotiation)
	}

	tr.OnConnect(func(ctx context.Context, dtls rtpcaps.DtlsParameters) error {
		err := ch.ConnectWebRtcTransport(ctx, signaling.ConnectWebRtcTransportRequest{
			TransportID:    tr.ID(),
			DtlsParameters: dtls,
		})
		if err != nil {
			return relayRejected{err}
		}
		return nil
	})
	tr.OnProduce(func(ctx context.Context, p transport.ProduceParameters) (string, error) {
		id, err := ch.Produce(ctx, signaling.ProduceRequest{
			TransportID:   tr.ID(),
			Kind:          p.Kind,
			RtpParameters: p.RtpParameters,
			AppData:       p.AppData,
		})
		if err != nil {
			return "", relayRejected{err}
		}
		return id, nil
	})
	tr.OnConnectionStateChange(func(st transport.ConnectionState) {
		s.handleTransportState(a, st)
	})

	set := producer.NewSet(tr, producer.WithLogger(logger))
	err = s.adopt(a, func() {
		a.transport = tr
		a.producers = set
		if s.connectTimeout > 0 {
			a.timer = time.AfterFunc(s.connectTimeout, func() { s.connectTimedOut(a) })
		}
	}, tr.Close)
	if err != nil {
		return err
	}

	stream, err := s.deps.Acquirer.Acquire(a.ctx, constraints)
	if err != nil {
		return classify(err, KindDevice)
	}
	err = s.adopt(a, func() {
		a.stream = stream
		if s.deps.Preview != nil {
			s.deps.Preview.Attach(stream)
			a.preview = true
		}
	}, stream.Stop)
	if err != nil {
		return err
	}

	tracks := append(stream.VideoTracks(), stream.AudioTracks()...)
	for _, track := range tracks {
		if err := set.Attach(a.ctx, track); err != nil {
			return classify(err, KindTransport)
		}
	}
	logger.Info("All tracks attached", zap.Any("kinds", set.Kinds()))
	return nil
}

// producible drops the media kinds the relay cannot take, so their devices
// are never opened
func producible(dev *device.Device, c capture.Constraints, logger *zap.Logger) (capture.Constraints, error) {
	wanted := c.Video || c.Audio
	for kind, enabled := range map[rtpcaps.MediaKind]*bool{rtpcaps.KindVideo: &c.Video, rtpcaps.KindAudio: &c.Audio} {
		if !*enabled {
			continue
		}
		ok, err := dev.CanProduce(kind)
		if err != nil {
			return c, err
		}
		if !ok {
			logger.Warn("Relay cannot receive this media kind, skipping capture", zap.String("kind", string(kind)))
			*enabled = false
		}
	}
	if wanted && !c.Video && !c.Audio {
		return c, fmt.Errorf("relay accepts none of the requested media kinds")
	}
	return c, nil
}

func (s *Session) ensureChannel(ctx context.Context) (Signaler, error) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		return ch, nil
	}

	ch, err := s.deps.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ch.Close()
		return nil, ErrClosed
	}
	s.channel = ch
	return ch, nil
}

// adopt hands a resource to the attempt, or releases it right away when the
// attempt was torn down while it was being acquired
func (s *Session) adopt(a *attempt, keep func(), release func()) error {
	s.mu.Lock()
	if a.tornDown {
		s.mu.Unlock()
		release()
		return ErrAborted
	}
	keep()
	s.mu.Unlock()
	return nil
}

func (s *Session) abandoned(a *attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.tornDown
}

func (s *Session) handleTransportState(a *attempt, st transport.ConnectionState) {
	switch {
	case st == transport.StateConnecting:
		s.advance(a, StateConnecting, messageConnecting)
	case st == transport.StateConnected:
		if s.advance(a, StateBroadcasting, messageBroadcasting) {
			s.mu.Lock()
			timer := a.timer
			s.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
		}
	case st.Terminal():
		s.fail(a, &FailureError{Kind: KindTransport, Err: fmt.Errorf("connection %s", st)})
	}
}

// advance moves the attempt forward, never back
func (s *Session) advance(a *attempt, state State, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != a || a.tornDown || state.rank() <= s.status.State.rank() {
		return false
	}
	s.setStatusLocked(state, message, "")
	s.logger.Info("Session state changed", zap.String("session", a.id), zap.String("state", string(state)))
	return true
}

func (s *Session) connectTimedOut(a *attempt) {
	s.mu.Lock()
	broadcasting := s.current == a && s.status.State == StateBroadcasting
	s.mu.Unlock()
	if broadcasting {
		return
	}
	s.fail(a, &FailureError{Kind: KindTransport, Err: fmt.Errorf("no connection within %s", s.connectTimeout)})
}

// fail reports err and tears the attempt down, unless a teardown already
// claimed it
func (s *Session) fail(a *attempt, err error) {
	fe := classify(err, KindTransport)
	s.mu.Lock()
	if s.current != a || a.tornDown {
		s.mu.Unlock()
		return
	}
	a.tornDown = true
	message := "Broadcast failed: " + fe.Error()
	s.setStatusLocked(StateError, message, fe.Error())
	s.mu.Unlock()

	s.logger.Warn("Broadcast failed",
		zap.String("session", a.id),
		zap.String("kind", string(fe.Kind)),
		zap.Error(fe.Err))
	s.teardown(a, message, fe.Error())
}

// Stop tears the current attempt down. It does nothing when idle or when a
// teardown is already running.
func (s *Session) Stop() {
	s.mu.Lock()
	a := s.current
	if a == nil || a.tornDown {
		s.mu.Unlock()
		return
	}
	a.tornDown = true
	s.mu.Unlock()

	s.logger.Info("Stopping broadcast", zap.String("session", a.id))
	s.teardown(a, "", "")
}

func (s *Session) teardown(a *attempt, message, errText string) {
	a.cancel()

	s.mu.Lock()
	stream, preview, tr, set, timer := a.stream, a.preview, a.transport, a.producers, a.timer
	ch, closing := s.channel, s.closed
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
	if preview {
		s.deps.Preview.Detach()
	}
	if set != nil {
		set.CloseAll()
	}
	if tr != nil {
		tr.Close()
	}
	// a closing session drops the channel in Close instead of redialing
	if ch != nil && !closing {
		s.resetChannel(ch)
	}

	s.mu.Lock()
	s.current = nil
	s.setStatusLocked(StateIdle, message, errText)
	s.mu.Unlock()
	s.logger.Info("Broadcast torn down", zap.String("session", a.id))
}

// resetChannel reconnects the channel. A channel that cannot reconnect is
// dropped and the next start dials a new one.
func (s *Session) resetChannel(ch Signaler) {
	if err := ch.Reset(context.Background()); err != nil {
		s.logger.Warn("Failed to reset signaling channel", zap.Error(err))
		if err := ch.Close(); err != nil {
			s.logger.Debug("Failed to close signaling channel", zap.Error(err))
		}
		s.mu.Lock()
		if s.channel == ch {
			s.channel = nil
		}
		s.mu.Unlock()
	}
}

// Close stops any broadcast and closes the signaling channel without
// reconnecting it
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()

	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	for id, sub := range s.subs {
		close(sub)
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (s *Session) setStatusLocked(state State, message, errText string) {
	st := Status{
		State:    state,
		Message:  message,
		CanStart: state == StateIdle && !s.closed,
		CanStop:  state != StateIdle,
		Error:    errText,
		Since:    s.now(),
	}
	if s.current != nil {
		st.SessionID = s.current.id
	}
	s.status = st
	s.history.Add(st)
	for _, sub := range s.subs {
		select {
		case sub <- st:
		default:
			s.logger.Debug("Status subscriber lagging", zap.String("state", string(state)))
		}
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// History returns recent statuses, oldest first
func (s *Session) History() []Status {
	return s.history.All()
}

// Subscribe delivers every status change until cancel is called. Slow
// readers miss updates.
func (s *Session) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, subscriberBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				close(sub)
				delete(s.subs, id)
			}
		})
	}
}

type ProducerInfo struct {
	ID      string            `json:"id"`
	LocalID string            `json:"localId"`
	Kind    rtpcaps.MediaKind `json:"kind"`
	TrackID string            `json:"trackId"`
}

type Stats struct {
	Status          Status                    `json:"status"`
	TransportID     string                    `json:"transportId,omitempty"`
	ConnectionState transport.ConnectionState `json:"connectionState,omitempty"`
	Kinds           []rtpcaps.MediaKind       `json:"kinds,omitempty"`
	Producers       []ProducerInfo            `json:"producers"`
	Outbound        []transport.OutboundStats `json:"outbound"`
}

// Stats describes the current attempt. It only carries the status when idle.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	stats := Stats{Status: s.status}
	var tr *transport.Transport
	var set *producer.Set
	if a := s.current; a != nil && !a.tornDown {
		tr, set = a.transport, a.producers
	}
	s.mu.Unlock()

	if tr == nil {
		return stats
	}
	stats.TransportID = tr.ID()
	stats.ConnectionState = tr.ConnectionState()
	stats.Outbound = tr.Stats()
	stats.Kinds = set.Kinds()
	for _, p := range set.Producers() {
		stats.Producers = append(stats.Producers, ProducerInfo{
			ID:      p.ID(),
			LocalID: p.LocalID(),
			Kind:    p.Kind(),
			TrackID: p.Track().ID(),
		})
	}
	return stats
}
