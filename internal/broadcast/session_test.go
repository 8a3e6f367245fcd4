package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/capture/capturetest"
	"github.com/mikeyg42/broadcast/internal/devrelay"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
	"github.com/mikeyg42/broadcast/internal/signaling"
	"github.com/mikeyg42/broadcast/internal/transport"
	"github.com/mikeyg42/broadcast/internal/transport/transporttest"
)

// fakeSignaler answers like the dev relay and records every call in order
type fakeSignaler struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	hold   map[string]chan struct{}
	resets int
	closed bool
	caps   *rtpcaps.RtpCapabilities

	// onReset runs at the start of every Reset
	onReset func()
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{fail: map[string]error{}, hold: map[string]chan struct{}{}}
}

func (f *fakeSignaler) enter(method string) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	err, hold := f.fail[method], f.hold[method]
	f.mu.Unlock()
	// held calls ignore cancellation, like a relay that never answers in time
	if hold != nil {
		<-hold
	}
	return err
}

func (f *fakeSignaler) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = err
}

func (f *fakeSignaler) Hold(method string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.hold[method] = ch
	return ch
}

func (f *fakeSignaler) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSignaler) count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeSignaler) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

func (f *fakeSignaler) GetRouterRtpCapabilities(context.Context) (rtpcaps.RtpCapabilities, error) {
	if err := f.enter(signaling.MethodGetRouterRtpCapabilities); err != nil {
		return rtpcaps.RtpCapabilities{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.caps != nil {
		return *f.caps, nil
	}
	return devrelay.RouterCapabilities(), nil
}

// routerFor keeps only the codecs and header extensions of the given kinds
func routerFor(kinds ...rtpcaps.MediaKind) *rtpcaps.RtpCapabilities {
	keep := make(map[rtpcaps.MediaKind]bool)
	for _, k := range kinds {
		keep[k] = true
	}
	all := devrelay.RouterCapabilities()
	var caps rtpcaps.RtpCapabilities
	for _, c := range all.Codecs {
		if keep[c.Kind] {
			caps.Codecs = append(caps.Codecs, c)
		}
	}
	for _, e := range all.HeaderExtensions {
		if keep[e.Kind] {
			caps.HeaderExtensions = append(caps.HeaderExtensions, e)
		}
	}
	return &caps
}

func (f *fakeSignaler) CreateWebRtcTransport(_ context.Context, req signaling.CreateWebRtcTransportRequest) (rtpcaps.TransportOptions, error) {
	if err := f.enter(signaling.MethodCreateWebRtcTransport); err != nil {
		return rtpcaps.TransportOptions{}, err
	}
	if !req.IsProducer {
		return rtpcaps.TransportOptions{}, errors.New("expected a producing transport")
	}
	return rtpcaps.TransportOptions{
		ID:            "transport-1",
		IceParameters: rtpcaps.IceParameters{UsernameFragment: "ufrag", Password: "password", IceLite: true},
		IceCandidates: []rtpcaps.IceCandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DtlsParameters: rtpcaps.DtlsParameters{Role: rtpcaps.DtlsRoleAuto, Fingerprints: []rtpcaps.DtlsFingerprint{
			{Algorithm: "sha-256", Value: "AA:BB"},
		}},
	}, nil
}

func (f *fakeSignaler) GetTurnCredentials(context.Context) (rtpcaps.IceServer, error) {
	if err := f.enter(signaling.MethodGetTurnCredentials); err != nil {
		return rtpcaps.IceServer{}, err
	}
	return rtpcaps.IceServer{URLs: []string{"turn:127.0.0.1:3478"}, Username: "1:user", Credential: "secret"}, nil
}

func (f *fakeSignaler) ConnectWebRtcTransport(context.Context, signaling.ConnectWebRtcTransportRequest) error {
	return f.enter(signaling.MethodConnectWebRtcTransport)
}

func (f *fakeSignaler) Produce(_ context.Context, req signaling.ProduceRequest) (string, error) {
	if err := f.enter(signaling.MethodProduce); err != nil {
		return "", err
	}
	return "producer-" + string(req.Kind), nil
}

func (f *fakeSignaler) Reset(context.Context) error {
	f.mu.Lock()
	onReset := f.onReset
	f.mu.Unlock()
	if onReset != nil {
		onReset()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// recordingPreview counts attach and detach calls
type recordingPreview struct {
	mu       sync.Mutex
	attached int
	detached int
}

func (p *recordingPreview) Attach(*capture.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached++
}

func (p *recordingPreview) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached++
}

func (p *recordingPreview) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached, p.detached
}

type harness struct {
	session  *Session
	relay    *fakeSignaler
	engine   *transporttest.Engine
	acquirer *capturetest.Acquirer
	preview  *recordingPreview
}

func newHarness(t *testing.T, autoConnect bool, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, autoConnect, capture.Constraints{Video: true, Audio: true}, opts...)
}

func newHarnessWith(t *testing.T, autoConnect bool, constraints capture.Constraints, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		relay:    newFakeSignaler(),
		engine:   &transporttest.Engine{AutoConnect: autoConnect},
		acquirer: capturetest.NewAcquirer(),
		preview:  &recordingPreview{},
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := NewSession(Dependencies{
		Dial:        func(context.Context) (Signaler, error) { return h.relay, nil },
		Engine:      h.engine,
		Acquirer:    h.acquirer,
		Preview:     h.preview,
		Constraints: constraints,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	h.session = s
	return h
}

func (h *harness) waitFor(t *testing.T, state State) Status {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.Status().State == state },
		2*time.Second, 5*time.Millisecond, "state %s never reached, at %s", state, h.session.Status().State)
	return h.session.Status()
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	for _, track := range h.acquirer.Acquired() {
		assert.Equal(t, 1, track.Releases(), "track %s", track.ID())
	}
}

// attemptStates returns the states recorded after the last idle that
// preceded the most recent start
func attemptStates(history []Status) []State {
	start := 0
	for i, st := range history {
		if st.State == StateStarting {
			start = i
		}
	}
	var states []State
	for _, st := range history[start:] {
		states = append(states, st.State)
	}
	return states
}

func TestStartReachesBroadcasting(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.session.Start(context.Background()))
	st := h.waitFor(t, StateBroadcasting)
	assert.Equal(t, messageBroadcasting, st.Message)
	assert.True(t, st.CanStop)
	assert.False(t, st.CanStart)
	assert.NotEmpty(t, st.SessionID)

	handler := h.engine.LastHandler()
	require.NotNil(t, handler)
	sent := handler.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, rtpcaps.KindVideo, sent[0].Kind())
	assert.Equal(t, rtpcaps.KindAudio, sent[1].Kind())

	assert.Equal(t, 1, h.relay.count(signaling.MethodConnectWebRtcTransport))
	assert.Equal(t, 2, h.relay.count(signaling.MethodProduce))
	assert.Equal(t, []State{StateStarting, StateConnecting, StateBroadcasting}, attemptStates(h.session.History()))

	attached, _ := h.preview.counts()
	assert.Equal(t, 1, attached)

	stats := h.session.Stats()
	assert.Equal(t, "transport-1", stats.TransportID)
	assert.Equal(t, transport.StateConnected, stats.ConnectionState)
	require.Len(t, stats.Producers, 2)
	assert.Equal(t, "producer-video", stats.Producers[0].ID)
	assert.Len(t, stats.Outbound, 2)
}

func TestCapabilitiesLoadBeforeTransport(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.session.Start(context.Background()))
	h.waitFor(t, StateBroadcasting)

	calls := h.relay.Calls()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, []string{
		signaling.MethodGetRouterRtpCapabilities,
		signaling.MethodCreateWebRtcTransport,
		signaling.MethodGetTurnCredentials,
	}, calls[:3])
}

func TestCapabilityFailureAcquiresNothing(t *testing.T) {
	h := newHarness(t, true)
	h.relay.Fail(signaling.MethodGetRouterRtpCapabilities, &signaling.Error{
		Method: signaling.MethodGetRouterRtpCapabilities, Message: "router unavailable",
	})
	updates, cancel := h.session.Subscribe()
	defer cancel()

	err := h.session.Start(context.Background())
	require.ErrorIs(t, err, ErrStartFailed)

	st := h.session.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.CanStart)
	assert.Contains(t, st.Error, "negotiation error")
	assert.Contains(t, st.Message, "router unavailable")
	assert.Zero(t, h.acquirer.Calls())
	assert.Nil(t, h.engine.LastHandler())
	assert.Equal(t, 1, h.relay.Resets())

	var seen []State
	for len(updates) > 0 {
		seen = append(seen, (<-updates).State)
	}
	assert.Equal(t, []State{StateStarting, StateError, StateIdle}, seen)
}

func TestConnectRejectedTearsDown(t *testing.T) {
	h := newHarness(t, false)
	h.relay.Fail(signaling.MethodConnectWebRtcTransport, &signaling.Error{
		Method: signaling.MethodConnectWebRtcTransport, Message: "bad fingerprint",
	})

	require.ErrorIs(t, h.session.Start(context.Background()), ErrStartFailed)

	st := h.session.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, strings.HasPrefix(st.Error, "handshake error"), st.Error)
	require.Len(t, h.acquirer.Acquired(), 2)
	h.assertReleased(t)
	assert.True(t, h.engine.LastHandler().Closed())
	assert.Zero(t, h.relay.count(signaling.MethodProduce))

	_, detached := h.preview.counts()
	assert.Equal(t, 1, detached)
}

func TestDeviceFailure(t *testing.T) {
	h := newHarness(t, true)
	h.acquirer.SetErr(capture.ErrNoTracks)

	require.ErrorIs(t, h.session.Start(context.Background()), ErrStartFailed)
	st := h.session.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Contains(t, st.Error, "device error")
	assert.True(t, h.engine.LastHandler().Closed())
}

func TestDisconnectAfterBroadcastingTearsDown(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.session.Start(context.Background()))
	h.waitFor(t, StateBroadcasting)

	h.engine.LastHandler().EmitState(transport.StateDisconnected)

	st := h.waitFor(t, StateIdle)
	assert.Contains(t, st.Message, "disconnected")
	h.assertReleased(t)
	assert.True(t, h.engine.LastHandler().Closed())
	assert.Equal(t, 1, h.relay.Resets())

	states := attemptStates(h.session.History())
	assert.Equal(t, []State{StateStarting, StateConnecting, StateBroadcasting, StateError, StateIdle}, states)
}

func TestStopTwiceRunsOneTeardown(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.session.Start(context.Background()))
	h.waitFor(t, StateBroadcasting)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.Stop()
		}()
	}
	wg.Wait()
	h.waitFor(t, StateIdle)
	h.session.Stop()

	assert.Equal(t, 1, h.relay.Resets())
	h.assertReleased(t)
	_, detached := h.preview.counts()
	assert.Equal(t, 1, detached)

	st := h.session.Status()
	assert.Empty(t, st.Message)
	assert.Empty(t, st.Error)
	assert.True(t, st.CanStart)
	assert.Empty(t, st.SessionID)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t, true)
	h.session.Stop()
	h.session.Stop()
	assert.Equal(t, StateIdle, h.session.Status().State)
	assert.Zero(t, h.relay.Resets())
	assert.Len(t, h.session.History(), 1)
}

func TestStartWhileActiveIsBusy(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.session.Start(context.Background()))
	h.waitFor(t, StateBroadcasting)
	assert.ErrorIs(t, h.session.Start(context.Background()), ErrBusy)
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t, true)
	for i := 0; i < 2; i++ {
		require.NoError(t, h.session.Start(context.Background()))
		h.waitFor(t, StateBroadcasting)
		h.session.Stop()
		h.waitFor(t, StateIdle)
	}
	assert.Len(t, h.engine.Handlers(), 2)
	assert.Equal(t, 2, h.relay.Resets())
	assert.Len(t, h.acquirer.Acquired(), 4)
	h.assertReleased(t)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, false, WithConnectTimeout(50*time.Millisecond))
	require.NoError(t, h.session.Start(context.Background()))

	st := h.waitFor(t, StateIdle)
	assert.Contains(t, st.Error, "transport error")
	assert.Contains(t, st.Error, "no connection within")
	h.assertReleased(t)
	assert.True(t, h.engine.LastHandler().Closed())
}

func TestStopCancelsPendingAcquire(t *testing.T) {
	h := newHarness(t, false)
	h.acquirer.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.session.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.acquirer.Calls() == 1 }, time.Second, 5*time.Millisecond)

	h.session.Stop()
	assert.ErrorIs(t, <-errc, ErrAborted)
	assert.Equal(t, StateIdle, h.session.Status().State)
	assert.Empty(t, h.acquirer.Acquired())
	assert.True(t, h.engine.LastHandler().Closed())
}

func TestLateTransportIsReleased(t *testing.T) {
	h := newHarness(t, false)
	release := h.relay.Hold(signaling.MethodGetTurnCredentials)

	errc := make(chan error, 1)
	go func() { errc <- h.session.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return h.relay.count(signaling.MethodGetTurnCredentials) == 1
	}, time.Second, 5*time.Millisecond)

	h.session.Stop()
	assert.Equal(t, StateIdle, h.session.Status().State)
	close(release)

	assert.ErrorIs(t, <-errc, ErrAborted)
	handler := h.engine.LastHandler()
	require.NotNil(t, handler)
	assert.True(t, handler.Closed())
	assert.Zero(t, h.acquirer.Calls())
}

func TestCallerCancelFailsStart(t *testing.T) {
	h := newHarness(t, false)
	h.acquirer.Block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- h.session.Start(ctx) }()
	require.Eventually(t, func() bool { return h.acquirer.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errc, ErrStartFailed)
	st := h.session.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Contains(t, st.Error, "device error")
}

func TestClosedSessionRejectsStart(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.session.Start(context.Background()))
	h.waitFor(t, StateBroadcasting)

	require.NoError(t, h.session.Close())
	h.assertReleased(t)
	assert.ErrorIs(t, h.session.Start(context.Background()), ErrClosed)
	assert.False(t, h.session.Status().CanStart)

	// closing drops the channel rather than reconnecting it
	assert.Zero(t, h.relay.Resets())
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	assert.True(t, h.relay.closed)
}

func TestRouterWithoutVideoSkipsCamera(t *testing.T) {
	h := newHarness(t, true)
	h.relay.caps = routerFor(rtpcaps.KindAudio)

	require.NoError(t, h.session.Start(context.Background()))
	h.waitFor(t, StateBroadcasting)

	acquired := h.acquirer.Acquired()
	require.Len(t, acquired, 1)
	assert.Equal(t, rtpcaps.KindAudio, acquired[0].Kind())

	sent := h.engine.LastHandler().Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, rtpcaps.KindAudio, sent[0].Kind())
	assert.Equal(t, 1, h.relay.count(signaling.MethodProduce))
	assert.Equal(t, []rtpcaps.MediaKind{rtpcaps.KindAudio}, h.session.Stats().Kinds)
}

func TestRouterWithoutRequestedKindIsNegotiationError(t *testing.T) {
	h := newHarnessWith(t, true, capture.Constraints{Audio: true})
	h.relay.caps = routerFor(rtpcaps.KindVideo)

	require.ErrorIs(t, h.session.Start(context.Background()), ErrStartFailed)

	st := h.session.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Contains(t, st.Error, "negotiation error")
	assert.Zero(t, h.acquirer.Calls())
	assert.Nil(t, h.engine.LastHandler())
}

func TestTeardownReleasesTracksAndTransportBeforeReset(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.session.Start(context.Background()))
	h.waitFor(t, StateBroadcasting)

	type snapshot struct {
		releases      []int
		handlerClosed bool
		producersGone bool
		detached      int
		stateAtReset  State
	}
	var snap snapshot
	h.relay.onReset = func() {
		for _, track := range h.acquirer.Acquired() {
			snap.releases = append(snap.releases, track.Releases())
		}
		snap.handlerClosed = h.engine.LastHandler().Closed()
		snap.producersGone = len(h.engine.LastHandler().Stopped()) == 2
		_, snap.detached = h.preview.counts()
		snap.stateAtReset = h.session.Status().State
	}

	h.session.Stop()

	assert.Equal(t, []int{1, 1}, snap.releases)
	assert.True(t, snap.handlerClosed)
	assert.True(t, snap.producersGone)
	assert.Equal(t, 1, snap.detached)
	assert.NotEqual(t, StateIdle, snap.stateAtReset)
	assert.Equal(t, StateIdle, h.session.Status().State)
	h.assertReleased(t)
}

func TestClassify(t *testing.T) {
	rejected := relayRejected{errors.New("nope")}
	wrapped := &FailureError{Kind: KindDevice, Err: errors.New("camera busy")}

	assert.Equal(t, KindHandshake, classify(errors.Join(errors.New("produce"), rejected), KindTransport).Kind)
	assert.Same(t, wrapped, classify(wrapped, KindNegotiation))
	assert.Equal(t, KindTransport, classify(errors.New("x"), KindTransport).Kind)
	assert.Equal(t, "device error: camera busy", wrapped.Error())
}
