// Package devrelay is a development stand-in for the media relay. It answers
// the signaling requests of a producing client with plausible parameters and
// validates what the client sends back, but it never forwards media.
package devrelay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/config"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
	"github.com/mikeyg42/broadcast/internal/signaling"
)

// Error codes returned in relay error payloads
const (
	CodeInjected          int64 = -32001
	CodeTransportNotFound int64 = -32004
	CodeAlreadyConnected  int64 = -32009
)

const firstCandidatePort = 40000

// Server upgrades HTTP requests to websocket signaling sessions
type Server struct {
	cfg          config.RelayConfig
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	fingerprints []rtpcaps.DtlsFingerprint
	nextPort     atomic.Uint32

	mu       sync.Mutex
	failures map[string]string
	delays   map[string]time.Duration
	calls    map[string]int
	peers    int
	conns    map[string]*jsonrpc2.Conn
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a relay with a fresh DTLS certificate
func New(cfg config.RelayConfig, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: zap.L().Named("devrelay"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		failures: make(map[string]string),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
		conns:    make(map[string]*jsonrpc2.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.nextPort.Store(firstCandidatePort)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DTLS key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DTLS certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("failed to read DTLS fingerprints: %w", err)
	}
	for _, fp := range fps {
		s.fingerprints = append(s.fingerprints, rtpcaps.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return s, nil
}

// ServeHTTP upgrades to a websocket and serves one client until it disconnects
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	p := &peer{
		id:         uuid.NewString(),
		server:     s,
		transports: make(map[string]*relayTransport),
	}
	conn := jsonrpc2.NewConn(context.Background(), jsonrpc2ws.NewObjectStream(ws),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(p.handle)))
	p.conn = conn
	s.mu.Lock()
	s.peers++
	s.conns[p.id] = conn
	s.mu.Unlock()
	s.logger.Info("Client connected", zap.String("peer", p.id), zap.String("remote", r.RemoteAddr))

	<-conn.DisconnectNotify()
	s.mu.Lock()
	delete(s.conns, p.id)
	s.mu.Unlock()
	s.logger.Info("Client disconnected", zap.String("peer", p.id))
}

// Notify sends a notification to every connected client
func (s *Server) Notify(ctx context.Context, method string, params interface{}) error {
	s.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Notify(ctx, method, params); err != nil {
			return fmt.Errorf("failed to notify %s: %w", method, err)
		}
	}
	return nil
}

// FailMethod makes every later call of method fail with message. An empty
// message clears the failure.
func (s *Server) FailMethod(method, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message == "" {
		delete(s.failures, method)
		return
	}
	s.failures[method] = message
}

// DelayMethod holds every later reply to method for d
func (s *Server) DelayMethod(method string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[method] = d
}

// Calls returns how many times method was received
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Connections returns how many clients have connected so far
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers
}

func (s *Server) record(method string) (failure string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	return s.failures[method], s.delays[method]
}

// RouterCapabilities is what the relay advertises to every client
func RouterCapabilities() rtpcaps.RtpCapabilities {
	return rtpcaps.RtpCapabilities{
		Codecs: []rtpcaps.RtpCodecCapability{
			{
				Kind: rtpcaps.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100,
				ClockRate: 48000, Channels: 2,
				Parameters:   map[string]any{"minptime": 10, "useinbandfec": 1},
				RtcpFeedback: []rtpcaps.RtcpFeedback{{Type: "transport-cc"}},
			},
			{
				Kind: rtpcaps.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 101,
				ClockRate: 90000,
				RtcpFeedback: []rtpcaps.RtcpFeedback{
					{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}, {Type: "goog-remb"},
				},
			},
			{
				Kind: rtpcaps.KindVideo, MimeType: "video/rtx", PreferredPayloadType: 102,
				ClockRate: 90000, Parameters: map[string]any{"apt": 101},
			},
			{
				Kind: rtpcaps.KindVideo, MimeType: "video/H264", PreferredPayloadType: 103,
				ClockRate: 90000,
				Parameters: map[string]any{
					"packetization-mode": 1, "level-asymmetry-allowed": 1, "profile-level-id": "42e01f",
				},
			},
		},
		HeaderExtensions: []rtpcaps.RtpHeaderExtension{
			{Kind: rtpcaps.KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
			{Kind: rtpcaps.KindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
		},
	}
}

type relayTransport struct {
	id        string
	connected bool
	producers map[string]rtpcaps.MediaKind
}

// peer holds the state of one websocket client. It is dropped on disconnect,
// so a reconnecting client starts from scratch.
type peer struct {
	id     string
	server *Server
	conn   *jsonrpc2.Conn

	mu         sync.Mutex
	transports map[string]*relayTransport
}

func (p *peer) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	if req.Notif {
		return nil, nil
	}
	failure, delay := p.server.record(req.Method)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-conn.DisconnectNotify():
			return nil, jsonrpc2.ErrClosed
		}
	}
	if failure != "" {
		return nil, &jsonrpc2.Error{Code: CodeInjected, Message: failure}
	}

	switch req.Method {
	case signaling.MethodGetRouterRtpCapabilities:
		return RouterCapabilities(), nil
	case signaling.MethodCreateWebRtcTransport:
		var params signaling.CreateWebRtcTransportRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return p.createTransport(params), nil
	case signaling.MethodGetTurnCredentials:
		return p.server.turnCredentials()
	case signaling.MethodConnectWebRtcTransport:
		var params signaling.ConnectWebRtcTransportRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return p.connectTransport(params)
	case signaling.MethodProduce:
		var params signaling.ProduceRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return p.produce(params)
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

func decodeParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (p *peer) createTransport(params signaling.CreateWebRtcTransportRequest) rtpcaps.TransportOptions {
	t := &relayTransport{id: uuid.NewString(), producers: make(map[string]rtpcaps.MediaKind)}
	p.mu.Lock()
	p.transports[t.id] = t
	p.mu.Unlock()

	port := p.server.nextPort.Add(1) - 1
	p.server.logger.Info("Transport created",
		zap.String("peer", p.id),
		zap.String("transport", t.id),
		zap.Bool("producer", params.IsProducer))

	return rtpcaps.TransportOptions{
		ID: t.id,
		IceParameters: rtpcaps.IceParameters{
			UsernameFragment: randomToken(16),
			Password:         randomToken(32),
			IceLite:          true,
		},
		IceCandidates: []rtpcaps.IceCandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			IP:         p.server.cfg.AnnouncedIP,
			Protocol:   "udp",
			Port:       uint16(port),
			Type:       "host",
		}},
		DtlsParameters: rtpcaps.DtlsParameters{
			Role:         rtpcaps.DtlsRoleAuto,
			Fingerprints: append([]rtpcaps.DtlsFingerprint(nil), p.server.fingerprints...),
		},
	}
}

func randomToken(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:n]
}

func (s *Server) turnCredentials() (rtpcaps.IceServer, error) {
	if len(s.cfg.TURNURLs) == 0 {
		return rtpcaps.IceServer{}, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "no TURN servers configured"}
	}
	username, password, err := turn.GenerateLongTermCredentials(s.cfg.TURNSecret, s.cfg.CredentialTTL)
	if err != nil {
		return rtpcaps.IceServer{}, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
	}
	return rtpcaps.IceServer{
		URLs:       append([]string(nil), s.cfg.TURNURLs...),
		Username:   username,
		Credential: password,
	}, nil
}

func (p *peer) lookup(id string) (*relayTransport, error) {
	t, ok := p.transports[id]
	if !ok {
		return nil, &jsonrpc2.Error{Code: CodeTransportNotFound, Message: fmt.Sprintf("transport %q not found", id)}
	}
	return t, nil
}

func (p *peer) connectTransport(params signaling.ConnectWebRtcTransportRequest) (signaling.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := p.lookup(params.TransportID)
	if err != nil {
		return signaling.Ack{}, err
	}
	if t.connected {
		return signaling.Ack{}, &jsonrpc2.Error{Code: CodeAlreadyConnected, Message: "transport already connected"}
	}
	if len(params.DtlsParameters.Fingerprints) == 0 {
		return signaling.Ack{}, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "no DTLS fingerprints"}
	}
	switch params.DtlsParameters.Role {
	case rtpcaps.DtlsRoleClient, rtpcaps.DtlsRoleServer, rtpcaps.DtlsRoleAuto:
	default:
		return signaling.Ack{}, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "invalid DTLS role " + params.DtlsParameters.Role}
	}
	t.connected = true
	p.server.logger.Info("Transport connected", zap.String("peer", p.id), zap.String("transport", t.id))
	return signaling.Ack{}, nil
}

func (p *peer) produce(params signaling.ProduceRequest) (signaling.ProduceResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := p.lookup(params.TransportID)
	if err != nil {
		return signaling.ProduceResponse{}, err
	}
	if !params.Kind.Valid() {
		return signaling.ProduceResponse{}, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "invalid kind " + string(params.Kind)}
	}
	if err := params.RtpParameters.Validate(); err != nil {
		return signaling.ProduceResponse{}, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	if !supported(params.Kind, params.RtpParameters.Codecs[0]) {
		return signaling.ProduceResponse{}, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidParams,
			Message: "unsupported codec " + params.RtpParameters.Codecs[0].MimeType,
		}
	}

	id := uuid.NewString()
	t.producers[id] = params.Kind
	p.server.logger.Info("Producer created",
		zap.String("peer", p.id),
		zap.String("transport", t.id),
		zap.String("producer", id),
		zap.String("kind", string(params.Kind)))
	return signaling.ProduceResponse{ProducerID: id}, nil
}

func supported(kind rtpcaps.MediaKind, codec rtpcaps.RtpCodecParameters) bool {
	offered := rtpcaps.RtpCodecCapability{
		MimeType:   codec.MimeType,
		ClockRate:  codec.ClockRate,
		Channels:   codec.Channels,
		Parameters: codec.Parameters,
	}
	for _, c := range RouterCapabilities().Codecs {
		if c.Kind == kind && rtpcaps.MatchCodec(c, offered) {
			return true
		}
	}
	return false
}
