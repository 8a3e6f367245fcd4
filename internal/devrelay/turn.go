package devrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/broadcast/internal/config"
)

var ErrTURNRunning = errors.New("devrelay: TURN server already running")

// TURNServer relays media for clients holding credentials issued by
// getTurnCredentials. Credentials follow the TURN REST scheme over the
// relay's shared secret.
type TURNServer struct {
	cfg    config.RelayConfig
	logger *zap.Logger

	mu        sync.RWMutex
	server    *turn.Server
	addr      net.Addr
	startTime time.Time
}

type TURNStats struct {
	ActiveAllocations int           `json:"active_allocations"`
	Uptime            time.Duration `json:"uptime"`
	State             string        `json:"state"`
}

func NewTURNServer(cfg config.RelayConfig, logger *zap.Logger) *TURNServer {
	if logger == nil {
		logger = zap.L()
	}
	return &TURNServer{cfg: cfg, logger: logger.Named("turn")}
}

// Start binds TURNThreads UDP listeners sharing one port. A zero TURNPort
// binds an ephemeral port, which Addr reports.
func (t *TURNServer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil {
		return ErrTURNRunning
	}

	relayIP := net.ParseIP(t.cfg.AnnouncedIP)
	if relayIP == nil {
		return fmt.Errorf("invalid announced ip %q", t.cfg.AnnouncedIP)
	}
	threads := t.cfg.TURNThreads
	if threads < 1 {
		threads = 1
	}

	// The kernel load-balances packets across SO_REUSEPORT listeners by 5-tuple
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}

	relayAddressGenerator := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: relayIP,
		Address:      listenHost(relayIP),
		MinPort:      49152,
		MaxPort:      65535,
	}
	if err := relayAddressGenerator.Validate(); err != nil {
		return fmt.Errorf("invalid relay address generator: %w", err)
	}

	addr := net.JoinHostPort(listenHost(relayIP), strconv.Itoa(t.cfg.TURNPort))
	packetConnConfigs := make([]turn.PacketConnConfig, 0, threads)
	closeAll := func() {
		for _, pc := range packetConnConfigs {
			pc.PacketConn.Close()
		}
	}
	for i := 0; i < threads; i++ {
		conn, err := listenerConfig.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			closeAll()
			return fmt.Errorf("failed to allocate UDP listener at %s: %w", addr, err)
		}
		// Later listeners join the port the first one bound
		addr = conn.LocalAddr().String()
		packetConnConfigs = append(packetConnConfigs, turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayAddressGenerator,
		})
		t.logger.Debug("TURN listener bound", zap.Int("thread", i), zap.String("addr", addr))
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	s, err := turn.NewServer(turn.ServerConfig{
		Realm:             t.cfg.TURNRealm,
		AuthHandler:       turn.NewLongTermAuthHandler(t.cfg.TURNSecret, loggerFactory.NewLogger("turn-auth")),
		PacketConnConfigs: packetConnConfigs,
		LoggerFactory:     loggerFactory,
	})
	if err != nil {
		closeAll()
		return fmt.Errorf("failed to create TURN server: %w", err)
	}

	t.server = s
	t.addr = packetConnConfigs[0].PacketConn.LocalAddr()
	t.startTime = time.Now()
	t.logger.Info("TURN server started",
		zap.String("addr", t.addr.String()),
		zap.String("realm", t.cfg.TURNRealm),
		zap.Int("threads", threads))
	return nil
}

// listenHost binds loopback relays to loopback and everything else to every interface
func listenHost(ip net.IP) string {
	if ip.IsLoopback() {
		return ip.String()
	}
	return "0.0.0.0"
}

func (t *TURNServer) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

func (t *TURNServer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server == nil {
		return nil
	}
	err := t.server.Close()
	t.server = nil
	if err != nil {
		return fmt.Errorf("failed to close TURN server: %w", err)
	}
	t.logger.Info("TURN server stopped", zap.Duration("uptime", time.Since(t.startTime)))
	return nil
}

func (t *TURNServer) Stats() TURNStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.server == nil {
		return TURNStats{State: "stopped"}
	}
	stats := TURNStats{
		ActiveAllocations: t.server.AllocationCount(),
		Uptime:            time.Since(t.startTime),
		State:             "idle",
	}
	if stats.ActiveAllocations > 0 {
		stats.State = "active"
	}
	return stats
}
