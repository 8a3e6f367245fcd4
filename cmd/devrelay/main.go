// Command devrelay is a local stand-in for the media relay. It negotiates
// like the real one but never forwards media.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/config"
	"github.com/mikeyg42/broadcast/internal/devrelay"
	"github.com/mikeyg42/broadcast/internal/validate"
)

func main() {
	var (
		configPath string
		listenAddr string
		turnPort   int
		logDev     bool
	)
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&listenAddr, "listen", "", "websocket listen address")
	flag.IntVar(&turnPort, "turn-port", 0, "UDP port of the embedded TURN server, 0 disables it")
	flag.BoolVar(&logDev, "log-dev", false, "human readable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Relay.ListenAddr = listenAddr
		case "turn-port":
			cfg.Relay.TURNPort = turnPort
		case "log-dev":
			cfg.LogDevelopment = logDev
		}
	})
	if err := validate.ValidateRelayConfig(&cfg.Relay); err != nil {
		log.Fatalf("Invalid relay config: %v", err)
	}

	var logger *zap.Logger
	if cfg.LogDevelopment {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Relay, logger); err != nil {
		logger.Fatal("Relay failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.RelayConfig, logger *zap.Logger) error {
	relay, err := devrelay.New(cfg, devrelay.WithLogger(logger))
	if err != nil {
		return err
	}

	var turnServer *devrelay.TURNServer
	if cfg.TURNPort > 0 {
		turnServer = devrelay.NewTURNServer(cfg, logger)
		if err := turnServer.Start(ctx); err != nil {
			return err
		}
		defer turnServer.Stop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/ws", relay)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := `{"status":"ok"}`
		if turnServer != nil {
			status = `{"status":"ok","turn":"` + turnServer.Stats().State + `"}`
		}
		w.Write([]byte(status))
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("Relay listening", zap.String("addr", cfg.ListenAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
