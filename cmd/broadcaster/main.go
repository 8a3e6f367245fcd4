package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/api"
	"github.com/mikeyg42/broadcast/internal/broadcast"
	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/config"
	"github.com/mikeyg42/broadcast/internal/framestream"
	"github.com/mikeyg42/broadcast/internal/rtcManager"
	"github.com/mikeyg42/broadcast/internal/signaling"
	"github.com/mikeyg42/broadcast/internal/validate"
)

func main() {
	var (
		configPath string
		relayURL   string
		listenAddr string
		logDev     bool
		autoStart  bool
	)
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&relayURL, "relay", "", "signaling URL of the media relay")
	flag.StringVar(&listenAddr, "listen", "", "address of the control API")
	flag.BoolVar(&logDev, "log-dev", false, "human readable debug logging")
	flag.BoolVar(&autoStart, "auto-start", false, "start broadcasting right away")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "relay":
			cfg.Signaling.URL = relayURL
		case "listen":
			cfg.API.ListenAddr = listenAddr
		case "log-dev":
			cfg.LogDevelopment = logDev
		case "auto-start":
			cfg.Session.AutoStart = autoStart
		}
	})
	if err := validate.ValidateConfig(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Broadcaster failed", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	engine, err := rtcManager.NewEngine(cfg.Video, cfg.Audio, rtcManager.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create media engine: %w", err)
	}
	acquirer := capture.NewDeviceAcquirer(engine.CodecSelector(), capture.WithAcquirerLogger(logger))
	preview := framestream.NewDistributor(logger)

	session, err := broadcast.NewSession(broadcast.Dependencies{
		Dial: broadcast.DialSignaling(cfg.Signaling.URL,
			signaling.WithLogger(logger),
			signaling.WithDialTimeout(cfg.Signaling.DialTimeout),
			signaling.WithRequestTimeout(cfg.Signaling.RequestTimeout),
			signaling.WithReconnectMaxElapsed(cfg.Signaling.ReconnectMaxElapsed),
			signaling.WithNotificationHandler(func(method string, params json.RawMessage) {
				logger.Info("Relay notification", zap.String("method", method), zap.ByteString("params", params))
			})),
		Engine:      engine,
		Acquirer:    acquirer,
		Preview:     preview,
		Constraints: constraints(cfg),
	},
		broadcast.WithLogger(logger),
		broadcast.WithConnectTimeout(cfg.Session.ConnectTimeout),
		broadcast.WithHistorySize(cfg.Session.HistorySize))
	if err != nil {
		return err
	}

	updates, unsubscribe := session.Subscribe()
	defer unsubscribe()
	go func() {
		for st := range updates {
			logger.Info("Broadcast status",
				zap.String("state", string(st.State)),
				zap.String("message", st.Message))
		}
	}()

	server := api.NewServer(cfg.API, session, preview, api.WithLogger(logger))
	server.StartInBackground()

	if cfg.Session.AutoStart {
		go func() {
			if err := session.Start(ctx); err != nil {
				logger.Warn("Auto start failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", zap.Error(err))
	}
	if err := session.Close(); err != nil {
		logger.Warn("Failed to close signaling channel", zap.Error(err))
	}
	preview.Detach()
	return nil
}

func constraints(cfg *config.Config) capture.Constraints {
	return capture.Constraints{
		Video:        !cfg.Capture.DisableVideo,
		Audio:        !cfg.Capture.DisableAudio,
		CameraID:     cfg.Capture.CameraID,
		MicrophoneID: cfg.Capture.MicrophoneID,
		Width:        cfg.Video.Width,
		Height:       cfg.Video.Height,
		FrameRate:    float64(cfg.Video.Framerate),
		SampleRate:   cfg.Audio.SampleRate,
		ChannelCount: cfg.Audio.ChannelCount,
	}
}
