package config

import "time"

// Config holds all application configuration
type Config struct {
	LogDevelopment bool            `mapstructure:"log_dev"`
	Signaling      SignalingConfig `mapstructure:"signaling"`
	Session        SessionConfig   `mapstructure:"session"`
	Capture        CaptureConfig   `mapstructure:"capture"`
	Video          VideoConfig     `mapstructure:"video"`
	Audio          AudioConfig     `mapstructure:"audio"`
	API            APIConfig       `mapstructure:"api"`
	Relay          RelayConfig     `mapstructure:"relay"`
}

// SignalingConfig describes the duplex channel to the media relay
type SignalingConfig struct {
	URL            string        `mapstructure:"url"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// Upper bound for the reconnect loop that follows every teardown
	ReconnectMaxElapsed time.Duration `mapstructure:"reconnect_max_elapsed"`
}

type SessionConfig struct {
	// Time allowed between start and the transport reaching connected
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoStart      bool          `mapstructure:"auto_start"`
	// Number of recent status changes the session keeps
	HistorySize int `mapstructure:"history_size"`
}

// CaptureConfig selects the local devices. Empty ids pick the first device found.
type CaptureConfig struct {
	CameraID     string `mapstructure:"camera_id"`
	MicrophoneID string `mapstructure:"microphone_id"`
	DisableVideo bool   `mapstructure:"disable_video"`
	DisableAudio bool   `mapstructure:"disable_audio"`
}

type VideoConfig struct {
	Width            int `mapstructure:"width"`
	Height           int `mapstructure:"height"`
	Framerate        int `mapstructure:"framerate"`
	BitRate          int `mapstructure:"bitrate"`
	KeyFrameInterval int `mapstructure:"key_frame_interval"`
}

type AudioConfig struct {
	SampleRate   int `mapstructure:"sample_rate"`
	ChannelCount int `mapstructure:"channel_count"`
	BitRate      int `mapstructure:"bitrate"`
}

type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// Start/stop requests allowed per client within RateWindow
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

// RelayConfig is only read by the development relay
type RelayConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	AnnouncedIP   string        `mapstructure:"announced_ip"`
	TURNURLs      []string      `mapstructure:"turn_urls"`
	TURNSecret    string        `mapstructure:"turn_secret"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl"`
	// Embedded TURN server, disabled when TURNPort is 0
	TURNPort    int    `mapstructure:"turn_port"`
	TURNRealm   string `mapstructure:"turn_realm"`
	TURNThreads int    `mapstructure:"turn_threads"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Signaling: SignalingConfig{
			URL:                 "ws://localhost:7000/ws",
			DialTimeout:         10 * time.Second,
			RequestTimeout:      10 * time.Second,
			ReconnectMaxElapsed: 30 * time.Second,
		},
		Session: SessionConfig{
			ConnectTimeout: 30 * time.Second,
			HistorySize:    64,
		},
		Video: VideoConfig{
			Width:            640,
			Height:           480,
			Framerate:        25,
			BitRate:          500_000,
			KeyFrameInterval: 15,
		},
		Audio: AudioConfig{
			SampleRate:   48000,
			ChannelCount: 1,
			BitRate:      32_000,
		},
		API: APIConfig{
			ListenAddr: "localhost:8080",
			RateLimit:  10,
			RateWindow: time.Minute,
		},
		Relay: RelayConfig{
			ListenAddr:    "localhost:7000",
			AnnouncedIP:   "127.0.0.1",
			TURNURLs:      []string{"turn:localhost:3478?transport=udp"},
			TURNSecret:    "dev-shared-secret",
			CredentialTTL: time.Hour,
			TURNRealm:     "broadcast.local",
			TURNThreads:   1,
		},
	}
}
