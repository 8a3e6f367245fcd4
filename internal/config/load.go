package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BROADCAST_SIGNALING_URL
const EnvPrefix = "BROADCAST"

// Load reads the optional YAML file at path and environment overrides on top
// of NewDefaultConfig. An empty path skips the file. Callers validate the
// result with validate.ValidateConfig.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, NewDefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Every key needs a default so AutomaticEnv can resolve it during Unmarshal
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_dev", d.LogDevelopment)

	v.SetDefault("signaling.url", d.Signaling.URL)
	v.SetDefault("signaling.dial_timeout", d.Signaling.DialTimeout)
	v.SetDefault("signaling.request_timeout", d.Signaling.RequestTimeout)
	v.SetDefault("signaling.reconnect_max_elapsed", d.Signaling.ReconnectMaxElapsed)

	v.SetDefault("session.connect_timeout", d.Session.ConnectTimeout)
	v.SetDefault("session.auto_start", d.Session.AutoStart)
	v.SetDefault("session.history_size", d.Session.HistorySize)

	v.SetDefault("capture.camera_id", d.Capture.CameraID)
	v.SetDefault("capture.microphone_id", d.Capture.MicrophoneID)
	v.SetDefault("capture.disable_video", d.Capture.DisableVideo)
	v.SetDefault("capture.disable_audio", d.Capture.DisableAudio)

	v.SetDefault("video.width", d.Video.Width)
	v.SetDefault("video.height", d.Video.Height)
	v.SetDefault("video.framerate", d.Video.Framerate)
	v.SetDefault("video.bitrate", d.Video.BitRate)
	v.SetDefault("video.key_frame_interval", d.Video.KeyFrameInterval)

	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.channel_count", d.Audio.ChannelCount)
	v.SetDefault("audio.bitrate", d.Audio.BitRate)

	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.rate_limit", d.API.RateLimit)
	v.SetDefault("api.rate_window", d.API.RateWindow)

	v.SetDefault("relay.listen_addr", d.Relay.ListenAddr)
	v.SetDefault("relay.announced_ip", d.Relay.AnnouncedIP)
	v.SetDefault("relay.turn_urls", d.Relay.TURNURLs)
	v.SetDefault("relay.turn_secret", d.Relay.TURNSecret)
	v.SetDefault("relay.credential_ttl", d.Relay.CredentialTTL)
	v.SetDefault("relay.turn_port", d.Relay.TURNPort)
	v.SetDefault("relay.turn_realm", d.Relay.TURNRealm)
	v.SetDefault("relay.turn_threads", d.Relay.TURNThreads)
}
