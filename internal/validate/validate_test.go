package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/broadcast/internal/config"
)

func TestValidateDefaults(t *testing.T) {
	cfg := config.NewDefaultConfig()
	require.NoError(t, ValidateConfig(cfg))
	require.NoError(t, ValidateRelayConfig(&cfg.Relay))
}

func TestValidateConfigErrors(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"http signaling url", func(c *config.Config) { c.Signaling.URL = "http://relay/ws" }, "ws:// or wss://"},
		{"zero request timeout", func(c *config.Config) { c.Signaling.RequestTimeout = 0 }, "request_timeout"},
		{"short connect timeout", func(c *config.Config) { c.Session.ConnectTimeout = time.Millisecond }, "connect_timeout"},
		{"empty history", func(c *config.Config) { c.Session.HistorySize = 0 }, "history_size"},
		{"no tracks", func(c *config.Config) { c.Capture.DisableVideo = true; c.Capture.DisableAudio = true }, "both video and audio"},
		{"bad dimensions", func(c *config.Config) { c.Video.Width = 0 }, "video dimensions"},
		{"bad sample rate", func(c *config.Config) { c.Audio.SampleRate = 44100 }, "sample_rate"},
		{"bad listen addr", func(c *config.Config) { c.API.ListenAddr = "nohostport" }, "host:port"},
		{"bad port", func(c *config.Config) { c.API.ListenAddr = "localhost:99999" }, "invalid port"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tc.mutate(cfg)
			err := ValidateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Capture.DisableAudio = true
	cfg.Audio.SampleRate = 1
	assert.NoError(t, ValidateConfig(cfg))
}

func TestValidateRelayConfig(t *testing.T) {
	cfg := config.NewDefaultConfig().Relay
	cfg.AnnouncedIP = "relay.local"
	cfg.TURNSecret = ""
	err := ValidateRelayConfig(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "announced_ip")
	assert.Contains(t, err.Error(), "turn_secret")
}
