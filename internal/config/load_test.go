package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, NewDefaultConfig(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broadcast.yaml")
	yaml := `
signaling:
  url: wss://relay.example.com/ws
  request_timeout: 5s
session:
  connect_timeout: 45s
capture:
  disable_audio: true
video:
  width: 1280
  height: 720
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("BROADCAST_API_LISTEN_ADDR", "0.0.0.0:9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example.com/ws", cfg.Signaling.URL)
	assert.Equal(t, 5*time.Second, cfg.Signaling.RequestTimeout)
	assert.Equal(t, 45*time.Second, cfg.Session.ConnectTimeout)
	assert.True(t, cfg.Capture.DisableAudio)
	assert.Equal(t, 1280, cfg.Video.Width)
	assert.Equal(t, 720, cfg.Video.Height)
	assert.Equal(t, "0.0.0.0:9090", cfg.API.ListenAddr)
	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Signaling.DialTimeout)
	assert.Equal(t, 25, cfg.Video.Framerate)
	assert.Equal(t, 64, cfg.Session.HistorySize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
