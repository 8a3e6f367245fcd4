package validate

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"

	"github.com/mikeyg42/broadcast/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateSignalingConfig(v, &cfg.Signaling)
	validateSessionConfig(v, &cfg.Session)
	validateCaptureConfig(v, &cfg.Capture)
	if !cfg.Capture.DisableVideo {
		validateVideoConfig(v, &cfg.Video)
	}
	if !cfg.Capture.DisableAudio {
		validateAudioConfig(v, &cfg.Audio)
	}
	validateAPIConfig(v, &cfg.API)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// ValidateRelayConfig is used by the development relay only.
func ValidateRelayConfig(cfg *config.RelayConfig) error {
	v := &Validator{}
	validateListenAddr(v, "relay", cfg.ListenAddr)
	if net.ParseIP(cfg.AnnouncedIP) == nil {
		v.AddError("relay announced_ip must be an IP address: %q", cfg.AnnouncedIP)
	}
	for _, raw := range cfg.TURNURLs {
		if _, err := stun.ParseURI(raw); err != nil {
			v.AddError("invalid TURN url %q: %v", raw, err)
		}
	}
	if len(cfg.TURNURLs) > 0 && cfg.TURNSecret == "" {
		v.AddError("relay turn_secret is required when turn_urls are set")
	}
	if cfg.CredentialTTL < time.Minute {
		v.AddError("relay credential_ttl too short (min 1m)")
	}
	if cfg.TURNPort < 0 || cfg.TURNPort > 65535 {
		v.AddError("invalid relay turn_port: %d", cfg.TURNPort)
	}
	if cfg.TURNPort > 0 {
		if strings.TrimSpace(cfg.TURNRealm) == "" {
			v.AddError("relay turn_realm cannot be empty when the TURN server is enabled")
		}
		if cfg.TURNThreads < 1 || cfg.TURNThreads > 64 {
			v.AddError("relay turn_threads must be 1..64")
		}
	}
	if v.HasErrors() {
		return fmt.Errorf("relay config invalid:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateSignalingConfig(v *Validator, cfg *config.SignalingConfig) {
	u, err := url.Parse(cfg.URL)
	if err != nil || cfg.URL == "" {
		v.AddError("invalid signaling url: %q", cfg.URL)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		v.AddError("signaling url must use ws:// or wss://, got %q", u.Scheme)
	} else if u.Host == "" {
		v.AddError("signaling url has no host: %q", cfg.URL)
	}
	if cfg.DialTimeout <= 0 {
		v.AddError("signaling dial_timeout must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		v.AddError("signaling request_timeout must be positive")
	} else if cfg.RequestTimeout > 2*time.Minute {
		v.AddError("signaling request_timeout too long (max 2m)")
	}
	if cfg.ReconnectMaxElapsed < 0 {
		v.AddError("signaling reconnect_max_elapsed cannot be negative")
	}
}

func validateSessionConfig(v *Validator, cfg *config.SessionConfig) {
	if cfg.ConnectTimeout <= 0 {
		v.AddError("session connect_timeout must be positive")
	} else if cfg.ConnectTimeout < time.Second {
		v.AddError("session connect_timeout too short (min 1s)")
	}
	if cfg.HistorySize < 1 {
		v.AddError("session history_size must be at least 1")
	}
}

func validateCaptureConfig(v *Validator, cfg *config.CaptureConfig) {
	if cfg.DisableVideo && cfg.DisableAudio {
		v.AddError("capture cannot disable both video and audio")
	}
}

func validateVideoConfig(v *Validator, vcfg *config.VideoConfig) {
	if vcfg.Width <= 0 || vcfg.Height <= 0 {
		v.AddError("invalid video dimensions: width=%d height=%d", vcfg.Width, vcfg.Height)
		return
	}
	if vcfg.Width > 4096 || vcfg.Height > 4096 {
		v.AddError("video dimensions too large: %dx%d (max 4096x4096)", vcfg.Width, vcfg.Height)
	}
	aspect := float64(vcfg.Width) / float64(vcfg.Height)
	if aspect < 0.5 || aspect > 3.0 {
		v.AddError("unusual aspect ratio: %dx%d (%.2f)", vcfg.Width, vcfg.Height, aspect)
	}
	if vcfg.Framerate <= 0 || vcfg.Framerate > 120 {
		v.AddError("invalid framerate: %d (1-120)", vcfg.Framerate)
	} else if vcfg.Framerate < 5 {
		v.AddError("framerate too low: %d (min 5)", vcfg.Framerate)
	}
	if vcfg.BitRate < 50_000 || vcfg.BitRate > 20_000_000 {
		v.AddError("video bitrate out of range: %d bps (50k-20M)", vcfg.BitRate)
	}
	if vcfg.KeyFrameInterval < 1 {
		v.AddError("key_frame_interval must be positive")
	}
}

func validateAudioConfig(v *Validator, cfg *config.AudioConfig) {
	switch cfg.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		v.AddError("unsupported audio sample_rate: %d", cfg.SampleRate)
	}
	if cfg.ChannelCount < 1 || cfg.ChannelCount > 2 {
		v.AddError("audio channel_count must be 1 or 2")
	}
	if cfg.BitRate < 6_000 || cfg.BitRate > 510_000 {
		v.AddError("audio bitrate out of range: %d bps (6k-510k)", cfg.BitRate)
	}
}

func validateAPIConfig(v *Validator, cfg *config.APIConfig) {
	validateListenAddr(v, "api", cfg.ListenAddr)
	if cfg.RateLimit < 1 {
		v.AddError("api rate_limit must be positive")
	}
	if cfg.RateWindow < time.Second {
		v.AddError("api rate_window too short (min 1s)")
	}
}

func validateListenAddr(v *Validator, section, addr string) {
	if addr == "" {
		v.AddError("%s listen address cannot be empty", section)
		return
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		v.AddError("%s listen address must be host:port: %v", section, err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in %s listen address: %s", section, host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in %s listen address: %s", section, portStr)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}
