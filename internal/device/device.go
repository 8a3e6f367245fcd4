// Package device negotiates the local media capabilities against the ones
// advertised by the relay router.
package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

var (
	ErrAlreadyLoaded = errors.New("device: already loaded")
	ErrNotLoaded     = errors.New("device: not loaded")
	ErrUnsupported   = errors.New("device: no media kind can be produced with the router capabilities")
)

type Option func(*Device)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// Device holds the Capability Set both sides support. It is loaded once and
// read-only afterwards.
type Device struct {
	native rtpcaps.RtpCapabilities
	logger *zap.Logger

	mu       sync.RWMutex
	loaded   bool
	extended rtpcaps.RtpCapabilities
	canSend  map[rtpcaps.MediaKind]bool
}

// New creates a device for the codecs the local media engine can send
func New(native rtpcaps.RtpCapabilities, opts ...Option) *Device {
	d := &Device{
		native: native.Clone(),
		logger: zap.L().Named("device"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load validates the router capabilities and computes the extended Capability Set
func (d *Device) Load(remote rtpcaps.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return ErrAlreadyLoaded
	}
	if err := validateCapabilities(remote); err != nil {
		return fmt.Errorf("invalid router capabilities: %w", err)
	}

	extended := intersect(d.native, remote)
	canSend := make(map[rtpcaps.MediaKind]bool)
	for _, c := range extended.Codecs {
		if !rtpcaps.IsRtxCodec(c.MimeType) {
			canSend[c.Kind] = true
		}
	}
	if len(canSend) == 0 {
		return ErrUnsupported
	}

	d.extended = extended
	d.canSend = canSend
	d.loaded = true
	d.logger.Info("Device loaded",
		zap.Int("codecs", len(extended.Codecs)),
		zap.Bool("audio", canSend[rtpcaps.KindAudio]),
		zap.Bool("video", canSend[rtpcaps.KindVideo]))
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// RtpCapabilities returns a copy of the extended Capability Set
func (d *Device) RtpCapabilities() (rtpcaps.RtpCapabilities, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.loaded {
		return rtpcaps.RtpCapabilities{}, ErrNotLoaded
	}
	return d.extended.Clone(), nil
}

// CanProduce reports whether tracks of kind can be sent to the router
func (d *Device) CanProduce(kind rtpcaps.MediaKind) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.loaded {
		return false, ErrNotLoaded
	}
	if !kind.Valid() {
		return false, fmt.Errorf("device: invalid kind %q", kind)
	}
	return d.canSend[kind], nil
}

// CodecFor returns the preferred negotiated codec for kind
func (d *Device) CodecFor(kind rtpcaps.MediaKind) (rtpcaps.RtpCodecCapability, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.extended.Codecs {
		if c.Kind == kind && !rtpcaps.IsRtxCodec(c.MimeType) {
			return c, true
		}
	}
	return rtpcaps.RtpCodecCapability{}, false
}

func validateCapabilities(caps rtpcaps.RtpCapabilities) error {
	if len(caps.Codecs) == 0 {
		return errors.New("no codecs")
	}
	for i, c := range caps.Codecs {
		kind, err := rtpcaps.KindOfMimeType(c.MimeType)
		if err != nil {
			return fmt.Errorf("codec %d: %w", i, err)
		}
		if c.Kind != "" && c.Kind != kind {
			return fmt.Errorf("codec %d: kind %q does not match mime type %q", i, c.Kind, c.MimeType)
		}
		if c.ClockRate == 0 {
			return fmt.Errorf("codec %d (%s): missing clock rate", i, c.MimeType)
		}
	}
	return nil
}

// intersect keeps remote codecs the native side supports, in remote order and
// with remote payload types. RTX entries survive only when their apt codec does.
func intersect(native, remote rtpcaps.RtpCapabilities) rtpcaps.RtpCapabilities {
	var out rtpcaps.RtpCapabilities
	kept := make(map[string]bool)

	for _, rc := range remote.Codecs {
		if rtpcaps.IsRtxCodec(rc.MimeType) {
			continue
		}
		kind, _ := rtpcaps.KindOfMimeType(rc.MimeType)
		rc.Kind = kind
		for _, nc := range native.Codecs {
			if !rtpcaps.MatchCodec(nc, rc) {
				continue
			}
			codec := rc.Clone()
			codec.RtcpFeedback = commonFeedback(nc.RtcpFeedback, rc.RtcpFeedback)
			out.Codecs = append(out.Codecs, codec)
			kept[strconv.Itoa(int(rc.PreferredPayloadType))] = true
			break
		}
	}

	for _, rc := range remote.Codecs {
		if !rtpcaps.IsRtxCodec(rc.MimeType) {
			continue
		}
		if kept[rtpcaps.ParamString(rc.Parameters, "apt", "")] {
			kind, _ := rtpcaps.KindOfMimeType(rc.MimeType)
			rc.Kind = kind
			out.Codecs = append(out.Codecs, rc.Clone())
		}
	}

	for _, ext := range remote.HeaderExtensions {
		if ext.Direction == "recvonly" {
			continue
		}
		out.HeaderExtensions = append(out.HeaderExtensions, ext)
	}
	return out
}

func commonFeedback(local, remote []rtpcaps.RtcpFeedback) []rtpcaps.RtcpFeedback {
	var out []rtpcaps.RtcpFeedback
	for _, r := range remote {
		for _, l := range local {
			if strings.EqualFold(l.Type, r.Type) && l.Parameter == r.Parameter {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
