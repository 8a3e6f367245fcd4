package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	// Register camera and microphone adapters
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

// Constraints select devices and formats. Empty ids pick the first device of
// that kind, zero values leave the choice to the driver.
type Constraints struct {
	Video        bool
	Audio        bool
	CameraID     string
	MicrophoneID string
	Width        int
	Height       int
	FrameRate    float64
	SampleRate   int
	ChannelCount int
}

// Acquirer opens capture devices
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

type AcquirerOption func(*DeviceAcquirer)

func WithAcquirerLogger(logger *zap.Logger) AcquirerOption {
	return func(a *DeviceAcquirer) { a.logger = logger }
}

// DeviceAcquirer opens real devices through mediadevices
type DeviceAcquirer struct {
	selector *mediadevices.CodecSelector
	logger   *zap.Logger

	enumerate    func() []mediadevices.MediaDeviceInfo
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

// NewDeviceAcquirer encodes tracks with selector so they match the engine codecs
func NewDeviceAcquirer(selector *mediadevices.CodecSelector, opts ...AcquirerOption) *DeviceAcquirer {
	a := &DeviceAcquirer{
		selector:     selector,
		logger:       zap.L().Named("capture"),
		enumerate:    mediadevices.EnumerateDevices,
		getUserMedia: mediadevices.GetUserMedia,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire opens the configured camera and microphone. A missing device of one
// kind is tolerated. Acquisition errors are not.
func (a *DeviceAcquirer) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	camera, hasCamera := a.pick(mediadevices.VideoInput, c.CameraID, c.Video)
	microphone, hasMicrophone := a.pick(mediadevices.AudioInput, c.MicrophoneID, c.Audio)
	if !hasCamera && !hasMicrophone {
		return nil, ErrNoTracks
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: a.selector}
	if hasCamera {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(camera.DeviceID)
			if c.Width > 0 {
				mc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mc.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		}
	}
	if hasMicrophone {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(microphone.DeviceID)
			if c.SampleRate > 0 {
				mc.SampleRate = prop.Int(c.SampleRate)
			}
			if c.ChannelCount > 0 {
				mc.ChannelCount = prop.Int(c.ChannelCount)
			}
			mc.SampleSize = prop.Int(16)
			mc.IsFloat = prop.BoolExact(false)
			mc.IsBigEndian = prop.BoolExact(false)
			mc.IsInterleaved = prop.BoolExact(true)
			mc.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ms, err := a.getUserMedia(constraints)
		done <- result{ms, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to acquire capture devices: %w", r.err)
		}
		return a.wrap(r.stream), nil
	case <-ctx.Done():
		// Devices opened after cancellation are released right away
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (a *DeviceAcquirer) pick(kind mediadevices.MediaDeviceType, id string, wanted bool) (mediadevices.MediaDeviceInfo, bool) {
	if !wanted {
		return mediadevices.MediaDeviceInfo{}, false
	}
	var first *mediadevices.MediaDeviceInfo
	for _, d := range a.enumerate() {
		if d.Kind != kind {
			continue
		}
		if id == "" || d.DeviceID == id {
			d := d
			first = &d
			break
		}
	}
	if first == nil {
		a.logger.Warn("No capture device found", zap.String("kind", kindName(kind)), zap.String("device_id", id))
		return mediadevices.MediaDeviceInfo{}, false
	}
	a.logger.Info("Selected capture device",
		zap.String("kind", kindName(kind)),
		zap.String("device_id", first.DeviceID),
		zap.String("label", first.Label))
	return *first, true
}

func kindName(kind mediadevices.MediaDeviceType) string {
	if kind == mediadevices.VideoInput {
		return "camera"
	}
	return "microphone"
}

func (a *DeviceAcquirer) wrap(ms mediadevices.MediaStream) *Stream {
	var tracks []Track
	for _, t := range ms.GetTracks() {
		kind := rtpcaps.KindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = rtpcaps.KindVideo
		}
		tracks = append(tracks, &deviceTrack{track: t, kind: kind, logger: a.logger})
	}
	return NewStream(tracks...)
}

type deviceTrack struct {
	track   mediadevices.Track
	kind    rtpcaps.MediaKind
	logger  *zap.Logger
	once    sync.Once
	stopped atomic.Bool
}

func (t *deviceTrack) ID() string              { return t.track.ID() }
func (t *deviceTrack) Kind() rtpcaps.MediaKind { return t.kind }
func (t *deviceTrack) Stopped() bool           { return t.stopped.Load() }

func (t *deviceTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		if err := t.track.Close(); err != nil {
			t.logger.Warn("Failed to release capture track", zap.String("track", t.track.ID()), zap.Error(err))
			return
		}
		t.logger.Info("Capture track released", zap.String("track", t.track.ID()), zap.String("kind", string(t.kind)))
	})
}

func (t *deviceTrack) TrackLocal() webrtc.TrackLocal {
	tl, _ := t.track.(webrtc.TrackLocal)
	return tl
}

// NewFrameReader returns raw camera frames. Audio tracks have no frames.
func (t *deviceTrack) NewFrameReader() FrameReader {
	vt, ok := t.track.(*mediadevices.VideoTrack)
	if !ok {
		return nil
	}
	return vt.NewReader(false)
}
