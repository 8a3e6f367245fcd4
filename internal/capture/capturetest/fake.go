// Package capturetest provides in-memory capture tracks and acquirers.
package capturetest

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

// Track counts every Stop call, so a double release shows up as two
type Track struct {
	id    string
	kind  rtpcaps.MediaKind
	stops atomic.Int32
}

func NewTrack(kind rtpcaps.MediaKind) *Track {
	return &Track{id: string(kind) + "-" + uuid.NewString(), kind: kind}
}

func (t *Track) ID() string              { return t.id }
func (t *Track) Kind() rtpcaps.MediaKind { return t.kind }
func (t *Track) Stopped() bool           { return t.stops.Load() > 0 }

func (t *Track) Stop() { t.stops.Add(1) }

// Releases is how many times Stop was called
func (t *Track) Releases() int { return int(t.stops.Load()) }

// FrameInterval paces fake frame readers
const FrameInterval = 5 * time.Millisecond

// NewFrameReader serves a fixed gray frame every FrameInterval until the track stops
func (t *Track) NewFrameReader() capture.FrameReader {
	return &frameReader{track: t}
}

type frameReader struct {
	track *Track
}

func (r *frameReader) Read() (image.Image, func(), error) {
	time.Sleep(FrameInterval)
	if r.track.Stopped() {
		return nil, nil, context.Canceled
	}
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	return img, func() {}, nil
}

// Acquirer hands out fresh fake tracks and remembers every one of them
type Acquirer struct {
	mu       sync.Mutex
	Video    bool
	Audio    bool
	Err      error
	Block    chan struct{}
	acquired []*Track
	calls    int
}

// NewAcquirer returns an acquirer with one camera and one microphone
func NewAcquirer() *Acquirer {
	return &Acquirer{Video: true, Audio: true}
}

func (a *Acquirer) Acquire(ctx context.Context, c capture.Constraints) (*capture.Stream, error) {
	a.mu.Lock()
	a.calls++
	block, err := a.Block, a.Err
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var tracks []capture.Track
	if a.Video && c.Video {
		t := NewTrack(rtpcaps.KindVideo)
		a.acquired = append(a.acquired, t)
		tracks = append(tracks, t)
	}
	if a.Audio && c.Audio {
		t := NewTrack(rtpcaps.KindAudio)
		a.acquired = append(a.acquired, t)
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return nil, capture.ErrNoTracks
	}
	return capture.NewStream(tracks...), nil
}

func (a *Acquirer) Acquired() []*Track {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Track(nil), a.acquired...)
}

func (a *Acquirer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *Acquirer) SetErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Err = err
}
