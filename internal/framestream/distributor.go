// Package framestream fans the raw frames of the live capture out to preview
// consumers.
package framestream

import (
	"context"
	"image"
	"image/draw"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/capture"
)

const subscriberBuffer = 2

// Distributor reads the first video track of an attached stream and hands
// every frame to its subscribers. Slow subscribers drop frames.
type Distributor struct {
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[int]chan image.Image
	nextSub int

	active atomic.Bool
	stats  struct {
		totalFrames   atomic.Int64
		droppedFrames atomic.Int64
		lastFrameTime atomic.Value // time.Time
	}
}

type Stats struct {
	Active        bool      `json:"active"`
	TotalFrames   int64     `json:"totalFrames"`
	DroppedFrames int64     `json:"droppedFrames"`
	Subscribers   int       `json:"subscribers"`
	LastFrameTime time.Time `json:"lastFrameTime"`
}

func NewDistributor(logger *zap.Logger) *Distributor {
	if logger == nil {
		logger = zap.L()
	}
	d := &Distributor{
		logger: logger.Named("preview"),
		subs:   make(map[int]chan image.Image),
	}
	d.stats.lastFrameTime.Store(time.Time{})
	return d
}

// Attach starts distributing the stream's first video track, replacing any
// previous one. Streams without a readable video track leave the
// distributor inactive.
func (d *Distributor) Attach(stream *capture.Stream) {
	d.Detach()

	var source capture.FrameSource
	for _, t := range stream.VideoTracks() {
		if fs, ok := t.(capture.FrameSource); ok {
			source = fs
			break
		}
	}
	if source == nil {
		d.logger.Debug("No previewable video track")
		return
	}
	reader := source.NewFrameReader()
	if reader == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.mu.Lock()
	d.cancel = cancel
	d.done = done
	d.mu.Unlock()
	d.active.Store(true)

	go d.distribute(ctx, reader, done)
	d.logger.Info("Preview attached")
}

// Detach stops distribution and closes every subscriber channel
func (d *Distributor) Detach() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}

	d.active.Store(false)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn("Preview reader did not stop in time")
	}

	d.mu.Lock()
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
	d.mu.Unlock()
	d.logger.Info("Preview detached")
}

func (d *Distributor) Active() bool { return d.active.Load() }

// Subscribe returns a channel of frames that is closed on Detach or cancel
func (d *Distributor) Subscribe() (<-chan image.Image, func()) {
	ch := make(chan image.Image, subscriberBuffer)
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if c, ok := d.subs[id]; ok {
				close(c)
				delete(d.subs, id)
			}
		})
	}
}

func (d *Distributor) distribute(ctx context.Context, reader capture.FrameReader, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		img, release, err := reader.Read()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		d.processFrame(img, release)
	}
}

func (d *Distributor) processFrame(img image.Image, release func()) {
	if release != nil {
		defer release()
	}
	if img == nil {
		return
	}
	d.stats.totalFrames.Add(1)
	d.stats.lastFrameTime.Store(time.Now())

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.subs) == 0 {
		return
	}
	// The reader reuses its buffers once released
	frame := clone(img)
	for _, ch := range d.subs {
		select {
		case ch <- frame:
		default:
			if n := d.stats.droppedFrames.Add(1); n%100 == 0 {
				d.logger.Debug("Preview subscriber lagging", zap.Int64("dropped", n))
			}
		}
	}
}

// clone copies the pixel buffers with type-specific fast paths
func clone(img image.Image) image.Image {
	switch src := img.(type) {
	case *image.RGBA:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	case *image.Gray:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	case *image.YCbCr:
		dst := *src
		dst.Y = append([]byte(nil), src.Y...)
		dst.Cb = append([]byte(nil), src.Cb...)
		dst.Cr = append([]byte(nil), src.Cr...)
		return &dst
	default:
		bounds := img.Bounds()
		dst := image.NewRGBA(bounds)
		draw.Draw(dst, bounds, img, bounds.Min, draw.Src)
		return dst
	}
}

func (d *Distributor) Stats() Stats {
	last, _ := d.stats.lastFrameTime.Load().(time.Time)
	d.mu.Lock()
	subs := len(d.subs)
	d.mu.Unlock()
	return Stats{
		Active:        d.Active(),
		TotalFrames:   d.stats.totalFrames.Load(),
		DroppedFrames: d.stats.droppedFrames.Load(),
		Subscribers:   subs,
		LastFrameTime: last,
	}
}
