// Package producer tracks the outbound media tracks attached to a transport.
package producer

import (
	"sync"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

// Producer is one outbound track registered with the relay. The capture track
// is borrowed: closing the producer never stops it.
type Producer struct {
	id            string
	localID       string
	track         capture.Track
	rtpParameters rtpcaps.RtpParameters

	mu      sync.Mutex
	closed  bool
	onClose func()
}

// New is called by the transport once the relay assigned id
func New(id, localID string, track capture.Track, params rtpcaps.RtpParameters, onClose func()) *Producer {
	return &Producer{
		id:            id,
		localID:       localID,
		track:         track,
		rtpParameters: params,
		onClose:       onClose,
	}
}

// ID is the relay-assigned producer id
func (p *Producer) ID() string { return p.id }

// LocalID identifies the sender inside the local media engine
func (p *Producer) LocalID() string { return p.localID }

func (p *Producer) Kind() rtpcaps.MediaKind { return p.track.Kind() }

func (p *Producer) Track() capture.Track { return p.track }

func (p *Producer) RtpParameters() rtpcaps.RtpParameters { return p.rtpParameters }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops sending the track. It is idempotent.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	onClose := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}
