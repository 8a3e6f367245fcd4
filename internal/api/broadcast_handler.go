package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/broadcast"
)

const (
	previewBoundary = "frame"
	previewQuality  = 75

	// a start runs several relay round trips plus device acquisition
	startWriteTimeout = 2 * time.Minute
)

// Broadcaster is the session surface the UI drives
type Broadcaster interface {
	Start(ctx context.Context) error
	Stop()
	Status() broadcast.Status
	Stats() broadcast.Stats
}

// Preview supplies frames of the local capture
type Preview interface {
	Active() bool
	Subscribe() (<-chan image.Image, func())
}

type BroadcastHandler struct {
	session Broadcaster
	preview Preview
	logger  *zap.Logger
}

func NewBroadcastHandler(session Broadcaster, preview Preview, logger *zap.Logger) *BroadcastHandler {
	return &BroadcastHandler{session: session, preview: preview, logger: logger}
}

func (h *BroadcastHandler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Status())
}

func (h *BroadcastHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Stats())
}

// Start blocks until every track is attached. The final state arrives
// through status polling.
func (h *BroadcastHandler) Start(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(startWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug("Failed to extend write deadline", zap.Error(err))
	}

	err := h.session.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, h.session.Status())
	case errors.Is(err, broadcast.ErrBusy), errors.Is(err, broadcast.ErrAborted):
		writeJSON(w, http.StatusConflict, h.session.Status())
	case errors.Is(err, broadcast.ErrStartFailed):
		writeJSON(w, http.StatusBadGateway, h.session.Status())
	case errors.Is(err, broadcast.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "broadcaster is shutting down")
	default:
		h.logger.Warn("Unexpected start error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *BroadcastHandler) Stop(w http.ResponseWriter, _ *http.Request) {
	h.session.Stop()
	writeJSON(w, http.StatusOK, h.session.Status())
}

// Preview streams the local capture as MJPEG until the client leaves or
// capture stops
func (h *BroadcastHandler) Preview(w http.ResponseWriter, r *http.Request) {
	if h.preview == nil || !h.preview.Active() {
		writeError(w, http.StatusNotFound, "nothing is capturing")
		return
	}
	frames, cancel := h.preview.Subscribe()
	defer cancel()

	rc := http.NewResponseController(w)
	// the stream outlives the server's write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug("Failed to clear write deadline", zap.Error(err))
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+previewBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	var buf bytes.Buffer
	sent := 0
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("Preview client left", zap.Int("frames", sent))
			return
		case img, ok := <-frames:
			if !ok {
				return
			}
			buf.Reset()
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: previewQuality}); err != nil {
				h.logger.Warn("Failed to encode preview frame", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", previewBoundary, buf.Len()); err != nil {
				return
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			sent++
		}
	}
}
