// Package detect defines the object detector contract used by the frame
// pipeline and provides an ONNX YOLO implementation and a colour-marker
// detector for synthetic streams.
package detect

import (
	"context"
	"image"
	"sync"
	"time"

	"stereo-track-go/internal/types"
)

// Detector finds at most one object in a rectified frame. Box coordinates are
// in img's pixel space.
type Detector interface {
	Detect(ctx context.Context, img image.Image) (types.BoundingBox, bool, error)
}

// RateReporter is implemented by detectors that track their own throughput.
type RateReporter interface {
	FPS() float64
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, img image.Image) (types.BoundingBox, bool, error)

func (f Func) Detect(ctx context.Context, img image.Image) (types.BoundingBox, bool, error) {
	return f(ctx, img)
}

const DefaultRateWindow = 100

// RateMeter keeps the inference rate of the last N calls.
type RateMeter struct {
	mu    sync.Mutex
	rates []float64
	next  int
	full  bool
}

func NewRateMeter(window int) *RateMeter {
	if window < 1 {
		window = DefaultRateWindow
	}
	return &RateMeter{rates: make([]float64, window)}
}

// Observe records one call that took d.
func (m *RateMeter) Observe(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.rates[m.next] = 1 / d.Seconds()
	m.next++
	if m.next == len(m.rates) {
		m.next = 0
		m.full = true
	}
	m.mu.Unlock()
}

// FPS is the mean rate over the window, or 0 before any observation.
func (m *RateMeter) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	if m.full {
		n = len(m.rates)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, r := range m.rates[:n] {
		sum += r
	}
	return sum / float64(n)
}
