// Package pipeline runs the bounded decode, rectify, detect and
// triangulate stages for incoming frame pairs and keeps the latest result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stereo-track-go/internal/annotate"
	"stereo-track-go/internal/calib"
	"stereo-track-go/internal/detect"
	"stereo-track-go/internal/logging"
	"stereo-track-go/internal/metrics"
	"stereo-track-go/internal/rectify"
	"stereo-track-go/internal/triangulate"
	"stereo-track-go/internal/types"
)

const (
	DefaultQueueSize = 5
	DefaultWorkers   = 2
	DefaultLogEvery  = 100
)

var cameraNames = [2]string{"0", "1"}

type Config struct {
	Rig       calib.Rig
	Detectors [2]detect.Detector
	QueueSize int
	Workers   int
	// Annotate draws boxes and rate overlays onto the stored frames.
	Annotate bool
	// CalibrationSpace triangulates with the rig's own intrinsics instead
	// of the rectified, cropped projection the detector boxes live in.
	CalibrationSpace bool
	LogEvery         int
	Logger           *zerolog.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	Submitted      uint64 `json:"submitted"`
	Dropped        uint64 `json:"dropped"`
	DecodeErrors   uint64 `json:"decode_errors"`
	Processed      uint64 `json:"processed"`
	StaleDiscarded uint64 `json:"stale_discarded"`
	NoFix          uint64 `json:"no_fix"`
	DetectorErrors uint64 `json:"detector_errors"`
	Pending        int    `json:"pending"`
}

type job struct {
	seq     uint64
	payload []byte
}

type cameraPath struct {
	mu       sync.Mutex
	rect     *rectify.Rectifier
	detector detect.Detector
}

type counters struct {
	submitted      atomic.Uint64
	dropped        atomic.Uint64
	decodeErrors   atomic.Uint64
	processed      atomic.Uint64
	staleDiscarded atomic.Uint64
	noFix          atomic.Uint64
	detectorErrors atomic.Uint64
}

type Pipeline struct {
	cfg   Config
	log   zerolog.Logger
	jobs  chan job
	paths [2]*cameraPath

	seq    atomic.Uint64
	latest atomic.Pointer[types.Result]
	stats  counters

	dropLog   *logging.Sampler
	decodeLog *logging.Sampler

	rigMu    sync.Mutex
	rectRigs map[[2]image.Point]calib.Rig

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config) (*Pipeline, error) {
	for i, d := range cfg.Detectors {
		if d == nil {
			return nil, fmt.Errorf("pipeline: detector for camera %d is nil", i)
		}
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers < 1 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.LogEvery < 1 {
		cfg.LogEvery = DefaultLogEvery
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	p := &Pipeline{
		cfg:       cfg,
		log:       logger.With().Str("component", "pipeline").Logger(),
		jobs:      make(chan job, cfg.QueueSize),
		dropLog:   logging.NewSampler(cfg.LogEvery),
		decodeLog: logging.NewSampler(cfg.LogEvery),
		rectRigs:  make(map[[2]image.Point]calib.Rig),
		done:      make(chan struct{}),
	}
	for i := range p.paths {
		p.paths[i] = &cameraPath{
			rect:     rectify.New(cfg.Rig.Camera(i)),
			detector: cfg.Detectors[i],
		}
	}
	return p, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// Stop is called; queued jobs are abandoned.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.wg.Add(p.cfg.Workers)
		for i := 0; i < p.cfg.Workers; i++ {
			go p.worker(ctx)
		}
	})
}

func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.done)
	})
	p.wg.Wait()
}

// Submit queues a raw frame-pair payload without blocking. It returns false
// when the job was dropped because the queue is full or the pipeline stopped.
// The pipeline takes ownership of payload.
func (p *Pipeline) Submit(payload []byte) bool {
	if p.stopped.Load() {
		return false
	}
	j := job{seq: p.seq.Add(1), payload: payload}
	select {
	case p.jobs <- j:
		p.stats.submitted.Add(1)
		p.cfg.Metrics.FrameSubmitted()
		return true
	default:
		dropped := p.stats.dropped.Add(1)
		p.cfg.Metrics.FrameDropped()
		if p.dropLog.Allow() {
			p.log.Warn().Uint64("dropped_total", dropped).Int("queue", cap(p.jobs)).Msg("pipeline queue full, dropping frame pair")
		}
		return false
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case j := <-p.jobs:
			p.process(ctx, j)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, j job) {
	start := time.Now()
	img0, img1, err := DecodePair(j.payload)
	if err != nil {
		n := p.stats.decodeErrors.Add(1)
		p.cfg.Metrics.DecodeError()
		if p.decodeLog.Allow() {
			p.log.Warn().Err(err).Uint64("seq", j.seq).Uint64("decode_errors_total", n).Msg("dropping undecodable frame pair")
		}
		return
	}
	sizes := [2]image.Point{img0.Bounds().Size(), img1.Bounds().Size()}

	var (
		frames [2]image.Image
		boxes  [2]*types.BoundingBox
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, img := range [2]image.Image{img0, img1} {
		i, img := i, img
		g.Go(func() error {
			frame, box, err := p.paths[i].run(gctx, img)
			frames[i] = frame
			boxes[i] = box
			if err != nil {
				return fmt.Errorf("camera %d: %w", i, err)
			}
			return nil
		})
	}
	detectErr := g.Wait()

	res := &types.Result{
		Seq:       j.seq,
		Boxes:     boxes,
		Timestamp: p.cfg.Now(),
	}
	switch {
	case detectErr != nil:
		p.stats.detectorErrors.Add(1)
		p.cfg.Metrics.DetectorError()
		p.log.Warn().Err(detectErr).Uint64("seq", j.seq).Msg("detector failed")
		res.Failure = types.FailureDetector
		res.Boxes = [2]*types.BoundingBox{}
	default:
		point, err := triangulate.Triangulate(boxes[0], boxes[1], p.triangulationRig(sizes))
		switch {
		case err == nil:
			res.Point = &point
		case errors.Is(err, triangulate.ErrNoDetection):
			res.Failure = types.FailureNoDetection
		default:
			res.Failure = types.FailureSingular
			p.log.Debug().Err(err).Uint64("seq", j.seq).Msg("triangulation failed")
		}
	}

	for i := range frames {
		if frames[i] == nil {
			continue
		}
		if p.cfg.Annotate {
			var fps float64
			if rr, ok := p.paths[i].detector.(detect.RateReporter); ok {
				fps = rr.FPS()
				p.cfg.Metrics.DetectorRate(cameraNames[i], fps)
			}
			frames[i] = annotate.Frame(frames[i], res.Boxes[i], fps)
		}
	}
	res.Frames = frames

	if !res.HasFix() {
		p.stats.noFix.Add(1)
	}
	var distance float64
	if res.Point != nil {
		distance = res.Point.Norm()
	}
	p.cfg.Metrics.FrameProcessed(time.Since(start).Seconds(), res.HasFix(), distance)
	p.stats.processed.Add(1)
	p.publish(res)
}

// publish stores res unless a newer result is already in the slot.
func (p *Pipeline) publish(res *types.Result) bool {
	for {
		cur := p.latest.Load()
		if cur != nil && cur.Seq >= res.Seq {
			p.stats.staleDiscarded.Add(1)
			return false
		}
		if p.latest.CompareAndSwap(cur, res) {
			return true
		}
	}
}

func (p *Pipeline) triangulationRig(sizes [2]image.Point) calib.Rig {
	if p.cfg.CalibrationSpace {
		return p.cfg.Rig
	}
	p.rigMu.Lock()
	defer p.rigMu.Unlock()
	rig, ok := p.rectRigs[sizes]
	if !ok {
		rig = p.cfg.Rig.Rectified(sizes)
		p.rectRigs[sizes] = rig
	}
	return rig
}

// run rectifies img and detects on it. A detector panic is returned as an
// error.
func (c *cameraPath) run(ctx context.Context, img image.Image) (frame image.Image, box *types.BoundingBox, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rect := c.rect.Rectify(img)
	frame = rect
	defer func() {
		if r := recover(); r != nil {
			box = nil
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	b, found, err := c.detector.Detect(ctx, rect)
	if err != nil {
		return frame, nil, err
	}
	if found {
		box = &b
	}
	return frame, box, nil
}

// Latest returns the most recent result, or false before the first one.
func (p *Pipeline) Latest() (types.Result, bool) {
	res := p.latest.Load()
	if res == nil {
		return types.Result{}, false
	}
	return *res, true
}

// Latest3DPoint returns the point of the latest result, if it has one.
func (p *Pipeline) Latest3DPoint() (r3.Vector, bool) {
	res := p.latest.Load()
	if res == nil || res.Point == nil {
		return r3.Vector{}, false
	}
	return *res.Point, true
}

// LatestFrames returns the rectified (and possibly annotated) frames of the
// latest result.
func (p *Pipeline) LatestFrames() (image.Image, image.Image, bool) {
	res := p.latest.Load()
	if res == nil || res.Frames[0] == nil || res.Frames[1] == nil {
		return nil, nil, false
	}
	return res.Frames[0], res.Frames[1], true
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:      p.stats.submitted.Load(),
		Dropped:        p.stats.dropped.Load(),
		DecodeErrors:   p.stats.decodeErrors.Load(),
		Processed:      p.stats.processed.Load(),
		StaleDiscarded: p.stats.staleDiscarded.Load(),
		NoFix:          p.stats.noFix.Load(),
		DetectorErrors: p.stats.detectorErrors.Load(),
		Pending:        len(p.jobs),
	}
}
