package detect

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"stereo-track-go/internal/types"
)

const (
	DefaultInputSize     = 480
	DefaultMinConfidence = 0.25
)

// ONNXConfig describes a YOLO-family model exported with a single
// (1, 4+classes, anchors) output.
type ONNXConfig struct {
	ModelPath     string
	InputSize     int
	Labels        []string
	MinConfidence float64
	InputName     string
	OutputName    string
	Threads       int
}

func (c *ONNXConfig) withDefaults() {
	if c.InputSize <= 0 {
		c.InputSize = DefaultInputSize
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if len(c.Labels) == 0 {
		c.Labels = []string{"object"}
	}
	if c.InputName == "" {
		c.InputName = "images"
	}
	if c.OutputName == "" {
		c.OutputName = "output0"
	}
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
}

// anchorCount is the number of predictions a stride 8/16/32 head emits for
// a square input.
func anchorCount(inputSize int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := inputSize / stride
		n += g * g
	}
	return n
}

// InitRuntime loads the onnxruntime shared library. It must run once
// before NewONNXDetector.
func InitRuntime(libraryPath string) error {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

func DestroyRuntime() {
	_ = ort.DestroyEnvironment()
}

// ONNXDetector owns one inference session; calls are serialized.
type ONNXDetector struct {
	cfg     ONNXConfig
	anchors int

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	rate *RateMeter
}

func NewONNXDetector(cfg ONNXConfig) (*ONNXDetector, error) {
	cfg.withDefaults()
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()
	_ = options.SetIntraOpNumThreads(cfg.Threads)

	anchors := anchorCount(cfg.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.InputSize), int64(cfg.InputSize)))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(cfg.Labels)), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("load model %s: %w", cfg.ModelPath, err)
	}
	return &ONNXDetector{
		cfg:     cfg,
		anchors: anchors,
		session: session,
		input:   input,
		output:  output,
		rate:    NewRateMeter(DefaultRateWindow),
	}, nil
}

func (d *ONNXDetector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
}

func (d *ONNXDetector) FPS() float64 { return d.rate.FPS() }

func (d *ONNXDetector) Detect(ctx context.Context, img image.Image) (types.BoundingBox, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.BoundingBox{}, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return types.BoundingBox{}, false, fmt.Errorf("detector closed")
	}

	start := time.Now()
	resized := imaging.Resize(img, d.cfg.InputSize, d.cfg.InputSize, imaging.Linear)
	fillInput(resized, d.input.GetData(), d.cfg.InputSize)
	if err := d.session.Run(); err != nil {
		return types.BoundingBox{}, false, fmt.Errorf("model inference: %w", err)
	}
	d.rate.Observe(time.Since(start))

	b := img.Bounds()
	box, ok := bestBox(d.output.GetData(), d.anchors, d.cfg.Labels, d.cfg.MinConfidence,
		float64(b.Dx())/float64(d.cfg.InputSize), float64(b.Dy())/float64(d.cfg.InputSize), b.Size())
	if ok {
		box.XMin += b.Min.X
		box.XMax += b.Min.X
		box.YMin += b.Min.Y
		box.YMax += b.Min.Y
	}
	return box, ok, nil
}

// fillInput writes img as planar RGB scaled to [0,1].
func fillInput(img *image.NRGBA, dst []float32, size int) {
	plane := size * size
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			i := y*size + x
			dst[i] = float32(row[x*4]) / 255
			dst[plane+i] = float32(row[x*4+1]) / 255
			dst[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
}

// bestBox picks the single highest scoring prediction at or above minConf
// from a channel-major (cx, cy, w, h, class scores...) output and maps it
// back to a frame of size bounds.
func bestBox(out []float32, anchors int, labels []string, minConf, scaleX, scaleY float64, bounds image.Point) (types.BoundingBox, bool) {
	classes := len(labels)
	if anchors <= 0 || len(out) < (4+classes)*anchors {
		return types.BoundingBox{}, false
	}
	best, bestClass := -1, 0
	bestScore := minConf
	for i := 0; i < anchors; i++ {
		for c := 0; c < classes; c++ {
			score := float64(out[(4+c)*anchors+i])
			if score >= bestScore && (best < 0 || score > bestScore) {
				best, bestClass, bestScore = i, c, score
			}
		}
	}
	if best < 0 {
		return types.BoundingBox{}, false
	}
	cx := float64(out[best])
	cy := float64(out[anchors+best])
	w := float64(out[2*anchors+best])
	h := float64(out[3*anchors+best])
	return types.BoundingBox{
		XMin:       clamp(int((cx-w/2)*scaleX), 0, bounds.X),
		YMin:       clamp(int((cy-h/2)*scaleY), 0, bounds.Y),
		XMax:       clamp(int((cx+w/2)*scaleX), 0, bounds.X),
		YMax:       clamp(int((cy+h/2)*scaleY), 0, bounds.Y),
		Confidence: bestScore,
		ClassID:    bestClass,
		Label:      labels[bestClass],
	}, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
