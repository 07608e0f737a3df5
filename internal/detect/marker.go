package detect

import (
	"context"
	"image"
	"time"

	"github.com/disintegration/imaging"

	"stereo-track-go/internal/types"
)

// MarkerDetector reports the bounding box of saturated red pixels. It is
// the detector used against the simulator, which renders its target as a
// red disc.
type MarkerDetector struct {
	// MinPixels is the smallest blob reported.
	MinPixels int
	Label     string
	rate      *RateMeter
}

func NewMarkerDetector() *MarkerDetector {
	return &MarkerDetector{MinPixels: 4, Label: "marker", rate: NewRateMeter(DefaultRateWindow)}
}

func (d *MarkerDetector) FPS() float64 { return d.rate.FPS() }

func (d *MarkerDetector) Detect(ctx context.Context, img image.Image) (types.BoundingBox, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.BoundingBox{}, false, err
	}
	start := time.Now()
	defer func() { d.rate.Observe(time.Since(start)) }()

	origin := img.Bounds().Min
	src := imaging.Clone(img)
	b := src.Bounds()
	box := image.Rectangle{Min: b.Max, Max: b.Min}
	count := 0
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl := row[x*4], row[x*4+1], row[x*4+2]
			if r < 200 || g > 80 || bl > 80 {
				continue
			}
			count++
			if x < box.Min.X {
				box.Min.X = x
			}
			if y < box.Min.Y {
				box.Min.Y = y
			}
			if x+1 > box.Max.X {
				box.Max.X = x + 1
			}
			if y+1 > box.Max.Y {
				box.Max.Y = y + 1
			}
		}
	}
	if count < d.MinPixels {
		return types.BoundingBox{}, false, nil
	}
	fill := float64(count) / float64(box.Dx()*box.Dy())
	if fill > 1 {
		fill = 1
	}
	return types.BoundingBox{
		XMin:       box.Min.X + origin.X,
		YMin:       box.Min.Y + origin.Y,
		XMax:       box.Max.X + origin.X,
		YMax:       box.Max.Y + origin.Y,
		Confidence: fill,
		Label:      d.Label,
	}, true, nil
}
