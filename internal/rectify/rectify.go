// Package rectify undistorts camera frames and crops them to the valid
// region of the calibrated camera.
package rectify

import (
	"image"
	"math"
	"sync"

	"github.com/disintegration/imaging"

	"stereo-track-go/internal/calib"
)

// Rectifier is safe for concurrent use. Remap tables are built lazily, once
// per distinct input size.
type Rectifier struct {
	camera calib.Camera

	mu    sync.Mutex
	cache map[image.Point]*remap
}

type remap struct {
	camera calib.Camera
	roi    image.Rectangle
	// source coordinates per ROI pixel, row-major
	xs, ys []float32
}

func New(camera calib.Camera) *Rectifier {
	return &Rectifier{
		camera: camera,
		cache:  make(map[image.Point]*remap),
	}
}

// Camera returns the calibration scaled to size.
func (r *Rectifier) Camera(size image.Point) calib.Camera {
	return r.tableFor(size).camera
}

// Rectify undistorts img with alpha = 1 and crops to the valid pixel ROI.
func (r *Rectifier) Rectify(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	table := r.tableFor(bounds.Size())
	src := imaging.Clone(img)
	dst := image.NewNRGBA(image.Rect(0, 0, table.roi.Dx(), table.roi.Dy()))
	w := table.roi.Dx()
	for y := 0; y < table.roi.Dy(); y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			sampleBilinear(src, float64(table.xs[i]), float64(table.ys[i]), row[x*4:x*4+4])
		}
	}
	return dst
}

func (r *Rectifier) tableFor(size image.Point) *remap {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[size]; ok {
		return t
	}
	t := buildRemap(r.camera.Scaled(size))
	r.cache[size] = t
	return t
}

func buildRemap(cam calib.Camera) *remap {
	roi := cam.ROI()
	k := cam.Intrinsic()
	nk := cam.NewIntrinsic()
	d := cam.Distortion()
	w, h := roi.Dx(), roi.Dy()
	t := &remap{
		camera: cam,
		roi:    roi,
		xs:     make([]float32, w*h),
		ys:     make([]float32, w*h),
	}
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			x := (float64(u+roi.Min.X) - nk[0][2]) / nk[0][0]
			y := (float64(v+roi.Min.Y) - nk[1][2]) / nk[1][1]
			xd, yd := d.Apply(x, y)
			i := v*w + u
			t.xs[i] = float32(k[0][0]*xd + k[0][1]*yd + k[0][2])
			t.ys[i] = float32(k[1][1]*yd + k[1][2])
		}
	}
	return t
}

// sampleBilinear writes the interpolated pixel at (x, y) into out. Samples
// outside the source are black.
func sampleBilinear(src *image.NRGBA, x, y float64, out []uint8) {
	b := src.Bounds()
	if math.IsNaN(x) || math.IsNaN(y) || x < -1 || y < -1 || x > float64(b.Dx()) || y > float64(b.Dy()) {
		out[0], out[1], out[2], out[3] = 0, 0, 0, 255
		return
	}
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)
	var acc [4]float64
	for dy := 0; dy < 2; dy++ {
		wy := 1 - fy
		if dy == 1 {
			wy = fy
		}
		for dx := 0; dx < 2; dx++ {
			wx := 1 - fx
			if dx == 1 {
				wx = fx
			}
			wgt := wx * wy
			if wgt == 0 {
				continue
			}
			px, py := x0+dx, y0+dy
			if px < 0 || py < 0 || px >= b.Dx() || py >= b.Dy() {
				acc[3] += 255 * wgt
				continue
			}
			o := py*src.Stride + px*4
			acc[0] += float64(src.Pix[o]) * wgt
			acc[1] += float64(src.Pix[o+1]) * wgt
			acc[2] += float64(src.Pix[o+2]) * wgt
			acc[3] += float64(src.Pix[o+3]) * wgt
		}
	}
	for i := range acc {
		out[i] = uint8(math.Min(255, acc[i]+0.5))
	}
}
