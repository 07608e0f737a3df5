package calib

import (
	"image"
	"math"

	"github.com/golang/geo/r3"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

func Identity() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

func (m Mat3) Mul(o Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += m[i][k] * o[k][j]
			}
		}
	}
	return out
}

// Distortion holds Brown-Conrady coefficients in OpenCV order (k1, k2, p1, p2, k3).
type Distortion [5]float64

// undistortIterations matches the fixed-point refinement count used by OpenCV.
const undistortIterations = 20

// Apply maps ideal normalized coordinates to distorted normalized coordinates.
func (d Distortion) Apply(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := d[0], d[1], d[2], d[3], d[4]
	r2 := x*x + y*y
	radial := 1 + r2*(k1+r2*(k2+r2*k3))
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// Invert maps distorted normalized coordinates back to ideal ones.
func (d Distortion) Invert(xd, yd float64) (float64, float64) {
	k1, k2, p1, p2, k3 := d[0], d[1], d[2], d[3], d[4]
	x, y := xd, yd
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		icdist := 1 / (1 + r2*(k1+r2*(k2+r2*k3)))
		deltaX := 2*p1*x*y + p2*(r2+2*x*x)
		deltaY := p1*(r2+2*y*y) + 2*p2*x*y
		x = (xd - deltaX) * icdist
		y = (yd - deltaY) * icdist
	}
	return x, y
}

// Camera is an immutable calibrated camera. NewIntrinsic and ROI are derived
// once at construction for Size.
type Camera struct {
	intrinsic    Mat3
	distortion   Distortion
	size         image.Point
	newIntrinsic Mat3
	roi          image.Rectangle
}

// NewCamera derives the undistortion target matrix and valid-pixel ROI for
// size, keeping every source pixel in view (alpha = 1).
func NewCamera(intrinsic Mat3, distortion Distortion, size image.Point) Camera {
	c := Camera{
		intrinsic:  intrinsic,
		distortion: distortion,
		size:       size,
	}
	c.newIntrinsic, c.roi = optimalNewCamera(intrinsic, distortion, size)
	return c
}

func (c Camera) Intrinsic() Mat3        { return c.intrinsic }
func (c Camera) Distortion() Distortion { return c.distortion }
func (c Camera) Size() image.Point      { return c.size }
func (c Camera) NewIntrinsic() Mat3     { return c.newIntrinsic }
func (c Camera) ROI() image.Rectangle   { return c.roi }

// Scaled returns the camera re-derived for a different image size. Focal
// lengths and principal point scale with the image axes.
func (c Camera) Scaled(size image.Point) Camera {
	if size == c.size || c.size.X == 0 || c.size.Y == 0 {
		return c
	}
	sx := float64(size.X) / float64(c.size.X)
	sy := float64(size.Y) / float64(c.size.Y)
	k := c.intrinsic
	k[0][0] *= sx
	k[0][1] *= sx
	k[0][2] *= sx
	k[1][1] *= sy
	k[1][2] *= sy
	return NewCamera(k, c.distortion, size)
}

// rectGridSize is the sample grid used to bound the undistorted image.
const rectGridSize = 9

const roiEpsilon = 1e-6

type rectF struct {
	x0, y0, x1, y1 float64
}

// undistortedRects samples a grid over the image, undistorts it with k and
// projects through p (nil keeps normalized coordinates). It returns the
// largest rectangle fully inside the valid area and the smallest rectangle
// containing it.
func undistortedRects(k Mat3, d Distortion, p *Mat3, size image.Point) (inner, outer rectF) {
	inner = rectF{x0: -math.MaxFloat64, y0: -math.MaxFloat64, x1: math.MaxFloat64, y1: math.MaxFloat64}
	outer = rectF{x0: math.MaxFloat64, y0: math.MaxFloat64, x1: -math.MaxFloat64, y1: -math.MaxFloat64}
	fx, fy, cx, cy := k[0][0], k[1][1], k[0][2], k[1][2]
	w := float64(size.X - 1)
	h := float64(size.Y - 1)
	for gy := 0; gy < rectGridSize; gy++ {
		for gx := 0; gx < rectGridSize; gx++ {
			u := float64(gx) * w / (rectGridSize - 1)
			v := float64(gy) * h / (rectGridSize - 1)
			x, y := d.Invert((u-cx)/fx, (v-cy)/fy)
			if p != nil {
				x = p[0][0]*x + p[0][2]
				y = p[1][1]*y + p[1][2]
			}
			outer.x0 = math.Min(outer.x0, x)
			outer.y0 = math.Min(outer.y0, y)
			outer.x1 = math.Max(outer.x1, x)
			outer.y1 = math.Max(outer.y1, y)
			if gx == 0 {
				inner.x0 = math.Max(inner.x0, x)
			}
			if gx == rectGridSize-1 {
				inner.x1 = math.Min(inner.x1, x)
			}
			if gy == 0 {
				inner.y0 = math.Max(inner.y0, y)
			}
			if gy == rectGridSize-1 {
				inner.y1 = math.Min(inner.y1, y)
			}
		}
	}
	return inner, outer
}

func optimalNewCamera(k Mat3, d Distortion, size image.Point) (Mat3, image.Rectangle) {
	if size.X < 2 || size.Y < 2 || k[0][0] == 0 || k[1][1] == 0 {
		return k, image.Rect(0, 0, size.X, size.Y)
	}
	_, outer := undistortedRects(k, d, nil, size)
	fx := float64(size.X-1) / (outer.x1 - outer.x0)
	fy := float64(size.Y-1) / (outer.y1 - outer.y0)
	newK := Mat3{
		{fx, 0, -fx * outer.x0},
		{0, fy, -fy * outer.y0},
		{0, 0, 1},
	}

	inner, _ := undistortedRects(k, d, &newK, size)
	// inner is in pixel centers; the rectangle max is exclusive.
	roi := image.Rect(
		int(math.Ceil(inner.x0-roiEpsilon)),
		int(math.Ceil(inner.y0-roiEpsilon)),
		int(math.Floor(inner.x1+roiEpsilon))+1,
		int(math.Floor(inner.y1+roiEpsilon))+1,
	).Intersect(image.Rect(0, 0, size.X, size.Y))
	if roi.Empty() {
		roi = image.Rect(0, 0, size.X, size.Y)
	}
	return newK, roi
}
