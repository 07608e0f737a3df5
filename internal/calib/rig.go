package calib

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r3"
)

// AxisOrder selects how a box center is fed to the projection equations.
type AxisOrder string

const (
	// AxisXY uses (column, row), the standard pinhole convention.
	AxisXY AxisOrder = "xy"
	// AxisYX uses (row, column). Kept for rigs calibrated against
	// transposed image coordinates.
	AxisYX AxisOrder = "yx"
)

func (a AxisOrder) Valid() bool {
	return a == AxisXY || a == AxisYX
}

// Rig is an immutable two-camera rig. Camera 1 is the reference frame;
// Rotation and Translation give camera 2's pose relative to it.
type Rig struct {
	cameras     [2]Camera
	rotation    Mat3
	translation r3.Vector
	axisOrder   AxisOrder
	pixelScale  [2]float64
}

// RigOptions carries the non-geometric triangulation settings.
type RigOptions struct {
	AxisOrder AxisOrder
	// PixelScale maps detector box pixels onto calibration pixels (x, y).
	PixelScale [2]float64
}

var ErrInvalidRig = errors.New("calib: invalid rig")

func NewRig(cam0, cam1 Camera, rotation Mat3, translation r3.Vector, opts RigOptions) (Rig, error) {
	if opts.AxisOrder == "" {
		opts.AxisOrder = AxisXY
	}
	if !opts.AxisOrder.Valid() {
		return Rig{}, fmt.Errorf("%w: axis order %q", ErrInvalidRig, opts.AxisOrder)
	}
	for i, s := range opts.PixelScale {
		if s == 0 {
			opts.PixelScale[i] = 1
		} else if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return Rig{}, fmt.Errorf("%w: pixel scale %v", ErrInvalidRig, opts.PixelScale)
		}
	}
	for i, cam := range []Camera{cam0, cam1} {
		k := cam.Intrinsic()
		if k[0][0] <= 0 || k[1][1] <= 0 || k[2][2] == 0 {
			return Rig{}, fmt.Errorf("%w: camera %d intrinsic has no focal length", ErrInvalidRig, i)
		}
	}
	return Rig{
		cameras:     [2]Camera{cam0, cam1},
		rotation:    rotation,
		translation: translation,
		axisOrder:   opts.AxisOrder,
		pixelScale:  opts.PixelScale,
	}, nil
}

func (r Rig) Camera(i int) Camera    { return r.cameras[i] }
func (r Rig) Rotation() Mat3         { return r.rotation }
func (r Rig) Translation() r3.Vector { return r.translation }
func (r Rig) AxisOrder() AxisOrder   { return r.axisOrder }
func (r Rig) PixelScale() [2]float64 { return r.pixelScale }

// Baseline is the distance between the two camera centers.
func (r Rig) Baseline() float64 {
	return r.translation.Norm()
}

// DefaultImageSize is the full sensor resolution the default rig was calibrated at.
var DefaultImageSize = image.Pt(1296, 2304)

// DefaultRig returns the factory calibration of the stereo head.
func DefaultRig() Rig {
	cam0 := NewCamera(
		Mat3{
			{1.76665904e+03, 0, 6.02400704e+02},
			{0, 1.76930355e+03, 1.12010051e+03},
			{0, 0, 1},
		},
		Distortion{0.00279605, 0.36580486, -0.00901127, -0.01083656, -0.56823121},
		DefaultImageSize,
	)
	cam1 := NewCamera(
		Mat3{
			{1.77465827e+03, 0, 6.06988235e+02},
			{0, 1.76724437e+03, 1.18724507e+03},
			{0, 0, 1},
		},
		Distortion{0.08981312, -0.56558791, 0.00496143, -0.00749746, 1.08375072},
		DefaultImageSize,
	)
	rig, err := NewRig(cam0, cam1,
		Mat3{
			{0.995573, 0.003629, -0.093926},
			{-0.048177, 0.877720, -0.476746},
			{0.080710, 0.479160, 0.874009},
		},
		r3.Vector{X: 0.068145, Y: 0.124145, Z: 0.154153},
		RigOptions{AxisOrder: AxisXY},
	)
	if err != nil {
		panic(err)
	}
	return rig
}

// Rectified returns the rig as seen through the rectified, ROI-cropped
// frames of the given input sizes: each camera's intrinsic becomes its
// optimal new camera matrix shifted to the crop origin, with no distortion.
// Boxes already live in these pixels, so the pixel scale is reset to 1.
func (r Rig) Rectified(sizes [2]image.Point) Rig {
	out := r
	out.pixelScale = [2]float64{1, 1}
	for i := range out.cameras {
		cam := r.cameras[i].Scaled(sizes[i])
		k := cam.NewIntrinsic()
		roi := cam.ROI()
		k[0][2] -= float64(roi.Min.X)
		k[1][2] -= float64(roi.Min.Y)
		out.cameras[i] = NewCamera(k, Distortion{}, roi.Size())
	}
	return out
}
