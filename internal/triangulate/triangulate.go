// Package triangulate reconstructs a 3D point from one detection per
// camera using the two-view direct linear transform.
package triangulate

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"stereo-track-go/internal/calib"
	"stereo-track-go/internal/types"
)

var (
	ErrNoDetection    = errors.New("triangulate: missing detection")
	ErrSingularSystem = errors.New("triangulate: singular system")
)

const (
	// rankTolerance bounds the second-smallest singular value relative to
	// the largest. Below it the null space is not unique.
	rankTolerance = 1e-10
	// weightTolerance bounds the homogeneous weight of the unit solution.
	// Below it the rays are parallel and the point lies at infinity.
	weightTolerance = 1e-9
)

// Projection is a 3x4 camera projection matrix.
type Projection [3][4]float64

// Projections returns P0 = K0·[I|0] and P1 = K1·[R|T].
func Projections(rig calib.Rig) [2]Projection {
	var ps [2]Projection
	k0 := rig.Camera(0).Intrinsic()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ps[0][i][j] = k0[i][j]
		}
	}

	k1 := rig.Camera(1).Intrinsic()
	rot := rig.Rotation()
	t := rig.Translation()
	var rt [3][4]float64
	for i := 0; i < 3; i++ {
		copy(rt[i][:3], rot[i][:])
	}
	rt[0][3], rt[1][3], rt[2][3] = t.X, t.Y, t.Z
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			for k := 0; k < 3; k++ {
				ps[1][i][j] += k1[i][k] * rt[k][j]
			}
		}
	}
	return ps
}

// Project maps a camera-1 frame point to pixel coordinates (column, row)
// of camera i. ok is false behind or on the camera plane.
func Project(rig calib.Rig, i int, p r3.Vector) (u, v float64, ok bool) {
	pm := Projections(rig)[i]
	x := [4]float64{p.X, p.Y, p.Z, 1}
	var h [3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			h[r] += pm[r][c] * x[c]
		}
	}
	if h[2] <= 0 {
		return 0, 0, false
	}
	return h[0] / h[2], h[1] / h[2], true
}

// Center returns the box center in the coordinates fed to the DLT,
// applying the rig's pixel scale and axis order.
func Center(box *types.BoundingBox, rig calib.Rig) [2]float64 {
	cx, cy := box.Center()
	scale := rig.PixelScale()
	cx *= scale[0]
	cy *= scale[1]
	if rig.AxisOrder() == calib.AxisYX {
		return [2]float64{cy, cx}
	}
	return [2]float64{cx, cy}
}

// Triangulate returns the 3D position of the object detected by box0 in
// camera 1 and box1 in camera 2, in camera 1's frame.
func Triangulate(box0, box1 *types.BoundingBox, rig calib.Rig) (r3.Vector, error) {
	if box0 == nil || box1 == nil {
		return r3.Vector{}, ErrNoDetection
	}
	return Points(Center(box0, rig), Center(box1, rig), rig)
}

// Points triangulates two image points given in projection coordinates.
func Points(p0, p1 [2]float64, rig calib.Rig) (r3.Vector, error) {
	ps := Projections(rig)
	obs := [2][2]float64{p0, p1}

	a := mat.NewDense(4, 4, nil)
	for view := 0; view < 2; view++ {
		pm := ps[view]
		for k := 0; k < 2; k++ {
			var row [4]float64
			var norm float64
			for c := 0; c < 4; c++ {
				row[c] = obs[view][k]*pm[2][c] - pm[k][c]
				norm += row[c] * row[c]
			}
			norm = math.Sqrt(norm)
			if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
				return r3.Vector{}, fmt.Errorf("%w: degenerate equation for camera %d", ErrSingularSystem, view)
			}
			for c := 0; c < 4; c++ {
				a.Set(view*2+k, c, row[c]/norm)
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return r3.Vector{}, fmt.Errorf("%w: factorization failed", ErrSingularSystem)
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[2]/values[0] < rankTolerance {
		return r3.Vector{}, fmt.Errorf("%w: rank deficient (singular values %v)", ErrSingularSystem, values)
	}

	var v mat.Dense
	svd.VTo(&v)
	x := mat.Col(nil, 3, &v)
	w := x[3]
	if math.Abs(w) < weightTolerance {
		return r3.Vector{}, fmt.Errorf("%w: point at infinity", ErrSingularSystem)
	}
	p := r3.Vector{X: x[0] / w, Y: x[1] / w, Z: x[2] / w}
	if !finite(p) {
		return r3.Vector{}, fmt.Errorf("%w: non-finite solution", ErrSingularSystem)
	}
	return p, nil
}

// OrDefault returns p, or the origin if err is set. Display code uses it
// where a point must always be drawn.
func OrDefault(p r3.Vector, err error) r3.Vector {
	if err != nil {
		return r3.Vector{}
	}
	return p
}

func finite(p r3.Vector) bool {
	for _, c := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
