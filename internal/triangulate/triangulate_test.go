package triangulate

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"stereo-track-go/internal/calib"
	"stereo-track-go/internal/types"
)

func parallelRig(t *testing.T) calib.Rig {
	t.Helper()
	k := calib.Mat3{{800, 0, 320}, {0, 800, 240}, {0, 0, 1}}
	cam := calib.NewCamera(k, calib.Distortion{}, image.Pt(640, 480))
	rig, err := calib.NewRig(cam, cam, calib.Identity(), r3.Vector{X: -0.1}, calib.RigOptions{})
	if err != nil {
		t.Fatalf("rig: %v", err)
	}
	return rig
}

func TestPointsRecoversGroundTruth(t *testing.T) {
	rig := calib.DefaultRig()
	for _, want := range []r3.Vector{
		{X: 0.05, Y: -0.1, Z: 1.2},
		{X: -0.2, Y: 0.3, Z: 0.8},
		{X: 0, Y: 0, Z: 2.5},
	} {
		u0, v0, ok0 := Project(rig, 0, want)
		u1, v1, ok1 := Project(rig, 1, want)
		if !ok0 || !ok1 {
			t.Fatalf("point %v not visible", want)
		}
		got, err := Points([2]float64{u0, v0}, [2]float64{u1, v1}, rig)
		if err != nil {
			t.Fatalf("points %v: %v", want, err)
		}
		if rel := got.Sub(want).Norm() / want.Norm(); rel > 1e-3 {
			t.Fatalf("got %v, want %v (rel err %g)", got, want, rel)
		}
	}
}

func TestTriangulateBoxes(t *testing.T) {
	rig := parallelRig(t)
	want := r3.Vector{X: 0.05, Y: 0.02, Z: 1.6}
	boxes := [2]*types.BoundingBox{}
	for i := 0; i < 2; i++ {
		u, v, ok := Project(rig, i, want)
		if !ok {
			t.Fatalf("camera %d cannot see point", i)
		}
		boxes[i] = &types.BoundingBox{
			XMin: int(math.Round(u)) - 20, XMax: int(math.Round(u)) + 20,
			YMin: int(math.Round(v)) - 10, YMax: int(math.Round(v)) + 10,
		}
	}
	got, err := Triangulate(boxes[0], boxes[1], rig)
	if err != nil {
		t.Fatalf("triangulate: %v", err)
	}
	if got.Sub(want).Norm() > 0.01 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTriangulateMissingBox(t *testing.T) {
	rig := calib.DefaultRig()
	box := &types.BoundingBox{XMin: 10, YMin: 10, XMax: 20, YMax: 20}
	cases := [][2]*types.BoundingBox{{nil, box}, {box, nil}, {nil, nil}}
	for _, c := range cases {
		p, err := Triangulate(c[0], c[1], rig)
		if !errors.Is(err, ErrNoDetection) {
			t.Fatalf("expected ErrNoDetection, got %v", err)
		}
		if p != (r3.Vector{}) {
			t.Fatalf("expected zero point, got %v", p)
		}
	}
}

func TestPointsSingularWithoutBaseline(t *testing.T) {
	k := calib.Mat3{{800, 0, 320}, {0, 800, 240}, {0, 0, 1}}
	cam := calib.NewCamera(k, calib.Distortion{}, image.Pt(640, 480))
	rig, err := calib.NewRig(cam, cam, calib.Identity(), r3.Vector{}, calib.RigOptions{})
	if err != nil {
		t.Fatalf("rig: %v", err)
	}
	_, err = Points([2]float64{330, 250}, [2]float64{330, 250}, rig)
	if !errors.Is(err, ErrSingularSystem) {
		t.Fatalf("expected ErrSingularSystem, got %v", err)
	}
}

func TestPointsParallelRaysAtInfinity(t *testing.T) {
	rig := parallelRig(t)
	_, err := Points([2]float64{400, 300}, [2]float64{400, 300}, rig)
	if !errors.Is(err, ErrSingularSystem) {
		t.Fatalf("expected ErrSingularSystem, got %v", err)
	}
}

func TestCenterAxisOrder(t *testing.T) {
	base := calib.DefaultRig()
	rig, err := calib.NewRig(base.Camera(0), base.Camera(1), base.Rotation(), base.Translation(),
		calib.RigOptions{AxisOrder: calib.AxisYX, PixelScale: [2]float64{2, 3}})
	if err != nil {
		t.Fatalf("rig: %v", err)
	}
	box := &types.BoundingBox{XMin: 10, XMax: 30, YMin: 100, YMax: 140}
	if got := Center(box, rig); got != [2]float64{360, 40} {
		t.Fatalf("center = %v", got)
	}
	if got := Center(box, base); got != [2]float64{20, 120} {
		t.Fatalf("center = %v", got)
	}
}

func TestOrDefault(t *testing.T) {
	p := r3.Vector{X: 1, Y: 2, Z: 3}
	if OrDefault(p, nil) != p {
		t.Fatalf("expected point passthrough")
	}
	if OrDefault(p, ErrSingularSystem) != (r3.Vector{}) {
		t.Fatalf("expected origin on error")
	}
}
