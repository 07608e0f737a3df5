package main

import (
	"bytes"
	"errors"
	"image"
	"strings"
	"testing"

	"github.com/golang/geo/r3"

	"stereo-track-go/internal/calib"
	"stereo-track-go/internal/triangulate"
	"stereo-track-go/internal/types"
)

func testRig(t *testing.T, translation r3.Vector) calib.Rig {
	t.Helper()
	k := calib.Mat3{{40, 0, 16}, {0, 40, 12}, {0, 0, 1}}
	cam := calib.NewCamera(k, calib.Distortion{}, image.Pt(32, 24))
	rig, err := calib.NewRig(cam, cam, calib.Identity(), translation, calib.RigOptions{})
	if err != nil {
		t.Fatalf("rig: %v", err)
	}
	return rig
}

func TestReportPrintsPoint(t *testing.T) {
	var out bytes.Buffer
	b0 := types.BoundingBox{XMin: 14, YMin: 10, XMax: 18, YMax: 14}
	b1 := types.BoundingBox{XMin: 12, YMin: 10, XMax: 16, YMax: 14}
	if err := report(&out, b0, b1, testRig(t, r3.Vector{X: -0.1})); err != nil {
		t.Fatalf("report: %v", err)
	}
	for _, want := range []string{"z=2.0000", "distance: 200.0 cm", "reprojection 1: (14.00, 12.00)"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestReportFallsBackToOrigin(t *testing.T) {
	var out bytes.Buffer
	b := types.BoundingBox{XMin: 14, YMin: 10, XMax: 18, YMax: 14}
	err := report(&out, b, b, testRig(t, r3.Vector{}))
	if !errors.Is(err, triangulate.ErrSingularSystem) {
		t.Fatalf("expected ErrSingularSystem, got %v", err)
	}
	if !strings.Contains(out.String(), "point: x=0.0000 y=0.0000 z=0.0000") {
		t.Fatalf("expected origin fallback:\n%s", out.String())
	}
	if strings.Contains(out.String(), "reprojection") {
		t.Fatalf("failed triangulation must not print reprojections")
	}
}

func TestParseBox(t *testing.T) {
	b, err := parseBox("1, 2,30,40")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b.XMin != 1 || b.YMin != 2 || b.XMax != 30 || b.YMax != 40 {
		t.Fatalf("unexpected box %+v", b)
	}
	if _, err := parseBox("1,2,3"); err == nil {
		t.Fatalf("expected error for short box")
	}
}
