package annotate

import (
	"image"
	"image/color"
	"testing"

	"stereo-track-go/internal/types"
)

func TestFrameDrawsOutlineAndKeepsInput(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 200, 120))
	box := &types.BoundingBox{XMin: 50, YMin: 40, XMax: 150, YMax: 100, Confidence: 0.87, ClassID: 2, Label: "ball"}

	out := Frame(src, box, 12.5)

	if out.Bounds() != src.Bounds() {
		t.Fatalf("bounds changed: %v", out.Bounds())
	}
	if got := out.NRGBAAt(100, 99); got != ClassColor(2) {
		t.Fatalf("bottom edge = %v", got)
	}
	if got := out.NRGBAAt(149, 70); got != ClassColor(2) {
		t.Fatalf("right edge = %v", got)
	}
	if got := out.NRGBAAt(100, 70); got != (color.NRGBA{}) {
		t.Fatalf("box interior painted: %v", got)
	}
	if got := src.NRGBAAt(100, 99); got != (color.NRGBA{}) {
		t.Fatalf("input modified: %v", got)
	}
}

func TestFrameWithoutBox(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 120, 60))
	out := Frame(src, nil, 0)
	if got := out.NRGBAAt(119, 59); got != (color.NRGBA{}) {
		t.Fatalf("unexpected paint at corner: %v", got)
	}
	if got := out.NRGBAAt(4, 4); got.A != 255 {
		t.Fatalf("fps label background missing: %v", got)
	}
}

func TestClassColorWraps(t *testing.T) {
	if ClassColor(0) != ClassColor(len(palette)) {
		t.Fatalf("palette should wrap")
	}
}
