// Package annotate draws detection overlays onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"stereo-track-go/internal/types"
)

var palette = []color.NRGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
}

// ClassColor returns the outline colour used for class id.
func ClassColor(id int) color.NRGBA {
	if id < 0 {
		id = -id
	}
	return palette[id%len(palette)]
}

const lineWidth = 2

var (
	white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.NRGBA{A: 255}
)

// Frame returns a copy of img with the box (if any), its label and the
// detector rate drawn on it. The input is not modified.
func Frame(img image.Image, box *types.BoundingBox, fps float64) *image.NRGBA {
	out := imaging.Clone(img)
	objects := 0
	if box != nil {
		objects = 1
		c := ClassColor(box.ClassID)
		outline(out, box.Rect(), c)
		tag := fmt.Sprintf("%s: %.0f%%", box.Label, box.Confidence*100)
		label(out, image.Pt(box.XMin, box.YMin-textHeight), tag, white, c)
	}
	label(out, image.Pt(4, 4), fmt.Sprintf("FPS: %.1f", fps), white, black)
	label(out, image.Pt(4, 4+textHeight+2), fmt.Sprintf("Objects: %d", objects), white, black)
	return out
}

func outline(dst *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+lineWidth),
		image.Rect(r.Min.X, r.Max.Y-lineWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+lineWidth, r.Max.Y),
		image.Rect(r.Max.X-lineWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

var face = basicfont.Face7x13

const textHeight = 13

// label draws text on a filled background whose top-left corner is at, kept
// inside the frame.
func label(dst *image.NRGBA, at image.Point, text string, fg, bg color.NRGBA) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(fg), Face: face}
	width := d.MeasureString(text).Ceil()
	b := dst.Bounds()
	if at.X+width > b.Max.X {
		at.X = b.Max.X - width
	}
	if at.X < b.Min.X {
		at.X = b.Min.X
	}
	if at.Y < b.Min.Y {
		at.Y = b.Min.Y
	}
	bgRect := image.Rect(at.X, at.Y, at.X+width+2, at.Y+textHeight).Intersect(b)
	draw.Draw(dst, bgRect, image.NewUniform(bg), image.Point{}, draw.Src)
	d.Dot = fixed.P(at.X+1, at.Y+face.Ascent)
	d.DrawString(text)
}
