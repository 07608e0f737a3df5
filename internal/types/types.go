package types

import (
	"image"
	"time"

	"github.com/golang/geo/r3"
)

// BoundingBox is a detection in rectified-frame pixel coordinates.
type BoundingBox struct {
	XMin       int     `json:"xmin"`
	YMin       int     `json:"ymin"`
	XMax       int     `json:"xmax"`
	YMax       int     `json:"ymax"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	Label      string  `json:"label,omitempty"`
}

// Center returns the box midpoint as (x, y).
func (b BoundingBox) Center() (float64, float64) {
	return float64(b.XMin+b.XMax) / 2, float64(b.YMin+b.YMax) / 2
}

func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.XMin, b.YMin, b.XMax, b.YMax)
}

// FramePair holds the two JPEG payloads of one inbound message.
type FramePair struct {
	JPEG0 []byte
	JPEG1 []byte
}

// Failure explains why a Result carries no point.
type Failure string

const (
	FailureNone        Failure = ""
	FailureNoDetection Failure = "no_detection"
	FailureSingular    Failure = "singular_system"
	FailureDetector    Failure = "detector_error"
)

// Result is one fully processed frame pair. It is published wholesale and
// never mutated afterwards.
type Result struct {
	Seq       uint64
	Frames    [2]image.Image
	Boxes     [2]*BoundingBox
	Point     *r3.Vector
	Failure   Failure
	Timestamp time.Time
}

// HasFix reports whether the result carries a triangulated point.
func (r Result) HasFix() bool {
	return r.Point != nil
}
