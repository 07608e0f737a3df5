package types

import "time"

// PointSnapshot is the consumer-facing view of the latest 3D fix.
type PointSnapshot struct {
	Type       string          `json:"type"`
	Seq        uint64          `json:"seq"`
	Fix        bool            `json:"fix"`
	X          float64         `json:"x"`
	Y          float64         `json:"y"`
	Z          float64         `json:"z"`
	DistanceCM float64         `json:"distance_cm"`
	Failure    string          `json:"failure,omitempty"`
	Transport  string          `json:"transport"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Boxes      [2]*BoundingBox `json:"boxes"`
}

// NewPointSnapshot builds the consumer view of res. ok is false before the
// first result.
func NewPointSnapshot(res Result, ok bool, transport string) PointSnapshot {
	snap := PointSnapshot{Type: "point", Transport: transport}
	if !ok {
		snap.Failure = "pending"
		return snap
	}
	snap.Seq = res.Seq
	snap.Failure = string(res.Failure)
	snap.Boxes = res.Boxes
	if !res.Timestamp.IsZero() {
		snap.Timestamp = res.Timestamp.Format(time.RFC3339Nano)
	}
	if res.Point != nil {
		snap.Fix = true
		snap.X, snap.Y, snap.Z = res.Point.X, res.Point.Y, res.Point.Z
		snap.DistanceCM = res.Point.Norm() * 100
	}
	return snap
}
