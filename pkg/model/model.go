// Package model holds the data types shared across the edge agent's
// components: frames, detections, results, and sessions.
package model

import "time"

// PixFmt identifies the pixel layout of a Frame payload.
type PixFmt string

const (
	PixFmtRGB PixFmt = "RGB"
)

// Frame is one sampled pixel buffer with metadata, produced by Frame
// Capture and consumed by the AI Client. Sequence numbers are per
// AI-connection and must be strictly increasing.
type Frame struct {
	Seq       uint64
	TsISO     string
	TsMonoNs  uint64
	Width     uint32
	Height    uint32
	PixFmt    PixFmt
	Data      []byte
}

// ExpectedDataLen returns the payload length implied by geometry and
// format, for validating a Frame before it is sent on the wire.
func (f Frame) ExpectedDataLen() int {
	return int(f.Width) * int(f.Height) * channelsFor(f.PixFmt)
}

func channelsFor(pf PixFmt) int {
	switch pf {
	case PixFmtRGB:
		return 3
	default:
		return 3
	}
}

// BoundingBox is a normalized box in [0,1] coordinates with (X, Y) as the
// center and (W, H) as the full width/height.
type BoundingBox struct {
	X float32
	Y float32
	W float32
	H float32
}

// Valid reports whether the box's corners lie within [0,1].
func (b BoundingBox) Valid() bool {
	x1, y1, x2, y2 := b.Corners()
	return x1 >= -1e-6 && y1 >= -1e-6 && x2 <= 1+1e-6 && y2 <= 1+1e-6 && x1 <= x2 && y1 <= y2
}

// Corners converts the center-form box to (x1, y1, x2, y2) corners.
func (b BoundingBox) Corners() (x1, y1, x2, y2 float32) {
	return b.X - b.W/2, b.Y - b.H/2, b.X + b.W/2, b.Y + b.H/2
}

// BoundingBoxFromCorners is the inverse of Corners: it is the identity of
// Corners modulo float precision (§8 invariant 7).
func BoundingBoxFromCorners(x1, y1, x2, y2 float32) BoundingBox {
	return BoundingBox{
		X: (x1 + x2) / 2,
		Y: (y1 + y2) / 2,
		W: x2 - x1,
		H: y2 - y1,
	}
}

// Detection is a single classified bounding box from one inference result.
type Detection struct {
	Class      string
	Confidence float32
	BBox       BoundingBox
	TrackID    string // optional
}

// Valid reports whether the detection satisfies the data-model invariants.
func (d Detection) Valid() bool {
	if d.Class == "" {
		return false
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return false
	}
	return d.BBox.Valid()
}

// Result is the AI worker's reply to one previously sent Frame.
type Result struct {
	Seq        uint64
	TsISO      string
	Detections []Detection
}

// Session is one recording session opened by the FSM and closed after
// post-roll. EndTs is the zero time while the session is open.
type Session struct {
	ID             string
	DeviceID       string
	StreamPath     string
	StartTs        time.Time
	EndTs          time.Time
	PostRollSec    int
	DetectedClasses map[string]struct{}
}

// Closed reports whether the session has a recorded end time.
func (s Session) Closed() bool {
	return !s.EndTs.IsZero()
}

// AddClass records an observed detection class on the session.
func (s *Session) AddClass(class string) {
	if s.DetectedClasses == nil {
		s.DetectedClasses = make(map[string]struct{})
	}
	s.DetectedClasses[class] = struct{}{}
}

// Classes returns the session's detected class set as a sorted-free slice.
func (s Session) Classes() []string {
	out := make([]string, 0, len(s.DetectedClasses))
	for c := range s.DetectedClasses {
		out = append(out, c)
	}
	return out
}
