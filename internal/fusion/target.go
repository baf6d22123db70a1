package fusion

import "time"

// Target is a maintained estimate of a real-world object under track.
// Confidence is always in [0,1]. A target with empty SensorDetections may
// exist transiently just after creation, but decays if not fed within one
// tick.
type Target struct {
	TargetID         string
	X, Y, Z          float64
	VX, VY, VZ       float64
	Confidence       float64
	LastUpdate       time.Time
	SensorDetections map[string]int
}

// NewTarget returns a freshly created target with no detections yet.
func NewTarget(targetID string) *Target {
	return &Target{
		TargetID:         targetID,
		SensorDetections: make(map[string]int),
	}
}

// ClampConfidence clamps Confidence into [0,1], guaranteeing the
// quantified invariant that every target's confidence is a valid
// probability.
func (t *Target) ClampConfidence() {
	if t.Confidence < 0 {
		t.Confidence = 0
	}
	if t.Confidence > 1 {
		t.Confidence = 1
	}
}
