package fusion

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// Prioritizer selects which target deserves attention next.
type Prioritizer interface {
	// Priority returns a score in [0,1]; it must be finite even when
	// target's position or velocity is the zero vector.
	Priority(target *Target, ctx *AlgorithmContext) float64
	// Sort stably reorders targets, highest priority first.
	Sort(targets []*Target, ctx *AlgorithmContext)
	// Best returns the highest-priority target, or nil if targets is empty.
	Best(targets []*Target, ctx *AlgorithmContext) *Target
	Name() string
}

// DeviceAssignment selects which device should perform a task.
type DeviceAssignment interface {
	// SelectForTarget returns a device id for target, or "" if none fits.
	SelectForTarget(target *Target, tasks *TaskManager, ctx *AlgorithmContext) string
	// SelectForTask returns a device id for target given a specific task type.
	SelectForTask(target *Target, taskType TaskType, tasks *TaskManager, ctx *AlgorithmContext) string
	// Suitability scores deviceID for target in [0,1].
	Suitability(deviceID string, target *Target, tasks *TaskManager, ctx *AlgorithmContext) float64
	Name() string
}

// StrategyHolder holds the currently installed Prioritizer and
// DeviceAssignment and exposes them only through scoped-closure access:
// a reader acquires the lock for the duration of its closure, so a swap
// concurrent with in-flight reads can never hand out a dangling or torn
// reference. Exposing a bare pointer that outlives the lock is exactly
// the defect this type exists to prevent.
type StrategyHolder struct {
	mu           sync.RWMutex
	prioritizer  Prioritizer
	deviceAssign DeviceAssignment
}

// NewStrategyHolder returns an empty holder; WithPrioritizer/
// WithDeviceAssignment fail until SetPrioritizer/SetDeviceAssignment are
// called.
func NewStrategyHolder() *StrategyHolder {
	return &StrategyHolder{}
}

// SetPrioritizer installs p as the current prioritizer.
func (h *StrategyHolder) SetPrioritizer(p Prioritizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prioritizer = p
}

// SetDeviceAssignment installs a as the current device-assignment strategy.
func (h *StrategyHolder) SetDeviceAssignment(a DeviceAssignment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deviceAssign = a
}

// WithPrioritizer runs fn with the current prioritizer under a shared
// lock and returns fn's result. It returns ErrNoPrioritizer without
// calling fn if none is installed.
func (h *StrategyHolder) WithPrioritizer(fn func(Prioritizer) any) (any, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.prioritizer == nil {
		return nil, ErrNoPrioritizer
	}
	return fn(h.prioritizer), nil
}

// WithDeviceAssignment runs fn with the current device-assignment
// strategy under a shared lock and returns fn's result. It returns
// ErrNoDeviceAssignment without calling fn if none is installed.
func (h *StrategyHolder) WithDeviceAssignment(fn func(DeviceAssignment) any) (any, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.deviceAssign == nil {
		return nil, ErrNoDeviceAssignment
	}
	return fn(h.deviceAssign), nil
}

// ConfidenceBasedPrioritizer prioritizes strictly by target confidence.
type ConfidenceBasedPrioritizer struct{}

func (ConfidenceBasedPrioritizer) Priority(target *Target, ctx *AlgorithmContext) float64 {
	return target.Confidence
}

func (p ConfidenceBasedPrioritizer) Sort(targets []*Target, ctx *AlgorithmContext) {
	sortByPriority(targets, ctx, p)
}

func (p ConfidenceBasedPrioritizer) Best(targets []*Target, ctx *AlgorithmContext) *Target {
	return bestByPriority(targets, ctx, p)
}

func (ConfidenceBasedPrioritizer) Name() string { return "ConfidenceBasedPrioritizer" }

// ThreatParameters weights the components of ThreatBasedPrioritizer's
// composite score. The defaults are the values confirmed against the
// original reference implementation; spec.md notes they are not
// independently justified and should be treated as tunable.
type ThreatParameters struct {
	RangeWeight      float64
	VelocityWeight   float64
	ConfidenceWeight float64
	HeadingWeight    float64
}

// DefaultThreatParameters returns the reference weighting.
func DefaultThreatParameters() ThreatParameters {
	return ThreatParameters{
		RangeWeight:      0.3,
		VelocityWeight:   0.2,
		ConfidenceWeight: 0.3,
		HeadingWeight:    0.2,
	}
}

// ThreatBasedPrioritizer scores targets by a weighted blend of closing
// range, speed, confidence, and approach heading.
type ThreatBasedPrioritizer struct {
	Params ThreatParameters
}

// NewThreatBasedPrioritizer returns a prioritizer using the default weights.
func NewThreatBasedPrioritizer() *ThreatBasedPrioritizer {
	return &ThreatBasedPrioritizer{Params: DefaultThreatParameters()}
}

func (p *ThreatBasedPrioritizer) Priority(target *Target, ctx *AlgorithmContext) float64 {
	pos := r3.Vec{X: target.X, Y: target.Y, Z: target.Z}
	vel := r3.Vec{X: target.VX, Y: target.VY, Z: target.VZ}

	rangeM := r3.Norm(pos)
	speed := r3.Norm(vel)

	rangeScore := 1.0
	if rangeM > 0 {
		rangeScore = math.Exp(-rangeM / 100.0)
	}
	velocityScore := math.Min(1.0, speed/50.0)
	confidenceScore := target.Confidence

	headingScore := 0.0
	if rangeM > 0 && speed > 0 {
		approach := -r3.Dot(vel, pos) / (rangeM * speed)
		headingScore = math.Max(0, approach)
	}

	priority := p.Params.RangeWeight*rangeScore +
		p.Params.VelocityWeight*velocityScore +
		p.Params.ConfidenceWeight*confidenceScore +
		p.Params.HeadingWeight*headingScore

	return clamp01(priority)
}

func (p *ThreatBasedPrioritizer) Sort(targets []*Target, ctx *AlgorithmContext) {
	sortByPriority(targets, ctx, p)
}

func (p *ThreatBasedPrioritizer) Best(targets []*Target, ctx *AlgorithmContext) *Target {
	return bestByPriority(targets, ctx, p)
}

func (*ThreatBasedPrioritizer) Name() string { return "ThreatBasedPrioritizer" }

// SingleDeviceAssignment always assigns a single fixed device.
type SingleDeviceAssignment struct {
	DeviceID string
}

func (a SingleDeviceAssignment) SelectForTarget(target *Target, tasks *TaskManager, ctx *AlgorithmContext) string {
	return a.DeviceID
}

func (a SingleDeviceAssignment) SelectForTask(target *Target, taskType TaskType, tasks *TaskManager, ctx *AlgorithmContext) string {
	return a.DeviceID
}

func (a SingleDeviceAssignment) Suitability(deviceID string, target *Target, tasks *TaskManager, ctx *AlgorithmContext) float64 {
	if deviceID == a.DeviceID {
		return 1.0
	}
	return 0.0
}

func (SingleDeviceAssignment) Name() string { return "SingleDeviceAssignment" }

// CapabilityBasedAssignment scores candidate devices by their advertised
// sensor and gimbal capabilities, preferring "coherent" devices for
// high-confidence targets. TaskTypeToCapabilities holds the reference
// per-task-type capability lists, but Suitability and SelectForTask do not
// consult it: the task type passed to SelectForTask does not change which
// device is chosen.
type CapabilityBasedAssignment struct {
	// CandidateDevices lists the device ids considered for assignment.
	// The original source hardcodes this set because device enumeration
	// did not exist yet; the Go port keeps that as an explicit,
	// overridable field rather than a literal.
	CandidateDevices       []string
	TaskTypeToCapabilities map[TaskType][]string
}

// NewCapabilityBasedAssignment returns a strategy with the reference
// per-task-type capability requirements and candidate device list.
func NewCapabilityBasedAssignment() *CapabilityBasedAssignment {
	return &CapabilityBasedAssignment{
		CandidateDevices: []string{"default_device", "coherent_001", "radar_001"},
		TaskTypeToCapabilities: map[TaskType][]string{
			TaskTrackTarget:     {"radar", "lidar", "camera", "gimbal_control"},
			TaskScanArea:        {"radar", "lidar", "camera"},
			TaskPointGimbal:     {"gimbal_control", "coherent"},
			TaskCalibrateSensor: {"calibration"},
			TaskMonitorStatus:   {},
		},
	}
}

func (a *CapabilityBasedAssignment) SelectForTarget(target *Target, tasks *TaskManager, ctx *AlgorithmContext) string {
	return a.SelectForTask(target, TaskTrackTarget, tasks, ctx)
}

func (a *CapabilityBasedAssignment) SelectForTask(target *Target, taskType TaskType, tasks *TaskManager, ctx *AlgorithmContext) string {
	candidates := append([]string(nil), a.CandidateDevices...)
	sort.Strings(candidates) // ties break by lexicographic device id, per spec

	best := ""
	bestScore := -1.0
	for _, device := range candidates {
		score := a.Suitability(device, target, tasks, ctx)
		if score > bestScore {
			bestScore = score
			best = device
		}
	}
	return best
}

func (a *CapabilityBasedAssignment) Suitability(deviceID string, target *Target, tasks *TaskManager, ctx *AlgorithmContext) float64 {
	capabilities := tasks.GetCapabilities(deviceID)
	if len(capabilities) == 0 {
		return 0.0
	}
	capSet := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = struct{}{}
	}

	_, hasRadar := capSet["radar"]
	_, hasLidar := capSet["lidar"]
	_, hasCamera := capSet["camera"]
	hasSensor := hasRadar || hasLidar || hasCamera
	_, hasGimbalControl := capSet["gimbal_control"]
	_, hasCoherent := capSet["coherent"]
	hasGimbal := hasGimbalControl || hasCoherent

	score := 0.0
	if hasSensor {
		score += 0.5
	}
	if hasGimbal {
		score += 0.5
	}
	if hasCoherent && target.Confidence > 0.8 {
		score += 0.2
	}
	return math.Min(1.0, score)
}

func (*CapabilityBasedAssignment) Name() string { return "CapabilityBasedAssignment" }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortByPriority(targets []*Target, ctx *AlgorithmContext, p Prioritizer) {
	sort.SliceStable(targets, func(i, j int) bool {
		return p.Priority(targets[i], ctx) > p.Priority(targets[j], ctx)
	})
}

func bestByPriority(targets []*Target, ctx *AlgorithmContext, p Prioritizer) *Target {
	if len(targets) == 0 {
		return nil
	}
	best := targets[0]
	bestScore := p.Priority(best, ctx)
	for _, t := range targets[1:] {
		if score := p.Priority(t, ctx); score > bestScore {
			best = t
			bestScore = score
		}
	}
	return best
}
