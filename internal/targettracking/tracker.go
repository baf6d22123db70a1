// Package targettracking implements the reference FusionAlgorithm: a
// multi-sensor target tracker driven by the same declarative state
// machine engine every algorithm shares.
//
// States:
//   - IDLE: no targets above the detection floor, waiting for sensor input
//   - ACQUIRING: a candidate target is gathering sensor consensus
//   - TRACKING: a confirmed target is being actively tasked
//   - LOST: every tracked target has decayed below the lost threshold
package targettracking

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/dp-aero/l2fusion/internal/fusion"
	"github.com/dp-aero/l2fusion/internal/monitoring"
	"github.com/dp-aero/l2fusion/internal/timeutil"
)

// Parameters tunes the tracker's thresholds and smoothing factors.
type Parameters struct {
	MinConfidenceThreshold float64
	AcquisitionThreshold   float64
	LostThreshold          float64
	MinSensorConsensus     int
	TargetTimeout          time.Duration
	PositionNoise          float64
	VelocityAlpha          float64

	// CoherentDeviceID is the device gimbal commands are targeted at.
	// The original hardcodes "coherent_001"; the Go port keeps that as
	// the default but makes it configurable.
	CoherentDeviceID string

	// DetectionRadiusM is the max distance at which a new detection is
	// associated with an existing target rather than spawning a new one.
	DetectionRadiusM float64
	// LidarClusterRadiusM is the single-link clustering distance for
	// lidar points.
	LidarClusterRadiusM float64
	// LidarMinClusterSize is the minimum number of points a lidar
	// cluster must contain to be treated as an object.
	LidarMinClusterSize int
	// StatusInterval is how often a FusionResult status is emitted.
	StatusInterval time.Duration
	// LostSearchTimeout is how long LOST waits before giving up and
	// returning to IDLE.
	LostSearchTimeout time.Duration
}

// DefaultParameters returns the reference tuning.
func DefaultParameters() Parameters {
	return Parameters{
		MinConfidenceThreshold: 0.7,
		AcquisitionThreshold:   0.5,
		LostThreshold:          0.3,
		MinSensorConsensus:     2,
		TargetTimeout:          10 * time.Second,
		PositionNoise:          0.1,
		VelocityAlpha:          0.8,
		CoherentDeviceID:       "coherent_001",
		DetectionRadiusM:       5.0,
		LidarClusterRadiusM:    1.0,
		LidarMinClusterSize:    10,
		StatusInterval:         5 * time.Second,
		LostSearchTimeout:      30 * time.Second,
	}
}

const defaultDeviceID = "default_device"

// Tracker is the reference fusion.FusionAlgorithm implementation.
type Tracker struct {
	params Parameters
	clock  timeutil.Clock

	strategies *fusion.StrategyHolder
	tasks      *fusion.TaskManager

	sm *fusion.StateMachine

	nextTargetSeq  uint64
	lastStatusTime time.Time
}

// New returns a tracker using the real wall clock and the default
// reference strategies.
func New() *Tracker {
	return NewWithClock(timeutil.RealClock{})
}

// NewWithClock returns a tracker using clock, so tests can drive status
// and timeout timing deterministically.
func NewWithClock(clock timeutil.Clock) *Tracker {
	holder := fusion.NewStrategyHolder()
	holder.SetPrioritizer(fusion.ConfidenceBasedPrioritizer{})
	holder.SetDeviceAssignment(fusion.NewCapabilityBasedAssignment())
	return &Tracker{
		params:     DefaultParameters(),
		clock:      clock,
		strategies: holder,
		tasks:      fusion.NewTaskManagerWithClock(clock),
		sm:         fusion.NewStateMachine(),
	}
}

// Strategies exposes the tracker's StrategyHolder so operators can swap
// the prioritizer or device-assignment strategy at runtime.
func (t *Tracker) Strategies() *fusion.StrategyHolder {
	return t.strategies
}

// Tasks exposes the tracker's TaskManager for stats and inspection.
func (t *Tracker) Tasks() *fusion.TaskManager {
	return t.tasks
}

func (t *Tracker) Name() string        { return "TargetTrackingAlgorithm" }
func (t *Tracker) Version() string     { return "1.0.0" }
func (t *Tracker) Description() string { return "Multi-sensor target tracking algorithm with state machine" }

// Initialize builds the state machine, seeds the typed store, and
// registers the default device's capabilities.
func (t *Tracker) Initialize(ctx *fusion.AlgorithmContext) {
	t.setupStateMachine()

	ctx.Set("targets", map[string]*fusion.Target{})
	ctx.Set("detection_count", 0)
	ctx.Set("parameters", t.params)
	ctx.Set("default_device_id", defaultDeviceID)

	t.tasks.RegisterCapabilities(defaultDeviceID, []string{"radar", "lidar", "camera", "gimbal_control"})

	t.sm.Start(ctx, "")
	ctx.CurrentStateName = t.sm.Current()

	monitoring.Logf("targettracking: initialized in state %s", ctx.CurrentStateName)
}

func (t *Tracker) setupStateMachine() {
	t.sm.AddState(&fusion.State{
		Name: "IDLE",
		OnEnter: func(ctx *fusion.AlgorithmContext, _ string) {
			monitoring.Logf("targettracking: entered IDLE")
		},
		OnUpdate: t.scanForTargets,
	})
	t.sm.AddState(&fusion.State{
		Name: "ACQUIRING",
		OnEnter: func(ctx *fusion.AlgorithmContext, _ string) {
			monitoring.Logf("targettracking: entered ACQUIRING")
			ctx.Set("acquisition_start", t.clock.Now())
		},
		OnUpdate: t.evaluateTargetCandidates,
	})
	t.sm.AddState(&fusion.State{
		Name: "TRACKING",
		OnEnter: func(ctx *fusion.AlgorithmContext, _ string) {
			monitoring.Logf("targettracking: entered TRACKING")
			t.sendGimbalCommands(ctx, "")
		},
		OnUpdate: t.updateTracking,
	})
	t.sm.AddState(&fusion.State{
		Name: "LOST",
		OnEnter: func(ctx *fusion.AlgorithmContext, _ string) {
			monitoring.Logf("targettracking: entered LOST")
			ctx.Set("lost_start", t.clock.Now())
		},
		OnUpdate: t.searchForLostTargets,
	})
	t.sm.SetInitialState("IDLE")

	t.sm.AddTransition(fusion.Transition{From: "IDLE", To: "ACQUIRING", Trigger: "detection"})
	t.sm.AddTransition(fusion.Transition{From: "ACQUIRING", To: "TRACKING", Trigger: "confirmed"})
	t.sm.AddTransition(fusion.Transition{From: "ACQUIRING", To: "IDLE", Trigger: "false_positive"})
	t.sm.AddTransition(fusion.Transition{From: "TRACKING", To: "LOST", Trigger: "lost"})
	t.sm.AddTransition(fusion.Transition{From: "LOST", To: "TRACKING", Trigger: "reacquired"})
	t.sm.AddTransition(fusion.Transition{From: "LOST", To: "IDLE", Trigger: "timeout"})

	t.sm.AddTransition(fusion.Transition{From: "IDLE", To: "IDLE", Trigger: "reset"})
	t.sm.AddTransition(fusion.Transition{From: "ACQUIRING", To: "IDLE", Trigger: "reset"})
	t.sm.AddTransition(fusion.Transition{From: "TRACKING", To: "IDLE", Trigger: "reset"})
	t.sm.AddTransition(fusion.Transition{From: "LOST", To: "IDLE", Trigger: "reset"})
}

// ProcessMessage records the message in history and, for sensor data,
// dispatches to the radar/lidar ingest path. Camera/IMU/GPS payloads are
// recorded but not otherwise processed by this reference tracker.
func (t *Tracker) ProcessMessage(ctx *fusion.AlgorithmContext, msg fusion.InboundMessage) {
	ctx.Remember(msg.Sender.NodeID, msg)

	switch msg.Kind {
	case fusion.InboundSensorData:
		switch msg.Sensor.Kind {
		case fusion.SensorRadar:
			t.processRadarDetections(ctx, msg.Sender.NodeID, msg.Sensor.Radar)
		case fusion.SensorLidar:
			t.processLidarData(ctx, msg.Sender.NodeID, msg.Sensor.Lidar)
		default:
			monitoring.Logf("targettracking: no ingest path for sensor kind %s from %s", msg.Sensor.Kind, msg.Sender.NodeID)
		}
	case fusion.InboundCapabilityAdvertised:
		monitoring.Logf("targettracking: node %s advertised %d capabilities", msg.Sender.NodeID, len(msg.Capabilities))
	}
}

// Update runs one periodic tick: the current state's OnUpdate, task
// housekeeping, stale-target eviction, the detection_count recompute that
// the next tick's IDLE scan reads, and periodic status emission — in that
// declared order.
func (t *Tracker) Update(ctx *fusion.AlgorithmContext) {
	t.sm.Update(ctx, "")
	ctx.CurrentStateName = t.sm.Current()

	t.tasks.UpdateAll(ctx)
	t.evictStaleTargets(ctx)
	t.recomputeDetectionCount(ctx)
	t.sendStatusUpdates(ctx)
}

// HandleTrigger dispatches a named external event. "reset" clears
// tracker state and fires the SM's reset transition; "node_timeout"
// decays confidence for every target with a detection from the timed-out
// node and drops that node from its SensorDetections;
// "target_detected"/"target_lost" are aliases for the SM's
// "detection"/"lost" triggers; anything else is forwarded to the state
// machine directly so task-level and ad hoc triggers still work.
func (t *Tracker) HandleTrigger(ctx *fusion.AlgorithmContext, name string, data any) {
	switch name {
	case "reset":
		monitoring.Logf("targettracking: resetting")
		ctx.Set("targets", map[string]*fusion.Target{})
		ctx.Set("detection_count", 0)
		t.tryTransition(ctx, "reset")
	case "node_timeout":
		nodeID, ok := data.(string)
		if !ok {
			monitoring.Logf("targettracking: invalid trigger data for node_timeout")
			return
		}
		monitoring.Logf("targettracking: node timeout %s", nodeID)
		t.handleNodeTimeout(ctx, nodeID)
	case "target_detected":
		t.tryTransition(ctx, "detection")
	case "target_lost":
		t.tryTransition(ctx, "lost")
	default:
		t.tryTransition(ctx, name)
	}
}

func (t *Tracker) tryTransition(ctx *fusion.AlgorithmContext, trigger string) {
	if t.sm.TryTrigger(ctx, "", trigger) {
		ctx.CurrentStateName = t.sm.Current()
	}
}

// Shutdown emits a SHUTDOWN system command.
func (t *Tracker) Shutdown(ctx *fusion.AlgorithmContext) {
	now := t.clock.Now()
	ctx.Emit(fusion.OutboundMessage{
		MessageID: fmt.Sprintf("shutdown_%d", now.UnixMilli()),
		Timestamp: now,
		Kind:      fusion.OutboundSystemCommand,
		System:    fusion.SystemCommand{CommandType: fusion.SystemShutdown},
	})
	monitoring.Logf("targettracking: shutdown")
}

// --- sensor ingest ---

func (t *Tracker) processRadarDetections(ctx *fusion.AlgorithmContext, nodeID string, detections []fusion.RadarDetection) {
	targets, ok := fusion.Get[map[string]*fusion.Target](ctx, "targets")
	if !ok {
		return
	}

	for _, d := range detections {
		if d.RCS <= 0.1 {
			continue
		}
		x, y, z := sphericalToCartesian(d.Range, d.Azimuth, d.Elevation)
		target := t.findOrCreateTarget(ctx, targets, x, y, z)
		t.updateTargetPosition(target, x, y, z, 0.8, nodeID)
	}

	ctx.Set("targets", targets)
	if len(targets) > 0 {
		t.tryTransition(ctx, "detection")
	}
}

func (t *Tracker) processLidarData(ctx *fusion.AlgorithmContext, nodeID string, points []fusion.LidarPoint) {
	targets, ok := fusion.Get[map[string]*fusion.Target](ctx, "targets")
	if !ok {
		return
	}

	clusters := clusterLidarPoints(points, t.params.LidarClusterRadiusM)
	for _, cluster := range clusters {
		if len(cluster) < t.params.LidarMinClusterSize {
			continue
		}
		x, y, z := centroid(cluster)
		target := t.findOrCreateTarget(ctx, targets, x, y, z)
		t.updateTargetPosition(target, x, y, z, 0.6, nodeID)
	}

	ctx.Set("targets", targets)
}

// findOrCreateTarget returns the target within DetectionRadiusM of
// (x,y,z), creating and tasking a new one if none is close enough.
func (t *Tracker) findOrCreateTarget(ctx *fusion.AlgorithmContext, targets map[string]*fusion.Target, x, y, z float64) *fusion.Target {
	if id := t.findClosestTarget(targets, x, y, z); id != "" {
		return targets[id]
	}

	t.nextTargetSeq++
	id := fmt.Sprintf("target_%d", t.nextTargetSeq)
	target := fusion.NewTarget(id)
	targets[id] = target

	taskID := t.tasks.Create(id, fusion.TaskTrackTarget, fusion.PriorityHigh)
	deviceID := defaultDeviceID
	if res, err := t.strategies.WithDeviceAssignment(func(a fusion.DeviceAssignment) any {
		return a.SelectForTask(target, fusion.TaskTrackTarget, t.tasks, ctx)
	}); err == nil {
		if selected, ok := res.(string); ok && selected != "" {
			deviceID = selected
		}
	}
	t.tasks.Assign(taskID, deviceID)
	monitoring.Logf("targettracking: created tracking task %s for new target %s on device %s", taskID, id, deviceID)

	return target
}

func (t *Tracker) findClosestTarget(targets map[string]*fusion.Target, x, y, z float64) string {
	closestID := ""
	minDistance := t.params.DetectionRadiusM
	for id, target := range targets {
		dx := target.X - x
		dy := target.Y - y
		dz := target.Z - z
		distance := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if distance < minDistance {
			minDistance = distance
			closestID = id
		}
	}
	return closestID
}

// updateTargetPosition applies the position EMA, then derives velocity
// from the already-smoothed position and blends it with the retained
// velocity estimate, then bumps confidence and records the detection.
func (t *Tracker) updateTargetPosition(target *fusion.Target, x, y, z, confidenceBoost float64, sensorID string) {
	now := t.clock.Now()

	alpha := t.params.PositionNoise
	target.X = target.X*(1-alpha) + x*alpha
	target.Y = target.Y*(1-alpha) + y*alpha
	target.Z = target.Z*(1-alpha) + z*alpha

	if !target.LastUpdate.IsZero() {
		dt := now.Sub(target.LastUpdate).Seconds()
		if dt > 0 {
			newVX := (x - target.X) / dt
			newVY := (y - target.Y) / dt
			newVZ := (z - target.Z) / dt

			va := t.params.VelocityAlpha
			target.VX = target.VX*va + newVX*(1-va)
			target.VY = target.VY*va + newVY*(1-va)
			target.VZ = target.VZ*va + newVZ*(1-va)
		}
	}

	target.Confidence += confidenceBoost
	target.ClampConfidence()
	target.LastUpdate = now
	target.SensorDetections[sensorID]++
}

// --- state callbacks ---

// scanForTargets fires "target_detected" when the detection_count
// recomputed at the end of the previous tick found at least one target
// above the detection floor. detection_count is deliberately one tick
// stale here (it is recomputed at the end of Update, after this callback
// runs) — that ordering is inherited as-is. It cannot fire on an empty
// target map: the count is taken after stale-target eviction, nothing
// else removes targets between ticks, and "reset" zeroes it together with
// the map.
func (t *Tracker) scanForTargets(ctx *fusion.AlgorithmContext, _ string) {
	count, _ := fusion.Get[int](ctx, "detection_count")
	if count > 0 {
		t.HandleTrigger(ctx, "target_detected", nil)
	}
}

func (t *Tracker) evaluateTargetCandidates(ctx *fusion.AlgorithmContext, _ string) {
	targets, ok := fusion.Get[map[string]*fusion.Target](ctx, "targets")
	if !ok {
		return
	}

	confirmed := false
	for _, target := range targets {
		if target.Confidence > t.params.AcquisitionThreshold && len(target.SensorDetections) >= t.params.MinSensorConsensus {
			target.Confidence += 0.1
			target.ClampConfidence()
			if target.Confidence > t.params.MinConfidenceThreshold {
				confirmed = true
			}
		}
	}
	ctx.Set("targets", targets)

	if confirmed {
		t.HandleTrigger(ctx, "confirmed", nil)
	}
}

func (t *Tracker) updateTracking(ctx *fusion.AlgorithmContext, _ string) {
	targets, ok := fusion.Get[map[string]*fusion.Target](ctx, "targets")
	if !ok {
		return
	}

	now := t.clock.Now()
	hasValidTarget := false
	for _, target := range targets {
		if now.Sub(target.LastUpdate) > t.params.TargetTimeout {
			target.Confidence *= 0.9
			target.ClampConfidence()
		}
		if target.Confidence > t.params.LostThreshold {
			hasValidTarget = true
			t.sendGimbalCommandForTarget(ctx, target)
		}
	}
	ctx.Set("targets", targets)

	if !hasValidTarget {
		t.HandleTrigger(ctx, "target_lost", nil)
	}
}

func (t *Tracker) searchForLostTargets(ctx *fusion.AlgorithmContext, _ string) {
	lostStart, ok := fusion.Get[time.Time](ctx, "lost_start")
	if !ok {
		return
	}
	if t.clock.Now().Sub(lostStart) > t.params.LostSearchTimeout {
		t.tryTransition(ctx, "timeout")
	}
}

func (t *Tracker) evictStaleTargets(ctx *fusion.AlgorithmContext) {
	targets, ok := fusion.Get[map[string]*fusion.Target](ctx, "targets")
	if !ok {
		return
	}
	now := t.clock.Now()
	for id, target := range targets {
		if now.Sub(target.LastUpdate) > t.params.TargetTimeout*2 {
			monitoring.Logf("targettracking: evicting stale target %s", id)
			delete(targets, id)
		}
	}
	ctx.Set("targets", targets)
}

func (t *Tracker) recomputeDetectionCount(ctx *fusion.AlgorithmContext) {
	targets, ok := fusion.Get[map[string]*fusion.Target](ctx, "targets")
	if !ok {
		return
	}
	count := 0
	for _, target := range targets {
		if target.Confidence > 0.3 {
			count++
		}
	}
	ctx.Set("detection_count", count)
}

func (t *Tracker) sendStatusUpdates(ctx *fusion.AlgorithmContext) {
	now := t.clock.Now()
	if !t.lastStatusTime.IsZero() && now.Sub(t.lastStatusTime) <= t.params.StatusInterval {
		return
	}
	targets, ok := fusion.Get[map[string]*fusion.Target](ctx, "targets")
	if !ok {
		return
	}
	t.sendFusionResult(ctx, targets)
	t.lastStatusTime = now
}

func (t *Tracker) handleNodeTimeout(ctx *fusion.AlgorithmContext, nodeID string) {
	targets, ok := fusion.Get[map[string]*fusion.Target](ctx, "targets")
	if !ok {
		return
	}
	for _, target := range targets {
		if _, seen := target.SensorDetections[nodeID]; seen {
			target.Confidence *= 0.9
			target.ClampConfidence()
			delete(target.SensorDetections, nodeID)
		}
	}
	ctx.Set("targets", targets)
}

// --- outbound emission ---

// sendGimbalCommands points the coherent device at the prioritizer's
// best target, if any. The original always picks the highest-confidence
// target directly; routing the choice through StrategyHolder lets an
// operator swap in ThreatBasedPrioritizer without touching this method.
func (t *Tracker) sendGimbalCommands(ctx *fusion.AlgorithmContext, _ string) {
	targets, ok := fusion.Get[map[string]*fusion.Target](ctx, "targets")
	if !ok || len(targets) == 0 {
		return
	}
	list := make([]*fusion.Target, 0, len(targets))
	for _, target := range targets {
		list = append(list, target)
	}

	var best *fusion.Target
	if res, err := t.strategies.WithPrioritizer(func(p fusion.Prioritizer) any {
		return p.Best(list, ctx)
	}); err == nil {
		best, _ = res.(*fusion.Target)
	}
	if best == nil {
		return
	}
	t.sendGimbalCommandForTarget(ctx, best)
}

func (t *Tracker) sendGimbalCommandForTarget(ctx *fusion.AlgorithmContext, target *fusion.Target) {
	now := t.clock.Now()
	theta, phi := gimbalAngles(target.X, target.Y, target.Z)

	ctx.Emit(fusion.OutboundMessage{
		MessageID:    fmt.Sprintf("gimbal_%d", now.UnixMilli()),
		Timestamp:    now,
		TargetNodeID: t.params.CoherentDeviceID,
		Kind:         fusion.OutboundControlCommand,
		Command: fusion.ControlCommand{
			CommandType:    fusion.CommandPointGimbal,
			TargetID:       target.TargetID,
			TargetPosition: fusion.GimbalAngles{Theta: theta, Phi: phi},
		},
	})

	monitoring.Logf("targettracking: tasking coherent device %s for target %s (theta=%.4f phi=%.4f)",
		t.params.CoherentDeviceID, target.TargetID, theta, phi)
}

func (t *Tracker) sendFusionResult(ctx *fusion.AlgorithmContext, targets map[string]*fusion.Target) {
	now := t.clock.Now()
	ctx.Emit(fusion.OutboundMessage{
		MessageID: fmt.Sprintf("fusion_result_%d", now.UnixMilli()),
		Timestamp: now,
		Kind:      fusion.OutboundFusionResult,
		Result: fusion.FusionResult{
			AlgorithmName: t.Name(),
			ResultType:    "target_tracks",
			Confidence:    overallConfidence(targets),
			ResultData:    fmt.Sprintf("Targets: %d, State: %s", len(targets), ctx.CurrentStateName),
		},
	})
}

func overallConfidence(targets map[string]*fusion.Target) float64 {
	if len(targets) == 0 {
		return 0
	}
	confidences := make([]float64, 0, len(targets))
	for _, target := range targets {
		confidences = append(confidences, target.Confidence)
	}
	return stat.Mean(confidences, nil)
}

// --- geometry helpers ---

// sphericalToCartesian converts a radar detection's (range, azimuth,
// elevation) into sensor-frame Cartesian coordinates.
func sphericalToCartesian(rangeM, azimuth, elevation float64) (x, y, z float64) {
	cosEl := math.Cos(elevation)
	x = rangeM * math.Cos(azimuth) * cosEl
	y = rangeM * math.Sin(azimuth) * cosEl
	z = rangeM * math.Sin(elevation)
	return x, y, z
}

// gimbalAngles computes the azimuth/elevation pointing angles toward
// (x,y,z), returning (0,0) for the zero vector rather than producing NaN.
func gimbalAngles(x, y, z float64) (theta, phi float64) {
	rangeM := math.Sqrt(x*x + y*y + z*z)
	if rangeM == 0 {
		return 0, 0
	}
	theta = math.Atan2(y, x)
	phi = math.Asin(z / rangeM)
	return theta, phi
}

// centroid returns the mean position of a lidar point cluster.
func centroid(points []fusion.LidarPoint) (x, y, z float64) {
	for _, p := range points {
		x += p.X
		y += p.Y
		z += p.Z
	}
	n := float64(len(points))
	return x / n, y / n, z / n
}

// clusterLidarPoints groups points within radius of each other using
// single-link (breadth-first) clustering, mirroring the original's
// queue-based flood fill.
func clusterLidarPoints(points []fusion.LidarPoint, radius float64) [][]fusion.LidarPoint {
	visited := make([]bool, len(points))
	var clusters [][]fusion.LidarPoint

	for i := range points {
		if visited[i] {
			continue
		}
		var cluster []fusion.LidarPoint
		queue := []int{i}
		visited[i] = true

		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			cluster = append(cluster, points[current])

			for j := range points {
				if visited[j] {
					continue
				}
				if distance(points[current], points[j]) < radius {
					visited[j] = true
					queue = append(queue, j)
				}
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

func distance(a, b fusion.LidarPoint) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
