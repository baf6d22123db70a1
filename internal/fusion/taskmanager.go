package fusion

import (
	"fmt"
	"sync"
	"time"

	"github.com/dp-aero/l2fusion/internal/monitoring"
	"github.com/dp-aero/l2fusion/internal/timeutil"
)

const (
	taskCleanupInterval = 5 * time.Minute
	taskCleanupAge      = time.Hour
)

// TaskStats summarizes TaskManager.Stats.
type TaskStats struct {
	Total           int
	Active          int
	Completed       int
	Failed          int
	Devices         int
	TargetsAssigned int
}

// TaskManager owns every Task and the secondary indices mapping targets
// and devices to the tasks that reference them. Every public method is
// safe for concurrent use; UpdateAll documents how it relates to
// context_lock.
type TaskManager struct {
	mu    sync.RWMutex
	clock timeutil.Clock

	tasks               map[string]*Task
	targetToTasks       map[string]map[string]struct{}
	deviceToTasks       map[string]map[string]struct{}
	targetPrimaryDevice map[string]string
	deviceCapabilities  map[string]map[string]struct{}

	nextTaskID  uint64
	lastCleanup time.Time
}

// NewTaskManager returns an empty manager using the real wall clock.
func NewTaskManager() *TaskManager {
	return NewTaskManagerWithClock(timeutil.RealClock{})
}

// NewTaskManagerWithClock returns an empty manager using clock.
func NewTaskManagerWithClock(clock timeutil.Clock) *TaskManager {
	return &TaskManager{
		clock:               clock,
		tasks:               make(map[string]*Task),
		targetToTasks:       make(map[string]map[string]struct{}),
		deviceToTasks:       make(map[string]map[string]struct{}),
		targetPrimaryDevice: make(map[string]string),
		deviceCapabilities:  make(map[string]map[string]struct{}),
		lastCleanup:         clock.Now(),
	}
}

// Create allocates a monotonically increasing task id, stores a new task
// in CREATED status, and indexes it under targetID.
func (m *TaskManager) Create(targetID string, taskType TaskType, priority TaskPriority) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTaskID++
	taskID := fmt.Sprintf("task_%d", m.nextTaskID)
	now := m.clock.Now()
	m.tasks[taskID] = NewTask(taskID, targetID, taskType, priority, now)
	m.indexAdd(m.targetToTasks, targetID, taskID)
	return taskID
}

// Assign atomically removes task from any previous device's index,
// inserts it into device's index, updates the target's primary device,
// and transitions CREATED->ASSIGNED if the task was still CREATED. It
// returns false if taskID is unknown.
func (m *TaskManager) Assign(taskID, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return false
	}
	if task.DeviceID != "" {
		m.indexRemove(m.deviceToTasks, task.DeviceID, taskID)
	}
	m.indexAdd(m.deviceToTasks, deviceID, taskID)
	m.targetPrimaryDevice[task.TargetID] = deviceID
	task.SetDeviceID(deviceID, m.clock.Now())
	return true
}

// Get returns the task for taskID and whether it was found.
func (m *TaskManager) Get(taskID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// TasksForTarget returns the ids of every task indexed under targetID.
func (m *TaskManager) TasksForTarget(targetID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return setKeys(m.targetToTasks[targetID])
}

// TasksForDevice returns the ids of every task indexed under deviceID.
func (m *TaskManager) TasksForDevice(deviceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return setKeys(m.deviceToTasks[deviceID])
}

// PrimaryDevice returns the device currently assigned as targetID's
// primary device, and whether one is set.
func (m *TaskManager) PrimaryDevice(targetID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.targetPrimaryDevice[targetID]
	return d, ok
}

// RegisterCapabilities overwrites deviceID's advertised capability set.
func (m *TaskManager) RegisterCapabilities(deviceID string, capabilities []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		set[c] = struct{}{}
	}
	m.deviceCapabilities[deviceID] = set
}

// GetCapabilities returns deviceID's advertised capabilities, or nil if
// the device is unknown.
func (m *TaskManager) GetCapabilities(deviceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return setKeys(m.deviceCapabilities[deviceID])
}

// Remove deletes taskID from every index it appears in and from the task
// table. It returns false if taskID is unknown.
func (m *TaskManager) Remove(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(taskID)
}

func (m *TaskManager) removeLocked(taskID string) bool {
	task, ok := m.tasks[taskID]
	if !ok {
		return false
	}
	m.indexRemove(m.targetToTasks, task.TargetID, taskID)
	if len(m.targetToTasks[task.TargetID]) == 0 {
		delete(m.targetToTasks, task.TargetID)
		delete(m.targetPrimaryDevice, task.TargetID)
	}
	if task.DeviceID != "" {
		m.indexRemove(m.deviceToTasks, task.DeviceID, taskID)
	}
	delete(m.tasks, taskID)
	return true
}

// UpdateAll ticks every task's state machine OnUpdate and, at most every
// 5 minutes, sweeps terminal tasks older than 1 hour. ctx is held by the
// caller under context_lock per the manager's concurrency model; this
// method does not itself touch that lock.
func (m *TaskManager) UpdateAll(ctx *AlgorithmContext) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for taskID, task := range m.tasks {
		if task.Status.IsTerminal() {
			continue
		}
		task.SM.Update(ctx, taskID)
	}

	now := m.clock.Now()
	if now.Sub(m.lastCleanup) >= taskCleanupInterval {
		m.lastCleanup = now
		m.cleanupCompletedTasksLocked(now)
	}
}

// cleanupCompletedTasksLocked removes terminal tasks whose CompletedTime
// is older than an hour. Callers must hold mu.
func (m *TaskManager) cleanupCompletedTasksLocked(now time.Time) {
	var stale []string
	for taskID, task := range m.tasks {
		if task.Status.IsTerminal() && now.Sub(task.CompletedTime) > taskCleanupAge {
			stale = append(stale, taskID)
		}
	}
	for _, taskID := range stale {
		m.removeLocked(taskID)
	}
	if len(stale) > 0 {
		monitoring.Logf("fusion: task manager swept %d stale terminal task(s)", len(stale))
	}
}

// Stats returns a snapshot of aggregate task-manager counters.
func (m *TaskManager) Stats() TaskStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := TaskStats{
		Total:           len(m.tasks),
		Devices:         len(m.deviceCapabilities),
		TargetsAssigned: len(m.targetPrimaryDevice),
	}
	for _, task := range m.tasks {
		switch task.Status {
		case TaskActive, TaskAssigned, TaskPaused, TaskCreated:
			stats.Active++
		case TaskCompleted:
			stats.Completed++
		case TaskFailed:
			stats.Failed++
		}
	}
	return stats
}

func (m *TaskManager) indexAdd(index map[string]map[string]struct{}, key, taskID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[taskID] = struct{}{}
}

func (m *TaskManager) indexRemove(index map[string]map[string]struct{}, key, taskID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, taskID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func setKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
