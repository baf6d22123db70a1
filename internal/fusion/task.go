package fusion

import "time"

// TaskType enumerates the kinds of work a Task can represent.
type TaskType string

const (
	TaskTrackTarget     TaskType = "TRACK_TARGET"
	TaskScanArea        TaskType = "SCAN_AREA"
	TaskPointGimbal     TaskType = "POINT_GIMBAL"
	TaskCalibrateSensor TaskType = "CALIBRATE_SENSOR"
	TaskMonitorStatus   TaskType = "MONITOR_STATUS"
)

// TaskPriority enumerates the fixed priority levels a Task may carry.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityNormal   TaskPriority = 5
	PriorityHigh     TaskPriority = 8
	PriorityCritical TaskPriority = 10
)

// TaskStatus enumerates the lifecycle states of a Task.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "CREATED"
	TaskAssigned  TaskStatus = "ASSIGNED"
	TaskActive    TaskStatus = "ACTIVE"
	TaskPaused    TaskStatus = "PAUSED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether status is a sink state a task never leaves.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a unit of work assigned to a device in service of a target.
// The lifecycle is CREATED -> ASSIGNED -> ACTIVE ->
// {COMPLETED|FAILED|CANCELLED}, plus ACTIVE <-> PAUSED. SetDeviceID moves
// a CREATED task to ASSIGNED. SetStatus enforces only that terminal
// statuses never revert; it does not check the other transitions, so a
// non-terminal task can be moved to any status (a CREATED task can go
// straight to a terminal status with DeviceID still empty).
type Task struct {
	TaskID   string
	TargetID string
	DeviceID string
	Type     TaskType
	Priority TaskPriority
	Status   TaskStatus

	CreatedTime   time.Time
	AssignedTime  time.Time
	StartedTime   time.Time
	CompletedTime time.Time

	Progress      int
	StatusMessage string
	Parameters    map[string]any

	SM *StateMachine
}

// NewTask constructs a task in CREATED status with a fresh per-task state
// machine, already started in its initial state.
func NewTask(taskID, targetID string, taskType TaskType, priority TaskPriority, now time.Time) *Task {
	t := &Task{
		TaskID:      taskID,
		TargetID:    targetID,
		Type:        taskType,
		Priority:    priority,
		Status:      TaskCreated,
		CreatedTime: now,
		Parameters:  make(map[string]any),
		SM:          NewStateMachine(),
	}
	setupTaskStateMachine(t.SM)
	t.SM.Start(nil, taskID)
	return t
}

// setupTaskStateMachine builds the per-task state machine spec mandates:
// INITIALIZING -> EXECUTING -> COMPLETING, with ERROR reachable from
// INITIALIZING and EXECUTING via "error", and ERROR -> INITIALIZING via
// "retry".
func setupTaskStateMachine(sm *StateMachine) {
	sm.AddState(&State{Name: "INITIALIZING"})
	sm.AddState(&State{Name: "EXECUTING"})
	sm.AddState(&State{Name: "COMPLETING"})
	sm.AddState(&State{Name: "ERROR"})
	sm.SetInitialState("INITIALIZING")

	sm.AddTransition(Transition{From: "INITIALIZING", To: "EXECUTING", Trigger: "start"})
	sm.AddTransition(Transition{From: "EXECUTING", To: "COMPLETING", Trigger: "complete"})
	sm.AddTransition(Transition{From: "INITIALIZING", To: "ERROR", Trigger: "error"})
	sm.AddTransition(Transition{From: "EXECUTING", To: "ERROR", Trigger: "error"})
	sm.AddTransition(Transition{From: "ERROR", To: "INITIALIZING", Trigger: "retry"})
}

// SetDeviceID assigns device and, if the task is still CREATED, auto
// transitions it to ASSIGNED and stamps AssignedTime.
func (t *Task) SetDeviceID(deviceID string, now time.Time) {
	t.DeviceID = deviceID
	if t.Status == TaskCreated {
		t.Status = TaskAssigned
		t.AssignedTime = now
	}
}

// SetStatus moves the task to status, stamping StartedTime the first time
// it becomes ACTIVE and CompletedTime when it reaches a terminal status.
// Progress is forced to 100 only when the terminal status is COMPLETED —
// a FAILED or CANCELLED task keeps whatever progress it had reached.
// Calling SetStatus on a task whose current status is already terminal is
// a no-op, since terminal statuses are sinks; no other transition is
// checked.
func (t *Task) SetStatus(status TaskStatus, now time.Time) {
	if t.Status.IsTerminal() {
		return
	}
	if status == TaskActive && t.StartedTime.IsZero() {
		t.StartedTime = now
	}
	if status.IsTerminal() {
		t.CompletedTime = now
		if status == TaskCompleted {
			t.Progress = 100
		}
	}
	t.Status = status
}

// SetProgress clamps progress into [0,100] before storing it.
func (t *Task) SetProgress(progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.Progress = progress
}
