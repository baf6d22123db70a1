package fusion

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dp-aero/l2fusion/internal/bus"
	"github.com/dp-aero/l2fusion/internal/monitoring"
	"github.com/dp-aero/l2fusion/internal/timeutil"
)

// Bus is the narrow contract FusionManager depends on (spec component
// C1). It is defined here, at the consumer, rather than alongside
// *bus.Client, so a future networked implementation only needs to
// satisfy this interface.
type Bus interface {
	Publish(topic string, record bus.Record)
	Subscribe(topic string, handler bus.Handler, running func() bool)
	StreamAppend(stream string, record bus.Record) string
	QueuePush(queue string, record bus.Record)
	LastError() error
}

// ManagerConfig configures a FusionManager. NewFusionManager uses every
// field as given and fills in no defaults; start from DefaultManagerConfig
// and override the fields that differ.
type ManagerConfig struct {
	L1ToL2Topic      string
	L2ToL1Topic      string
	HeartbeatTopic   string
	GimbalStreamName string
	GimbalQueueName  string

	NodeTimeout       time.Duration
	HeartbeatInterval time.Duration
	TickInterval      time.Duration

	Workers          int
	MessageQueueSize int
}

// DefaultManagerConfig returns the configuration matching spec's CLI and
// topic defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		L1ToL2Topic:       "l1_to_l2",
		L2ToL1Topic:       "l2_to_l1",
		HeartbeatTopic:    "l2_heartbeat",
		GimbalStreamName:  "gimbal_stream",
		GimbalQueueName:   "gimbal_queue",
		NodeTimeout:       30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		TickInterval:      100 * time.Millisecond,
		Workers:           2,
		MessageQueueSize:  1000,
	}
}

// ManagerStats is the snapshot returned by FusionManager.Stats.
type ManagerStats struct {
	MessagesProcessed uint64
	MessagesSent      uint64
	MessagesDropped   uint64
	ActiveNodes       int
	Uptime            time.Duration
	AlgorithmState    string
	LastBusError      error
}

// FusionManager owns the bus client, the installed algorithm, its
// context, the node registry, and every background thread of the
// controller's concurrency substrate (spec component C8). Message ids
// are generated from a per-instance atomic counter so multiple managers
// can coexist in one process without contending.
type FusionManager struct {
	cfg       ManagerConfig
	clock     timeutil.Clock
	busClient Bus

	algorithmMu sync.RWMutex
	algorithm   FusionAlgorithm

	contextMu sync.Mutex
	ctx       *AlgorithmContext

	nodeRegistry *NodeRegistry
	queue        *ingressQueue

	running    atomic.Bool
	stopCh     chan struct{}
	subRunning atomic.Bool
	wg         sync.WaitGroup

	messageCounter    atomic.Uint64
	messagesProcessed atomic.Uint64
	messagesSent      atomic.Uint64

	startTime time.Time
}

// NewFusionManager returns a manager wired to busClient with cfg, using
// the real wall clock.
func NewFusionManager(busClient Bus, cfg ManagerConfig) *FusionManager {
	return NewFusionManagerWithClock(busClient, cfg, timeutil.RealClock{})
}

// NewFusionManagerWithClock returns a manager using clock, so tests can
// drive tick/heartbeat/monitor timing deterministically.
func NewFusionManagerWithClock(busClient Bus, cfg ManagerConfig, clock timeutil.Clock) *FusionManager {
	return &FusionManager{
		cfg:          cfg,
		clock:        clock,
		busClient:    busClient,
		ctx:          NewAlgorithmContext(),
		nodeRegistry: NewNodeRegistryWithClock(clock),
		queue:        newIngressQueue(cfg.MessageQueueSize),
	}
}

// SetAlgorithm installs algorithm as the active algorithm. It returns
// ErrAlgorithmRunning if called while the manager is started.
func (m *FusionManager) SetAlgorithm(algorithm FusionAlgorithm) error {
	m.algorithmMu.Lock()
	defer m.algorithmMu.Unlock()
	if m.running.Load() {
		return ErrAlgorithmRunning
	}
	m.algorithm = algorithm
	return nil
}

// Start launches every background thread and runs algorithm.Initialize.
// It returns ErrNoAlgorithm if no algorithm was set, or ErrAlreadyRunning
// if already started.
func (m *FusionManager) Start() error {
	if m.running.Load() {
		return ErrAlreadyRunning
	}

	m.algorithmMu.RLock()
	algorithm := m.algorithm
	m.algorithmMu.RUnlock()
	if algorithm == nil {
		return ErrNoAlgorithm
	}

	m.running.Store(true)
	m.subRunning.Store(true)
	m.stopCh = make(chan struct{})
	m.startTime = m.clock.Now()

	m.contextMu.Lock()
	algorithm.Initialize(m.ctx)
	m.contextMu.Unlock()

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.workerLoop()
	}

	m.wg.Add(1)
	go m.tickLoop()

	m.wg.Add(1)
	go m.heartbeatLoop()

	m.wg.Add(1)
	go m.nodeMonitorLoop()

	m.wg.Add(1)
	go m.subscriptionLoop()

	monitoring.Logf("fusion: manager started with algorithm %q", algorithm.Name())
	return nil
}

// Stop signals every thread to exit and joins them. It is idempotent:
// calling Stop on an already-stopped manager is a no-op.
func (m *FusionManager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.subRunning.Store(false)
	close(m.stopCh)
	m.queue.wake()
	m.wg.Wait()

	m.algorithmMu.RLock()
	algorithm := m.algorithm
	m.algorithmMu.RUnlock()
	if algorithm != nil {
		m.contextMu.Lock()
		algorithm.Shutdown(m.ctx)
		outputs := m.drainPendingOutputs()
		m.contextMu.Unlock()
		m.publishOutputs(outputs)
	}

	monitoring.Logf("fusion: manager stopped")
}

// SendToL1 publishes an outbound message, stamping a message id if the
// caller left it blank, and increments the messages-sent counter.
func (m *FusionManager) SendToL1(msg OutboundMessage) {
	if msg.MessageID == "" {
		msg.MessageID = m.nextMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.clock.Now()
	}
	m.busClient.Publish(m.cfg.L2ToL1Topic, bus.Record{Payload: msg})
	m.messagesSent.Add(1)

	if msg.Kind == OutboundControlCommand && msg.Command.CommandType == CommandPointGimbal {
		m.busClient.StreamAppend(m.cfg.GimbalStreamName, bus.Record{Payload: msg})
		m.busClient.QueuePush(m.cfg.GimbalQueueName, bus.Record{Payload: msg})
	}
}

// TriggerEvent dispatches a named external event into the installed
// algorithm under the standard algorithm_lock(shared)+context_lock(excl)
// discipline.
func (m *FusionManager) TriggerEvent(name string, data any) {
	m.algorithmMu.RLock()
	algorithm := m.algorithm
	m.algorithmMu.RUnlock()
	if algorithm == nil {
		return
	}
	m.contextMu.Lock()
	func() {
		defer m.recoverAlgorithmPanic("handle_trigger")
		algorithm.HandleTrigger(m.ctx, name, data)
	}()
	outputs := m.drainPendingOutputs()
	m.contextMu.Unlock()
	m.publishOutputs(outputs)
}

// NodeRegistry returns the manager's node registry for read-only
// inspection (e.g. by the CLI's "nodes" command).
func (m *FusionManager) NodeRegistry() *NodeRegistry {
	return m.nodeRegistry
}

// Stats returns a snapshot of aggregate manager counters.
func (m *FusionManager) Stats() ManagerStats {
	m.contextMu.Lock()
	state := m.ctx.CurrentStateName
	m.contextMu.Unlock()

	return ManagerStats{
		MessagesProcessed: m.messagesProcessed.Load(),
		MessagesSent:      m.messagesSent.Load(),
		MessagesDropped:   m.queue.droppedCount(),
		ActiveNodes:       len(m.nodeRegistry.GetActive(m.cfg.NodeTimeout)),
		Uptime:            m.clock.Now().Sub(m.startTime),
		AlgorithmState:    state,
		LastBusError:      m.busClient.LastError(),
	}
}

func (m *FusionManager) nextMessageID() string {
	return fmt.Sprintf("L2_%d", m.messageCounter.Add(1)-1)
}

// handleInbound implements spec's handle_inbound dispatch: register the
// sender, then route by payload kind — status and heartbeat updates go
// straight to the node registry, everything else is enqueued for worker
// processing.
func (m *FusionManager) handleInbound(msg InboundMessage) {
	if msg.Sender.NodeID != "" {
		m.nodeRegistry.Register(msg.Sender)
	}

	switch msg.Kind {
	case InboundNodeStatus:
		m.nodeRegistry.UpdateStatus(msg.Sender.NodeID, msg.Status)
	case InboundHeartbeat:
		m.nodeRegistry.Touch(msg.Sender.NodeID)
	default:
		if m.queue.push(msg) {
			monitoring.Logf("fusion: ingress queue full, dropped oldest message")
		}
	}
}

func (m *FusionManager) workerLoop() {
	defer m.wg.Done()
	for {
		msg, ok := m.queue.pop(m.running.Load)
		if !ok {
			return
		}
		m.processMessage(msg)
	}
}

func (m *FusionManager) processMessage(msg InboundMessage) {
	m.algorithmMu.RLock()
	algorithm := m.algorithm
	m.algorithmMu.RUnlock()
	if algorithm == nil {
		return
	}

	m.contextMu.Lock()
	func() {
		defer m.recoverAlgorithmPanic("process_message")
		algorithm.ProcessMessage(m.ctx, msg)
	}()
	m.messagesProcessed.Add(1)
	outputs := m.drainPendingOutputs()
	m.contextMu.Unlock()
	m.publishOutputs(outputs)
}

func (m *FusionManager) tickLoop() {
	defer m.wg.Done()
	timer := m.clock.NewTimer(m.cfg.TickInterval)
	defer timer.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-timer.C():
			m.tick()
			timer.Reset(m.cfg.TickInterval)
		}
	}
}

func (m *FusionManager) tick() {
	m.algorithmMu.RLock()
	algorithm := m.algorithm
	m.algorithmMu.RUnlock()
	if algorithm == nil {
		return
	}

	m.contextMu.Lock()
	func() {
		defer m.recoverAlgorithmPanic("update")
		algorithm.Update(m.ctx)
	}()
	m.ctx.LastTick = m.clock.Now()
	outputs := m.drainPendingOutputs()
	m.contextMu.Unlock()
	m.publishOutputs(outputs)
}

// drainPendingOutputs drains ctx.pendingOutputs under contextMu, which the
// caller already holds, into a local buffer. The caller must unlock
// contextMu before handing the buffer to publishOutputs.
func (m *FusionManager) drainPendingOutputs() []OutboundMessage {
	return m.ctx.DrainOutputs()
}

// publishOutputs publishes drained outputs to the bus. Callers must not
// hold contextMu: spec's shared-resource policy releases context_lock
// before the bus publish so a blocking publish never serializes worker,
// tick, or trigger processing behind it.
func (m *FusionManager) publishOutputs(outputs []OutboundMessage) {
	for _, out := range outputs {
		m.SendToL1(out)
	}
}

func (m *FusionManager) heartbeatLoop() {
	defer m.wg.Done()
	timer := m.clock.NewTimer(m.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-timer.C():
			m.sendHeartbeat()
			timer.Reset(m.cfg.HeartbeatInterval)
		}
	}
}

// sendHeartbeat publishes the controller's keepalive directly to
// cfg.HeartbeatTopic, not cfg.L2ToL1Topic — it is liveness signaling for
// the node registry on the other end, not a command or fusion result.
func (m *FusionManager) sendHeartbeat() {
	msg := OutboundMessage{
		MessageID: m.nextMessageID(),
		Timestamp: m.clock.Now(),
		Kind:      OutboundSystemCommand,
		System:    SystemCommand{CommandType: SystemSyncTime},
	}
	m.busClient.Publish(m.cfg.HeartbeatTopic, bus.Record{Payload: msg})
	m.messagesSent.Add(1)
}

func (m *FusionManager) nodeMonitorLoop() {
	defer m.wg.Done()
	interval := m.cfg.NodeTimeout / 4
	timer := m.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-timer.C():
			m.sweepExpiredNodes()
			timer.Reset(interval)
		}
	}
}

func (m *FusionManager) sweepExpiredNodes() {
	expired := m.nodeRegistry.CheckAndRemoveExpired(m.cfg.NodeTimeout)
	for _, nodeID := range expired {
		monitoring.Logf("fusion: node %q timed out", nodeID)
		m.TriggerEvent("node_timeout", nodeID)
	}
}

func (m *FusionManager) subscriptionLoop() {
	defer m.wg.Done()
	m.busClient.Subscribe(m.cfg.L1ToL2Topic, func(record bus.Record) {
		msg, ok := record.Payload.(InboundMessage)
		if !ok {
			monitoring.Logf("fusion: dropped inbound record of unexpected type %T", record.Payload)
			return
		}
		m.handleInbound(msg)
	}, m.subRunning.Load)
}

func (m *FusionManager) recoverAlgorithmPanic(stage string) {
	if r := recover(); r != nil {
		monitoring.Logf("fusion: algorithm panic during %s: %v", stage, r)
	}
}
