package fusion

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dp-aero/l2fusion/internal/bus"
	"github.com/dp-aero/l2fusion/internal/timeutil"
)

// fakeBus is a minimal, synchronous Bus used only by these tests: Publish
// invokes every subscriber inline instead of going through a channel, so
// tests don't need to race a delivery goroutine. Publish only reaches
// handlers already registered, and the manager registers its handler from
// its own subscription goroutine, so tests that publish inbound records
// first call waitForSubscription.
type fakeBus struct {
	mu               sync.Mutex
	handlers         map[string][]bus.Handler
	published        []bus.Record
	publishedByTopic map[string][]bus.Record
	streamAppends    map[string][]bus.Record
	queuePushes      map[string][]bus.Record
	err              error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:         make(map[string][]bus.Handler),
		publishedByTopic: make(map[string][]bus.Record),
		streamAppends:    make(map[string][]bus.Record),
		queuePushes:      make(map[string][]bus.Record),
	}
}

func (b *fakeBus) Publish(topic string, record bus.Record) {
	b.mu.Lock()
	b.published = append(b.published, record)
	b.publishedByTopic[topic] = append(b.publishedByTopic[topic], record)
	handlers := append([]bus.Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(record)
	}
}

func (b *fakeBus) Subscribe(topic string, handler bus.Handler, running func() bool) {
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.mu.Unlock()
	for running() {
		time.Sleep(time.Millisecond)
	}
}

func (b *fakeBus) StreamAppend(stream string, record bus.Record) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamAppends[stream] = append(b.streamAppends[stream], record)
	return "stream-entry"
}

func (b *fakeBus) QueuePush(queue string, record bus.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queuePushes[queue] = append(b.queuePushes[queue], record)
}

func (b *fakeBus) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *fakeBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *fakeBus) publishedOn(topic string) []bus.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Record(nil), b.publishedByTopic[topic]...)
}

func (b *fakeBus) hasSubscriber(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[topic]) > 0
}

// waitForSubscription blocks until a handler is registered on topic, so a
// following Publish is delivered to the manager.
func waitForSubscription(t *testing.T, fb *fakeBus, topic string) {
	t.Helper()
	require.Eventually(t, func() bool { return fb.hasSubscriber(topic) }, time.Second, time.Millisecond)
}

// countingAlgorithm is a FusionAlgorithm test double that records every
// call it receives and emits one FusionResult per processed message.
type countingAlgorithm struct {
	mu          sync.Mutex
	initialized bool
	processed   []InboundMessage
	updates     int
	triggers    []string
	shutdown    bool
}

func (a *countingAlgorithm) Initialize(ctx *AlgorithmContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = true
}

func (a *countingAlgorithm) ProcessMessage(ctx *AlgorithmContext, msg InboundMessage) {
	a.mu.Lock()
	a.processed = append(a.processed, msg)
	a.mu.Unlock()
	ctx.Emit(OutboundMessage{Kind: OutboundFusionResult, Result: FusionResult{AlgorithmName: "counting"}})
}

func (a *countingAlgorithm) Update(ctx *AlgorithmContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates++
}

func (a *countingAlgorithm) HandleTrigger(ctx *AlgorithmContext, name string, data any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggers = append(a.triggers, name)
}

func (a *countingAlgorithm) Shutdown(ctx *AlgorithmContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
	ctx.Emit(OutboundMessage{Kind: OutboundSystemCommand, System: SystemCommand{CommandType: SystemShutdown}})
}

func (a *countingAlgorithm) Name() string        { return "counting" }
func (a *countingAlgorithm) Version() string     { return "v1" }
func (a *countingAlgorithm) Description() string { return "test double" }

func (a *countingAlgorithm) snapshotProcessed() []InboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]InboundMessage(nil), a.processed...)
}

func (a *countingAlgorithm) snapshotTriggers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.triggers...)
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Workers = 1
	return cfg
}

func TestFusionManager_StartWithoutAlgorithmFails(t *testing.T) {
	m := NewFusionManager(newFakeBus(), testManagerConfig())

	err := m.Start()

	assert.ErrorIs(t, err, ErrNoAlgorithm)
}

func TestFusionManager_StartTwiceFails(t *testing.T) {
	m := NewFusionManager(newFakeBus(), testManagerConfig())
	require.NoError(t, m.SetAlgorithm(&countingAlgorithm{}))
	require.NoError(t, m.Start())
	defer m.Stop()

	err := m.Start()

	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestFusionManager_SetAlgorithmWhileRunningFails(t *testing.T) {
	m := NewFusionManager(newFakeBus(), testManagerConfig())
	require.NoError(t, m.SetAlgorithm(&countingAlgorithm{}))
	require.NoError(t, m.Start())
	defer m.Stop()

	err := m.SetAlgorithm(&countingAlgorithm{})

	assert.ErrorIs(t, err, ErrAlgorithmRunning)
}

func TestFusionManager_StopBeforeStartIsNoop(t *testing.T) {
	m := NewFusionManager(newFakeBus(), testManagerConfig())

	assert.NotPanics(t, m.Stop)
}

func TestFusionManager_StopIsIdempotent(t *testing.T) {
	m := NewFusionManager(newFakeBus(), testManagerConfig())
	require.NoError(t, m.SetAlgorithm(&countingAlgorithm{}))
	require.NoError(t, m.Start())

	m.Stop()

	assert.NotPanics(t, m.Stop)
}

func TestFusionManager_StartInitializesAlgorithmAndStopShutsItDown(t *testing.T) {
	algo := &countingAlgorithm{}
	fb := newFakeBus()
	m := NewFusionManager(fb, testManagerConfig())
	require.NoError(t, m.SetAlgorithm(algo))

	require.NoError(t, m.Start())
	algo.mu.Lock()
	initialized := algo.initialized
	algo.mu.Unlock()
	assert.True(t, initialized)

	m.Stop()
	algo.mu.Lock()
	shutdown := algo.shutdown
	algo.mu.Unlock()
	assert.True(t, shutdown)
	assert.Equal(t, 1, fb.publishedCount(), "Shutdown's emitted SYSTEM_COMMAND must be flushed to the bus")
}

func TestFusionManager_InboundSensorDataIsQueuedAndProcessedByWorker(t *testing.T) {
	algo := &countingAlgorithm{}
	fb := newFakeBus()
	cfg := testManagerConfig()
	m := NewFusionManager(fb, cfg)
	require.NoError(t, m.SetAlgorithm(algo))
	require.NoError(t, m.Start())
	defer m.Stop()
	waitForSubscription(t, fb, cfg.L1ToL2Topic)

	fb.Publish(cfg.L1ToL2Topic, bus.Record{Payload: InboundMessage{
		MessageID: "m1",
		Kind:      InboundSensorData,
		Sender:    NodeIdentity{NodeID: "radar_001", Type: NodeTypeRadar},
	}})

	require.Eventually(t, func() bool {
		return len(algo.snapshotProcessed()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "m1", algo.snapshotProcessed()[0].MessageID)

	require.Eventually(t, func() bool {
		return fb.publishedCount() >= 2 // the inbound publish + the emitted FusionResult
	}, time.Second, time.Millisecond)
}

func TestFusionManager_InboundHeartbeatTouchesRegistryWithoutReachingAlgorithm(t *testing.T) {
	algo := &countingAlgorithm{}
	fb := newFakeBus()
	cfg := testManagerConfig()
	m := NewFusionManager(fb, cfg)
	require.NoError(t, m.SetAlgorithm(algo))
	require.NoError(t, m.Start())
	defer m.Stop()
	waitForSubscription(t, fb, cfg.L1ToL2Topic)

	fb.Publish(cfg.L1ToL2Topic, bus.Record{Payload: InboundMessage{
		Kind:   InboundHeartbeat,
		Sender: NodeIdentity{NodeID: "radar_001", Type: NodeTypeRadar},
	}})

	require.Eventually(t, func() bool {
		return len(m.NodeRegistry().GetActive(time.Hour)) == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, algo.snapshotProcessed())
}

func TestFusionManager_InboundNodeStatusUpdatesRegistryWithoutReachingAlgorithm(t *testing.T) {
	algo := &countingAlgorithm{}
	fb := newFakeBus()
	cfg := testManagerConfig()
	m := NewFusionManager(fb, cfg)
	require.NoError(t, m.SetAlgorithm(algo))
	require.NoError(t, m.Start())
	defer m.Stop()
	waitForSubscription(t, fb, cfg.L1ToL2Topic)

	fb.Publish(cfg.L1ToL2Topic, bus.Record{Payload: InboundMessage{
		Kind:   InboundNodeStatus,
		Sender: NodeIdentity{NodeID: "radar_001", Type: NodeTypeRadar},
		Status: NodeStatus{NodeID: "radar_001", Operational: OperationalDegraded},
	}})

	require.Eventually(t, func() bool {
		identity, ok := m.NodeRegistry().GetNode("radar_001")
		return ok && identity.NodeID == "radar_001"
	}, time.Second, time.Millisecond)
	assert.Empty(t, algo.snapshotProcessed())
}

func TestFusionManager_TriggerEventDispatchesToAlgorithm(t *testing.T) {
	algo := &countingAlgorithm{}
	fb := newFakeBus()
	m := NewFusionManager(fb, testManagerConfig())
	require.NoError(t, m.SetAlgorithm(algo))
	require.NoError(t, m.Start())
	defer m.Stop()

	m.TriggerEvent("reset", nil)

	assert.Equal(t, []string{"reset"}, algo.snapshotTriggers())
}

func TestFusionManager_SendToL1StampsIDAndTimestampWhenBlank(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	fb := newFakeBus()
	m := NewFusionManagerWithClock(fb, testManagerConfig(), clock)

	m.SendToL1(OutboundMessage{Kind: OutboundFusionResult})

	require.Len(t, fb.published, 1)
	msg := fb.published[0].Payload.(OutboundMessage)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, clock.Now(), msg.Timestamp)
}

func TestFusionManager_SendToL1RoutesPointGimbalToStreamAndQueue(t *testing.T) {
	fb := newFakeBus()
	cfg := testManagerConfig()
	m := NewFusionManager(fb, cfg)

	m.SendToL1(OutboundMessage{
		Kind:    OutboundControlCommand,
		Command: ControlCommand{CommandType: CommandPointGimbal},
	})

	assert.Len(t, fb.streamAppends[cfg.GimbalStreamName], 1)
	assert.Len(t, fb.queuePushes[cfg.GimbalQueueName], 1)
}

func TestFusionManager_SendToL1DoesNotRouteNonGimbalCommandsToStream(t *testing.T) {
	fb := newFakeBus()
	cfg := testManagerConfig()
	m := NewFusionManager(fb, cfg)

	m.SendToL1(OutboundMessage{
		Kind:    OutboundControlCommand,
		Command: ControlCommand{CommandType: CommandStartSensor},
	})

	assert.Empty(t, fb.streamAppends[cfg.GimbalStreamName])
	assert.Empty(t, fb.queuePushes[cfg.GimbalQueueName])
}

func TestFusionManager_HeartbeatPublishesToHeartbeatTopicNotL2ToL1(t *testing.T) {
	fb := newFakeBus()
	cfg := testManagerConfig()
	m := NewFusionManager(fb, cfg)

	m.sendHeartbeat()

	assert.Len(t, fb.publishedOn(cfg.HeartbeatTopic), 1)
	assert.Empty(t, fb.publishedOn(cfg.L2ToL1Topic))
}

func TestFusionManager_ContextLockIsReleasedBeforeBusPublish(t *testing.T) {
	algo := &countingAlgorithm{}
	fb := newFakeBus()
	cfg := testManagerConfig()
	m := NewFusionManager(fb, cfg)
	require.NoError(t, m.SetAlgorithm(algo))

	blockUntil := make(chan struct{})
	fb.handlers[cfg.L2ToL1Topic] = []bus.Handler{func(bus.Record) { <-blockUntil }}

	processDone := make(chan struct{})
	go func() {
		m.processMessage(InboundMessage{Kind: InboundSensorData})
		close(processDone)
	}()

	require.Eventually(t, func() bool {
		return len(algo.snapshotProcessed()) == 1
	}, time.Second, time.Millisecond, "processMessage should reach the algorithm before the publish blocks")

	statsDone := make(chan struct{})
	go func() {
		m.Stats()
		close(statsDone)
	}()

	select {
	case <-statsDone:
	case <-time.After(time.Second):
		t.Fatal("Stats blocked on contextMu while a bus publish was in flight — context_lock was not released before the publish")
	}

	close(blockUntil)
	<-processDone
}

func TestFusionManager_StatsReportsCountersAndActiveNodes(t *testing.T) {
	algo := &countingAlgorithm{}
	fb := newFakeBus()
	cfg := testManagerConfig()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	m := NewFusionManagerWithClock(fb, cfg, clock)
	require.NoError(t, m.SetAlgorithm(algo))
	require.NoError(t, m.Start())
	defer m.Stop()
	waitForSubscription(t, fb, cfg.L1ToL2Topic)

	fb.Publish(cfg.L1ToL2Topic, bus.Record{Payload: InboundMessage{
		Kind:   InboundHeartbeat,
		Sender: NodeIdentity{NodeID: "radar_001", Type: NodeTypeRadar},
	}})
	fb.Publish(cfg.L1ToL2Topic, bus.Record{Payload: InboundMessage{
		MessageID: "m1",
		Kind:      InboundSensorData,
		Sender:    NodeIdentity{NodeID: "radar_001", Type: NodeTypeRadar},
	}})

	require.Eventually(t, func() bool {
		return len(algo.snapshotProcessed()) == 1
	}, time.Second, time.Millisecond)
	// The worker counts a sent message only after it releases the context
	// lock, so wait for the emitted FusionResult to be counted.
	require.Eventually(t, func() bool {
		return m.Stats().MessagesSent >= 1
	}, time.Second, time.Millisecond)

	clock.Advance(time.Second)
	stats := m.Stats()

	assert.Equal(t, uint64(1), stats.MessagesProcessed)
	assert.GreaterOrEqual(t, stats.MessagesSent, uint64(1))
	assert.Equal(t, 1, stats.ActiveNodes)
	assert.Equal(t, time.Second, stats.Uptime)
	assert.NoError(t, stats.LastBusError)
}

func TestFusionManager_NodeMonitorSweepTriggersNodeTimeoutEvent(t *testing.T) {
	algo := &countingAlgorithm{}
	fb := newFakeBus()
	cfg := testManagerConfig()
	cfg.NodeTimeout = 40 * time.Millisecond
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	m := NewFusionManagerWithClock(fb, cfg, clock)
	require.NoError(t, m.SetAlgorithm(algo))
	require.NoError(t, m.Start())
	defer m.Stop()

	m.NodeRegistry().Touch("radar_001")
	clock.Advance(cfg.NodeTimeout + 5*time.Millisecond)

	// The monitor loop creates its timer on its own goroutine after Start
	// returns, so keep advancing by one monitor interval until a sweep runs.
	require.Eventually(t, func() bool {
		clock.Advance(cfg.NodeTimeout / 4)
		for _, trig := range algo.snapshotTriggers() {
			if trig == "node_timeout" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}
