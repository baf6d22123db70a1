package fusion

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngressQueue_PushPopPreservesFIFOOrder(t *testing.T) {
	q := newIngressQueue(4)
	q.push(InboundMessage{MessageID: "a"})
	q.push(InboundMessage{MessageID: "b"})

	first, ok := q.pop(func() bool { return true })
	require.True(t, ok)
	second, ok := q.pop(func() bool { return true })
	require.True(t, ok)

	assert.Equal(t, "a", first.MessageID)
	assert.Equal(t, "b", second.MessageID)
}

func TestIngressQueue_PushAtCapacityDropsOldest(t *testing.T) {
	q := newIngressQueue(2)
	q.push(InboundMessage{MessageID: "a"})
	q.push(InboundMessage{MessageID: "b"})

	dropped := q.push(InboundMessage{MessageID: "c"})

	assert.True(t, dropped)
	assert.Equal(t, uint64(1), q.droppedCount())

	first, _ := q.pop(func() bool { return true })
	second, _ := q.pop(func() bool { return true })
	assert.Equal(t, "b", first.MessageID)
	assert.Equal(t, "c", second.MessageID)
}

func TestIngressQueue_PopBlocksThenReturnsOnPush(t *testing.T) {
	q := newIngressQueue(4)
	var got InboundMessage
	var ok bool
	done := make(chan struct{})

	go func() {
		got, ok = q.pop(func() bool { return true })
		close(done)
	}()

	// Give the goroutine a chance to park in cond.Wait before pushing.
	time.Sleep(10 * time.Millisecond)
	q.push(InboundMessage{MessageID: "late"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop never returned after push")
	}
	assert.True(t, ok)
	assert.Equal(t, "late", got.MessageID)
}

func TestIngressQueue_PopUnblocksOnWakeWhenRunningGoesFalse(t *testing.T) {
	q := newIngressQueue(4)
	var running atomic.Bool
	running.Store(true)
	var ok bool
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		_, ok = q.pop(running.Load)
	}()

	time.Sleep(10 * time.Millisecond)
	running.Store(false)
	q.wake()

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("pop never unblocked after wake")
	}
	assert.False(t, ok)
}

func TestIngressQueue_PopOnAlreadyStoppedEmptyQueueReturnsImmediately(t *testing.T) {
	q := newIngressQueue(4)

	_, ok := q.pop(func() bool { return false })

	assert.False(t, ok)
}
