// Package bus implements the narrow, external message-bus contract the
// fusion controller depends on (spec component C1): publish/subscribe,
// append-only streams, and FIFO queues carrying typed records. Production
// deployments are expected to back this contract with a networked
// broker; Client is a concrete in-process implementation suitable for the
// CLI, tests, and the optional offline-inspection sinks.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dp-aero/l2fusion/internal/monitoring"
)

// Record is a single typed payload moving across the bus. The reference
// implementation never inspects its contents — the fusion layer decides
// what concrete Go types ride in Payload.
type Record struct {
	Payload any
}

// Handler processes one record delivered to a subscriber.
type Handler func(Record)

// streamEntry is one append-only log entry.
type streamEntry struct {
	id     string
	record Record
}

// Client is a thread-safe, in-process implementation of the bus contract.
// bus_lock (mu) serializes publish/subscribe bookkeeping against a
// single logical connection, per spec's lock-ordering table.
type Client struct {
	mu          sync.Mutex
	subscribers map[string][]chan Record
	streams     map[string][]streamEntry
	queues      map[string]chan Record
	lastErr     error
}

// NewClient returns an empty in-process bus.
func NewClient() *Client {
	return &Client{
		subscribers: make(map[string][]chan Record),
		streams:     make(map[string][]streamEntry),
		queues:      make(map[string]chan Record),
	}
}

// Publish delivers record to every current subscriber of topic.
// Publish is infallible by contract: a full subscriber channel drops the
// record for that one subscriber rather than blocking the publisher.
func (c *Client) Publish(topic string, record Record) {
	c.mu.Lock()
	subs := append([]chan Record(nil), c.subscribers[topic]...)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- record:
		default:
			monitoring.Logf("bus: subscriber channel full on topic %q, dropping record", topic)
		}
	}
}

// Subscribe registers a new subscriber channel for topic and runs handler
// for every record it receives until running reports false. It returns
// once the subscription has wound down; callers own the goroutine that
// calls Subscribe and must not detach it, per spec's subscription
// lifecycle rule.
func (c *Client) Subscribe(topic string, handler Handler, running func() bool) {
	ch := make(chan Record, 64)
	c.mu.Lock()
	c.subscribers[topic] = append(c.subscribers[topic], ch)
	c.mu.Unlock()

	defer c.unsubscribe(topic, ch)

	for running() {
		select {
		case record := <-ch:
			handler(record)
		case <-time.After(100 * time.Millisecond):
			// Re-check running between deliveries even with no traffic,
			// so shutdown is observed promptly.
		}
	}
}

func (c *Client) unsubscribe(topic string, target chan Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subscribers[topic]
	for i, ch := range subs {
		if ch == target {
			c.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// StreamAppend appends record to stream and returns a fresh id for the entry.
func (c *Client) StreamAppend(stream string, record Record) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.streams[stream] = append(c.streams[stream], streamEntry{id: id, record: record})
	c.mu.Unlock()
	return id
}

// StreamEntry pairs a stream id with its record, as returned by StreamRead.
type StreamEntry struct {
	ID     string
	Record Record
}

// StreamRead returns up to count entries appended after startID ("" means
// from the beginning).
func (c *Client) StreamRead(stream, startID string, count int) []StreamEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.streams[stream]
	startIdx := 0
	if startID != "" {
		for i, e := range entries {
			if e.id == startID {
				startIdx = i + 1
				break
			}
		}
	}
	var out []StreamEntry
	for i := startIdx; i < len(entries) && len(out) < count; i++ {
		out = append(out, StreamEntry{ID: entries[i].id, Record: entries[i].record})
	}
	return out
}

// QueuePush pushes record onto the named FIFO queue.
func (c *Client) QueuePush(queue string, record Record) {
	c.mu.Lock()
	ch, ok := c.queues[queue]
	if !ok {
		ch = make(chan Record, 4096)
		c.queues[queue] = ch
	}
	c.mu.Unlock()

	select {
	case ch <- record:
	default:
		monitoring.Logf("bus: queue %q full, dropping record", queue)
	}
}

// QueuePopTimed blocks up to timeout for the next record on queue. It
// returns (Record{}, false) on timeout.
func (c *Client) QueuePopTimed(queue string, timeout time.Duration) (Record, bool) {
	c.mu.Lock()
	ch, ok := c.queues[queue]
	if !ok {
		ch = make(chan Record, 4096)
		c.queues[queue] = ch
	}
	c.mu.Unlock()

	select {
	case record := <-ch:
		return record, true
	case <-time.After(timeout):
		return Record{}, false
	}
}

// LastError returns the most recently recorded transport error, for the
// stats surface's last_bus_error field. A production networked backend
// would set this from its own I/O errors; the in-process Client never
// fails transport-side, so it stays nil here.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
