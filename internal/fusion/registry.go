package fusion

import (
	"sync"
	"time"

	"github.com/dp-aero/l2fusion/internal/monitoring"
	"github.com/dp-aero/l2fusion/internal/timeutil"
)

// NodeRegistry tracks the identity, liveness, and status of L1 edge nodes.
// All operations are infallible: lookups return a zero value and false on
// a miss rather than an error, per the controller's error-handling policy
// for component C2 (unknown node id is a no-op, not a failure).
//
// nodes and lastSeen always share identical key sets at every observable
// moment. status holds an entry only for nodes that have reported one via
// UpdateStatus, so its keys are a subset of theirs. Every mutating method
// holds mu for its full duration to preserve both relations.
type NodeRegistry struct {
	mu       sync.RWMutex
	clock    timeutil.Clock
	nodes    map[string]NodeIdentity
	lastSeen map[string]time.Time
	status   map[string]NodeStatus
}

// NewNodeRegistry creates an empty registry using the real wall clock.
func NewNodeRegistry() *NodeRegistry {
	return NewNodeRegistryWithClock(timeutil.RealClock{})
}

// NewNodeRegistryWithClock creates an empty registry using clock, so tests
// can control liveness deterministically instead of sleeping.
func NewNodeRegistryWithClock(clock timeutil.Clock) *NodeRegistry {
	return &NodeRegistry{
		clock:    clock,
		nodes:    make(map[string]NodeIdentity),
		lastSeen: make(map[string]time.Time),
		status:   make(map[string]NodeStatus),
	}
}

// Register records identity and refreshes last-seen. Idempotent: calling it
// again for the same node id simply overwrites the identity and advances
// last-seen forward.
func (r *NodeRegistry) Register(identity NodeIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[identity.NodeID] = identity
	r.lastSeen[identity.NodeID] = r.clock.Now()
}

// Touch refreshes liveness for nodeID. If the node is unknown, a minimal
// identity is created so a heartbeat that raced capability advertisement
// is never silently lost (resolves the touch-on-unknown-node ambiguity in
// favor of always creating).
func (r *NodeRegistry) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.nodes[nodeID]; !known {
		r.nodes[nodeID] = NodeIdentity{NodeID: nodeID}
	}
	r.lastSeen[nodeID] = r.clock.Now()
}

// UpdateStatus records status and refreshes last-seen. If the node is
// unknown, a minimal identity is created, matching Touch's behavior.
func (r *NodeRegistry) UpdateStatus(nodeID string, status NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.nodes[nodeID]; !known {
		r.nodes[nodeID] = NodeIdentity{NodeID: nodeID}
	}
	status.NodeID = nodeID
	now := r.clock.Now()
	status.LastSeen = now
	r.status[nodeID] = status
	r.lastSeen[nodeID] = now
}

// GetActive returns the ids of all nodes whose last-seen is within timeout
// of now.
func (r *NodeRegistry) GetActive(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock.Now()
	active := make([]string, 0, len(r.lastSeen))
	for id, seen := range r.lastSeen {
		if now.Sub(seen) < timeout {
			active = append(active, id)
		}
	}
	return active
}

// GetNode returns the identity for nodeID and whether it was found.
func (r *NodeRegistry) GetNode(nodeID string) (NodeIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.nodes[nodeID]
	return identity, ok
}

// ListAll returns a snapshot of every known node identity.
func (r *NodeRegistry) ListAll() []NodeIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeIdentity, 0, len(r.nodes))
	for _, identity := range r.nodes {
		out = append(out, identity)
	}
	return out
}

// CheckAndRemoveExpired atomically finds every node with
// now-lastSeen >= timeout, removes it from all three maps, and returns the
// ids actually removed. The single exclusive acquisition prevents the
// TOCTOU a separate list-then-remove would allow: a node that reconnects
// between listing and removal can never be removed.
func (r *NodeRegistry) CheckAndRemoveExpired(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var expired []string
	for id, seen := range r.lastSeen {
		if now.Sub(seen) >= timeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.nodes, id)
		delete(r.lastSeen, id)
		delete(r.status, id)
	}
	if len(expired) > 0 {
		monitoring.Logf("fusion: node registry expired %d node(s): %v", len(expired), expired)
	}
	return expired
}
