package fusion

import "time"

// NodeType enumerates the kinds of L1 edge nodes the controller tracks.
type NodeType string

const (
	NodeTypeRadar    NodeType = "radar"
	NodeTypeLidar    NodeType = "lidar"
	NodeTypeCamera   NodeType = "camera"
	NodeTypeIMU      NodeType = "imu"
	NodeTypeGPS      NodeType = "gps"
	NodeTypeCoherent NodeType = "coherent"
)

// OperationalState enumerates NodeStatus.Operational values.
type OperationalState string

const (
	OperationalOnline   OperationalState = "online"
	OperationalOffline  OperationalState = "offline"
	OperationalDegraded OperationalState = "degraded"
)

// NodeIdentity is immutable after first observation: once registered a
// node's Type/Location/Metadata are not expected to change, though
// Register overwrites unconditionally (idempotent registration of an
// unchanged identity is the common case).
type NodeIdentity struct {
	NodeID   string
	Type     NodeType
	Location string
	Metadata map[string]string
}

// NodeStatus is the latest reported operational snapshot for a node.
type NodeStatus struct {
	NodeID      string
	LastSeen    time.Time
	Operational OperationalState
	CPUUsage    float64
	MemoryUsage float64
}
