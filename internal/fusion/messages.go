package fusion

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// InboundKind discriminates the one_of payload carried by an InboundMessage.
type InboundKind string

const (
	InboundSensorData           InboundKind = "sensor_data"
	InboundNodeStatus           InboundKind = "node_status"
	InboundHeartbeat            InboundKind = "heartbeat"
	InboundCapabilityAdvertised InboundKind = "capability_advertisement"
)

// SensorKind discriminates which detection payload SensorData carries.
type SensorKind string

const (
	SensorRadar  SensorKind = "radar"
	SensorLidar  SensorKind = "lidar"
	SensorCamera SensorKind = "camera"
	SensorIMU    SensorKind = "imu"
	SensorGPS    SensorKind = "gps"
)

// RadarDetection is one row of a radar sweep: spherical coordinates plus
// radar cross-section and closing velocity.
type RadarDetection struct {
	Range     float64
	Azimuth   float64
	Elevation float64
	RCS       float64
	Velocity  float64
}

// LidarPoint is one point of a lidar point cloud, already in Cartesian
// sensor-frame coordinates.
type LidarPoint struct {
	X, Y, Z float64
}

// SensorData is the inbound detection payload. Exactly one of Radar/Lidar
// is populated for the kinds the reference tracker processes; Camera/IMU/
// GPS payloads carry only RawPayload and are recorded in context history
// without further processing (out of scope for the reference tracker).
type SensorData struct {
	Kind       SensorKind
	Radar      []RadarDetection
	Lidar      []LidarPoint
	RawPayload *structpb.Struct
}

// InboundMessage mirrors spec's abstract L1ToL2 schema.
type InboundMessage struct {
	MessageID      string
	SequenceNumber uint64
	Sender         NodeIdentity
	Timestamp      time.Time
	Kind           InboundKind
	Sensor         SensorData
	Status         NodeStatus
	Capabilities   []string
}

// OutboundKind discriminates the one_of payload carried by an OutboundMessage.
type OutboundKind string

const (
	OutboundControlCommand      OutboundKind = "control_command"
	OutboundConfigurationUpdate OutboundKind = "configuration_update"
	OutboundFusionResult        OutboundKind = "fusion_result"
	OutboundSystemCommand       OutboundKind = "system_command"
)

// CommandType enumerates ControlCommand.CommandType.
type CommandType string

const (
	CommandStartSensor CommandType = "START_SENSOR"
	CommandStopSensor  CommandType = "STOP_SENSOR"
	CommandChangeRate  CommandType = "CHANGE_RATE"
	CommandPointGimbal CommandType = "POINT_GIMBAL"
	CommandCalibrate   CommandType = "CALIBRATE"
	CommandReset       CommandType = "RESET"
)

// GimbalAngles is a spherical pointing target: theta is the azimuthal
// angle in the xy-plane, phi is the polar angle from the xy-plane.
type GimbalAngles struct {
	Theta float64
	Phi   float64
}

// ControlCommand mirrors spec's abstract ControlCommand schema. TargetID
// is optional and set only by commands issued on behalf of a specific
// tracked target (e.g. a gimbal point command); it is empty for commands
// with no target of their own.
type ControlCommand struct {
	CommandType    CommandType
	TargetID       string
	TargetPosition GimbalAngles
	TargetRateHz   float64
}

// FusionResult mirrors spec's abstract FusionResult schema, emitted
// periodically by the reference tracker to summarize algorithm state.
type FusionResult struct {
	AlgorithmName string
	ResultType    string
	Confidence    float64
	ResultData    string
}

// SystemCommandType enumerates SystemCommand.CommandType.
type SystemCommandType string

const (
	SystemShutdown SystemCommandType = "SHUTDOWN"
	SystemRestart  SystemCommandType = "RESTART"
	SystemSyncTime SystemCommandType = "SYNC_TIME"
)

// SystemCommand mirrors spec's abstract SystemCommand schema.
type SystemCommand struct {
	CommandType SystemCommandType
}

// OutboundMessage mirrors spec's abstract L2ToL1 schema. TargetNodeID
// empty means broadcast.
type OutboundMessage struct {
	MessageID     string
	Timestamp     time.Time
	TargetNodeID  string
	Kind          OutboundKind
	Command       ControlCommand
	Result        FusionResult
	System        SystemCommand
	Configuration *structpb.Struct
}
