// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// an Android device identifier (i.e. an agent serial or device ID).
	DeviceID = "device_id"

	JobID     = "job_id"
	TaskID    = "task_id"
	FlowID    = "flow_id"
	NodeID    = "node_id"
	NodeType  = "node_type"
	Status    = "status"
	CommandID = "command_id"
	Command   = "command"
	Strategy  = "strategy"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
