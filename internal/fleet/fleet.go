// Package fleet holds the domain model shared by all fleetlink components:
// devices, queued commands, execution records and the error taxonomy.
package fleet

import (
	"encoding/json"
	"time"
)

// LivenessState is the reported connection state of a device.
type LivenessState string

const (
	StateOnline      LivenessState = "ONLINE"
	StateOffline     LivenessState = "OFFLINE"
	StateMaintenance LivenessState = "MAINTENANCE"
)

// CommandStatus is the lifecycle status of a queued command.
type CommandStatus string

const (
	StatusPending    CommandStatus = "PENDING"
	StatusDispatched CommandStatus = "DISPATCHED"
	StatusExecuted   CommandStatus = "EXECUTED"
	StatusFailed     CommandStatus = "FAILED"
)

// IsTerminal reports whether the status can no longer change.
func (s CommandStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// Device is a remote agent endpoint.
type Device struct {
	ID        string
	Name      string
	TokenHash string

	// Status is the stored liveness bit (ONLINE or OFFLINE). It is advisory:
	// the session registry is authoritative within a process.
	Status      LivenessState
	Maintenance bool
	LastSeen    time.Time
	LivenessSeq uint64

	RemoteAddr      string
	UserAgent       string
	DisconnectedAt  time.Time
	CleanDisconnect bool

	CreatedAt time.Time
}

// Liveness returns the state reported to callers. Maintenance overrides the
// stored status.
func (d *Device) Liveness() LivenessState {
	if d.Maintenance {
		return StateMaintenance
	}
	return d.Status
}

// LivenessUpdate is one durable liveness transition. Updates carry a
// sequence number; the store applies an update only if its sequence is newer
// than the last applied one.
type LivenessUpdate struct {
	DeviceID string
	State    LivenessState
	Seq      uint64

	// At stamps last_seen (and disconnected_at for OFFLINE). A zero At
	// changes the state only.
	At         time.Time
	Clean      bool
	RemoteAddr string
	UserAgent  string
}

// QueuedCommand is a command targeted at one device.
type QueuedCommand struct {
	ID       string
	Seq      int64
	DeviceID string
	Command  string
	Args     json.RawMessage
	Priority int

	SubmittedAt time.Time
	SubmittedBy string
	NotBefore   time.Time

	Status         CommandStatus
	Attempts       int
	DispatchedAt   time.Time
	DispatchedConn string
	CompletedAt    time.Time
	RetryOf        string
}

// Ready reports whether the command may be delivered at now.
func (c *QueuedCommand) Ready(now time.Time) bool {
	return c.Status == StatusPending && (c.NotBefore.IsZero() || !c.NotBefore.After(now))
}

// ExecutionRecord is the immutable outcome of one delivery attempt.
type ExecutionRecord struct {
	ID          int64
	CommandID   string
	DeviceID    string
	Command     string
	Status      CommandStatus
	Output      string
	Error       string
	Attempt     int
	StartedAt   time.Time
	CompletedAt time.Time
}
