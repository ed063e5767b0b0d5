package instance

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	// StatusStarting means the record exists but the control channel has
	// not yet answered a health probe.
	StatusStarting Status = "starting"
	// StatusRunning means the container is up and its control channel
	// answered a handshake.
	StatusRunning Status = "running"
	// StatusStopped means the engine no longer reports the container
	// running.
	StatusStopped Status = "stopped"
	// StatusError means startup failed.
	StatusError Status = "error"
)

// maxLogEntries bounds the per-instance log buffer; older entries are
// discarded first.
const maxLogEntries = 200

// LogEntry is one line of instance-scoped operational history. It is
// observability only, never authoritative state.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Instance is the durable record for one provisioned workload container.
type Instance struct {
	ID              string     `json:"id"`
	ContainerRef    string     `json:"container_ref"`
	ControlPort     int        `json:"control_port"`
	AuthToken       string     `json:"auth_token"`
	Status          Status     `json:"status"`
	Addr            string     `json:"addr,omitempty"`
	OwnerID         string     `json:"owner_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Logs            []LogEntry `json:"logs,omitempty"`
	Provider        string     `json:"provider,omitempty"`
	ModelID         string     `json:"model_id,omitempty"`
	WorkloadProfile string     `json:"workload_profile,omitempty"`
}

// Active reports whether the instance is starting or running.
func (in Instance) Active() bool {
	return in.Status == StatusStarting || in.Status == StatusRunning
}

// Terminal reports whether the instance is stopped or errored.
func (in Instance) Terminal() bool {
	return in.Status == StatusStopped || in.Status == StatusError
}

// AppendLog appends one entry to the bounded log buffer.
func (in *Instance) AppendLog(msg string) {
	in.Logs = append(in.Logs, LogEntry{Time: time.Now().UTC(), Message: msg})
	if len(in.Logs) > maxLogEntries {
		in.Logs = in.Logs[len(in.Logs)-maxLogEntries:]
	}
}

// clone returns a deep copy so callers never share the log slice.
func (in Instance) clone() Instance {
	out := in
	if in.Logs != nil {
		out.Logs = make([]LogEntry, len(in.Logs))
		copy(out.Logs, in.Logs)
	}
	return out
}

// NewID returns a fresh 24-hex-char instance id.
func NewID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// NewToken returns a fresh gateway token. Generated once per instance,
// never rotated.
func NewToken() string {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}
