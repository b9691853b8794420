// Package store is the durable persistence layer: chats, messages,
// registered groups, sessions, archives, scheduled tasks, run logs and
// router cursor state, all in a single sqlite file.
package store

import (
	"encoding/json"
	"fmt"
)

// TimestampLayout is the wire format for every timestamp column. It is
// fixed-width UTC so lexicographic order equals temporal order, which the
// cursor queries rely on.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Chat is one conversation observed on any transport.
type Chat struct {
	JID             string
	Name            string
	LastMessageTime string
	Channel         string
	IsGroup         bool
}

// Message is one inbound or outbound chat message.
type Message struct {
	ID           string
	ChatJID      string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    string
	IsFromMe     bool
	IsBotMessage bool
}

// ContainerConfig carries per-group container overrides.
type ContainerConfig struct {
	AdditionalMounts []AdditionalMount `json:"additionalMounts,omitempty"`
	TimeoutMs        int64             `json:"timeout,omitempty"`
	IdleTimeoutMs    int64             `json:"idleTimeout,omitempty"`
}

// AdditionalMount is an extra bind mount requested by a group. Every
// entry must pass the external allowlist before it reaches a container.
type AdditionalMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// RegisteredGroup is a chat that receives agent responses.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	Trigger         string
	RequiresTrigger bool
	AddedAt         string
	Channel         string
	ContainerConfig *ContainerConfig
}

// ArchivedSession is a stored copy of a displaced agent session.
type ArchivedSession struct {
	ID          int64
	GroupFolder string
	SessionID   string
	Name        string
	Content     string
	ArchivedAt  string
}

// Schedule types for ScheduledTask.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes for ScheduledTask.
const (
	ContextModeGroup    = "group"
	ContextModeIsolated = "isolated"
)

// Task statuses.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
)

// ScheduledTask is a user-scheduled agent run.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	NextRun       *string
	LastRun       *string
	LastResult    *string
	Status        string
	CreatedAt     string
}

// TaskRunLog is one append-only audit row per task execution.
type TaskRunLog struct {
	TaskID     string
	StartedAt  string
	DurationMs int64
	Status     string
	Result     string
}

// Router state keys.
const (
	RouterKeyLastTimestamp      = "last_timestamp"       // pipeline dedup cursor
	RouterKeyLastAgentTimestamp = "last_agent_timestamp" // per-group recovery cursors, JSON jid→timestamp
)

// StoreError wraps any I/O failure from the store. Row absence is never
// an error; callers get zero values instead.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// MarshalContainerConfig serializes a ContainerConfig column value.
func MarshalContainerConfig(cc *ContainerConfig) (string, error) {
	if cc == nil {
		return "", nil
	}
	b, err := json.Marshal(cc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalContainerConfig parses a ContainerConfig column value.
func UnmarshalContainerConfig(raw string) (*ContainerConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var cc ContainerConfig
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		return nil, err
	}
	return &cc, nil
}
