package types

import "time"

// ChangeAction identifies the row mutation that produced a notification.
// The values mirror PostgreSQL's TG_OP.
type ChangeAction string

const (
	ActionInsert ChangeAction = "INSERT"
	ActionUpdate ChangeAction = "UPDATE"
	ActionDelete ChangeAction = "DELETE"
)

// Valid reports whether the action is one of INSERT, UPDATE, DELETE.
func (a ChangeAction) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Notification is an immutable change event decoded from a raw channel
// payload. It is delivered to every registered callback exactly once and
// never persisted.
type Notification struct {
	// ID is assigned by the dispatcher at decode time so downstream
	// consumers can correlate log lines about the same event.
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	Channel   string         `json:"channel"`
	Action    ChangeAction   `json:"action"`
	Payload   map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}
