// Package events publishes lifecycle events for hosted bots to an external
// sink so that operators can observe starts, stops and crashes.
package events

import "time"

// Type names a lifecycle event
type Type string

const (
	Created     Type = "created"
	Started     Type = "started"
	Resumed     Type = "resumed"
	StartFailed Type = "start_failed"
	Stopped     Type = "stopped"
	Restarting  Type = "restarting"
	Exited      Type = "exited"
)

// Event is the payload published for every lifecycle transition
type Event struct {
	// ID is unique per emitted event and sorts by emission time
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ServerID  string    `json:"serverId"`
	Epoch     uint64    `json:"epoch,omitempty"`
	SandboxID string    `json:"sandboxId,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	ExitCode  *int64    `json:"exitCode,omitempty"`
	OOMKilled bool      `json:"oomKilled,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Sink receives lifecycle events. Emit must not block the caller for long
// and never fails; delivery problems are the sink's to log.
type Sink interface {
	Emit(Event)
}

// Nop discards every event
type Nop struct{}

// Emit implements Sink
func (Nop) Emit(Event) {}
