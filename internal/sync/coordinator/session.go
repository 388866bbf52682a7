package coordinator

import (
	"time"
)

// Trigger names what started a sync cycle.
type Trigger string

const (
	// TriggerManual marks a cycle requested through the API.
	TriggerManual Trigger = "manual"
	// TriggerScheduled marks a cycle started by the background interval.
	TriggerScheduled Trigger = "scheduled"
	// TriggerStartup marks the cycle run when the daemon comes up.
	TriggerStartup Trigger = "startup"
	// TriggerNotified marks a cycle started by a backend change notification.
	TriggerNotified Trigger = "notified"
)

// Result is the overall verdict of one sync cycle.
type Result string

const (
	// ResultSuccess means every phase completed without parked entries.
	ResultSuccess Result = "success"
	// ResultPartial means the cycle finished but parked conflicts or
	// failures, or could not pull every type.
	ResultPartial Result = "partial"
	// ResultFailed means the cycle aborted on a replica error.
	ResultFailed Result = "failed"
	// ResultCancelled means the cycle was interrupted; in-flight entries
	// were returned to pending.
	ResultCancelled Result = "cancelled"
)

// Session records one sync cycle for the history ring and status queries.
type Session struct {
	ID         string     `json:"id"`
	Trigger    Trigger    `json:"trigger"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Result     Result     `json:"result,omitempty"`
	Uploaded   int        `json:"uploaded"`
	Downloaded int        `json:"downloaded"`
	Conflicts  int        `json:"conflicts"`
	Failures   int        `json:"failures"`
	Error      string     `json:"error,omitempty"`
}

// history is a fixed-capacity ring of finished sessions, newest first.
type history struct {
	sessions []Session
	capacity int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}
	return &history{capacity: capacity}
}

func (h *history) add(s Session) {
	h.sessions = append([]Session{s}, h.sessions...)
	if len(h.sessions) > h.capacity {
		h.sessions = h.sessions[:h.capacity]
	}
}

func (h *history) list() []Session {
	out := make([]Session, len(h.sessions))
	copy(out, h.sessions)
	return out
}
