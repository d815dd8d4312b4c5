package models

import (
	"sync/atomic"
	"time"
)

type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// ParsePriority maps a caller-facing label to a priority level. Anything
// unrecognized, including the empty string, means normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Attachment references a file on disk to include with a message.
type Attachment struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// EmailTask is the unit of work flowing through the queue. Bodies are
// pre-rendered by the caller; the engine never touches templates. The task
// is discarded once processed; only its EmailStatus record survives.
type EmailTask struct {
	TaskID      string
	Recipient   string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []Attachment
	GroupID     string
	BatchID     string
	Priority    Priority

	cancelled atomic.Bool
}

// Cancel flags the task so a consumer that dequeues it afterwards skips it.
func (t *EmailTask) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether the task was flagged by a concurrent cancel.
func (t *EmailTask) Cancelled() bool {
	return t.cancelled.Load()
}

// EmailStatus is the durable record tracked per task. Mutated only by the
// delivery worker (state transitions) or by explicit cancel/retry calls.
type EmailStatus struct {
	TaskID      string     `json:"task_id"`
	Recipient   string     `json:"recipient"`
	Subject     string     `json:"subject"`
	GroupID     string     `json:"group_id,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Priority    Priority   `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Terminal reports whether no further automatic transition can occur.
func (s *EmailStatus) Terminal() bool {
	switch s.Status {
	case StatusSent, StatusCancelled:
		return true
	case StatusFailed:
		return s.Attempts >= s.MaxAttempts
	}
	return false
}

// Clone returns a copy safe to hand to callers outside the store's lock.
func (s *EmailStatus) Clone() *EmailStatus {
	c := *s
	if s.LastAttempt != nil {
		t := *s.LastAttempt
		c.LastAttempt = &t
	}
	if s.SentAt != nil {
		t := *s.SentAt
		c.SentAt = &t
	}
	return &c
}
