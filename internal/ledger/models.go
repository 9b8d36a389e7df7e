// Package ledger is the durable record of analysis jobs. It is the source of
// truth for retry counts and terminal state; every state change is a
// compare-and-set update so concurrent writers cannot resurrect a finished job.
package ledger

import (
	"errors"
	"time"
)

type State string

const (
	StatePending          State = "pending"
	StateQueued           State = "queued"
	StateDispatching      State = "dispatching"
	StateAwaitingCallback State = "awaiting_callback"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var nonTerminalStates = []State{StatePending, StateQueued, StateDispatching, StateAwaitingCallback}

// AllStates lists every state in lifecycle order.
var AllStates = []State{StatePending, StateQueued, StateDispatching, StateAwaitingCallback, StateCompleted, StateFailed}

const DefaultMaxAttempts = 3

var (
	ErrNotFound = errors.New("analysis job not found")
	// ErrStaleTransition means the job was no longer in an expected source
	// state when the update ran, usually because another actor moved it first.
	ErrStaleTransition = errors.New("analysis job state changed concurrently")
	// ErrAttemptsExhausted means a queued job has already used every
	// dispatch attempt it is allowed.
	ErrAttemptsExhausted = errors.New("analysis job has no dispatch attempts left")
)

type Job struct {
	ID           string     `json:"id"`
	VideoID      string     `json:"videoId"`
	FilePath     string     `json:"filePath"`
	Filename     string     `json:"filename"`
	SubmitterID  string     `json:"submitterId,omitempty"`
	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	State        State      `json:"state"`
	AttemptCount int        `json:"attemptCount"`
	MaxAttempts  int        `json:"maxAttempts"`
	LastError    string     `json:"lastError,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// AttemptsExhausted reports whether another dispatch would exceed MaxAttempts.
func (j *Job) AttemptsExhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}

type EnqueueRequest struct {
	VideoID     string
	FilePath    string
	Filename    string
	SubmitterID string
	Title       string
	Description string
	// MaxAttempts overrides the ledger default when positive.
	MaxAttempts int
}
