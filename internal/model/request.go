package model

import "time"

// Request status constants.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Processing mode constants.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Callback delivery status constants.
const (
	CallbackPending   = "pending"
	CallbackDelivered = "delivered"
	CallbackFailed    = "failed"
)

// Request field bounds enforced at acceptance time.
const (
	MaxInputBytes     = 10_000
	MaxIterations     = 1_000_000
	MaxCallbackURLLen = 2048
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal states have no outgoing edges.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Request represents one accepted unit of work, sync or async.
type Request struct {
	ID               string     `json:"id"`
	Mode             string     `json:"mode"`
	InputData        string     `json:"input_data"`
	Iterations       int        `json:"iterations"`
	Status           string     `json:"status"`
	Result           string     `json:"result,omitempty"`
	DurationMS       *float64   `json:"duration_ms,omitempty"`
	CallbackURL      *string    `json:"callback_url,omitempty"`
	CallbackStatus   *string    `json:"callback_status,omitempty"`
	CallbackAttempts int        `json:"callback_attempts"`
	CallbackError    *string    `json:"callback_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// CallbackAttempt is one row of the append-only delivery log for a request.
type CallbackAttempt struct {
	ID            int64     `json:"id"`
	RequestID     string    `json:"request_id"`
	AttemptNumber int       `json:"attempt_number"`
	StatusCode    *int      `json:"status_code,omitempty"`
	Error         *string   `json:"error,omitempty"`
	DurationMS    float64   `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}
