package domain

import "time"

// AttemptState is the lifecycle state of an ExecutionAttempt.
type AttemptState string

const (
	AttemptBuilding         AttemptState = "building"
	AttemptSubmitted        AttemptState = "submitted"
	AttemptAwaitingFinality AttemptState = "awaiting_finality"
	AttemptConfirmed        AttemptState = "confirmed"
	AttemptFailed           AttemptState = "failed"
	AttemptExpired          AttemptState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptConfirmed, AttemptFailed, AttemptExpired:
		return true
	}
	return false
}

// IdempotencyKeyLen is the byte length of the duplicate guard carried in
// every settlement instruction.
const IdempotencyKeyLen = 16

// ExecutionAttempt is one logical execution of an opportunity, possibly
// spanning several submissions. Every submission carries the same
// IdempotencyKey.
type ExecutionAttempt struct {
	ID             string
	Label          string
	OpportunityID  string
	PairID         string
	IdempotencyKey [IdempotencyKeyLen]byte
	State          AttemptState
	RetryCount     int
	Submissions    int
	LastHandle     string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
