package domain

import (
	"context"
	"time"
)

// AttemptStore keeps an audit trail of execution attempts. Terminal attempts
// are retained for audit only; nothing reads them back into the engine.
// Open attempts are listed at startup because a previous process may have
// broadcast them before it stopped.
type AttemptStore interface {
	Upsert(ctx context.Context, attempt ExecutionAttempt) error
	ListOpen(ctx context.Context) ([]ExecutionAttempt, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]ExecutionAttempt, error)
}

// PositionStore persists the latest position per pair.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	List(ctx context.Context) ([]Position, error)
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
