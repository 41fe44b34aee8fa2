package s3blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// multipartThreshold switches archive uploads to the multipart manager.
const multipartThreshold = 8 << 20

// AttemptArchiveStore lists attempts eligible for archiving.
type AttemptArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.ExecutionAttempt, error)
}

// Bucket is the slice of object storage the archiver needs. *Client
// satisfies it.
type Bucket interface {
	domain.BlobWriter
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies terminal execution attempts into the bucket as JSONL.
// Rows stay in the database; pruning them is a separate step.
type Archiver struct {
	bucket   Bucket
	attempts AttemptArchiveStore
	audit    domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(bucket Bucket, attempts AttemptArchiveStore, audit domain.AuditStore) *Archiver {
	return &Archiver{bucket: bucket, attempts: attempts, audit: audit}
}

type attemptRecord struct {
	ID             string    `json:"id"`
	Label          string    `json:"label"`
	OpportunityID  string    `json:"opportunity_id,omitempty"`
	PairID         string    `json:"pair_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	State          string    `json:"state"`
	RetryCount     int       `json:"retry_count"`
	Submissions    int       `json:"submissions"`
	LastHandle     string    `json:"last_handle,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ArchiveAttempts uploads every terminal attempt last updated before the
// cutoff to archive/attempts/YYYY-MM-DD.jsonl and returns the count. A
// second run on the same day writes YYYY-MM-DD.2.jsonl and so on, so an
// earlier archive is never overwritten.
func (a *Archiver) ArchiveAttempts(ctx context.Context, before time.Time) (int64, error) {
	attempts, err := a.attempts.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive attempts query: %w", err)
	}
	if len(attempts) == 0 {
		return 0, nil
	}

	records := make([]attemptRecord, len(attempts))
	for i, at := range attempts {
		records[i] = attemptRecord{
			ID:             at.ID,
			Label:          at.Label,
			OpportunityID:  at.OpportunityID,
			PairID:         at.PairID,
			IdempotencyKey: hex.EncodeToString(at.IdempotencyKey[:]),
			State:          string(at.State),
			RetryCount:     at.RetryCount,
			Submissions:    at.Submissions,
			LastHandle:     at.LastHandle,
			FailureReason:  at.FailureReason,
			CreatedAt:      at.CreatedAt,
			UpdatedAt:      at.UpdatedAt,
		}
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive attempts marshal: %w", err)
	}

	path, err := a.freePath(ctx, "attempts", before)
	if err != nil {
		return 0, err
	}
	if len(buf) >= multipartThreshold {
		err = a.bucket.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold)
	} else {
		err = a.bucket.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive attempts upload: %w", err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.attempts", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive attempts audit log: %w", err)
		}
	}
	return count, nil
}

// freePath returns the first archive path for the cutoff day that is not
// taken yet.
func (a *Archiver) freePath(ctx context.Context, kind string, before time.Time) (string, error) {
	for n := 1; ; n++ {
		path := archivePath(kind, before, n)
		taken, err := a.bucket.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive attempts: %w", err)
		}
		if !taken {
			return path, nil
		}
	}
}

// archivePath partitions archives by the cutoff day:
//
//	archive/attempts/2025-01-31.jsonl
//	archive/attempts/2025-01-31.2.jsonl
func archivePath(kind string, before time.Time, n int) string {
	day := before.UTC().Format("2006-01-02")
	if n <= 1 {
		return fmt.Sprintf("archive/%s/%s.jsonl", kind, day)
	}
	return fmt.Sprintf("archive/%s/%s.%d.jsonl", kind, day, n)
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var (
	_ domain.Archiver = (*Archiver)(nil)
	_ Bucket          = (*Client)(nil)
)
