package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
}

func (m *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[path] = b
	return nil
}

func (m *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memWriter) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type stubAttempts []domain.ExecutionAttempt

func (s stubAttempts) ListTerminalBefore(context.Context, time.Time) ([]domain.ExecutionAttempt, error) {
	return s, nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func TestArchiveAttempts(t *testing.T) {
	w := &memWriter{}
	audit := &memAudit{}
	attempts := stubAttempts{
		{ID: "a1", Label: "arb:p", State: domain.AttemptConfirmed, IdempotencyKey: [16]byte{0xab}},
		{ID: "a2", Label: "funding:update", State: domain.AttemptFailed, FailureReason: "dry run"},
	}
	cutoff := time.Date(2025, 3, 9, 23, 0, 0, 0, time.UTC)

	n, err := NewArchiver(w, attempts, audit).ArchiveAttempts(t.Context(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{"archive.attempts"}, audit.events)

	body, ok := w.objects["archive/attempts/2025-03-09.jsonl"]
	require.True(t, ok)
	sc := bufio.NewScanner(bytes.NewReader(body))
	var got []attemptRecord
	for sc.Scan() {
		var r attemptRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "ab000000000000000000000000000000", got[0].IdempotencyKey)
	assert.Equal(t, "failed", got[1].State)
}

func TestArchiveKeepsEarlierRunsOfTheSameDay(t *testing.T) {
	w := &memWriter{}
	a := NewArchiver(w, stubAttempts{{ID: "a1", State: domain.AttemptConfirmed}}, nil)
	cutoff := time.Date(2025, 3, 9, 1, 0, 0, 0, time.UTC)

	for range 3 {
		_, err := a.ArchiveAttempts(t.Context(), cutoff)
		require.NoError(t, err)
	}
	assert.Contains(t, w.objects, "archive/attempts/2025-03-09.jsonl")
	assert.Contains(t, w.objects, "archive/attempts/2025-03-09.2.jsonl")
	assert.Contains(t, w.objects, "archive/attempts/2025-03-09.3.jsonl")
}

func TestArchiveNothing(t *testing.T) {
	w := &memWriter{}
	n, err := NewArchiver(w, stubAttempts{}, nil).ArchiveAttempts(t.Context(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local", normaliseEndpoint("minio.local", true))
	assert.Equal(t, "http://minio.local", normaliseEndpoint("minio.local", false))
	assert.Equal(t, "http://x", normaliseEndpoint("http://x", true))
}
