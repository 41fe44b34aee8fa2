package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubArchiver struct {
	before []time.Time
	n      int64
	err    error
}

func (s *stubArchiver) ArchiveAttempts(_ context.Context, before time.Time) (int64, error) {
	s.before = append(s.before, before)
	return s.n, s.err
}

func TestArchiveJobCutoff(t *testing.T) {
	arch := &stubArchiver{n: 7}
	job := NewArchiveJob(arch, 48*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	n, err := job.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.Len(t, arch.before, 1)
	assert.Equal(t, now.Add(-48*time.Hour), arch.before[0])

	arch.err = errors.New("s3 down")
	_, err = job.Run(t.Context())
	assert.ErrorContains(t, err, "s3 down")
}

func TestRunCronRejectsBadExpression(t *testing.T) {
	job := NewArchiveJob(&stubArchiver{}, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := job.RunCron(t.Context(), "0 3 * *")
	assert.ErrorContains(t, err, "5 fields")
}

func TestScheduleNext(t *testing.T) {
	base := time.Date(2026, 3, 10, 3, 0, 30, 0, time.UTC) // Tuesday

	cases := []struct {
		expr string
		want time.Time
	}{
		{"0 3 * * *", time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 10, 3, 15, 0, 0, time.UTC)},
		{"30 4 1,15 * *", time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			s, err := ParseCron(tc.expr)
			require.NoError(t, err)
			got, err := s.Next(base)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseCronErrors(t *testing.T) {
	for _, expr := range []string{"", "61 * * * *", "* 24 * * *", "*/0 * * * *", "a * * * *", "0 0 31 2"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}

	s, err := ParseCron("0 0 31 2 *")
	require.NoError(t, err)
	_, err = s.Next(time.Now())
	assert.ErrorContains(t, err, "within one year")
}
