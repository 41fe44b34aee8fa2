package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// ErrQueueFull is returned by Record when a rotated file could not be queued
// for upload. The file's frames are dropped.
var ErrQueueFull = errors.New("recorder: upload queue full")

// Config tunes file rotation.
type Config struct {
	// Prefix is the object key prefix.
	Prefix string
	// MaxFrames rotates the file after this many cycles.
	MaxFrames int
	// MaxAge rotates the file once its first frame is this old.
	MaxAge time.Duration
	// QueueSize bounds rotated files waiting for upload.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "recordings"
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = 500
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 10 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4
	}
	return c
}

type upload struct {
	path   string
	data   []byte
	frames int
}

// Recorder buffers frames into JSONL files and uploads each file when it
// rotates. Record never blocks on the network; uploads happen in Run.
type Recorder struct {
	cfg    Config
	blob   domain.BlobWriter
	logger *slog.Logger
	now    func() time.Time

	uploads chan upload

	mu       sync.Mutex
	buf      bytes.Buffer
	frames   int
	firstSeq uint64
	openedAt time.Time
}

// New creates a Recorder writing to blob.
func New(blob domain.BlobWriter, cfg Config, logger *slog.Logger) *Recorder {
	cfg = cfg.withDefaults()
	return &Recorder{
		cfg:     cfg,
		blob:    blob,
		logger:  logger.With(slog.String("component", "recorder")),
		now:     time.Now,
		uploads: make(chan upload, cfg.QueueSize),
	}
}

// SetClock replaces the wall clock, for tests.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Record appends one cycle to the current file.
func (r *Recorder) Record(snap *marketstate.Snapshot, opps []domain.Opportunity) error {
	line, err := json.Marshal(NewFrame(snap, opps))
	if err != nil {
		return fmt.Errorf("recorder: encode frame %d: %w", snap.Sequence, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.frames == 0 {
		r.firstSeq = snap.Sequence
		r.openedAt = now
	}
	r.buf.Write(line)
	r.buf.WriteByte('\n')
	r.frames++

	if r.frames < r.cfg.MaxFrames && now.Sub(r.openedAt) < r.cfg.MaxAge {
		return nil
	}
	u := r.rotateLocked()
	select {
	case r.uploads <- u:
		return nil
	default:
		return fmt.Errorf("%w: dropped %d frames of %s", ErrQueueFull, u.frames, u.path)
	}
}

func (r *Recorder) rotateLocked() upload {
	u := upload{
		path:   r.path(),
		data:   bytes.Clone(r.buf.Bytes()),
		frames: r.frames,
	}
	r.buf.Reset()
	r.frames = 0
	return u
}

// path sorts lexically in recording order:
//
//	recordings/2026/03/01/120000-00000000000000000042.jsonl
func (r *Recorder) path() string {
	t := r.openedAt.UTC()
	return fmt.Sprintf("%s/%s-%020d.jsonl", r.cfg.Prefix, t.Format("2006/01/02/150405"), r.firstSeq)
}

// Run uploads rotated files until ctx is done, then uploads the partial
// current file and anything still queued.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case u := <-r.uploads:
			_ = r.put(ctx, u)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			return r.Flush(flushCtx)
		}
	}
}

// Flush uploads the current partial file and every queued file.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	var pending []upload
	if r.frames > 0 {
		pending = append(pending, r.rotateLocked())
	}
	r.mu.Unlock()

drain:
	for {
		select {
		case u := <-r.uploads:
			pending = append(pending, u)
		default:
			break drain
		}
	}

	var errs []error
	for _, u := range pending {
		if err := r.put(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) put(ctx context.Context, u upload) error {
	if err := r.blob.Put(ctx, u.path, bytes.NewReader(u.data), "application/x-ndjson"); err != nil {
		r.logger.Warn("upload recording failed",
			slog.String("path", u.path),
			slog.Int("frames", u.frames),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("recorder: upload %s: %w", u.path, err)
	}
	r.logger.Info("recording uploaded",
		slog.String("path", u.path),
		slog.Int("frames", u.frames),
		slog.Int("bytes", len(u.data)),
	)
	return nil
}
