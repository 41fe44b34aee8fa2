package marketstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// ErrResyncSuperseded is returned when a stream disconnected while a resync
// was fetching. The fetched data was applied but trust was not restored.
var ErrResyncSuperseded = errors.New("resync superseded by invalidation")

// SyncConfig tunes the syncer.
type SyncConfig struct {
	RefreshInterval  time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	ResyncBackoffMin time.Duration
	ResyncBackoffMax time.Duration
	// BatchSize caps accounts per multi-account fetch.
	BatchSize int
}

func (c *SyncConfig) withDefaults() SyncConfig {
	out := *c
	if out.ReconnectMin <= 0 {
		out.ReconnectMin = time.Second
	}
	if out.ReconnectMax < out.ReconnectMin {
		out.ReconnectMax = 30 * time.Second
	}
	if out.ResyncBackoffMin <= 0 {
		out.ResyncBackoffMin = 500 * time.Millisecond
	}
	if out.ResyncBackoffMax < out.ResyncBackoffMin {
		out.ResyncBackoffMax = 15 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	return out
}

// ResyncResult summarises one full refetch.
type ResyncResult struct {
	Fetched      int
	Accepted     int
	Missing      []domain.AccountID
	DecodeErrors int
	// Refreshed lists accounts whose stored snapshot is at least as new as
	// the fetch. Only these regain trust.
	Refreshed []domain.AccountID
}

// Syncer feeds the cache. It runs one task per account stream, one resync
// task that serves coalesced resync requests, and a periodic full refresh.
type Syncer struct {
	cache    *Cache
	fetcher  domain.AccountFetcher
	streamer domain.AccountStreamer
	streams  [][]domain.AccountID
	accounts []domain.AccountID
	cfg      SyncConfig
	logger   *slog.Logger

	resyncCh chan struct{}
}

// NewSyncer creates a syncer for the given stream groups. Every account in
// any group is refetched on resync.
func NewSyncer(
	cache *Cache,
	fetcher domain.AccountFetcher,
	streamer domain.AccountStreamer,
	streams [][]domain.AccountID,
	cfg SyncConfig,
	logger *slog.Logger,
) *Syncer {
	var all []domain.AccountID
	for _, g := range streams {
		all = append(all, g...)
	}
	return &Syncer{
		cache:    cache,
		fetcher:  fetcher,
		streamer: streamer,
		streams:  streams,
		accounts: all,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "syncer")),
		resyncCh: make(chan struct{}, 1),
	}
}

// RequestResync asks the resync task for a full refetch. Requests made
// while one is pending collapse into it.
func (s *Syncer) RequestResync() {
	select {
	case s.resyncCh <- struct{}{}:
	default:
	}
}

// Resync refetches every tracked account and applies the results. Trust is
// restored only for accounts the fetch refreshed, and only if no disconnect
// invalidated the cache meanwhile; otherwise ErrResyncSuperseded is returned.
// Missing accounts and accounts that failed to decode stay untrusted.
func (s *Syncer) Resync(ctx context.Context) (ResyncResult, error) {
	var res ResyncResult
	gen := s.cache.BeginResync()

	for start := 0; start < len(s.accounts); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(s.accounts))
		infos, err := s.fetcher.GetMultipleAccounts(ctx, s.accounts[start:end])
		if err != nil {
			return res, fmt.Errorf("marketstate: resync fetch: %w", err)
		}
		for _, info := range infos {
			if !info.Exists {
				res.Missing = append(res.Missing, info.Account)
				continue
			}
			res.Fetched++
			ok, err := s.cache.ApplyUpdate(info.Account, info.Slot, info.Data)
			if err != nil {
				res.DecodeErrors++
				s.logger.WarnContext(ctx, "resync decode failed",
					slog.String("account", string(info.Account)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				res.Accepted++
			}
			res.Refreshed = append(res.Refreshed, info.Account)
		}
	}

	if !s.cache.CompleteResync(gen, res.Refreshed) {
		return res, ErrResyncSuperseded
	}
	s.logger.DebugContext(ctx, "resync complete",
		slog.Int("fetched", res.Fetched),
		slog.Int("accepted", res.Accepted),
		slog.Int("missing", len(res.Missing)),
		slog.Int("decode_errors", res.DecodeErrors),
	)
	return res, nil
}

// Run starts the stream, resync and refresh tasks and blocks until ctx is
// cancelled. A resync is requested immediately.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("syncer started",
		slog.Int("streams", len(s.streams)),
		slog.Int("accounts", len(s.accounts)),
	)
	defer s.logger.Info("syncer stopped")

	s.RequestResync()

	g, ctx := errgroup.WithContext(ctx)
	for i, accounts := range s.streams {
		g.Go(func() error { return s.runStream(ctx, i, accounts) })
	}
	g.Go(func() error { return s.runResync(ctx) })
	if s.cfg.RefreshInterval > 0 {
		g.Go(func() error { return s.runRefresh(ctx) })
	}
	return g.Wait()
}

func (s *Syncer) runStream(ctx context.Context, idx int, accounts []domain.AccountID) error {
	log := s.logger.With(slog.Int("stream", idx))
	backoff := s.cfg.ReconnectMin

	for {
		// The first update on a fresh subscription proves it is live; the
		// resync it triggers closes the gap since the disconnect.
		var once sync.Once
		started := time.Now()
		err := s.streamer.Stream(ctx, accounts, func(u domain.AccountUpdate) {
			once.Do(s.RequestResync)
			if _, err := s.cache.ApplyUpdate(u.Account, u.Sequence, u.Data); err != nil {
				log.Warn("update dropped",
					slog.String("account", string(u.Account)),
					slog.Uint64("sequence", u.Sequence),
					slog.String("error", err.Error()),
				)
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = domain.ErrStreamDisconnect
		}

		s.cache.Invalidate()
		s.RequestResync()

		if time.Since(started) > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMin
		}
		log.Warn("account stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		if !sleep(ctx, jitter(backoff)) {
			return nil
		}
		backoff = min(backoff*2, s.cfg.ReconnectMax)
	}
}

func (s *Syncer) runResync(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.resyncCh:
		}

		backoff := s.cfg.ResyncBackoffMin
		for {
			_, err := s.Resync(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("resync failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			if !sleep(ctx, jitter(backoff)) {
				return nil
			}
			backoff = min(backoff*2, s.cfg.ResyncBackoffMax)
		}
	}
}

func (s *Syncer) runRefresh(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RequestResync()
		}
	}
}

// jitter spreads d over [d/2, d).
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(half)
}

// sleep waits for d or ctx, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
