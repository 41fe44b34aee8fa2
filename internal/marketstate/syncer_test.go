package marketstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
)

type fakeFetcher struct {
	mu      sync.Mutex
	infos   map[domain.AccountID]domain.AccountInfo
	calls   atomic.Int32
	onFetch func()
	err     error
}

func (f *fakeFetcher) GetAccountInfo(_ context.Context, id domain.AccountID) (domain.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.infos[id]; ok {
		return info, nil
	}
	return domain.AccountInfo{Account: id}, nil
}

func (f *fakeFetcher) GetMultipleAccounts(_ context.Context, ids []domain.AccountID) ([]domain.AccountInfo, error) {
	f.calls.Add(1)
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AccountInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := f.infos[id]; ok {
			out = append(out, info)
			continue
		}
		out = append(out, domain.AccountInfo{Account: id})
	}
	return out, nil
}

// scriptedStreamer delivers one scripted batch per connection and then
// drops it. Connections past the script block until ctx is done.
type scriptedStreamer struct {
	mu      sync.Mutex
	scripts [][]domain.AccountUpdate
	conns   atomic.Int32
}

func (s *scriptedStreamer) Stream(ctx context.Context, _ []domain.AccountID, onUpdate func(domain.AccountUpdate)) error {
	s.conns.Add(1)
	s.mu.Lock()
	var script []domain.AccountUpdate
	ok := len(s.scripts) > 0
	if ok {
		script, s.scripts = s.scripts[0], s.scripts[1:]
	}
	s.mu.Unlock()

	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, u := range script {
		onUpdate(u)
	}
	return domain.ErrStreamDisconnect
}

func testSyncConfig() SyncConfig {
	return SyncConfig{
		ReconnectMin:     time.Millisecond,
		ReconnectMax:     5 * time.Millisecond,
		ResyncBackoffMin: time.Millisecond,
		ResyncBackoffMax: 5 * time.Millisecond,
	}
}

func TestResyncRestoresTrust(t *testing.T) {
	c, _ := newTestCache(t)
	missing := domain.PublicKey{7}.AccountID()
	fetcher := &fakeFetcher{infos: map[domain.AccountID]domain.AccountInfo{
		oracleID: {Account: oracleID, Exists: true, Slot: 3, Data: oracleBytes("100")},
		marketID: {Account: marketID, Exists: true, Slot: 3, Data: marketBytes("100.5")},
	}}
	s := NewSyncer(c, fetcher, &scriptedStreamer{}, [][]domain.AccountID{{oracleID}, {marketID, missing}}, SyncConfig{BatchSize: 2}, discardLogger())

	res, err := s.Resync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, []domain.AccountID{missing}, res.Missing)
	assert.Equal(t, int32(2), fetcher.calls.Load(), "three accounts in batches of two")

	snap := c.Snapshot()
	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, uint64(3), snap.Sequence)
}

func TestResyncSupersededByDisconnect(t *testing.T) {
	c, _ := newTestCache(t)
	fetcher := &fakeFetcher{infos: map[domain.AccountID]domain.AccountInfo{
		oracleID: {Account: oracleID, Exists: true, Slot: 3, Data: oracleBytes("100")},
	}}
	fetcher.onFetch = func() { c.Invalidate() }
	s := NewSyncer(c, fetcher, &scriptedStreamer{}, [][]domain.AccountID{{oracleID}}, SyncConfig{}, discardLogger())

	_, err := s.Resync(t.Context())
	assert.True(t, errors.Is(err, ErrResyncSuperseded))
	assert.True(t, c.Snapshot().Excluded(oracleID))
}

func TestResyncKeepsUndecodableAccountUntrusted(t *testing.T) {
	c, _ := newTestCache(t)
	fetcher := &fakeFetcher{infos: map[domain.AccountID]domain.AccountInfo{
		oracleID: {Account: oracleID, Exists: true, Slot: 3, Data: oracleBytes("100")},
		marketID: {Account: marketID, Exists: true, Slot: 3, Data: marketBytes("100.5")},
	}}
	s := NewSyncer(c, fetcher, &scriptedStreamer{}, [][]domain.AccountID{{oracleID, marketID}}, SyncConfig{}, discardLogger())
	_, err := s.Resync(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, c.Snapshot().Len())

	c.Invalidate()
	fetcher.mu.Lock()
	fetcher.infos[oracleID] = domain.AccountInfo{Account: oracleID, Exists: true, Slot: 5, Data: oracleBytes("101")}
	fetcher.infos[marketID] = domain.AccountInfo{Account: marketID, Exists: true, Slot: 5, Data: []byte{1, 2, 3}}
	fetcher.mu.Unlock()

	res, err := s.Resync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DecodeErrors)
	assert.Equal(t, []domain.AccountID{oracleID}, res.Refreshed)

	snap := c.Snapshot()
	_, ok := snap.Get(oracleID)
	assert.True(t, ok)
	assert.True(t, snap.Excluded(marketID), "pre-disconnect market snapshot must stay untrusted")
}

func TestResyncKeepsMissingAccountUntrusted(t *testing.T) {
	c, _ := newTestCache(t)
	fetcher := &fakeFetcher{infos: map[domain.AccountID]domain.AccountInfo{
		oracleID: {Account: oracleID, Exists: true, Slot: 3, Data: oracleBytes("100")},
		marketID: {Account: marketID, Exists: true, Slot: 3, Data: marketBytes("100.5")},
	}}
	s := NewSyncer(c, fetcher, &scriptedStreamer{}, [][]domain.AccountID{{oracleID, marketID}}, SyncConfig{}, discardLogger())
	_, err := s.Resync(t.Context())
	require.NoError(t, err)

	c.Invalidate()
	fetcher.mu.Lock()
	delete(fetcher.infos, oracleID)
	fetcher.mu.Unlock()

	res, err := s.Resync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []domain.AccountID{oracleID}, res.Missing)

	snap := c.Snapshot()
	assert.True(t, snap.Excluded(oracleID), "oracle was not refetched")
	_, ok := snap.Get(marketID)
	assert.True(t, ok, "same-slot refetch still restores trust")
}

func TestResyncFetchError(t *testing.T) {
	c, _ := newTestCache(t)
	fetcher := &fakeFetcher{err: domain.ErrNetwork}
	s := NewSyncer(c, fetcher, &scriptedStreamer{}, [][]domain.AccountID{{oracleID}}, SyncConfig{}, discardLogger())

	_, err := s.Resync(t.Context())
	assert.True(t, errors.Is(err, domain.ErrNetwork))
}

func TestRequestResyncCoalesces(t *testing.T) {
	c, _ := newTestCache(t)
	s := NewSyncer(c, &fakeFetcher{}, &scriptedStreamer{}, nil, SyncConfig{}, discardLogger())
	s.RequestResync()
	s.RequestResync()
	s.RequestResync()
	assert.Len(t, s.resyncCh, 1)
}

func TestRunRecoversAfterDisconnect(t *testing.T) {
	c, _ := newTestCache(t)
	fetcher := &fakeFetcher{infos: map[domain.AccountID]domain.AccountInfo{
		oracleID: {Account: oracleID, Exists: true, Slot: 1, Data: oracleBytes("100")},
		marketID: {Account: marketID, Exists: true, Slot: 1, Data: marketBytes("100.5")},
	}}
	streamer := &scriptedStreamer{scripts: [][]domain.AccountUpdate{
		{{Account: oracleID, Sequence: 5, Data: oracleBytes("105")}},
	}}
	s := NewSyncer(c, fetcher, streamer, [][]domain.AccountID{{oracleID, marketID}}, testSyncConfig(), discardLogger())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		a, ok := snap.Get(oracleID)
		return ok && a.Sequence == 5 && snap.Len() == 2 && streamer.conns.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("syncer did not stop")
	}
}
