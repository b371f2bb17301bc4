package ingest

import (
	"net/http"
	"testing"
	"time"

	"github.com/registry-scanner/internal/config"
	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/events"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/upstream"
	"github.com/registry-scanner/internal/upstream/upstreamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fetchRange = models.Partition{From: epoch, To: epoch.AddDate(1, 0, 0)}

func newTestFetcher(t *testing.T, srv *upstreamtest.Server, supportsSince bool, cfg FetcherConfig) *Fetcher {
	t.Helper()
	client, err := upstream.NewClient(config.UpstreamConfig{
		BaseURL:               srv.URL,
		RequestTimeout:        5 * time.Second,
		RequestsPerSecond:     10000,
		Burst:                 10000,
		BreakerFailures:       100,
		BreakerTimeout:        time.Minute,
		SupportsModifiedSince: supportsSince,
	}, nil, nil)
	require.NoError(t, err)
	if cfg.Retry == nil {
		cfg.Retry = fastRetry(2)
	}
	return NewFetcher(client, cfg, nil)
}

func collect(s *Stream) []upstream.RawRecord {
	var out []upstream.RawRecord
	for r := range s.Records() {
		out = append(out, r)
	}
	return out
}

func TestFetcher_ReadsWholePartition(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.GenerateRecords(250, nil, epoch, epoch.AddDate(1, 0, 0)), 10000)
	defer srv.Close()
	rec := &events.Recorder{}
	f := newTestFetcher(t, srv, false, FetcherConfig{PageSize: 100, Cap: 10000}).WithSink(rec)

	stream := f.Fetch(quietCtx(), fetchRange, 0)
	assert.Equal(t, 0, srv.Requests(), "fetch must be lazy")

	records := collect(stream)
	assert.Len(t, records, 250)
	assert.NoError(t, stream.Err())
	assert.Nil(t, stream.Gap())
	assert.True(t, stream.Complete())
	assert.Equal(t, 3, stream.Cursor())

	pages := rec.OfKind(events.KindPage)
	require.Len(t, pages, 3)
	assert.EqualValues(t, 250, pages[2].Count)
}

func TestFetcher_StopsAtCapWindow(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.GenerateRecords(250, nil, epoch, epoch.AddDate(1, 0, 0)), 10000)
	defer srv.Close()
	f := newTestFetcher(t, srv, false, FetcherConfig{PageSize: 100, Cap: 200})

	stream := f.Fetch(quietCtx(), fetchRange, 0)
	records := collect(stream)

	assert.Len(t, records, 200)
	assert.NoError(t, stream.Err())
	require.NotNil(t, stream.Gap())
	assert.Equal(t, models.GapReasonCapReached, stream.Gap().Reason)
	assert.Equal(t, 2, stream.Gap().Cursor)
	assert.Equal(t, 50, stream.Gap().EstimatedRecords)
	assert.False(t, stream.Complete())
}

func TestFetcher_CapBoundaryIsInclusive(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.GenerateRecords(200, nil, epoch, epoch.AddDate(1, 0, 0)), 200)
	defer srv.Close()
	f := newTestFetcher(t, srv, false, FetcherConfig{PageSize: 100, Cap: 200})

	stream := f.Fetch(quietCtx(), fetchRange, 0)
	assert.Len(t, collect(stream), 200)
	assert.Nil(t, stream.Gap())
	assert.True(t, stream.Complete())
}

func TestFetcher_UpstreamCapSignalStopsCleanly(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.GenerateRecords(250, nil, epoch, epoch.AddDate(1, 0, 0)), 150)
	defer srv.Close()
	f := newTestFetcher(t, srv, false, FetcherConfig{PageSize: 100, Cap: 10000})

	stream := f.Fetch(quietCtx(), fetchRange, 0)
	records := collect(stream)

	assert.Len(t, records, 100)
	assert.NoError(t, stream.Err())
	require.NotNil(t, stream.Gap())
	assert.Equal(t, models.GapReasonCapReached, stream.Gap().Reason)
	assert.Equal(t, 1, stream.Gap().Cursor)
}

func TestFetcher_PageCeiling(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.GenerateRecords(250, nil, epoch, epoch.AddDate(1, 0, 0)), 10000)
	defer srv.Close()
	f := newTestFetcher(t, srv, false, FetcherConfig{PageSize: 100, Cap: 10000, MaxPages: 1})

	stream := f.Fetch(quietCtx(), fetchRange, 0)
	assert.Len(t, collect(stream), 100)
	require.NotNil(t, stream.Gap())
	assert.Equal(t, models.GapReasonPageCeiling, stream.Gap().Reason)
}

func TestFetcher_RetriesTransientFailures(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.GenerateRecords(50, nil, epoch, epoch.AddDate(1, 0, 0)), 10000)
	defer srv.Close()
	srv.FailNext(2)
	f := newTestFetcher(t, srv, false, FetcherConfig{PageSize: 100, Cap: 10000, Retry: fastRetry(3)})

	stream := f.Fetch(quietCtx(), fetchRange, 0)
	assert.Len(t, collect(stream), 50)
	assert.NoError(t, stream.Err())
	assert.Equal(t, 3, srv.Requests())
}

func TestFetcher_RetryExhaustionLeavesGap(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.GenerateRecords(50, nil, epoch, epoch.AddDate(1, 0, 0)), 10000)
	defer srv.Close()
	srv.FailRange(epoch, epoch.AddDate(0, 0, 1), http.StatusServiceUnavailable)
	f := newTestFetcher(t, srv, false, FetcherConfig{PageSize: 100, Cap: 10000, Retry: fastRetry(2)})

	stream := f.Fetch(quietCtx(), fetchRange, 0)
	assert.Empty(t, collect(stream))
	assert.True(t, apperrors.IsTransient(stream.Err()))
	require.NotNil(t, stream.Gap())
	assert.Equal(t, models.GapReasonFetchFailed, stream.Gap().Reason)
	assert.Equal(t, 0, stream.Gap().Cursor)
	assert.Equal(t, 3, srv.Requests())
}

func TestFetcher_RestartFromCursor(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.GenerateRecords(250, nil, epoch, epoch.AddDate(1, 0, 0)), 10000)
	defer srv.Close()
	f := newTestFetcher(t, srv, false, FetcherConfig{PageSize: 100, Cap: 10000})

	seen := map[string]bool{}
	first := f.Fetch(quietCtx(), fetchRange, 0)
	for r := range first.Records() {
		seen[r.ID] = true
		if len(seen) == 150 {
			break
		}
	}
	assert.Equal(t, 1, first.Cursor(), "cursor stays on the partially read page")

	rest := f.Fetch(quietCtx(), fetchRange, first.Cursor())
	for r := range rest.Records() {
		seen[r.ID] = true
	}
	assert.Len(t, seen, 250)
	assert.True(t, rest.Complete())
}

func TestFetcher_ClientSideModifiedSince(t *testing.T) {
	srv := upstreamtest.NewServer(upstreamtest.GenerateRecords(100, nil, epoch, epoch.AddDate(1, 0, 0)), 10000)
	defer srv.Close()
	f := newTestFetcher(t, srv, false, FetcherConfig{PageSize: 30, Cap: 10000})

	since := epoch.AddDate(0, 6, 0)
	p := fetchRange
	p.ModifiedSince = &since

	stream := f.Fetch(quietCtx(), p, 0)
	records := collect(stream)
	require.NotEmpty(t, records)
	for _, r := range records {
		mod, ok := r.ModifiedTime()
		require.True(t, ok)
		assert.False(t, mod.Before(since))
	}
	assert.Equal(t, 100, stream.Seen()+stream.Filtered())
}
