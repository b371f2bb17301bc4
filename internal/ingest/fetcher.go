package ingest

import (
	"context"
	"iter"
	"time"

	"github.com/registry-scanner/internal/events"
	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/metrics"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/retry"
	"github.com/registry-scanner/internal/upstream"
)

// PageSource serves pages of a partition
type PageSource interface {
	FetchPage(ctx context.Context, q upstream.Query) (*upstream.Response, error)
	SupportsModifiedSince() bool
}

// FetcherConfig configures pagination
type FetcherConfig struct {
	PageSize int
	Cap      int
	MaxPages int
	Retry    *retry.RetryConfig
}

// Fetcher pages through partitions lazily. It never writes to storage.
type Fetcher struct {
	src     PageSource
	cfg     FetcherConfig
	sink    events.Sink
	metrics *metrics.Metrics
}

// NewFetcher creates a fetcher
func NewFetcher(src PageSource, cfg FetcherConfig, m *metrics.Metrics) *Fetcher {
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultRetryConfig()
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	return &Fetcher{src: src, cfg: cfg, sink: events.Nop{}, metrics: m}
}

// WithSink returns a copy of the fetcher that reports progress to sink
func (f *Fetcher) WithSink(sink events.Sink) *Fetcher {
	cp := *f
	cp.sink = sink
	return &cp
}

// WithRetry returns a copy of the fetcher using a different retry policy
func (f *Fetcher) WithRetry(cfg *retry.RetryConfig) *Fetcher {
	cp := *f
	cp.cfg.Retry = cfg
	return &cp
}

// PageSize returns the configured page size
func (f *Fetcher) PageSize() int {
	return f.cfg.PageSize
}

// Fetch returns a lazy stream over the partition starting at fromPage.
// No request is made until the stream is iterated.
func (f *Fetcher) Fetch(ctx context.Context, p models.Partition, fromPage int) *Stream {
	if fromPage < 0 {
		fromPage = 0
	}
	s := &Stream{
		ctx:       ctx,
		f:         f,
		partition: p,
		page:      fromPage,
		total:     -1,
	}
	if p.ModifiedSince != nil && !f.src.SupportsModifiedSince() {
		since := *p.ModifiedSince
		s.keep = func(r upstream.RawRecord) bool {
			mod, ok := r.ModifiedTime()
			return !ok || !mod.Before(since)
		}
	}
	return s
}

// Stream is a restartable, single-use sequence of raw records for one partition
type Stream struct {
	ctx       context.Context
	f         *Fetcher
	partition models.Partition
	keep      func(upstream.RawRecord) bool

	page     int
	pages    int
	total    int
	seen     int
	filtered int
	err      error
	gap      *models.Gap
	done     bool
	complete bool
}

// Records yields records page by page. Pages are requested only as the consumer iterates.
func (s *Stream) Records() iter.Seq[upstream.RawRecord] {
	return func(yield func(upstream.RawRecord) bool) {
		for !s.done {
			if !s.canFetchNext() {
				s.done = true
				return
			}

			resp, err := s.fetch()
			if err != nil {
				s.fail(err)
				return
			}

			s.pages++
			s.total = resp.Page.TotalElements
			s.f.metrics.Fetched(len(resp.Records))

			for _, rec := range resp.Records {
				if s.keep != nil && !s.keep(rec) {
					s.filtered++
					continue
				}
				s.seen++
				if !yield(rec) {
					// cursor stays on this page so a restart re-reads it
					s.done = true
					return
				}
			}
			s.page++

			s.f.sink.Emit(s.ctx, events.Event{
				Kind:         events.KindPage,
				PartitionKey: s.partition.Key(),
				Page:         s.page - 1,
				Count:        int64(s.seen),
			})

			if len(resp.Records) == 0 || s.page >= resp.Page.TotalPages {
				s.done = true
				s.complete = true
			}
		}
	}
}

// canFetchNext applies the cap window and the page ceiling, recording a gap when records remain
func (s *Stream) canFetchNext() bool {
	size := s.f.cfg.PageSize
	if s.f.cfg.Cap > 0 && size*(s.page+1) > s.f.cfg.Cap {
		s.recordTailGap(models.GapReasonCapReached)
		return false
	}
	if s.f.cfg.MaxPages > 0 && s.pages >= s.f.cfg.MaxPages {
		s.recordTailGap(models.GapReasonPageCeiling)
		return false
	}
	return true
}

func (s *Stream) fetch() (*upstream.Response, error) {
	q := upstream.Query{Partition: s.partition, Page: s.page, Size: s.f.cfg.PageSize}

	policy := *s.f.cfg.Retry
	retryable := policy.Retryable
	policy.Retryable = func(err error) bool {
		if apperrors.IsCapExceeded(err) {
			return false
		}
		return retryable == nil || retryable(err)
	}
	policy.OnRetry = func(int, error, time.Duration) { s.f.metrics.UpstreamRetry() }

	var resp *upstream.Response
	result := retry.WithExponentialBackoff(s.ctx, &policy, func(ctx context.Context, attempt int) error {
		r, err := s.f.src.FetchPage(ctx, q)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if !result.Success {
		if apperrors.IsCapExceeded(result.LastError) || s.ctx.Err() != nil {
			return nil, result.LastError
		}
		return nil, result.Err()
	}
	return resp, nil
}

func (s *Stream) fail(err error) {
	s.done = true
	switch {
	case apperrors.IsCapExceeded(err):
		logging.FromContext(s.ctx).WithFields(map[string]interface{}{
			"partition": s.partition.Key(),
			"page":      s.page,
		}).Warn("Upstream cap reached before partition end")
		s.recordTailGap(models.GapReasonCapReached)
	case s.ctx.Err() != nil:
		s.err = s.ctx.Err()
	default:
		s.err = err
		s.recordTailGap(models.GapReasonFetchFailed)
	}
}

func (s *Stream) recordTailGap(reason string) {
	remaining := s.total - s.page*s.f.cfg.PageSize
	if s.total >= 0 && remaining <= 0 && reason != models.GapReasonFetchFailed {
		return
	}
	gap := newGap(s.partition, reason, s.page, max(remaining, 0))
	s.gap = &gap
	s.f.metrics.Gap(reason)
	s.f.sink.Emit(s.ctx, events.Event{
		Kind:         events.KindGap,
		PartitionKey: s.partition.Key(),
		Page:         s.page,
		Count:        int64(s.seen),
		Message:      "coverage gap: " + reason,
	})
}

// Err returns the terminal error, nil when the stream ended cleanly or on a cap signal
func (s *Stream) Err() error { return s.err }

// Gap returns the unreached tail, if any
func (s *Stream) Gap() *models.Gap { return s.gap }

// Cursor returns the next page to request; restarting from it loses no records
func (s *Stream) Cursor() int { return s.page }

// Seen returns the number of records yielded
func (s *Stream) Seen() int { return s.seen }

// Filtered returns the number of records dropped by the client-side modification filter
func (s *Stream) Filtered() int { return s.filtered }

// Total returns the upstream's reported total, or -1 before the first page
func (s *Stream) Total() int { return s.total }

// Complete reports whether the stream reached the end of the partition
func (s *Stream) Complete() bool { return s.complete }
