// Package updater drives the ingest pipeline: it walks the remote archive
// month by month, fetches and parses recorder files on a bounded worker
// pool, merges results into the cache through a single writer, and advances
// a persisted watermark after each fully attempted month so interrupted
// updates resume without skipping or duplicating work.
package updater

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seismoworks/geomotion/internal/archive"
	"github.com/seismoworks/geomotion/internal/domain"
	"github.com/seismoworks/geomotion/internal/errors"
	"github.com/seismoworks/geomotion/internal/observability"
	"github.com/seismoworks/geomotion/internal/parser"
)

// Store is the slice of the cache store the updater writes through.
type Store interface {
	UpsertSites(ctx context.Context, sites []domain.Site) (int, error)
	MergeEvent(ctx context.Context, event domain.Event, records []domain.Record) (int64, error)
	UpdateState(ctx context.Context, kind domain.UpdateKind) (domain.Watermark, bool, error)
	SetUpdateState(ctx context.Context, kind domain.UpdateKind, wm domain.Watermark) error
}

// Updater orchestrates archive client, parser, and store.
type Updater struct {
	client  archive.Client
	sites   archive.SiteSource
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics

	workers      int
	fetchRetries int
	fetchTimeout time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
}

// Option configures an Updater.
type Option func(*Updater)

// WithWorkers sets the fetch+parse worker pool size.
func WithWorkers(n int) Option {
	return func(u *Updater) {
		if n > 0 {
			u.workers = n
		}
	}
}

// WithFetchRetries sets how many attempts a transient fetch failure gets
// before the file is skipped.
func WithFetchRetries(n int) Option {
	return func(u *Updater) {
		if n > 0 {
			u.fetchRetries = n
		}
	}
}

// WithFetchTimeout sets the per-file fetch timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(u *Updater) {
		if d > 0 {
			u.fetchTimeout = d
		}
	}
}

// WithBackoff overrides the retry backoff range.
func WithBackoff(base, max time.Duration) Option {
	return func(u *Updater) {
		if base > 0 {
			u.backoffBase = base
		}
		if max >= base {
			u.backoffMax = max
		}
	}
}

// New creates an Updater with the given collaborators.
func New(client archive.Client, sites archive.SiteSource, store Store, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Updater {
	u := &Updater{
		client:  client,
		sites:   sites,
		store:   store,
		logger:  logger,
		metrics: metrics,

		workers:      4,
		fetchRetries: 3,
		fetchTimeout: 30 * time.Second,
		backoffBase:  200 * time.Millisecond,
		backoffMax:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UpdateSites refreshes the full site registry. Idempotent; safe to call
// repeatedly. Transient registry fetch failures are retried with backoff.
func (u *Updater) UpdateSites(ctx context.Context) (int, error) {
	var sites []domain.Site
	backoff := u.backoffBase
	for attempt := 1; ; attempt++ {
		var err error
		sites, err = u.sites.FetchSites(ctx)
		if err == nil {
			break
		}
		if !errors.IsRetryable(err) || attempt >= u.fetchRetries {
			return 0, fmt.Errorf("fetch site registry: %w", err)
		}
		u.metrics.FetchRetries.Inc()
		u.logger.Warn("site registry fetch failed, retrying", "attempt", attempt, "error", err)
		if !sleepWithContext(ctx, backoff) {
			return 0, ctx.Err()
		}
		backoff = nextBackoff(backoff, u.backoffMax)
	}

	count, err := u.store.UpsertSites(ctx, sites)
	if err != nil {
		return 0, fmt.Errorf("upsert sites: %w", err)
	}
	u.metrics.SitesUpserted.Add(float64(count))

	now := domain.Clock.Now().UTC()
	if err := u.store.SetUpdateState(ctx, domain.UpdateKindSites, domain.Watermark{Year: now.Year(), Month: int(now.Month())}); err != nil {
		return count, err
	}

	u.logger.Info("site registry updated", "sites", count)
	return count, nil
}

// UpdateEvents ingests archive months in chronological order, starting at
// the later of since's month and the month after the stored events
// watermark. Item-level failures are absorbed into the returned summary;
// only storage failures abort the run, and never past the last committed
// month.
func (u *Updater) UpdateEvents(ctx context.Context, since *time.Time) (summary domain.UpdateSummary, err error) {
	summary = domain.UpdateSummary{
		RunID:   uuid.NewString(),
		Started: domain.Clock.Now().UTC(),
	}
	// summary is a named result so this lands in the returned value on every
	// path.
	defer func() { summary.Finished = domain.Clock.Now().UTC() }()

	u.metrics.UpdateRunning.Set(1)
	defer u.metrics.UpdateRunning.Set(0)

	log := u.logger.With("run_id", summary.RunID)

	start, bounded, err := u.startingPoint(ctx, since)
	if err != nil {
		return summary, err
	}
	if bounded {
		log.Info("update starting", "from", start.String())
	} else {
		log.Info("update starting from earliest archive year")
	}

	years, err := u.client.ListYears(ctx)
	if err != nil {
		return summary, fmt.Errorf("list years: %w", err)
	}

	for _, year := range years {
		if bounded && year < start.Year {
			continue
		}

		months, err := u.client.ListMonths(ctx, year)
		if err != nil {
			return summary, fmt.Errorf("list months %d: %w", year, err)
		}

		for _, month := range months {
			if bounded && year == start.Year && month < start.Month {
				continue
			}
			if err := ctx.Err(); err != nil {
				return summary, err
			}

			if err := u.processMonth(ctx, year, month, &summary, log); err != nil {
				return summary, err
			}

			wm := domain.Watermark{Year: year, Month: month}
			if err := u.store.SetUpdateState(ctx, domain.UpdateKindEvents, wm); err != nil {
				return summary, err
			}
			u.metrics.MonthsAdvanced.Inc()
			summary.MonthsProcessed++
			log.Info("month committed", "watermark", wm.String())
		}
	}

	log.Info("update finished",
		"months", summary.MonthsProcessed,
		"files_processed", summary.FilesProcessed,
		"files_skipped", summary.FilesSkipped,
		"failures", len(summary.Failures),
	)
	return summary, nil
}

// startingPoint resolves the first (year, month) to process. The stored
// watermark names the last fully processed month, so resumption begins at
// the month after it.
func (u *Updater) startingPoint(ctx context.Context, since *time.Time) (domain.Watermark, bool, error) {
	var start domain.Watermark
	bounded := false

	wm, ok, err := u.store.UpdateState(ctx, domain.UpdateKindEvents)
	if err != nil {
		return domain.Watermark{}, false, err
	}
	if ok {
		start = wm.Next()
		bounded = true
	}

	if since != nil {
		s := domain.Watermark{Year: since.UTC().Year(), Month: int(since.UTC().Month())}
		if !bounded || start.Before(s) {
			start = s
			bounded = true
		}
	}
	return start, bounded, nil
}

// fileResult is one worker's outcome for one archive file.
type fileResult struct {
	handle  archive.FileHandle
	parsed  domain.ParsedFile
	failure *domain.ParseFailure // whole-file parse failure
	err     error                // fetch failure after retries
}

// processMonth fetches and parses every file of one archive month on the
// worker pool and merges results serially. The month's watermark is only
// advanced by the caller once this returns nil, i.e. after every file was
// attempted and every merge committed.
func (u *Updater) processMonth(ctx context.Context, year, month int, summary *domain.UpdateSummary, log *slog.Logger) error {
	log = log.With("year", year, "month", month)
	log.Debug("listing archive month")

	files, err := u.client.ListEventFiles(ctx, year, month)
	if err != nil {
		return fmt.Errorf("list event files %04d-%02d: %w", year, month, err)
	}
	if len(files) == 0 {
		log.Info("archive month is empty")
		return nil
	}

	// Workers stop promptly when the merger aborts on a fatal store error.
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan archive.FileHandle)
	results := make(chan fileResult)

	var wg sync.WaitGroup
	for i := 0; i < u.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for handle := range jobs {
				res := u.fetchAndParse(mctx, handle, log)
				select {
				case results <- res:
				case <-mctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, f := range files {
			select {
			case jobs <- f:
			case <-mctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Single merge step: all store writes for the month happen here, in
	// this goroutine, one transaction at a time.
	for res := range results {
		if err := u.mergeResult(ctx, res, summary, log); err != nil {
			cancel()
			for range results {
				// drain so workers unblock
			}
			return err
		}
	}

	return ctx.Err()
}

// fetchAndParse performs the sequential fetch+parse of one file inside a
// worker.
func (u *Updater) fetchAndParse(ctx context.Context, handle archive.FileHandle, log *slog.Logger) fileResult {
	log.Debug("fetching", "file", handle.Name)
	data, err := u.fetchWithRetry(ctx, handle, log)
	if err != nil {
		return fileResult{handle: handle, err: err}
	}

	log.Debug("parsing", "file", handle.Name)
	parsed, err := parser.ParseFile(handle.Name, data)
	if err != nil {
		var pf domain.ParseFailure
		if stderrors.As(err, &pf) {
			return fileResult{handle: handle, failure: &pf}
		}
		return fileResult{handle: handle, err: err}
	}
	return fileResult{handle: handle, parsed: parsed}
}

// fetchWithRetry fetches one file, retrying transient failures with bounded
// exponential backoff. Not-found failures are returned immediately; the
// caller records them as skips.
func (u *Updater) fetchWithRetry(ctx context.Context, handle archive.FileHandle, log *slog.Logger) ([]byte, error) {
	backoff := u.backoffBase
	for attempt := 1; ; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, u.fetchTimeout)
		start := time.Now()
		data, err := u.client.Fetch(fctx, handle)
		cancel()
		if err == nil {
			u.metrics.FetchDuration.Observe(time.Since(start).Seconds())
			return data, nil
		}
		if !errors.IsRetryable(err) || attempt >= u.fetchRetries {
			return nil, err
		}

		u.metrics.FetchRetries.Inc()
		log.Warn("fetch failed, retrying", "file", handle.Name, "attempt", attempt, "error", err)
		if !sleepWithContext(ctx, backoff) {
			return nil, ctx.Err()
		}
		backoff = nextBackoff(backoff, u.backoffMax)
	}
}

// mergeResult folds one worker result into the cache and the run summary.
// Only fatal storage errors propagate; everything else is absorbed.
func (u *Updater) mergeResult(ctx context.Context, res fileResult, summary *domain.UpdateSummary, log *slog.Logger) error {
	switch {
	case res.err != nil:
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Warn("skipping file after fetch failure", "file", res.handle.Name, "error", res.err)
		summary.FilesSkipped++
		u.metrics.FilesSkipped.Inc()
		return nil

	case res.failure != nil:
		log.Warn("skipping unparseable file", "file", res.handle.Name, "reason", res.failure.Reason)
		summary.Failures = append(summary.Failures, *res.failure)
		summary.FilesSkipped++
		u.metrics.FilesSkipped.Inc()
		u.metrics.ParseFailures.Inc()
		return nil
	}

	// Site-block failures are reported but don't block the rest of the file.
	for _, f := range res.parsed.Failures {
		log.Warn("dropped site block", "file", f.File, "site", f.Site, "reason", f.Reason)
		summary.Failures = append(summary.Failures, f)
		u.metrics.ParseFailures.Inc()
	}

	if len(res.parsed.Records) == 0 {
		// Events are only created when at least one site block parsed.
		summary.FilesSkipped++
		u.metrics.FilesSkipped.Inc()
		return nil
	}

	start := time.Now()
	_, err := u.store.MergeEvent(ctx, res.parsed.Event, res.parsed.Records)
	if err != nil {
		if errors.KindOf(err) == errors.KindValidation {
			log.Warn("merge rejected", "file", res.handle.Name, "error", err)
			summary.Failures = append(summary.Failures, domain.ParseFailure{
				File:   res.handle.Name,
				Reason: err.Error(),
			})
			summary.FilesSkipped++
			u.metrics.FilesSkipped.Inc()
			return nil
		}
		return fmt.Errorf("merge %s: %w", res.handle.Name, err)
	}
	u.metrics.MergeDuration.Observe(time.Since(start).Seconds())

	summary.FilesProcessed++
	summary.EventsMerged++
	summary.RecordsMerged += len(res.parsed.Records)
	u.metrics.FilesProcessed.Inc()
	u.metrics.EventsMerged.Inc()
	u.metrics.RecordsMerged.Add(float64(len(res.parsed.Records)))
	return nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-domain.Clock.After(d):
		return true
	}
}
