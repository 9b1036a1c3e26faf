package updater_test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seismoworks/geomotion/internal/archive"
	"github.com/seismoworks/geomotion/internal/domain"
	"github.com/seismoworks/geomotion/internal/errors"
	"github.com/seismoworks/geomotion/internal/observability"
	"github.com/seismoworks/geomotion/internal/store"
	"github.com/seismoworks/geomotion/internal/updater"
)

// fakeArchive is an in-memory archive.Client and archive.SiteSource. Fetch
// errors can be queued per path; each fetch consumes one queued error before
// succeeding.
type fakeArchive struct {
	mu        sync.Mutex
	months    map[int][]int                    // year -> months
	files     map[string][]archive.FileHandle  // "yyyy-mm" -> handles
	content   map[string][]byte                // path -> bytes
	fetchErrs map[string][]error               // path -> queued errors
	fetches   map[string]int                   // path -> fetch attempts
	sites     []domain.Site
	siteErrs  []error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		months:    make(map[int][]int),
		files:     make(map[string][]archive.FileHandle),
		content:   make(map[string][]byte),
		fetchErrs: make(map[string][]error),
		fetches:   make(map[string]int),
	}
}

func (f *fakeArchive) addFile(year, month int, name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !contains(f.months[year], month) {
		f.months[year] = append(f.months[year], month)
	}
	key := monthKey(year, month)
	path := fmt.Sprintf("/%d/%02d_Prelim/evt/Vol1/data/%s", year, month, name)
	f.files[key] = append(f.files[key], archive.FileHandle{Path: path, Name: name})
	f.content[path] = data
}

func (f *fakeArchive) queueFetchError(year, month int, name string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := fmt.Sprintf("/%d/%02d_Prelim/evt/Vol1/data/%s", year, month, name)
	f.fetchErrs[path] = append(f.fetchErrs[path], errs...)
}

func (f *fakeArchive) fetchCount(year, month int, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[fmt.Sprintf("/%d/%02d_Prelim/evt/Vol1/data/%s", year, month, name)]
}

func (f *fakeArchive) ListYears(context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var years []int
	for y := range f.months {
		years = append(years, y)
	}
	sortInts(years)
	return years, nil
}

func (f *fakeArchive) ListMonths(_ context.Context, year int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	months := append([]int(nil), f.months[year]...)
	sortInts(months)
	return months, nil
}

func (f *fakeArchive) ListEventFiles(_ context.Context, year, month int) ([]archive.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]archive.FileHandle(nil), f.files[monthKey(year, month)]...), nil
}

func (f *fakeArchive) Fetch(_ context.Context, handle archive.FileHandle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches[handle.Path]++
	if queue := f.fetchErrs[handle.Path]; len(queue) > 0 {
		err := queue[0]
		f.fetchErrs[handle.Path] = queue[1:]
		return nil, err
	}
	data, ok := f.content[handle.Path]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "no such file: "+handle.Path)
	}
	return data, nil
}

func (f *fakeArchive) FetchSites(context.Context) ([]domain.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.siteErrs) > 0 {
		err := f.siteErrs[0]
		f.siteErrs = f.siteErrs[1:]
		return nil, err
	}
	return append([]domain.Site(nil), f.sites...), nil
}

func monthKey(year, month int) string { return fmt.Sprintf("%04d-%02d", year, month) }

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}

// recorderFile builds a syntactically valid archive file for one event with
// one site block per code.
func recorderFile(origin string, codes ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Origin time: %s\n", origin)
	b.WriteString("Epicentre latitude: -43.564\n")
	b.WriteString("Epicentre longitude: 172.740\n")
	b.WriteString("Magnitude ML: 6.0\n\n")
	for _, code := range codes {
		fmt.Fprintf(&b, "Site %s\n", code)
		b.WriteString("Bearing: 57\nDistance: 2.0\nTimestep: 0.02\nSamples: 3\n")
		b.WriteString("Channel 0\n  1000.0 -2000.0  1500.0\n")
		b.WriteString("Channel 90\n   500.0   250.0  -100.0\n")
		b.WriteString("Channel 999\n  -100.0   100.0    50.0\n")
	}
	return []byte(b.String())
}

func newTestUpdater(t *testing.T, fake *fakeArchive) (*updater.Updater, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	u := updater.New(fake, fake, st, slog.Default(), observability.NewMetricsForTesting(),
		updater.WithWorkers(2),
		updater.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	return u, st
}

func TestUpdateEvents_EndToEnd(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.addFile(2011, 6, "20110613_022049.V1A", recorderFile("2011-06-13 02:20:49 UTC", "CECS", "AAAS"))
	fake.addFile(2011, 6, "20110620_110000.V1A", recorderFile("2011-06-20 11:00:00 UTC", "CECS"))
	u, st := newTestUpdater(t, fake)

	since := time.Date(2011, time.June, 1, 0, 0, 0, 0, time.UTC)
	summary, err := u.UpdateEvents(ctx, &since)
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.False(t, summary.Started.IsZero())
	assert.False(t, summary.Finished.IsZero())
	assert.False(t, summary.Finished.Before(summary.Started))
	assert.Equal(t, 1, summary.MonthsProcessed)
	assert.Equal(t, 2, summary.FilesProcessed)
	assert.Equal(t, 2, summary.EventsMerged)
	assert.Equal(t, 3, summary.RecordsMerged)
	assert.Empty(t, summary.Failures)

	years, err := st.GetYears(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2011}, years)

	months, err := st.GetMonths(ctx, 2011)
	require.NoError(t, err)
	assert.Equal(t, []int{6}, months)

	events, err := st.GetEvents(ctx, 2011, 6)
	require.NoError(t, err)
	require.Len(t, events, 2)
	want := time.Date(2011, time.June, 13, 2, 20, 49, 0, time.UTC)
	assert.True(t, events[0].Time.Equal(want))

	sites, err := st.GetSites(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAAS", "CECS"}, sites)

	rec, err := st.GetRecord(ctx, events[0].ID, "CECS")
	require.NoError(t, err)
	require.Len(t, rec.Channels, 3)
	// mm/s² archive units come out as m/s².
	assert.InDelta(t, 1.0, rec.Channels[0].Acceleration[0], 1e-9)

	wm, ok, err := st.UpdateState(ctx, domain.UpdateKindEvents)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.Watermark{Year: 2011, Month: 6}, wm)
}

func TestUpdateEvents_Idempotent(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.addFile(2011, 6, "a.V1A", recorderFile("2011-06-13 02:20:49 UTC", "CECS"))
	u, st := newTestUpdater(t, fake)

	since := time.Date(2011, time.June, 1, 0, 0, 0, 0, time.UTC)
	_, err := u.UpdateEvents(ctx, &since)
	require.NoError(t, err)

	// A forced re-run of the same month merges into the same event rather
	// than duplicating it.
	_, err = u.UpdateEvents(ctx, &since)
	require.NoError(t, err)

	events, err := st.GetEvents(ctx, 2011, 6)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestUpdateEvents_ResumesAfterWatermark(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.addFile(2011, 5, "may.V1A", recorderFile("2011-05-02 03:00:00 UTC", "CECS"))
	u, st := newTestUpdater(t, fake)

	since := time.Date(2011, time.May, 1, 0, 0, 0, 0, time.UTC)
	_, err := u.UpdateEvents(ctx, &since)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.fetchCount(2011, 5, "may.V1A"))

	// New month appears upstream; resuming without -since starts at the
	// month after the watermark and leaves May untouched.
	fake.addFile(2011, 6, "june.V1A", recorderFile("2011-06-13 02:20:49 UTC", "AAAS"))
	summary, err := u.UpdateEvents(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.MonthsProcessed)
	assert.Equal(t, 1, fake.fetchCount(2011, 5, "may.V1A"), "already committed month was refetched")
	assert.Equal(t, 1, fake.fetchCount(2011, 6, "june.V1A"))

	wm, _, err := st.UpdateState(ctx, domain.UpdateKindEvents)
	require.NoError(t, err)
	assert.Equal(t, domain.Watermark{Year: 2011, Month: 6}, wm)
}

func TestUpdateEvents_SinceOverridesOlderWatermark(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.addFile(2011, 5, "may.V1A", recorderFile("2011-05-02 03:00:00 UTC", "CECS"))
	fake.addFile(2011, 6, "june.V1A", recorderFile("2011-06-13 02:20:49 UTC", "CECS"))
	u, st := newTestUpdater(t, fake)

	// Watermark says resume at May, but -since pushes past it.
	require.NoError(t, st.SetUpdateState(ctx, domain.UpdateKindEvents, domain.Watermark{Year: 2011, Month: 4}))
	since := time.Date(2011, time.June, 1, 0, 0, 0, 0, time.UTC)
	summary, err := u.UpdateEvents(ctx, &since)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.MonthsProcessed)
	assert.Equal(t, 0, fake.fetchCount(2011, 5, "may.V1A"))
	assert.Equal(t, 1, fake.fetchCount(2011, 6, "june.V1A"))
}

func TestUpdateEvents_RetriesTransientFetch(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.addFile(2011, 6, "a.V1A", recorderFile("2011-06-13 02:20:49 UTC", "CECS"))
	fake.queueFetchError(2011, 6, "a.V1A",
		errors.New(errors.KindTransient, "connection reset"),
		errors.New(errors.KindTransient, "connection reset"),
	)
	u, _ := newTestUpdater(t, fake)

	since := time.Date(2011, time.June, 1, 0, 0, 0, 0, time.UTC)
	summary, err := u.UpdateEvents(ctx, &since)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FilesProcessed)
	assert.Equal(t, 0, summary.FilesSkipped)
	assert.Equal(t, 3, fake.fetchCount(2011, 6, "a.V1A"))
}

// recordingHandler captures log records with their accumulated attributes so
// tests can assert on log context.
type recordingHandler struct {
	mu    *sync.Mutex
	logs  *[]map[string]any
	attrs []slog.Attr
}

func newRecordingHandler() recordingHandler {
	return recordingHandler{mu: &sync.Mutex{}, logs: &[]map[string]any{}}
}

func (h recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h recordingHandler) Handle(_ context.Context, r slog.Record) error {
	entry := map[string]any{"msg": r.Message}
	for _, a := range h.attrs {
		entry[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.logs = append(*h.logs, entry)
	h.mu.Unlock()
	return nil
}

func (h recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return nh
}

func (h recordingHandler) WithGroup(string) slog.Handler { return h }

func (h recordingHandler) entries(msg string) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]any
	for _, e := range *h.logs {
		if e["msg"] == msg {
			out = append(out, e)
		}
	}
	return out
}

func TestUpdateEvents_RetryLogsCarryRunContext(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.addFile(2011, 6, "a.V1A", recorderFile("2011-06-13 02:20:49 UTC", "CECS"))
	fake.queueFetchError(2011, 6, "a.V1A", errors.New(errors.KindTransient, "reset"))

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	handler := newRecordingHandler()
	u := updater.New(fake, fake, st, slog.New(handler), observability.NewMetricsForTesting(),
		updater.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)

	since := time.Date(2011, time.June, 1, 0, 0, 0, 0, time.UTC)
	summary, err := u.UpdateEvents(ctx, &since)
	require.NoError(t, err)

	warns := handler.entries("fetch failed, retrying")
	require.Len(t, warns, 1)
	assert.Equal(t, summary.RunID, warns[0]["run_id"])
	assert.Equal(t, 2011, intAttr(t, warns[0]["year"]))
	assert.Equal(t, 6, intAttr(t, warns[0]["month"]))
}

func intAttr(t *testing.T, v any) int {
	t.Helper()
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	default:
		t.Fatalf("attribute is %T, not an integer", v)
		return 0
	}
}

func TestUpdateEvents_SkipsFileAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.addFile(2011, 6, "bad.V1A", recorderFile("2011-06-13 02:20:49 UTC", "CECS"))
	fake.addFile(2011, 6, "good.V1A", recorderFile("2011-06-20 11:00:00 UTC", "AAAS"))
	fake.queueFetchError(2011, 6, "bad.V1A",
		errors.New(errors.KindTransient, "timeout"),
		errors.New(errors.KindTransient, "timeout"),
		errors.New(errors.KindTransient, "timeout"),
	)
	u, st := newTestUpdater(t, fake)

	since := time.Date(2011, time.June, 1, 0, 0, 0, 0, time.UTC)
	summary, err := u.UpdateEvents(ctx, &since)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FilesProcessed)
	assert.Equal(t, 1, summary.FilesSkipped)

	// Skipped files don't hold the watermark back.
	wm, ok, err := st.UpdateState(ctx, domain.UpdateKindEvents)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.Watermark{Year: 2011, Month: 6}, wm)
}

func TestUpdateEvents_NotFoundNotRetried(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.addFile(2011, 6, "gone.V1A", recorderFile("2011-06-13 02:20:49 UTC", "CECS"))
	fake.queueFetchError(2011, 6, "gone.V1A", errors.New(errors.KindNotFound, "550 no such file"))
	u, _ := newTestUpdater(t, fake)

	since := time.Date(2011, time.June, 1, 0, 0, 0, 0, time.UTC)
	summary, err := u.UpdateEvents(ctx, &since)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FilesSkipped)
	assert.Equal(t, 1, fake.fetchCount(2011, 6, "gone.V1A"))
}

func TestUpdateEvents_ParseFailuresAbsorbed(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()

	// One site block is garbage; the other still lands.
	partial := string(recorderFile("2011-06-13 02:20:49 UTC", "CECS")) +
		"Site BWRS\nTimestep: 0.02\nChannel 0\nnot-a-sample\n"
	fake.addFile(2011, 6, "partial.V1A", []byte(partial))
	fake.addFile(2011, 6, "hopeless.V1A", []byte("no header at all\n"))
	u, st := newTestUpdater(t, fake)

	since := time.Date(2011, time.June, 1, 0, 0, 0, 0, time.UTC)
	summary, err := u.UpdateEvents(ctx, &since)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FilesProcessed)
	assert.Equal(t, 1, summary.FilesSkipped)
	require.Len(t, summary.Failures, 2)

	events, err := st.GetEvents(ctx, 2011, 6)
	require.NoError(t, err)
	require.Len(t, events, 1)

	sites, err := st.GetSites(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"CECS"}, sites)
}

// failingStore passes reads through but fails every merge with a storage
// error, simulating a broken cache mid-run.
type failingStore struct {
	updater.Store
}

func (f failingStore) MergeEvent(context.Context, domain.Event, []domain.Record) (int64, error) {
	return 0, errors.New(errors.KindCache, "disk full")
}

func TestUpdateEvents_AbortsOnStorageError(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.addFile(2011, 6, "a.V1A", recorderFile("2011-06-13 02:20:49 UTC", "CECS"))

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	u := updater.New(fake, fake, failingStore{Store: st}, slog.Default(), observability.NewMetricsForTesting(),
		updater.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)

	since := time.Date(2011, time.June, 1, 0, 0, 0, 0, time.UTC)
	summary, err := u.UpdateEvents(ctx, &since)
	require.Error(t, err)
	assert.Equal(t, errors.KindCache, errors.KindOf(err))

	// The summary is stamped even on the error path.
	assert.False(t, summary.Finished.IsZero())

	// The failed month was not committed.
	_, ok, err := st.UpdateState(ctx, domain.UpdateKindEvents)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateSites(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.sites = []domain.Site{
		{Code: "CECS", Name: "Christchurch", Status: domain.StatusOperational,
			Opened: time.Date(2002, time.February, 23, 0, 0, 0, 0, time.UTC)},
	}
	fake.siteErrs = []error{errors.New(errors.KindTransient, "503")}
	u, st := newTestUpdater(t, fake)

	count, err := u.UpdateSites(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	site, err := st.GetSiteInfo(ctx, "CECS")
	require.NoError(t, err)
	assert.Equal(t, "Christchurch", site.Name)

	_, ok, err := st.UpdateState(ctx, domain.UpdateKindSites)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateSites_FatalFetchNotRetried(t *testing.T) {
	ctx := context.Background()
	fake := newFakeArchive()
	fake.siteErrs = []error{errors.New(errors.KindNotFound, "registry moved")}
	u, _ := newTestUpdater(t, fake)

	_, err := u.UpdateSites(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
