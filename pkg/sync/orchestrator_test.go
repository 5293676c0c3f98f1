package sync

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	stdsync "sync"
	"testing"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/czds"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/db"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func zoneBody(t *testing.T, tld string, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, n := range names {
		fmt.Fprintf(gz, "%s.%s.\t3600\tin\tns\tns1.host.net.\n", n, tld)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("building zone body: %v", err)
	}
	return buf.Bytes()
}

type fakeDownloader struct {
	links    []czds.ZoneLink
	listErr  error
	zones    map[string][]byte // keyed by TLD
	failTLDs map[string]error
	blockCh  chan struct{} // when set, Download waits for it (or ctx)
}

func (f *fakeDownloader) ZoneLinks(ctx context.Context) ([]czds.ZoneLink, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]czds.ZoneLink(nil), f.links...), nil
}

func (f *fakeDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	tld := czds.TLDFromURL(url)
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return nil, &czds.DownloadError{URL: url, Err: ctx.Err()}
		}
	}
	if err, ok := f.failTLDs[tld]; ok {
		return nil, err
	}
	body, ok := f.zones[tld]
	if !ok {
		return nil, &czds.DownloadError{URL: url, Err: errors.New("no such zone")}
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

type fakeStore struct {
	mu        stdsync.Mutex
	metas     map[string]db.SyncMeta
	stats     []db.SyncStat
	updates   []db.SyncMetaUpdate
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{metas: make(map[string]db.SyncMeta)}
}

func (f *fakeStore) UpsertBatch(tld string, records []model.DomainRecord, zoneFileDate time.Time) (db.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return db.BatchResult{}, f.upsertErr
	}
	return db.BatchResult{Inserted: int64(len(records))}, nil
}

func (f *fakeStore) RecordSyncStats(stat db.SyncStat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, stat)
	return nil
}

func (f *fakeStore) UpdateSyncMeta(update db.SyncMetaUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeStore) GetSyncMeta(tld string) (db.SyncMeta, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.metas[tld]
	return meta, ok, nil
}

func (f *fakeStore) statFor(tld string) (db.SyncStat, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stats {
		if s.TLD == tld {
			return s, true
		}
	}
	return db.SyncStat{}, false
}

func (f *fakeStore) updateFor(tld string) (db.SyncMetaUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.updates {
		if u.TLD == tld {
			return u, true
		}
	}
	return db.SyncMetaUpdate{}, false
}

func links(tlds ...string) []czds.ZoneLink {
	out := make([]czds.ZoneLink, 0, len(tlds))
	for _, tld := range tlds {
		out = append(out, czds.ZoneLink{TLD: tld, URL: "https://example.test/czds/downloads/" + tld + ".zone"})
	}
	return out
}

func waitTerminal(t *testing.T, o *Orchestrator, cycleID string) model.CycleResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, ok := o.Status(cycleID)
		if ok && res.Status.Terminal() {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cycle %s did not reach a terminal state", cycleID)
	return model.CycleResult{}
}

func TestCycleCompletes(t *testing.T) {
	dl := &fakeDownloader{
		links: links("zara"),
		zones: map[string][]byte{"zara": zoneBody(t, "zara", "alpha", "beta", "gamma")},
	}
	store := newFakeStore()
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 2, DecoderBatchSize: 10, CountFailedSyncs: true})

	id, err := o.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if res.TLDsDone != 1 || res.TotalDomains != 3 {
		t.Errorf("done=%d domains=%d", res.TLDsDone, res.TotalDomains)
	}
	if res.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	stat, ok := store.statFor("zara")
	if !ok || stat.Status != db.StatSuccess || stat.Inserted != 3 || stat.CycleID != id {
		t.Errorf("unexpected stat row: %+v (found=%v)", stat, ok)
	}
	upd, ok := store.updateFor("zara")
	if !ok || !upd.Success || upd.DomainCount != 3 {
		t.Errorf("unexpected meta update: %+v (found=%v)", upd, ok)
	}
}

func TestCyclePartialFailure(t *testing.T) {
	dl := &fakeDownloader{
		links: links("com", "net", "xyz"),
		zones: map[string][]byte{
			"com": zoneBody(t, "com", "one", "two"),
			"xyz": zoneBody(t, "xyz", "three"),
		},
		failTLDs: map[string]error{
			"net": &czds.DownloadError{URL: "https://example.test/czds/downloads/net.zone", Err: errors.New("status 503")},
		},
	}
	store := newFakeStore()
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 3, DecoderBatchSize: 10, CountFailedSyncs: true})

	id, err := o.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusPartial {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if res.TLDsDone != 2 || res.TotalDomains != 3 {
		t.Errorf("done=%d domains=%d", res.TLDsDone, res.TotalDomains)
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected 1 cycle error, got %v", res.Errors)
	}
	if res.TLDs["net"].Phase != model.PhaseErrored {
		t.Errorf("net phase = %s", res.TLDs["net"].Phase)
	}

	for tld, want := range map[string]string{"com": db.StatSuccess, "net": db.StatFailed, "xyz": db.StatSuccess} {
		stat, ok := store.statFor(tld)
		if !ok || stat.Status != want {
			t.Errorf("stat for %s: %+v (found=%v, want status %s)", tld, stat, ok, want)
		}
	}

	// CountFailedSyncs: the failed attempt still moves sync_count, as a
	// non-advancing update.
	upd, ok := store.updateFor("net")
	if !ok || upd.Success {
		t.Errorf("meta update for net: %+v (found=%v)", upd, ok)
	}
}

func TestFailedAttemptSkipsMetaWhenConfigured(t *testing.T) {
	dl := &fakeDownloader{
		links:    links("net"),
		failTLDs: map[string]error{"net": errors.New("status 503")},
	}
	store := newFakeStore()
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 1, CountFailedSyncs: false})

	id, _ := o.Start(context.Background(), nil)
	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusFailed {
		t.Fatalf("status = %s", res.Status)
	}

	if _, ok := store.statFor("net"); !ok {
		t.Error("failed attempt should still record a stats row")
	}
	if _, ok := store.updateFor("net"); ok {
		t.Error("meta updated for a failed attempt with CountFailedSyncs disabled")
	}
}

func TestRejectsConcurrentCycles(t *testing.T) {
	block := make(chan struct{})
	dl := &fakeDownloader{
		links:   links("zara"),
		zones:   map[string][]byte{"zara": zoneBody(t, "zara", "alpha")},
		blockCh: block,
	}
	store := newFakeStore()
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 1})

	id, err := o.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait until the cycle is actually in flight.
	deadline := time.Now().Add(time.Second)
	for !o.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := o.Start(context.Background(), nil); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("second Start: %v, want ErrCycleRunning", err)
	}

	close(block)
	waitTerminal(t, o, id)

	// With the first cycle done the slot frees up. The slot clears just
	// after the status turns terminal, so poll briefly.
	deadline = time.Now().Add(time.Second)
	for o.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := o.Start(context.Background(), nil); err != nil {
		t.Errorf("Start after completion: %v", err)
	}
}

func TestCycleOutlivesCallerContext(t *testing.T) {
	block := make(chan struct{})
	dl := &fakeDownloader{
		links:   links("zara"),
		zones:   map[string][]byte{"zara": zoneBody(t, "zara", "alpha", "beta")},
		blockCh: block,
	}
	store := newFakeStore()
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 1, CountFailedSyncs: true})

	// A request-scoped context dies as soon as its handler returns; the
	// cycle must keep running regardless.
	ctx, cancel := context.WithCancel(context.Background())
	id, err := o.Start(ctx, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	close(block)

	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusCompleted {
		t.Fatalf("status = %s (%s), want completed after the caller's context died", res.Status, res.Message)
	}
	if res.TLDsDone != 1 || res.TotalDomains != 2 {
		t.Errorf("done=%d domains=%d", res.TLDsDone, res.TotalDomains)
	}
	if stat, ok := store.statFor("zara"); !ok || stat.Status != db.StatSuccess {
		t.Errorf("stat for zara: %+v (found=%v)", stat, ok)
	}
}

func TestListingFailureFailsCycle(t *testing.T) {
	dl := &fakeDownloader{listErr: errors.New("czds unreachable")}
	store := newFakeStore()
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 1})

	id, _ := o.Start(context.Background(), nil)
	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusFailed {
		t.Fatalf("status = %s", res.Status)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.stats) != 0 || len(store.updates) != 0 {
		t.Error("nothing was attempted, nothing should be recorded")
	}
}

func TestTLDFilter(t *testing.T) {
	dl := &fakeDownloader{
		links: links("com", "net", "org"),
		zones: map[string][]byte{
			"com": zoneBody(t, "com", "one"),
			"net": zoneBody(t, "net", "two"),
			"org": zoneBody(t, "org", "three"),
		},
	}
	store := newFakeStore()
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 3})

	id, _ := o.Start(context.Background(), []string{"net"})
	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if len(res.TLDs) != 1 {
		t.Fatalf("expected 1 TLD in cycle, got %d", len(res.TLDs))
	}
	if _, ok := res.TLDs["net"]; !ok {
		t.Error("filtered TLD missing from cycle")
	}
}

func TestFilterMatchingNothingFailsCycle(t *testing.T) {
	dl := &fakeDownloader{links: links("com")}
	store := newFakeStore()
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 1})

	id, _ := o.Start(context.Background(), []string{"zz"})
	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Message != ErrNoZoneFiles.Error() {
		t.Errorf("message = %q", res.Message)
	}
}

func TestStoreFailureFailsCycle(t *testing.T) {
	dl := &fakeDownloader{
		links: links("com", "net"),
		zones: map[string][]byte{
			"com": zoneBody(t, "com", "one"),
			"net": zoneBody(t, "net", "two"),
		},
	}
	store := newFakeStore()
	store.upsertErr = &db.StoreError{Op: "upsert", Err: errors.New("connection refused")}
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 2, CountFailedSyncs: true})

	id, _ := o.Start(context.Background(), nil)
	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusFailed {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}

	// A TLD may have been canceled mid-flight when the store went down and
	// recorded a failed attempt, but nothing may claim success.
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, s := range store.stats {
		if s.Status == db.StatSuccess {
			t.Errorf("success stat recorded with the store down: %+v", s)
		}
	}
}

func TestCancelRunningCycle(t *testing.T) {
	block := make(chan struct{})
	dl := &fakeDownloader{
		links:   links("zara"),
		zones:   map[string][]byte{"zara": zoneBody(t, "zara", "alpha")},
		blockCh: block,
	}
	store := newFakeStore()
	o := New(testLog(), dl, store, nil, Config{MaxConcurrentDownloads: 1, CountFailedSyncs: true})

	id, _ := o.Start(context.Background(), nil)

	deadline := time.Now().Add(time.Second)
	for !o.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if !o.Cancel(id) {
		t.Fatal("Cancel returned false for a running cycle")
	}

	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusCanceled {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}

	deadline = time.Now().Add(time.Second)
	for o.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if o.Cancel("") {
		t.Error("Cancel succeeded with no cycle running")
	}
}

func TestGapFlagPropagatesToMeta(t *testing.T) {
	dl := &fakeDownloader{
		links: links("zara", "shop"),
		zones: map[string][]byte{
			"zara": zoneBody(t, "zara", "alpha"),
			"shop": zoneBody(t, "shop", "beta"),
		},
	}
	store := newFakeStore()
	// zara synced recently; shop has been dark for three intervals.
	store.metas["zara"] = db.SyncMeta{ID: 1, TLD: "zara", LastSync: time.Now().UTC().Add(-1 * time.Hour)}
	store.metas["shop"] = db.SyncMeta{ID: 2, TLD: "shop", LastSync: time.Now().UTC().Add(-36 * time.Hour)}

	o := New(testLog(), dl, store, nil, Config{
		MaxConcurrentDownloads: 2,
		NominalInterval:        12 * time.Hour,
		GapMultiplier:          2,
		CountFailedSyncs:       true,
	})

	id, _ := o.Start(context.Background(), nil)
	res := waitTerminal(t, o, id)
	if res.Status != model.CycleStatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}

	if res.TLDs["zara"].GapDetected {
		t.Error("zara flagged despite a recent sync")
	}
	if !res.TLDs["shop"].GapDetected {
		t.Error("shop not flagged after 36h of silence")
	}

	upd, _ := store.updateFor("shop")
	if !upd.GapFlagged {
		t.Error("gap flag not persisted to sync metadata")
	}
}

func TestCycleHistoryIsBounded(t *testing.T) {
	dl := &fakeDownloader{listErr: errors.New("listing disabled in test")}
	o := New(testLog(), dl, newFakeStore(), nil, Config{MaxConcurrentDownloads: 1})

	var ids []string
	for i := 0; i < maxRetainedCycles+3; i++ {
		id, err := o.Start(context.Background(), nil)
		if err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		ids = append(ids, id)
		waitTerminal(t, o, id)

		deadline := time.Now().Add(time.Second)
		for o.Running() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	for _, id := range ids[:3] {
		if _, ok := o.Status(id); ok {
			t.Errorf("cycle %s still retained past the history cap", id)
		}
	}
	for _, id := range ids[3:] {
		if _, ok := o.Status(id); !ok {
			t.Errorf("cycle %s evicted while within the history cap", id)
		}
	}
}

func TestStatusByCycleID(t *testing.T) {
	dl := &fakeDownloader{
		links: links("zara"),
		zones: map[string][]byte{"zara": zoneBody(t, "zara", "alpha")},
	}
	o := New(testLog(), dl, newFakeStore(), nil, Config{MaxConcurrentDownloads: 1})

	if _, ok := o.Status(""); ok {
		t.Error("Status reported a cycle before any was started")
	}

	id, _ := o.Start(context.Background(), nil)
	waitTerminal(t, o, id)

	if res, ok := o.Status(id); !ok || res.CycleID != id {
		t.Errorf("Status(%s): ok=%v res=%+v", id, ok, res)
	}
	if _, ok := o.Status("nope"); ok {
		t.Error("Status found an unknown cycle id")
	}
	// Empty id falls back to the most recent cycle.
	if res, ok := o.Status(""); !ok || res.CycleID != id {
		t.Errorf("Status(\"\") after completion: ok=%v res=%+v", ok, res)
	}
}
