// Package sync drives full sync cycles: enumerate published zone files, admit
// a bounded number of concurrent downloads, stream-parse each zone file into
// batches, upsert them into the catalogue and fold the per-TLD statistics
// into a queryable cycle result.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdsync "sync"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/archive"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/czds"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/db"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/zonefile"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// ErrCycleRunning is returned when a new cycle is requested while one is
// still running. Requests are rejected, never queued.
var ErrCycleRunning = errors.New("a sync cycle is already running")

// ErrNoZoneFiles is returned when the listing succeeds but yields nothing to
// sync (after filtering).
var ErrNoZoneFiles = errors.New("no zone files available")

// maxRetainedCycles bounds the finished-cycle history kept for status
// queries; the oldest results are evicted first.
const maxRetainedCycles = 16

// Downloader is the remote catalogue client surface the orchestrator needs.
type Downloader interface {
	ZoneLinks(ctx context.Context) ([]czds.ZoneLink, error)
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Store is the catalogue store surface the orchestrator needs.
type Store interface {
	UpsertBatch(tld string, records []model.DomainRecord, zoneFileDate time.Time) (db.BatchResult, error)
	RecordSyncStats(stat db.SyncStat) error
	UpdateSyncMeta(update db.SyncMetaUpdate) error
	GetSyncMeta(tld string) (db.SyncMeta, bool, error)
}

type Config struct {
	MaxConcurrentDownloads int
	DecoderBatchSize       int
	NominalInterval        time.Duration
	GapMultiplier          float64
	DownloadTimeout        time.Duration
	// CountFailedSyncs controls whether sync_count advances for TLDs whose
	// attempt failed. TLDs that never started (listing failure, canceled
	// before admission) never count either way.
	CountFailedSyncs bool
}

type Orchestrator struct {
	log       *logrus.Entry
	client    Downloader
	store     Store
	archiver  archive.Archiver // may be nil
	admission *Admission
	gap       GapDetector
	cfg       Config

	mu      stdsync.Mutex
	current *cycle
	cycles  map[string]*cycle
	order   []string
}

func New(log *logrus.Entry, client Downloader, store Store, archiver archive.Archiver, cfg Config) *Orchestrator {
	if cfg.DecoderBatchSize <= 0 {
		cfg.DecoderBatchSize = zonefile.DefaultBatchSize
	}
	return &Orchestrator{
		log:       log,
		client:    client,
		store:     store,
		archiver:  archiver,
		admission: NewAdmission(cfg.MaxConcurrentDownloads),
		gap:       GapDetector{Interval: cfg.NominalInterval, Multiplier: cfg.GapMultiplier},
		cfg:       cfg,
		cycles:    make(map[string]*cycle),
	}
}

// Gap exposes the detector for query-side annotation.
func (o *Orchestrator) Gap() GapDetector { return o.gap }

// Running reports whether a cycle is currently in flight.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// Start begins a new sync cycle and returns its id immediately; the cycle
// runs in the background, detached from ctx's cancellation so a short-lived
// caller (an HTTP request) cannot tear it down by returning. Cancel is the
// only way to abort a started cycle. At most one cycle runs process-wide.
func (o *Orchestrator) Start(ctx context.Context, tldFilter []string) (string, error) {
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return "", ErrCycleRunning
	}

	c := newCycle(newCycleID())
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	o.current = c
	o.cycles[c.id] = c
	o.order = append(o.order, c.id)
	for len(o.order) > maxRetainedCycles {
		delete(o.cycles, o.order[0])
		o.order = o.order[1:]
	}
	o.mu.Unlock()

	go o.run(cctx, c, tldFilter)

	return c.id, nil
}

// Cancel aborts a running cycle. It reports false when no such cycle is
// running.
func (o *Orchestrator) Cancel(cycleID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || (cycleID != "" && o.current.id != cycleID) {
		return false
	}
	o.current.cancel()
	return true
}

// Status returns a snapshot of the given cycle, or of the current/most
// recent one when cycleID is empty.
func (o *Orchestrator) Status(cycleID string) (model.CycleResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cycleID == "" {
		if o.current != nil {
			return o.current.snapshot(), true
		}
		if len(o.order) == 0 {
			return model.CycleResult{}, false
		}
		cycleID = o.order[len(o.order)-1]
	}

	c, ok := o.cycles[cycleID]
	if !ok {
		return model.CycleResult{}, false
	}
	return c.snapshot(), true
}

func (o *Orchestrator) run(ctx context.Context, c *cycle, tldFilter []string) {
	defer func() {
		c.cancel()
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
	}()

	log := o.log.WithField("cycle", c.id)
	c.setStatus(model.CycleStatusRunning, "listing zone links")

	links, err := o.client.ZoneLinks(ctx)
	if err != nil {
		log.WithError(err).Error("listing zone links failed")
		c.finish(model.CycleStatusFailed, fmt.Sprintf("listing zone links failed: %v", err))
		return
	}

	if len(tldFilter) > 0 {
		filtered := links[:0]
		for _, l := range links {
			if slices.Contains(tldFilter, l.TLD) {
				filtered = append(filtered, l)
			}
		}
		links = filtered
	}

	if len(links) == 0 {
		c.finish(model.CycleStatusFailed, ErrNoZoneFiles.Error())
		return
	}

	log.WithFields(logrus.Fields{
		"tlds":     len(links),
		"parallel": o.cfg.MaxConcurrentDownloads,
	}).Info("starting sync cycle")
	c.setStatus(model.CycleStatusRunning, fmt.Sprintf("processing %d TLDs", len(links)))

	for _, l := range links {
		c.registerTLD(l.TLD)
	}

	var wg stdsync.WaitGroup
	for _, l := range links {
		wg.Add(1)
		go func(link czds.ZoneLink) {
			defer wg.Done()
			o.runTLD(ctx, c, link)
		}(l)
	}
	wg.Wait()

	done, errored := c.tally()
	switch {
	case c.storeHasFailed():
		c.finish(model.CycleStatusFailed, "catalogue store unavailable")
	case ctx.Err() != nil:
		c.finish(model.CycleStatusCanceled, "sync cycle canceled")
	case done == 0:
		c.finish(model.CycleStatusFailed, fmt.Sprintf("all %d TLDs failed", errored))
	case errored > 0:
		c.finish(model.CycleStatusPartial, fmt.Sprintf("%d/%d TLDs synced", done, done+errored))
	default:
		c.finish(model.CycleStatusCompleted, fmt.Sprintf("%d TLDs synced", done))
	}

	snap := c.snapshot()
	log.WithFields(logrus.Fields{
		"status":  snap.Status,
		"tlds":    snap.TLDsDone,
		"domains": snap.TotalDomains,
	}).Info("sync cycle finished")
}

func (o *Orchestrator) runTLD(ctx context.Context, c *cycle, link czds.ZoneLink) {
	tld := link.TLD
	log := o.log.WithFields(logrus.Fields{"cycle": c.id, "tld": tld})

	if err := o.admission.Acquire(ctx); err != nil {
		// Never admitted: not an attempt, so no stats row and no
		// sync_count movement.
		c.tldErrored(tld, fmt.Errorf("canceled before start: %w", err))
		return
	}
	defer o.admission.Release()

	start := time.Now().UTC()

	gapFlagged := true
	if meta, found, err := o.store.GetSyncMeta(tld); err != nil {
		// Continuity cannot be proven without metadata; keep the flag.
		log.WithError(err).Warn("reading sync metadata failed, flagging gap")
	} else {
		last := time.Time{}
		if found {
			last = meta.LastSync
		}
		gapFlagged = o.gap.Detect(last, start)
	}
	c.setGap(tld, gapFlagged)
	if gapFlagged {
		log.WithField("threshold", o.gap.Threshold()).Warn("sync gap detected, first_seen signals for this window are unverified")
	}

	totals, runErr := o.syncOne(ctx, c, link)
	syncTime := time.Now().UTC()

	if runErr != nil {
		var serr *db.StoreError
		if errors.As(runErr, &serr) {
			log.WithError(runErr).Error("catalogue store unavailable, failing cycle")
			c.tldErrored(tld, runErr)
			c.failStore()
			return
		}
		log.WithError(runErr).Error("tld sync failed")
		c.tldErrored(tld, runErr)
	} else {
		c.tldDone(tld, totals.skipped)
		log.WithFields(logrus.Fields{
			"domains":  totals.domains,
			"inserted": totals.inserted,
			"updated":  totals.updated,
			"duration": syncTime.Sub(start),
		}).Info("tld synced")
	}

	stat := db.SyncStat{
		TLD:          tld,
		CycleID:      c.id,
		Inserted:     totals.inserted,
		Updated:      totals.updated,
		TotalChanges: totals.inserted + totals.updated,
		SyncTime:     syncTime,
	}
	switch {
	case runErr != nil:
		stat.Status = db.StatFailed
		stat.Error = runErr.Error()
	case totals.writeFailed > 0:
		stat.Status = db.StatPartial
		stat.Error = fmt.Sprintf("%d records rejected", totals.writeFailed)
	default:
		stat.Status = db.StatSuccess
	}

	if err := o.store.RecordSyncStats(stat); err != nil {
		log.WithError(err).Error("recording sync stats failed")
		c.failStore()
		return
	}

	if runErr == nil || o.cfg.CountFailedSyncs {
		err := o.store.UpdateSyncMeta(db.SyncMetaUpdate{
			TLD:         tld,
			Success:     runErr == nil,
			SyncTime:    syncTime,
			DomainCount: totals.domains,
			GapFlagged:  gapFlagged,
		})
		if err != nil {
			log.WithError(err).Error("updating sync metadata failed")
			c.failStore()
		}
	}
}

type tldTotals struct {
	domains     int64
	inserted    int64
	updated     int64
	writeFailed int64
	skipped     int64
}

// syncOne runs one TLD's strict pipeline: download, decode a batch, upsert
// it, decode the next. At most one batch is in flight per TLD, which is what
// keeps first_seen assignment race-free.
func (o *Orchestrator) syncOne(ctx context.Context, c *cycle, link czds.ZoneLink) (tldTotals, error) {
	var totals tldTotals
	tld := link.TLD

	dctx := ctx
	if o.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, o.cfg.DownloadTimeout)
		defer cancel()
	}

	c.setPhase(tld, model.PhaseDownloading)
	body, err := o.client.Download(dctx, link.URL)
	if err != nil {
		return totals, err
	}
	defer body.Close()

	zoneDate := time.Now().UTC()

	var src io.Reader = body
	if o.archiver != nil {
		teed, finish := archive.Tee(ctx, o.archiver, o.log.WithField("tld", tld), tld, zoneDate, body)
		src = teed
		defer finish()
	}

	c.setPhase(tld, model.PhaseParsing)
	dec, err := zonefile.NewDecoder(src, tld, o.cfg.DecoderBatchSize)
	if err != nil {
		return totals, err
	}

	for {
		if err := dctx.Err(); err != nil {
			return totals, err
		}

		batch, last, err := dec.Next()
		if err != nil {
			return totals, err
		}

		if len(batch) > 0 {
			c.setPhase(tld, model.PhaseUpserting)
			res, err := o.store.UpsertBatch(tld, batch, zoneDate)
			totals.domains += int64(len(batch))
			totals.inserted += res.Inserted
			totals.updated += res.Updated
			totals.writeFailed += int64(len(res.Failures))
			c.addBatch(tld, int64(len(batch)), res.Inserted, res.Updated, int64(len(res.Failures)))
			if err != nil {
				return totals, err
			}
		}

		if last {
			break
		}
		c.setPhase(tld, model.PhaseParsing)
	}

	totals.skipped = dec.Skipped()
	return totals, nil
}
