package db

import (
	"fmt"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
)

// Terminal statuses for a SyncStat row.
const (
	StatSuccess = "success"
	StatPartial = "partial"
	StatFailed  = "failed"
)

// StoreError means the store itself is unavailable and the write could not be
// completed even after backoff. It escalates; per-record failures do not.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// RecordFailure is one record rejected inside a batch; the batch continues.
type RecordFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// BatchResult accounts for one upsert batch.
type BatchResult struct {
	Inserted int64
	Updated  int64
	Failures []RecordFailure
}

// SyncMetaUpdate merges one completed TLD attempt into SyncMeta. A failed
// attempt still increments sync_count but does not advance last_sync or
// domain_count.
type SyncMetaUpdate struct {
	TLD         string
	Success     bool
	SyncTime    time.Time
	DomainCount int64
	GapFlagged  bool
}

type Database interface {
	// UpsertBatch conditionally writes each record: insert if absent
	// (first_seen = last_seen = now), else advance last_seen and merge
	// dns_records. Unordered continue-on-error semantics; per-record
	// failures come back as data. Only a StoreError aborts the batch.
	UpsertBatch(tld string, records []model.DomainRecord, zoneFileDate time.Time) (BatchResult, error)

	RecordSyncStats(stat SyncStat) error
	UpdateSyncMeta(update SyncMetaUpdate) error
	GetSyncMeta(tld string) (SyncMeta, bool, error)
	ListSyncMeta() ([]SyncMeta, error)

	ListTLDs() ([]string, error)
	TLDStats(tld string) (model.TLDStats, error)
	DomainsByTLD(tld string, page, pageSize int) ([]model.CatalogueDomain, int64, error)
	NewlyRegistered(tld string, since, until time.Time, page, pageSize int) ([]model.CatalogueDomain, int64, error)
	SyncStatsSince(tld string, since time.Time) ([]model.TLDSyncSummary, []model.DailySyncSummary, error)

	Ping() error
}
