package model

import (
	"time"
)

// DomainRecord is one observed name under a TLD, as extracted from a zone
// file. Name carries the label without the TLD suffix, lower-cased.
type DomainRecord struct {
	Name       string              `json:"name"`
	DNSRecords map[string][]string `json:"dns_records,omitempty"`
}

// CatalogueDomain is a persisted catalogue entry as returned by queries.
type CatalogueDomain struct {
	Name         string              `json:"name"`
	FQDN         string              `json:"fqdn"`
	TLD          string              `json:"tld"`
	FirstSeen    time.Time           `json:"first_seen"`
	LastSeen     time.Time           `json:"last_seen"`
	DNSRecords   map[string][]string `json:"dns_records,omitempty"`
	Source       string              `json:"source,omitempty"`
	ZoneFileDate time.Time           `json:"zone_file_date,omitempty"`
}

type CycleStatus string

const (
	CycleStatusPending   CycleStatus = "pending"
	CycleStatusRunning   CycleStatus = "running"
	CycleStatusCompleted CycleStatus = "completed"
	CycleStatusPartial   CycleStatus = "partial"
	CycleStatusFailed    CycleStatus = "failed"
	CycleStatusCanceled  CycleStatus = "canceled"
)

// Terminal reports whether the cycle has reached a final state.
func (s CycleStatus) Terminal() bool {
	switch s {
	case CycleStatusCompleted, CycleStatusPartial, CycleStatusFailed, CycleStatusCanceled:
		return true
	}
	return false
}

type TLDPhase string

const (
	PhaseWaiting     TLDPhase = "waiting"
	PhaseDownloading TLDPhase = "downloading"
	PhaseParsing     TLDPhase = "parsing"
	PhaseUpserting   TLDPhase = "upserting"
	PhaseDone        TLDPhase = "done"
	PhaseErrored     TLDPhase = "errored"
)

// TLDProgress is the live view of one TLD's pipeline within a cycle.
type TLDProgress struct {
	TLD          string   `json:"tld"`
	Phase        TLDPhase `json:"phase"`
	Domains      int64    `json:"domains"`
	Inserted     int64    `json:"inserted"`
	Updated      int64    `json:"updated"`
	WriteFailed  int64    `json:"write_failed,omitempty"`
	LinesSkipped int64    `json:"lines_skipped,omitempty"`
	GapDetected  bool     `json:"gap_detected"`
	Error        string   `json:"error,omitempty"`
}

// CycleResult is a point-in-time snapshot of one sync cycle. The orchestrator
// hands out copies, so readers never observe a half-updated cycle.
type CycleResult struct {
	CycleID      string                 `json:"cycle_id"`
	Status       CycleStatus            `json:"status"`
	Message      string                 `json:"message,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	TLDs         map[string]TLDProgress `json:"tlds,omitempty"`
	TLDsDone     int                    `json:"tlds_processed"`
	TotalDomains int64                  `json:"total_domains_processed"`
	Errors       []string               `json:"errors,omitempty"`
}

type SyncStartResponse struct {
	CycleID string `json:"cycle_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type TLDStats struct {
	TLD               string     `json:"tld"`
	TotalDomains      int64      `json:"total_domains"`
	EarliestFirstSeen *time.Time `json:"earliest_first_seen,omitempty"`
	LatestFirstSeen   *time.Time `json:"latest_first_seen,omitempty"`
	LatestLastSeen    *time.Time `json:"latest_last_seen,omitempty"`
}

type DomainPage struct {
	TLD        string            `json:"tld,omitempty"`
	Total      int64             `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int64             `json:"total_pages"`
	Domains    []CatalogueDomain `json:"domains"`
}

// StaleTLD names a TLD whose observation continuity is broken.
type StaleTLD struct {
	TLD            string     `json:"tld"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	HoursSinceSync *int64     `json:"hours_since_sync,omitempty"`
}

type SyncGapReport struct {
	HasGaps         bool       `json:"has_gaps"`
	StaleTLDs       []StaleTLD `json:"stale_tlds,omitempty"`
	NeverSyncedTLDs []string   `json:"never_synced_tlds,omitempty"`
}

type NewlyRegisteredResponse struct {
	DaysBack  int               `json:"days_back"`
	StartDate time.Time         `json:"start_date"`
	EndDate   time.Time         `json:"end_date"`
	TLD       string            `json:"tld"`
	Total     int64             `json:"total"`
	Page      int               `json:"page"`
	PageSize  int               `json:"page_size"`
	Domains   []CatalogueDomain `json:"domains"`
	Warning   string            `json:"warning,omitempty"`
	SyncGaps  *SyncGapReport    `json:"sync_gaps,omitempty"`
}

type TLDSyncSummary struct {
	TLD           string    `json:"tld"`
	TotalInserted int64     `json:"total_inserted"`
	TotalUpdated  int64     `json:"total_updated"`
	TotalChanges  int64     `json:"total_changes"`
	SyncCount     int64     `json:"sync_count"`
	FirstSync     time.Time `json:"first_sync"`
	LastSync      time.Time `json:"last_sync"`
}

type DailySyncSummary struct {
	Date         string `json:"date"`
	Inserted     int64  `json:"inserted"`
	Updated      int64  `json:"updated"`
	TotalChanges int64  `json:"total_changes"`
}

type SyncStatsReport struct {
	DaysBack  int                `json:"days_back"`
	TLDFilter string             `json:"tld_filter,omitempty"`
	ByTLD     []TLDSyncSummary   `json:"by_tld"`
	ByDate    []DailySyncSummary `json:"by_date"`
}

type ZoneLinkInfo struct {
	Zone         string `json:"zone"`
	DownloadLink string `json:"download_link"`
}

type ZoneLinksResponse struct {
	Total int            `json:"total"`
	Zones []ZoneLinkInfo `json:"zones"`
}

type WhoisResponse struct {
	FQDN        string   `json:"fqdn"`
	Registrar   string   `json:"registrar,omitempty"`
	Created     string   `json:"created,omitempty"`
	Expires     string   `json:"expires,omitempty"`
	NameServers []string `json:"name_servers,omitempty"`
	Raw         string   `json:"raw,omitempty"`
}

type HealthResponse struct {
	Status           string     `json:"status"`
	StoreConnected   bool       `json:"store_connected"`
	Authenticated    bool       `json:"authenticated"`
	SchedulerRunning bool       `json:"scheduler_running"`
	SyncRunning      bool       `json:"sync_running"`
	NextSync         *time.Time `json:"next_sync,omitempty"`
}

type ErrorResponse struct {
	Status  int         `json:"status,omitempty"`
	Message string      `json:"msg,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
