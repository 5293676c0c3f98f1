package db

import (
	"time"
)

// CatalogueEntry is one domain name observed under a TLD, across time.
// first_seen is set exactly once, on the insert; last_seen advances on every
// sync in which the name is observed. Entries are never deleted by the
// engine.
type CatalogueEntry struct {
	ID           uint      `gorm:"primarykey"`
	TLD          string    `gorm:"uniqueIndex:idx_tld_name,priority:1"`
	Name         string    `gorm:"uniqueIndex:idx_tld_name,priority:2"`
	FQDN         string    `gorm:"index"`
	FirstSeen    time.Time `gorm:"index"`
	LastSeen     time.Time `gorm:"index"`
	DNSRecords   string    `gorm:"type:text"` // Intentionally denormalized json keyed by record type
	Source       string
	ZoneFileDate time.Time
}

// SyncStat is one append-only row per (tld, cycle). Never updated.
type SyncStat struct {
	ID           uint   `gorm:"primarykey"`
	TLD          string `gorm:"index"`
	CycleID      string `gorm:"index"`
	Inserted     int64
	Updated      int64
	TotalChanges int64
	SyncTime     time.Time `gorm:"index"`
	Status       string
	Error        string `gorm:"type:text"`
}

// SyncMeta tracks per-TLD sync continuity. Keyed by tld, mutable; last_sync
// only ever advances.
type SyncMeta struct {
	ID             uint   `gorm:"primarykey"`
	TLD            string `gorm:"uniqueIndex"`
	FirstSync      time.Time
	LastSync       time.Time
	DomainCount    int64
	SyncCount      int64
	LastGapFlagged bool
}
