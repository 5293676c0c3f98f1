package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
	"github.com/glebarez/sqlite"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultBatchCap = 5000
	sourceCZDS      = "icann_czds"
)

var errEmptyName = errors.New("record name is empty")

type database struct {
	db       *gorm.DB
	batchCap int
	backoff  wait.Backoff
}

// New creates a new database connection and migrates the schema.
func New(ctx context.Context, dialect string, dsn string, batchCap int, config *gorm.Config) (Database, error) {
	if config == nil {
		config = &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		}
	}

	var db *gorm.DB
	var err error

	if dialect == "sqlite" {
		db, err = gorm.Open(sqlite.Open(dsn), config)
	} else if dialect == "mysql" {
		db, err = gorm.Open(mysql.Open(dsn), config)
	} else {
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	if err != nil {
		return nil, err
	}

	db = db.WithContext(ctx)

	if err := db.AutoMigrate(
		&CatalogueEntry{},
		&SyncStat{},
		&SyncMeta{},
	); err != nil {
		return nil, err
	}

	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}

	d := &database{
		db:       db,
		batchCap: batchCap,
		backoff: wait.Backoff{
			Duration: 500 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    4,
		},
	}
	return d, nil
}

func (d *database) Ping() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (d *database) UpsertBatch(tld string, records []model.DomainRecord, zoneFileDate time.Time) (BatchResult, error) {
	var res BatchResult
	now := time.Now().UTC()

	for start := 0; start < len(records); start += d.batchCap {
		end := start + d.batchCap
		if end > len(records) {
			end = len(records)
		}

		for _, rec := range records[start:end] {
			if rec.Name == "" {
				res.Failures = append(res.Failures, RecordFailure{Name: rec.Name, Reason: errEmptyName.Error()})
				continue
			}

			inserted, err := d.upsertOne(tld, rec, zoneFileDate, now)
			if err != nil {
				if isRecordError(err) {
					res.Failures = append(res.Failures, RecordFailure{Name: rec.Name, Reason: err.Error()})
					continue
				}
				return res, &StoreError{Op: "upsert batch for " + tld, Err: err}
			}
			if inserted {
				res.Inserted++
			} else {
				res.Updated++
			}
		}
	}

	return res, nil
}

// upsertOne applies the conditional write for a single record, retrying
// connection-level faults with exponential backoff. Record-level rejections
// (constraint violations) surface immediately as data for the caller.
func (d *database) upsertOne(tld string, rec model.DomainRecord, zoneFileDate, now time.Time) (bool, error) {
	var inserted bool
	var recErr error

	err := wait.ExponentialBackoff(d.backoff, func() (bool, error) {
		ins, err := d.tryUpsertOne(tld, rec, zoneFileDate, now)
		if err == nil {
			inserted = ins
			return true, nil
		}
		if isRecordError(err) {
			recErr = err
			return false, err
		}
		// Presumed connection fault; retry.
		return false, nil
	})

	if recErr != nil {
		return false, recErr
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (d *database) tryUpsertOne(tld string, rec model.DomainRecord, zoneFileDate, now time.Time) (bool, error) {
	var entry CatalogueEntry
	sql := d.db.Where("tld = ? AND name = ?", tld, rec.Name).Limit(1).Find(&entry)
	if sql.Error != nil {
		return false, sql.Error
	}

	if entry.ID == 0 {
		entry = CatalogueEntry{
			TLD:          tld,
			Name:         rec.Name,
			FQDN:         rec.Name + "." + tld,
			FirstSeen:    now,
			LastSeen:     now,
			DNSRecords:   marshalRecords(rec.DNSRecords),
			Source:       sourceCZDS,
			ZoneFileDate: zoneFileDate,
		}
		if sql := d.db.Create(&entry); sql.Error != nil {
			return false, sql.Error
		}
		return true, nil
	}

	updates := map[string]interface{}{
		"last_seen":      now,
		"source":         sourceCZDS,
		"zone_file_date": zoneFileDate,
	}
	if len(rec.DNSRecords) > 0 {
		updates["dns_records"] = marshalRecords(mergeRecords(unmarshalRecords(entry.DNSRecords), rec.DNSRecords))
	}

	sql = d.db.Model(&CatalogueEntry{}).Where("id = ?", entry.ID).Updates(updates)
	return false, sql.Error
}

func (d *database) RecordSyncStats(stat SyncStat) error {
	var err error
	berr := wait.ExponentialBackoff(d.backoff, func() (bool, error) {
		if err = d.db.Create(&stat).Error; err == nil {
			return true, nil
		}
		return false, nil
	})
	if berr != nil {
		return &StoreError{Op: "record sync stats for " + stat.TLD, Err: err}
	}
	return nil
}

func (d *database) UpdateSyncMeta(update SyncMetaUpdate) error {
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var meta SyncMeta
		sql := tx.Where("tld = ?", update.TLD).Limit(1).Find(&meta)
		if sql.Error != nil {
			return sql.Error
		}

		if meta.ID == 0 {
			meta = SyncMeta{
				TLD:            update.TLD,
				FirstSync:      update.SyncTime,
				SyncCount:      1,
				LastGapFlagged: update.GapFlagged,
			}
			if update.Success {
				meta.LastSync = update.SyncTime
				meta.DomainCount = update.DomainCount
			}
			return tx.Create(&meta).Error
		}

		changes := map[string]interface{}{
			"sync_count":       meta.SyncCount + 1,
			"last_gap_flagged": update.GapFlagged,
		}
		if update.Success {
			changes["domain_count"] = update.DomainCount
			// last_sync only advances forward.
			if update.SyncTime.After(meta.LastSync) {
				changes["last_sync"] = update.SyncTime
			}
		}
		return tx.Model(&SyncMeta{}).Where("id = ?", meta.ID).Updates(changes).Error
	})

	if err != nil {
		return &StoreError{Op: "update sync metadata for " + update.TLD, Err: err}
	}
	return nil
}

func (d *database) GetSyncMeta(tld string) (SyncMeta, bool, error) {
	var meta SyncMeta
	sql := d.db.Where("tld = ?", tld).Limit(1).Find(&meta)
	if sql.Error != nil {
		return meta, false, sql.Error
	}
	return meta, meta.ID != 0, nil
}

func (d *database) ListSyncMeta() ([]SyncMeta, error) {
	var metas []SyncMeta
	sql := d.db.Order("tld").Find(&metas)
	return metas, sql.Error
}

func (d *database) ListTLDs() ([]string, error) {
	var tlds []string
	sql := d.db.Model(&CatalogueEntry{}).Distinct("tld").Order("tld").Pluck("tld", &tlds)
	return tlds, sql.Error
}

func (d *database) TLDStats(tld string) (model.TLDStats, error) {
	stats := model.TLDStats{TLD: tld}

	sql := d.db.Model(&CatalogueEntry{}).Where("tld = ?", tld).Count(&stats.TotalDomains)
	if sql.Error != nil {
		return stats, sql.Error
	}
	if stats.TotalDomains == 0 {
		return stats, nil
	}

	var agg struct {
		Earliest    *time.Time `gorm:"column:earliest"`
		LatestFirst *time.Time `gorm:"column:latest_first"`
		LatestLast  *time.Time `gorm:"column:latest_last"`
	}
	sql = d.db.Model(&CatalogueEntry{}).Where("tld = ?", tld).
		Select("MIN(first_seen) as earliest, MAX(first_seen) as latest_first, MAX(last_seen) as latest_last").
		Scan(&agg)
	if sql.Error != nil {
		return stats, sql.Error
	}

	stats.EarliestFirstSeen = agg.Earliest
	stats.LatestFirstSeen = agg.LatestFirst
	stats.LatestLastSeen = agg.LatestLast
	return stats, nil
}

func (d *database) DomainsByTLD(tld string, page, pageSize int) ([]model.CatalogueDomain, int64, error) {
	var total int64
	sql := d.db.Model(&CatalogueEntry{}).Where("tld = ?", tld).Count(&total)
	if sql.Error != nil {
		return nil, 0, sql.Error
	}

	var entries []CatalogueEntry
	sql = d.db.Where("tld = ?", tld).Order("name").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&entries)
	if sql.Error != nil {
		return nil, 0, sql.Error
	}

	return toDomains(entries), total, nil
}

func (d *database) NewlyRegistered(tld string, since, until time.Time, page, pageSize int) ([]model.CatalogueDomain, int64, error) {
	q := d.db.Model(&CatalogueEntry{}).Where("first_seen >= ? AND first_seen < ?", since, until)
	if tld != "" {
		q = q.Where("tld = ?", tld)
	}

	var total int64
	if sql := q.Count(&total); sql.Error != nil {
		return nil, 0, sql.Error
	}

	var entries []CatalogueEntry
	sql := q.Order("first_seen DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&entries)
	if sql.Error != nil {
		return nil, 0, sql.Error
	}

	return toDomains(entries), total, nil
}

func (d *database) SyncStatsSince(tld string, since time.Time) ([]model.TLDSyncSummary, []model.DailySyncSummary, error) {
	base := d.db.Model(&SyncStat{}).Where("sync_time >= ?", since)
	if tld != "" {
		base = base.Where("tld = ?", tld)
	}

	var byTLD []model.TLDSyncSummary
	sql := base.Session(&gorm.Session{}).
		Select("tld, SUM(inserted) as total_inserted, SUM(updated) as total_updated, SUM(total_changes) as total_changes, COUNT(*) as sync_count, MIN(sync_time) as first_sync, MAX(sync_time) as last_sync").
		Group("tld").Order("total_changes DESC").
		Scan(&byTLD)
	if sql.Error != nil {
		return nil, nil, sql.Error
	}

	var byDate []model.DailySyncSummary
	sql = base.Session(&gorm.Session{}).
		Select("DATE(sync_time) as date, SUM(inserted) as inserted, SUM(updated) as updated, SUM(total_changes) as total_changes").
		Group("DATE(sync_time)").Order("date DESC").
		Scan(&byDate)
	if sql.Error != nil {
		return nil, nil, sql.Error
	}

	return byTLD, byDate, nil
}

func toDomains(entries []CatalogueEntry) []model.CatalogueDomain {
	domains := make([]model.CatalogueDomain, 0, len(entries))
	for _, e := range entries {
		domains = append(domains, model.CatalogueDomain{
			Name:         e.Name,
			FQDN:         e.FQDN,
			TLD:          e.TLD,
			FirstSeen:    e.FirstSeen,
			LastSeen:     e.LastSeen,
			DNSRecords:   unmarshalRecords(e.DNSRecords),
			Source:       e.Source,
			ZoneFileDate: e.ZoneFileDate,
		})
	}
	return domains
}

func marshalRecords(records map[string][]string) string {
	if len(records) == 0 {
		return ""
	}
	out, err := json.Marshal(records)
	if err != nil {
		return ""
	}
	return string(out)
}

func unmarshalRecords(raw string) map[string][]string {
	if raw == "" {
		return nil
	}
	var records map[string][]string
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil
	}
	return records
}

// mergeRecords unions incoming values into the stored mapping, preserving
// stored order and deduplicating.
func mergeRecords(stored, incoming map[string][]string) map[string][]string {
	if len(stored) == 0 {
		return incoming
	}
	merged := make(map[string][]string, len(stored)+len(incoming))
	maps.Copy(merged, stored)
	for rtype, values := range incoming {
		for _, v := range values {
			if !slices.Contains(merged[rtype], v) {
				merged[rtype] = append(merged[rtype], v)
			}
		}
	}
	return merged
}

// isRecordError separates per-record rejections (bad data, constraint
// violations) from connection-level faults.
func isRecordError(err error) bool {
	if errors.Is(err, errEmptyName) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "constraint")
}
