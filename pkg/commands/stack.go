package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/archive"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/config"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/czds"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/db"
	zsync "github.com/firatesatoglu/ICANN-Zone-Collector/pkg/sync"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
	"k8s.io/apimachinery/pkg/util/wait"
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "sql-dialect",
			Usage:   "The type of sql to use, sqlite or mysql",
			EnvVars: []string{"ZONE_SQL_DIALECT", "SQL_DIALECT"},
			Value:   "sqlite",
		},
		&cli.StringFlag{
			Name:    "sql-dsn",
			Usage:   "The DSN to use to connect to",
			EnvVars: []string{"ZONE_SQL_DSN", "SQL_DSN"},
			Value:   "file:zones.sqlite?_pragma=journal_mode(WAL)",
		},
		&cli.StringFlag{
			Name:    "icann-username",
			Usage:   "CZDS account username",
			EnvVars: []string{"ICANN_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "icann-password",
			Usage:   "CZDS account password",
			EnvVars: []string{"ICANN_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "icann-auth-url",
			Usage:   "CZDS authentication endpoint",
			EnvVars: []string{"ICANN_AUTH_URL"},
			Value:   czds.DefaultAuthURL,
		},
		&cli.StringFlag{
			Name:    "icann-czds-url",
			Usage:   "CZDS API endpoint",
			EnvVars: []string{"ICANN_CZDS_URL"},
			Value:   czds.DefaultAPIURL,
		},
		&cli.IntFlag{
			Name:    "max-concurrent-downloads",
			Usage:   "How many zone files are downloaded and parsed in parallel",
			EnvVars: []string{"ZONE_MAX_CONCURRENT_DOWNLOADS"},
			Value:   zsync.DefaultMaxConcurrent,
		},
		&cli.IntFlag{
			Name:    "decoder-batch-size",
			Usage:   "Domain records per decoded batch",
			EnvVars: []string{"ZONE_DECODER_BATCH_SIZE"},
			Value:   50000,
		},
		&cli.IntFlag{
			Name:    "upsert-batch-size",
			Usage:   "Records per store write batch",
			EnvVars: []string{"ZONE_UPSERT_BATCH_SIZE"},
			Value:   db.DefaultBatchCap,
		},
		&cli.DurationFlag{
			Name:    "sync-interval",
			Usage:   "Nominal time between scheduled syncs, used for gap detection",
			EnvVars: []string{"ZONE_SYNC_INTERVAL"},
			Value:   12 * time.Hour,
		},
		&cli.Float64Flag{
			Name:    "gap-multiplier",
			Usage:   "Multiple of the sync interval after which a gap is flagged",
			EnvVars: []string{"ZONE_GAP_MULTIPLIER"},
			Value:   zsync.DefaultGapMultiplier,
		},
		&cli.IntFlag{
			Name:    "retry-attempts",
			Usage:   "Attempt ceiling for remote requests",
			EnvVars: []string{"ZONE_RETRY_ATTEMPTS"},
			Value:   4,
		},
		&cli.DurationFlag{
			Name:    "retry-backoff",
			Usage:   "Initial backoff between retries",
			EnvVars: []string{"ZONE_RETRY_BACKOFF"},
			Value:   500 * time.Millisecond,
		},
		&cli.DurationFlag{
			Name:    "download-timeout",
			Usage:   "Timeout for one zone file download and parse",
			EnvVars: []string{"ZONE_DOWNLOAD_TIMEOUT"},
			Value:   5 * time.Minute,
		},
		&cli.BoolFlag{
			Name:    "count-failed-syncs",
			Usage:   "Advance sync_count for TLDs whose attempt failed",
			EnvVars: []string{"ZONE_COUNT_FAILED_SYNCS"},
			Value:   true,
		},
		&cli.StringFlag{
			Name:    "tlds",
			Usage:   "Comma separated TLD allowlist, empty means all",
			EnvVars: []string{"ZONE_TLDS"},
		},
		&cli.StringFlag{
			Name:    "tlds-file",
			Usage:   "Yaml file with a tlds allowlist",
			EnvVars: []string{"ZONE_TLDS_FILE"},
		},
		&cli.StringFlag{
			Name:    "archive-target",
			Usage:   "Where to keep downloaded zone files: dir, s3 or empty for none",
			EnvVars: []string{"ZONE_ARCHIVE_TARGET"},
		},
		&cli.StringFlag{
			Name:    "archive-dir",
			Usage:   "Directory for the dir archive target",
			EnvVars: []string{"ZONE_ARCHIVE_DIR"},
			Value:   "zonefiles",
		},
		&cli.StringFlag{
			Name:    "archive-s3-bucket",
			Usage:   "Bucket for the s3 archive target",
			EnvVars: []string{"ZONE_ARCHIVE_S3_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "archive-s3-prefix",
			Usage:   "Key prefix for the s3 archive target",
			EnvVars: []string{"ZONE_ARCHIVE_S3_PREFIX"},
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Config{
		Port:                   c.Int("port"),
		SQLDialect:             c.String("sql-dialect"),
		SQLDSN:                 c.String("sql-dsn"),
		AuthURL:                c.String("icann-auth-url"),
		CZDSURL:                c.String("icann-czds-url"),
		Username:               c.String("icann-username"),
		Password:               c.String("icann-password"),
		MaxConcurrentDownloads: c.Int("max-concurrent-downloads"),
		DecoderBatchSize:       c.Int("decoder-batch-size"),
		UpsertBatchSize:        c.Int("upsert-batch-size"),
		NominalSyncInterval:    c.Duration("sync-interval"),
		GapMultiplier:          c.Float64("gap-multiplier"),
		RetryAttempts:          c.Int("retry-attempts"),
		RetryBackoff:           c.Duration("retry-backoff"),
		DownloadTimeout:        c.Duration("download-timeout"),
		CountFailedSyncs:       c.Bool("count-failed-syncs"),
		TLDs:                   config.ParseTLDs(c.String("tlds")),
		ArchiveTarget:          c.String("archive-target"),
		ArchiveDir:             c.String("archive-dir"),
		ArchiveS3Bucket:        c.String("archive-s3-bucket"),
		ArchiveS3Prefix:        c.String("archive-s3-prefix"),
		WhoisEnabled:           c.Bool("whois-enabled"),
		WhoisRateLimit:         c.Int("whois-rate-limit"),
		AdminTokenHash:         c.String("admin-token-hash"),
	}

	if s := c.String("schedule-hours"); s != "" {
		hours, err := config.ParseHours(s)
		if err != nil {
			return cfg, err
		}
		cfg.ScheduleHours = hours
	}

	if path := c.String("tlds-file"); path != "" {
		tlds, err := config.LoadTLDFile(path)
		if err != nil {
			return cfg, err
		}
		cfg.TLDs = append(cfg.TLDs, tlds...)
	}

	if cfg.Username == "" || cfg.Password == "" {
		return cfg, fmt.Errorf("CZDS credentials are required (icann-username / icann-password)")
	}

	return cfg, nil
}

// buildEngine wires the client, store, archiver and orchestrator from config.
func buildEngine(ctx context.Context, log *logrus.Entry, c *cli.Context, cfg config.Config) (db.Database, *czds.Client, *zsync.Orchestrator, error) {
	database, err := db.New(ctx, cfg.SQLDialect, cfg.SQLDSN, cfg.UpsertBatchSize, &gorm.Config{
		Logger: db.NewLogger(c.String("log-level")),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	client := czds.New(log, czds.Options{
		AuthURL:  cfg.AuthURL,
		APIURL:   cfg.CZDSURL,
		Username: cfg.Username,
		Password: cfg.Password,
		Backoff: wait.Backoff{
			Duration: cfg.RetryBackoff,
			Factor:   2,
			Jitter:   0.1,
			Steps:    cfg.RetryAttempts,
		},
	})

	archiver, err := archive.New(cfg.ArchiveTarget, cfg.ArchiveDir, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix)
	if err != nil {
		return nil, nil, nil, err
	}

	orch := zsync.New(log, client, database, archiver, zsync.Config{
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		DecoderBatchSize:       cfg.DecoderBatchSize,
		NominalInterval:        cfg.NominalSyncInterval,
		GapMultiplier:          cfg.GapMultiplier,
		DownloadTimeout:        cfg.DownloadTimeout,
		CountFailedSyncs:       cfg.CountFailedSyncs,
	})

	return database, client, orch, nil
}
