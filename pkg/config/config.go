// Package config holds the values the engine consumes. Loading happens at
// the command layer (cli flags and env vars) with an optional yaml file for
// the TLD allowlist.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port int

	SQLDialect string
	SQLDSN     string

	AuthURL  string
	CZDSURL  string
	Username string
	Password string

	MaxConcurrentDownloads int
	DecoderBatchSize       int
	UpsertBatchSize        int
	NominalSyncInterval    time.Duration
	GapMultiplier          float64
	RetryAttempts          int
	RetryBackoff           time.Duration
	DownloadTimeout        time.Duration
	CountFailedSyncs       bool

	ScheduleHours []int
	TLDs          []string

	ArchiveTarget   string
	ArchiveDir      string
	ArchiveS3Bucket string
	ArchiveS3Prefix string

	WhoisEnabled   bool
	WhoisRateLimit int

	// Bcrypt hash of the admin token guarding mutating endpoints; empty
	// leaves them open.
	AdminTokenHash string
}

// ParseHours parses a schedule like "0,12" into hours of the day.
func ParseHours(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var hours []int
	for _, part := range strings.Split(s, ",") {
		h, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid schedule hour %q: %w", part, err)
		}
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("schedule hour %d out of range", h)
		}
		hours = append(hours, h)
	}
	return hours, nil
}

// ParseTLDs normalizes a comma-separated TLD list.
func ParseTLDs(s string) []string {
	var tlds []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			tlds = append(tlds, part)
		}
	}
	return tlds
}

type tldFile struct {
	TLDs []string `yaml:"tlds"`
}

// LoadTLDFile reads a yaml allowlist of TLDs:
//
//	tlds:
//	  - com
//	  - net
func LoadTLDFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tld file: %w", err)
	}
	var f tldFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing tld file: %w", err)
	}
	var tlds []string
	for _, t := range f.TLDs {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			tlds = append(tlds, t)
		}
	}
	return tlds, nil
}
