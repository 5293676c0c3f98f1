package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/czds"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/db"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/schedule"
	zsync "github.com/firatesatoglu/ICANN-Zone-Collector/pkg/sync"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/version"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/whois"
	"github.com/gorilla/mux"
	"golang.org/x/exp/slices"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxDaysBack     = 365
)

type Handler struct {
	orch     *zsync.Orchestrator
	database db.Database
	client   *czds.Client
	whois    *whois.Service
	sched    *schedule.Scheduler // may be nil in one-shot mode
}

func NewHandler(orch *zsync.Orchestrator, database db.Database, client *czds.Client, whoisSvc *whois.Service, sched *schedule.Scheduler) *Handler {
	return &Handler{
		orch:     orch,
		database: database,
		client:   client,
		whois:    whoisSvc,
		sched:    sched,
	}
}

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, version.Get())
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:        "healthy",
		Authenticated: h.client.HasToken(),
		SyncRunning:   h.orch.Running(),
	}

	if err := h.database.Ping(); err == nil {
		resp.StoreConnected = true
	} else {
		resp.Status = "degraded"
	}

	if h.sched != nil {
		resp.SchedulerRunning = h.sched.Running()
		if next, ok := h.sched.NextRun(); ok {
			resp.NextSync = &next
		}
	}

	writeSuccess(w, resp)
}

type syncRequest struct {
	TLDs []string `json:"tlds,omitempty"`
}

func (h *Handler) startSync(w http.ResponseWriter, r *http.Request) {
	var input syncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	cycleID, err := h.orch.Start(r.Context(), normalizeTLDs(input.TLDs))
	if err != nil {
		if errors.Is(err, zsync.ErrCycleRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeSuccess(w, model.SyncStartResponse{
		CycleID: cycleID,
		Status:  "started",
		Message: "sync started in background, check /v1/sync/status?cycle_id=" + cycleID,
	})
}

func (h *Handler) cancelSync(w http.ResponseWriter, r *http.Request) {
	cycleID := mux.Vars(r)["cycle"]
	if !h.orch.Cancel(cycleID) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no running cycle %q", cycleID))
		return
	}
	writeSuccess(w, model.SyncStartResponse{CycleID: cycleID, Status: "canceling"})
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	cycleID := r.URL.Query().Get("cycle_id")
	snap, ok := h.orch.Status(cycleID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no sync found"))
		return
	}
	writeSuccess(w, snap)
}

func (h *Handler) listTLDs(w http.ResponseWriter, r *http.Request) {
	tlds, err := h.database.ListTLDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tlds == nil {
		tlds = []string{}
	}
	writeSuccess(w, tlds)
}

func (h *Handler) tldStats(w http.ResponseWriter, r *http.Request) {
	tld := strings.ToLower(mux.Vars(r)["tld"])

	known, err := h.knownTLD(tld)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !known {
		writeError(w, http.StatusNotFound, fmt.Errorf("TLD %q not found", tld))
		return
	}

	stats, err := h.database.TLDStats(tld)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, stats)
}

func (h *Handler) tldDomains(w http.ResponseWriter, r *http.Request) {
	tld := strings.ToLower(mux.Vars(r)["tld"])

	known, err := h.knownTLD(tld)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !known {
		writeError(w, http.StatusNotFound, fmt.Errorf("TLD %q not found", tld))
		return
	}

	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	domains, total, err := h.database.DomainsByTLD(tld, page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeSuccess(w, model.DomainPage{
		TLD:        tld,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
		Domains:    domains,
	})
}

func (h *Handler) zoneLinks(w http.ResponseWriter, r *http.Request) {
	links, err := h.client.ZoneLinks(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	zones := make([]model.ZoneLinkInfo, 0, len(links))
	for _, l := range links {
		zones = append(zones, model.ZoneLinkInfo{Zone: l.TLD, DownloadLink: l.URL})
	}
	writeSuccess(w, model.ZoneLinksResponse{Total: len(zones), Zones: zones})
}

func (h *Handler) newlyRegistered(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tld := strings.ToLower(q.Get("tld"))

	daysBack, err := intParam(q.Get("days_back"), 1, 1, maxDaysBack)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("days_back: %w", err))
		return
	}
	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if tld != "" {
		known, err := h.knownTLD(tld)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !known {
			writeError(w, http.StatusNotFound, fmt.Errorf("TLD %q not found", tld))
			return
		}
	}

	// The window runs midnight-to-midnight so "last N days" means whole
	// calendar days including today.
	now := time.Now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -daysBack)

	domains, total, err := h.database.NewlyRegistered(tld, start, end, page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := model.NewlyRegisteredResponse{
		DaysBack:  daysBack,
		StartDate: start,
		EndDate:   end,
		TLD:       tldOrAll(tld),
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
		Domains:   domains,
	}

	if gaps, err := h.gapReport(tld); err == nil && gaps.HasGaps {
		resp.Warning = "data may contain false positives for TLDs with sync gaps"
		resp.SyncGaps = &gaps
	}

	writeSuccess(w, resp)
}

func (h *Handler) newlyRegisteredStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tld := strings.ToLower(q.Get("tld"))

	daysBack, err := intParam(q.Get("days_back"), 7, 1, maxDaysBack)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("days_back: %w", err))
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -daysBack)
	byTLD, byDate, err := h.database.SyncStatsSince(tld, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeSuccess(w, model.SyncStatsReport{
		DaysBack:  daysBack,
		TLDFilter: tld,
		ByTLD:     byTLD,
		ByDate:    byDate,
	})
}

func (h *Handler) whoisLookup(w http.ResponseWriter, r *http.Request) {
	fqdn := strings.ToLower(mux.Vars(r)["fqdn"])

	resp, err := h.whois.Lookup(r.Context(), fqdn)
	if err != nil {
		if errors.Is(err, whois.ErrDisabled) {
			writeError(w, http.StatusNotImplemented, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeSuccess(w, resp)
}

// gapReport evaluates observation continuity per TLD for the gap annotation
// on newly-registered responses.
func (h *Handler) gapReport(tldFilter string) (model.SyncGapReport, error) {
	var report model.SyncGapReport

	metas, err := h.database.ListSyncMeta()
	if err != nil {
		return report, err
	}
	tlds, err := h.database.ListTLDs()
	if err != nil {
		return report, err
	}

	now := time.Now().UTC()
	detector := h.orch.Gap()
	synced := make(map[string]bool, len(metas))

	for _, meta := range metas {
		synced[meta.TLD] = true
		if tldFilter != "" && meta.TLD != tldFilter {
			continue
		}
		if detector.Detect(meta.LastSync, now) {
			stale := model.StaleTLD{TLD: meta.TLD}
			if !meta.LastSync.IsZero() {
				last := meta.LastSync
				hours := int64(now.Sub(last).Hours())
				stale.LastSync = &last
				stale.HoursSinceSync = &hours
			}
			report.StaleTLDs = append(report.StaleTLDs, stale)
		}
	}

	for _, tld := range tlds {
		if tldFilter != "" && tld != tldFilter {
			continue
		}
		if !synced[tld] {
			report.NeverSyncedTLDs = append(report.NeverSyncedTLDs, tld)
		}
	}

	report.HasGaps = len(report.StaleTLDs) > 0 || len(report.NeverSyncedTLDs) > 0
	return report, nil
}

func (h *Handler) knownTLD(tld string) (bool, error) {
	tlds, err := h.database.ListTLDs()
	if err != nil {
		return false, err
	}
	return slices.Contains(tlds, tld), nil
}

func pagination(r *http.Request) (page, pageSize int, err error) {
	q := r.URL.Query()
	page, err = intParam(q.Get("page"), 1, 1, 1<<30)
	if err != nil {
		return 0, 0, fmt.Errorf("page: %w", err)
	}
	pageSize, err = intParam(q.Get("page_size"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return 0, 0, fmt.Errorf("page_size: %w", err)
	}
	return page, pageSize, nil
}

func intParam(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%d out of range [%d, %d]", v, min, max)
	}
	return v, nil
}

func totalPages(total int64, pageSize int) int64 {
	if total == 0 {
		return 0
	}
	return (total + int64(pageSize) - 1) / int64(pageSize)
}

func normalizeTLDs(tlds []string) []string {
	var out []string
	for _, t := range tlds {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func tldOrAll(tld string) string {
	if tld == "" {
		return "all"
	}
	return tld
}
