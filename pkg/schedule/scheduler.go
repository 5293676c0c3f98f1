// Package schedule fires sync cycles at configured hours of the day. The
// orchestrator itself knows nothing about wall-clock time; this is the only
// place that does.
package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	zsync "github.com/firatesatoglu/ICANN-Zone-Collector/pkg/sync"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/apimachinery/pkg/util/wait"
)

type Scheduler struct {
	log   *logrus.Entry
	orch  *zsync.Orchestrator
	hours []int
	tlds  []string

	mu      sync.Mutex
	fired   string
	running bool
}

// New builds a scheduler firing at the given hours (local time), syncing the
// given TLDs (nil means all).
func New(log *logrus.Entry, orch *zsync.Orchestrator, hours []int, tlds []string) *Scheduler {
	hours = append([]int(nil), hours...)
	sort.Ints(hours)
	return &Scheduler{
		log:   log,
		orch:  orch,
		hours: hours,
		tlds:  tlds,
	}
}

// Start runs the trigger loop until stopCh closes.
func (s *Scheduler) Start(stopCh <-chan struct{}) {
	if len(s.hours) == 0 {
		s.log.Info("no schedule hours configured, scheduler idle")
		return
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.WithField("hours", s.hours).Info("starting sync scheduler")
	wait.JitterUntil(s.tick, time.Minute, 0.1, true, stopCh)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun computes the next scheduled trigger time.
func (s *Scheduler) NextRun() (time.Time, bool) {
	if len(s.hours) == 0 {
		return time.Time{}, false
	}
	now := time.Now()
	for _, h := range s.hours {
		if h > now.Hour() {
			return time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, now.Location()), true
		}
	}
	next := now.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), s.hours[0], 0, 0, 0, now.Location()), true
}

// tick fires at most once per scheduled hour. A cycle already running when
// the hour arrives is left alone; the trigger is skipped, not queued.
func (s *Scheduler) tick() {
	now := time.Now()
	if !slices.Contains(s.hours, now.Hour()) {
		return
	}

	key := now.Format("2006010215")
	s.mu.Lock()
	if s.fired == key {
		s.mu.Unlock()
		return
	}
	s.fired = key
	s.mu.Unlock()

	id, err := s.orch.Start(context.Background(), s.tlds)
	if err != nil {
		if errors.Is(err, zsync.ErrCycleRunning) {
			s.log.Warn("scheduled sync skipped, a cycle is still running")
			return
		}
		s.log.WithError(err).Error("scheduled sync failed to start")
		return
	}
	s.log.WithField("cycle", id).Info("scheduled sync started")
}
