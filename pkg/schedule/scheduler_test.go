package schedule

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/czds"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/db"
	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
	zsync "github.com/firatesatoglu/ICANN-Zone-Collector/pkg/sync"
	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// countingDownloader fails every listing but counts how many cycles started.
type countingDownloader struct {
	lists int32
}

func (c *countingDownloader) ZoneLinks(ctx context.Context) ([]czds.ZoneLink, error) {
	atomic.AddInt32(&c.lists, 1)
	return nil, errors.New("listing disabled in test")
}

func (c *countingDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	return nil, errors.New("not reachable")
}

type nopStore struct{}

func (nopStore) UpsertBatch(string, []model.DomainRecord, time.Time) (db.BatchResult, error) {
	return db.BatchResult{}, nil
}
func (nopStore) RecordSyncStats(db.SyncStat) error      { return nil }
func (nopStore) UpdateSyncMeta(db.SyncMetaUpdate) error { return nil }

func (nopStore) GetSyncMeta(string) (db.SyncMeta, bool, error) {
	return db.SyncMeta{}, false, nil
}

func TestTickFiresOncePerHour(t *testing.T) {
	dl := &countingDownloader{}
	orch := zsync.New(testLog(), dl, nopStore{}, nil, zsync.Config{MaxConcurrentDownloads: 1})

	s := New(testLog(), orch, []int{time.Now().Hour()}, nil)

	s.tick()
	s.tick()
	s.tick()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&dl.lists) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// The cycle runs async; give repeat ticks a moment to misfire if they
	// ever would.
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&dl.lists); got != 1 {
		t.Errorf("expected exactly 1 cycle start this hour, got %d", got)
	}
}

func TestTickIgnoresUnscheduledHours(t *testing.T) {
	dl := &countingDownloader{}
	orch := zsync.New(testLog(), dl, nopStore{}, nil, zsync.Config{MaxConcurrentDownloads: 1})

	off := (time.Now().Hour() + 12) % 24
	s := New(testLog(), orch, []int{off}, nil)

	s.tick()
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&dl.lists); got != 0 {
		t.Errorf("tick fired outside its schedule, %d cycle starts", got)
	}
}

func TestNextRun(t *testing.T) {
	s := New(testLog(), nil, nil, nil)
	if _, ok := s.NextRun(); ok {
		t.Error("NextRun reported a time with no hours configured")
	}

	s = New(testLog(), nil, []int{0, 12}, nil)
	next, ok := s.NextRun()
	if !ok {
		t.Fatal("NextRun found no slot")
	}
	if !next.After(time.Now()) {
		t.Errorf("NextRun %v is not in the future", next)
	}
	if next.Hour() != 0 && next.Hour() != 12 {
		t.Errorf("NextRun hour %d not in schedule", next.Hour())
	}
	if next.Minute() != 0 || next.Second() != 0 {
		t.Errorf("NextRun %v not aligned to the hour", next)
	}
	if next.Sub(time.Now()) > 24*time.Hour {
		t.Errorf("NextRun %v more than a day out", next)
	}
}

func TestRunningLifecycle(t *testing.T) {
	s := New(testLog(), nil, nil, nil)
	if s.Running() {
		t.Error("scheduler running before Start")
	}

	// No hours: Start returns immediately and never flags running.
	stop := make(chan struct{})
	s.Start(stop)
	if s.Running() {
		t.Error("idle scheduler reports running")
	}
	close(stop)

	dl := &countingDownloader{}
	orch := zsync.New(testLog(), dl, nopStore{}, nil, zsync.Config{MaxConcurrentDownloads: 1})
	// Schedule an hour that never matches now, so Start only loops.
	off := (time.Now().Hour() + 12) % 24
	s = New(testLog(), orch, []int{off}, nil)

	stop = make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Start(stop)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !s.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !s.Running() {
		t.Fatal("scheduler never reported running")
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if s.Running() {
		t.Error("scheduler reports running after stop")
	}
}
