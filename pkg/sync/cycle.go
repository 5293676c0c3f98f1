package sync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stdsync "sync"
	"time"

	"github.com/firatesatoglu/ICANN-Zone-Collector/pkg/model"
	"golang.org/x/exp/maps"
)

// cycle owns the mutable state of one sync invocation. All mutation happens
// under mu; readers only ever get copies via snapshot.
type cycle struct {
	id     string
	cancel context.CancelFunc

	mu          stdsync.Mutex
	res         model.CycleResult
	storeFailed bool
}

func newCycle(id string) *cycle {
	return &cycle{
		id: id,
		res: model.CycleResult{
			CycleID:   id,
			Status:    model.CycleStatusPending,
			StartedAt: time.Now().UTC(),
			TLDs:      make(map[string]model.TLDProgress),
		},
	}
}

func newCycleID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return time.Now().UTC().Format("20060102150405")
	}
	return hex.EncodeToString(buf)
}

func (c *cycle) snapshot() model.CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.res
	out.TLDs = make(map[string]model.TLDProgress, len(c.res.TLDs))
	maps.Copy(out.TLDs, c.res.TLDs)
	out.Errors = append([]string(nil), c.res.Errors...)
	return out
}

func (c *cycle) setStatus(status model.CycleStatus, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.Status = status
	c.res.Message = message
}

func (c *cycle) finish(status model.CycleStatus, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	c.res.Status = status
	c.res.Message = message
	c.res.CompletedAt = &now
}

func (c *cycle) registerTLD(tld string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.TLDs[tld] = model.TLDProgress{TLD: tld, Phase: model.PhaseWaiting}
}

func (c *cycle) updateTLD(tld string, fn func(*model.TLDProgress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.res.TLDs[tld]
	p.TLD = tld
	fn(&p)
	c.res.TLDs[tld] = p
}

func (c *cycle) setPhase(tld string, phase model.TLDPhase) {
	c.updateTLD(tld, func(p *model.TLDProgress) { p.Phase = phase })
}

func (c *cycle) setGap(tld string, flagged bool) {
	c.updateTLD(tld, func(p *model.TLDProgress) { p.GapDetected = flagged })
}

func (c *cycle) addBatch(tld string, domains, inserted, updated, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.res.TLDs[tld]
	p.Domains += domains
	p.Inserted += inserted
	p.Updated += updated
	p.WriteFailed += failed
	c.res.TLDs[tld] = p
	c.res.TotalDomains += domains
}

func (c *cycle) tldDone(tld string, linesSkipped int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.res.TLDs[tld]
	p.Phase = model.PhaseDone
	p.LinesSkipped = linesSkipped
	c.res.TLDs[tld] = p
	c.res.TLDsDone++
}

func (c *cycle) tldErrored(tld string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.res.TLDs[tld]
	p.Phase = model.PhaseErrored
	p.Error = err.Error()
	c.res.TLDs[tld] = p
	c.res.Errors = append(c.res.Errors, tld+": "+err.Error())
}

// failStore marks the cycle as systemically failed and cancels all in-flight
// TLD tasks.
func (c *cycle) failStore() {
	c.mu.Lock()
	c.storeFailed = true
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *cycle) storeHasFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeFailed
}

// tally counts terminal per-TLD outcomes.
func (c *cycle) tally() (done, errored int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.res.TLDs {
		switch p.Phase {
		case model.PhaseDone:
			done++
		case model.PhaseErrored:
			errored++
		}
	}
	return done, errored
}
