package sync

import (
	"context"
)

const DefaultMaxConcurrent = 10

// Admission bounds how many zone file pipelines run concurrently. Waiters are
// served by the runtime in rough arrival order; none starve while capacity
// exists.
type Admission struct {
	slots chan struct{}
}

func NewAdmission(capacity int) *Admission {
	if capacity <= 0 {
		capacity = DefaultMaxConcurrent
	}
	return &Admission{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (a *Admission) Acquire(ctx context.Context) error {
	select {
	case a.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Callers pair it with Acquire via defer so a panic in
// the admitted operation still releases.
func (a *Admission) Release() {
	<-a.slots
}

// InUse reports how many slots are currently held.
func (a *Admission) InUse() int {
	return len(a.slots)
}
