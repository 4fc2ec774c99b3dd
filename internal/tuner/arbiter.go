// Package tuner serves live streams from a bounded pool of physical tuners
// and arbitrates access between streaming, EPG scanning and recording.
package tuner

import (
	"context"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Kind classifies a lease request. Recording outranks everything, live may
// bump live (behind a flag), scans yield to all.
type Kind string

const (
	KindLive Kind = "live"
	KindEPG  Kind = "epg"
	KindDVR  Kind = "dvr"
)

const (
	stateIdle = "idle"

	// acquireBudget bounds the whole acquire attempt; exhaustion means 503.
	acquireBudget = 5 * time.Second

	// victimPoll / victimWait pace the wait for a preempted session to drain.
	victimPoll = 200 * time.Millisecond
	victimWait = 3 * time.Second

	// Retry sleep is 500 ms plus jitter so stacked waiters do not retry in
	// lockstep.
	retryBase   = 500 * time.Millisecond
	retryJitter = 500 * time.Millisecond
)

// Lease is exclusive ownership of one tuner until Release.
type Lease struct {
	TunerID   int
	AdapterID int
	Kind      Kind

	released bool // guarded by the arbiter mutex
}

type tunerSlot struct {
	id      int
	adapter int
	state   string // stateIdle or a Kind
	cancel  func() // session cancel trigger, set while leased
}

// Arbiter owns the tuner pool. All state transitions go through it.
type Arbiter struct {
	mu          sync.Mutex
	slots       []tunerSlot
	lastGranted int

	preemption    bool
	contentionLog rate.Sometimes
}

// NewArbiter builds a pool with one slot per adapter id.
func NewArbiter(adapters []int, preemptionEnabled bool) *Arbiter {
	a := &Arbiter{
		lastGranted:   -1,
		preemption:    preemptionEnabled,
		contentionLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	for i, adapter := range adapters {
		a.slots = append(a.slots, tunerSlot{id: i, adapter: adapter, state: stateIdle})
	}
	return a
}

// Acquire grants a lease, waiting and preempting per policy. Returns nil when
// the wait budget is exhausted; the caller maps that to 503. ctx aborts the
// wait early (client gone).
func (a *Arbiter) Acquire(ctx context.Context, kind Kind) *Lease {
	deadline := time.Now().Add(acquireBudget)
	for {
		if l := a.tryAcquireFree(kind); l != nil {
			return l
		}
		if id, cancel := a.pickVictim(kind); cancel != nil {
			log.Printf("tuner: preempting tuner=%d for kind=%s", id, kind)
			metricPreemptions.Inc()
			cancel()
			a.waitForIdle(id, deadline)
			if l := a.tryAcquireFree(kind); l != nil {
				return l
			}
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			metricAcquireFailures.Inc()
			return nil
		}
		a.contentionLog.Do(func() {
			log.Printf("tuner: pool busy, kind=%s waiting", kind)
		})
		sleep := retryBase + time.Duration(rand.Int64N(int64(retryJitter)))
		select {
		case <-ctx.Done():
			metricAcquireFailures.Inc()
			return nil
		case <-time.After(sleep):
		}
	}
}

// tryAcquireFree grants the first idle tuner in round-robin order starting
// after the last grant, spreading wear across adapters.
func (a *Arbiter) tryAcquireFree(kind Kind) *Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.slots)
	if n == 0 {
		return nil
	}
	for i := 1; i <= n; i++ {
		idx := (a.lastGranted + i) % n
		if a.slots[idx].state != stateIdle {
			continue
		}
		a.slots[idx].state = string(kind)
		a.lastGranted = idx
		metricBusyTuners.Inc()
		return &Lease{TunerID: a.slots[idx].id, AdapterID: a.slots[idx].adapter, Kind: kind}
	}
	return nil
}

// pickVictim selects a preemptible tuner for kind, or (0, nil).
// Ranks: dvr bumps live or epg; live bumps live only when the preemption flag
// is set and never bumps epg (a scan frees itself shortly); epg bumps nothing.
func (a *Arbiter) pickVictim(kind Kind) (int, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.slots {
		s := &a.slots[i]
		if s.cancel == nil {
			continue
		}
		switch kind {
		case KindDVR:
			if s.state == string(KindLive) || s.state == string(KindEPG) {
				return s.id, s.cancel
			}
		case KindLive:
			if a.preemption && s.state == string(KindLive) {
				return s.id, s.cancel
			}
		}
	}
	return 0, nil
}

// waitForIdle polls a preempted slot until it drains, bounded by both the
// victim window and the overall acquire deadline.
func (a *Arbiter) waitForIdle(id int, deadline time.Time) {
	until := time.Now().Add(victimWait)
	if until.After(deadline) {
		until = deadline
	}
	for time.Now().Before(until) {
		a.mu.Lock()
		idle := a.slots[id].state == stateIdle
		a.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(victimPoll)
	}
}

// Release returns the tuner to the pool. Idempotent; every acquire path must
// reach exactly one effective Release.
func (a *Arbiter) Release(l *Lease) {
	if l == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	a.slots[l.TunerID].state = stateIdle
	a.slots[l.TunerID].cancel = nil
	metricBusyTuners.Dec()
}

// SetCancel registers the session cancel trigger the arbiter invokes to
// preempt this lease. No-op if the lease was already released.
func (a *Arbiter) SetCancel(l *Lease, cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l == nil || l.released {
		return
	}
	a.slots[l.TunerID].cancel = cancel
}

// AllIdle reports whether no tuner holds a lease. The EPG orchestrator
// checks this atomically before starting a scan cycle.
func (a *Arbiter) AllIdle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.slots {
		if a.slots[i].state != stateIdle {
			return false
		}
	}
	return true
}

// TunerStatus is one pool slot snapshot for the status API.
type TunerStatus struct {
	ID      int    `json:"id"`
	Adapter int    `json:"adapter"`
	State   string `json:"state"`
}

// Snapshot returns the current pool state.
func (a *Arbiter) Snapshot() []TunerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TunerStatus, len(a.slots))
	for i, s := range a.slots {
		out[i] = TunerStatus{ID: s.id, Adapter: s.adapter, State: s.state}
	}
	return out
}
