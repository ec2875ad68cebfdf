package quota

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the latest known quota snapshot, taken from the rate-limit
// headers of the most recent API response. It is replaced wholesale on
// every observation; there is no history.
type State struct {
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	ObservedAt time.Time `json:"observed_at"`
}

// IsZero reports whether no observation has arrived yet.
func (s State) IsZero() bool {
	return s.ObservedAt.IsZero()
}

// Age returns how old the observation is at now.
func (s State) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}

// RateLimit is the quota-exhausted latch. Once set it stays active
// until the recorded reset passes or a fresh observation proves real
// recovery; single favorable header samples do not release it.
type RateLimit struct {
	Active bool
	Until  time.Time
	Since  time.Time
}

// Ledger holds the current quota snapshot plus the rate-limited latch.
// Writers replace the snapshot wholesale; readers receive a copy, so no
// consistency beyond write exclusion is needed.
type Ledger struct {
	mu          sync.RWMutex
	state       State
	rateLimited RateLimit

	now func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

// Observe replaces the snapshot with fresh header values. A large
// upward jump in Remaining marks the daily reset; protective statuses
// release through their own exit conditions, this only logs it.
func (l *Ledger) Observe(limit, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	if !prev.IsZero() && limit > 0 && remaining > prev.Remaining+limit/5 {
		log.Info().
			Int("from", prev.Remaining).
			Int("to", remaining).
			Time("reset_at", resetAt).
			Msg("Quota reset detected")
	}

	l.state = State{
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		ObservedAt: l.now(),
	}
}

// Restore loads a persisted snapshot, keeping its original ObservedAt
// so staleness rules apply to carried-over data.
func (l *Ledger) Restore(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// Current returns a copy of the snapshot.
func (l *Ledger) Current() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// MarkRateLimited latches the quota-exhausted condition until the given
// reset time. A zero until falls back to the snapshot's reset time.
func (l *Ledger) MarkRateLimited(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until.IsZero() {
		until = l.rateLimited.Until
	}
	if until.IsZero() {
		until = l.state.ResetAt
	}
	if !l.rateLimited.Active {
		l.rateLimited.Since = l.now()
	}
	l.rateLimited.Active = true
	l.rateLimited.Until = until
}

// ClearRateLimited releases the latch.
func (l *Ledger) ClearRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rateLimited = RateLimit{}
}

// RateLimited returns the current latch.
func (l *Ledger) RateLimited() RateLimit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rateLimited
}
