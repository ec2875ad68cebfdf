package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status of the polling controller.
type Status int

const (
	StatusNormal Status = iota
	StatusStretched
	StatusThrottled
	StatusRateLimited
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusStretched:
		return "stretched"
	case StatusThrottled:
		return "throttled"
	case StatusRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// APIStatus folds the controller status into the user-visible
// connection tri-state.
func (s Status) APIStatus() string {
	switch s {
	case StatusThrottled:
		return "throttled"
	case StatusRateLimited:
		return "rate_limited"
	default:
		return "connected"
	}
}

// Decision is one controller output: how long the poll loop sleeps
// before its next cycle, and the state that produced that number.
// Suspended marks the sleep as a probe wait rather than a cadence:
// background refreshes are paused and the wake exists to re-observe.
type Decision struct {
	Interval  time.Duration
	Status    Status
	Suspended bool
	Reason    string
}

// Config tunes the controller.
type Config struct {
	// BaselineInterval is the statically configured cadence, used
	// whenever adaptive scheduling is off or quota data is unusable,
	// and as the comparison base for the Stretched status.
	BaselineInterval time.Duration

	// MinInterval and MaxInterval clamp every computed cadence.
	MinInterval time.Duration
	MaxInterval time.Duration

	// AutoQuotaFraction is the share of free quota the poll loop may
	// spend. Zero disables adaptive scheduling.
	AutoQuotaFraction float64

	// ThrottleReserve is the call count withheld from background use.
	ThrottleReserve int

	// RecoveryMargin is how far above the reserve Remaining must climb
	// before the Throttled status releases.
	RecoveryMargin int

	// DisableOnThrottle stops background polling entirely while
	// Throttled instead of idling at MaxInterval.
	DisableOnThrottle bool

	// ResetProbeDelay pads the wake scheduled just past the quota
	// reset, so the service has finished rolling the counter over.
	ResetProbeDelay time.Duration

	// StaleGrace pads the staleness check beyond one poll interval.
	StaleGrace time.Duration

	// Window is an optional daily span with its own cadence.
	Window *Window
}

func (c *Config) applyDefaults() {
	if c.BaselineInterval <= 0 {
		c.BaselineInterval = 5 * time.Minute
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 15 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Hour
	}
	if c.ResetProbeDelay <= 0 {
		c.ResetProbeDelay = 2 * time.Minute
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = 30 * time.Second
	}
	if c.RecoveryMargin < 0 {
		c.RecoveryMargin = 0
	}
}

// Scheduler is the closed-loop controller. The daily reset is a fixed
// deadline, not a rolling window, so the controller treats remaining
// quota as a budget that must last until that deadline and recomputes
// the cadence from live feedback on every cycle.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	ledger    *Ledger
	estimator *Estimator

	status       Status
	lastInterval time.Duration
	lastDecision Decision

	now func() time.Time
}

// NewScheduler creates the controller around a ledger and an estimator.
func NewScheduler(cfg Config, ledger *Ledger, estimator *Estimator) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:       cfg,
		ledger:    ledger,
		estimator: estimator,
		status:    StatusNormal,
		now:       time.Now,
	}
}

// Decide runs one control cycle and records the outcome.
func (s *Scheduler) Decide() Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	d := s.decide(now, s.ledger.Current())

	if d.Status != s.status {
		log.Info().
			Str("from", s.status.String()).
			Str("to", d.Status.String()).
			Str("reason", d.Reason).
			Msg("Schedule status changed")
	}
	log.Debug().
		Dur("interval", d.Interval).
		Str("status", d.Status.String()).
		Bool("suspended", d.Suspended).
		Str("reason", d.Reason).
		Msg("Schedule recomputed")

	s.status = d.Status
	s.lastInterval = d.Interval
	s.lastDecision = d
	return d
}

// LastDecision returns the most recent controller output.
func (s *Scheduler) LastDecision() Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDecision
}

// Status returns the current controller status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) decide(now time.Time, state State) Decision {
	if d, latched := s.decideRateLimited(now, state); latched {
		return d
	}

	if state.IsZero() {
		return Decision{
			Interval: s.cfg.BaselineInterval,
			Status:   StatusNormal,
			Reason:   "no quota observation yet",
		}
	}

	// Stale quota data must never shorten the cadence, and it can
	// never release a protective state either.
	if s.stale(state, now) {
		if s.status == StatusThrottled {
			d := s.throttledDecision(now, state, "quota state stale; holding throttled")
			return d
		}
		return Decision{
			Interval: s.cfg.BaselineInterval,
			Status:   StatusNormal,
			Reason:   fmt.Sprintf("quota state stale (%s old); using baseline", state.Age(now).Round(time.Second)),
		}
	}

	// A snapshot whose reset already passed describes the previous
	// quota day; it cannot drive the throttle gate or the budget math.
	secondsToReset := state.ResetAt.Sub(now).Seconds()
	if secondsToReset <= 0 {
		return Decision{
			Interval: s.cfg.BaselineInterval,
			Status:   StatusNormal,
			Reason:   "reset elapsed; awaiting fresh headers",
		}
	}

	fixedRemaining := s.estimator.DailyFixed() * secondsToReset / (24 * time.Hour).Seconds()
	freeQuota := float64(state.Remaining) - float64(s.cfg.ThrottleReserve) - fixedRemaining

	// Throttle gate. Leaving Throttled needs Remaining to climb past
	// reserve + margin, not just past the reserve, so one favorable
	// header sample cannot flap the loop.
	exitLevel := s.cfg.ThrottleReserve
	if s.status == StatusThrottled {
		exitLevel += s.cfg.RecoveryMargin
	}
	if state.Remaining <= exitLevel || freeQuota <= 0 {
		reason := fmt.Sprintf("remaining %d at or under reserve %d", state.Remaining, exitLevel)
		if state.Remaining > exitLevel {
			reason = fmt.Sprintf("free quota %.0f exhausted by fixed cost", freeQuota)
		}
		return s.throttledDecision(now, state, reason)
	}

	if s.cfg.AutoQuotaFraction <= 0 {
		return s.windowed(now, state, Decision{
			Interval: s.cfg.BaselineInterval,
			Status:   StatusNormal,
			Reason:   "adaptive scheduling disabled",
		}, 0)
	}

	budgeted := freeQuota * s.cfg.AutoQuotaFraction
	perCycle := s.estimator.PerCycle()
	cycles := budgeted / perCycle
	if cycles < 1 {
		cycles = 1
	}
	raw := secondsToReset / cycles

	d := s.clampedDecision(raw, budgeted, perCycle)
	return s.windowed(now, state, d, cycles)
}

// decideRateLimited handles the quota-exhausted latch. It reports
// latched=false once the latch is released and normal computation
// should continue.
func (s *Scheduler) decideRateLimited(now time.Time, state State) (Decision, bool) {
	rl := s.ledger.RateLimited()
	if !rl.Active {
		return Decision{}, false
	}

	// Release on deadline, or on an observation made after the latch
	// showing the counter genuinely recovered.
	deadlinePassed := !rl.Until.IsZero() && now.After(rl.Until)
	recovered := state.ObservedAt.After(rl.Since) &&
		state.Remaining > s.cfg.ThrottleReserve+s.cfg.RecoveryMargin
	if deadlinePassed || recovered {
		s.ledger.ClearRateLimited()
		log.Info().
			Bool("deadline_passed", deadlinePassed).
			Bool("recovered", recovered).
			Msg("Rate limit released")
		return Decision{}, false
	}

	interval := s.cfg.MaxInterval
	reason := "quota exhausted; reset time unknown"
	if !rl.Until.IsZero() {
		interval = rl.Until.Sub(now) + s.cfg.ResetProbeDelay
		reason = fmt.Sprintf("quota exhausted; probing after reset at %s", rl.Until.Format(time.RFC3339))
	}
	if interval < s.cfg.MinInterval {
		interval = s.cfg.MinInterval
	}
	return Decision{
		Interval:  interval,
		Status:    StatusRateLimited,
		Suspended: true,
		Reason:    reason,
	}, true
}

func (s *Scheduler) throttledDecision(now time.Time, state State, reason string) Decision {
	d := Decision{Status: StatusThrottled, Reason: reason}
	if s.cfg.DisableOnThrottle {
		d.Suspended = true
		d.Interval = s.cfg.MaxInterval
		if !state.ResetAt.IsZero() && state.ResetAt.After(now) {
			d.Interval = state.ResetAt.Sub(now) + s.cfg.ResetProbeDelay
		}
		if d.Interval < s.cfg.MinInterval {
			d.Interval = s.cfg.MinInterval
		}
		return d
	}
	d.Interval = s.cfg.MaxInterval
	return d
}

// windowed overlays the economy window on a computed decision: inside
// the window the window cadence wins; outside it, the calls the window
// will not spend are reinvested into a shorter active cadence.
func (s *Scheduler) windowed(now time.Time, state State, d Decision, cycles float64) Decision {
	w := s.cfg.Window
	if w == nil {
		return d
	}

	if w.Contains(now) {
		if w.Interval <= 0 {
			boundary := w.NextBoundary(now)
			d.Suspended = true
			d.Interval = boundary.Sub(now) + time.Second
			d.Reason = "inside quiet window; polling paused"
			return d
		}
		d.Interval = w.Interval
		d.Reason = "inside quiet window"
		return d
	}

	// Reinvest unspent window budget into the active hours.
	if cycles <= 0 || state.ResetAt.IsZero() || !state.ResetAt.After(now) {
		return d
	}
	overlap := w.OverlapUntil(now, state.ResetAt)
	if overlap <= 0 {
		return d
	}
	var windowCycles float64
	if w.Interval > 0 {
		windowCycles = overlap.Seconds() / w.Interval.Seconds()
	}
	activeSeconds := state.ResetAt.Sub(now).Seconds() - overlap.Seconds()
	remainingCycles := cycles - windowCycles
	if activeSeconds <= 0 || remainingCycles < 1 {
		return d
	}
	weighted := s.clampedDecision(activeSeconds/remainingCycles, 0, 0)
	weighted.Reason = fmt.Sprintf("%s; reinvested %s of quiet window", weighted.Reason, overlap.Round(time.Minute))
	return weighted
}

func (s *Scheduler) clampedDecision(rawSeconds, budgeted, perCycle float64) Decision {
	interval := time.Duration(rawSeconds * float64(time.Second))
	if interval < s.cfg.MinInterval {
		interval = s.cfg.MinInterval
	}
	if interval > s.cfg.MaxInterval {
		interval = s.cfg.MaxInterval
	}

	status := StatusNormal
	if interval > s.cfg.BaselineInterval {
		status = StatusStretched
	}
	reason := fmt.Sprintf("interval %s from budget", interval.Round(time.Second))
	if budgeted > 0 {
		reason = fmt.Sprintf("budget %.0f calls at %.1f per cycle", budgeted, perCycle)
	}
	return Decision{Interval: interval, Status: status, Reason: reason}
}

// stale reports whether the observation is older than one full poll
// interval plus grace. The comparison base is the cadence the loop was
// actually sleeping, falling back to baseline before the first cycle.
func (s *Scheduler) stale(state State, now time.Time) bool {
	interval := s.lastInterval
	if interval <= 0 {
		interval = s.cfg.BaselineInterval
	}
	return state.Age(now) > interval+s.cfg.StaleGrace
}
