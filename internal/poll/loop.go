package poll

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tadoctl/tadod/internal/eventbus"
	"github.com/tadoctl/tadod/internal/quota"
	"github.com/tadoctl/tadod/internal/tado"
)

// Refresher performs the actual API reads of a poll cycle and reports
// how many calls each track spent.
type Refresher interface {
	RefreshStates(ctx context.Context) (int, error)
	RefreshMetadata(ctx context.Context) (int, error)
}

// Config tunes the loop around the cadence controller.
type Config struct {
	// SlowInterval is how often structural metadata is re-read when
	// nothing marked it dirty.
	SlowInterval time.Duration

	// JitterFraction randomizes each sleep by ±fraction so daemons
	// sharing a proxy quota do not fire in lockstep. Zero disables it.
	JitterFraction float64
}

func (c *Config) applyDefaults() {
	if c.SlowInterval <= 0 {
		c.SlowInterval = 6 * time.Hour
	}
	if c.JitterFraction < 0 || c.JitterFraction > 0.5 {
		c.JitterFraction = 0
	}
}

// CycleResult summarizes one completed poll cycle.
type CycleResult struct {
	At       time.Time     `json:"at"`
	Calls    int           `json:"calls"`
	Full     bool          `json:"full"`
	Manual   bool          `json:"manual"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

type manualRequest struct {
	full  bool
	reply chan CycleResult
}

// Loop drives poll cycles at the cadence the controller decides. It
// sleeps on a timer that a reschedule poke can cut short, so config
// changes and fresh quota observations take effect immediately instead
// of waiting out the old interval.
type Loop struct {
	cfg   Config
	sched *quota.Scheduler
	est   *quota.Estimator
	ref   Refresher
	cache *tado.Cache
	bus   *eventbus.Bus

	reschedule chan struct{}
	manual     chan manualRequest

	mu        sync.Mutex
	announced quota.Decision
	lastCycle CycleResult

	now func() time.Time
}

// New creates the loop. The bus may be nil.
func New(cfg Config, sched *quota.Scheduler, est *quota.Estimator, ref Refresher, cache *tado.Cache, bus *eventbus.Bus) *Loop {
	cfg.applyDefaults()
	return &Loop{
		cfg:        cfg,
		sched:      sched,
		est:        est,
		ref:        ref,
		cache:      cache,
		bus:        bus,
		reschedule: make(chan struct{}, 1),
		manual:     make(chan manualRequest),
		now:        time.Now,
	}
}

// Reschedule wakes the loop so it recomputes its cadence now.
func (l *Loop) Reschedule() {
	select {
	case l.reschedule <- struct{}{}:
	default:
	}
}

// PollNow runs one out-of-band cycle on the loop goroutine and waits
// for its result. Manual cycles run even while background polling is
// suspended; their cost feeds the same estimator.
func (l *Loop) PollNow(ctx context.Context, full bool) (CycleResult, error) {
	req := manualRequest{full: full, reply: make(chan CycleResult, 1)}
	select {
	case l.manual <- req:
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
}

// LastCycle returns the most recent cycle summary.
func (l *Loop) LastCycle() CycleResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCycle
}

// Run executes the loop until the context ends.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().
		Dur("slow_interval", l.cfg.SlowInterval).
		Float64("jitter", l.cfg.JitterFraction).
		Msg("Poll loop started")

	suspended := false
	for {
		d := l.sched.Decide()
		l.announce(d)

		// Leaving a protective hold: probe immediately so fresh
		// headers are observed right after the reset instead of after
		// one more baseline sleep.
		if suspended && !d.Suspended {
			l.cycle(ctx, false, false)
			suspended = false
			continue
		}
		suspended = d.Suspended

		sleep := l.jittered(d.Interval)
		log.Debug().
			Dur("sleep", sleep).
			Str("status", d.Status.String()).
			Bool("suspended", d.Suspended).
			Msg("Poll loop sleeping")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Poll loop stopping")
			return nil

		case <-l.reschedule:
			timer.Stop()
			log.Debug().Msg("Poll loop woken, recomputing cadence")
			continue

		case req := <-l.manual:
			timer.Stop()
			req.reply <- l.cycle(ctx, req.full, true)
			continue

		case <-timer.C:
			if d.Suspended {
				// The wake was a probe deadline, not a cadence. The
				// release check happens at the top of the loop.
				continue
			}
			l.cycle(ctx, false, false)
		}
	}
}

// cycle runs one poll: the fast track always, the slow track when due
// or when the caller forces a full refresh. Failures are recorded and
// surfaced but never stop the loop.
func (l *Loop) cycle(ctx context.Context, full, manual bool) CycleResult {
	start := l.now()
	calls := 0

	n, err := l.ref.RefreshStates(ctx)
	calls += n

	if err == nil && (full || l.cache.MetadataStale(l.cfg.SlowInterval)) {
		var m int
		m, err = l.ref.RefreshMetadata(ctx)
		calls += m
		if err == nil && m > 0 {
			// The measured refresh cost replaces the configured estimate.
			perDay := (24 * time.Hour).Seconds() / l.cfg.SlowInterval.Seconds()
			l.est.SetDailyFixed(float64(m) * perDay)
		}
	}

	l.est.RecordCycle(calls)

	res := CycleResult{
		At:       start,
		Calls:    calls,
		Full:     full,
		Manual:   manual,
		Duration: l.now().Sub(start),
		Err:      err,
	}
	l.mu.Lock()
	l.lastCycle = res
	l.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Int("calls", calls).Bool("manual", manual).Msg("Poll cycle failed")
	} else {
		log.Debug().Int("calls", calls).Dur("took", res.Duration).Bool("manual", manual).Msg("Poll cycle completed")
	}

	l.publishCycle(res)
	return res
}

func (l *Loop) publishCycle(res CycleResult) {
	if l.bus == nil {
		return
	}
	data := map[string]any{
		"at":          res.At,
		"calls":       res.Calls,
		"full":        res.Full,
		"manual":      res.Manual,
		"duration_ms": res.Duration.Milliseconds(),
		"ok":          res.Err == nil,
	}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}
	l.bus.Publish(eventbus.Event{Topic: eventbus.TopicPollCompleted, Data: data})
}

// announce publishes the schedule decision when it changed since the
// last announcement, so sinks see transitions without per-cycle noise.
func (l *Loop) announce(d quota.Decision) {
	l.mu.Lock()
	same := d.Status == l.announced.Status &&
		d.Interval == l.announced.Interval &&
		d.Suspended == l.announced.Suspended
	l.announced = d
	l.mu.Unlock()

	if same || l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Topic: eventbus.TopicScheduleChanged, Data: map[string]any{
		"interval_s": d.Interval.Seconds(),
		"status":     d.Status.String(),
		"api_status": d.Status.APIStatus(),
		"suspended":  d.Suspended,
		"reason":     d.Reason,
	}})
}

// jittered spreads a sleep uniformly across ±JitterFraction.
func (l *Loop) jittered(d time.Duration) time.Duration {
	f := l.cfg.JitterFraction
	if f <= 0 || d <= 0 {
		return d
	}
	scale := 1 + f*(2*rand.Float64()-1)
	return time.Duration(float64(d) * scale)
}
