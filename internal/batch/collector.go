package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Submit after the collector stopped.
var ErrClosed = errors.New("batch: collector closed")

// Validator checks an intent before it is queued, so a request that
// the remote API would reject never spends a quota call. A nil
// validator accepts everything.
type Validator func(Intent) error

type key struct {
	kind TargetKind
	id   string
	op   Op
}

// Collector accumulates intents during a debounce window and reduces
// them to the minimum outbound call set on flush.
//
// Window semantics: the first intent arms the flush timer and later
// submits never extend it, so worst-case latency under continuous
// input stays bounded by the window length. Flushing snapshots and
// clears the pending set before any network call starts; intents
// arriving during dispatch open a fresh window instead of racing the
// in-flight batch.
type Collector struct {
	window   time.Duration
	exec     Executor
	validate Validator

	mu       sync.Mutex
	pending  map[key]Intent
	order    []key
	openedAt time.Time
	timer    *time.Timer
	ctx      context.Context
	closed   bool

	now func() time.Time
}

// NewCollector creates a collector flushing window after the first
// submit. A zero window selects two seconds.
func NewCollector(window time.Duration, exec Executor, validate Validator) *Collector {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Collector{
		window:   window,
		exec:     exec,
		validate: validate,
		pending:  make(map[key]Intent),
		ctx:      context.Background(),
		now:      time.Now,
	}
}

// Start binds the context used by timer-initiated flushes.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

// Submit validates and stores the intent, superseding any pending
// intent for the same (target, op) pair. The window's first intent
// arms the flush timer; later submits never extend it.
func (c *Collector) Submit(in Intent) error {
	if c.validate != nil {
		if err := c.validate(in); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	k := key{kind: in.Target.Kind, id: in.Target.ID, op: in.Op}
	if _, exists := c.pending[k]; !exists {
		c.order = append(c.order, k)
	}
	c.pending[k] = in

	if c.timer == nil {
		c.openedAt = c.now()
		c.timer = time.AfterFunc(c.window, c.windowClosed)
		log.Debug().Dur("window", c.window).Msg("Debounce window opened")
	}

	log.Debug().
		Str("target", in.Target.String()).
		Str("op", string(in.Op)).
		Int("pending", len(c.pending)).
		Msg("Intent queued")
	return nil
}

// Pending returns how many intents wait in the open window.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush closes the window immediately, bypassing the timer, and
// executes the reduced call set. It blocks until every constituent
// call completed and returns one outcome per pending intent. Flushing
// an empty window issues no calls.
func (c *Collector) Flush(ctx context.Context) []Outcome {
	plan := c.take()
	if plan.Empty() {
		return nil
	}

	log.Debug().
		Int("intents", plan.Intents()).
		Int("calls", plan.Calls()).
		Dur("window_age", time.Since(plan.OpenedAt)).
		Msg("Flushing batch")
	return c.exec.Execute(ctx, plan)
}

// Stop cancels any armed timer and discards pending intents. Intents
// not yet flushed are lost; callers must not rely on delivery across
// shutdown.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if n := len(c.pending); n > 0 {
		log.Warn().Int("discarded", n).Msg("Collector stopped with pending intents")
	}
	c.pending = make(map[key]Intent)
	c.order = nil
}

func (c *Collector) windowClosed() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	c.Flush(ctx)
}

// take snapshots and clears the pending set and disarms the timer, all
// under the lock. Network I/O happens on the snapshot afterwards.
func (c *Collector) take() *Plan {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.pending) == 0 {
		return &Plan{}
	}

	plan := buildPlan(c.pending, c.order, c.openedAt)
	c.pending = make(map[key]Intent)
	c.order = nil
	return plan
}
