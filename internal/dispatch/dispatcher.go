package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/eventbus"
	"github.com/tadoctl/tadod/internal/quota"
	"github.com/tadoctl/tadod/internal/tado"
)

// Client is the slice of the API client the dispatcher drives.
type Client interface {
	RefreshAuth(ctx context.Context) error
	GetHome(ctx context.Context) (*tado.Home, *tado.Quota, error)
	GetHomeState(ctx context.Context) (*tado.HomeState, *tado.Quota, error)
	GetRooms(ctx context.Context) ([]tado.Room, *tado.Quota, error)
	GetRoomStates(ctx context.Context) ([]tado.RoomState, *tado.Quota, error)
	GetDevices(ctx context.Context) ([]tado.Device, *tado.Quota, error)
	SetRoomOverlays(ctx context.Context, entries []tado.OverlayEntry) (*tado.Quota, error)
	SetAwayTemperature(ctx context.Context, roomID int, celsius float64) (*tado.Quota, error)
	SetOpenWindowDetection(ctx context.Context, roomID int, enabled bool, timeout time.Duration) (*tado.Quota, error)
	SetEarlyStart(ctx context.Context, roomID int, enabled bool) (*tado.Quota, error)
	SetDazzle(ctx context.Context, roomID int, enabled bool) (*tado.Quota, error)
	SetChildLock(ctx context.Context, serial string, enabled bool) (*tado.Quota, error)
	SetTemperatureOffset(ctx context.Context, serial string, celsius float64) (*tado.Quota, error)
	Identify(ctx context.Context, serial string) (*tado.Quota, error)
	SetPresence(ctx context.Context, presence string) (*tado.Quota, error)
	AddMeterReading(ctx context.Context, reading int, date string) (*tado.Quota, error)
}

// hardwareOps mark structural metadata dirty when applied, so the slow
// track re-reads the configuration it just changed.
var hardwareOps = map[batch.Op]bool{
	batch.OpSetChildLock:       true,
	batch.OpSetOffset:          true,
	batch.OpSetOpenWindow:      true,
	batch.OpSetEarlyStart:      true,
	batch.OpSetDazzle:          true,
	batch.OpSetAwayTemperature: true,
}

// Dispatcher is the single gate for outbound API calls of one home. A
// mutex keeps at most one call in flight so concurrent writers cannot
// race on quota headers, a limiter paces the sequence, and every
// response's quota metadata lands in the ledger, failures included.
type Dispatcher struct {
	client  Client
	ledger  *quota.Ledger
	cache   *tado.Cache
	bus     *eventbus.Bus
	limiter *rate.Limiter

	mu sync.Mutex
}

// NewDispatcher creates a dispatcher pacing calls at rps per second.
// A zero rps selects two calls per second. The bus may be nil.
func NewDispatcher(client Client, ledger *quota.Ledger, cache *tado.Cache, bus *eventbus.Bus, rps float64) *Dispatcher {
	if rps <= 0 {
		rps = 2.0
	}
	return &Dispatcher{
		client:  client,
		ledger:  ledger,
		cache:   cache,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

/// Execute runs a reduced call set: the per-target sequence first, in
// first-submission order, then the fused bulk overlay call. The first
// failing call stops the sequence; its intent reports the failure and
// every intent in later calls reports aborted, because an automatic
// retry could double-apply state to targets that already succeeded.
func (d *Dispatcher) Execute(ctx context.Context, plan *batch.Plan) []batch.Outcome {
	if plan.Empty() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	corr := uuid.New()
	outcomes := make([]batch.Outcome, 0, plan.Intents())

	var abortErr error
	for _, in := range plan.PerTarget {
		if abortErr != nil {
			outcomes = append(outcomes, batch.Outcome{Intent: in, Class: batch.ClassAborted, Err: abortErr})
			continue
		}

		_, err := d.do(ctx, func(c context.Context) (*tado.Quota, error) {
			return d.callPerTarget(c, in)
		})
		out := batch.Outcome{Intent: in, Class: Classify(err)}
		if out.OK() {
			if hardwareOps[in.Op] {
				d.cache.MarkMetadataDirty()
			}
		} else {
			out.Err = err
			abortErr = fmt.Errorf("dispatch: sequence aborted after %s on %s: %w", in.Op, in.Target, err)
			log.Warn().
				Str("op", string(in.Op)).
				Str("target", in.Target.String()).
				Err(err).
				Msg("Per-target call failed, aborting remainder of batch")
		}
		outcomes = append(outcomes, out)
	}

	if len(plan.Fused) > 0 {
		outcomes = append(outcomes, d.executeFused(ctx, plan, abortErr)...)
	}

	d.report(corr, plan, outcomes)
	return outcomes
}

// executeFused issues the single bulk overlay call. It is one HTTP
// exchange: it fully succeeds or fully fails for every fused intent.
func (d *Dispatcher) executeFused(ctx context.Context, plan *batch.Plan, abortErr error) []batch.Outcome {
	outcomes := make([]batch.Outcome, 0, len(plan.Fused))
	if abortErr != nil {
		for _, in := range plan.Fused {
			outcomes = append(outcomes, batch.Outcome{Intent: in, Class: batch.ClassAborted, Err: abortErr})
		}
		return outcomes
	}

	entries, err := plan.OverlayEntries()
	if err == nil {
		_, err = d.do(ctx, func(c context.Context) (*tado.Quota, error) {
			return d.client.SetRoomOverlays(c, entries)
		})
	}

	class := Classify(err)
	for _, in := range plan.Fused {
		out := batch.Outcome{Intent: in, Class: class}
		if !out.OK() {
			out.Err = err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// RefreshStates fetches the fast track: home presence plus the live
// state of every room, two calls total. Fetched data lands in the
// cache even when a later call of the pair fails.
func (d *Dispatcher) RefreshStates(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	calls := 0
	var home *tado.HomeState
	var states []tado.RoomState

	calls++
	_, err := d.do(ctx, func(c context.Context) (*tado.Quota, error) {
		h, q, err := d.client.GetHomeState(c)
		if err == nil {
			home = h
		}
		return q, err
	})
	if err != nil {
		return calls, fmt.Errorf("refresh home state: %w", err)
	}

	calls++
	_, err = d.do(ctx, func(c context.Context) (*tado.Quota, error) {
		s, q, err := d.client.GetRoomStates(c)
		if err == nil {
			states = s
		}
		return q, err
	})
	d.cache.SetStates(home, states)
	if err != nil {
		return calls, fmt.Errorf("refresh room states: %w", err)
	}

	d.publishQuota()
	return calls, nil
}

// RefreshMetadata fetches the slow track: home, rooms and devices,
// three calls. The cache updates only on full success so the dirty
// flag is never cleared by a half-read.
func (d *Dispatcher) RefreshMetadata(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	calls := 0
	var home *tado.Home
	var rooms []tado.Room
	var devices []tado.Device

	calls++
	_, err := d.do(ctx, func(c context.Context) (*tado.Quota, error) {
		h, q, err := d.client.GetHome(c)
		if err == nil {
			home = h
		}
		return q, err
	})
	if err != nil {
		return calls, fmt.Errorf("refresh home: %w", err)
	}

	calls++
	_, err = d.do(ctx, func(c context.Context) (*tado.Quota, error) {
		r, q, err := d.client.GetRooms(c)
		if err == nil {
			rooms = r
		}
		return q, err
	})
	if err != nil {
		return calls, fmt.Errorf("refresh rooms: %w", err)
	}

	calls++
	_, err = d.do(ctx, func(c context.Context) (*tado.Quota, error) {
		dv, q, err := d.client.GetDevices(c)
		if err == nil {
			devices = dv
		}
		return q, err
	})
	if err != nil {
		return calls, fmt.Errorf("refresh devices: %w", err)
	}

	d.cache.SetMetadata(home, rooms, devices)
	d.publishQuota()
	return calls, nil
}

// do paces one call, forwards its quota headers to the ledger and, on
// an expired token, refreshes authentication once and retries the same
// call a single time.
func (d *Dispatcher) do(ctx context.Context, call func(context.Context) (*tado.Quota, error)) (*tado.Quota, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q, err := call(ctx)
	d.observe(q, err)
	if !errors.Is(err, tado.ErrAuthExpired) {
		return q, err
	}

	log.Info().Msg("Token rejected, refreshing authentication and retrying once")
	if rerr := d.client.RefreshAuth(ctx); rerr != nil {
		log.Error().Err(rerr).Msg("Authentication refresh failed")
		return q, err
	}
	q, err = call(ctx)
	d.observe(q, err)
	return q, err
}

// observe forwards quota headers to the ledger, from failed responses
// too, and latches the rate-limited condition on exhaustion.
func (d *Dispatcher) observe(q *tado.Quota, err error) {
	if q != nil {
		d.ledger.Observe(q.Limit, q.Remaining, q.ResetAt)
		if q.Remaining <= 0 {
			d.ledger.MarkRateLimited(q.ResetAt)
		}
	}
	if errors.Is(err, tado.ErrQuotaExhausted) {
		var until time.Time
		if q != nil {
			until = q.ResetAt
		}
		d.ledger.MarkRateLimited(until)
	}
}

func (d *Dispatcher) callPerTarget(ctx context.Context, in batch.Intent) (*tado.Quota, error) {
	switch in.Op {
	case batch.OpSetChildLock:
		return d.client.SetChildLock(ctx, in.Target.ID, in.Payload.Enabled)
	case batch.OpSetOffset:
		return d.client.SetTemperatureOffset(ctx, in.Target.ID, in.Payload.Celsius)
	case batch.OpIdentify:
		return d.client.Identify(ctx, in.Target.ID)
	case batch.OpSetPresence:
		return d.client.SetPresence(ctx, in.Payload.Presence)
	case batch.OpAddMeterReading:
		return d.client.AddMeterReading(ctx, in.Payload.Reading, in.Payload.Date)
	}

	zoneID, err := in.Target.ZoneID()
	if err != nil {
		return nil, err
	}
	switch in.Op {
	case batch.OpSetOpenWindow:
		return d.client.SetOpenWindowDetection(ctx, zoneID, in.Payload.Enabled, in.Payload.Timeout)
	case batch.OpSetEarlyStart:
		return d.client.SetEarlyStart(ctx, zoneID, in.Payload.Enabled)
	case batch.OpSetDazzle:
		return d.client.SetDazzle(ctx, zoneID, in.Payload.Enabled)
	case batch.OpSetAwayTemperature:
		return d.client.SetAwayTemperature(ctx, zoneID, in.Payload.Celsius)
	default:
		return nil, fmt.Errorf("dispatch: no endpoint for op %q", in.Op)
	}
}

func (d *Dispatcher) report(corr uuid.UUID, plan *batch.Plan, outcomes []batch.Outcome) {
	applied := 0
	for _, out := range outcomes {
		if out.OK() {
			applied++
		}
	}
	log.Info().
		Str("correlation_id", corr.String()).
		Int("intents", plan.Intents()).
		Int("calls", plan.Calls()).
		Int("applied", applied).
		Msg("Batch dispatched")

	if d.bus == nil {
		return
	}
	now := time.Now()
	for _, out := range outcomes {
		data := map[string]any{
			"intent_id":      out.Intent.ID.String(),
			"correlation_id": corr.String(),
			"target_kind":    string(out.Intent.Target.Kind),
			"target_id":      out.Intent.Target.ID,
			"op":             string(out.Intent.Op),
			"class":          out.Class.String(),
			"ok":             out.OK(),
			"submitted_at":   out.Intent.SubmittedAt,
			"completed_at":   now,
		}
		if out.Err != nil {
			data["error"] = out.Err.Error()
		}
		d.bus.Publish(eventbus.Event{Topic: eventbus.TopicCommandCompleted, Data: data})
	}
	d.publishQuota()
}

func (d *Dispatcher) publishQuota() {
	if d.bus == nil {
		return
	}
	state := d.ledger.Current()
	d.bus.Publish(eventbus.Event{Topic: eventbus.TopicQuotaUpdated, Data: map[string]any{
		"limit":       state.Limit,
		"remaining":   state.Remaining,
		"reset_at":    state.ResetAt,
		"observed_at": state.ObservedAt,
	}})
}

// Classify maps a call error onto the outcome taxonomy. A conflict
// means the target already holds the desired state and counts as
// success.
func Classify(err error) batch.Class {
	switch {
	case err == nil:
		return batch.ClassSuccess
	case errors.Is(err, tado.ErrConflict):
		return batch.ClassConflict
	case errors.Is(err, tado.ErrQuotaExhausted):
		return batch.ClassQuotaExceeded
	case errors.Is(err, tado.ErrAuthExpired):
		return batch.ClassAuthExpired
	default:
		return batch.ClassRemoteError
	}
}
