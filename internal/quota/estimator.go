package quota

import (
	"sync"
	"time"
)

const (
	// DefaultAlpha weights the moving average so the last handful of
	// cycles dominate the estimate without one outlier owning it.
	DefaultAlpha = 0.25

	// defaultPerCycle seeds the estimate before the first real sample:
	// one home-state call plus one room-states call.
	defaultPerCycle = 2.0
)

// CostModel is the persistable shape of the estimator state.
type CostModel struct {
	SmoothedPerCycle float64 `json:"smoothed_per_cycle"`
	Samples          int     `json:"samples"`
	DailyFixedCost   float64 `json:"daily_fixed_cost"`
	LastCycleCalls   int     `json:"last_cycle_calls"`
}

// Estimator tracks how many API calls one poll cycle costs, smoothed
// with an exponentially weighted moving average, plus the fixed daily
// cost of slow-track refreshes amortized independently of the loop.
type Estimator struct {
	mu    sync.Mutex
	alpha float64
	model CostModel
}

// NewEstimator creates an estimator. alpha <= 0 selects DefaultAlpha.
func NewEstimator(alpha, dailyFixedCost float64) *Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Estimator{
		alpha: alpha,
		model: CostModel{DailyFixedCost: dailyFixedCost},
	}
}

// RecordCycle folds one completed poll cycle's call count into the
// smoothed average. The first sample replaces the seed outright.
func (e *Estimator) RecordCycle(calls int) {
	if calls < 0 {
		calls = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.model.LastCycleCalls = calls
	if e.model.Samples == 0 {
		e.model.SmoothedPerCycle = float64(calls)
	} else {
		e.model.SmoothedPerCycle = e.alpha*float64(calls) + (1-e.alpha)*e.model.SmoothedPerCycle
	}
	e.model.Samples++
}

// PerCycle returns the smoothed calls-per-cycle estimate, never below
// one whole call. Before the first sample a fast-track seed is used.
func (e *Estimator) PerCycle() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	est := e.model.SmoothedPerCycle
	if e.model.Samples == 0 {
		est = defaultPerCycle
	}
	if est < 1 {
		est = 1
	}
	return est
}

// DailyFixed returns the amortized per-day cost of the slow track.
func (e *Estimator) DailyFixed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.DailyFixedCost
}

// SetDailyFixed replaces the amortized slow-track cost.
func (e *Estimator) SetDailyFixed(cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cost < 0 {
		cost = 0
	}
	e.model.DailyFixedCost = cost
}

// PredictedDailyCost estimates total background consumption per day at
// the given poll interval.
func (e *Estimator) PredictedDailyCost(interval time.Duration) float64 {
	if interval <= 0 {
		return e.DailyFixed()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	perCycle := e.model.SmoothedPerCycle
	if e.model.Samples == 0 {
		perCycle = defaultPerCycle
	}
	cyclesPerDay := (24 * time.Hour).Seconds() / interval.Seconds()
	return perCycle*cyclesPerDay + e.model.DailyFixedCost
}

// Snapshot returns a copy of the model for persistence and display.
func (e *Estimator) Snapshot() CostModel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// Restore loads a persisted model, typically across a daemon restart.
func (e *Estimator) Restore(m CostModel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.SmoothedPerCycle < 0 || m.Samples < 0 {
		return
	}
	dailyFixed := e.model.DailyFixedCost
	e.model = m
	if m.DailyFixedCost == 0 {
		e.model.DailyFixedCost = dailyFixed
	}
}

// FixedCostFromIntervals amortizes the configured slow-track jobs into
// a per-day call cost: each job costs calls once per interval.
func FixedCostFromIntervals(jobs map[time.Duration]float64) float64 {
	day := (24 * time.Hour).Seconds()
	var total float64
	for interval, calls := range jobs {
		if interval <= 0 || calls <= 0 {
			continue
		}
		total += calls * (day / interval.Seconds())
	}
	return total
}
