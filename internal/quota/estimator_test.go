package quota

import (
	"math"
	"testing"
	"time"
)

func TestEstimatorFirstSampleReplacesSeed(t *testing.T) {
	e := NewEstimator(0.25, 0)

	if got := e.PerCycle(); got != defaultPerCycle {
		t.Errorf("PerCycle() before samples = %v, want seed %v", got, defaultPerCycle)
	}

	e.RecordCycle(6)
	if got := e.PerCycle(); got != 6 {
		t.Errorf("PerCycle() after first sample = %v, want 6", got)
	}
}

func TestEstimatorSmoothing(t *testing.T) {
	e := NewEstimator(0.25, 0)

	e.RecordCycle(4)
	e.RecordCycle(8)
	// 0.25*8 + 0.75*4 = 5
	if got := e.PerCycle(); math.Abs(got-5) > 1e-9 {
		t.Errorf("PerCycle() = %v, want 5", got)
	}

	// A single spike moves the estimate but does not own it.
	e.RecordCycle(40)
	got := e.PerCycle()
	if got <= 5 || got >= 40 {
		t.Errorf("PerCycle() after spike = %v, want between 5 and 40", got)
	}
}

func TestEstimatorFloorsAtOneCall(t *testing.T) {
	e := NewEstimator(0.5, 0)

	e.RecordCycle(0)
	if got := e.PerCycle(); got != 1 {
		t.Errorf("PerCycle() = %v, want floor 1", got)
	}
}

func TestPredictedDailyCost(t *testing.T) {
	e := NewEstimator(0.25, 200)
	e.RecordCycle(2)

	// 2 calls per cycle at 60s = 2880/day, plus 200 fixed.
	got := e.PredictedDailyCost(time.Minute)
	if math.Abs(got-3080) > 1e-6 {
		t.Errorf("PredictedDailyCost(1m) = %v, want 3080", got)
	}

	if got := e.PredictedDailyCost(0); got != 200 {
		t.Errorf("PredictedDailyCost(0) = %v, want fixed cost only", got)
	}
}

func TestEstimatorSnapshotRestore(t *testing.T) {
	e := NewEstimator(0.25, 150)
	e.RecordCycle(3)
	e.RecordCycle(5)
	snap := e.Snapshot()

	restored := NewEstimator(0.25, 150)
	restored.Restore(snap)

	if restored.PerCycle() != e.PerCycle() {
		t.Errorf("restored PerCycle() = %v, want %v", restored.PerCycle(), e.PerCycle())
	}
	if restored.DailyFixed() != 150 {
		t.Errorf("restored DailyFixed() = %v, want 150", restored.DailyFixed())
	}
}

func TestFixedCostFromIntervals(t *testing.T) {
	tests := []struct {
		name string
		jobs map[time.Duration]float64
		want float64
	}{
		{
			name: "single_six_hour_job",
			jobs: map[time.Duration]float64{6 * time.Hour: 3},
			want: 12,
		},
		{
			name: "mixed_jobs",
			jobs: map[time.Duration]float64{
				6 * time.Hour:  3, // 12/day
				24 * time.Hour: 1, // 1/day
			},
			want: 13,
		},
		{
			name: "zero_interval_ignored",
			jobs: map[time.Duration]float64{0: 5},
			want: 0,
		},
		{
			name: "empty",
			jobs: nil,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FixedCostFromIntervals(tt.jobs); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("FixedCostFromIntervals() = %v, want %v", got, tt.want)
			}
		})
	}
}
