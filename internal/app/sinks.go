package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tadoctl/tadod/internal/eventbus"
	"github.com/tadoctl/tadod/internal/history"
	"github.com/tadoctl/tadod/internal/kv"
	"github.com/tadoctl/tadod/internal/mqttpub"
	"github.com/tadoctl/tadod/internal/quota"
	"github.com/tadoctl/tadod/internal/telemetry"
)

// Persisted daemon state lives in one KV bucket so a restart finds the
// last quota observation and the learned cost model.
const (
	stateBucket   = "daemon"
	keyQuotaState = "quota_state"
	keyCostModel  = "cost_model"
)

const telemetryTimeout = 10 * time.Second

// registerSinks subscribes the daemon's passive consumers to the bus:
// history recording, state persistence, MQTT status, Influx telemetry
// and Lua automation. Sinks only log their own failures.
func (s *Services) registerSinks(ctx context.Context) {
	s.Bus.Subscribe(eventbus.TopicCommandCompleted, s.recordCommand)

	s.Bus.Subscribe(eventbus.TopicPollCompleted, func(ev eventbus.Event) {
		s.recordCycle(ev)
		s.persistQuotaState()
		s.writeTelemetry(ctx, ev)
	})

	s.Bus.Subscribe(eventbus.TopicScheduleChanged, s.publishStatus)

	if s.Automation != nil {
		topics := []eventbus.Topic{
			eventbus.TopicQuotaUpdated,
			eventbus.TopicScheduleChanged,
			eventbus.TopicPollCompleted,
			eventbus.TopicCommandCompleted,
		}
		for _, topic := range topics {
			s.Bus.Subscribe(topic, func(ev eventbus.Event) {
				s.Automation.HandleEvent(ctx, ev)
			})
		}
	}
}

// recordCommand appends one dispatched intent outcome to history.
func (s *Services) recordCommand(ev eventbus.Event) {
	cmd := history.Command{
		IntentID:      eventString(ev, "intent_id"),
		CorrelationID: eventString(ev, "correlation_id"),
		TargetKind:    eventString(ev, "target_kind"),
		TargetID:      eventString(ev, "target_id"),
		Op:            eventString(ev, "op"),
		Class:         eventString(ev, "class"),
		Error:         eventString(ev, "error"),
		SubmittedAt:   eventTime(ev, "submitted_at", ev.At),
		CompletedAt:   eventTime(ev, "completed_at", ev.At),
	}
	if err := s.History.RecordCommand(cmd); err != nil {
		log.Error().Err(err).Str("intent_id", cmd.IntentID).Msg("Failed to record command outcome")
	}
}

// recordCycle appends one poll cycle to history, joined with the quota
// snapshot and cadence in effect when it ran.
func (s *Services) recordCycle(ev eventbus.Event) {
	d := s.Scheduler.LastDecision()
	q := s.Ledger.Current()

	c := history.Cycle{
		At:        eventTime(ev, "at", ev.At),
		Calls:     eventInt(ev, "calls"),
		IntervalS: d.Interval.Seconds(),
		Status:    d.Status.String(),
		Remaining: q.Remaining,
		Limit:     q.Limit,
		Manual:    eventBool(ev, "manual"),
		OK:        eventBool(ev, "ok"),
		Error:     eventString(ev, "error"),
	}
	if err := s.History.RecordCycle(c); err != nil {
		log.Error().Err(err).Msg("Failed to record poll cycle")
	}
}

// persistQuotaState saves the quota snapshot and cost model so a
// restart resumes with yesterday's knowledge. The staleness rule guards
// against trusting an old snapshot: ObservedAt carries over.
func (s *Services) persistQuotaState() {
	bucket := s.KV.Bucket(stateBucket, true)
	if err := kv.PutJSON(bucket, keyQuotaState, s.Ledger.Current()); err != nil {
		log.Warn().Err(err).Msg("Failed to persist quota state")
	}
	if err := kv.PutJSON(bucket, keyCostModel, s.Estimator.Snapshot()); err != nil {
		log.Warn().Err(err).Msg("Failed to persist cost model")
	}
}

// restoreQuotaState loads persisted state, if any, into the ledger and
// estimator.
func (s *Services) restoreQuotaState() {
	bucket := s.KV.Bucket(stateBucket, true)

	var st quota.State
	if ok, err := kv.GetJSON(bucket, keyQuotaState, &st); err != nil {
		log.Warn().Err(err).Msg("Failed to restore quota state")
	} else if ok {
		s.Ledger.Restore(st)
		log.Info().
			Int("remaining", st.Remaining).
			Time("observed_at", st.ObservedAt).
			Msg("Restored quota state")
	}

	var m quota.CostModel
	if ok, err := kv.GetJSON(bucket, keyCostModel, &m); err != nil {
		log.Warn().Err(err).Msg("Failed to restore cost model")
	} else if ok {
		s.Estimator.Restore(m)
		log.Info().
			Float64("per_cycle", m.SmoothedPerCycle).
			Int("samples", m.Samples).
			Msg("Restored cost model")
	}
}

// writeTelemetry sends one point per poll cycle to InfluxDB.
func (s *Services) writeTelemetry(ctx context.Context, ev eventbus.Event) {
	if s.Telemetry == nil {
		return
	}

	d := s.Scheduler.LastDecision()
	q := s.Ledger.Current()
	m := s.Estimator.Snapshot()

	p := telemetry.CyclePoint{
		HomeID:    s.cfg.Tado.HomeID,
		Status:    d.Status.String(),
		Remaining: q.Remaining,
		Limit:     q.Limit,
		IntervalS: d.Interval.Seconds(),
		Calls:     eventInt(ev, "calls"),
		Smoothed:  m.SmoothedPerCycle,
		Manual:    eventBool(ev, "manual"),
		OK:        eventBool(ev, "ok"),
		At:        eventTime(ev, "at", ev.At),
	}

	wctx, cancel := context.WithTimeout(ctx, telemetryTimeout)
	defer cancel()
	if err := s.Telemetry.WriteCycle(wctx, p); err != nil {
		log.Warn().Err(err).Msg("Failed to write telemetry point")
	}
}

// publishStatus pushes the retained MQTT status document on every
// schedule transition.
func (s *Services) publishStatus(ev eventbus.Event) {
	if s.MQTT == nil {
		return
	}

	q := s.Ledger.Current()
	st := mqttpub.Status{
		APIStatus: eventString(ev, "api_status"),
		Limit:     q.Limit,
		Remaining: q.Remaining,
		IntervalS: eventFloat(ev, "interval_s"),
		Suspended: eventBool(ev, "suspended"),
		Pending:   s.Collector.Pending(),
		At:        ev.At,
	}
	if err := s.MQTT.PublishStatus(st); err != nil {
		log.Warn().Err(err).Msg("Failed to publish MQTT status")
	}
}

func eventString(ev eventbus.Event, key string) string {
	v, _ := ev.Data[key].(string)
	return v
}

func eventInt(ev eventbus.Event, key string) int {
	switch v := ev.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func eventFloat(ev eventbus.Event, key string) float64 {
	switch v := ev.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func eventBool(ev eventbus.Event, key string) bool {
	v, _ := ev.Data[key].(bool)
	return v
}

func eventTime(ev eventbus.Event, key string, fallback time.Time) time.Time {
	if v, ok := ev.Data[key].(time.Time); ok {
		return v
	}
	return fallback
}
