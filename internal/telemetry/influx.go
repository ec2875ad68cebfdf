// Package telemetry writes one time-series point per poll cycle to
// InfluxDB, giving the quota controller a long-horizon view: remaining
// budget, chosen cadence and smoothed cost over days.
package telemetry

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"
)

// Config holds InfluxDB connection settings
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// CyclePoint is one poll cycle's measurement.
type CyclePoint struct {
	HomeID    int
	Status    string
	Remaining int
	Limit     int
	IntervalS float64
	Calls     int
	Smoothed  float64
	Manual    bool
	OK        bool
	At        time.Time
}

// Writer wraps the blocking write API.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewWriter creates an InfluxDB writer. The client is lazy; a broker
// that is down surfaces on the first write, not here.
func NewWriter(cfg Config) *Writer {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Writer{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// WriteCycle records one poll cycle under the "quota" measurement.
func (w *Writer) WriteCycle(ctx context.Context, p CyclePoint) error {
	if p.At.IsZero() {
		p.At = time.Now()
	}

	tags := map[string]string{
		"home":   strconv.Itoa(p.HomeID),
		"status": p.Status,
	}
	fields := map[string]interface{}{
		"remaining":   p.Remaining,
		"limit":       p.Limit,
		"interval_s":  p.IntervalS,
		"cycle_calls": p.Calls,
		"smoothed":    p.Smoothed,
		"manual":      p.Manual,
		"ok":          p.OK,
	}

	point := write.NewPoint("quota", tags, fields, p.At)
	if err := w.writeAPI.WritePoint(ctx, point); err != nil {
		return err
	}

	log.Debug().Int("remaining", p.Remaining).Float64("interval_s", p.IntervalS).Msg("Wrote telemetry point")
	return nil
}

// Close releases the client.
func (w *Writer) Close() {
	if w != nil && w.client != nil {
		w.client.Close()
	}
}
