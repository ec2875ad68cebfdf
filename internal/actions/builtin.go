package actions

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/tado"
)

const (
	defaultBoostCelsius = 25.0
	defaultTimer        = 30 * time.Minute
)

// RegisterBuiltins installs the stock bulk actions.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]func(ctx *Context, args map[string]any) error{
		"resume_all":  resumeAll,
		"off_all":     offAll,
		"boost_all":   boostAll,
		"set_timer":   setTimer,
		"manual_poll": manualPoll,
	}
	for name, fn := range builtins {
		if err := r.RegisterSimple(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// resumeAll hands every room back to its smart schedule. The resumes
// fuse into a single bulk call at flush.
func resumeAll(ctx *Context, _ map[string]any) error {
	rooms := ctx.Rooms()
	if len(rooms) == 0 {
		return fmt.Errorf("no rooms known yet")
	}
	for _, room := range rooms {
		in := batch.NewIntent(batch.ZoneTarget(room.ID), batch.OpResumeSchedule, batch.Payload{})
		if err := ctx.Submit(in); err != nil {
			return err
		}
	}
	return flushAll(ctx)
}

// offAll switches heating off in every room until resumed.
func offAll(ctx *Context, _ map[string]any) error {
	rooms := ctx.Rooms()
	if len(rooms) == 0 {
		return fmt.Errorf("no rooms known yet")
	}
	for _, room := range rooms {
		overlay := &tado.Overlay{
			Power:       tado.PowerOff,
			Termination: tado.Termination{Type: tado.TerminationManual},
		}
		in := batch.NewIntent(batch.ZoneTarget(room.ID), batch.OpSetOverlay, batch.Payload{Overlay: overlay})
		if err := ctx.Submit(in); err != nil {
			return err
		}
	}
	return flushAll(ctx)
}

// boostAll sets a timed setpoint in every room that can heat.
func boostAll(ctx *Context, args map[string]any) error {
	rooms := ctx.Rooms()
	if len(rooms) == 0 {
		return fmt.Errorf("no rooms known yet")
	}

	celsius := floatArg(args, "temperature", defaultBoostCelsius)
	duration, err := durationArg(args, "duration", defaultTimer)
	if err != nil {
		return err
	}

	for _, room := range rooms {
		if !room.Capabilities.CanSetTemperature {
			continue
		}
		in := batch.NewIntent(batch.ZoneTarget(room.ID), batch.OpSetOverlay, batch.Payload{
			Overlay: timerOverlay(celsius, duration),
		})
		if err := ctx.Submit(in); err != nil {
			return err
		}
	}
	return flushAll(ctx)
}

// setTimer sets a timed setpoint in one room, addressed by id or name.
func setTimer(ctx *Context, args map[string]any) error {
	roomID, err := resolveRoom(ctx, args["zone"])
	if err != nil {
		return err
	}

	celsius, ok := lookupFloat(args, "temperature")
	if !ok {
		return fmt.Errorf("set_timer requires a temperature")
	}
	duration, err := durationArg(args, "duration", defaultTimer)
	if err != nil {
		return err
	}

	in := batch.NewIntent(batch.ZoneTarget(roomID), batch.OpSetOverlay, batch.Payload{
		Overlay: timerOverlay(celsius, duration),
	})
	if err := ctx.Submit(in); err != nil {
		return err
	}
	return flushAll(ctx)
}

// manualPoll refreshes live state out-of-band; full also refreshes
// metadata.
func manualPoll(ctx *Context, args map[string]any) error {
	full, _ := args["full"].(bool)
	return ctx.Poll(full)
}

func timerOverlay(celsius float64, duration time.Duration) *tado.Overlay {
	return &tado.Overlay{
		Power:       tado.PowerOn,
		Temperature: &tado.Temperature{Celsius: celsius},
		Termination: tado.Termination{
			Type:            tado.TerminationTimer,
			DurationSeconds: int(duration / time.Second),
		},
	}
}

// flushAll forces the pending batch out and folds per-intent failures
// into one error.
func flushAll(ctx *Context) error {
	var failed []string
	for _, out := range ctx.Flush() {
		if !out.OK() {
			failed = append(failed, fmt.Sprintf("%s: %s", out.Intent.Target, out.Class))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d intents failed: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}

// resolveRoom accepts a numeric room id or a case-insensitive room
// name.
func resolveRoom(ctx *Context, v any) (int, error) {
	switch zone := v.(type) {
	case nil:
		return 0, fmt.Errorf("set_timer requires a zone")
	case int:
		return zone, nil
	case int64:
		return int(zone), nil
	case float64:
		return int(zone), nil
	case string:
		for _, room := range ctx.Rooms() {
			if strings.EqualFold(room.Name, zone) {
				return room.ID, nil
			}
		}
		return 0, fmt.Errorf("unknown zone %q", zone)
	default:
		return 0, fmt.Errorf("invalid zone reference %v", v)
	}
}

func lookupFloat(args map[string]any, key string) (float64, bool) {
	switch n := args[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func floatArg(args map[string]any, key string, def float64) float64 {
	if n, ok := lookupFloat(args, key); ok {
		return n
	}
	return def
}

func durationArg(args map[string]any, key string, def time.Duration) (time.Duration, error) {
	return DurationValue(args[key], def)
}

// DurationValue coerces a loosely typed duration. It accepts Go
// duration strings ("45m"), clock spans ("00:45:00") and bare seconds;
// nil yields the default.
func DurationValue(v any, def time.Duration) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return def, nil
	case float64:
		return time.Duration(d) * time.Second, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed, nil
		}
		if parsed, err := parseClockSpan(d); err == nil {
			return parsed, nil
		}
		return 0, fmt.Errorf("invalid duration %q", d)
	default:
		return 0, fmt.Errorf("invalid duration %v", v)
	}
}

// parseClockSpan parses "HH:MM" or "HH:MM:SS" spans.
func parseClockSpan(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("expected HH:MM[:SS], got %q", s)
	}

	total := time.Duration(0)
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid span %q", s)
		}
		total += time.Duration(n) * units[i]
	}
	if total <= 0 {
		return 0, fmt.Errorf("span %q is empty", s)
	}
	return total, nil
}
