package automation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/tadoctl/tadod/internal/actions"
	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/eventbus"
	"github.com/tadoctl/tadod/internal/quota"
	"github.com/tadoctl/tadod/internal/tado"
)

type fakeCommands struct {
	submitted []batch.Intent
	flushes   int
}

func (f *fakeCommands) Submit(in batch.Intent) error {
	f.submitted = append(f.submitted, in)
	return nil
}

func (f *fakeCommands) Flush(_ context.Context) []batch.Outcome {
	f.flushes++
	outcomes := make([]batch.Outcome, 0, len(f.submitted))
	for _, in := range f.submitted {
		outcomes = append(outcomes, batch.Outcome{Intent: in, Class: batch.ClassSuccess})
	}
	f.submitted = nil
	return outcomes
}

type fixture struct {
	runtime  *Runtime
	commands *fakeCommands
	cancel   context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cache := tado.NewCache()
	cache.SetMetadata(
		&tado.Home{ID: 7, Name: "Home"},
		[]tado.Room{{ID: 3, Name: "Hallway", Capabilities: tado.RoomCapabilities{
			CanSetTemperature: true, MinCelsius: 5, MaxCelsius: 30,
		}}},
		nil,
	)
	cache.SetStates(
		&tado.HomeState{Presence: "HOME"},
		[]tado.RoomState{{
			ID:                3,
			Name:              "Hallway",
			InsideTemperature: &tado.Temperature{Celsius: 19.4},
			Setting:           tado.RoomSetting{Power: tado.PowerOn, Temperature: &tado.Temperature{Celsius: 21}},
			Connected:         true,
		}},
	)

	ledger := quota.NewLedger()
	ledger.Observe(100, 80, time.Now().Add(8*time.Hour))
	sched := quota.NewScheduler(quota.Config{BaselineInterval: time.Minute}, ledger, quota.NewEstimator(0.25, 0))

	commands := &fakeCommands{}
	registry := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(registry))
	invoker := actions.NewInvoker(registry, nil, func(ctx context.Context) *actions.Context {
		return actions.NewContext(ctx, cache, commands, nil, nil)
	})

	runtime := NewRuntime(Deps{
		Commands:  commands,
		Invoker:   invoker,
		Cache:     cache,
		Ledger:    ledger,
		Scheduler: sched,
		KV:        nil,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go runtime.Run(ctx)

	t.Cleanup(func() {
		cancel()
		runtime.Close()
	})

	return &fixture{runtime: runtime, commands: commands, cancel: cancel}
}

// loadScript writes src into a temp dir and loads it through the
// script loader.
func (f *fixture) loadScript(t *testing.T, src string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-test.lua"), []byte(src), 0o644))
	require.NoError(t, f.runtime.LoadScripts(dir))
}

// eval runs fn on the Lua worker and waits for it.
func (f *fixture) eval(t *testing.T, fn func(L *lua.LState)) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.runtime.DoSync(context.Background(), func(context.Context) {
		defer close(done)
		fn(f.runtime.L)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Lua work did not complete")
	}
}

func (f *fixture) globalNumber(t *testing.T, name string) float64 {
	t.Helper()
	var out float64
	f.eval(t, func(L *lua.LState) {
		if n, ok := L.GetGlobal(name).(lua.LNumber); ok {
			out = float64(n)
		}
	})
	return out
}

func TestScriptSubmitsOverlayByRoomName(t *testing.T) {
	f := newFixture(t)
	f.loadScript(t, `
		local tado = require("tado")
		intent_id = tado.set_overlay("hallway", { temperature = 22.5, duration = "00:15:00" })
	`)

	var intentID string
	f.eval(t, func(L *lua.LState) {
		intentID = lua.LVAsString(L.GetGlobal("intent_id"))
	})

	require.Len(t, f.commands.submitted, 1)
	in := f.commands.submitted[0]
	assert.Equal(t, in.ID.String(), intentID)
	assert.Equal(t, batch.ZoneTarget(3), in.Target)
	assert.Equal(t, batch.OpSetOverlay, in.Op)
	require.NotNil(t, in.Payload.Overlay)
	assert.Equal(t, 22.5, in.Payload.Overlay.Temperature.Celsius)
	assert.Equal(t, tado.TerminationTimer, in.Payload.Overlay.Termination.Type)
	assert.Equal(t, 900, in.Payload.Overlay.Termination.DurationSeconds)
}

func TestScriptResumeAndFlushReportsOutcomes(t *testing.T) {
	f := newFixture(t)
	f.loadScript(t, `
		local tado = require("tado")
		tado.resume(3)
		local outcomes = tado.flush()
		flushed = #outcomes
		first_class = outcomes[1].class
	`)

	assert.Equal(t, 1, f.commands.flushes)
	assert.Equal(t, float64(1), f.globalNumber(t, "flushed"))

	var class string
	f.eval(t, func(L *lua.LState) {
		class = lua.LVAsString(L.GetGlobal("first_class"))
	})
	assert.Equal(t, "success", class)
}

func TestScriptUnknownZoneReturnsError(t *testing.T) {
	f := newFixture(t)
	f.loadScript(t, `
		local tado = require("tado")
		local id, err = tado.set_overlay("attic", { temperature = 20 })
		had_error = err ~= nil and id == nil
	`)

	var hadError bool
	f.eval(t, func(L *lua.LState) {
		hadError = lua.LVAsBool(L.GetGlobal("had_error"))
	})
	assert.True(t, hadError)
	assert.Empty(t, f.commands.submitted)
}

func TestScriptReadsSnapshotsAndQuota(t *testing.T) {
	f := newFixture(t)
	f.loadScript(t, `
		local tado = require("tado")
		rooms_n = #tado.rooms()
		local state = tado.room_state("Hallway")
		temp = state.temperature
		local q = tado.quota()
		remaining = q.remaining
	`)

	assert.Equal(t, float64(1), f.globalNumber(t, "rooms_n"))
	assert.Equal(t, 19.4, f.globalNumber(t, "temp"))
	assert.Equal(t, float64(80), f.globalNumber(t, "remaining"))
}

func TestScriptInvokesAction(t *testing.T) {
	f := newFixture(t)
	f.loadScript(t, `
		local tado = require("tado")
		ok = tado.action("resume_all", {})
	`)

	var ok bool
	f.eval(t, func(L *lua.LState) {
		ok = lua.LVAsBool(L.GetGlobal("ok"))
	})
	assert.True(t, ok)
	assert.Equal(t, 1, f.commands.flushes)
}

func TestEventHandlersReceiveBusEvents(t *testing.T) {
	f := newFixture(t)
	f.loadScript(t, `
		local events = require("events")
		polls = 0
		events.on_poll(function(ev)
			polls = polls + 1
			last_calls = ev.calls
			last_topic = ev.topic
		end)
	`)

	f.runtime.HandleEvent(context.Background(), eventbus.Event{
		Topic: eventbus.TopicPollCompleted,
		At:    time.Now(),
		Data:  map[string]any{"calls": 2, "ok": true},
	})

	assert.Eventually(t, func() bool {
		return f.globalNumber(t, "polls") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(2), f.globalNumber(t, "last_calls"))

	var topic string
	f.eval(t, func(L *lua.LState) {
		topic = lua.LVAsString(L.GetGlobal("last_topic"))
	})
	assert.Equal(t, "poll.completed", topic)
}

func TestEventsWithoutHandlersAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.loadScript(t, `
		local events = require("events")
		events.on_schedule(function(ev) end)
	`)

	assert.True(t, f.runtime.eventsModule.wants(eventbus.TopicScheduleChanged))
	assert.False(t, f.runtime.eventsModule.wants(eventbus.TopicPollCompleted))
}

func TestFailingHandlerDoesNotStopWorker(t *testing.T) {
	f := newFixture(t)
	f.loadScript(t, `
		local events = require("events")
		seen = 0
		events.on_quota(function(ev)
			seen = seen + 1
			error("boom")
		end)
	`)

	ev := eventbus.Event{Topic: eventbus.TopicQuotaUpdated, At: time.Now(), Data: map[string]any{}}
	f.runtime.HandleEvent(context.Background(), ev)
	f.runtime.HandleEvent(context.Background(), ev)

	assert.Eventually(t, func() bool {
		return f.globalNumber(t, "seen") == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoadScriptsMissingDirIsHarmless(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.runtime.LoadScripts(t.TempDir()))
}
