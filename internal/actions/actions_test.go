package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/db"
	"github.com/tadoctl/tadod/internal/history"
	"github.com/tadoctl/tadod/internal/poll"
	"github.com/tadoctl/tadod/internal/tado"
)

type fakeCommands struct {
	submitted []batch.Intent
	flushes   int
	fail      []batch.Outcome
}

func (f *fakeCommands) Submit(in batch.Intent) error {
	f.submitted = append(f.submitted, in)
	return nil
}

func (f *fakeCommands) Flush(_ context.Context) []batch.Outcome {
	f.flushes++
	if f.fail != nil {
		return f.fail
	}
	outcomes := make([]batch.Outcome, 0, len(f.submitted))
	for _, in := range f.submitted {
		outcomes = append(outcomes, batch.Outcome{Intent: in, Class: batch.ClassSuccess})
	}
	return outcomes
}

type fakePoller struct {
	polls []bool
}

func (f *fakePoller) PollNow(_ context.Context, full bool) (poll.CycleResult, error) {
	f.polls = append(f.polls, full)
	return poll.CycleResult{Calls: 2, Manual: true}, nil
}

func seededCache() *tado.Cache {
	cache := tado.NewCache()
	cache.SetMetadata(
		&tado.Home{ID: 7, Name: "Home"},
		[]tado.Room{
			{ID: 1, Name: "Living Room", Capabilities: tado.RoomCapabilities{
				CanSetTemperature: true, MinCelsius: 5, MaxCelsius: 30,
			}},
			{ID: 2, Name: "Hallway", Capabilities: tado.RoomCapabilities{
				CanSetTemperature: false,
			}},
		},
		nil,
	)
	return cache
}

func testContext(commands *fakeCommands, poller *fakePoller) *Context {
	return NewContext(context.Background(), seededCache(), commands, poller, nil)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	return reg
}

func TestResumeAllSubmitsEveryRoomAndFlushes(t *testing.T) {
	commands := &fakeCommands{}
	action, ok := testRegistry(t).Get("resume_all")
	require.True(t, ok)

	require.NoError(t, action.Execute(testContext(commands, nil), nil))

	require.Len(t, commands.submitted, 2)
	assert.Equal(t, 1, commands.flushes)
	for _, in := range commands.submitted {
		assert.Equal(t, batch.OpResumeSchedule, in.Op)
		assert.Nil(t, in.Payload.Overlay)
	}
}

func TestOffAllSetsPowerOffOverlays(t *testing.T) {
	commands := &fakeCommands{}
	action, _ := testRegistry(t).Get("off_all")

	require.NoError(t, action.Execute(testContext(commands, nil), nil))

	require.Len(t, commands.submitted, 2)
	for _, in := range commands.submitted {
		require.NotNil(t, in.Payload.Overlay)
		assert.Equal(t, tado.PowerOff, in.Payload.Overlay.Power)
		assert.Nil(t, in.Payload.Overlay.Temperature)
		assert.Equal(t, tado.TerminationManual, in.Payload.Overlay.Termination.Type)
	}
}

func TestBoostAllSkipsRoomsThatCannotHeat(t *testing.T) {
	commands := &fakeCommands{}
	action, _ := testRegistry(t).Get("boost_all")

	args := map[string]any{"temperature": 23.5, "duration": "45m"}
	require.NoError(t, action.Execute(testContext(commands, nil), args))

	require.Len(t, commands.submitted, 1)
	in := commands.submitted[0]
	assert.Equal(t, batch.ZoneTarget(1), in.Target)
	require.NotNil(t, in.Payload.Overlay.Temperature)
	assert.Equal(t, 23.5, in.Payload.Overlay.Temperature.Celsius)
	assert.Equal(t, tado.TerminationTimer, in.Payload.Overlay.Termination.Type)
	assert.Equal(t, 45*60, in.Payload.Overlay.Termination.DurationSeconds)
}

func TestSetTimerResolvesRoomByName(t *testing.T) {
	commands := &fakeCommands{}
	action, _ := testRegistry(t).Get("set_timer")

	args := map[string]any{"zone": "living room", "temperature": 21.0, "duration": "00:20:00"}
	require.NoError(t, action.Execute(testContext(commands, nil), args))

	require.Len(t, commands.submitted, 1)
	in := commands.submitted[0]
	assert.Equal(t, batch.ZoneTarget(1), in.Target)
	assert.Equal(t, 20*60, in.Payload.Overlay.Termination.DurationSeconds)
}

func TestSetTimerRejectsMissingArgs(t *testing.T) {
	action, _ := testRegistry(t).Get("set_timer")

	tests := []struct {
		name string
		args map[string]any
	}{
		{"no zone", map[string]any{"temperature": 21.0}},
		{"unknown zone", map[string]any{"zone": "attic", "temperature": 21.0}},
		{"no temperature", map[string]any{"zone": 1.0}},
		{"bad duration", map[string]any{"zone": 1.0, "temperature": 21.0, "duration": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commands := &fakeCommands{}
			err := action.Execute(testContext(commands, nil), tt.args)
			assert.Error(t, err)
			assert.Empty(t, commands.flushes)
		})
	}
}

func TestManualPollForwardsFullFlag(t *testing.T) {
	poller := &fakePoller{}
	action, _ := testRegistry(t).Get("manual_poll")

	require.NoError(t, action.Execute(testContext(&fakeCommands{}, poller), map[string]any{"full": true}))
	require.NoError(t, action.Execute(testContext(&fakeCommands{}, poller), nil))

	assert.Equal(t, []bool{true, false}, poller.polls)
}

func TestFlushFailuresSurfaceAsError(t *testing.T) {
	commands := &fakeCommands{fail: []batch.Outcome{
		{Intent: batch.NewIntent(batch.ZoneTarget(1), batch.OpResumeSchedule, batch.Payload{}), Class: batch.ClassRemoteError},
	}}
	action, _ := testRegistry(t).Get("resume_all")

	err := action.Execute(testContext(commands, nil), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote_error")
}

func TestDurationArgForms(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want time.Duration
	}{
		{"absent uses default", map[string]any{}, defaultTimer},
		{"go duration", map[string]any{"duration": "1h30m"}, 90 * time.Minute},
		{"clock span", map[string]any{"duration": "01:15:30"}, time.Hour + 15*time.Minute + 30*time.Second},
		{"short clock span", map[string]any{"duration": "00:10"}, 10 * time.Minute},
		{"bare seconds", map[string]any{"duration": 90.0}, 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := durationArg(tt.args, "duration", defaultTimer)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvokerDeduplicatesByKey(t *testing.T) {
	database, err := db.Open(t.TempDir() + "/tadod.sqlite")
	require.NoError(t, err)
	defer database.Close()

	reg := NewRegistry()
	runs := 0
	require.NoError(t, reg.RegisterSimple("count", func(_ *Context, _ map[string]any) error {
		runs++
		return nil
	}))

	inv := NewInvoker(reg, history.New(database.DB), func(ctx context.Context) *Context {
		return NewContext(ctx, seededCache(), &fakeCommands{}, nil, nil)
	})

	require.NoError(t, inv.Invoke(context.Background(), "count", nil, "occurrence-1", "test"))
	require.NoError(t, inv.Invoke(context.Background(), "count", nil, "occurrence-1", "test"))
	require.NoError(t, inv.Invoke(context.Background(), "count", nil, "", "test"))

	assert.Equal(t, 2, runs)
}

func TestInvokerUnknownActionErrors(t *testing.T) {
	inv := NewInvoker(NewRegistry(), nil, func(ctx context.Context) *Context {
		return NewContext(ctx, seededCache(), &fakeCommands{}, nil, nil)
	})

	err := inv.Invoke(context.Background(), "nope", nil, "", "test")
	assert.ErrorContains(t, err, "not found")
}
