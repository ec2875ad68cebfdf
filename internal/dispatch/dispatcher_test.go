package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/quota"
	"github.com/tadoctl/tadod/internal/tado"
)

// fakeClient scripts responses per method. Each scripted error is
// consumed once; an empty queue means success.
type fakeClient struct {
	mu         sync.Mutex
	log        []string
	errs       map[string][]error
	quota      *tado.Quota
	refreshes  int
	refreshErr error

	home      *tado.Home
	homeState *tado.HomeState
	rooms     []tado.Room
	states    []tado.RoomState
	devices   []tado.Device
	overlays  [][]tado.OverlayEntry
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		errs:      make(map[string][]error),
		quota:     &tado.Quota{Limit: 5000, Remaining: 4000, ResetAt: time.Now().Add(6 * time.Hour)},
		home:      &tado.Home{ID: 7, Name: "Test Home"},
		homeState: &tado.HomeState{Presence: tado.PresenceHome},
		rooms:     []tado.Room{{ID: 1, Name: "Living Room"}},
		states:    []tado.RoomState{{ID: 1, Name: "Living Room"}},
		devices:   []tado.Device{{SerialNo: "VA1234"}},
	}
}

func (f *fakeClient) fail(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = append(f.errs[method], errs...)
}

func (f *fakeClient) step(method string) (*tado.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log = append(f.log, method)
	queue := f.errs[method]
	if len(queue) == 0 {
		return f.quota, nil
	}
	err := queue[0]
	f.errs[method] = queue[1:]
	if err == nil {
		return f.quota, nil
	}
	var apiErr *tado.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Quota, err
	}
	return nil, err
}

func (f *fakeClient) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeClient) RefreshAuth(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeClient) GetHome(context.Context) (*tado.Home, *tado.Quota, error) {
	q, err := f.step("GetHome")
	if err != nil {
		return nil, q, err
	}
	return f.home, q, nil
}

func (f *fakeClient) GetHomeState(context.Context) (*tado.HomeState, *tado.Quota, error) {
	q, err := f.step("GetHomeState")
	if err != nil {
		return nil, q, err
	}
	return f.homeState, q, nil
}

func (f *fakeClient) GetRooms(context.Context) ([]tado.Room, *tado.Quota, error) {
	q, err := f.step("GetRooms")
	if err != nil {
		return nil, q, err
	}
	return f.rooms, q, nil
}

func (f *fakeClient) GetRoomStates(context.Context) ([]tado.RoomState, *tado.Quota, error) {
	q, err := f.step("GetRoomStates")
	if err != nil {
		return nil, q, err
	}
	return f.states, q, nil
}

func (f *fakeClient) GetDevices(context.Context) ([]tado.Device, *tado.Quota, error) {
	q, err := f.step("GetDevices")
	if err != nil {
		return nil, q, err
	}
	return f.devices, q, nil
}

func (f *fakeClient) SetRoomOverlays(_ context.Context, entries []tado.OverlayEntry) (*tado.Quota, error) {
	q, err := f.step("SetRoomOverlays")
	if err == nil {
		f.mu.Lock()
		f.overlays = append(f.overlays, entries)
		f.mu.Unlock()
	}
	return q, err
}

func (f *fakeClient) SetAwayTemperature(_ context.Context, _ int, _ float64) (*tado.Quota, error) {
	return f.step("SetAwayTemperature")
}

func (f *fakeClient) SetOpenWindowDetection(_ context.Context, _ int, _ bool, _ time.Duration) (*tado.Quota, error) {
	return f.step("SetOpenWindowDetection")
}

func (f *fakeClient) SetEarlyStart(_ context.Context, _ int, _ bool) (*tado.Quota, error) {
	return f.step("SetEarlyStart")
}

func (f *fakeClient) SetDazzle(_ context.Context, _ int, _ bool) (*tado.Quota, error) {
	return f.step("SetDazzle")
}

func (f *fakeClient) SetChildLock(_ context.Context, _ string, _ bool) (*tado.Quota, error) {
	return f.step("SetChildLock")
}

func (f *fakeClient) SetTemperatureOffset(_ context.Context, _ string, _ float64) (*tado.Quota, error) {
	return f.step("SetTemperatureOffset")
}

func (f *fakeClient) Identify(_ context.Context, _ string) (*tado.Quota, error) {
	return f.step("Identify")
}

func (f *fakeClient) SetPresence(_ context.Context, _ string) (*tado.Quota, error) {
	return f.step("SetPresence")
}

func (f *fakeClient) AddMeterReading(_ context.Context, _ int, _ string) (*tado.Quota, error) {
	return f.step("AddMeterReading")
}

func apiErr(status int, q *tado.Quota) error {
	return &tado.APIError{StatusCode: status, Body: http.StatusText(status), Quota: q}
}

func testDispatcher(t *testing.T) (*Dispatcher, *fakeClient, *quota.Ledger, *tado.Cache) {
	t.Helper()
	fc := newFakeClient()
	ledger := quota.NewLedger()
	cache := tado.NewCache()
	d := NewDispatcher(fc, ledger, cache, nil, 10000)
	return d, fc, ledger, cache
}

func overlayIntent(zone int) batch.Intent {
	return batch.NewIntent(batch.ZoneTarget(zone), batch.OpSetOverlay, batch.Payload{
		Overlay: &tado.Overlay{
			Power:       tado.PowerOn,
			Temperature: &tado.Temperature{Celsius: 21},
			Termination: tado.Termination{Type: tado.TerminationManual},
		},
	})
}

func TestExecutePerTargetBeforeFused(t *testing.T) {
	d, fc, _, _ := testDispatcher(t)

	plan := &batch.Plan{
		Fused: []batch.Intent{overlayIntent(1), overlayIntent(2)},
		PerTarget: []batch.Intent{
			batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpSetChildLock, batch.Payload{Enabled: true}),
			batch.NewIntent(batch.HomeTarget(), batch.OpSetPresence, batch.Payload{Presence: tado.PresenceAway}),
		},
	}
	outcomes := d.Execute(context.Background(), plan)

	require.Len(t, outcomes, 4)
	for _, out := range outcomes {
		assert.Equal(t, batch.ClassSuccess, out.Class)
	}
	assert.Equal(t, []string{"SetChildLock", "SetPresence", "SetRoomOverlays"}, fc.calls())
	require.Len(t, fc.overlays, 1)
	assert.Len(t, fc.overlays[0], 2)
}

func TestExecuteEmptyPlanIssuesNoCalls(t *testing.T) {
	d, fc, _, _ := testDispatcher(t)

	assert.Nil(t, d.Execute(context.Background(), &batch.Plan{}))
	assert.Empty(t, fc.calls())
}

func TestExecuteAbortsSequenceAfterFailure(t *testing.T) {
	d, fc, _, _ := testDispatcher(t)
	fc.fail("SetTemperatureOffset", apiErr(http.StatusBadGateway, fc.quota))

	plan := &batch.Plan{
		Fused: []batch.Intent{overlayIntent(1)},
		PerTarget: []batch.Intent{
			batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpSetChildLock, batch.Payload{Enabled: true}),
			batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpSetOffset, batch.Payload{Celsius: -1.5}),
			batch.NewIntent(batch.DeviceTarget("VA5678"), batch.OpIdentify, batch.Payload{}),
		},
	}
	outcomes := d.Execute(context.Background(), plan)

	require.Len(t, outcomes, 4)
	assert.Equal(t, batch.ClassSuccess, outcomes[0].Class)
	assert.Equal(t, batch.ClassRemoteError, outcomes[1].Class)
	assert.Equal(t, batch.ClassAborted, outcomes[2].Class)
	assert.Equal(t, batch.ClassAborted, outcomes[3].Class)

	// The identify and bulk calls were never attempted.
	assert.Equal(t, []string{"SetChildLock", "SetTemperatureOffset"}, fc.calls())
	assert.ErrorContains(t, outcomes[2].Err, "sequence aborted")
}

func TestExecuteConflictContinuesSequence(t *testing.T) {
	d, fc, _, _ := testDispatcher(t)
	fc.fail("SetChildLock", apiErr(http.StatusConflict, fc.quota))

	plan := &batch.Plan{
		PerTarget: []batch.Intent{
			batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpSetChildLock, batch.Payload{Enabled: true}),
			batch.NewIntent(batch.DeviceTarget("VA5678"), batch.OpIdentify, batch.Payload{}),
		},
	}
	outcomes := d.Execute(context.Background(), plan)

	require.Len(t, outcomes, 2)
	assert.Equal(t, batch.ClassConflict, outcomes[0].Class)
	assert.True(t, outcomes[0].OK())
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, batch.ClassSuccess, outcomes[1].Class)
	assert.Equal(t, []string{"SetChildLock", "Identify"}, fc.calls())
}

func TestExecuteRetriesOnceAfterAuthRefresh(t *testing.T) {
	d, fc, _, _ := testDispatcher(t)
	fc.fail("SetPresence", apiErr(http.StatusUnauthorized, nil))

	plan := &batch.Plan{PerTarget: []batch.Intent{
		batch.NewIntent(batch.HomeTarget(), batch.OpSetPresence, batch.Payload{Presence: tado.PresenceHome}),
	}}
	outcomes := d.Execute(context.Background(), plan)

	require.Len(t, outcomes, 1)
	assert.Equal(t, batch.ClassSuccess, outcomes[0].Class)
	assert.Equal(t, 1, fc.refreshes)
	assert.Equal(t, []string{"SetPresence", "SetPresence"}, fc.calls())
}

func TestExecuteAuthFailureIsTerminalAfterOneRetry(t *testing.T) {
	d, fc, _, _ := testDispatcher(t)
	fc.fail("SetPresence",
		apiErr(http.StatusUnauthorized, nil),
		apiErr(http.StatusUnauthorized, nil),
	)

	plan := &batch.Plan{PerTarget: []batch.Intent{
		batch.NewIntent(batch.HomeTarget(), batch.OpSetPresence, batch.Payload{Presence: tado.PresenceHome}),
	}}
	outcomes := d.Execute(context.Background(), plan)

	require.Len(t, outcomes, 1)
	assert.Equal(t, batch.ClassAuthExpired, outcomes[0].Class)
	assert.Equal(t, 1, fc.refreshes)
	assert.Equal(t, []string{"SetPresence", "SetPresence"}, fc.calls())
}

func TestExecuteFailedRefreshSkipsRetry(t *testing.T) {
	d, fc, _, _ := testDispatcher(t)
	fc.refreshErr = errors.New("device code expired")
	fc.fail("SetPresence", apiErr(http.StatusUnauthorized, nil))

	plan := &batch.Plan{PerTarget: []batch.Intent{
		batch.NewIntent(batch.HomeTarget(), batch.OpSetPresence, batch.Payload{Presence: tado.PresenceHome}),
	}}
	outcomes := d.Execute(context.Background(), plan)

	require.Len(t, outcomes, 1)
	assert.Equal(t, batch.ClassAuthExpired, outcomes[0].Class)
	assert.Equal(t, []string{"SetPresence"}, fc.calls())
}

func TestExecuteQuotaExhaustionLatchesLedger(t *testing.T) {
	d, fc, ledger, _ := testDispatcher(t)
	resetAt := time.Now().Add(3 * time.Hour)
	fc.fail("SetRoomOverlays", apiErr(http.StatusTooManyRequests, &tado.Quota{
		Limit: 5000, Remaining: 0, ResetAt: resetAt,
	}))

	plan := &batch.Plan{Fused: []batch.Intent{overlayIntent(1)}}
	outcomes := d.Execute(context.Background(), plan)

	require.Len(t, outcomes, 1)
	assert.Equal(t, batch.ClassQuotaExceeded, outcomes[0].Class)

	rl := ledger.RateLimited()
	assert.True(t, rl.Active)
	assert.Equal(t, resetAt, rl.Until)

	// Headers of the failed response still reached the ledger.
	state := ledger.Current()
	assert.Equal(t, 0, state.Remaining)
	assert.Equal(t, 5000, state.Limit)
}

func TestExecuteFusedFailureCoversAllFusedIntents(t *testing.T) {
	d, fc, _, _ := testDispatcher(t)
	fc.fail("SetRoomOverlays", apiErr(http.StatusInternalServerError, fc.quota))

	plan := &batch.Plan{Fused: []batch.Intent{overlayIntent(1), overlayIntent(2), overlayIntent(3)}}
	outcomes := d.Execute(context.Background(), plan)

	require.Len(t, outcomes, 3)
	for _, out := range outcomes {
		assert.Equal(t, batch.ClassRemoteError, out.Class)
		assert.Error(t, out.Err)
	}
	// One HTTP exchange, never retried.
	assert.Equal(t, []string{"SetRoomOverlays"}, fc.calls())
}

func TestExecuteHardwareWriteMarksMetadataDirty(t *testing.T) {
	d, fc, _, cache := testDispatcher(t)
	cache.SetMetadata(fc.home, fc.rooms, fc.devices)
	require.False(t, cache.MetadataStale(time.Hour))

	plan := &batch.Plan{PerTarget: []batch.Intent{
		batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpSetChildLock, batch.Payload{Enabled: true}),
	}}
	d.Execute(context.Background(), plan)

	assert.True(t, cache.MetadataStale(time.Hour))
}

func TestRefreshStatesUpdatesCacheAndLedger(t *testing.T) {
	d, fc, ledger, cache := testDispatcher(t)

	calls, err := d.RefreshStates(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"GetHomeState", "GetRoomStates"}, fc.calls())
	assert.Equal(t, 4000, ledger.Current().Remaining)

	require.NotNil(t, cache.HomeState())
	assert.Equal(t, tado.PresenceHome, cache.HomeState().Presence)
	assert.Len(t, cache.RoomStates(), 1)
}

func TestRefreshMetadataPartialFailureKeepsCache(t *testing.T) {
	d, fc, _, cache := testDispatcher(t)
	fc.fail("GetRooms", apiErr(http.StatusInternalServerError, fc.quota))

	calls, err := d.RefreshMetadata(context.Background())

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Nil(t, cache.Home())
	assert.Empty(t, cache.Rooms())
}

func TestRefreshMetadataSuccess(t *testing.T) {
	d, fc, _, cache := testDispatcher(t)

	calls, err := d.RefreshMetadata(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"GetHome", "GetRooms", "GetDevices"}, fc.calls())
	require.NotNil(t, cache.Home())
	assert.Equal(t, "Test Home", cache.Home().Name)
	assert.Len(t, cache.Devices(), 1)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want batch.Class
	}{
		{"nil", nil, batch.ClassSuccess},
		{"conflict", apiErr(http.StatusConflict, nil), batch.ClassConflict},
		{"quota", apiErr(http.StatusTooManyRequests, nil), batch.ClassQuotaExceeded},
		{"auth", apiErr(http.StatusUnauthorized, nil), batch.ClassAuthExpired},
		{"server", apiErr(http.StatusInternalServerError, nil), batch.ClassRemoteError},
		{"transport", errors.New("connection refused"), batch.ClassRemoteError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
