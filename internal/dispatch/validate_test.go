package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/tado"
)

func testValidator(t *testing.T) batch.Validator {
	t.Helper()
	cache := tado.NewCache()
	cache.SetMetadata(
		&tado.Home{ID: 7, Name: "Test Home"},
		[]tado.Room{{
			ID:   1,
			Name: "Living Room",
			Capabilities: tado.RoomCapabilities{
				CanSetTemperature: true,
				MinCelsius:        5,
				MaxCelsius:        30,
			},
		}},
		[]tado.Device{{SerialNo: "VA1234", RoomID: 1}},
	)
	return NewValidator(cache)
}

func TestValidatorAcceptsKnownTargets(t *testing.T) {
	validate := testValidator(t)

	tests := []struct {
		name   string
		intent batch.Intent
	}{
		{"overlay", overlayIntent(1)},
		{"resume", batch.NewIntent(batch.ZoneTarget(1), batch.OpResumeSchedule, batch.Payload{})},
		{"child lock", batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpSetChildLock, batch.Payload{Enabled: true})},
		{"offset", batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpSetOffset, batch.Payload{Celsius: -2})},
		{"identify", batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpIdentify, batch.Payload{})},
		{"away temperature", batch.NewIntent(batch.ZoneTarget(1), batch.OpSetAwayTemperature, batch.Payload{Celsius: 16})},
		{"open window", batch.NewIntent(batch.ZoneTarget(1), batch.OpSetOpenWindow, batch.Payload{Enabled: true, Timeout: 15 * time.Minute})},
		{"early start", batch.NewIntent(batch.ZoneTarget(1), batch.OpSetEarlyStart, batch.Payload{Enabled: true})},
		{"presence", batch.NewIntent(batch.HomeTarget(), batch.OpSetPresence, batch.Payload{Presence: tado.PresenceAway})},
		{"meter reading", batch.NewIntent(batch.HomeTarget(), batch.OpAddMeterReading, batch.Payload{Reading: 4242, Date: "2026-03-10"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, validate(tt.intent))
		})
	}
}

func TestValidatorRejectsBadIntents(t *testing.T) {
	validate := testValidator(t)

	tests := []struct {
		name   string
		intent batch.Intent
	}{
		{"unknown room", overlayIntent(99)},
		{"unknown device", batch.NewIntent(batch.DeviceTarget("GONE"), batch.OpSetChildLock, batch.Payload{})},
		{"overlay without payload", batch.NewIntent(batch.ZoneTarget(1), batch.OpSetOverlay, batch.Payload{})},
		{"resume with payload", batch.NewIntent(batch.ZoneTarget(1), batch.OpResumeSchedule, batch.Payload{
			Overlay: &tado.Overlay{Power: tado.PowerOff},
		})},
		{"temperature out of range", batch.NewIntent(batch.ZoneTarget(1), batch.OpSetOverlay, batch.Payload{
			Overlay: &tado.Overlay{
				Power:       tado.PowerOn,
				Temperature: &tado.Temperature{Celsius: 40},
				Termination: tado.Termination{Type: tado.TerminationManual},
			},
		})},
		{"away temperature out of range", batch.NewIntent(batch.ZoneTarget(1), batch.OpSetAwayTemperature, batch.Payload{Celsius: 60})},
		{"offset out of range", batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpSetOffset, batch.Payload{Celsius: 15})},
		{"open window without timeout", batch.NewIntent(batch.ZoneTarget(1), batch.OpSetOpenWindow, batch.Payload{Enabled: true})},
		{"bad presence", batch.NewIntent(batch.HomeTarget(), batch.OpSetPresence, batch.Payload{Presence: "SOMEWHERE"})},
		{"negative meter reading", batch.NewIntent(batch.HomeTarget(), batch.OpAddMeterReading, batch.Payload{Reading: -1})},
		{"bad meter date", batch.NewIntent(batch.HomeTarget(), batch.OpAddMeterReading, batch.Payload{Reading: 1, Date: "10.03.2026"})},
		{"zone op on device", batch.NewIntent(batch.DeviceTarget("VA1234"), batch.OpSetDazzle, batch.Payload{Enabled: true})},
		{"device op on zone", batch.NewIntent(batch.ZoneTarget(1), batch.OpSetChildLock, batch.Payload{Enabled: true})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.intent)
			require.Error(t, err)
			assert.ErrorIs(t, err, tado.ErrValidation)
		})
	}
}
