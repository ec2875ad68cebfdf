package dispatch

import (
	"fmt"
	"time"

	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/tado"
)

// NewValidator builds the submit-time intent check. Targets resolve
// against cached metadata so a stale zone or device fails the one
// intent immediately instead of poisoning a whole batch at flush time.
func NewValidator(cache *tado.Cache) batch.Validator {
	return func(in batch.Intent) error {
		switch in.Target.Kind {
		case batch.KindZone:
			return validateZone(cache, in)
		case batch.KindDevice:
			return validateDevice(cache, in)
		case batch.KindHome:
			return validateHome(in)
		default:
			return fmt.Errorf("%w: unknown target kind %q", tado.ErrValidation, in.Target.Kind)
		}
	}
}

func validateZone(cache *tado.Cache, in batch.Intent) error {
	id, err := in.Target.ZoneID()
	if err != nil {
		return fmt.Errorf("%w: %v", tado.ErrValidation, err)
	}
	room, ok := cache.Room(id)
	if !ok {
		return fmt.Errorf("%w: unknown room %d", tado.ErrValidation, id)
	}

	switch in.Op {
	case batch.OpSetOverlay:
		if in.Payload.Overlay == nil {
			return fmt.Errorf("%w: %s requires an overlay", tado.ErrValidation, in.Op)
		}
		return tado.ValidateOverlay(&room, in.Payload.Overlay)
	case batch.OpResumeSchedule:
		if in.Payload.Overlay != nil {
			return fmt.Errorf("%w: %s must not carry an overlay", tado.ErrValidation, in.Op)
		}
		return nil
	case batch.OpSetAwayTemperature:
		min, max := room.Capabilities.MinCelsius, room.Capabilities.MaxCelsius
		if max > 0 && (in.Payload.Celsius < min || in.Payload.Celsius > max) {
			return fmt.Errorf("%w: away temperature %.1fC outside range [%.1f, %.1f] for room %q",
				tado.ErrValidation, in.Payload.Celsius, min, max, room.Name)
		}
		return nil
	case batch.OpSetOpenWindow:
		if in.Payload.Enabled && in.Payload.Timeout <= 0 {
			return fmt.Errorf("%w: open window detection requires a positive timeout", tado.ErrValidation)
		}
		if in.Payload.Timeout > time.Hour {
			return fmt.Errorf("%w: open window timeout above one hour", tado.ErrValidation)
		}
		return nil
	case batch.OpSetEarlyStart, batch.OpSetDazzle:
		return nil
	default:
		return fmt.Errorf("%w: op %q does not apply to a room", tado.ErrValidation, in.Op)
	}
}

func validateDevice(cache *tado.Cache, in batch.Intent) error {
	dev, ok := cache.Device(in.Target.ID)
	if !ok {
		return fmt.Errorf("%w: unknown device %q", tado.ErrValidation, in.Target.ID)
	}

	switch in.Op {
	case batch.OpSetChildLock, batch.OpIdentify:
		return nil
	case batch.OpSetOffset:
		if in.Payload.Celsius < -10 || in.Payload.Celsius > 10 {
			return fmt.Errorf("%w: offset %.1fC outside range [-10, 10] for device %q",
				tado.ErrValidation, in.Payload.Celsius, dev.SerialNo)
		}
		return nil
	default:
		return fmt.Errorf("%w: op %q does not apply to a device", tado.ErrValidation, in.Op)
	}
}

func validateHome(in batch.Intent) error {
	switch in.Op {
	case batch.OpSetPresence:
		if p := in.Payload.Presence; p != tado.PresenceHome && p != tado.PresenceAway {
			return fmt.Errorf("%w: presence must be %s or %s, got %q",
				tado.ErrValidation, tado.PresenceHome, tado.PresenceAway, in.Payload.Presence)
		}
		return nil
	case batch.OpAddMeterReading:
		if in.Payload.Reading < 0 {
			return fmt.Errorf("%w: meter reading must not be negative", tado.ErrValidation)
		}
		if in.Payload.Date != "" {
			if _, err := time.Parse("2006-01-02", in.Payload.Date); err != nil {
				return fmt.Errorf("%w: meter reading date %q is not YYYY-MM-DD", tado.ErrValidation, in.Payload.Date)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: op %q does not apply to the home", tado.ErrValidation, in.Op)
	}
}
