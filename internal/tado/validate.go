package tado

import "fmt"

// ValidateOverlay checks an overlay against a room's capabilities so an
// invalid request is rejected before it spends a quota call. A nil
// overlay is a schedule resume and always valid.
func ValidateOverlay(room *Room, o *Overlay) error {
	if o == nil {
		return nil
	}

	switch o.Power {
	case PowerOn:
		if room.Capabilities.CanSetTemperature {
			if o.Temperature == nil {
				return fmt.Errorf("%w: power ON requires a temperature for room %q", ErrValidation, room.Name)
			}
			min, max := room.Capabilities.MinCelsius, room.Capabilities.MaxCelsius
			if max > 0 && (o.Temperature.Celsius < min || o.Temperature.Celsius > max) {
				return fmt.Errorf("%w: %.1fC outside range [%.1f, %.1f] for room %q",
					ErrValidation, o.Temperature.Celsius, min, max, room.Name)
			}
		}
	case PowerOff:
		if o.Temperature != nil {
			return fmt.Errorf("%w: power OFF must not carry a temperature", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown power %q", ErrValidation, o.Power)
	}

	switch o.Termination.Type {
	case TerminationManual, TerminationNextTimeBlock:
		return nil
	case TerminationTimer:
		if o.Termination.DurationSeconds <= 0 {
			return fmt.Errorf("%w: timer termination requires a positive duration", ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown termination %q", ErrValidation, o.Termination.Type)
	}
}
