package tado

import "time"

// Power states accepted by room settings.
const (
	PowerOn  = "ON"
	PowerOff = "OFF"
)

// Termination modes for a manual overlay.
const (
	TerminationManual        = "MANUAL"
	TerminationNextTimeBlock = "NEXT_TIME_BLOCK"
	TerminationTimer         = "TIMER"
)

// Presence values for the home state.
const (
	PresenceHome = "HOME"
	PresenceAway = "AWAY"
)

// Quota carries the rate-limit headers the service attaches to every
// response: the daily call limit, the calls left today and the moment
// the counter resets.
type Quota struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Temperature is a celsius setpoint.
type Temperature struct {
	Celsius float64 `json:"celsius"`
}

// Termination describes how a manual overlay ends.
type Termination struct {
	Type            string `json:"type"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// Overlay is a manual control setting for one room.
type Overlay struct {
	Power       string       `json:"power"`
	Temperature *Temperature `json:"temperature,omitempty"`
	Termination Termination  `json:"termination"`
}

// OverlayEntry is one element of a bulk overlay write. A nil Overlay
// clears the room's manual control so it resumes the smart schedule.
type OverlayEntry struct {
	RoomID  int      `json:"room"`
	Overlay *Overlay `json:"overlay"`
}

// RoomCapabilities bounds what an overlay may request for a room.
type RoomCapabilities struct {
	CanSetTemperature bool    `json:"canSetTemperature"`
	MinCelsius        float64 `json:"minCelsius"`
	MaxCelsius        float64 `json:"maxCelsius"`
}

// Room represents room metadata from the rooms listing.
type Room struct {
	ID           int              `json:"id"`
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	Capabilities RoomCapabilities `json:"capabilities"`
}

// RoomSetting is the setpoint currently applied to a room.
type RoomSetting struct {
	Power       string       `json:"power"`
	Temperature *Temperature `json:"temperature,omitempty"`
}

// RoomState is the live state of one room. ManualControl is nil while
// the room follows its smart schedule.
type RoomState struct {
	ID                int          `json:"id"`
	Name              string       `json:"name"`
	InsideTemperature *Temperature `json:"insideTemperature,omitempty"`
	Humidity          float64      `json:"humidity"`
	HeatingPower      float64      `json:"heatingPower"`
	Setting           RoomSetting  `json:"setting"`
	ManualControl     *Overlay     `json:"manualControl,omitempty"`
	OpenWindow        bool         `json:"openWindow"`
	BoostMode         bool         `json:"boostMode"`
	Connected         bool         `json:"connected"`
}

// Device represents a thermostat or valve installed in a room.
type Device struct {
	SerialNo          string  `json:"serialNo"`
	Type              string  `json:"type"`
	FirmwareVersion   string  `json:"firmwareVersion"`
	BatteryState      string  `json:"batteryState"`
	ChildLockEnabled  bool    `json:"childLockEnabled"`
	TemperatureOffset float64 `json:"temperatureOffset"`
	RoomID            int     `json:"roomId"`
	RoomName          string  `json:"roomName"`
}

// Home represents basic home metadata.
type Home struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Generation string `json:"generation"`
}

// HomeState is the home-level presence snapshot.
type HomeState struct {
	Presence string `json:"presence"`
}
