package batch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tadoctl/tadod/internal/tado"
)

// TargetKind tells what a target identifier refers to.
type TargetKind string

const (
	KindZone   TargetKind = "zone"
	KindDevice TargetKind = "device"
	KindHome   TargetKind = "home"
)

// Target identifies the resource an intent mutates. Targets are
// resolved once at intent creation and never re-resolved mid-flight.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func (t Target) String() string {
	return string(t.Kind) + "/" + t.ID
}

// ZoneID returns the numeric room ID of a zone target.
func (t Target) ZoneID() (int, error) {
	if t.Kind != KindZone {
		return 0, fmt.Errorf("target %s is not a zone", t)
	}
	id, err := strconv.Atoi(t.ID)
	if err != nil {
		return 0, fmt.Errorf("invalid zone id %q: %w", t.ID, err)
	}
	return id, nil
}

// ZoneTarget addresses one room.
func ZoneTarget(id int) Target {
	return Target{Kind: KindZone, ID: strconv.Itoa(id)}
}

// DeviceTarget addresses one device by serial.
func DeviceTarget(serial string) Target {
	return Target{Kind: KindDevice, ID: serial}
}

// HomeTarget addresses the home itself.
func HomeTarget() Target {
	return Target{Kind: KindHome, ID: "home"}
}

// Op is a mutation operation. Overlay ops share the bulk endpoint and
// fuse into one call; every other op has a per-target endpoint only,
// which is a protocol limitation rather than an engine choice.
type Op string

const (
	OpSetOverlay         Op = "set_overlay"
	OpResumeSchedule     Op = "resume_schedule"
	OpSetChildLock       Op = "set_child_lock"
	OpSetOffset          Op = "set_offset"
	OpSetAwayTemperature Op = "set_away_temperature"
	OpSetOpenWindow      Op = "set_open_window"
	OpSetEarlyStart      Op = "set_early_start"
	OpSetDazzle          Op = "set_dazzle"
	OpSetPresence        Op = "set_presence"
	OpIdentify           Op = "identify"
	OpAddMeterReading    Op = "add_meter_reading"
)

// Fusable reports whether the op writes through the bulk overlay
// endpoint.
func (o Op) Fusable() bool {
	return o == OpSetOverlay || o == OpResumeSchedule
}

// Payload carries the operation value. Only the fields the op reads
// are set.
type Payload struct {
	Overlay  *tado.Overlay `json:"overlay,omitempty"`
	Enabled  bool          `json:"enabled,omitempty"`
	Celsius  float64       `json:"celsius,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Presence string        `json:"presence,omitempty"`
	Reading  int           `json:"reading,omitempty"`
	Date     string        `json:"date,omitempty"`
}

// Intent is one caller's desired mutation. Immutable once created; a
// later intent for the same (target, op) pair supersedes it wholesale
// within an open window.
type Intent struct {
	ID          uuid.UUID `json:"id"`
	Target      Target    `json:"target"`
	Op          Op        `json:"op"`
	Payload     Payload   `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewIntent stamps a fresh intent with an ID and submission time.
func NewIntent(target Target, op Op, p Payload) Intent {
	return Intent{
		ID:          uuid.New(),
		Target:      target,
		Op:          op,
		Payload:     p,
		SubmittedAt: time.Now(),
	}
}
