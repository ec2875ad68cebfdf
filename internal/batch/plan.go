package batch

import (
	"time"

	"github.com/tadoctl/tadod/internal/tado"
)

// Plan is the reduced call set for one window: at most one fused bulk
// overlay call covering any number of zones, plus per-target calls in
// first-submission order.
type Plan struct {
	Fused     []Intent
	PerTarget []Intent
	OpenedAt  time.Time
}

// Empty reports whether the plan would issue zero calls.
func (p *Plan) Empty() bool {
	return p == nil || (len(p.Fused) == 0 && len(p.PerTarget) == 0)
}

// Intents returns how many intents the plan carries.
func (p *Plan) Intents() int {
	if p == nil {
		return 0
	}
	return len(p.Fused) + len(p.PerTarget)
}

// Calls returns how many outbound calls executing the plan costs.
func (p *Plan) Calls() int {
	if p == nil {
		return 0
	}
	n := len(p.PerTarget)
	if len(p.Fused) > 0 {
		n++
	}
	return n
}

// OverlayEntries converts the fused intents into the bulk endpoint
// payload: one entry per zone, resumes encoded as nil overlays.
func (p *Plan) OverlayEntries() ([]tado.OverlayEntry, error) {
	entries := make([]tado.OverlayEntry, 0, len(p.Fused))
	for _, in := range p.Fused {
		zoneID, err := in.Target.ZoneID()
		if err != nil {
			return nil, err
		}
		entry := tado.OverlayEntry{RoomID: zoneID}
		if in.Op == OpSetOverlay {
			entry.Overlay = in.Payload.Overlay
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// buildPlan partitions pending intents. Overlay-family ops collapse to
// one entry per zone: set and resume address the same remote slot, so
// when both pend for a zone the later submission wins.
func buildPlan(pending map[key]Intent, order []key, openedAt time.Time) *Plan {
	plan := &Plan{OpenedAt: openedAt}

	fusedByZone := make(map[string]int) // target id -> index in plan.Fused
	for _, k := range order {
		in, ok := pending[k]
		if !ok {
			continue
		}
		if !in.Op.Fusable() {
			plan.PerTarget = append(plan.PerTarget, in)
			continue
		}
		if i, seen := fusedByZone[in.Target.ID]; seen {
			if !in.SubmittedAt.Before(plan.Fused[i].SubmittedAt) {
				plan.Fused[i] = in
			}
			continue
		}
		fusedByZone[in.Target.ID] = len(plan.Fused)
		plan.Fused = append(plan.Fused, in)
	}
	return plan
}
