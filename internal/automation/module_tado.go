package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/tadoctl/tadod/internal/actions"
	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/tado"
)

// tadoModule exposes the command engine and cached snapshots to Lua.
// Mutations queue intents into the debounce window like any other
// caller; scripts call flush() when they need the batch out now.
type tadoModule struct {
	deps Deps
}

func newTadoModule(deps Deps) *tadoModule {
	return &tadoModule{deps: deps}
}

// loader is the module loader for Lua.
func (m *tadoModule) loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "set_overlay", L.NewFunction(m.setOverlay))
	L.SetField(mod, "resume", L.NewFunction(m.resume))
	L.SetField(mod, "flush", L.NewFunction(m.flush))
	L.SetField(mod, "action", L.NewFunction(m.action))
	L.SetField(mod, "poll", L.NewFunction(m.poll))
	L.SetField(mod, "rooms", L.NewFunction(m.rooms))
	L.SetField(mod, "room_state", L.NewFunction(m.roomState))
	L.SetField(mod, "quota", L.NewFunction(m.quota))

	L.Push(mod)
	return 1
}

// set_overlay(zone, opts) -> intent_id | nil, err
// opts: { temperature = 21.5, power = "ON"/"OFF", duration = seconds|"30m"|"HH:MM:SS" }
func (m *tadoModule) setOverlay(L *lua.LState) int {
	roomID, err := m.resolveRoom(L.Get(1))
	if err != nil {
		return pushErr(L, err)
	}
	opts := L.OptTable(2, L.NewTable())

	overlay := &tado.Overlay{
		Power:       tado.PowerOn,
		Termination: tado.Termination{Type: tado.TerminationManual},
	}

	if p := L.GetField(opts, "power"); p != lua.LNil {
		overlay.Power = strings.ToUpper(lua.LVAsString(p))
	}
	if t := L.GetField(opts, "temperature"); t != lua.LNil {
		if num, ok := t.(lua.LNumber); ok {
			overlay.Temperature = &tado.Temperature{Celsius: float64(num)}
		}
	}
	if d := L.GetField(opts, "duration"); d != lua.LNil {
		duration, err := actions.DurationValue(luaToGo(d), 0)
		if err != nil {
			return pushErr(L, err)
		}
		overlay.Termination = tado.Termination{
			Type:            tado.TerminationTimer,
			DurationSeconds: int(duration / time.Second),
		}
	}
	if term := L.GetField(opts, "termination"); term != lua.LNil {
		if strings.EqualFold(lua.LVAsString(term), "next_block") {
			overlay.Termination = tado.Termination{Type: tado.TerminationNextTimeBlock}
		}
	}

	in := batch.NewIntent(batch.ZoneTarget(roomID), batch.OpSetOverlay, batch.Payload{Overlay: overlay})
	if err := m.deps.Commands.Submit(in); err != nil {
		return pushErr(L, err)
	}

	L.Push(lua.LString(in.ID.String()))
	return 1
}

// resume(zone) -> intent_id | nil, err
func (m *tadoModule) resume(L *lua.LState) int {
	roomID, err := m.resolveRoom(L.Get(1))
	if err != nil {
		return pushErr(L, err)
	}

	in := batch.NewIntent(batch.ZoneTarget(roomID), batch.OpResumeSchedule, batch.Payload{})
	if err := m.deps.Commands.Submit(in); err != nil {
		return pushErr(L, err)
	}

	L.Push(lua.LString(in.ID.String()))
	return 1
}

// flush() -> { {intent_id, target, op, class, ok}, ... }
func (m *tadoModule) flush(L *lua.LState) int {
	outcomes := m.deps.Commands.Flush(m.ctx(L))

	tbl := L.NewTable()
	for i, out := range outcomes {
		entry := L.NewTable()
		L.SetField(entry, "intent_id", lua.LString(out.Intent.ID.String()))
		L.SetField(entry, "target", lua.LString(out.Intent.Target.String()))
		L.SetField(entry, "op", lua.LString(string(out.Intent.Op)))
		L.SetField(entry, "class", lua.LString(out.Class.String()))
		L.SetField(entry, "ok", lua.LBool(out.OK()))
		if out.Err != nil {
			L.SetField(entry, "error", lua.LString(out.Err.Error()))
		}
		tbl.RawSetInt(i+1, entry)
	}

	L.Push(tbl)
	return 1
}

// action(name, args) -> true | nil, err
func (m *tadoModule) action(L *lua.LState) int {
	name := L.CheckString(1)
	args := map[string]any{}
	if tbl := L.OptTable(2, nil); tbl != nil {
		args = tableToMap(tbl)
	}

	if err := m.deps.Invoker.Invoke(m.ctx(L), name, args, "", "lua"); err != nil {
		return pushErr(L, err)
	}

	L.Push(lua.LTrue)
	return 1
}

// poll(full) -> true | nil, err
func (m *tadoModule) poll(L *lua.LState) int {
	full := lua.LVAsBool(L.Get(1))

	err := m.deps.Invoker.Invoke(m.ctx(L), "manual_poll", map[string]any{"full": full}, "", "lua")
	if err != nil {
		return pushErr(L, err)
	}

	L.Push(lua.LTrue)
	return 1
}

// rooms() -> { {id, name, type, can_set_temperature, min_celsius, max_celsius}, ... }
func (m *tadoModule) rooms(L *lua.LState) int {
	tbl := L.NewTable()
	for i, room := range m.deps.Cache.Rooms() {
		entry := L.NewTable()
		L.SetField(entry, "id", lua.LNumber(room.ID))
		L.SetField(entry, "name", lua.LString(room.Name))
		L.SetField(entry, "type", lua.LString(room.Type))
		L.SetField(entry, "can_set_temperature", lua.LBool(room.Capabilities.CanSetTemperature))
		L.SetField(entry, "min_celsius", lua.LNumber(room.Capabilities.MinCelsius))
		L.SetField(entry, "max_celsius", lua.LNumber(room.Capabilities.MaxCelsius))
		tbl.RawSetInt(i+1, entry)
	}

	L.Push(tbl)
	return 1
}

// room_state(zone) -> table | nil
func (m *tadoModule) roomState(L *lua.LState) int {
	roomID, err := m.resolveRoom(L.Get(1))
	if err != nil {
		return pushErr(L, err)
	}

	state, ok := m.deps.Cache.RoomState(roomID)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	entry := L.NewTable()
	L.SetField(entry, "id", lua.LNumber(state.ID))
	L.SetField(entry, "name", lua.LString(state.Name))
	if state.InsideTemperature != nil {
		L.SetField(entry, "temperature", lua.LNumber(state.InsideTemperature.Celsius))
	}
	L.SetField(entry, "humidity", lua.LNumber(state.Humidity))
	L.SetField(entry, "heating_power", lua.LNumber(state.HeatingPower))
	L.SetField(entry, "power", lua.LString(state.Setting.Power))
	if state.Setting.Temperature != nil {
		L.SetField(entry, "setpoint", lua.LNumber(state.Setting.Temperature.Celsius))
	}
	L.SetField(entry, "manual_control", lua.LBool(state.ManualControl != nil))
	L.SetField(entry, "open_window", lua.LBool(state.OpenWindow))
	L.SetField(entry, "boost", lua.LBool(state.BoostMode))
	L.SetField(entry, "connected", lua.LBool(state.Connected))

	L.Push(entry)
	return 1
}

// quota() -> {limit, remaining, reset_at, observed_at, rate_limited, status, interval_s}
func (m *tadoModule) quota(L *lua.LState) int {
	state := m.deps.Ledger.Current()
	latch := m.deps.Ledger.RateLimited()
	decision := m.deps.Scheduler.LastDecision()

	entry := L.NewTable()
	L.SetField(entry, "limit", lua.LNumber(state.Limit))
	L.SetField(entry, "remaining", lua.LNumber(state.Remaining))
	if !state.ResetAt.IsZero() {
		L.SetField(entry, "reset_at", lua.LNumber(state.ResetAt.Unix()))
	}
	if !state.ObservedAt.IsZero() {
		L.SetField(entry, "observed_at", lua.LNumber(state.ObservedAt.Unix()))
	}
	L.SetField(entry, "rate_limited", lua.LBool(latch.Active))
	L.SetField(entry, "status", lua.LString(decision.Status.String()))
	L.SetField(entry, "interval_s", lua.LNumber(decision.Interval.Seconds()))

	L.Push(entry)
	return 1
}

// resolveRoom accepts a numeric room id or a case-insensitive room
// name.
func (m *tadoModule) resolveRoom(v lua.LValue) (int, error) {
	switch zone := v.(type) {
	case lua.LNumber:
		return int(zone), nil
	case lua.LString:
		for _, room := range m.deps.Cache.Rooms() {
			if strings.EqualFold(room.Name, string(zone)) {
				return room.ID, nil
			}
		}
		return 0, fmt.Errorf("unknown zone %q", string(zone))
	default:
		return 0, fmt.Errorf("zone must be an id or a name")
	}
}

// ctx returns the work context attached to the VM.
func (m *tadoModule) ctx(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// pushErr reports a failure Lua-style: nil plus message.
func pushErr(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}
