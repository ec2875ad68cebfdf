package automation

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// logModule provides logging functions to Lua
type logModule struct{}

func newLogModule() *logModule {
	return &logModule{}
}

// loader is the module loader for Lua
func (m *logModule) loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "debug", L.NewFunction(m.level(zerolog.DebugLevel)))
	L.SetField(mod, "info", L.NewFunction(m.level(zerolog.InfoLevel)))
	L.SetField(mod, "warn", L.NewFunction(m.level(zerolog.WarnLevel)))
	L.SetField(mod, "error", L.NewFunction(m.level(zerolog.ErrorLevel)))

	L.Push(mod)
	return 1
}

// level builds a log function for one severity:
//
//	log.info(msg, { field = value })
func (m *logModule) level(lvl zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		fields := m.parseFields(L, 2)

		event := log.WithLevel(lvl).Str("source", "lua")
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg(msg)

		return 0
	}
}

func (m *logModule) parseFields(L *lua.LState, argIndex int) map[string]any {
	fields := make(map[string]any)

	arg := L.Get(argIndex)
	if arg == lua.LNil {
		return fields
	}

	if tbl, ok := arg.(*lua.LTable); ok {
		tbl.ForEach(func(key, value lua.LValue) {
			fields[lua.LVAsString(key)] = luaToGo(value)
		})
	}

	return fields
}
