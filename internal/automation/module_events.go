package automation

import (
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/tadoctl/tadod/internal/eventbus"
)

// eventsModule lets scripts register handlers for daemon events:
//
//	events.on_poll(function(ev) ... end)
//	events.on_schedule(function(ev) ... end)
//	events.on_command(function(ev) ... end)
//	events.on_quota(function(ev) ... end)
//
// Handlers run on the Lua worker goroutine. A failing handler logs and
// is kept registered; scripts misbehaving must not stop the daemon.
type eventsModule struct {
	mu       sync.RWMutex
	handlers map[eventbus.Topic][]*lua.LFunction
}

func newEventsModule() *eventsModule {
	return &eventsModule{
		handlers: make(map[eventbus.Topic][]*lua.LFunction),
	}
}

// loader is the module loader for Lua.
func (m *eventsModule) loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "on_poll", L.NewFunction(m.register(eventbus.TopicPollCompleted)))
	L.SetField(mod, "on_schedule", L.NewFunction(m.register(eventbus.TopicScheduleChanged)))
	L.SetField(mod, "on_command", L.NewFunction(m.register(eventbus.TopicCommandCompleted)))
	L.SetField(mod, "on_quota", L.NewFunction(m.register(eventbus.TopicQuotaUpdated)))

	L.Push(mod)
	return 1
}

func (m *eventsModule) register(topic eventbus.Topic) lua.LGFunction {
	return func(L *lua.LState) int {
		fn := L.CheckFunction(1)

		m.mu.Lock()
		m.handlers[topic] = append(m.handlers[topic], fn)
		m.mu.Unlock()

		log.Debug().Str("topic", string(topic)).Msg("Lua event handler registered")
		return 0
	}
}

// wants reports whether any handler listens on the topic. Checked
// before queueing so idle topics cost nothing.
func (m *eventsModule) wants(topic eventbus.Topic) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[topic]) > 0
}

// dispatch calls every handler for the event. Runs on the Lua worker.
func (m *eventsModule) dispatch(L *lua.LState, ev eventbus.Event) {
	m.mu.RLock()
	fns := m.handlers[ev.Topic]
	m.mu.RUnlock()

	payload := mapToTable(L, ev.Data)
	L.SetField(payload, "topic", lua.LString(ev.Topic))
	L.SetField(payload, "at", lua.LNumber(ev.At.Unix()))

	for _, fn := range fns {
		err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, payload)
		if err != nil {
			log.Error().Err(err).
				Str("topic", string(ev.Topic)).
				Msg("Lua event handler failed")
		}
	}
}
