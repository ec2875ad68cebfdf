// Package automation runs user Lua scripts against daemon events.
// Scripts register handlers for poll, schedule and command events and
// drive the command engine through the tado module. All Lua execution
// happens on one goroutine; everything else queues work onto it.
package automation

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/tadoctl/tadod/internal/eventbus"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = fmt.Errorf("lua runtime closed")

// Work represents work to be executed on the Lua VM
// All Lua execution MUST go through this to ensure thread safety
type Work func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L *lua.LState

	tadoModule   *tadoModule
	kvModule     *kvModule
	eventsModule *eventsModule

	// Work queue for thread-safe Lua execution
	workQueue chan Work

	// Shutdown signaling - closing this channel signals senders to stop
	// Using a channel in select is race-free (unlike mutex + bool)
	closing   chan struct{}
	closeOnce sync.Once
}

// NewRuntime creates a new Lua runtime around the daemon capabilities.
func NewRuntime(deps Deps) *Runtime {
	L := lua.NewState()

	r := &Runtime{
		L:         L,
		workQueue: make(chan Work, 100),
		closing:   make(chan struct{}),
	}

	r.registerModules(deps)

	return r
}

// Close signals the runtime to stop accepting new work and closes the Lua state.
// This is safe to call concurrently with Do/DoSync - they will see the closing signal.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
	})
	// Note: We don't close workQueue to avoid send-on-closed-channel panics.
	// Run() will exit when it sees the closing signal.
	r.L.Close()
}

// Do queues work to be executed on the Lua VM (thread-safe, non-blocking)
// Returns false if the runtime is closing, queue is full, or context is cancelled.
func (r *Runtime) Do(ctx context.Context, work Work) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// DoSync queues work and blocks until there's space (thread-safe, blocking)
// Returns error if the runtime is closing or context is cancelled.
func (r *Runtime) DoSync(ctx context.Context, work Work) error {
	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- work:
		return nil
	}
}

// registerModules registers all Lua modules
func (r *Runtime) registerModules(deps Deps) {
	// Log module
	logModule := newLogModule()
	r.L.PreloadModule("log", logModule.loader)

	// KV module
	r.kvModule = newKVModule(deps.KV)
	r.L.PreloadModule("kv", r.kvModule.loader)

	// Tado module (commands, actions, snapshots)
	r.tadoModule = newTadoModule(deps)
	r.L.PreloadModule("tado", r.tadoModule.loader)

	// Events module (handler registration)
	r.eventsModule = newEventsModule()
	r.L.PreloadModule("events", r.eventsModule.loader)
}

// Run starts the Lua worker goroutine - this is the ONLY goroutine that touches Lua
// It includes panic recovery to prevent crashes from killing the worker.
// Exits when context is cancelled or runtime is closed.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			r.drainQueue(ctx)
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

// drainQueue processes any remaining work in the queue before exiting
func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work Work) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	// Set context on LState so modules can access it via L.Context()
	r.L.SetContext(ctx)
	work(ctx)
}

// LoadScripts loads every *.lua script from dir in name order.
// Must be called before Run.
func (r *Runtime) LoadScripts(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return fmt.Errorf("failed to list scripts in %s: %w", dir, err)
	}
	if len(paths) == 0 {
		log.Warn().Str("dir", dir).Msg("No Lua scripts found")
		return nil
	}
	sort.Strings(paths)

	for _, path := range paths {
		log.Info().Str("path", path).Msg("Loading Lua script")
		if err := r.L.DoFile(path); err != nil {
			return fmt.Errorf("failed to execute Lua script %s: %w", path, err)
		}
	}

	log.Info().Int("scripts", len(paths)).Msg("Lua scripts loaded")
	return nil
}

// HandleEvent queues the registered Lua handlers for one bus event.
// Dropped events (queue full, shutting down) only log; automation never
// applies backpressure to the daemon.
func (r *Runtime) HandleEvent(ctx context.Context, ev eventbus.Event) {
	if !r.eventsModule.wants(ev.Topic) {
		return
	}
	r.Do(ctx, func(context.Context) {
		r.eventsModule.dispatch(r.L, ev)
	})
}
