// Package actions provides the action registry and invocation system.
// Actions are named bulk operations (resume everything, boost every
// room) invoked from the HTTP API and from Lua automation.
package actions

import (
	"context"

	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/poll"
	"github.com/tadoctl/tadod/internal/tado"
)

// Commands queues intents and forces them out. Actions are the urgent
// path, so they flush explicitly instead of waiting for the window.
type Commands interface {
	Submit(in batch.Intent) error
	Flush(ctx context.Context) []batch.Outcome
}

// Poller runs an out-of-band refresh cycle.
type Poller interface {
	PollNow(ctx context.Context, full bool) (poll.CycleResult, error)
}

// Context is the capability interface provided to actions
// It exposes stable methods, not raw pointers
type Context struct {
	ctx       context.Context // Go context for cancellation/timeout
	cache     *tado.Cache
	commands  Commands
	poller    Poller
	runAction func(name string, args map[string]any) error
}

// NewContext creates a new action context
func NewContext(
	ctx context.Context,
	cache *tado.Cache,
	commands Commands,
	poller Poller,
	runAction func(name string, args map[string]any) error,
) *Context {
	return &Context{
		ctx:       ctx,
		cache:     cache,
		commands:  commands,
		poller:    poller,
		runAction: runAction,
	}
}

// Ctx returns the Go context for cancellation
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// Rooms returns the cached room metadata snapshot.
func (c *Context) Rooms() []tado.Room {
	return c.cache.Rooms()
}

// Room resolves one cached room by ID.
func (c *Context) Room(id int) (tado.Room, bool) {
	return c.cache.Room(id)
}

// Submit queues one intent into the open batch window.
func (c *Context) Submit(in batch.Intent) error {
	return c.commands.Submit(in)
}

// Flush dispatches everything pending and reports per-intent outcomes.
func (c *Context) Flush() []batch.Outcome {
	return c.commands.Flush(c.ctx)
}

// Poll runs an immediate out-of-band cycle.
func (c *Context) Poll(full bool) error {
	if c.poller == nil {
		return nil
	}
	_, err := c.poller.PollNow(c.ctx, full)
	return err
}

// RunAction runs another action by name (for composition)
func (c *Context) RunAction(name string, args map[string]any) error {
	if c.runAction != nil {
		return c.runAction(name, args)
	}
	return nil
}
