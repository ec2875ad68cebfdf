package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tadoctl/tadod/internal/history"
)

// Invoker executes actions with deduplication through the history
// ledger. Replayed invocations (automation re-fires, API retries with
// the same key) are skipped instead of spending quota twice.
type Invoker struct {
	registry   *Registry
	history    *history.Store
	ctxFactory func(ctx context.Context) *Context
}

// NewInvoker creates a new action invoker. history may be nil, which
// disables deduplication and recording.
func NewInvoker(registry *Registry, h *history.Store, ctxFactory func(ctx context.Context) *Context) *Invoker {
	return &Invoker{
		registry:   registry,
		history:    h,
		ctxFactory: ctxFactory,
	}
}

// HasAction checks if an action is registered
func (i *Invoker) HasAction(actionName string) bool {
	_, exists := i.registry.Get(actionName)
	return exists
}

// Names lists registered actions.
func (i *Invoker) Names() []string {
	return i.registry.Names()
}

// Invoke executes an action with the given idempotency key
// - For automation: idempotencyKey = event occurrence id
// - For the API: idempotencyKey = client-supplied Idempotency-Key header
// - For manual/programmatic calls: idempotencyKey = "" (no dedupe)
func (i *Invoker) Invoke(ctx context.Context, actionName string, args map[string]any, idempotencyKey, source string) error {
	// Check if already completed (dedupe)
	if idempotencyKey != "" && i.history != nil && i.history.HasCommand(idempotencyKey) {
		log.Debug().
			Str("action", actionName).
			Str("idempotency_key", idempotencyKey).
			Msg("Action already completed, skipping")
		return nil
	}

	action, exists := i.registry.Get(actionName)
	if !exists {
		return fmt.Errorf("action %q not found", actionName)
	}

	actx := i.ctxFactory(ctx)

	logEvent := log.Debug().Str("action", actionName).Interface("args", args)
	if source != "" {
		logEvent = logEvent.Str("source", source)
	}
	logEvent.Msg("Executing action")

	started := time.Now()
	err := action.Execute(actx, args)
	i.record(actionName, idempotencyKey, source, started, err)

	if err != nil {
		return fmt.Errorf("action %q: %w", actionName, err)
	}
	return nil
}

// record appends the invocation to the history ledger. Failures only
// log; an unreachable ledger must not fail the action itself.
func (i *Invoker) record(actionName, idempotencyKey, source string, started time.Time, execErr error) {
	if i.history == nil {
		return
	}

	cmd := history.Command{
		IntentID:    idempotencyKey,
		Source:      source,
		TargetKind:  "action",
		TargetID:    actionName,
		Op:          "invoke",
		Class:       "success",
		SubmittedAt: started,
		CompletedAt: time.Now(),
	}
	if cmd.IntentID == "" {
		cmd.IntentID = uuid.NewString()
	}
	if execErr != nil {
		cmd.Class = "error"
		cmd.Error = execErr.Error()
	}

	if err := i.history.RecordCommand(cmd); err != nil {
		log.Error().Err(err).Str("action", actionName).Msg("Failed to record action invocation")
	}
}
