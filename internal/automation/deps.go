package automation

import (
	"github.com/tadoctl/tadod/internal/actions"
	"github.com/tadoctl/tadod/internal/kv"
	"github.com/tadoctl/tadod/internal/quota"
	"github.com/tadoctl/tadod/internal/tado"
)

// Deps groups all dependencies needed by the Lua runtime.
// This reduces constructor parameter count and makes dependencies explicit.
type Deps struct {
	Commands  actions.Commands
	Invoker   *actions.Invoker
	Cache     *tado.Cache
	Ledger    *quota.Ledger
	Scheduler *quota.Scheduler
	KV        *kv.Manager
}
