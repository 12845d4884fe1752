package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/hearth/internal/config"
	"github.com/basket/hearth/internal/policy"
	"github.com/basket/hearth/internal/store"
	"github.com/basket/hearth/internal/tools"
)

// dispatchWithRetry executes one tool call through the router, retrying
// execution failures up to the attempt bound. Validation, not-found, and
// policy outcomes are deterministic and never retried. After exhausting
// attempts the result carries a soft output instead of propagating the
// error upward.
func dispatchWithRetry(ctx context.Context, router *tools.Registry, sess *store.Session, ownerID string, scope policy.Scope, tc ToolCallRequest, limits config.LimitsConfig, logger *slog.Logger) tools.Result {
	toolTimeout := time.Duration(limits.ToolTimeoutSeconds) * time.Second
	var res tools.Result
	for attempt := 1; attempt <= limits.MaxToolAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if toolTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, toolTimeout)
		}
		res = router.Dispatch(callCtx, &tools.Call{
			Name:    tc.Name,
			Args:    tc.Args,
			OwnerID: ownerID,
			Scope:   scope,
			Session: sess,
		})
		if cancel != nil {
			cancel()
		}
		if res.Success || res.Code != tools.CodeExecution {
			return res
		}
		logger.Warn("tool attempt failed",
			"tool", tc.Name, "attempt", attempt, "error", res.Error)
	}
	res.Output = "couldn't complete that"
	return res
}
