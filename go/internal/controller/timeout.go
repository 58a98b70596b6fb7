package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/models"
	"github.com/rgoulet/examd/go/internal/timing"
)

// DispatchTimeout is the watchdog entry point: it re-evaluates the session's
// constraints under strict settings and, when one has genuinely expired,
// dispatches a timeout action for the innermost expired source. The second
// return reports whether a timeout actually fired; a deadline that raced a
// faster client action resolves to a quiet no-op.
func (c *Controller) DispatchTimeout(ctx context.Context, sessionID uuid.UUID) (Response, bool) {
	req, err := c.buildRequest(ctx, sessionID, models.Action{Kind: models.ActionTimeout})
	if err != nil {
		return failure(CodeInternal, err.Error()), false
	}
	if terminal(req.sctx.Session.Status) || req.sctx.Session.Status == models.SessionStatusSuspended {
		return Response{Success: true}, false
	}

	eval := c.evaluator(req, req.sctx.Position)
	expired, ok := expiredConstraint(eval, req.pool.Remaining())
	if !ok {
		// The client acted before the deadline fired; reschedule off the
		// current constraints instead of timing out.
		if err := c.updateDeadline(ctx, req, eval); err != nil {
			return failure(CodeInternal, err.Error()), false
		}
		log.Debug().Str("session_id", sessionID.String()).Msg("deadline fired but no constraint expired; rescheduled")
		return Response{Success: true}, false
	}

	action := models.Action{Kind: models.ActionTimeout, ClientID: uuid.NewString(), Timestamp: c.clock.Now()}
	if err := action.SetParam("scope", expired.Scope.String()); err != nil {
		return failure(CodeInternal, fmt.Sprintf("build timeout action: %v", err)), false
	}
	if err := action.SetParam("source", expired.Source); err != nil {
		return failure(CodeInternal, fmt.Sprintf("build timeout action: %v", err)), false
	}
	if err := action.SetParam("direction", string(models.DirectionNext)); err != nil {
		return failure(CodeInternal, fmt.Sprintf("build timeout action: %v", err)), false
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("source", expired.Source).
		Str("scope", expired.Scope.String()).
		Msg("server-initiated timeout")
	return c.Dispatch(ctx, sessionID, action), true
}

// expiredConstraint returns the innermost constraint whose strict maximum has
// been exceeded.
func expiredConstraint(eval *timing.Evaluator, remaining time.Duration) (timing.Constraint, bool) {
	for _, constraint := range eval.Constraints(timing.ScopeAll) {
		constraint.ConsiderMinTime = false
		if constraint.Exceeded(remaining) {
			return constraint, true
		}
	}
	return timing.Constraint{}, false
}
