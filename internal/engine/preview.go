package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/picklr-io/converge/internal/ir"
)

// Preview describes every resource the pipeline touches and predicts each
// step's effect. It never calls Create, Update, Delete or Attach.
func (e *Engine) Preview(ctx context.Context, p *Pipeline) (*ir.Plan, error) {
	plan := &ir.Plan{Unit: p.Name}
	cache := ir.NewState()

	for i, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return plan, fmt.Errorf("preview cancelled: %w", err)
		}
		s, err := resolveStep(step, cache)
		unresolved := errors.Is(err, errUnresolved)
		if err != nil && !unresolved {
			return plan, fmt.Errorf("step %d: %w", i, err)
		}

		c := &ir.Change{Index: i, Step: string(step.Action), Key: step.Target()}
		if !unresolved {
			c.Key = s.Target()
		}

		switch step.Action {
		case ActionEnsure, ActionUpsert, ActionLookup, ActionDelete:
			if unresolved {
				if step.Action == ActionEnsure || step.Action == ActionUpsert {
					c.Action, c.Detail = "create", "depends on a resource created earlier in the unit"
				} else {
					c.Action, c.Detail = "noop", "parent does not exist"
				}
				break
			}
			h, err := describe(ctx, e.adapter, e.retry, s.Target())
			if err != nil {
				return plan, fmt.Errorf("step %d: %w", i, err)
			}
			if h != nil {
				c.Status = h.Status.String()
			}
			c.Action = previewAction(step.Action, h)
			if h.Live() {
				cache.Put(h)
			}
		case ActionAttach:
			c.Action = "attach"
			c.Detail = fmt.Sprintf("%d rule(s)", len(step.Rules))
		case ActionWait:
			c.Action = "wait"
			c.Detail = fmt.Sprintf("until %s, every %s up to %d polls", step.Wait.Target, step.Wait.PollInterval, step.Wait.MaxAttempts)
		}
		plan.Add(c)
	}
	return plan, nil
}

func previewAction(a Action, h *ir.Handle) string {
	switch a {
	case ActionEnsure:
		if h.Live() {
			return "reuse"
		}
		return "create"
	case ActionUpsert:
		if h.Live() {
			return "update"
		}
		return "create"
	case ActionDelete:
		if h != nil && h.Status != ir.StatusDeleted {
			return "delete"
		}
	}
	return "noop"
}
