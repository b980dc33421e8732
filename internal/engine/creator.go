package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
)

// Audit outcomes of a creator call.
const (
	OutcomeExisting  = "existing"
	OutcomeCreated   = "created"
	OutcomeRaced     = "raced"
	OutcomeRecovered = "recovered"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// Creator makes a resource exist without ever creating a duplicate.
type Creator struct {
	adapter adapter.Adapter
	logger  *slog.Logger
	retry   *RetryPolicy
}

func NewCreator(a adapter.Adapter, logger *slog.Logger) *Creator {
	return New(a, WithLogger(logger)).creator
}

// Ensure returns the live resource under spec.Key, creating it when absent.
// An existing resource is returned as is; its properties are not compared.
// A create that loses a race to another caller resolves to the winner's
// resource.
func (c *Creator) Ensure(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	start := time.Now()
	h, err := describe(ctx, c.adapter, c.retry, spec.Key)
	if err != nil {
		c.audit("ensure", spec.Key, OutcomeFailed, start, err)
		return nil, err
	}
	if h.Live() {
		c.audit("ensure", spec.Key, OutcomeExisting, start, nil)
		return h, nil
	}
	return c.create(ctx, "ensure", spec, start)
}

// Upsert is Ensure for kinds that support in-place update: an existing
// resource is updated, and an update with nothing to change is success.
// Adapters without Updater get Ensure semantics.
func (c *Creator) Upsert(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	u, ok := c.adapter.(adapter.Updater)
	if !ok {
		return c.Ensure(ctx, spec)
	}

	start := time.Now()
	h, err := describe(ctx, c.adapter, c.retry, spec.Key)
	if err != nil {
		c.audit("upsert", spec.Key, OutcomeFailed, start, err)
		return nil, err
	}
	if !h.Live() {
		return c.create(ctx, "upsert", spec, start)
	}

	var updated *ir.Handle
	err = call(ctx, c.retry, func() error {
		var err error
		updated, err = u.Update(ctx, spec)
		return err
	})
	switch {
	case err == nil:
		c.audit("upsert", spec.Key, OutcomeUpdated, start, nil)
		if updated == nil {
			updated = h
		}
		return updated, nil
	case adapter.IsUnchanged(err):
		c.audit("upsert", spec.Key, OutcomeUnchanged, start, nil)
		return h, nil
	default:
		c.audit("upsert", spec.Key, OutcomeFailed, start, err)
		return nil, err
	}
}

// create calls Create under the retry policy. A failed create may have
// taken effect remotely: every retry first looks the key up again and
// returns a live resource it finds.
func (c *Creator) create(ctx context.Context, op string, spec ir.Spec, start time.Time) (*ir.Handle, error) {
	var (
		h         *ir.Handle
		attempts  int
		recovered bool
	)
	err := call(ctx, c.retry, func() error {
		attempts++
		if attempts > 1 {
			existing, err := c.adapter.Describe(ctx, spec.Key)
			if err != nil {
				return err
			}
			if existing.Live() {
				h, recovered = existing, true
				return nil
			}
		}
		var err error
		h, err = c.adapter.Create(ctx, spec)
		return err
	})
	if err == nil {
		outcome := OutcomeCreated
		if recovered {
			outcome = OutcomeRecovered
		}
		c.audit(op, spec.Key, outcome, start, nil)
		return h, nil
	}
	if !adapter.IsAlreadyExists(err) {
		c.audit(op, spec.Key, OutcomeFailed, start, err)
		return nil, err
	}

	// Someone else created it between our describe and create.
	existing, derr := describe(ctx, c.adapter, c.retry, spec.Key)
	switch {
	case derr != nil:
		err = derr
	case existing == nil:
		err = adapter.NewError(adapter.ClassOther, op, spec.Key,
			fmt.Errorf("create reported an existing resource that cannot be found: %w", err))
	case !existing.Live():
		err = adapter.Errorf(adapter.ClassTerminal, op, spec.Key, "resource is being deleted")
	default:
		c.audit(op, spec.Key, OutcomeRaced, start, nil)
		return existing, nil
	}
	c.audit(op, spec.Key, OutcomeFailed, start, err)
	return nil, err
}

func (c *Creator) audit(op string, key ir.Key, outcome string, start time.Time, err error) {
	attrs := []any{"op", op, "key", key.String(), "outcome", outcome, "duration", time.Since(start)}
	if err != nil {
		c.logger.Error("reconcile", append(attrs, "class", adapter.ClassOf(err).String(), "error", err)...)
		return
	}
	c.logger.Info("reconcile", attrs...)
}
