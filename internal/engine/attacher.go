package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
)

// Attach outcomes.
const (
	AttachApplied = "applied"
	AttachPresent = "present"
	AttachFailed  = "failed"
)

type AttachFailure struct {
	Rule  ir.AttachmentRule
	Class adapter.Class
	Err   error
}

// AttachResult partitions a batch of rules by outcome. Every input rule
// lands in exactly one list.
type AttachResult struct {
	Parent         ir.Key
	Applied        []ir.AttachmentRule
	AlreadyPresent []ir.AttachmentRule
	Failed         []AttachFailure
}

// Err joins the failures, or returns nil when there are none.
func (r *AttachResult) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// Attacher applies dependent sub-resources best effort.
type Attacher struct {
	adapter  adapter.Adapter
	logger   *slog.Logger
	retry    *RetryPolicy
	recorder Recorder
}

func NewAttacher(a adapter.Adapter, logger *slog.Logger) *Attacher {
	return New(a, WithLogger(logger)).attacher
}

// ApplyAll applies each rule in order, independently of the others. A rule
// without a parent is attached to parent.
func (a *Attacher) ApplyAll(ctx context.Context, parent ir.Key, rules []ir.AttachmentRule) *AttachResult {
	res := &AttachResult{Parent: parent}
	for _, rule := range rules {
		if rule.Parent.IsZero() {
			rule.Parent = parent
		}
		start := time.Now()

		var err error
		if cerr := ctx.Err(); cerr != nil {
			err = adapter.NewError(adapter.ClassCancelled, "attach", rule.Parent, cerr)
		} else {
			err = call(ctx, a.retry, func() error { return a.adapter.Attach(ctx, rule) })
		}

		outcome := AttachApplied
		switch {
		case err == nil:
			res.Applied = append(res.Applied, rule)
		case adapter.IsAlreadyExists(err):
			outcome = AttachPresent
			res.AlreadyPresent = append(res.AlreadyPresent, rule)
		default:
			outcome = AttachFailed
			res.Failed = append(res.Failed, AttachFailure{Rule: rule, Class: adapter.ClassOf(err), Err: err})
		}
		a.recorder.AttachApplied(rule.Kind, outcome)

		attrs := []any{"key", rule.Parent.String(), "attachment", string(rule.Kind), "outcome", outcome, "duration", time.Since(start)}
		if outcome == AttachFailed {
			a.logger.Warn("attach", append(attrs, "error", err)...)
		} else {
			a.logger.Info("attach", attrs...)
		}
	}
	return res
}
