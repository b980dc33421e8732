package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
)

type WaitOutcome int

const (
	WaitSucceeded WaitOutcome = iota
	WaitFailed
	WaitTimeout
	WaitCancelled
)

func (o WaitOutcome) String() string {
	switch o {
	case WaitSucceeded:
		return "succeeded"
	case WaitFailed:
		return "failed"
	case WaitTimeout:
		return "timeout"
	case WaitCancelled:
		return "cancelled"
	}
	return "unknown"
}

// WaitResult reports how a wait ended. Status is the last observed status.
type WaitResult struct {
	Key     ir.Key
	Outcome WaitOutcome
	Status  ir.Status
	Handle  *ir.Handle
	Polls   int
	Elapsed time.Duration
}

// Err converts an unsuccessful outcome into a classified error.
func (r *WaitResult) Err() error {
	switch r.Outcome {
	case WaitSucceeded:
		return nil
	case WaitFailed:
		return adapter.Errorf(adapter.ClassTerminal, "wait", r.Key, "reached %s after %d polls", r.Status, r.Polls)
	case WaitTimeout:
		return adapter.Errorf(adapter.ClassTimeout, "wait", r.Key, "still %s after %d polls (%s)", r.Status, r.Polls, r.Elapsed.Round(time.Millisecond))
	default:
		return adapter.Errorf(adapter.ClassCancelled, "wait", r.Key, "cancelled after %d polls", r.Polls)
	}
}

// Waiter polls a resource at a fixed interval until it reaches a target
// status, a failure status, or the attempt budget runs out.
type Waiter struct {
	adapter  adapter.Adapter
	logger   *slog.Logger
	retry    *RetryPolicy
	recorder Recorder
}

func NewWaiter(a adapter.Adapter, logger *slog.Logger) *Waiter {
	return New(a, WithLogger(logger)).waiter
}

// WaitFor polls spec.Key. An absent resource is observed as Deleted. There
// is no sleep after the final poll. Describe errors end the wait and are
// returned as errors; the outcome only covers observed statuses, the
// attempt budget and cancellation.
func (w *Waiter) WaitFor(ctx context.Context, spec ir.WaitSpec) (*WaitResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, adapter.NewError(adapter.ClassOther, "wait", spec.Key, err)
	}

	start := time.Now()
	res := &WaitResult{Key: spec.Key, Status: ir.StatusUnknown}
	finish := func(o WaitOutcome) (*WaitResult, error) {
		res.Outcome = o
		res.Elapsed = time.Since(start)
		return res, nil
	}

	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return finish(WaitCancelled)
		}

		pollStart := time.Now()
		h, err := describe(ctx, w.adapter, w.retry, spec.Key)
		res.Polls = attempt
		if err != nil {
			if ctx.Err() != nil {
				return finish(WaitCancelled)
			}
			w.logger.Error("wait poll", "key", spec.Key.String(), "attempt", attempt, "duration", time.Since(pollStart), "error", err)
			res.Elapsed = time.Since(start)
			return res, err
		}

		status := ir.StatusDeleted
		if h != nil {
			status = h.Status
		}
		res.Handle, res.Status = h, status
		w.recorder.WaitPolled(spec.Key.Kind, status)
		w.logger.Info("wait poll", "key", spec.Key.String(), "attempt", attempt, "status", status.String(), "duration", time.Since(pollStart))

		switch {
		case spec.Target.Has(status):
			return finish(WaitSucceeded)
		case spec.Failure.Has(status):
			return finish(WaitFailed)
		}
		if attempt == spec.MaxAttempts {
			break
		}

		t := time.NewTimer(spec.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return finish(WaitCancelled)
		case <-t.C:
		}
	}
	return finish(WaitTimeout)
}
