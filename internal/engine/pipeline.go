package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
)

type Action string

const (
	ActionEnsure Action = "ensure"
	ActionUpsert Action = "upsert"
	ActionAttach Action = "attach"
	ActionWait   Action = "wait"
	ActionDelete Action = "delete"
	// ActionLookup records an existing resource's handle for later
	// references without changing anything. Destroy pipelines start with it.
	ActionLookup Action = "lookup"
)

// Step is one pipeline stage. Which fields are used depends on Action.
type Step struct {
	Action   Action
	Spec     ir.Spec             // ensure, upsert
	Key      ir.Key              // attach (parent), delete, lookup
	Rules    []ir.AttachmentRule // attach
	Wait     ir.WaitSpec         // wait
	Required bool                // attach: halt the pipeline when any rule fails
}

func Ensure(spec ir.Spec) Step { return Step{Action: ActionEnsure, Spec: spec} }
func Upsert(spec ir.Spec) Step { return Step{Action: ActionUpsert, Spec: spec} }
func Delete(key ir.Key) Step   { return Step{Action: ActionDelete, Key: key} }
func Lookup(key ir.Key) Step   { return Step{Action: ActionLookup, Key: key} }
func Wait(w ir.WaitSpec) Step  { return Step{Action: ActionWait, Wait: w} }

// WaitUntil waits for key to reach target with the kind's default budget.
func WaitUntil(key ir.Key, target ...ir.Status) Step {
	return Wait(ir.DefaultWait(key, target...))
}

func Attach(parent ir.Key, rules ...ir.AttachmentRule) Step {
	return Step{Action: ActionAttach, Key: parent, Rules: rules}
}

// MustAttach is Attach with failures halting the pipeline.
func MustAttach(parent ir.Key, rules ...ir.AttachmentRule) Step {
	s := Attach(parent, rules...)
	s.Required = true
	return s
}

// Target is the key the step operates on.
func (s Step) Target() ir.Key {
	switch s.Action {
	case ActionEnsure, ActionUpsert:
		return s.Spec.Key
	case ActionWait:
		return s.Wait.Key
	default:
		return s.Key
	}
}

func (s Step) String() string {
	return fmt.Sprintf("%s %s", s.Action, s.Target())
}

// tolerant steps treat an unresolvable reference as "the parent is already
// gone", which means there is nothing left to do.
func (s Step) tolerant() bool {
	switch s.Action {
	case ActionDelete, ActionLookup:
		return true
	case ActionWait:
		return s.Wait.Target.Has(ir.StatusDeleted)
	}
	return false
}

// Pipeline is an ordered list of steps run strictly in sequence.
type Pipeline struct {
	Name  string
	Steps []Step
}

// StepFailure identifies the step that halted a pipeline.
type StepFailure struct {
	Index int
	Step  Step
	Key   ir.Key
	Class adapter.Class
	Err   error
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %d (%s %s) failed [%s]: %v", f.Index, f.Step.Action, f.Key, f.Class, f.Err)
}

func (f *StepFailure) Unwrap() error { return f.Err }

// Result summarizes a run. Completed counts the steps that finished before
// the first failure.
type Result struct {
	Pipeline     string
	Completed    int
	FirstFailure *StepFailure
	Handles      *ir.State
	Attachments  []*AttachResult
	Waits        []*WaitResult
	Duration     time.Duration
}

// Err returns the first failure, or nil for a run that finished every step.
func (r *Result) Err() error {
	if r.FirstFailure == nil {
		return nil
	}
	return r.FirstFailure
}

// Run executes the pipeline steps in order and stops at the first failing
// ensure, upsert, wait or delete step (or a required attach). Nothing is
// rolled back: every step is safe to run again.
func (e *Engine) Run(ctx context.Context, p *Pipeline) *Result {
	start := time.Now()
	res := &Result{Pipeline: p.Name, Handles: ir.NewState()}
	e.logger.Info("pipeline started", "unit", p.Name, "steps", len(p.Steps))

	for i, step := range p.Steps {
		stepStart := time.Now()
		e.emit(StepEvent{Pipeline: p.Name, Index: i, Step: step, Status: "started"})

		var (
			h       *ir.Handle
			skipped bool
			err     error
		)
		if cerr := ctx.Err(); cerr != nil {
			err = adapter.NewError(adapter.ClassCancelled, string(step.Action), step.Target(), cerr)
		} else {
			h, skipped, err = e.runStep(ctx, step, res)
		}
		d := time.Since(stepStart)

		if err != nil {
			res.FirstFailure = &StepFailure{Index: i, Step: step, Key: step.Target(), Class: adapter.ClassOf(err), Err: err}
			e.recorder.StepFinished(p.Name, step.Action, "failed", d)
			e.emit(StepEvent{Pipeline: p.Name, Index: i, Step: step, Status: "failed", Duration: d, Error: err})
			e.logger.Error("pipeline halted", "unit", p.Name, "step", i, "action", string(step.Action),
				"key", step.Target().String(), "class", res.FirstFailure.Class.String(), "error", err)
			break
		}

		res.Completed++
		status := "completed"
		if skipped {
			status = "skipped"
		}
		e.recorder.StepFinished(p.Name, step.Action, status, d)
		e.emit(StepEvent{Pipeline: p.Name, Index: i, Step: step, Status: status, Duration: d, Handle: h})
	}

	res.Duration = time.Since(start)
	e.logger.Info("pipeline finished", "unit", p.Name, "completed", res.Completed, "steps", len(p.Steps),
		"halted", res.FirstFailure != nil, "duration", res.Duration)
	return res
}

func (e *Engine) runStep(ctx context.Context, step Step, res *Result) (*ir.Handle, bool, error) {
	s, err := resolveStep(step, res.Handles)
	if err != nil {
		if errors.Is(err, errUnresolved) && step.tolerant() {
			e.logger.Info("step skipped", "unit", res.Pipeline, "action", string(step.Action), "key", step.Target().String(), "reason", err.Error())
			return nil, true, nil
		}
		return nil, false, adapter.NewError(adapter.ClassOther, "resolve", step.Target(), err)
	}

	switch s.Action {
	case ActionEnsure, ActionUpsert:
		var h *ir.Handle
		if s.Action == ActionEnsure {
			h, err = e.creator.Ensure(ctx, s.Spec)
		} else {
			h, err = e.creator.Upsert(ctx, s.Spec)
		}
		if err != nil {
			return nil, false, err
		}
		res.Handles.Put(h)
		return h, false, nil

	case ActionLookup:
		h, err := describe(ctx, e.adapter, e.retry, s.Key)
		if err != nil {
			return nil, false, err
		}
		if !h.Live() {
			return nil, true, nil
		}
		res.Handles.Put(h)
		return h, false, nil

	case ActionAttach:
		ar := e.attacher.ApplyAll(ctx, s.Key, s.Rules)
		res.Attachments = append(res.Attachments, ar)
		if s.Required && len(ar.Failed) > 0 {
			f := ar.Failed[0]
			return nil, false, adapter.NewError(f.Class, "attach", f.Rule.Parent, ar.Err())
		}
		return nil, false, nil

	case ActionWait:
		wr, err := e.waiter.WaitFor(ctx, s.Wait)
		if wr != nil {
			res.Waits = append(res.Waits, wr)
		}
		if err != nil {
			return nil, false, err
		}
		if err := wr.Err(); err != nil {
			return wr.Handle, false, err
		}
		if wr.Handle.Live() {
			res.Handles.Put(wr.Handle)
		} else {
			res.Handles.Remove(s.Wait.Key)
		}
		return wr.Handle, false, nil

	case ActionDelete:
		err := call(ctx, e.retry, func() error { return e.adapter.Delete(ctx, s.Key) })
		outcome := "deleted"
		if adapter.IsNotFound(err) {
			outcome, err = "absent", nil
		}
		if err != nil {
			e.logger.Error("delete", "key", s.Key.String(), "outcome", OutcomeFailed, "error", err)
			return nil, false, err
		}
		e.logger.Info("delete", "key", s.Key.String(), "outcome", outcome)
		return nil, false, nil
	}
	return nil, false, adapter.Errorf(adapter.ClassOther, string(s.Action), s.Target(), "unknown step action %q", s.Action)
}

// Destroy builds the teardown pipeline of p: it looks up every resource p
// ensures so references resolve, then deletes them in reverse order and
// waits for each to disappear.
func Destroy(p *Pipeline) *Pipeline {
	out := Inspect(p)
	owned := make([]ir.Key, len(out.Steps))
	for i, s := range out.Steps {
		owned[i] = s.Key
	}
	for i := len(owned) - 1; i >= 0; i-- {
		out.Steps = append(out.Steps, Delete(owned[i]), WaitUntil(owned[i], ir.StatusDeleted))
	}
	return out
}

// Inspect builds a read-only pipeline that looks up every resource p
// ensures. Running it collects the live handles without changing anything.
func Inspect(p *Pipeline) *Pipeline {
	out := &Pipeline{Name: p.Name}
	for _, s := range p.Steps {
		if s.Action == ActionEnsure || s.Action == ActionUpsert {
			out.Steps = append(out.Steps, Lookup(s.Spec.Key))
		}
	}
	return out
}
