// Package engine reconciles resources against eventually consistent control
// planes: it creates what is missing, waits for usable states and attaches
// dependent sub-resources, one pipeline step at a time.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/internal/logging"
	"github.com/picklr-io/converge/pkg/adapter"
)

// Engine runs pipelines against one adapter.
type Engine struct {
	adapter  adapter.Adapter
	logger   *slog.Logger
	retry    *RetryPolicy
	recorder Recorder
	callback StepCallback

	creator  *Creator
	waiter   *Waiter
	attacher *Attacher
}

type Option func(*Engine)

// WithLogger sets the audit logger. The default discards records.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRetryPolicy retries adapter calls that fail with a transient error.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithRecorder reports step, poll and attach outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithCallback is invoked for every step start, completion and failure.
func WithCallback(cb StepCallback) Option {
	return func(e *Engine) { e.callback = cb }
}

func New(a adapter.Adapter, opts ...Option) *Engine {
	e := &Engine{adapter: a}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	e.creator = &Creator{adapter: a, logger: e.logger, retry: e.retry}
	e.waiter = &Waiter{adapter: a, logger: e.logger, retry: e.retry, recorder: e.recorder}
	e.attacher = &Attacher{adapter: a, logger: e.logger, retry: e.retry, recorder: e.recorder}
	return e
}

func (e *Engine) Creator() *Creator   { return e.creator }
func (e *Engine) Waiter() *Waiter     { return e.waiter }
func (e *Engine) Attacher() *Attacher { return e.attacher }

// Recorder receives outcome counts. Implementations must be safe for
// concurrent use.
type Recorder interface {
	StepFinished(pipeline string, action Action, result string, d time.Duration)
	WaitPolled(kind ir.Kind, status ir.Status)
	AttachApplied(kind ir.AttachmentKind, result string)
}

type nopRecorder struct{}

func (nopRecorder) StepFinished(string, Action, string, time.Duration) {}
func (nopRecorder) WaitPolled(ir.Kind, ir.Status)                      {}
func (nopRecorder) AttachApplied(ir.AttachmentKind, string)            {}

// StepEvent represents a progress event during a pipeline run.
type StepEvent struct {
	Pipeline string
	Index    int
	Step     Step
	Status   string // "started", "completed", "skipped", "failed"
	Duration time.Duration
	Handle   *ir.Handle
	Error    error
}

// StepCallback is called for each step event if set.
type StepCallback func(event StepEvent)

func (e *Engine) emit(ev StepEvent) {
	if e.callback != nil {
		e.callback(ev)
	}
}

// call runs one adapter operation under the retry policy, if any.
func call(ctx context.Context, policy *RetryPolicy, fn func() error) error {
	return RetryWithBackoff(ctx, policy, fn, IsTransientError)
}

func describe(ctx context.Context, a adapter.Adapter, policy *RetryPolicy, key ir.Key) (*ir.Handle, error) {
	var h *ir.Handle
	err := call(ctx, policy, func() error {
		var err error
		h, err = a.Describe(ctx, key)
		return err
	})
	return h, err
}
