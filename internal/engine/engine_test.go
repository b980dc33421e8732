package engine

import (
	"context"
	"sync"
	"time"

	"github.com/picklr-io/converge/internal/ir"
)

// scriptedAdapter answers Describe from a queue of statuses and counts calls.
type scriptedAdapter struct {
	mu          sync.Mutex
	statuses    []ir.Status
	describeErr error
	createErr   error
	describes   int
	creates     int
}

func (a *scriptedAdapter) Describe(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.describes++
	if a.describeErr != nil {
		return nil, a.describeErr
	}
	if len(a.statuses) == 0 {
		return nil, nil
	}
	st := a.statuses[0]
	if len(a.statuses) > 1 {
		a.statuses = a.statuses[1:]
	}
	if st == ir.StatusDeleted {
		return nil, nil
	}
	return &ir.Handle{Key: key, ID: "id-" + key.Name, Status: st}, nil
}

func (a *scriptedAdapter) Create(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates++
	if a.createErr != nil {
		return nil, a.createErr
	}
	return &ir.Handle{Key: spec.Key, ID: "id-" + spec.Key.Name, Status: ir.StatusPending}, nil
}

func (a *scriptedAdapter) Delete(ctx context.Context, key ir.Key) error { return nil }

func (a *scriptedAdapter) Attach(ctx context.Context, rule ir.AttachmentRule) error { return nil }

// countingRecorder captures recorder calls.
type countingRecorder struct {
	mu      sync.Mutex
	steps   map[string]int
	polls   int
	attachs map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{steps: map[string]int{}, attachs: map[string]int{}}
}

func (r *countingRecorder) StepFinished(pipeline string, action Action, result string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[string(action)+"/"+result]++
}

func (r *countingRecorder) WaitPolled(kind ir.Kind, status ir.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
}

func (r *countingRecorder) AttachApplied(kind ir.AttachmentKind, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachs[result]++
}

func thingKey(name string) ir.Key {
	return ir.Key{Kind: ir.KindThing, Name: name}
}

func fastWait(key ir.Key, attempts int, target ...ir.Status) ir.WaitSpec {
	return ir.WaitSpec{
		Key:          key,
		Target:       target,
		Failure:      ir.StatusSet{ir.StatusFailed},
		PollInterval: time.Millisecond,
		MaxAttempts:  attempts,
	}
}
