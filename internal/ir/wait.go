package ir

import (
	"fmt"
	"time"
)

// WaitSpec bounds a fixed-interval poll of a resource's status.
type WaitSpec struct {
	Key          Key
	Target       StatusSet
	Failure      StatusSet
	PollInterval time.Duration
	MaxAttempts  int
}

// Budget is the longest a wait can take.
func (w WaitSpec) Budget() time.Duration {
	if w.MaxAttempts <= 1 {
		return 0
	}
	return time.Duration(w.MaxAttempts-1) * w.PollInterval
}

func (w WaitSpec) Validate() error {
	if w.Key.IsZero() {
		return fmt.Errorf("wait: key is required")
	}
	if len(w.Target) == 0 {
		return fmt.Errorf("wait %s: target status set is empty", w.Key)
	}
	if w.MaxAttempts <= 0 {
		return fmt.Errorf("wait %s: max attempts must be positive, got %d", w.Key, w.MaxAttempts)
	}
	if w.PollInterval < 0 {
		return fmt.Errorf("wait %s: poll interval must not be negative", w.Key)
	}
	for _, st := range w.Target {
		if w.Failure.Has(st) {
			return fmt.Errorf("wait %s: status %s is both target and failure", w.Key, st)
		}
	}
	return nil
}

type waitDefaults struct {
	interval time.Duration
	attempts int
}

var kindWaitDefaults = map[Kind]waitDefaults{
	KindCluster:   {30 * time.Second, 40},
	KindNodeGroup: {30 * time.Second, 40},
	KindStack:     {15 * time.Second, 120},
	KindInstance:  {5 * time.Second, 60},
	KindWorkload:  {10 * time.Second, 30},
}

var defaultWait = waitDefaults{5 * time.Second, 60}

// DefaultWait builds a WaitSpec with the kind's poll interval and attempt
// budget. Waits targeting Active also fail on Deleting and Deleted.
func DefaultWait(key Key, target ...Status) WaitSpec {
	d, ok := kindWaitDefaults[key.Kind]
	if !ok {
		d = defaultWait
	}
	failure := StatusSet{StatusFailed}
	if StatusSet(target).Has(StatusActive) {
		failure = append(failure, StatusDeleting, StatusDeleted)
	}
	return WaitSpec{
		Key:          key,
		Target:       append(StatusSet(nil), target...),
		Failure:      failure,
		PollInterval: d.interval,
		MaxAttempts:  d.attempts,
	}
}
