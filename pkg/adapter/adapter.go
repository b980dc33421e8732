// Package adapter defines the contract between the reconciliation engine and
// a remote control plane, and the error classes adapters report through it.
package adapter

import (
	"context"

	"github.com/picklr-io/converge/internal/ir"
)

// Adapter is implemented by every control plane client.
//
// Describe returns (nil, nil) when no resource exists under the key. All
// other methods report failures as *Error values so callers can branch on
// the class.
type Adapter interface {
	Describe(ctx context.Context, key ir.Key) (*ir.Handle, error)
	Create(ctx context.Context, spec ir.Spec) (*ir.Handle, error)
	Delete(ctx context.Context, key ir.Key) error
	Attach(ctx context.Context, rule ir.AttachmentRule) error
}

// Updater is implemented by adapters whose kinds support in-place update
// (template stacks, function code). An update with nothing to change
// returns an error of class Unchanged.
type Updater interface {
	Update(ctx context.Context, spec ir.Spec) (*ir.Handle, error)
}
