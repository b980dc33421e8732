package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var thing = ir.Key{Kind: ir.KindThing, Name: "a"}

func TestProvider_Lifecycle(t *testing.T) {
	p := New(WithPendingPolls(1))
	ctx := context.Background()

	// 1. Absent
	h, err := p.Describe(ctx, thing)
	require.NoError(t, err)
	assert.Nil(t, h)

	// 2. Create, pending for one describe
	h, err = p.Create(ctx, ir.Spec{Key: thing, Properties: map[string]any{"size": "small"}})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPending, h.Status)
	assert.Equal(t, "thing-1", h.ID)
	assert.Equal(t, "small", h.Attributes["size"])

	h, _ = p.Describe(ctx, thing)
	assert.Equal(t, ir.StatusPending, h.Status)
	h, _ = p.Describe(ctx, thing)
	assert.Equal(t, ir.StatusActive, h.Status)

	// 3. Duplicate create
	_, err = p.Create(ctx, ir.Spec{Key: thing})
	assert.True(t, adapter.IsAlreadyExists(err))

	// 4. Delete goes through Deleting
	require.NoError(t, p.Delete(ctx, thing))
	h, _ = p.Describe(ctx, thing)
	assert.Equal(t, ir.StatusDeleting, h.Status)
	h, _ = p.Describe(ctx, thing)
	assert.Nil(t, h)

	assert.True(t, adapter.IsNotFound(p.Delete(ctx, thing)))
	assert.Equal(t, 2, p.Calls("create"))
	assert.Equal(t, 2, p.Calls("delete"))
}

func TestProvider_Update(t *testing.T) {
	p := New()
	ctx := context.Background()
	spec := ir.Spec{Key: thing, Properties: map[string]any{"body": "v1"}}

	_, err := p.Update(ctx, spec)
	assert.True(t, adapter.IsNotFound(err))

	_, err = p.Create(ctx, spec)
	require.NoError(t, err)

	_, err = p.Update(ctx, spec)
	assert.True(t, adapter.IsUnchanged(err))

	h, err := p.Update(ctx, ir.Spec{Key: thing, Properties: map[string]any{"body": "v2"}})
	require.NoError(t, err)
	assert.Equal(t, "v2", h.Attributes["body"])
}

func TestProvider_Attach(t *testing.T) {
	p := New()
	ctx := context.Background()
	rule := ir.AttachmentRule{Parent: thing, Kind: ir.AttachIngress, Properties: map[string]any{"port": 8080}}

	assert.True(t, adapter.IsNotFound(p.Attach(ctx, rule)))

	_, err := p.Create(ctx, ir.Spec{Key: thing})
	require.NoError(t, err)

	require.NoError(t, p.Attach(ctx, rule))
	assert.True(t, adapter.IsAlreadyExists(p.Attach(ctx, rule)))
	assert.Equal(t, 1, p.Attachments(thing))
}

func TestProvider_RaceOnCreate(t *testing.T) {
	p := New(WithRaceOnCreate())
	ctx := context.Background()

	_, err := p.Create(ctx, ir.Spec{Key: thing})
	assert.True(t, adapter.IsAlreadyExists(err))

	h, err := p.Describe(ctx, thing)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, ir.StatusActive, h.Status)
}

func TestProvider_Hooks(t *testing.T) {
	boom := errors.New("boom")
	p := New(
		WithFailCreate(func(s ir.Spec) error {
			if s.Key.Name == "bad" {
				return boom
			}
			return nil
		}),
		WithFailAttach(func(r ir.AttachmentRule) error { return boom }),
	)
	ctx := context.Background()

	_, err := p.Create(ctx, ir.Spec{Key: ir.Key{Kind: ir.KindThing, Name: "bad"}})
	assert.ErrorIs(t, err, boom)

	_, err = p.Create(ctx, ir.Spec{Key: thing})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Attach(ctx, ir.AttachmentRule{Parent: thing, Kind: ir.AttachLabel}), boom)
}

func TestProvider_SeedAndPin(t *testing.T) {
	p := New(WithPendingPolls(3))
	ctx := context.Background()

	p.Seed(ir.Spec{Key: thing}, ir.StatusActive)
	h, _ := p.Describe(ctx, thing)
	assert.Equal(t, ir.StatusActive, h.Status)

	p.SetStatus(thing, ir.StatusFailed)
	h, _ = p.Describe(ctx, thing)
	assert.Equal(t, ir.StatusFailed, h.Status)
	assert.Equal(t, []ir.Key{thing}, p.Keys())
}

func TestProvider_Cancelled(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Describe(ctx, thing)
	assert.Equal(t, adapter.ClassCancelled, adapter.ClassOf(err))
}
