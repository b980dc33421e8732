package provider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	"github.com/picklr-io/converge/providers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// describeOnly implements the contract without Updater.
type describeOnly struct {
	adapter.Adapter
	handle *ir.Handle
}

func (d describeOnly) Describe(context.Context, ir.Key) (*ir.Handle, error) { return d.handle, nil }

func TestRoutesByProviderPrefix(t *testing.T) {
	r := NewRegistry(Options{})
	mem := memory.New()
	r.Register("aws", mem)
	ctx := context.Background()
	key := ir.Key{Kind: ir.KindSecurityGroup, Name: "web"}

	_, err := r.Create(ctx, ir.Spec{Key: key})
	require.NoError(t, err)
	assert.Equal(t, []ir.Key{key}, mem.Keys())

	h, err := r.Describe(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, h)

	// memory kinds go to the built-in memory provider, not the aws stand-in.
	_, err = r.Create(ctx, ir.Spec{Key: ir.Key{Kind: ir.KindThing, Name: "t"}})
	require.NoError(t, err)
	assert.Len(t, mem.Keys(), 1)

	require.NoError(t, r.Delete(ctx, key))
}

func TestUnknownProvider(t *testing.T) {
	r := NewRegistry(Options{})
	_, err := r.Describe(context.Background(), ir.Key{Kind: "gcp:Compute.Instance", Name: "vm"})
	require.Error(t, err)
	assert.Equal(t, adapter.ClassOther, adapter.ClassOf(err))
	assert.Contains(t, err.Error(), "unknown provider: gcp")

	_, err = r.Describe(context.Background(), ir.Key{Kind: "nokind", Name: "vm"})
	assert.Error(t, err)
}

func TestFactoryIsLazyAndBuiltOnce(t *testing.T) {
	r := NewRegistry(Options{})
	builds := 0
	var mu sync.Mutex
	r.RegisterFactory("aws", func(context.Context) (adapter.Adapter, error) {
		mu.Lock()
		defer mu.Unlock()
		builds++
		return memory.New(), nil
	})
	assert.Equal(t, 0, builds)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Describe(context.Background(), ir.Key{Kind: ir.KindVpc, Name: "main"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, builds)
}

func TestFactoryError(t *testing.T) {
	r := NewRegistry(Options{})
	boom := errors.New("no credentials")
	r.RegisterFactory("aws", func(context.Context) (adapter.Adapter, error) { return nil, boom })

	_, err := r.Create(context.Background(), ir.Spec{Key: ir.Key{Kind: ir.KindVpc, Name: "main"}})
	assert.ErrorIs(t, err, boom)

	_, err = r.AWS(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestUpdateWithoutUpdaterIsUnchanged(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register("docker", describeOnly{handle: &ir.Handle{Status: ir.StatusActive}})

	_, err := r.Update(context.Background(), ir.Spec{Key: ir.Key{Kind: ir.KindContainer, Name: "app"}})
	assert.True(t, adapter.IsUnchanged(err))
}

func TestOverrideRoutesEverything(t *testing.T) {
	r := NewRegistry(Options{})
	mem := memory.New()
	r.Override(mem)
	ctx := context.Background()

	for _, k := range []ir.Kind{ir.KindVpc, ir.KindContainer, ir.KindNamespace} {
		_, err := r.Create(ctx, ir.Spec{Key: ir.Key{Kind: k, Name: "x"}})
		require.NoError(t, err)
	}
	assert.Len(t, mem.Keys(), 3)
}

func TestNames(t *testing.T) {
	r := NewRegistry(Options{})
	assert.Equal(t, []string{"aws", "docker", "kubernetes", "memory"}, r.Names())
}
