package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	"github.com/picklr-io/converge/providers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// networkLike mirrors the shape of the network blueprint on memory kinds:
// parent, scoped child via reference, attachments and a wait.
func networkLike() *Pipeline {
	vpc := ir.Key{Kind: "memory:Vpc", Name: "main"}
	sg := ir.Key{Kind: "memory:SecurityGroup", Name: "web", Scope: Ref("memory:Vpc", "main", "id")}
	inst := ir.Key{Kind: "memory:Instance", Name: "web-1"}
	return &Pipeline{
		Name: "network",
		Steps: []Step{
			Ensure(ir.Spec{Key: vpc, Properties: map[string]any{"cidr": "10.0.0.0/16"}}),
			Ensure(ir.Spec{Key: sg, Properties: map[string]any{"description": "web"}}),
			Attach(sg, ingress(8080), ingress(3001)),
			Ensure(ir.Spec{Key: inst, Properties: map[string]any{
				"securityGroupId": Ref("memory:SecurityGroup", "web", "id"),
			}}),
			Wait(fastWait(inst, 5, ir.StatusActive)),
		},
	}
}

func TestRun_ResolvesReferencesAndCompletes(t *testing.T) {
	mem := memory.New(memory.WithPendingPolls(1))
	e := New(mem)

	res := e.Run(context.Background(), networkLike())
	require.NoError(t, res.Err())
	assert.Equal(t, 5, res.Completed)

	vpc, ok := res.Handles.Lookup("memory:Vpc", "main")
	require.True(t, ok)
	sg, ok := res.Handles.Lookup("memory:SecurityGroup", "web")
	require.True(t, ok)
	assert.Equal(t, vpc.ID, sg.Key.Scope)

	inst, ok := res.Handles.Lookup("memory:Instance", "web-1")
	require.True(t, ok)
	assert.Equal(t, ir.StatusActive, inst.Status)
	assert.Equal(t, sg.ID, inst.Attributes["securityGroupId"])

	require.Len(t, res.Attachments, 1)
	assert.Len(t, res.Attachments[0].Applied, 2)
	require.Len(t, res.Waits, 1)
	assert.Equal(t, 2, res.Waits[0].Polls)
}

func TestRun_HaltsAtFailingStep(t *testing.T) {
	boom := errors.New("InvalidParameterValue")
	mem := memory.New(memory.WithFailCreate(func(s ir.Spec) error {
		if s.Key.Name == "b" {
			return adapter.NewError(adapter.ClassOther, "create", s.Key, boom)
		}
		return nil
	}))
	e := New(mem)
	p := &Pipeline{Name: "halt", Steps: []Step{
		Ensure(ir.Spec{Key: thingKey("a")}),
		Ensure(ir.Spec{Key: thingKey("b")}),
		Ensure(ir.Spec{Key: thingKey("c")}),
	}}

	res := e.Run(context.Background(), p)
	require.NotNil(t, res.FirstFailure)
	assert.Equal(t, 1, res.FirstFailure.Index)
	assert.Equal(t, thingKey("b"), res.FirstFailure.Key)
	assert.Equal(t, adapter.ClassOther, res.FirstFailure.Class)
	assert.ErrorIs(t, res.Err(), boom)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, []ir.Key{thingKey("a")}, mem.Keys())
}

func TestRun_RerunConverges(t *testing.T) {
	mem := memory.New(memory.WithPendingPolls(1))
	e := New(mem)

	first := e.Run(context.Background(), networkLike())
	require.NoError(t, first.Err())
	creates := mem.Calls("create")

	second := e.Run(context.Background(), networkLike())
	require.NoError(t, second.Err())

	assert.Equal(t, creates, mem.Calls("create"))
	assert.Empty(t, second.Attachments[0].Applied)
	assert.Len(t, second.Attachments[0].AlreadyPresent, 2)
	for _, h := range first.Handles.Handles() {
		again, ok := second.Handles.Get(h.Key)
		require.True(t, ok, h.Key.String())
		assert.Equal(t, h.ID, again.ID)
	}
}

func TestRun_ResumesAfterFailure(t *testing.T) {
	fail := true
	mem := memory.New(memory.WithFailCreate(func(s ir.Spec) error {
		if fail && s.Key.Name == "b" {
			return adapter.Errorf(adapter.ClassTransient, "create", s.Key, "Throttling")
		}
		return nil
	}))
	e := New(mem)
	p := &Pipeline{Name: "resume", Steps: []Step{
		Ensure(ir.Spec{Key: thingKey("a")}),
		Ensure(ir.Spec{Key: thingKey("b")}),
	}}

	res := e.Run(context.Background(), p)
	require.Error(t, res.Err())
	assert.Equal(t, adapter.ClassTransient, res.FirstFailure.Class)

	fail = false
	res = e.Run(context.Background(), p)
	require.NoError(t, res.Err())
	assert.Len(t, mem.Keys(), 2)
	assert.Equal(t, 3, mem.Calls("create"))
}

func TestRun_AttachFailureHaltsOnlyWhenRequired(t *testing.T) {
	mem := memory.New(memory.WithFailAttach(func(r ir.AttachmentRule) error {
		return adapter.Errorf(adapter.ClassOther, "attach", r.Parent, "denied")
	}))
	e := New(mem)
	parent := thingKey("role")

	res := e.Run(context.Background(), &Pipeline{Name: "soft", Steps: []Step{
		Ensure(ir.Spec{Key: parent}),
		Attach(parent, ir.AttachmentRule{Kind: ir.AttachRolePolicy}),
		Ensure(ir.Spec{Key: thingKey("after")}),
	}})
	require.NoError(t, res.Err())
	assert.Equal(t, 3, res.Completed)
	assert.Len(t, res.Attachments[0].Failed, 1)

	res = e.Run(context.Background(), &Pipeline{Name: "hard", Steps: []Step{
		Ensure(ir.Spec{Key: parent}),
		MustAttach(parent, ir.AttachmentRule{Kind: ir.AttachRolePolicy}),
		Ensure(ir.Spec{Key: thingKey("never")}),
	}})
	require.Error(t, res.Err())
	assert.Equal(t, 1, res.FirstFailure.Index)
	assert.NotContains(t, mem.Keys(), thingKey("never"))
}

func TestRun_WaitOutcomesAreFailures(t *testing.T) {
	tests := []struct {
		name   string
		status ir.Status
		want   adapter.Class
	}{
		{"failed", ir.StatusFailed, adapter.ClassTerminal},
		{"timeout", ir.StatusPending, adapter.ClassTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New()
			mem.Seed(ir.Spec{Key: thingKey("a")}, ir.StatusActive)
			mem.SetStatus(thingKey("a"), tt.status)
			e := New(mem)

			res := e.Run(context.Background(), &Pipeline{Name: "w", Steps: []Step{
				Ensure(ir.Spec{Key: thingKey("a")}),
				Wait(fastWait(thingKey("a"), 2, ir.StatusActive)),
			}})
			require.NotNil(t, res.FirstFailure)
			assert.Equal(t, tt.want, res.FirstFailure.Class)
			assert.Equal(t, 1, res.FirstFailure.Index)
		})
	}
}

func TestRun_CancelledBeforeStep(t *testing.T) {
	e := New(memory.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Run(ctx, &Pipeline{Name: "c", Steps: []Step{Ensure(ir.Spec{Key: thingKey("a")})}})
	require.NotNil(t, res.FirstFailure)
	assert.Equal(t, adapter.ClassCancelled, res.FirstFailure.Class)
	assert.Equal(t, 0, res.Completed)
}

func TestRun_UnresolvedReferenceFails(t *testing.T) {
	e := New(memory.New())
	res := e.Run(context.Background(), &Pipeline{Name: "r", Steps: []Step{
		Ensure(ir.Spec{Key: ir.Key{Kind: ir.KindThing, Name: "a", Scope: Ref("memory:Vpc", "missing", "id")}}),
	}})
	require.NotNil(t, res.FirstFailure)
	assert.Equal(t, 0, res.FirstFailure.Index)
	assert.Contains(t, res.Err().Error(), "unresolved reference")
}

func TestRun_DeleteIsIdempotent(t *testing.T) {
	mem := memory.New()
	e := New(mem)
	p := &Pipeline{Name: "d", Steps: []Step{Delete(thingKey("absent"))}}

	res := e.Run(context.Background(), p)
	assert.NoError(t, res.Err())
	assert.Equal(t, 1, res.Completed)
}

func TestRun_EventsAndRecorder(t *testing.T) {
	rec := newCountingRecorder()
	var mu sync.Mutex
	var events []string
	e := New(memory.New(), WithRecorder(rec), WithCallback(func(ev StepEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, fmt.Sprintf("%d:%s", ev.Index, ev.Status))
	}))

	res := e.Run(context.Background(), &Pipeline{Name: "ev", Steps: []Step{
		Ensure(ir.Spec{Key: thingKey("a")}),
		Attach(thingKey("a"), ingress(1)),
	}})
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"0:started", "0:completed", "1:started", "1:completed"}, events)
	assert.Equal(t, 1, rec.steps["ensure/completed"])
	assert.Equal(t, 1, rec.attachs[AttachApplied])
}

func TestDestroy(t *testing.T) {
	mem := memory.New()
	e := New(mem)
	p := networkLike()

	require.NoError(t, e.Run(context.Background(), p).Err())
	require.Len(t, mem.Keys(), 3)

	d := Destroy(p)
	var actions []Action
	for _, s := range d.Steps {
		actions = append(actions, s.Action)
	}
	assert.Equal(t, []Action{
		ActionLookup, ActionLookup, ActionLookup,
		ActionDelete, ActionWait, ActionDelete, ActionWait, ActionDelete, ActionWait,
	}, actions)
	assert.Equal(t, "memory:Instance", string(d.Steps[3].Key.Kind))

	res := e.Run(context.Background(), d)
	require.NoError(t, res.Err())
	assert.Empty(t, mem.Keys())

	// Nothing left: steps whose parent is gone are skipped and the rest
	// find nothing to delete.
	deletes := mem.Calls("delete")
	res = e.Run(context.Background(), d)
	require.NoError(t, res.Err())
	assert.Equal(t, len(d.Steps), res.Completed)
	assert.Equal(t, deletes+2, mem.Calls("delete"))
}

func TestRunAll(t *testing.T) {
	mem := memory.New()
	e := New(mem)
	var pipelines []*Pipeline
	for i := 0; i < 6; i++ {
		pipelines = append(pipelines, &Pipeline{
			Name:  fmt.Sprintf("u%d", i),
			Steps: []Step{Ensure(ir.Spec{Key: thingKey(fmt.Sprintf("t%d", i))})},
		})
	}

	results := e.RunAll(context.Background(), pipelines, 2)
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("u%d", i), r.Pipeline)
		assert.NoError(t, r.Err())
	}
	assert.Len(t, mem.Keys(), 6)
}

func TestInspect(t *testing.T) {
	mem := memory.New()
	e := New(mem)
	p := networkLike()

	insp := Inspect(p)
	require.Len(t, insp.Steps, 3)
	for _, s := range insp.Steps {
		assert.Equal(t, ActionLookup, s.Action)
	}

	res := e.Run(context.Background(), insp)
	require.NoError(t, res.Err())
	assert.Equal(t, 0, res.Handles.Len())
	assert.Equal(t, 0, mem.Calls("create"))

	require.NoError(t, e.Run(context.Background(), p).Err())
	res = e.Run(context.Background(), insp)
	require.NoError(t, res.Err())
	assert.Equal(t, 3, res.Handles.Len())
}
