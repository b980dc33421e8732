package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/providers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() *ir.State {
	st := ir.NewState()
	st.Put(&ir.Handle{
		Key:        ir.Key{Kind: ir.KindVpc, Name: "main"},
		ID:         "vpc-123",
		Attributes: map[string]string{"cidr": "10.0.0.0/16"},
	})
	st.Put(&ir.Handle{Key: ir.Key{Kind: ir.KindRole, Name: "app"}, ARN: "arn:aws:iam::1:role/app"})
	return st
}

func TestParseRef(t *testing.T) {
	kind, name, attr, ok := parseRef("ptr://aws:EC2.Vpc/main/id")
	require.True(t, ok)
	assert.Equal(t, ir.KindVpc, kind)
	assert.Equal(t, "main", name)
	assert.Equal(t, "id", attr)

	_, _, _, ok = parseRef("ptr://aws:EC2.Vpc/main")
	assert.False(t, ok)
	_, _, _, ok = parseRef("vpc-123")
	assert.False(t, ok)
	assert.Equal(t, "ptr://aws:IAM.Role/app/arn", Ref(ir.KindRole, "app", "arn"))
}

func TestResolveValue(t *testing.T) {
	st := testState()
	in := map[string]any{
		"vpcId":   "ptr://aws:EC2.Vpc/main/id",
		"cidr":    "ptr://aws:EC2.Vpc/main/cidr",
		"literal": "10.0.1.0/24",
		"port":    8080,
		"nested": map[string]any{
			"roles": []any{"ptr://aws:IAM.Role/app/arn"},
		},
		"ids": []string{"ptr://aws:EC2.Vpc/main/id"},
	}

	out, err := resolveProps(in, st)
	require.NoError(t, err)
	assert.Equal(t, "vpc-123", out["vpcId"])
	assert.Equal(t, "10.0.0.0/16", out["cidr"])
	assert.Equal(t, "10.0.1.0/24", out["literal"])
	assert.Equal(t, 8080, out["port"])
	assert.Equal(t, []any{"arn:aws:iam::1:role/app"}, out["nested"].(map[string]any)["roles"])
	assert.Equal(t, []string{"vpc-123"}, out["ids"])

	// The input is not mutated.
	assert.Equal(t, "ptr://aws:EC2.Vpc/main/id", in["vpcId"])
}

func TestResolveErrors(t *testing.T) {
	st := testState()

	_, err := resolveString("ptr://aws:EC2.Subnet/public/id", st)
	assert.True(t, errors.Is(err, errUnresolved))

	_, err = resolveString("ptr://aws:EC2.Vpc/main/publicIp", st)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errUnresolved))

	_, err = resolveString("ptr://broken", st)
	assert.Error(t, err)
}

func TestResolveStep(t *testing.T) {
	st := testState()
	sg := ir.Key{Kind: ir.KindSecurityGroup, Name: "web", Scope: "ptr://aws:EC2.Vpc/main/id"}
	step := Attach(sg, ir.AttachmentRule{Kind: ir.AttachIngress, Properties: map[string]any{"cidr": "ptr://aws:EC2.Vpc/main/cidr"}})

	out, err := resolveStep(step, st)
	require.NoError(t, err)
	assert.Equal(t, "vpc-123", out.Key.Scope)
	assert.Equal(t, "10.0.0.0/16", out.Rules[0].Properties["cidr"])
	assert.Equal(t, "ptr://aws:EC2.Vpc/main/cidr", step.Rules[0].Properties["cidr"])
}

func TestPreview(t *testing.T) {
	mem := memory.New()
	e := New(mem)
	p := networkLike()

	plan, err := e.Preview(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 5)
	assert.Equal(t, "create", plan.Changes[0].Action)
	assert.Equal(t, "create", plan.Changes[1].Action)
	assert.Equal(t, "attach", plan.Changes[2].Action)
	assert.Equal(t, "wait", plan.Changes[4].Action)
	assert.Equal(t, 3, plan.Summary.Create)
	assert.Equal(t, 0, mem.Calls("create"))

	require.NoError(t, e.Run(context.Background(), p).Err())

	plan, err = e.Preview(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Summary.Reuse)
	assert.Equal(t, 0, plan.Summary.Create)

	plan, err = e.Preview(context.Background(), Destroy(p))
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Summary.Delete)
}

func TestStepReferences(t *testing.T) {
	p := networkLike()

	assert.Empty(t, p.Steps[0].References())
	assert.Equal(t, []ir.Key{{Kind: "memory:Vpc", Name: "main"}}, p.Steps[1].References())
	assert.Equal(t, []ir.Key{{Kind: "memory:Vpc", Name: "main"}}, p.Steps[2].References())
	assert.Equal(t, []ir.Key{{Kind: "memory:SecurityGroup", Name: "web"}}, p.Steps[3].References())

	step := Ensure(ir.Spec{Key: thingKey("x"), Properties: map[string]any{
		"ids":  []string{Ref(ir.KindRole, "a", "arn"), Ref(ir.KindRole, "a", "id")},
		"deep": map[string]any{"list": []any{Ref(ir.KindVpc, "v", "id")}},
	}})
	assert.ElementsMatch(t, []ir.Key{{Kind: ir.KindRole, Name: "a"}, {Kind: ir.KindVpc, Name: "v"}}, step.References())
}
