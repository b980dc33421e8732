package blueprint

import (
	"fmt"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

type IAMParams struct {
	Users  []IAMUser  `json:"users"`
	Groups []IAMGroup `json:"groups"`
	Roles  []IAMRole  `json:"roles"`
}

type IAMUser struct {
	Name       string   `json:"name"`
	Groups     []string `json:"groups"`
	PolicyArns []string `json:"policyArns"`
}

type IAMGroup struct {
	Name       string   `json:"name"`
	PolicyArns []string `json:"policyArns"`
}

type IAMRole struct {
	Name string `json:"name"`
	// Service is the principal allowed to assume the role, e.g.
	// ec2.amazonaws.com.
	Service    string   `json:"service"`
	PolicyArns []string `json:"policyArns"`
	// InstanceProfile also creates an instance profile of the same name
	// holding the role.
	InstanceProfile bool `json:"instanceProfile"`
}

func init() {
	register(Blueprint{
		Name:        "iam",
		Description: "IAM users, groups and service roles with managed policies and memberships",
		build:       buildIAM,
	})
}

// buildIAM creates groups first so memberships can be attached right after
// each user.
func buildIAM(_ string, raw map[string]any, _ Env) ([]engine.Step, error) {
	var p IAMParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Users)+len(p.Groups)+len(p.Roles) == 0 {
		return nil, fmt.Errorf("no users, groups or roles given")
	}

	var steps []engine.Step
	groups := map[string]bool{}
	for _, g := range p.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("group name is required")
		}
		groups[g.Name] = true
		k := key(ir.KindGroup, g.Name)
		steps = append(steps, engine.Ensure(ir.Spec{Key: k}))
		if len(g.PolicyArns) > 0 {
			steps = append(steps, engine.Attach(k, policyRules(ir.AttachGroupPolicy, g.PolicyArns)...))
		}
	}
	for _, u := range p.Users {
		if u.Name == "" {
			return nil, fmt.Errorf("user name is required")
		}
		k := key(ir.KindUser, u.Name)
		steps = append(steps, engine.Ensure(ir.Spec{Key: k}))
		if len(u.PolicyArns) > 0 {
			steps = append(steps, engine.Attach(k, policyRules(ir.AttachUserPolicy, u.PolicyArns)...))
		}
		for _, g := range u.Groups {
			if !groups[g] {
				return nil, fmt.Errorf("user %s: group %q is not defined", u.Name, g)
			}
			steps = append(steps, engine.Attach(key(ir.KindGroup, g),
				ir.AttachmentRule{Kind: ir.AttachGroupMembership, Properties: map[string]any{"userName": u.Name}}))
		}
	}
	for _, r := range p.Roles {
		if r.Name == "" || r.Service == "" {
			return nil, fmt.Errorf("role needs a name and a service")
		}
		k := key(ir.KindRole, r.Name)
		steps = append(steps, engine.Ensure(ir.Spec{Key: k, Properties: map[string]any{"service": r.Service}}))
		if len(r.PolicyArns) > 0 {
			steps = append(steps, engine.Attach(k, policyRules(ir.AttachRolePolicy, r.PolicyArns)...))
		}
		if r.InstanceProfile {
			ip := key(ir.KindInstanceProfile, r.Name)
			steps = append(steps,
				engine.Ensure(ir.Spec{Key: ip}),
				engine.MustAttach(ip, ir.AttachmentRule{Kind: ir.AttachInstanceProfileRole, Properties: map[string]any{"roleName": r.Name}}),
			)
		}
	}
	return steps, nil
}
