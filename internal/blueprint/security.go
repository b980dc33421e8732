package blueprint

import (
	"errors"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

type SecurityParams struct {
	VpcID       string `json:"vpcId"`
	GroupName   string `json:"groupName"`
	Description string `json:"description"`
	// Ingress and Egress take security group permission properties.
	// Ingress defaults to tcp 8080 and 3001 from anywhere, egress to all
	// traffic.
	Ingress []map[string]any `json:"ingress"`
	Egress  []map[string]any `json:"egress"`
	// Instances are the names of existing instances the group is added to.
	Instances  []string `json:"instances"`
	Role       string   `json:"role"`
	User       string   `json:"user"`
	PolicyArns []string `json:"policyArns"`
}

func init() {
	register(Blueprint{
		Name:        "security",
		Description: "Security group with rules, added to instances, plus managed policies on a role or user",
		build:       buildSecurity,
	})
}

func buildSecurity(unit string, raw map[string]any, _ Env) ([]engine.Step, error) {
	var p SecurityParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.VpcID == "" {
		return nil, errors.New("vpcId is required")
	}
	if len(p.PolicyArns) > 0 && p.Role == "" && p.User == "" {
		return nil, errors.New("policyArns need a role or a user")
	}

	name := orDefault(p.GroupName, unit)
	sg := scoped(ir.KindSecurityGroup, name, p.VpcID)

	var rules []ir.AttachmentRule
	if len(p.Ingress) == 0 {
		for _, port := range defaultPorts {
			p.Ingress = append(p.Ingress, map[string]any{"protocol": "tcp", "port": port, "cidr": "0.0.0.0/0"})
		}
	}
	for _, in := range p.Ingress {
		rules = append(rules, ir.AttachmentRule{Kind: ir.AttachIngress, Properties: in})
	}
	if len(p.Egress) == 0 {
		p.Egress = []map[string]any{{"protocol": "all", "cidr": "0.0.0.0/0"}}
	}
	for _, out := range p.Egress {
		rules = append(rules, ir.AttachmentRule{Kind: ir.AttachEgress, Properties: out})
	}

	steps := []engine.Step{
		engine.Ensure(ir.Spec{Key: sg, Properties: map[string]any{"description": orDefault(p.Description, "Security group for "+unit)}}),
		engine.Attach(sg, rules...),
	}
	groupID := engine.Ref(ir.KindSecurityGroup, name, "id")
	for _, inst := range p.Instances {
		steps = append(steps, engine.Attach(key(ir.KindInstance, inst),
			ir.AttachmentRule{Kind: ir.AttachSecurityGroup, Properties: map[string]any{"groupId": groupID}}))
	}
	if p.Role != "" && len(p.PolicyArns) > 0 {
		steps = append(steps, engine.Attach(key(ir.KindRole, p.Role), policyRules(ir.AttachRolePolicy, p.PolicyArns)...))
	}
	if p.User != "" && len(p.PolicyArns) > 0 {
		steps = append(steps, engine.Attach(key(ir.KindUser, p.User), policyRules(ir.AttachUserPolicy, p.PolicyArns)...))
	}
	return steps, nil
}

func policyRules(kind ir.AttachmentKind, arns []string) []ir.AttachmentRule {
	rules := make([]ir.AttachmentRule, 0, len(arns))
	for _, arn := range arns {
		rules = append(rules, ir.AttachmentRule{Kind: kind, Properties: map[string]any{"policyArn": arn}})
	}
	return rules
}
