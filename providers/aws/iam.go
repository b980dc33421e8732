package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/picklr-io/converge/internal/ir"
)

type RoleProperties struct {
	// AssumeRolePolicy is a trust policy document. When empty, a policy
	// trusting Service is generated.
	AssumeRolePolicy   string            `json:"assumeRolePolicy"`
	Service            string            `json:"service"`
	Description        string            `json:"description"`
	Path               string            `json:"path"`
	MaxSessionDuration *int32            `json:"maxSessionDuration"`
	Tags               map[string]string `json:"tags"`
}

type UserProperties struct {
	Path string            `json:"path"`
	Tags map[string]string `json:"tags"`
}

type GroupProperties struct {
	Path string `json:"path"`
}

type InstanceProfileProperties struct {
	Path string            `json:"path"`
	Tags map[string]string `json:"tags"`
}

type policyAttachment struct {
	PolicyArn string `json:"policyArn"`
}

type membershipAttachment struct {
	UserName string `json:"userName"`
}

type profileRoleAttachment struct {
	RoleName string `json:"roleName"`
}

// TrustPolicy returns an assume-role policy document trusting service.
func TrustPolicy(service string) (string, error) {
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]any{"Service": service},
			"Action":    "sts:AssumeRole",
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal trust policy: %w", err)
	}
	return string(data), nil
}

func iamTags(m map[string]string) []types.Tag {
	var tags []types.Tag
	for _, k := range sortedKeys(m) {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// Role

func (p *Provider) describeRole(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	out, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(key.Name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return roleHandle(key, out.Role), nil
}

func roleHandle(key ir.Key, r *types.Role) *ir.Handle {
	return &ir.Handle{
		Key:        key,
		ID:         aws.ToString(r.RoleId),
		ARN:        aws.ToString(r.Arn),
		Status:     ir.StatusActive,
		Attributes: map[string]string{"path": aws.ToString(r.Path)},
	}
}

func (p *Provider) createRole(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props RoleProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	trust := props.AssumeRolePolicy
	if trust == "" {
		if props.Service == "" {
			return nil, invalid("create", spec.Key, "assumeRolePolicy or service is required")
		}
		var err error
		if trust, err = TrustPolicy(props.Service); err != nil {
			return nil, err
		}
	}
	out, err := p.iamClient.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(spec.Key.Name),
		AssumeRolePolicyDocument: aws.String(trust),
		Description:              optional(props.Description),
		Path:                     optional(props.Path),
		MaxSessionDuration:       props.MaxSessionDuration,
		Tags:                     iamTags(props.Tags),
	})
	if err != nil {
		return nil, err
	}
	return roleHandle(spec.Key, out.Role), nil
}

// deleteRole detaches managed policies first; IAM refuses to delete a role
// that still has any.
func (p *Provider) deleteRole(ctx context.Context, key ir.Key) error {
	name := aws.String(key.Name)
	pager := iam.NewListAttachedRolePoliciesPaginator(p.iamClient, &iam.ListAttachedRolePoliciesInput{RoleName: name})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, pol := range page.AttachedPolicies {
			if _, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: name, PolicyArn: pol.PolicyArn}); err != nil && !isNotFound(err) {
				return err
			}
		}
	}
	_, err := p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: name})
	return err
}

// User

func (p *Provider) describeUser(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	out, err := p.iamClient.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(key.Name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return userHandle(key, out.User), nil
}

func userHandle(key ir.Key, u *types.User) *ir.Handle {
	return &ir.Handle{
		Key:        key,
		ID:         aws.ToString(u.UserId),
		ARN:        aws.ToString(u.Arn),
		Status:     ir.StatusActive,
		Attributes: map[string]string{"path": aws.ToString(u.Path)},
	}
}

func (p *Provider) createUser(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props UserProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	out, err := p.iamClient.CreateUser(ctx, &iam.CreateUserInput{
		UserName: aws.String(spec.Key.Name),
		Path:     optional(props.Path),
		Tags:     iamTags(props.Tags),
	})
	if err != nil {
		return nil, err
	}
	return userHandle(spec.Key, out.User), nil
}

func (p *Provider) deleteUser(ctx context.Context, key ir.Key) error {
	name := aws.String(key.Name)
	pager := iam.NewListAttachedUserPoliciesPaginator(p.iamClient, &iam.ListAttachedUserPoliciesInput{UserName: name})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, pol := range page.AttachedPolicies {
			if _, err := p.iamClient.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{UserName: name, PolicyArn: pol.PolicyArn}); err != nil && !isNotFound(err) {
				return err
			}
		}
	}
	_, err := p.iamClient.DeleteUser(ctx, &iam.DeleteUserInput{UserName: name})
	return err
}

// Group

func (p *Provider) getGroup(ctx context.Context, name string) (*iam.GetGroupOutput, error) {
	out, err := p.iamClient.GetGroup(ctx, &iam.GetGroupInput{GroupName: aws.String(name)})
	if isNotFound(err) {
		return nil, nil
	}
	return out, err
}

func (p *Provider) describeGroup(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	out, err := p.getGroup(ctx, key.Name)
	if err != nil || out == nil {
		return nil, err
	}
	return groupHandle(key, out.Group, len(out.Users)), nil
}

func groupHandle(key ir.Key, g *types.Group, members int) *ir.Handle {
	return &ir.Handle{
		Key:    key,
		ID:     aws.ToString(g.GroupId),
		ARN:    aws.ToString(g.Arn),
		Status: ir.StatusActive,
		Attributes: map[string]string{
			"path":    aws.ToString(g.Path),
			"members": fmt.Sprint(members),
		},
	}
}

func (p *Provider) createGroup(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props GroupProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	out, err := p.iamClient.CreateGroup(ctx, &iam.CreateGroupInput{
		GroupName: aws.String(spec.Key.Name),
		Path:      optional(props.Path),
	})
	if err != nil {
		return nil, err
	}
	return groupHandle(spec.Key, out.Group, 0), nil
}

// deleteGroup empties the group of members and policies before deleting it.
func (p *Provider) deleteGroup(ctx context.Context, key ir.Key) error {
	out, err := p.getGroup(ctx, key.Name)
	if err != nil {
		return err
	}
	if out == nil {
		return missing("delete", key)
	}
	name := aws.String(key.Name)
	for _, u := range out.Users {
		if _, err := p.iamClient.RemoveUserFromGroup(ctx, &iam.RemoveUserFromGroupInput{GroupName: name, UserName: u.UserName}); err != nil && !isNotFound(err) {
			return err
		}
	}
	pager := iam.NewListAttachedGroupPoliciesPaginator(p.iamClient, &iam.ListAttachedGroupPoliciesInput{GroupName: name})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, pol := range page.AttachedPolicies {
			if _, err := p.iamClient.DetachGroupPolicy(ctx, &iam.DetachGroupPolicyInput{GroupName: name, PolicyArn: pol.PolicyArn}); err != nil && !isNotFound(err) {
				return err
			}
		}
	}
	_, err = p.iamClient.DeleteGroup(ctx, &iam.DeleteGroupInput{GroupName: name})
	return err
}

// InstanceProfile

func (p *Provider) getInstanceProfile(ctx context.Context, name string) (*types.InstanceProfile, error) {
	out, err := p.iamClient.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.InstanceProfile, nil
}

func instanceProfileHandle(key ir.Key, ip *types.InstanceProfile) *ir.Handle {
	h := &ir.Handle{
		Key:        key,
		ID:         aws.ToString(ip.InstanceProfileId),
		ARN:        aws.ToString(ip.Arn),
		Status:     ir.StatusActive,
		Attributes: map[string]string{"path": aws.ToString(ip.Path)},
	}
	if len(ip.Roles) > 0 {
		h.Attributes["roleName"] = aws.ToString(ip.Roles[0].RoleName)
	}
	return h
}

func (p *Provider) describeInstanceProfile(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	ip, err := p.getInstanceProfile(ctx, key.Name)
	if err != nil || ip == nil {
		return nil, err
	}
	return instanceProfileHandle(key, ip), nil
}

func (p *Provider) createInstanceProfile(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props InstanceProfileProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	out, err := p.iamClient.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(spec.Key.Name),
		Path:                optional(props.Path),
		Tags:                iamTags(props.Tags),
	})
	if err != nil {
		return nil, err
	}
	return instanceProfileHandle(spec.Key, out.InstanceProfile), nil
}

func (p *Provider) deleteInstanceProfile(ctx context.Context, key ir.Key) error {
	ip, err := p.getInstanceProfile(ctx, key.Name)
	if err != nil {
		return err
	}
	if ip == nil {
		return missing("delete", key)
	}
	for _, r := range ip.Roles {
		_, err := p.iamClient.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: ip.InstanceProfileName,
			RoleName:            r.RoleName,
		})
		if err != nil && !isNotFound(err) {
			return err
		}
	}
	_, err = p.iamClient.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: ip.InstanceProfileName})
	return err
}

// Attachments

// attachPolicy attaches a managed policy to a role, user or group. IAM
// accepts duplicate attaches silently, so the current attachments are
// listed first to report AlreadyExists.
func (p *Provider) attachPolicy(ctx context.Context, rule ir.AttachmentRule) error {
	var want ir.Kind
	switch rule.Kind {
	case ir.AttachRolePolicy:
		want = ir.KindRole
	case ir.AttachUserPolicy:
		want = ir.KindUser
	default:
		want = ir.KindGroup
	}
	if err := expectParent(rule, want); err != nil {
		return err
	}
	var att policyAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	if att.PolicyArn == "" {
		return invalid("attach", rule.Parent, "policyArn is required")
	}

	attached, err := p.attachedPolicies(ctx, rule.Parent)
	if err != nil {
		return err
	}
	for _, arn := range attached {
		if arn == att.PolicyArn {
			return present(rule)
		}
	}

	name, arn := aws.String(rule.Parent.Name), aws.String(att.PolicyArn)
	switch want {
	case ir.KindRole:
		_, err = p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{RoleName: name, PolicyArn: arn})
	case ir.KindUser:
		_, err = p.iamClient.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{UserName: name, PolicyArn: arn})
	default:
		_, err = p.iamClient.AttachGroupPolicy(ctx, &iam.AttachGroupPolicyInput{GroupName: name, PolicyArn: arn})
	}
	return err
}

func (p *Provider) attachedPolicies(ctx context.Context, parent ir.Key) ([]string, error) {
	var arns []string
	collect := func(policies []types.AttachedPolicy) {
		for _, pol := range policies {
			arns = append(arns, aws.ToString(pol.PolicyArn))
		}
	}
	name := aws.String(parent.Name)
	switch parent.Kind {
	case ir.KindRole:
		pager := iam.NewListAttachedRolePoliciesPaginator(p.iamClient, &iam.ListAttachedRolePoliciesInput{RoleName: name})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			collect(page.AttachedPolicies)
		}
	case ir.KindUser:
		pager := iam.NewListAttachedUserPoliciesPaginator(p.iamClient, &iam.ListAttachedUserPoliciesInput{UserName: name})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			collect(page.AttachedPolicies)
		}
	default:
		pager := iam.NewListAttachedGroupPoliciesPaginator(p.iamClient, &iam.ListAttachedGroupPoliciesInput{GroupName: name})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			collect(page.AttachedPolicies)
		}
	}
	return arns, nil
}

func (p *Provider) attachMembership(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindGroup); err != nil {
		return err
	}
	var att membershipAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	if att.UserName == "" {
		return invalid("attach", rule.Parent, "userName is required")
	}
	out, err := p.getGroup(ctx, rule.Parent.Name)
	if err != nil {
		return err
	}
	if out == nil {
		return missing("attach", rule.Parent)
	}
	for _, u := range out.Users {
		if aws.ToString(u.UserName) == att.UserName {
			return present(rule)
		}
	}
	_, err = p.iamClient.AddUserToGroup(ctx, &iam.AddUserToGroupInput{
		GroupName: aws.String(rule.Parent.Name),
		UserName:  aws.String(att.UserName),
	})
	return err
}

// attachProfileRole adds a role to an instance profile. A profile holds at
// most one role.
func (p *Provider) attachProfileRole(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindInstanceProfile); err != nil {
		return err
	}
	var att profileRoleAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	if att.RoleName == "" {
		return invalid("attach", rule.Parent, "roleName is required")
	}
	ip, err := p.getInstanceProfile(ctx, rule.Parent.Name)
	if err != nil {
		return err
	}
	if ip == nil {
		return missing("attach", rule.Parent)
	}
	if len(ip.Roles) > 0 {
		have := aws.ToString(ip.Roles[0].RoleName)
		if have == att.RoleName {
			return present(rule)
		}
		return invalid("attach", rule.Parent, "instance profile already holds role %s", have)
	}
	_, err = p.iamClient.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(rule.Parent.Name),
		RoleName:            aws.String(att.RoleName),
	})
	return err
}
