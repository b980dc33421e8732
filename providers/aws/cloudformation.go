package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/picklr-io/converge/internal/ir"
)

type StackProperties struct {
	TemplateBody string            `json:"templateBody"`
	TemplateURL  string            `json:"templateUrl"`
	Parameters   map[string]string `json:"parameters"`
	Capabilities []string          `json:"capabilities"`
	Tags         map[string]string `json:"tags"`
}

func (s StackProperties) parameters() []types.Parameter {
	var params []types.Parameter
	for _, k := range sortedKeys(s.Parameters) {
		params = append(params, types.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(s.Parameters[k])})
	}
	return params
}

func (s StackProperties) capabilities() []types.Capability {
	var caps []types.Capability
	for _, c := range s.Capabilities {
		caps = append(caps, types.Capability(c))
	}
	return caps
}

func (s StackProperties) tags() []types.Tag {
	var tags []types.Tag
	for _, k := range sortedKeys(s.Tags) {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(s.Tags[k])})
	}
	return tags
}

// stackStatus maps CloudFormation stack states. A stack being deleted is
// Deleting so it is never reused; every other in-progress state is Pending.
func stackStatus(s string) ir.Status {
	switch {
	case s == "DELETE_COMPLETE":
		return ir.StatusDeleted
	case s == "DELETE_IN_PROGRESS":
		return ir.StatusDeleting
	case strings.HasSuffix(s, "_IN_PROGRESS"):
		return ir.StatusPending
	case s == "CREATE_COMPLETE", s == "UPDATE_COMPLETE", s == "IMPORT_COMPLETE":
		return ir.StatusActive
	case strings.HasSuffix(s, "_FAILED"), strings.HasSuffix(s, "ROLLBACK_COMPLETE"):
		return ir.StatusFailed
	}
	return ir.StatusUnknown
}

func stackHandle(key ir.Key, s *types.Stack) *ir.Handle {
	state := string(s.StackStatus)
	h := &ir.Handle{
		Key:        key,
		ID:         aws.ToString(s.StackId),
		ARN:        aws.ToString(s.StackId),
		Status:     stackStatus(state),
		State:      state,
		Attributes: map[string]string{},
	}
	if s.StackStatusReason != nil {
		h.Attributes["statusReason"] = aws.ToString(s.StackStatusReason)
	}
	for _, o := range s.Outputs {
		h.Attributes["outputs."+aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return h
}

func (p *Provider) describeStack(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	out, err := p.cfnClient.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(key.Name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(out.Stacks) == 0 {
		return nil, nil
	}
	return stackHandle(key, &out.Stacks[0]), nil
}

func decodeStack(spec ir.Spec) (StackProperties, error) {
	var props StackProperties
	if err := spec.Decode(&props); err != nil {
		return props, err
	}
	if props.TemplateBody == "" && props.TemplateURL == "" {
		return props, invalid("create", spec.Key, "templateBody or templateUrl is required")
	}
	return props, nil
}

func (p *Provider) createStack(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	props, err := decodeStack(spec)
	if err != nil {
		return nil, err
	}
	out, err := p.cfnClient.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(spec.Key.Name),
		TemplateBody: optional(props.TemplateBody),
		TemplateURL:  optional(props.TemplateURL),
		Parameters:   props.parameters(),
		Capabilities: props.capabilities(),
		Tags:         props.tags(),
	})
	if err != nil {
		return nil, err
	}
	return &ir.Handle{
		Key:    spec.Key,
		ID:     aws.ToString(out.StackId),
		ARN:    aws.ToString(out.StackId),
		Status: ir.StatusPending,
		State:  string(types.StackStatusCreateInProgress),
	}, nil
}

// updateStack submits the template again. CloudFormation answers an
// identical template with "No updates are to be performed", which
// classifies as Unchanged.
func (p *Provider) updateStack(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	props, err := decodeStack(spec)
	if err != nil {
		return nil, err
	}
	out, err := p.cfnClient.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(spec.Key.Name),
		TemplateBody: optional(props.TemplateBody),
		TemplateURL:  optional(props.TemplateURL),
		Parameters:   props.parameters(),
		Capabilities: props.capabilities(),
		Tags:         props.tags(),
	})
	if err != nil {
		return nil, err
	}
	return &ir.Handle{
		Key:    spec.Key,
		ID:     aws.ToString(out.StackId),
		ARN:    aws.ToString(out.StackId),
		Status: ir.StatusPending,
		State:  string(types.StackStatusUpdateInProgress),
	}, nil
}

// deleteStack checks for the stack first: DeleteStack itself succeeds
// silently for a stack that does not exist.
func (p *Provider) deleteStack(ctx context.Context, key ir.Key) error {
	h, err := p.describeStack(ctx, key)
	if err != nil {
		return err
	}
	if h == nil || h.Status == ir.StatusDeleted {
		return missing("delete", key)
	}
	_, err = p.cfnClient.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(key.Name)})
	return err
}
