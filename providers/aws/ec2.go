package aws

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/picklr-io/converge/internal/ir"
)

// DefaultImageParameter is the public SSM parameter resolved when an
// instance names no AMI.
const DefaultImageParameter = "/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-x86_64"

type InstanceProperties struct {
	AMI                string            `json:"ami"`
	InstanceType       string            `json:"instanceType"`
	KeyName            string            `json:"keyName"`
	SubnetID           string            `json:"subnetId"`
	SecurityGroupIDs   []string          `json:"securityGroupIds"`
	UserData           string            `json:"userData"`
	AssociatePublicIP  *bool             `json:"associatePublicIp"`
	IamInstanceProfile string            `json:"iamInstanceProfile"`
	Tags               map[string]string `json:"tags"`
}

type profileAttachment struct {
	Name string `json:"name"`
}

type groupAttachment struct {
	GroupID string `json:"groupId"`
}

func instanceStatus(s types.InstanceStateName) ir.Status {
	switch s {
	case types.InstanceStateNamePending:
		return ir.StatusPending
	case types.InstanceStateNameRunning:
		return ir.StatusActive
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameStopping:
		return ir.StatusDeleting
	case types.InstanceStateNameTerminated:
		return ir.StatusDeleted
	case types.InstanceStateNameStopped:
		return ir.StatusFailed
	}
	return ir.StatusUnknown
}

// findInstance returns the instance tagged with the key's name. Terminated
// instances are invisible; a live instance wins over one shutting down.
func (p *Provider) findInstance(ctx context.Context, key ir.Key) (*types.Instance, error) {
	out, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			ec2Filter("tag:Name", key.Name),
			ec2Filter("instance-state-name", "pending", "running", "stopping", "stopped", "shutting-down"),
		},
	})
	if err != nil {
		return nil, err
	}

	var live, dying []*types.Instance
	for i := range out.Reservations {
		for j := range out.Reservations[i].Instances {
			inst := &out.Reservations[i].Instances[j]
			if inst.State != nil && instanceStatus(inst.State.Name) == ir.StatusDeleting {
				dying = append(dying, inst)
				continue
			}
			live = append(live, inst)
		}
	}
	switch {
	case len(live) > 0:
		if err := single(key, len(live)); err != nil {
			return nil, err
		}
		return live[0], nil
	case len(dying) > 0:
		return dying[0], nil
	}
	return nil, nil
}

func instanceHandle(key ir.Key, inst *types.Instance) *ir.Handle {
	h := &ir.Handle{
		Key: key,
		ID:  aws.ToString(inst.InstanceId),
		Attributes: map[string]string{
			"instanceType":  string(inst.InstanceType),
			"imageId":       aws.ToString(inst.ImageId),
			"subnetId":      aws.ToString(inst.SubnetId),
			"vpcId":         aws.ToString(inst.VpcId),
			"privateIp":     aws.ToString(inst.PrivateIpAddress),
			"publicIp":      aws.ToString(inst.PublicIpAddress),
			"publicDnsName": aws.ToString(inst.PublicDnsName),
		},
	}
	if inst.State != nil {
		h.Status = instanceStatus(inst.State.Name)
		h.State = string(inst.State.Name)
	}
	if inst.Placement != nil {
		h.Attributes["availabilityZone"] = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if inst.IamInstanceProfile != nil {
		h.Attributes["iamInstanceProfile"] = aws.ToString(inst.IamInstanceProfile.Arn)
	}
	return h
}

func (p *Provider) describeInstance(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	inst, err := p.findInstance(ctx, key)
	if err != nil || inst == nil {
		return nil, err
	}
	return instanceHandle(key, inst), nil
}

func (p *Provider) createInstance(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props InstanceProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if props.InstanceType == "" {
		props.InstanceType = string(types.InstanceTypeT2Micro)
	}
	if props.AMI == "" {
		ami, err := p.resolveImage(ctx, DefaultImageParameter)
		if err != nil {
			return nil, err
		}
		props.AMI = ami
	}

	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(props.AMI),
		InstanceType:      types.InstanceType(props.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		ClientToken:       aws.String(p.clientToken(spec.Key)),
		TagSpecifications: ec2Tags(types.ResourceTypeInstance, spec.Key.Name, props.Tags),
	}
	if props.KeyName != "" {
		input.KeyName = aws.String(props.KeyName)
	}
	if props.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(props.UserData)))
	}
	if props.IamInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(props.IamInstanceProfile)}
	}
	if props.AssociatePublicIP != nil && props.SubnetID != "" {
		// A public address can only be requested on an explicit interface.
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			SubnetId:                 aws.String(props.SubnetID),
			Groups:                   props.SecurityGroupIDs,
			AssociatePublicIpAddress: props.AssociatePublicIP,
		}}
	} else {
		if props.SubnetID != "" {
			input.SubnetId = aws.String(props.SubnetID)
		}
		input.SecurityGroupIds = props.SecurityGroupIDs
	}

	out, err := p.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(out.Instances) == 0 {
		return nil, invalid("create", spec.Key, "RunInstances returned no instance")
	}
	return instanceHandle(spec.Key, &out.Instances[0]), nil
}

func (p *Provider) deleteInstance(ctx context.Context, key ir.Key) error {
	inst, err := p.findInstance(ctx, key)
	if err != nil {
		return err
	}
	if inst == nil {
		return missing("delete", key)
	}
	_, err = p.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{aws.ToString(inst.InstanceId)}})
	return err
}

func (p *Provider) resolveImage(ctx context.Context, parameter string) (string, error) {
	out, err := p.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(parameter)})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Parameter.Value), nil
}

func (p *Provider) attachInstanceProfile(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindInstance); err != nil {
		return err
	}
	var att profileAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	if att.Name == "" {
		return invalid("attach", rule.Parent, "instance profile name is required")
	}
	inst, err := p.findInstance(ctx, rule.Parent)
	if err != nil {
		return err
	}
	if inst == nil {
		return missing("attach", rule.Parent)
	}
	if inst.IamInstanceProfile != nil {
		arn := aws.ToString(inst.IamInstanceProfile.Arn)
		if strings.HasSuffix(arn, "/"+att.Name) {
			return present(rule)
		}
		return invalid("attach", rule.Parent, "instance already uses profile %s", arn)
	}
	_, err = p.ec2Client.AssociateIamInstanceProfile(ctx, &ec2.AssociateIamInstanceProfileInput{
		InstanceId:         inst.InstanceId,
		IamInstanceProfile: &types.IamInstanceProfileSpecification{Name: aws.String(att.Name)},
	})
	return err
}

func (p *Provider) attachInstanceSecurityGroup(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindInstance); err != nil {
		return err
	}
	var att groupAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	if att.GroupID == "" {
		return invalid("attach", rule.Parent, "groupId is required")
	}
	inst, err := p.findInstance(ctx, rule.Parent)
	if err != nil {
		return err
	}
	if inst == nil {
		return missing("attach", rule.Parent)
	}
	groups := []string{att.GroupID}
	for _, g := range inst.SecurityGroups {
		id := aws.ToString(g.GroupId)
		if id == att.GroupID {
			return present(rule)
		}
		groups = append(groups, id)
	}
	_, err = p.ec2Client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: inst.InstanceId,
		Groups:     groups,
	})
	return err
}
