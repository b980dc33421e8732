package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/picklr-io/converge/internal/ir"
)

type SecurityGroupProperties struct {
	Description string            `json:"description"`
	Tags        map[string]string `json:"tags"`
}

// Permission is one ingress or egress rule. Port is shorthand for equal
// FromPort and ToPort; with no CIDR and no source group the rule is open to
// 0.0.0.0/0.
type Permission struct {
	Protocol      string   `json:"protocol"`
	Port          *int32   `json:"port"`
	FromPort      *int32   `json:"fromPort"`
	ToPort        *int32   `json:"toPort"`
	Cidr          string   `json:"cidr"`
	Cidrs         []string `json:"cidrs"`
	SourceGroupID string   `json:"sourceGroupId"`
	Description   string   `json:"description"`
}

func (r Permission) ipPermission() (types.IpPermission, error) {
	proto := strings.ToLower(r.Protocol)
	switch proto {
	case "", "tcp":
		proto = "tcp"
	case "all", "-1":
		proto = "-1"
	}
	perm := types.IpPermission{IpProtocol: aws.String(proto)}

	if proto != "-1" {
		from, to := r.FromPort, r.ToPort
		if r.Port != nil {
			from, to = r.Port, r.Port
		}
		if from == nil {
			return perm, fmt.Errorf("port or fromPort is required for protocol %s", proto)
		}
		if to == nil {
			to = from
		}
		perm.FromPort, perm.ToPort = from, to
	}

	cidrs := r.Cidrs
	if r.Cidr != "" {
		cidrs = append([]string{r.Cidr}, cidrs...)
	}
	if len(cidrs) == 0 && r.SourceGroupID == "" {
		cidrs = []string{"0.0.0.0/0"}
	}
	for _, c := range cidrs {
		rng := types.IpRange{CidrIp: aws.String(c)}
		if r.Description != "" {
			rng.Description = aws.String(r.Description)
		}
		perm.IpRanges = append(perm.IpRanges, rng)
	}
	if r.SourceGroupID != "" {
		perm.UserIdGroupPairs = []types.UserIdGroupPair{{GroupId: aws.String(r.SourceGroupID)}}
	}
	return perm, nil
}

func (p *Provider) findSecurityGroup(ctx context.Context, key ir.Key) (*types.SecurityGroup, error) {
	filters := []types.Filter{ec2Filter("group-name", key.Name)}
	if key.Scope != "" {
		filters = append(filters, ec2Filter("vpc-id", key.Scope))
	}
	out, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: filters})
	if err != nil {
		return nil, err
	}
	if len(out.SecurityGroups) == 0 {
		return nil, nil
	}
	if err := single(key, len(out.SecurityGroups)); err != nil {
		return nil, err
	}
	return &out.SecurityGroups[0], nil
}

func securityGroupHandle(key ir.Key, sg *types.SecurityGroup) *ir.Handle {
	return &ir.Handle{
		Key:    key,
		ID:     aws.ToString(sg.GroupId),
		ARN:    aws.ToString(sg.SecurityGroupArn),
		Status: ir.StatusActive,
		Attributes: map[string]string{
			"vpcId":     aws.ToString(sg.VpcId),
			"groupName": aws.ToString(sg.GroupName),
		},
	}
}

func (p *Provider) describeSecurityGroup(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	sg, err := p.findSecurityGroup(ctx, key)
	if err != nil || sg == nil {
		return nil, err
	}
	return securityGroupHandle(key, sg), nil
}

func (p *Provider) createSecurityGroup(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props SecurityGroupProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if props.Description == "" {
		props.Description = spec.Key.Name
	}
	input := &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(spec.Key.Name),
		Description:       aws.String(props.Description),
		TagSpecifications: ec2Tags(types.ResourceTypeSecurityGroup, spec.Key.Name, props.Tags),
	}
	if spec.Key.Scope != "" {
		input.VpcId = aws.String(spec.Key.Scope)
	}
	out, err := p.ec2Client.CreateSecurityGroup(ctx, input)
	if err != nil {
		return nil, err
	}
	return &ir.Handle{
		Key:        spec.Key,
		ID:         aws.ToString(out.GroupId),
		ARN:        aws.ToString(out.SecurityGroupArn),
		Status:     ir.StatusActive,
		Attributes: map[string]string{"vpcId": spec.Key.Scope, "groupName": spec.Key.Name},
	}, nil
}

func (p *Provider) deleteSecurityGroup(ctx context.Context, key ir.Key) error {
	sg, err := p.findSecurityGroup(ctx, key)
	if err != nil {
		return err
	}
	if sg == nil {
		return missing("delete", key)
	}
	_, err = p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: sg.GroupId})
	return err
}

// attachPermission authorizes one rule. A duplicate rule comes back as
// InvalidPermission.Duplicate, which classifies as AlreadyExists.
func (p *Provider) attachPermission(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindSecurityGroup); err != nil {
		return err
	}
	var r Permission
	if err := rule.Decode(&r); err != nil {
		return err
	}
	perm, err := r.ipPermission()
	if err != nil {
		return invalid("attach", rule.Parent, "%v", err)
	}
	sg, err := p.findSecurityGroup(ctx, rule.Parent)
	if err != nil {
		return err
	}
	if sg == nil {
		return missing("attach", rule.Parent)
	}

	if rule.Kind == ir.AttachEgress {
		_, err = p.ec2Client.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       sg.GroupId,
			IpPermissions: []types.IpPermission{perm},
		})
		return err
	}
	_, err = p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       sg.GroupId,
		IpPermissions: []types.IpPermission{perm},
	})
	return err
}
