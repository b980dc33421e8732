package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/picklr-io/converge/internal/ir"
)

type ClusterProperties struct {
	Version               string            `json:"version"`
	RoleArn               string            `json:"roleArn"`
	SubnetIDs             []string          `json:"subnetIds"`
	SecurityGroupIDs      []string          `json:"securityGroupIds"`
	EndpointPublicAccess  *bool             `json:"endpointPublicAccess"`
	EndpointPrivateAccess *bool             `json:"endpointPrivateAccess"`
	Tags                  map[string]string `json:"tags"`
}

type NodeGroupProperties struct {
	NodeRoleArn   string            `json:"nodeRoleArn"`
	SubnetIDs     []string          `json:"subnetIds"`
	InstanceTypes []string          `json:"instanceTypes"`
	MinSize       int32             `json:"minSize"`
	MaxSize       int32             `json:"maxSize"`
	DesiredSize   int32             `json:"desiredSize"`
	AmiType       string            `json:"amiType"`
	CapacityType  string            `json:"capacityType"`
	DiskSize      *int32            `json:"diskSize"`
	Labels        map[string]string `json:"labels"`
	Tags          map[string]string `json:"tags"`
}

func clusterStatus(s types.ClusterStatus) ir.Status {
	switch s {
	case types.ClusterStatusCreating, types.ClusterStatusPending, types.ClusterStatusUpdating:
		return ir.StatusPending
	case types.ClusterStatusActive:
		return ir.StatusActive
	case types.ClusterStatusDeleting:
		return ir.StatusDeleting
	case types.ClusterStatusFailed:
		return ir.StatusFailed
	}
	return ir.StatusUnknown
}

func nodeGroupStatus(s types.NodegroupStatus) ir.Status {
	switch s {
	case types.NodegroupStatusCreating, types.NodegroupStatusUpdating:
		return ir.StatusPending
	case types.NodegroupStatusActive:
		return ir.StatusActive
	case types.NodegroupStatusDeleting:
		return ir.StatusDeleting
	case types.NodegroupStatusCreateFailed, types.NodegroupStatusDeleteFailed, types.NodegroupStatusDegraded:
		return ir.StatusFailed
	}
	return ir.StatusUnknown
}

// Cluster

func (p *Provider) getCluster(ctx context.Context, name string) (*types.Cluster, error) {
	out, err := p.eksClient.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Cluster, nil
}

func clusterHandle(key ir.Key, c *types.Cluster) *ir.Handle {
	h := &ir.Handle{
		Key:    key,
		ID:     aws.ToString(c.Name),
		ARN:    aws.ToString(c.Arn),
		Status: clusterStatus(c.Status),
		State:  string(c.Status),
		Attributes: map[string]string{
			"endpoint": aws.ToString(c.Endpoint),
			"version":  aws.ToString(c.Version),
			"roleArn":  aws.ToString(c.RoleArn),
		},
	}
	if c.ResourcesVpcConfig != nil {
		h.Attributes["vpcId"] = aws.ToString(c.ResourcesVpcConfig.VpcId)
		h.Attributes["clusterSecurityGroupId"] = aws.ToString(c.ResourcesVpcConfig.ClusterSecurityGroupId)
	}
	if c.CertificateAuthority != nil {
		h.Attributes["certificateAuthority"] = aws.ToString(c.CertificateAuthority.Data)
	}
	return h
}

func (p *Provider) describeCluster(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	c, err := p.getCluster(ctx, key.Name)
	if err != nil || c == nil {
		return nil, err
	}
	return clusterHandle(key, c), nil
}

func (p *Provider) createCluster(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props ClusterProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if props.RoleArn == "" {
		return nil, invalid("create", spec.Key, "roleArn is required")
	}
	if len(props.SubnetIDs) == 0 {
		subnets, err := p.defaultSubnets(ctx)
		if err != nil {
			return nil, err
		}
		if len(subnets) == 0 {
			return nil, invalid("create", spec.Key, "no subnetIds given and the region has no default subnets")
		}
		props.SubnetIDs = subnets
	}

	input := &eks.CreateClusterInput{
		Name:    aws.String(spec.Key.Name),
		RoleArn: aws.String(props.RoleArn),
		ResourcesVpcConfig: &types.VpcConfigRequest{
			SubnetIds:             props.SubnetIDs,
			SecurityGroupIds:      props.SecurityGroupIDs,
			EndpointPublicAccess:  props.EndpointPublicAccess,
			EndpointPrivateAccess: props.EndpointPrivateAccess,
		},
		Version: optional(props.Version),
	}
	if len(props.Tags) > 0 {
		input.Tags = props.Tags
	}
	out, err := p.eksClient.CreateCluster(ctx, input)
	if err != nil {
		return nil, err
	}
	return clusterHandle(spec.Key, out.Cluster), nil
}

// defaultSubnets lists the default-for-az subnets of the default VPC.
func (p *Provider) defaultSubnets(ctx context.Context) ([]string, error) {
	out, err := p.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{ec2Filter("default-for-az", "true")},
	})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range out.Subnets {
		ids = append(ids, aws.ToString(s.SubnetId))
	}
	return ids, nil
}

func (p *Provider) deleteCluster(ctx context.Context, key ir.Key) error {
	_, err := p.eksClient.DeleteCluster(ctx, &eks.DeleteClusterInput{Name: aws.String(key.Name)})
	return err
}

// NodeGroup

func nodeGroupHandle(key ir.Key, ng *types.Nodegroup) *ir.Handle {
	h := &ir.Handle{
		Key:    key,
		ID:     aws.ToString(ng.NodegroupName),
		ARN:    aws.ToString(ng.NodegroupArn),
		Status: nodeGroupStatus(ng.Status),
		State:  string(ng.Status),
		Attributes: map[string]string{
			"clusterName": aws.ToString(ng.ClusterName),
			"nodeRoleArn": aws.ToString(ng.NodeRole),
		},
	}
	if ng.Version != nil {
		h.Attributes["version"] = aws.ToString(ng.Version)
	}
	return h
}

func (p *Provider) describeNodeGroup(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	if key.Scope == "" {
		return nil, invalid("describe", key, "node group requires a cluster name scope")
	}
	out, err := p.eksClient.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   aws.String(key.Scope),
		NodegroupName: aws.String(key.Name),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nodeGroupHandle(key, out.Nodegroup), nil
}

func (p *Provider) createNodeGroup(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props NodeGroupProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if spec.Key.Scope == "" {
		return nil, invalid("create", spec.Key, "node group requires a cluster name scope")
	}
	if props.NodeRoleArn == "" {
		return nil, invalid("create", spec.Key, "nodeRoleArn is required")
	}
	if props.MinSize <= 0 {
		props.MinSize = 1
	}
	if props.MaxSize < props.MinSize {
		props.MaxSize = props.MinSize
	}
	if props.DesiredSize < props.MinSize || props.DesiredSize > props.MaxSize {
		props.DesiredSize = props.MinSize
	}
	if len(props.SubnetIDs) == 0 {
		c, err := p.getCluster(ctx, spec.Key.Scope)
		if err != nil {
			return nil, err
		}
		if c == nil || c.ResourcesVpcConfig == nil {
			return nil, missing("create", ir.Key{Kind: ir.KindCluster, Name: spec.Key.Scope})
		}
		props.SubnetIDs = c.ResourcesVpcConfig.SubnetIds
	}

	input := &eks.CreateNodegroupInput{
		ClusterName:   aws.String(spec.Key.Scope),
		NodegroupName: aws.String(spec.Key.Name),
		NodeRole:      aws.String(props.NodeRoleArn),
		Subnets:       props.SubnetIDs,
		ScalingConfig: &types.NodegroupScalingConfig{
			MinSize:     aws.Int32(props.MinSize),
			MaxSize:     aws.Int32(props.MaxSize),
			DesiredSize: aws.Int32(props.DesiredSize),
		},
		InstanceTypes: props.InstanceTypes,
		DiskSize:      props.DiskSize,
	}
	if props.AmiType != "" {
		input.AmiType = types.AMITypes(props.AmiType)
	}
	if props.CapacityType != "" {
		input.CapacityType = types.CapacityTypes(props.CapacityType)
	}
	if len(props.Labels) > 0 {
		input.Labels = props.Labels
	}
	if len(props.Tags) > 0 {
		input.Tags = props.Tags
	}
	out, err := p.eksClient.CreateNodegroup(ctx, input)
	if err != nil {
		return nil, err
	}
	return nodeGroupHandle(spec.Key, out.Nodegroup), nil
}

func (p *Provider) deleteNodeGroup(ctx context.Context, key ir.Key) error {
	_, err := p.eksClient.DeleteNodegroup(ctx, &eks.DeleteNodegroupInput{
		ClusterName:   aws.String(key.Scope),
		NodegroupName: aws.String(key.Name),
	})
	return err
}
