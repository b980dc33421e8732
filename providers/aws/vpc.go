package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/picklr-io/converge/internal/ir"
)

type VpcProperties struct {
	CidrBlock       string            `json:"cidrBlock"`
	InstanceTenancy string            `json:"instanceTenancy"`
	Tags            map[string]string `json:"tags"`
}

type SubnetProperties struct {
	CidrBlock        string            `json:"cidrBlock"`
	AvailabilityZone string            `json:"availabilityZone"`
	Tags             map[string]string `json:"tags"`
}

type GatewayProperties struct {
	Tags map[string]string `json:"tags"`
}

type RouteTableProperties struct {
	Tags map[string]string `json:"tags"`
}

type gatewayAttachment struct {
	VpcID string `json:"vpcId"`
}

type routeAttachment struct {
	DestinationCidrBlock string `json:"destinationCidrBlock"`
	GatewayID            string `json:"gatewayId"`
}

type associationAttachment struct {
	SubnetID string `json:"subnetId"`
}

type vpcAttributes struct {
	EnableDnsHostnames *bool `json:"enableDnsHostnames"`
	EnableDnsSupport   *bool `json:"enableDnsSupport"`
}

type subnetAttributes struct {
	MapPublicIpOnLaunch *bool `json:"mapPublicIpOnLaunch"`
}

func vpcStatus(s types.VpcState) ir.Status {
	switch s {
	case types.VpcStatePending:
		return ir.StatusPending
	case types.VpcStateAvailable:
		return ir.StatusActive
	}
	return ir.StatusUnknown
}

func subnetStatus(s types.SubnetState) ir.Status {
	switch s {
	case types.SubnetStatePending:
		return ir.StatusPending
	case types.SubnetStateAvailable:
		return ir.StatusActive
	case "unavailable", "failed", "failed-insufficient-capacity":
		return ir.StatusFailed
	}
	return ir.StatusUnknown
}

// Vpc

func (p *Provider) findVpc(ctx context.Context, key ir.Key) (*types.Vpc, error) {
	out, err := p.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []types.Filter{ec2Filter("tag:Name", key.Name)},
	})
	if err != nil {
		return nil, err
	}
	if len(out.Vpcs) == 0 {
		return nil, nil
	}
	if err := single(key, len(out.Vpcs)); err != nil {
		return nil, err
	}
	return &out.Vpcs[0], nil
}

func vpcHandle(key ir.Key, v *types.Vpc) *ir.Handle {
	return &ir.Handle{
		Key:    key,
		ID:     aws.ToString(v.VpcId),
		Status: vpcStatus(v.State),
		State:  string(v.State),
		Attributes: map[string]string{
			"cidrBlock": aws.ToString(v.CidrBlock),
			"ownerId":   aws.ToString(v.OwnerId),
		},
	}
}

func (p *Provider) describeVpc(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	v, err := p.findVpc(ctx, key)
	if err != nil || v == nil {
		return nil, err
	}
	return vpcHandle(key, v), nil
}

func (p *Provider) createVpc(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props VpcProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if props.CidrBlock == "" {
		return nil, invalid("create", spec.Key, "cidrBlock is required")
	}
	input := &ec2.CreateVpcInput{
		CidrBlock:         aws.String(props.CidrBlock),
		TagSpecifications: ec2Tags(types.ResourceTypeVpc, spec.Key.Name, props.Tags),
	}
	if props.InstanceTenancy != "" {
		input.InstanceTenancy = types.Tenancy(props.InstanceTenancy)
	}
	out, err := p.ec2Client.CreateVpc(ctx, input)
	if err != nil {
		return nil, err
	}
	return vpcHandle(spec.Key, out.Vpc), nil
}

func (p *Provider) deleteVpc(ctx context.Context, key ir.Key) error {
	v, err := p.findVpc(ctx, key)
	if err != nil {
		return err
	}
	if v == nil {
		return missing("delete", key)
	}
	_, err = p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: v.VpcId})
	return err
}

func (p *Provider) attachVpcAttribute(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindVpc); err != nil {
		return err
	}
	var attrs vpcAttributes
	if err := rule.Decode(&attrs); err != nil {
		return err
	}
	if attrs.EnableDnsHostnames == nil && attrs.EnableDnsSupport == nil {
		return invalid("attach", rule.Parent, "no vpc attribute given")
	}
	v, err := p.findVpc(ctx, rule.Parent)
	if err != nil {
		return err
	}
	if v == nil {
		return missing("attach", rule.Parent)
	}

	changed := false
	if attrs.EnableDnsSupport != nil {
		c, err := p.setVpcAttribute(ctx, v.VpcId, types.VpcAttributeNameEnableDnsSupport, *attrs.EnableDnsSupport)
		if err != nil {
			return err
		}
		changed = changed || c
	}
	if attrs.EnableDnsHostnames != nil {
		c, err := p.setVpcAttribute(ctx, v.VpcId, types.VpcAttributeNameEnableDnsHostnames, *attrs.EnableDnsHostnames)
		if err != nil {
			return err
		}
		changed = changed || c
	}
	if !changed {
		return present(rule)
	}
	return nil
}

// setVpcAttribute sets one boolean attribute, reporting whether it had to
// change.
func (p *Provider) setVpcAttribute(ctx context.Context, vpcID *string, name types.VpcAttributeName, want bool) (bool, error) {
	cur, err := p.ec2Client.DescribeVpcAttribute(ctx, &ec2.DescribeVpcAttributeInput{VpcId: vpcID, Attribute: name})
	if err != nil {
		return false, err
	}
	var have *types.AttributeBooleanValue
	if name == types.VpcAttributeNameEnableDnsHostnames {
		have = cur.EnableDnsHostnames
	} else {
		have = cur.EnableDnsSupport
	}
	if have != nil && aws.ToBool(have.Value) == want {
		return false, nil
	}

	input := &ec2.ModifyVpcAttributeInput{VpcId: vpcID}
	value := &types.AttributeBooleanValue{Value: aws.Bool(want)}
	if name == types.VpcAttributeNameEnableDnsHostnames {
		input.EnableDnsHostnames = value
	} else {
		input.EnableDnsSupport = value
	}
	_, err = p.ec2Client.ModifyVpcAttribute(ctx, input)
	return err == nil, err
}

// Subnet

func (p *Provider) findSubnet(ctx context.Context, key ir.Key) (*types.Subnet, error) {
	filters := []types.Filter{ec2Filter("tag:Name", key.Name)}
	if key.Scope != "" {
		filters = append(filters, ec2Filter("vpc-id", key.Scope))
	}
	out, err := p.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: filters})
	if err != nil {
		return nil, err
	}
	if len(out.Subnets) == 0 {
		return nil, nil
	}
	if err := single(key, len(out.Subnets)); err != nil {
		return nil, err
	}
	return &out.Subnets[0], nil
}

func subnetHandle(key ir.Key, s *types.Subnet) *ir.Handle {
	return &ir.Handle{
		Key:    key,
		ID:     aws.ToString(s.SubnetId),
		ARN:    aws.ToString(s.SubnetArn),
		Status: subnetStatus(s.State),
		State:  string(s.State),
		Attributes: map[string]string{
			"vpcId":            aws.ToString(s.VpcId),
			"cidrBlock":        aws.ToString(s.CidrBlock),
			"availabilityZone": aws.ToString(s.AvailabilityZone),
		},
	}
}

func (p *Provider) describeSubnet(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	s, err := p.findSubnet(ctx, key)
	if err != nil || s == nil {
		return nil, err
	}
	return subnetHandle(key, s), nil
}

func (p *Provider) createSubnet(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props SubnetProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if spec.Key.Scope == "" {
		return nil, invalid("create", spec.Key, "subnet requires a vpc id scope")
	}
	if props.CidrBlock == "" {
		return nil, invalid("create", spec.Key, "cidrBlock is required")
	}
	input := &ec2.CreateSubnetInput{
		VpcId:             aws.String(spec.Key.Scope),
		CidrBlock:         aws.String(props.CidrBlock),
		TagSpecifications: ec2Tags(types.ResourceTypeSubnet, spec.Key.Name, props.Tags),
	}
	if props.AvailabilityZone != "" {
		input.AvailabilityZone = aws.String(props.AvailabilityZone)
	}
	out, err := p.ec2Client.CreateSubnet(ctx, input)
	if err != nil {
		return nil, err
	}
	return subnetHandle(spec.Key, out.Subnet), nil
}

func (p *Provider) deleteSubnet(ctx context.Context, key ir.Key) error {
	s, err := p.findSubnet(ctx, key)
	if err != nil {
		return err
	}
	if s == nil {
		return missing("delete", key)
	}
	_, err = p.ec2Client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: s.SubnetId})
	return err
}

func (p *Provider) attachSubnetAttribute(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindSubnet); err != nil {
		return err
	}
	var attrs subnetAttributes
	if err := rule.Decode(&attrs); err != nil {
		return err
	}
	if attrs.MapPublicIpOnLaunch == nil {
		return invalid("attach", rule.Parent, "no subnet attribute given")
	}
	s, err := p.findSubnet(ctx, rule.Parent)
	if err != nil {
		return err
	}
	if s == nil {
		return missing("attach", rule.Parent)
	}
	if aws.ToBool(s.MapPublicIpOnLaunch) == *attrs.MapPublicIpOnLaunch {
		return present(rule)
	}
	_, err = p.ec2Client.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
		SubnetId:            s.SubnetId,
		MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: attrs.MapPublicIpOnLaunch},
	})
	return err
}

// InternetGateway

func (p *Provider) findGateway(ctx context.Context, key ir.Key) (*types.InternetGateway, error) {
	out, err := p.ec2Client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []types.Filter{ec2Filter("tag:Name", key.Name)},
	})
	if err != nil {
		return nil, err
	}
	if len(out.InternetGateways) == 0 {
		return nil, nil
	}
	if err := single(key, len(out.InternetGateways)); err != nil {
		return nil, err
	}
	return &out.InternetGateways[0], nil
}

func gatewayHandle(key ir.Key, g *types.InternetGateway) *ir.Handle {
	h := &ir.Handle{
		Key:        key,
		ID:         aws.ToString(g.InternetGatewayId),
		Status:     ir.StatusActive,
		State:      "available",
		Attributes: map[string]string{"ownerId": aws.ToString(g.OwnerId)},
	}
	if len(g.Attachments) > 0 {
		h.Attributes["vpcId"] = aws.ToString(g.Attachments[0].VpcId)
		h.State = string(g.Attachments[0].State)
	}
	return h
}

func (p *Provider) describeGateway(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	g, err := p.findGateway(ctx, key)
	if err != nil || g == nil {
		return nil, err
	}
	return gatewayHandle(key, g), nil
}

func (p *Provider) createGateway(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props GatewayProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	out, err := p.ec2Client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: ec2Tags(types.ResourceTypeInternetGateway, spec.Key.Name, props.Tags),
	})
	if err != nil {
		return nil, err
	}
	return gatewayHandle(spec.Key, out.InternetGateway), nil
}

// deleteGateway detaches the gateway from its VPCs first; a VPC cannot be
// deleted while a gateway is attached and vice versa.
func (p *Provider) deleteGateway(ctx context.Context, key ir.Key) error {
	g, err := p.findGateway(ctx, key)
	if err != nil {
		return err
	}
	if g == nil {
		return missing("delete", key)
	}
	for _, a := range g.Attachments {
		_, err := p.ec2Client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: g.InternetGatewayId,
			VpcId:             a.VpcId,
		})
		if err != nil && !isNotFound(err) {
			return err
		}
	}
	_, err = p.ec2Client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: g.InternetGatewayId})
	return err
}

func (p *Provider) attachGateway(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindInternetGateway); err != nil {
		return err
	}
	var att gatewayAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	if att.VpcID == "" {
		return invalid("attach", rule.Parent, "vpcId is required")
	}
	g, err := p.findGateway(ctx, rule.Parent)
	if err != nil {
		return err
	}
	if g == nil {
		return missing("attach", rule.Parent)
	}
	if len(g.Attachments) > 0 {
		attached := aws.ToString(g.Attachments[0].VpcId)
		if attached == att.VpcID {
			return present(rule)
		}
		return invalid("attach", rule.Parent, "gateway is attached to %s", attached)
	}
	_, err = p.ec2Client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: g.InternetGatewayId,
		VpcId:             aws.String(att.VpcID),
	})
	return err
}

// RouteTable

func (p *Provider) findRouteTable(ctx context.Context, key ir.Key) (*types.RouteTable, error) {
	filters := []types.Filter{ec2Filter("tag:Name", key.Name)}
	if key.Scope != "" {
		filters = append(filters, ec2Filter("vpc-id", key.Scope))
	}
	out, err := p.ec2Client.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: filters})
	if err != nil {
		return nil, err
	}
	if len(out.RouteTables) == 0 {
		return nil, nil
	}
	if err := single(key, len(out.RouteTables)); err != nil {
		return nil, err
	}
	return &out.RouteTables[0], nil
}

func routeTableHandle(key ir.Key, rt *types.RouteTable) *ir.Handle {
	return &ir.Handle{
		Key:        key,
		ID:         aws.ToString(rt.RouteTableId),
		Status:     ir.StatusActive,
		Attributes: map[string]string{"vpcId": aws.ToString(rt.VpcId)},
	}
}

func (p *Provider) describeRouteTable(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	rt, err := p.findRouteTable(ctx, key)
	if err != nil || rt == nil {
		return nil, err
	}
	return routeTableHandle(key, rt), nil
}

func (p *Provider) createRouteTable(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props RouteTableProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if spec.Key.Scope == "" {
		return nil, invalid("create", spec.Key, "route table requires a vpc id scope")
	}
	out, err := p.ec2Client.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(spec.Key.Scope),
		ClientToken:       aws.String(p.clientToken(spec.Key)),
		TagSpecifications: ec2Tags(types.ResourceTypeRouteTable, spec.Key.Name, props.Tags),
	})
	if err != nil {
		return nil, err
	}
	return routeTableHandle(spec.Key, out.RouteTable), nil
}

func (p *Provider) deleteRouteTable(ctx context.Context, key ir.Key) error {
	rt, err := p.findRouteTable(ctx, key)
	if err != nil {
		return err
	}
	if rt == nil {
		return missing("delete", key)
	}
	for _, a := range rt.Associations {
		if aws.ToBool(a.Main) || a.RouteTableAssociationId == nil {
			continue
		}
		_, err := p.ec2Client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{AssociationId: a.RouteTableAssociationId})
		if err != nil && !isNotFound(err) {
			return err
		}
	}
	_, err = p.ec2Client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: rt.RouteTableId})
	return err
}

func (p *Provider) attachRoute(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindRouteTable); err != nil {
		return err
	}
	var att routeAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	if att.DestinationCidrBlock == "" {
		att.DestinationCidrBlock = "0.0.0.0/0"
	}
	if att.GatewayID == "" {
		return invalid("attach", rule.Parent, "gatewayId is required")
	}
	rt, err := p.findRouteTable(ctx, rule.Parent)
	if err != nil {
		return err
	}
	if rt == nil {
		return missing("attach", rule.Parent)
	}
	for _, r := range rt.Routes {
		if aws.ToString(r.DestinationCidrBlock) != att.DestinationCidrBlock {
			continue
		}
		if aws.ToString(r.GatewayId) == att.GatewayID {
			return present(rule)
		}
		return invalid("attach", rule.Parent, "route to %s already targets %s", att.DestinationCidrBlock, aws.ToString(r.GatewayId))
	}
	_, err = p.ec2Client.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         rt.RouteTableId,
		DestinationCidrBlock: aws.String(att.DestinationCidrBlock),
		GatewayId:            aws.String(att.GatewayID),
	})
	return err
}

func (p *Provider) attachRouteTableAssociation(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindRouteTable); err != nil {
		return err
	}
	var att associationAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	if att.SubnetID == "" {
		return invalid("attach", rule.Parent, "subnetId is required")
	}
	rt, err := p.findRouteTable(ctx, rule.Parent)
	if err != nil {
		return err
	}
	if rt == nil {
		return missing("attach", rule.Parent)
	}
	for _, a := range rt.Associations {
		if aws.ToString(a.SubnetId) == att.SubnetID {
			return present(rule)
		}
	}
	_, err = p.ec2Client.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: rt.RouteTableId,
		SubnetId:     aws.String(att.SubnetID),
	})
	return err
}
