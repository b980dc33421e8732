package blueprint

import (
	"fmt"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

type NetworkParams struct {
	VpcCidr          string `json:"vpcCidr"`
	SubnetCidr       string `json:"subnetCidr"`
	AvailabilityZone string `json:"availabilityZone"`
	Ports            []int  `json:"ports"`
	// Instance settings. SkipInstance stops after the security group.
	SkipInstance bool   `json:"skipInstance"`
	AMI          string `json:"ami"`
	InstanceType string `json:"instanceType"`
	KeyName      string `json:"keyName"`
	UserData     string `json:"userData"`
}

var defaultPorts = []int{8080, 3001}

func init() {
	register(Blueprint{
		Name:        "network",
		Description: "VPC with a public subnet, internet gateway, routing, a security group and one instance",
		build:       buildNetwork,
	})
}

// buildNetwork names every resource after the unit: <unit>-vpc,
// <unit>-subnet and so on.
func buildNetwork(unit string, raw map[string]any, _ Env) ([]engine.Step, error) {
	var p NetworkParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Ports) == 0 {
		p.Ports = defaultPorts
	}
	for _, port := range p.Ports {
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %d", port)
		}
	}

	vpcName := unit + "-vpc"
	vpc := key(ir.KindVpc, vpcName)
	vpcID := engine.Ref(ir.KindVpc, vpcName, "id")
	subnet := scoped(ir.KindSubnet, unit+"-subnet", vpcID)
	igw := key(ir.KindInternetGateway, unit+"-igw")
	rt := scoped(ir.KindRouteTable, unit+"-rt", vpcID)
	sg := scoped(ir.KindSecurityGroup, unit+"-sg", vpcID)

	subnetProps := map[string]any{"cidrBlock": orDefault(p.SubnetCidr, "10.0.1.0/24")}
	if p.AvailabilityZone != "" {
		subnetProps["availabilityZone"] = p.AvailabilityZone
	}

	ingress := make([]ir.AttachmentRule, 0, len(p.Ports))
	for _, port := range p.Ports {
		ingress = append(ingress, ir.AttachmentRule{Kind: ir.AttachIngress, Properties: map[string]any{
			"protocol": "tcp",
			"port":     port,
			"cidr":     "0.0.0.0/0",
		}})
	}
	rules := append(ingress, ir.AttachmentRule{Kind: ir.AttachEgress, Properties: map[string]any{
		"protocol": "all",
		"cidr":     "0.0.0.0/0",
	}})

	steps := []engine.Step{
		engine.Ensure(ir.Spec{Key: vpc, Properties: map[string]any{"cidrBlock": orDefault(p.VpcCidr, "10.0.0.0/16")}}),
		engine.Attach(vpc, ir.AttachmentRule{Kind: ir.AttachVpcAttribute, Properties: map[string]any{"enableDnsHostnames": true}}),
		engine.Ensure(ir.Spec{Key: subnet, Properties: subnetProps}),
		engine.Attach(subnet, ir.AttachmentRule{Kind: ir.AttachSubnetAttribute, Properties: map[string]any{"mapPublicIpOnLaunch": true}}),
		engine.Ensure(ir.Spec{Key: igw}),
		engine.MustAttach(igw, ir.AttachmentRule{Kind: ir.AttachGateway, Properties: map[string]any{"vpcId": vpcID}}),
		engine.Ensure(ir.Spec{Key: rt}),
		engine.MustAttach(rt,
			ir.AttachmentRule{Kind: ir.AttachRoute, Properties: map[string]any{
				"destinationCidrBlock": "0.0.0.0/0",
				"gatewayId":            engine.Ref(ir.KindInternetGateway, igw.Name, "id"),
			}},
			ir.AttachmentRule{Kind: ir.AttachRouteTableAssoc, Properties: map[string]any{
				"subnetId": engine.Ref(ir.KindSubnet, subnet.Name, "id"),
			}},
		),
		engine.Ensure(ir.Spec{Key: sg, Properties: map[string]any{"description": "Security group for " + unit}}),
		engine.Attach(sg, rules...),
	}
	if p.SkipInstance {
		return steps, nil
	}

	instance := key(ir.KindInstance, unit+"-instance")
	props := map[string]any{
		"instanceType":      orDefault(p.InstanceType, "t2.micro"),
		"subnetId":          engine.Ref(ir.KindSubnet, subnet.Name, "id"),
		"securityGroupIds":  []any{engine.Ref(ir.KindSecurityGroup, sg.Name, "id")},
		"associatePublicIp": true,
	}
	if p.AMI != "" {
		props["ami"] = p.AMI
	}
	if p.KeyName != "" {
		props["keyName"] = p.KeyName
	}
	if p.UserData != "" {
		props["userData"] = p.UserData
	}
	return append(steps,
		engine.Ensure(ir.Spec{Key: instance, Properties: props}),
		engine.WaitUntil(instance, ir.StatusActive),
	), nil
}
