package ir

import "fmt"

// AttachmentKind names a dependent sub-resource that hangs off a parent.
type AttachmentKind string

const (
	AttachIngress              AttachmentKind = "ingress"
	AttachEgress               AttachmentKind = "egress"
	AttachRolePolicy           AttachmentKind = "role-policy"
	AttachUserPolicy           AttachmentKind = "user-policy"
	AttachGroupPolicy          AttachmentKind = "group-policy"
	AttachGroupMembership      AttachmentKind = "group-membership"
	AttachInstanceProfileRole  AttachmentKind = "instance-profile-role"
	AttachInstanceProfile      AttachmentKind = "instance-profile"
	AttachSecurityGroup        AttachmentKind = "security-group"
	AttachGateway              AttachmentKind = "gateway"
	AttachRoute                AttachmentKind = "route"
	AttachRouteTableAssoc      AttachmentKind = "route-table-association"
	AttachVpcAttribute         AttachmentKind = "vpc-attribute"
	AttachSubnetAttribute      AttachmentKind = "subnet-attribute"
	AttachBucketVersioning     AttachmentKind = "bucket-versioning"
	AttachBucketPublicAccess   AttachmentKind = "bucket-public-access-block"
	AttachNetwork              AttachmentKind = "network"
	AttachLabel                AttachmentKind = "label"
)

// AttachmentKinds lists every known attachment kind.
var AttachmentKinds = []AttachmentKind{
	AttachIngress, AttachEgress, AttachRolePolicy, AttachUserPolicy, AttachGroupPolicy,
	AttachGroupMembership, AttachInstanceProfileRole, AttachInstanceProfile, AttachSecurityGroup,
	AttachGateway, AttachRoute, AttachRouteTableAssoc, AttachVpcAttribute, AttachSubnetAttribute,
	AttachBucketVersioning, AttachBucketPublicAccess, AttachNetwork, AttachLabel,
}

// Known reports whether k is one of AttachmentKinds.
func (k AttachmentKind) Known() bool {
	for _, v := range AttachmentKinds {
		if v == k {
			return true
		}
	}
	return false
}

// AttachmentRule describes one dependent sub-resource of Parent.
type AttachmentRule struct {
	Parent     Key            `json:"parent"`
	Kind       AttachmentKind `json:"kind"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (r AttachmentRule) String() string {
	return fmt.Sprintf("%s on %s", r.Kind, r.Parent)
}

// Decode unmarshals the rule properties into v.
func (r AttachmentRule) Decode(v any) error {
	return decodeProperties(r.Properties, v)
}
