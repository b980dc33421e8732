package ir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies a resource type as "<provider>:<Service>.<Type>", e.g. "aws:EC2.SecurityGroup".
type Kind string

const (
	KindVpc              Kind = "aws:EC2.Vpc"
	KindSubnet           Kind = "aws:EC2.Subnet"
	KindInternetGateway  Kind = "aws:EC2.InternetGateway"
	KindRouteTable       Kind = "aws:EC2.RouteTable"
	KindSecurityGroup    Kind = "aws:EC2.SecurityGroup"
	KindInstance         Kind = "aws:EC2.Instance"
	KindRole             Kind = "aws:IAM.Role"
	KindUser             Kind = "aws:IAM.User"
	KindGroup            Kind = "aws:IAM.Group"
	KindInstanceProfile  Kind = "aws:IAM.InstanceProfile"
	KindCluster          Kind = "aws:EKS.Cluster"
	KindNodeGroup        Kind = "aws:EKS.NodeGroup"
	KindStack            Kind = "aws:CloudFormation.Stack"
	KindRepository       Kind = "aws:ECR.Repository"
	KindBucket           Kind = "aws:S3.Bucket"
	KindFunction         Kind = "aws:Lambda.Function"
	KindContainer        Kind = "docker:Container"
	KindNetwork          Kind = "docker:Network"
	KindNamespace        Kind = "kubernetes:Namespace"
	KindWorkload         Kind = "kubernetes:Workload"
	KindThing            Kind = "memory:Thing"
)

// Provider returns the provider prefix of the kind ("aws" for "aws:EC2.Vpc").
func (k Kind) Provider() string {
	p, _, ok := strings.Cut(string(k), ":")
	if !ok {
		return ""
	}
	return p
}

// Type returns the part after the provider prefix.
func (k Kind) Type() string {
	_, t, _ := strings.Cut(string(k), ":")
	return t
}

// Valid reports whether the kind has a non-empty provider and type.
func (k Kind) Valid() bool {
	p, t, ok := strings.Cut(string(k), ":")
	return ok && p != "" && t != "" && !strings.ContainsAny(string(k), "/ ")
}

// Key is the natural identity of a resource. Scope names the parent the
// name is unique within (VPC id, cluster name, namespace).
type Key struct {
	Kind  Kind   `json:"kind"`
	Name  string `json:"name"`
	Scope string `json:"scope,omitempty"`
}

func (k Key) String() string {
	if k.Scope == "" {
		return string(k.Kind) + "/" + k.Name
	}
	return string(k.Kind) + "/" + k.Scope + "/" + k.Name
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Spec is the desired description of a resource.
type Spec struct {
	Key        Key            `json:"key"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Decode unmarshals the properties into v through their JSON form.
func (s Spec) Decode(v any) error {
	return decodeProperties(s.Properties, v)
}

// Status is the normalized lifecycle state of a resource.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusActive
	StatusFailed
	StatusDeleting
	StatusDeleted
)

var statusNames = map[Status]string{
	StatusUnknown:  "unknown",
	StatusPending:  "pending",
	StatusActive:   "active",
	StatusFailed:   "failed",
	StatusDeleting: "deleting",
	StatusDeleted:  "deleted",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStatus parses a status name as written in unit files.
func ParseStatus(s string) (Status, error) {
	for st, n := range statusNames {
		if strings.EqualFold(n, s) {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status %q", s)
}

// StatusSet is an ordered set of statuses.
type StatusSet []Status

func (s StatusSet) Has(st Status) bool {
	for _, v := range s {
		if v == st {
			return true
		}
	}
	return false
}

func (s StatusSet) String() string {
	names := make([]string, len(s))
	for i, st := range s {
		names[i] = st.String()
	}
	return strings.Join(names, "|")
}

// ParseStatusSet parses a list of status names.
func ParseStatusSet(names []string) (StatusSet, error) {
	set := make(StatusSet, 0, len(names))
	for _, n := range names {
		st, err := ParseStatus(n)
		if err != nil {
			return nil, err
		}
		set = append(set, st)
	}
	return set, nil
}

// Handle is the control plane's view of a resource.
type Handle struct {
	Key        Key               `json:"key"`
	ID         string            `json:"id,omitempty"`
	ARN        string            `json:"arn,omitempty"`
	Status     Status            `json:"status"`
	State      string            `json:"state,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Live reports whether the handle refers to a resource that is not being
// torn down.
func (h *Handle) Live() bool {
	return h != nil && h.Status != StatusDeleting && h.Status != StatusDeleted
}

// Attr looks up a named attribute. The well-known names id, arn, name,
// scope and status map to the handle fields.
func (h *Handle) Attr(name string) (string, bool) {
	switch name {
	case "id":
		return h.ID, h.ID != ""
	case "arn":
		return h.ARN, h.ARN != ""
	case "name":
		return h.Key.Name, true
	case "scope":
		return h.Key.Scope, h.Key.Scope != ""
	case "status":
		return h.Status.String(), true
	case "state":
		return h.State, h.State != ""
	}
	v, ok := h.Attributes[name]
	return v, ok
}

func decodeProperties(props map[string]any, v any) error {
	if props == nil {
		props = map[string]any{}
	}
	data, err := json.Marshal(Normalize(props))
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode properties: %w", err)
	}
	return nil
}

// Normalize converts the map[any]any values produced by pkl mappings into
// map[string]any so property trees can be JSON encoded.
func Normalize(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = Normalize(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = Normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = Normalize(v)
		}
		return out
	default:
		return val
	}
}
