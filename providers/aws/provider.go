// Package aws implements the adapter contract for AWS kinds on top of
// aws-sdk-go-v2.
package aws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
)

// Options select the account and endpoint the provider talks to. Empty
// fields fall back to the SDK's default credential and region chain.
type Options struct {
	Region  string
	Profile string
	// Endpoint overrides the service endpoint, for local emulators.
	Endpoint string
}

const (
	defaultPropagationDelay = 5 * time.Second
	propagationAttempts     = 6
)

type Provider struct {
	region string
	cfg    aws.Config
	// runID scopes idempotency tokens to this provider instance.
	runID string
	// propagationDelay spaces CreateFunction attempts while a new role
	// propagates.
	propagationDelay time.Duration

	ec2Client    EC2API
	iamClient    IAMAPI
	eksClient    EKSAPI
	cfnClient    CloudFormationAPI
	ecrClient    ECRAPI
	s3Client     S3API
	lambdaClient LambdaAPI
	stsClient    STSAPI
	ssmClient    SSMAPI
}

func New(ctx context.Context, opts Options) (*Provider, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	if opts.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(opts.Endpoint)
	}

	return &Provider{
		region:       cfg.Region,
		cfg:          cfg,
		runID:        strconv.FormatInt(time.Now().UnixNano(), 36),
		ec2Client:    ec2.NewFromConfig(cfg),
		iamClient:    iam.NewFromConfig(cfg),
		eksClient:    eks.NewFromConfig(cfg),
		cfnClient:    cloudformation.NewFromConfig(cfg),
		ecrClient:    ecr.NewFromConfig(cfg),
		s3Client:     s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = opts.Endpoint != "" }),
		lambdaClient: lambda.NewFromConfig(cfg),
		stsClient:    sts.NewFromConfig(cfg),
		ssmClient:    ssm.NewFromConfig(cfg),
	}, nil
}

// Region is the region the clients were configured for.
func (p *Provider) Region() string { return p.region }

// clientToken is the EC2 idempotency token for creating key. A create
// repeated within one run returns the first result instead of launching a
// second resource.
func (p *Provider) clientToken(key ir.Key) string {
	sum := sha256.Sum256([]byte(p.runID + "/" + key.String()))
	return hex.EncodeToString(sum[:16])
}

// Config is the SDK configuration the clients were built from.
func (p *Provider) Config() aws.Config { return p.cfg }

type kindOps struct {
	describe func(context.Context, ir.Key) (*ir.Handle, error)
	create   func(context.Context, ir.Spec) (*ir.Handle, error)
	remove   func(context.Context, ir.Key) error
	update   func(context.Context, ir.Spec) (*ir.Handle, error)
}

func (p *Provider) ops(kind ir.Kind) (kindOps, bool) {
	switch kind {
	case ir.KindVpc:
		return kindOps{describe: p.describeVpc, create: p.createVpc, remove: p.deleteVpc}, true
	case ir.KindSubnet:
		return kindOps{describe: p.describeSubnet, create: p.createSubnet, remove: p.deleteSubnet}, true
	case ir.KindInternetGateway:
		return kindOps{describe: p.describeGateway, create: p.createGateway, remove: p.deleteGateway}, true
	case ir.KindRouteTable:
		return kindOps{describe: p.describeRouteTable, create: p.createRouteTable, remove: p.deleteRouteTable}, true
	case ir.KindSecurityGroup:
		return kindOps{describe: p.describeSecurityGroup, create: p.createSecurityGroup, remove: p.deleteSecurityGroup}, true
	case ir.KindInstance:
		return kindOps{describe: p.describeInstance, create: p.createInstance, remove: p.deleteInstance}, true
	case ir.KindRole:
		return kindOps{describe: p.describeRole, create: p.createRole, remove: p.deleteRole}, true
	case ir.KindUser:
		return kindOps{describe: p.describeUser, create: p.createUser, remove: p.deleteUser}, true
	case ir.KindGroup:
		return kindOps{describe: p.describeGroup, create: p.createGroup, remove: p.deleteGroup}, true
	case ir.KindInstanceProfile:
		return kindOps{describe: p.describeInstanceProfile, create: p.createInstanceProfile, remove: p.deleteInstanceProfile}, true
	case ir.KindCluster:
		return kindOps{describe: p.describeCluster, create: p.createCluster, remove: p.deleteCluster}, true
	case ir.KindNodeGroup:
		return kindOps{describe: p.describeNodeGroup, create: p.createNodeGroup, remove: p.deleteNodeGroup}, true
	case ir.KindStack:
		return kindOps{describe: p.describeStack, create: p.createStack, remove: p.deleteStack, update: p.updateStack}, true
	case ir.KindRepository:
		return kindOps{describe: p.describeRepository, create: p.createRepository, remove: p.deleteRepository}, true
	case ir.KindBucket:
		return kindOps{describe: p.describeBucket, create: p.createBucket, remove: p.deleteBucket}, true
	case ir.KindFunction:
		return kindOps{describe: p.describeFunction, create: p.createFunction, remove: p.deleteFunction, update: p.updateFunction}, true
	}
	return kindOps{}, false
}

func (p *Provider) Describe(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	ops, ok := p.ops(key.Kind)
	if !ok {
		return nil, adapter.Unsupported("describe", key)
	}
	h, err := ops.describe(ctx, key)
	if err != nil {
		return nil, classify("describe", key, err)
	}
	return h, nil
}

func (p *Provider) Create(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	ops, ok := p.ops(spec.Key.Kind)
	if !ok {
		return nil, adapter.Unsupported("create", spec.Key)
	}
	h, err := ops.create(ctx, spec)
	if err != nil {
		return nil, classify("create", spec.Key, err)
	}
	return h, nil
}

// Update applies spec to an existing resource. Kinds without in-place
// update report Unchanged so Upsert degrades to Ensure.
func (p *Provider) Update(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	ops, ok := p.ops(spec.Key.Kind)
	if !ok {
		return nil, adapter.Unsupported("update", spec.Key)
	}
	if ops.update == nil {
		return nil, unchanged("update", spec.Key)
	}
	h, err := ops.update(ctx, spec)
	if err != nil {
		return nil, classify("update", spec.Key, err)
	}
	return h, nil
}

func (p *Provider) Delete(ctx context.Context, key ir.Key) error {
	ops, ok := p.ops(key.Kind)
	if !ok {
		return adapter.Unsupported("delete", key)
	}
	return classify("delete", key, ops.remove(ctx, key))
}

func (p *Provider) Attach(ctx context.Context, rule ir.AttachmentRule) error {
	var err error
	switch rule.Kind {
	case ir.AttachIngress, ir.AttachEgress:
		err = p.attachPermission(ctx, rule)
	case ir.AttachRolePolicy, ir.AttachUserPolicy, ir.AttachGroupPolicy:
		err = p.attachPolicy(ctx, rule)
	case ir.AttachGroupMembership:
		err = p.attachMembership(ctx, rule)
	case ir.AttachInstanceProfileRole:
		err = p.attachProfileRole(ctx, rule)
	case ir.AttachInstanceProfile:
		err = p.attachInstanceProfile(ctx, rule)
	case ir.AttachSecurityGroup:
		err = p.attachInstanceSecurityGroup(ctx, rule)
	case ir.AttachGateway:
		err = p.attachGateway(ctx, rule)
	case ir.AttachRoute:
		err = p.attachRoute(ctx, rule)
	case ir.AttachRouteTableAssoc:
		err = p.attachRouteTableAssociation(ctx, rule)
	case ir.AttachVpcAttribute:
		err = p.attachVpcAttribute(ctx, rule)
	case ir.AttachSubnetAttribute:
		err = p.attachSubnetAttribute(ctx, rule)
	case ir.AttachBucketVersioning:
		err = p.attachBucketVersioning(ctx, rule)
	case ir.AttachBucketPublicAccess:
		err = p.attachBucketPublicAccess(ctx, rule)
	default:
		return adapter.Errorf(adapter.ClassOther, "attach", rule.Parent, "attachment %q is not supported for aws kinds", rule.Kind)
	}
	return classify("attach", rule.Parent, err)
}

// expectParent rejects an attachment whose parent is of the wrong kind.
func expectParent(rule ir.AttachmentRule, kinds ...ir.Kind) error {
	for _, k := range kinds {
		if rule.Parent.Kind == k {
			return nil
		}
	}
	return adapter.Errorf(adapter.ClassOther, "attach", rule.Parent, "%s cannot be attached to %s", rule.Kind, rule.Parent.Kind)
}

func missing(op string, key ir.Key) error {
	return adapter.Errorf(adapter.ClassNotFound, op, key, "resource does not exist")
}

func present(rule ir.AttachmentRule) error {
	return adapter.Errorf(adapter.ClassAlreadyExists, "attach", rule.Parent, "%s already present", rule.Kind)
}

func unchanged(op string, key ir.Key) error {
	return adapter.Errorf(adapter.ClassUnchanged, op, key, "no changes")
}

func invalid(op string, key ir.Key, format string, args ...any) error {
	return adapter.Errorf(adapter.ClassOther, op, key, format, args...)
}

func ec2Filter(name string, values ...string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String(name), Values: values}
}

// ec2Tags builds the tag specification for a new EC2 resource. The Name tag
// carries the key's name; it is how the resource is found again.
func ec2Tags(rt ec2types.ResourceType, name string, extra map[string]string) []ec2types.TagSpecification {
	tags := []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	for _, k := range sortedKeys(extra) {
		if k == "Name" {
			continue
		}
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(extra[k])})
	}
	return []ec2types.TagSpecification{{ResourceType: rt, Tags: tags}}
}

func ec2Tag(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// single reports an ambiguous lookup when more than one resource carries
// the key's name.
func single(key ir.Key, n int) error {
	if n > 1 {
		return adapter.Errorf(adapter.ClassOther, "describe", key, "%d resources share the name %q", n, key.Name)
	}
	return nil
}
