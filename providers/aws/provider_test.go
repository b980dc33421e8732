package aws

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEC2 keeps security groups and VPCs in memory. Unused methods panic
// through the nil embedded interface.
type fakeEC2 struct {
	EC2API
	groups   []ec2types.SecurityGroup
	vpcs     []ec2types.Vpc
	ingress  []ec2types.IpPermission
	modified []*ec2.ModifyVpcAttributeInput
	dns      bool
}

func (f *fakeEC2) DescribeSecurityGroups(_ context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	var name, vpc string
	for _, flt := range in.Filters {
		switch aws.ToString(flt.Name) {
		case "group-name":
			name = flt.Values[0]
		case "vpc-id":
			vpc = flt.Values[0]
		}
	}
	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, g := range f.groups {
		if aws.ToString(g.GroupName) == name && (vpc == "" || aws.ToString(g.VpcId) == vpc) {
			out.SecurityGroups = append(out.SecurityGroups, g)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	id := "sg-" + aws.ToString(in.GroupName)
	f.groups = append(f.groups, ec2types.SecurityGroup{GroupId: aws.String(id), GroupName: in.GroupName, VpcId: in.VpcId})
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	for _, have := range f.ingress {
		if aws.ToInt32(have.FromPort) == aws.ToInt32(in.IpPermissions[0].FromPort) {
			return nil, apiError("InvalidPermission.Duplicate", "the specified rule already exists")
		}
	}
	f.ingress = append(f.ingress, in.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, _ *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{Vpcs: f.vpcs}, nil
}

func (f *fakeEC2) DescribeVpcAttribute(_ context.Context, in *ec2.DescribeVpcAttributeInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcAttributeOutput, error) {
	return &ec2.DescribeVpcAttributeOutput{
		EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(f.dns)},
		EnableDnsSupport:   &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
	}, nil
}

func (f *fakeEC2) ModifyVpcAttribute(_ context.Context, in *ec2.ModifyVpcAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	f.modified = append(f.modified, in)
	if in.EnableDnsHostnames != nil {
		f.dns = aws.ToBool(in.EnableDnsHostnames.Value)
	}
	return &ec2.ModifyVpcAttributeOutput{}, nil
}

func TestSecurityGroupLifecycle(t *testing.T) {
	fake := &fakeEC2{}
	p := &Provider{ec2Client: fake}
	ctx := context.Background()
	key := ir.Key{Kind: ir.KindSecurityGroup, Name: "web", Scope: "vpc-1"}

	h, err := p.Describe(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, h)

	h, err = p.Create(ctx, ir.Spec{Key: key})
	require.NoError(t, err)
	assert.Equal(t, "sg-web", h.ID)

	h, err = p.Describe(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "vpc-1", h.Attributes["vpcId"])

	// Same name in another VPC is a different key.
	other, err := p.Describe(ctx, ir.Key{Kind: ir.KindSecurityGroup, Name: "web", Scope: "vpc-2"})
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestAttachIngressDuplicateIsAlreadyExists(t *testing.T) {
	fake := &fakeEC2{groups: []ec2types.SecurityGroup{{GroupId: aws.String("sg-1"), GroupName: aws.String("web"), VpcId: aws.String("vpc-1")}}}
	p := &Provider{ec2Client: fake}
	rule := ir.AttachmentRule{
		Parent:     ir.Key{Kind: ir.KindSecurityGroup, Name: "web", Scope: "vpc-1"},
		Kind:       ir.AttachIngress,
		Properties: map[string]any{"protocol": "tcp", "port": 8080},
	}

	require.NoError(t, p.Attach(context.Background(), rule))
	err := p.Attach(context.Background(), rule)
	assert.True(t, adapter.IsAlreadyExists(err))

	require.Len(t, fake.ingress, 1)
	assert.Equal(t, "0.0.0.0/0", aws.ToString(fake.ingress[0].IpRanges[0].CidrIp))
	assert.Equal(t, int32(8080), aws.ToInt32(fake.ingress[0].ToPort))
}

func TestAttachToWrongParentKind(t *testing.T) {
	p := &Provider{ec2Client: &fakeEC2{}}
	err := p.Attach(context.Background(), ir.AttachmentRule{Parent: ir.Key{Kind: ir.KindVpc, Name: "main"}, Kind: ir.AttachIngress})
	require.Error(t, err)
	assert.Equal(t, adapter.ClassOther, adapter.ClassOf(err))

	err = p.Attach(context.Background(), ir.AttachmentRule{Parent: ir.Key{Kind: ir.KindVpc, Name: "main"}, Kind: ir.AttachNetwork})
	assert.Error(t, err)
}

func TestAttachVpcAttribute(t *testing.T) {
	fake := &fakeEC2{vpcs: []ec2types.Vpc{{VpcId: aws.String("vpc-1"), State: ec2types.VpcStateAvailable}}}
	p := &Provider{ec2Client: fake}
	rule := ir.AttachmentRule{
		Parent:     ir.Key{Kind: ir.KindVpc, Name: "main"},
		Kind:       ir.AttachVpcAttribute,
		Properties: map[string]any{"enableDnsHostnames": true},
	}

	require.NoError(t, p.Attach(context.Background(), rule))
	require.Len(t, fake.modified, 1)

	err := p.Attach(context.Background(), rule)
	assert.True(t, adapter.IsAlreadyExists(err))
	assert.Len(t, fake.modified, 1)
}

func TestPermission(t *testing.T) {
	perm, err := Permission{Protocol: "all"}.ipPermission()
	require.NoError(t, err)
	assert.Equal(t, "-1", aws.ToString(perm.IpProtocol))
	assert.Nil(t, perm.FromPort)

	perm, err = Permission{FromPort: aws.Int32(1000), ToPort: aws.Int32(2000), SourceGroupID: "sg-2"}.ipPermission()
	require.NoError(t, err)
	assert.Equal(t, "tcp", aws.ToString(perm.IpProtocol))
	assert.Empty(t, perm.IpRanges)
	assert.Equal(t, "sg-2", aws.ToString(perm.UserIdGroupPairs[0].GroupId))

	_, err = Permission{Protocol: "udp"}.ipPermission()
	assert.Error(t, err)
}

type fakeIAM struct {
	IAMAPI
	policies map[string][]string
	attached int
}

func (f *fakeIAM) ListAttachedRolePolicies(_ context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	out := &iam.ListAttachedRolePoliciesOutput{}
	for _, arn := range f.policies[aws.ToString(in.RoleName)] {
		out.AttachedPolicies = append(out.AttachedPolicies, iamtypes.AttachedPolicy{PolicyArn: aws.String(arn)})
	}
	return out, nil
}

func (f *fakeIAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.attached++
	name := aws.ToString(in.RoleName)
	f.policies[name] = append(f.policies[name], aws.ToString(in.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	if _, ok := f.policies[aws.ToString(in.RoleName)]; !ok {
		return nil, apiError("NoSuchEntity", "The role cannot be found")
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: aws.String("arn:aws:iam::1:role/" + aws.ToString(in.RoleName))}}, nil
}

func TestAttachRolePolicy(t *testing.T) {
	fake := &fakeIAM{policies: map[string][]string{"app": nil}}
	p := &Provider{iamClient: fake}
	rule := ir.AttachmentRule{
		Parent:     ir.Key{Kind: ir.KindRole, Name: "app"},
		Kind:       ir.AttachRolePolicy,
		Properties: map[string]any{"policyArn": "arn:aws:iam::aws:policy/ReadOnlyAccess"},
	}

	require.NoError(t, p.Attach(context.Background(), rule))
	assert.True(t, adapter.IsAlreadyExists(p.Attach(context.Background(), rule)))
	assert.Equal(t, 1, fake.attached)

	// Policy kinds are tied to their parent kind.
	rule.Kind = ir.AttachUserPolicy
	assert.Error(t, p.Attach(context.Background(), rule))
}

func TestDescribeRoleAbsent(t *testing.T) {
	p := &Provider{iamClient: &fakeIAM{policies: map[string][]string{}}}
	h, err := p.Describe(context.Background(), ir.Key{Kind: ir.KindRole, Name: "nobody"})
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestTrustPolicy(t *testing.T) {
	doc, err := TrustPolicy("lambda.amazonaws.com")
	require.NoError(t, err)
	assert.JSONEq(t, `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"lambda.amazonaws.com"},"Action":"sts:AssumeRole"}]}`, doc)
}

type fakeCFN struct {
	CloudFormationAPI
	stacks  map[string]cfntypes.StackStatus
	updates int
}

func (f *fakeCFN) DescribeStacks(_ context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	name := aws.ToString(in.StackName)
	st, ok := f.stacks[name]
	if !ok {
		return nil, apiError("ValidationError", "Stack with id "+name+" does not exist")
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []cfntypes.Stack{{
		StackId:     aws.String("arn:aws:cloudformation:eu-west-1:1:stack/" + name + "/abc"),
		StackName:   in.StackName,
		StackStatus: st,
		Outputs:     []cfntypes.Output{{OutputKey: aws.String("BucketName"), OutputValue: aws.String("b-1")}},
	}}}, nil
}

func (f *fakeCFN) UpdateStack(_ context.Context, in *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.updates++
	return nil, apiError("ValidationError", "No updates are to be performed.")
}

func (f *fakeCFN) DeleteStack(_ context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.stacks[aws.ToString(in.StackName)] = cfntypes.StackStatusDeleteInProgress
	return &cloudformation.DeleteStackOutput{}, nil
}

func TestStack(t *testing.T) {
	fake := &fakeCFN{stacks: map[string]cfntypes.StackStatus{"app": cfntypes.StackStatusCreateComplete}}
	p := &Provider{cfnClient: fake}
	ctx := context.Background()
	key := ir.Key{Kind: ir.KindStack, Name: "app"}

	h, err := p.Describe(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusActive, h.Status)
	assert.Equal(t, "b-1", h.Attributes["outputs.BucketName"])

	missingStack, err := p.Describe(ctx, ir.Key{Kind: ir.KindStack, Name: "gone"})
	require.NoError(t, err)
	assert.Nil(t, missingStack)

	_, err = p.Update(ctx, ir.Spec{Key: key, Properties: map[string]any{"templateBody": "{}"}})
	assert.True(t, adapter.IsUnchanged(err))
	assert.Equal(t, 1, fake.updates)

	_, err = p.Update(ctx, ir.Spec{Key: key})
	assert.Equal(t, adapter.ClassOther, adapter.ClassOf(err))
	assert.Equal(t, 1, fake.updates)

	require.NoError(t, p.Delete(ctx, key))
	h, err = p.Describe(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusDeleting, h.Status)

	assert.True(t, adapter.IsNotFound(p.Delete(ctx, ir.Key{Kind: ir.KindStack, Name: "gone"})))
}

type fakeLambda struct {
	LambdaAPI
	sha        string
	creates    int
	codeWrites int
	failFirst  int
}

func (f *fakeLambda) GetFunction(_ context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	if f.sha == "" {
		return nil, apiError("ResourceNotFoundException", "Function not found")
	}
	return &lambda.GetFunctionOutput{Configuration: &lambdatypes.FunctionConfiguration{
		FunctionName: in.FunctionName,
		CodeSha256:   aws.String(f.sha),
		State:        lambdatypes.StateActive,
	}}, nil
}

func (f *fakeLambda) CreateFunction(_ context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	f.creates++
	if f.creates <= f.failFirst {
		return nil, apiError("InvalidParameterValueException", "The role defined for the function cannot be assumed by Lambda.")
	}
	f.sha = CodeSha256(in.Code.ZipFile)
	return &lambda.CreateFunctionOutput{FunctionName: in.FunctionName, CodeSha256: aws.String(f.sha), State: lambdatypes.StatePending}, nil
}

func (f *fakeLambda) UpdateFunctionCode(_ context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.codeWrites++
	f.sha = CodeSha256(in.ZipFile)
	return &lambda.UpdateFunctionCodeOutput{FunctionName: in.FunctionName, CodeSha256: aws.String(f.sha), LastUpdateStatus: lambdatypes.LastUpdateStatusInProgress}, nil
}

func functionSpec(source string) ir.Spec {
	return ir.Spec{
		Key: ir.Key{Kind: ir.KindFunction, Name: "hello"},
		Properties: map[string]any{
			"runtime": "nodejs20.x",
			"handler": "index.handler",
			"role":    "arn:aws:iam::1:role/hello",
			"source":  source,
		},
	}
}

func TestFunctionCreateAndUpdate(t *testing.T) {
	fake := &fakeLambda{failFirst: 2}
	p := &Provider{lambdaClient: fake, propagationDelay: time.Millisecond}
	ctx := context.Background()

	h, err := p.Create(ctx, functionSpec("exports.handler = async () => 'v1'"))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPending, h.Status)
	assert.Equal(t, 3, fake.creates)

	_, err = p.Update(ctx, functionSpec("exports.handler = async () => 'v1'"))
	assert.True(t, adapter.IsUnchanged(err))
	assert.Equal(t, 0, fake.codeWrites)

	h, err = p.Update(ctx, functionSpec("exports.handler = async () => 'v2'"))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPending, h.Status)
	assert.Equal(t, 1, fake.codeWrites)
}

func TestFunctionRolePropagationGivesUp(t *testing.T) {
	fake := &fakeLambda{failFirst: 100}
	p := &Provider{lambdaClient: fake, propagationDelay: time.Millisecond}

	_, err := p.Create(context.Background(), functionSpec("x"))
	assert.True(t, adapter.IsTransient(err))
	assert.Equal(t, propagationAttempts, fake.creates)
}

func TestPackageIsDeterministic(t *testing.T) {
	f := FunctionProperties{Runtime: "python3.12", Handler: "app.main", Source: "def main(e, c): pass"}
	a, err := f.Package()
	require.NoError(t, err)
	b, err := f.Package()
	require.NoError(t, err)
	assert.Equal(t, CodeSha256(a), CodeSha256(b))
	assert.Equal(t, "app.py", defaultSourceFile(f.Runtime, f.Handler))
	assert.Equal(t, "index.js", defaultSourceFile("nodejs20.x", "handler"))

	_, err = FunctionProperties{}.Package()
	assert.Error(t, err)
}

type fakeSTS struct{ STSAPI }

func (fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012"), Arn: aws.String("arn:aws:iam::123456789012:user/ci")}, nil
}

func TestIdentity(t *testing.T) {
	p := &Provider{stsClient: fakeSTS{}}
	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123456789012", id.Account)
}

func TestUnsupportedKind(t *testing.T) {
	p := &Provider{}
	_, err := p.Describe(context.Background(), ir.Key{Kind: "aws:RDS.Instance", Name: "db"})
	assert.Equal(t, adapter.ClassOther, adapter.ClassOf(err))

	// Kinds without update degrade to Ensure.
	_, err = p.Update(context.Background(), ir.Spec{Key: ir.Key{Kind: ir.KindVpc, Name: "main"}})
	assert.True(t, adapter.IsUnchanged(err))
}

// fakeRunner records RunInstances requests.
type fakeRunner struct {
	fakeEC2
	runs []*ec2.RunInstancesInput
}

func (f *fakeRunner) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runs = append(f.runs, in)
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{
		InstanceId: aws.String("i-1"),
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
	}}}, nil
}

func TestCreateInstanceClientToken(t *testing.T) {
	fake := &fakeRunner{}
	p := &Provider{ec2Client: fake, runID: "run-1"}
	ctx := context.Background()
	web := ir.Spec{Key: ir.Key{Kind: ir.KindInstance, Name: "web"}, Properties: map[string]any{"ami": "ami-123"}}
	api := ir.Spec{Key: ir.Key{Kind: ir.KindInstance, Name: "api"}, Properties: map[string]any{"ami": "ami-123"}}

	_, err := p.Create(ctx, web)
	require.NoError(t, err)
	_, err = p.Create(ctx, web)
	require.NoError(t, err)
	_, err = p.Create(ctx, api)
	require.NoError(t, err)

	require.Len(t, fake.runs, 3)
	token := aws.ToString(fake.runs[0].ClientToken)
	assert.NotEmpty(t, token)
	assert.LessOrEqual(t, len(token), 64)
	assert.Equal(t, token, aws.ToString(fake.runs[1].ClientToken))
	assert.NotEqual(t, token, aws.ToString(fake.runs[2].ClientToken))

	next := &Provider{runID: "run-2"}
	assert.NotEqual(t, token, next.clientToken(web.Key))
}
