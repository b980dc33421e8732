package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/picklr-io/converge/internal/ir"
)

type BucketProperties struct {
	// Region defaults to the provider's region.
	Region string `json:"region"`
}

type versioningAttachment struct {
	Status string `json:"status"`
}

// publicAccessAttachment holds the four block settings. Unset fields
// default to true.
type publicAccessAttachment struct {
	BlockPublicAcls       *bool `json:"blockPublicAcls"`
	IgnorePublicAcls      *bool `json:"ignorePublicAcls"`
	BlockPublicPolicy     *bool `json:"blockPublicPolicy"`
	RestrictPublicBuckets *bool `json:"restrictPublicBuckets"`
}

func (a publicAccessAttachment) configuration() *types.PublicAccessBlockConfiguration {
	orTrue := func(b *bool) *bool {
		if b == nil {
			return aws.Bool(true)
		}
		return b
	}
	return &types.PublicAccessBlockConfiguration{
		BlockPublicAcls:       orTrue(a.BlockPublicAcls),
		IgnorePublicAcls:      orTrue(a.IgnorePublicAcls),
		BlockPublicPolicy:     orTrue(a.BlockPublicPolicy),
		RestrictPublicBuckets: orTrue(a.RestrictPublicBuckets),
	}
}

func samePublicAccess(a, b *types.PublicAccessBlockConfiguration) bool {
	if a == nil || b == nil {
		return false
	}
	return aws.ToBool(a.BlockPublicAcls) == aws.ToBool(b.BlockPublicAcls) &&
		aws.ToBool(a.IgnorePublicAcls) == aws.ToBool(b.IgnorePublicAcls) &&
		aws.ToBool(a.BlockPublicPolicy) == aws.ToBool(b.BlockPublicPolicy) &&
		aws.ToBool(a.RestrictPublicBuckets) == aws.ToBool(b.RestrictPublicBuckets)
}

func bucketHandle(key ir.Key, region string) *ir.Handle {
	return &ir.Handle{
		Key:    key,
		ID:     key.Name,
		ARN:    "arn:aws:s3:::" + key.Name,
		Status: ir.StatusActive,
		Attributes: map[string]string{
			"region":     region,
			"domainName": key.Name + ".s3.amazonaws.com",
		},
	}
}

func (p *Provider) describeBucket(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	out, err := p.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(key.Name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	region := aws.ToString(out.BucketRegion)
	if region == "" {
		region = p.region
	}
	return bucketHandle(key, region), nil
}

// createBucket creates the bucket in the requested region. us-east-1 is
// the one region that must not be named as a location constraint.
func (p *Provider) createBucket(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props BucketProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	region := props.Region
	if region == "" {
		region = p.region
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(spec.Key.Name)}
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	if _, err := p.s3Client.CreateBucket(ctx, input); err != nil {
		return nil, err
	}
	return bucketHandle(spec.Key, region), nil
}

// deleteBucket deletes an empty bucket. Objects are never removed on the
// caller's behalf; a non-empty bucket fails with BucketNotEmpty.
func (p *Provider) deleteBucket(ctx context.Context, key ir.Key) error {
	_, err := p.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(key.Name)})
	return err
}

func (p *Provider) attachBucketVersioning(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindBucket); err != nil {
		return err
	}
	var att versioningAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	status := types.BucketVersioningStatusEnabled
	if att.Status != "" {
		status = types.BucketVersioningStatus(att.Status)
	}
	bucket := aws.String(rule.Parent.Name)
	cur, err := p.s3Client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: bucket})
	if err != nil {
		return err
	}
	if cur.Status == status {
		return present(rule)
	}
	_, err = p.s3Client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  bucket,
		VersioningConfiguration: &types.VersioningConfiguration{Status: status},
	})
	return err
}

func (p *Provider) attachBucketPublicAccess(ctx context.Context, rule ir.AttachmentRule) error {
	if err := expectParent(rule, ir.KindBucket); err != nil {
		return err
	}
	var att publicAccessAttachment
	if err := rule.Decode(&att); err != nil {
		return err
	}
	want := att.configuration()
	bucket := aws.String(rule.Parent.Name)

	cur, err := p.s3Client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: bucket})
	if err != nil && !hasErrorCode(err, "NoSuchPublicAccessBlockConfiguration") {
		return err
	}
	if err == nil && samePublicAccess(cur.PublicAccessBlockConfiguration, want) {
		return present(rule)
	}
	_, err = p.s3Client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket:                         bucket,
		PublicAccessBlockConfiguration: want,
	})
	return err
}
