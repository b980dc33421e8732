package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/picklr-io/converge/internal/ir"
)

type RepositoryProperties struct {
	ImageTagMutability string            `json:"imageTagMutability"`
	ScanOnPush         bool              `json:"scanOnPush"`
	Tags               map[string]string `json:"tags"`
}

func repositoryHandle(key ir.Key, r *types.Repository) *ir.Handle {
	return &ir.Handle{
		Key:    key,
		ID:     aws.ToString(r.RepositoryName),
		ARN:    aws.ToString(r.RepositoryArn),
		Status: ir.StatusActive,
		Attributes: map[string]string{
			"uri":        aws.ToString(r.RepositoryUri),
			"registryId": aws.ToString(r.RegistryId),
		},
	}
}

func (p *Provider) describeRepository(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	out, err := p.ecrClient.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{key.Name}})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(out.Repositories) == 0 {
		return nil, nil
	}
	return repositoryHandle(key, &out.Repositories[0]), nil
}

func (p *Provider) createRepository(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props RepositoryProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	input := &ecr.CreateRepositoryInput{
		RepositoryName:             aws.String(spec.Key.Name),
		ImageScanningConfiguration: &types.ImageScanningConfiguration{ScanOnPush: props.ScanOnPush},
	}
	if props.ImageTagMutability != "" {
		input.ImageTagMutability = types.ImageTagMutability(props.ImageTagMutability)
	}
	for _, k := range sortedKeys(props.Tags) {
		input.Tags = append(input.Tags, types.Tag{Key: aws.String(k), Value: aws.String(props.Tags[k])})
	}
	out, err := p.ecrClient.CreateRepository(ctx, input)
	if err != nil {
		return nil, err
	}
	return repositoryHandle(spec.Key, out.Repository), nil
}

// deleteRepository removes the repository together with its images.
func (p *Provider) deleteRepository(ctx context.Context, key ir.Key) error {
	_, err := p.ecrClient.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(key.Name),
		Force:          true,
	})
	return err
}
