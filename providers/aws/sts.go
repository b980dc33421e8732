package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Identity is the principal the provider's credentials resolve to.
type Identity struct {
	Account string
	ARN     string
	UserID  string
}

// Identity resolves the caller identity. The plan command uses it as a
// credentials preflight.
func (p *Provider) Identity(ctx context.Context) (*Identity, error) {
	res, err := p.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get caller identity: %w", err)
	}
	return &Identity{
		Account: aws.ToString(res.Account),
		ARN:     aws.ToString(res.Arn),
		UserID:  aws.ToString(res.UserId),
	}, nil
}
