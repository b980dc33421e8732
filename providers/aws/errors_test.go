package aws

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	"github.com/stretchr/testify/assert"
)

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg, Fault: smithy.FaultClient}
}

func TestClassify(t *testing.T) {
	key := ir.Key{Kind: ir.KindSecurityGroup, Name: "web"}
	tests := []struct {
		name string
		err  error
		want adapter.Class
	}{
		{"missing vpc", apiError("InvalidVpcID.NotFound", "vpc-1 does not exist"), adapter.ClassNotFound},
		{"missing role", apiError("NoSuchEntity", "role not found"), adapter.ClassNotFound},
		{"missing stack", apiError("ValidationError", "Stack with id app does not exist"), adapter.ClassNotFound},
		{"duplicate group", apiError("InvalidGroup.Duplicate", "exists"), adapter.ClassAlreadyExists},
		{"duplicate rule", apiError("InvalidPermission.Duplicate", "exists"), adapter.ClassAlreadyExists},
		{"cluster exists", apiError("ResourceInUseException", "exists"), adapter.ClassAlreadyExists},
		{"bucket owned", apiError("BucketAlreadyOwnedByYou", ""), adapter.ClassAlreadyExists},
		{"bucket taken", apiError("BucketAlreadyExists", ""), adapter.ClassOther},
		{"no updates", apiError("ValidationError", "No updates are to be performed."), adapter.ClassUnchanged},
		{"other validation", apiError("ValidationError", "Template format error"), adapter.ClassOther},
		{"throttled", apiError("Throttling", "Rate exceeded"), adapter.ClassTransient},
		{"server fault", &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer}, adapter.ClassTransient},
		{"role propagation", apiError("InvalidParameterValueException", "The role defined for the function cannot be assumed by Lambda."), adapter.ClassTransient},
		{"denied", apiError("UnauthorizedOperation", "no"), adapter.ClassOther},
		{"plain", errors.New("dial tcp: refused"), adapter.ClassOther},
		{"cancelled", fmt.Errorf("op: %w", context.Canceled), adapter.ClassCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("create", key, tt.err)
			assert.Equal(t, tt.want, adapter.ClassOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, classify("create", key, nil))
}

func TestClassifyInUseDependsOnOperation(t *testing.T) {
	key := ir.Key{Kind: ir.KindCluster, Name: "prod"}
	inUse := apiError("ResourceInUseException", "Cluster has nodegroups attached")
	conflict := apiError("ResourceConflictException", "An update is in progress")

	assert.Equal(t, adapter.ClassAlreadyExists, adapter.ClassOf(classify("create", key, inUse)))
	assert.Equal(t, adapter.ClassAlreadyExists, adapter.ClassOf(classify("create", key, conflict)))

	for _, op := range []string{"delete", "update", "attach"} {
		assert.Equal(t, adapter.ClassTransient, adapter.ClassOf(classify(op, key, inUse)), op)
		assert.Equal(t, adapter.ClassTransient, adapter.ClassOf(classify(op, key, conflict)), op)
	}
}

func TestClassifyKeepsAdapterErrors(t *testing.T) {
	key := ir.Key{Kind: ir.KindVpc, Name: "main"}
	orig := missing("delete", key)
	assert.Same(t, orig, classify("delete", key, orig))
}

func TestHasErrorCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", apiError("NoSuchPublicAccessBlockConfiguration", ""))
	assert.True(t, hasErrorCode(err, "NoSuchBucket", "NoSuchPublicAccessBlockConfiguration"))
	assert.False(t, hasErrorCode(err, "NoSuchBucket"))
	assert.False(t, hasErrorCode(errors.New("x"), "NoSuchBucket"))
}
