package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	key := ir.Key{Kind: ir.KindSecurityGroup, Name: "web", Scope: "vpc-1"}

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"classified", NewError(ClassAlreadyExists, "create", key, errors.New("dup")), ClassAlreadyExists},
		{"wrapped", fmt.Errorf("step 2: %w", NewError(ClassTransient, "describe", key, nil)), ClassTransient},
		{"context canceled", context.Canceled, ClassCancelled},
		{"deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded), ClassCancelled},
		{"plain", errors.New("boom"), ClassOther},
		{"nil", nil, ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	key := ir.Key{Kind: ir.KindSecurityGroup, Name: "web", Scope: "vpc-1"}
	cause := errors.New("InvalidGroup.Duplicate")
	err := NewError(ClassAlreadyExists, "create", key, cause)

	assert.Equal(t, "create aws:EC2.SecurityGroup/vpc-1/web: already_exists: InvalidGroup.Duplicate", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsAlreadyExists(err))
	assert.False(t, IsNotFound(err))
}

func TestRecoverable(t *testing.T) {
	assert.True(t, ClassNotFound.Recoverable())
	assert.True(t, ClassAlreadyExists.Recoverable())
	assert.True(t, ClassUnchanged.Recoverable())
	for _, c := range []Class{ClassTerminal, ClassTimeout, ClassTransient, ClassCancelled, ClassOther} {
		assert.False(t, c.Recoverable(), c.String())
	}
}
