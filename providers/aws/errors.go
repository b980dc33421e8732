package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
)

var notFoundCodes = map[string]bool{
	"InvalidVpcID.NotFound":             true,
	"InvalidSubnetID.NotFound":          true,
	"InvalidGroup.NotFound":             true,
	"InvalidGroupId.NotFound":           true,
	"InvalidInternetGatewayID.NotFound": true,
	"InvalidRouteTableID.NotFound":      true,
	"InvalidInstanceID.NotFound":        true,
	"InvalidAssociationID.NotFound":     true,
	"NoSuchEntity":                      true,
	"ResourceNotFoundException":         true,
	"RepositoryNotFoundException":       true,
	"NoSuchBucket":                      true,
	"NotFound":                          true,
	"404":                               true,
}

var alreadyExistsCodes = map[string]bool{
	"InvalidGroup.Duplicate":           true,
	"InvalidPermission.Duplicate":      true,
	"EntityAlreadyExists":              true,
	"RepositoryAlreadyExistsException": true,
	"BucketAlreadyOwnedByYou":          true,
	"AlreadyExistsException":           true,
	"Resource.AlreadyAssociated":       true,
	"RouteAlreadyExists":               true,
}

// inUseCodes mean "name taken" on create. On other operations EKS and
// Lambda use them for a resource busy with another change or still holding
// dependents, which clears with time.
var inUseCodes = map[string]bool{
	"ResourceInUseException":    true,
	"ResourceConflictException": true,
}

var transientCodes = map[string]bool{
	"Throttling":                  true,
	"ThrottlingException":         true,
	"RequestLimitExceeded":        true,
	"TooManyRequestsException":    true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"InternalError":               true,
	"InternalFailure":             true,
	"SlowDown":                    true,
	"DependencyViolation":         true,
}

// classify maps an SDK error onto an adapter error class. BucketAlreadyExists
// (a name owned by another account) stays Other: the key can never be
// satisfied by this caller.
func classify(op string, key ir.Key, err error) error {
	if err == nil {
		return nil
	}
	var ae *adapter.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return adapter.NewError(adapter.ClassCancelled, op, key, err)
	}
	return adapter.NewError(classOf(op, err), op, key, err)
}

func classOf(op string, err error) adapter.Class {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return adapter.ClassOther
	}
	code, msg := apiErr.ErrorCode(), apiErr.ErrorMessage()
	switch {
	case notFoundCodes[code]:
		return adapter.ClassNotFound
	case alreadyExistsCodes[code]:
		return adapter.ClassAlreadyExists
	case inUseCodes[code] && op == "create":
		return adapter.ClassAlreadyExists
	case inUseCodes[code]:
		return adapter.ClassTransient
	case code == "ValidationError" && strings.Contains(msg, "No updates are to be performed"):
		return adapter.ClassUnchanged
	case code == "ValidationError" && strings.Contains(msg, "does not exist"):
		return adapter.ClassNotFound
	case isRolePropagation(err),
		code == "InvalidParameterValue" && strings.Contains(msg, "Invalid IAM Instance Profile"):
		// IAM propagation lag.
		return adapter.ClassTransient
	case transientCodes[code], apiErr.ErrorFault() == smithy.FaultServer:
		return adapter.ClassTransient
	}
	return adapter.ClassOther
}

// isNotFound reports whether err means the addressed object is absent.
func isNotFound(err error) bool {
	return err != nil && classOf("describe", err) == adapter.ClassNotFound
}

// hasErrorCode reports whether err is an API error with one of codes.
func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}

// isRolePropagation matches Lambda rejecting an execution role IAM has not
// finished propagating.
func isRolePropagation(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "InvalidParameterValueException" &&
		strings.Contains(apiErr.ErrorMessage(), "cannot be assumed by Lambda")
}
