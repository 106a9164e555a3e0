package infra

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

func apiError(err error) smithy.APIError {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// ErrorCode returns the service error code carried by err, or "".
func ErrorCode(err error) string {
	if apiErr := apiError(err); apiErr != nil {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether err says the addressed resource does not exist.
// Service codes vary: NoSuchEntity, InvalidVpcID.NotFound,
// LoadBalancerNotFound, ResourceNotFoundException and so on.
func IsNotFound(err error) bool {
	apiErr := apiError(err)
	if apiErr == nil {
		return false
	}
	code := apiErr.ErrorCode()
	switch code {
	case "NoSuchEntity", "NoSuchBucket", "NotFound", "NoSuchKey":
		return true
	case "ValidationError":
		// Auto Scaling reports a missing group as a validation error
		return strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not found")
	}
	return strings.HasSuffix(code, "NotFound") ||
		strings.HasSuffix(code, "NotFoundException") ||
		strings.HasSuffix(code, ".NotFound")
}

// IsAlreadyExists reports whether a create call lost to an existing resource
func IsAlreadyExists(err error) bool {
	code := ErrorCode(err)
	if code == "" {
		return false
	}
	switch code {
	case "EntityAlreadyExists", "AlreadyExists", "PriorityInUse",
		"ResourceConflictException", "BucketAlreadyOwnedByYou",
		"ResourceExistsException", "Resource.AlreadyAssociated":
		return true
	}
	return strings.HasSuffix(code, "AlreadyExists") ||
		strings.HasSuffix(code, "AlreadyExistsException") ||
		strings.HasSuffix(code, ".Duplicate") ||
		strings.HasPrefix(code, "Duplicate")
}

// IsInUse reports whether a delete was refused because something still
// references the resource. NAT gateway addresses, for one, stay in use for a
// while after the gateway is deleted.
func IsInUse(err error) bool {
	switch ErrorCode(err) {
	case "ResourceInUse", "DeleteConflict", "ScalingActivityInProgress", "DependencyViolation",
		"InvalidGroup.InUse", "InvalidIPAddress.InUse":
		return true
	}
	return false
}

func IsDependencyViolation(err error) bool {
	return ErrorCode(err) == "DependencyViolation"
}
