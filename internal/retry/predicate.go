package retry

import (
	"slices"
	"strings"
)

// Predicate decides whether an error is worth another attempt.
type Predicate func(error) bool

// Error codes the provisioning paths retry on.
const (
	CodeInvalidGroupNotFound   = "InvalidGroup.NotFound"
	CodeSpotRequestNotFound    = "InvalidSpotInstanceRequestID.NotFound"
	CodeInstanceNotFound       = "InvalidInstanceID.NotFound"
	CodeLaunchTemplateNotFound = "InvalidLaunchTemplateId.NotFound"
	CodeDeleteConflict         = "DeleteConflict"
	CodeNoSuchEntity           = "NoSuchEntity"
)

const (
	notFoundSuffix                = ".NotFound"
	messageInvalidInstanceProfile = "invalid iam instance profile"
	messageNoAssociatedIAMRoles   = "no associated iam roles"
)

// NotFound matches errors for resources that are not visible yet, typically
// right after they were created.
func NotFound(err error) bool {
	code, _, ok := Classify(err)
	return ok && strings.HasSuffix(code, notFoundSuffix)
}

// Inconsistent matches errors caused by IAM or security group changes that
// have not propagated to EC2 yet.
func Inconsistent(err error) bool {
	code, message, ok := Classify(err)
	if !ok {
		return false
	}
	if code == CodeInvalidGroupNotFound {
		return true
	}
	m := strings.ToLower(message)
	return strings.Contains(m, messageInvalidInstanceProfile) ||
		strings.Contains(m, messageNoAssociatedIAMRoles)
}

// Code returns a predicate matching any of the given error codes exactly.
func Code(codes ...string) Predicate {
	return func(err error) bool {
		code, _, ok := Classify(err)
		return ok && slices.Contains(codes, code)
	}
}

// Any returns a predicate matching when at least one of preds matches.
func Any(preds ...Predicate) Predicate {
	return func(err error) bool {
		for _, p := range preds {
			if p != nil && p(err) {
				return true
			}
		}
		return false
	}
}

// Never matches nothing.
func Never(error) bool { return false }
