package retry

import (
	"errors"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/smithy-go"
)

// Classify extracts the provider error code and message from err.
//
// Two client generations report API failures differently: aws-sdk-go-v2
// wraps a smithy.APIError inside its operation error, while the legacy
// aws-sdk-go client returns an awserr.Error. Both are reduced to the same
// (code, message) pair here so predicates never look at SDK types directly.
// ok is false when err carries no provider error at all.
func Classify(err error) (code, message string, ok bool) {
	if err == nil {
		return "", "", false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode(), apiErr.ErrorMessage(), true
	}

	var legacyErr awserr.Error
	if errors.As(err, &legacyErr) {
		return legacyErr.Code(), legacyErr.Message(), true
	}

	return "", "", false
}

// ErrorCode returns the normalized provider error code of err, or "".
func ErrorCode(err error) string {
	code, _, _ := Classify(err)
	return code
}
