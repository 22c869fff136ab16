package emr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/3leaps/sparkfleet/pkg/cloud"
)

// wrapError classifies an AWS API failure into the port's taxonomy.
//
// Throttling and server faults are transient; validation failures are
// permanent; a cluster the API no longer knows maps to not-found.
func wrapError(op, jobflowID string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Transport-level failures (DNS, timeouts) may succeed later.
		return &cloud.Error{Op: op, JobflowID: jobflowID, Err: fmt.Errorf("%w: %w", cloud.ErrTransient, err)}
	}

	code := apiErr.ErrorCode()
	switch {
	case isThrottlingCode(code):
		return &cloud.Error{Op: op, JobflowID: jobflowID, Err: fmt.Errorf("%w: %w", cloud.ErrThrottled, err)}
	case isNotFound(code, apiErr.ErrorMessage()):
		return &cloud.Error{Op: op, JobflowID: jobflowID, Err: fmt.Errorf("%w: %w", cloud.ErrClusterNotFound, err)}
	case code == "ValidationException" || code == "InvalidRequestException":
		return &cloud.Error{Op: op, JobflowID: jobflowID, Err: fmt.Errorf("%w: %w", cloud.ErrPermanent, err)}
	case apiErr.ErrorFault() == smithy.FaultServer:
		return &cloud.Error{Op: op, JobflowID: jobflowID, Err: fmt.Errorf("%w: %w", cloud.ErrTransient, err)}
	default:
		return &cloud.Error{Op: op, JobflowID: jobflowID, Err: fmt.Errorf("%w: %w", cloud.ErrTransient, err)}
	}
}

func isThrottlingCode(code string) bool {
	switch code {
	case "ThrottlingException", "Throttling", "TooManyRequestsException", "RequestLimitExceeded":
		return true
	}
	return false
}

func isNotFound(code, message string) bool {
	if code == "ResourceNotFoundException" {
		return true
	}
	// EMR reports unknown cluster IDs through InvalidRequestException
	// with a descriptive message.
	return code == "InvalidRequestException" && strings.Contains(strings.ToLower(message), "not valid")
}
