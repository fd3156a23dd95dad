package awsapi

import (
	"errors"
	"fmt"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// APIError carries the operation name and service status of a failed AWS call.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("%s: status %d (%s): %v", e.Op, e.StatusCode, e.Code, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap annotates err with op and whatever status the SDK attached to it.
// A nil err stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *APIError
	if errors.As(err, &existing) && existing.Op == op {
		return err
	}
	return &APIError{
		Op:         op,
		StatusCode: StatusCode(err),
		Code:       Code(err),
		Err:        err,
	}
}

// StatusCode returns the HTTP status of a service response error, or 0.
func StatusCode(err error) int {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Code returns the service error code (for example "ClientException"), or "".
func Code(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	var wrapped *APIError
	if errors.As(err, &wrapped) {
		return wrapped.Code
	}
	return ""
}
