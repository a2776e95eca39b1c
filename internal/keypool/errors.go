package keypool

import "fmt"

// NoCredentialError is returned by Select when no credential in a
// provider's set passes the eligibility filter. It distinguishes
// "exhausted" (Retryable=false) from "temporarily throttled"
// (Retryable=true, RetryAfter set) per §4.1.
type NoCredentialError struct {
	Service   string
	Model     string
	Retryable bool
	RetryAfterMillis int64
}

func (e *NoCredentialError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("keypool: no credential currently available for %s/%s, retry after %dms", e.Service, e.Model, e.RetryAfterMillis)
	}
	return fmt.Sprintf("keypool: no eligible credential for %s/%s", e.Service, e.Model)
}

// HTTPStatus implements the providers.StatusCoder interface. The gateway's
// error-handling path answers a NoCredentialError with this status as is:
// 503 (temporarily exhausted) or 402 (permanently exhausted).
func (e *NoCredentialError) HTTPStatus() int {
	if e.Retryable {
		return 503
	}
	return 402
}

// UnknownServiceError is returned when a caller does not specify a
// service and the model id cannot be mapped to one by the inference
// table in §4.3.
type UnknownServiceError struct {
	Model string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("keypool: cannot infer service for model %q", e.Model)
}

func (e *UnknownServiceError) HTTPStatus() int { return 400 }

// CancelledError is returned by Queue.Enqueue when the caller's
// cancellation signal fires before admission.
type CancelledError struct{}

func (e *CancelledError) Error() string { return "keypool: request cancelled while queued" }

// ErrCancelled is the sentinel value Enqueue returns on cancellation;
// callers may compare with errors.As against *CancelledError.
var ErrCancelled = &CancelledError{}
