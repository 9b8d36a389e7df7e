package dispatch

import "fmt"

type Kind string

const (
	KindUnreachable Kind = "unreachable"
	KindTimeout     Kind = "timeout"
	KindRejected    Kind = "rejected"
	KindServerError Kind = "server_error"
)

// Error is a classified dispatch failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("dispatch timeout: %v", e.Err)
	case KindUnreachable:
		return fmt.Sprintf("analysis service unreachable: %v", e.Err)
	case KindRejected:
		return fmt.Sprintf("dispatch rejected: HTTP %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("analysis service error: HTTP %d: %s", e.StatusCode, e.Body)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns true for network failures, timeouts and server errors
// (5xx). Client errors (4xx) are permanent.
func (e *Error) IsRetryable() bool {
	return e.Kind != KindRejected
}
