package serrors

import "fmt"

// UpstreamError carries the HTTP status and response body of a non-retryable
// or retry-exhausted call to the upstream API. It always matches
// errors.Is(err, ErrUpstream).
type UpstreamError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream responded %d: %s", e.Status, e.Body)
}

// Is reports whether target is ErrUpstream, so that errors.Is(err, ErrUpstream)
// matches a bare *UpstreamError produced outside of the Error wrapper too.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// Upstream wraps an UpstreamError with the ErrUpstream kind through the
// standard Error envelope so callers can use either errors.As(&UpstreamError{})
// or errors.Is(err, ErrUpstream) interchangeably.
func Upstream(status int, body string) *Error {
	return Wrap(ErrUpstream, &UpstreamError{Status: status, Body: body}, "upstream error")
}
