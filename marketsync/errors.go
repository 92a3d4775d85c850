package marketsync

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a non-2xx response from the marketplace API. RetryAfter carries
// the server-advised wait when the response included one (429s usually do).
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace api error %d: %s", e.StatusCode, e.Body)
}

// FetchError reports an exhausted fetch: every attempt failed. The
// orchestrator decides whether a fallback estimate applies.
type FetchError struct {
	Source       Source
	StorefrontId uint
	Attempts     int
	Err          error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s for storefront %d failed after %d attempts: %v",
		e.Source, e.StorefrontId, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var (
	// ErrNoCredentials means a storefront has no usable token and no way to
	// obtain one. The orchestrator counts the storefront as skipped.
	ErrNoCredentials = errors.New("storefront has no valid credentials")

	// ErrReportFailed means the marketplace marked the async report failed.
	ErrReportFailed = errors.New("marketplace reported the report as failed")
)

// errorClass decides how one failed API call is handled.
type errorClass int

const (
	classOK errorClass = iota
	classAuthExpired
	classRateLimited
	classTransient
	classFatal
)

// classifyError maps an error from one API call onto the retry taxonomy.
// Anything that is not an APIError (DNS failures, timeouts, connection
// resets) is treated as transient.
func classifyError(err error) errorClass {
	if err == nil {
		return classOK
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return classTransient
	}
	switch {
	case apiErr.StatusCode == 401:
		return classAuthExpired
	case apiErr.StatusCode == 429:
		return classRateLimited
	case apiErr.StatusCode >= 500, apiErr.StatusCode == 408:
		return classTransient
	default:
		return classFatal
	}
}
