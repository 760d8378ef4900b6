package task

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateSource is returned by Registry.Register when the name is taken.
var ErrDuplicateSource = errors.New("task source already registered")

// QuotaExceededError is the distinguished outcome of an Execute call that hit
// a rate/quota limit upstream.
//
// It is not a generic failure: the adapter schedules a backoff retry for it
// and leaves the job's periodic execution state untouched, so quota pressure
// delays a catch-up attempt without shifting the regular cadence.
//
// RetryAfter is an optional hint (e.g. from an HTTP Retry-After header or a
// known quota reset window); zero means "no hint".
type QuotaExceededError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("quota exceeded (%s, retry after %s)", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("quota exceeded (%s)", e.Reason)
}

// AsQuotaExceeded unwraps err into a QuotaExceededError, if it is one.
func AsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
