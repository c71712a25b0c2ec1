package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotRegistered is returned when an operation needs a registered
	// instance and the instance is not in the registered state.
	ErrNotRegistered = errors.New("instance is not registered")

	// ErrProcessAttached is returned when an operation needs the worker
	// process stopped first.
	ErrProcessAttached = errors.New("worker process is still attached")
)

// TimeoutError reports that a lifecycle operation did not complete within
// its configured bound.
type TimeoutError struct {
	Op      string // "start", "stop"
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %v", e.Op, e.Timeout)
}

// IsTimeout reports whether err is a lifecycle timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
