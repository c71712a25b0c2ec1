package github

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the dispatch API. It distinguishes
// client-side rejections (403 insufficient permission, 404 not found) from
// transport failures, which are returned as wrapped network errors instead.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dispatch API error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the dispatch API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsForbidden reports whether err is a 403 from the dispatch API.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden
}

// IsClientError reports whether err is any 4xx from the dispatch API. Client
// errors require user action (fix the token, fix the repo) and are never
// retried.
func IsClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}
