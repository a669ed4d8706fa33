package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure classes drive the retry policy: transient failures are retried with
// backoff, permanent ones fail the item immediately.
var (
	ErrTransient = errors.New("transient failure")
	ErrPermanent = errors.New("permanent failure")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err is not worth retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// classifyStatus maps an HTTP status to a classified error. Client errors
// that cannot heal on retry are permanent; everything else, including rate
// limiting and server errors, is transient.
func classifyStatus(url string, status int) error {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("fetch %s: status %d: %w", url, status, ErrPermanent)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("fetch %s: status %d: %w", url, status, ErrPermanent)
	default:
		return fmt.Errorf("fetch %s: status %d: %w", url, status, ErrTransient)
	}
}
