package delivery

import (
	"strings"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
)

// ErrorClass buckets a failed send for retry-policy purposes.
type ErrorClass string

const (
	ClassRateLimit   ErrorClass = "rate_limit"
	ClassServerError ErrorClass = "server_error"
	ClassClientError ErrorClass = "client_error"
	ClassParseError  ErrorClass = "parse_error"
	ClassNetwork     ErrorClass = "network"
)

// Retryable reports whether sends failing with this class should be retried.
// Client errors never heal on retry, and parse errors get exactly one
// plain-text fallback instead of a retry loop.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassServerError, ClassNetwork:
		return true
	}
	return false
}

// Classify buckets a failed SendResult. Results without an HTTP status are
// treated as network failures; 400s whose description mentions entity
// parsing are parse errors (the platform rejected the rich formatting).
func Classify(res channels.SendResult) ErrorClass {
	switch {
	case res.HTTPStatus == 429:
		return ClassRateLimit
	case res.HTTPStatus >= 500:
		return ClassServerError
	case res.HTTPStatus >= 400:
		if res.Err != nil && strings.Contains(strings.ToLower(res.Err.Error()), "parse") {
			return ClassParseError
		}
		return ClassClientError
	default:
		return ClassNetwork
	}
}
