package llm

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
)

// ErrExhausted is wrapped by Complete when every attempt failed.
var ErrExhausted = errors.New("completion attempts exhausted")

// ErrorKind classifies provider errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx or network failure
	ErrorRateLimit                   // 429, honors Retry-After
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // request deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota exhausted
	ErrorContext                     // prompt too long for the model
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

// String returns a label for logs.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded || k == ErrorTimeout
}

// classifyStatus determines the error kind from status code and response body.
func classifyStatus(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return ErrorContext
	}

	if statusCode == http.StatusPaymentRequired ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "billing") {
		return ErrorBilling
	}

	if statusCode == http.StatusTooManyRequests ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") {
		return ErrorRateLimit
	}

	if statusCode == 529 || strings.Contains(bodyLower, "overloaded") {
		return ErrorOverloaded
	}

	switch statusCode {
	case http.StatusBadRequest:
		return ErrorBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrorAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrorTimeout
	}
	if statusCode >= 500 {
		return ErrorRetryable
	}
	return ErrorFatal
}

// classify maps an error returned by the SDK to its kind and, for 429
// responses, the server-requested delay.
func classify(err error) (ErrorKind, time.Duration) {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		kind := classifyStatus(apierr.StatusCode, apierr.Error())
		var retryAfter time.Duration
		if kind == ErrorRateLimit && apierr.Response != nil {
			retryAfter = parseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return kind, retryAfter
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout, 0
	}
	if errors.Is(err, context.Canceled) {
		return ErrorFatal, 0
	}
	// No HTTP response at all: DNS, refused connection, reset.
	return ErrorRetryable, 0
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
