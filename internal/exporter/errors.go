package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorType represents a low-cardinality category of export error for metrics.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors (5xx status codes)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents client-side errors (4xx status codes)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication/authorization errors (401, 403)
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// Class tags an export error by retry semantics rather than by mechanism.
type Class string

const (
	// ClassTransient errors may succeed on retry (network, timeout, 5xx, 429).
	ClassTransient Class = "transient"
	// ClassPermanent errors will fail identically on retry (4xx, auth).
	ClassPermanent Class = "permanent"
	// ClassUnknown errors carry no classification signal; they are retried.
	ClassUnknown Class = "unknown"
)

// ExportError is a structured error returned from export operations. It
// carries the metrics error type, the retry class, and the backend response
// detail so callers can make retry decisions without string matching.
type ExportError struct {
	// Err is the underlying error.
	Err error
	// Type is the classified error type for metrics.
	Type ErrorType
	// Class is the retry classification.
	Class Class
	// StatusCode is the HTTP status code (0 for gRPC or network errors).
	StatusCode int
	// Message is the response body or error detail from the backend.
	Message string
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("export error: type=%s class=%s status=%d", e.Type, e.Class, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ExportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed on retry. Unknown
// errors are retried, matching the source behavior of retrying everything
// that is not provably permanent.
func (e *ExportError) Retryable() bool {
	return e.Class != ClassPermanent
}

// classOf maps a metrics error type to a retry class.
func classOf(t ErrorType) Class {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServerError, ErrorTypeRateLimit:
		return ClassTransient
	case ErrorTypeClientError, ErrorTypeAuth:
		return ClassPermanent
	default:
		return ClassUnknown
	}
}

// newExportError wraps err with its classification.
func newExportError(err error, t ErrorType, statusCode int, message string) *ExportError {
	return &ExportError{
		Err:        err,
		Type:       t,
		Class:      classOf(t),
		StatusCode: statusCode,
		Message:    message,
	}
}

// classifyGRPCError categorizes a gRPC error into an error type.
func classifyGRPCError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return ErrorTypeTimeout
		case codes.Unavailable:
			return ErrorTypeNetwork
		case codes.Unauthenticated, codes.PermissionDenied:
			return ErrorTypeAuth
		case codes.ResourceExhausted:
			return ErrorTypeRateLimit
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return ErrorTypeClientError
		case codes.Internal, codes.Unknown, codes.DataLoss, codes.Aborted:
			return ErrorTypeServerError
		}
	}

	return classifyError(err)
}

// classifyHTTPStatusCode categorizes an HTTP status code into an error type.
func classifyHTTPStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// classifyError categorizes a transport error into an error type.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "connection refused"),
		strings.Contains(errLower, "no such host"),
		strings.Contains(errLower, "network is unreachable"),
		strings.Contains(errLower, "connection reset"),
		strings.Contains(errLower, "broken pipe"):
		return ErrorTypeNetwork
	case strings.Contains(errLower, "timeout"),
		strings.Contains(errLower, "deadline exceeded"):
		return ErrorTypeTimeout
	}

	return ErrorTypeUnknown
}

// isTimeoutError checks if the error is a timeout error.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// isNetworkError checks if the error is a network error.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
