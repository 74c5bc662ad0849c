package utils

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrScopeRejected      = errors.New("URL rejected by scope policy")
	ErrAllocationDenied   = errors.New("local path allocation denied")
	ErrTransient          = errors.New("transient network error")     // Wraps the underlying cause
	ErrFatalProtocol      = errors.New("fatal protocol error")        // Wraps FTP replies and unfollowed redirects
	ErrTooLarge           = errors.New("declared length above limit") // Content-Length / FTP SIZE > max_file_size
	ErrClientHTTPError    = errors.New("client HTTP error (4xx)")     // Wraps original error/status
	ErrServerHTTPError    = errors.New("server HTTP error (5xx)")     // Wraps original error/status
	ErrOtherHTTPError     = errors.New("other HTTP error (non-2xx)")  // Wraps original error/status
	ErrRobotsDisallowed   = errors.New("disallowed by robots.txt")
	ErrParsing            = errors.New("parsing error")    // Wraps specific parsing error (HTML, URL)
	ErrFilesystem         = errors.New("filesystem error") // Wraps os errors
	ErrDatabase           = errors.New("database error")   // Wraps badger errors
	ErrRequestCreation    = errors.New("failed to create request")
	ErrResponseBodyRead   = errors.New("failed to read response body")
	ErrMarkdownConversion = errors.New("failed to convert HTML to markdown")
	ErrConfigValidation   = errors.New("configuration validation error")
	ErrWorkersActive      = errors.New("workers are still active")
	ErrUnsupportedVersion = errors.New("unsupported state version")
	ErrNotInitialized     = errors.New("crawler not initialized")
)

// ErrorKind is the outcome class that decides what a Worker does with a failed resource
type ErrorKind int

const (
	KindNone             ErrorKind = iota
	KindScopeRejected              // Silently dropped
	KindAllocationDenied           // Silently dropped
	KindTransient                  // Retried at the tail of the queue
	KindFatal                      // Reported, partial file removed
	KindCanceled                   // Worker terminated mid-transfer, requeued without a retry
	KindUnclassified               // Anything else, treated like fatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindScopeRejected:
		return "scope_rejected"
	case KindAllocationDenied:
		return "allocation_denied"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindCanceled:
		return "canceled"
	default:
		return "unclassified"
	}
}

// Classify maps an error returned while processing a resource to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	switch {
	case errors.Is(err, ErrScopeRejected), errors.Is(err, ErrRobotsDisallowed):
		return KindScopeRejected
	case errors.Is(err, ErrAllocationDenied):
		return KindAllocationDenied
	case errors.Is(err, context.Canceled):
		return KindCanceled
	// ErrTransient is checked before the HTTP sentinels: 408 and 429 carry both
	case errors.Is(err, ErrTransient), errors.Is(err, ErrServerHTTPError):
		return KindTransient
	case errors.Is(err, ErrTooLarge),
		errors.Is(err, ErrFatalProtocol),
		errors.Is(err, ErrClientHTTPError),
		errors.Is(err, ErrOtherHTTPError):
		return KindFatal
	}

	if IsTransientNetworkError(err) {
		return KindTransient
	}
	return KindUnclassified
}

// IsTransientNetworkError reports whether err looks like a timeout, reset or
// interrupted transfer worth retrying.
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	lowerErrMsg := strings.ToLower(err.Error())
	return strings.Contains(lowerErrMsg, "timeout") ||
		strings.Contains(lowerErrMsg, "reset by peer") ||
		strings.Contains(lowerErrMsg, "broken pipe") ||
		strings.Contains(lowerErrMsg, "connection refused")
}

// CategorizeError maps an error to a predefined category string for logging and the history store.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Check against sentinel errors first
	switch {
	case errors.Is(err, ErrTransient):
		if errors.Is(err, ErrServerHTTPError) {
			return "Transient_HTTPServer"
		}
		if errors.Is(err, ErrClientHTTPError) {
			return "Transient_HTTPClient" // 408 / 429
		}
		errMsg := strings.ToLower(err.Error())
		if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded") {
			return "Transient_NetworkTimeout"
		}
		if strings.Contains(errMsg, "connection refused") {
			return "Transient_ConnectionRefused"
		}
		return "Transient_NetworkOther"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		if strings.Contains(errMsg, " 404 ") {
			return "HTTP_404"
		}
		if strings.Contains(errMsg, " 403 ") {
			return "HTTP_403"
		}
		if strings.Contains(errMsg, " 401 ") {
			return "HTTP_401"
		}
		if strings.Contains(errMsg, " 410 ") {
			return "HTTP_410"
		}
		return "HTTP_4xx" // Generic 4xx
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrTooLarge):
		return "Policy_TooLarge"
	case errors.Is(err, ErrFatalProtocol):
		if strings.Contains(err.Error(), "ftp") {
			return "FTP_Reply"
		}
		return "Protocol_Fatal"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrScopeRejected):
		return "Policy_Scope"
	case errors.Is(err, ErrAllocationDenied):
		return "Policy_Allocation"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrMarkdownConversion):
		return "Content_Markdown"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrWorkersActive):
		return "State_WorkersActive"
	case errors.Is(err, ErrUnsupportedVersion):
		return "State_UnsupportedVersion"
	case errors.Is(err, ErrNotInitialized):
		return "State_NotInitialized"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}
	if strings.Contains(lowerErrMsg, "reset by peer") {
		return "Network_ConnectionReset"
	}
	if strings.Contains(lowerErrMsg, "broken pipe") {
		return "Network_BrokenPipe"
	}
	if strings.Contains(lowerErrMsg, "panic") {
		return "Internal_Panic"
	}

	return "Unknown"
}
