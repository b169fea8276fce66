package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrCancelled marks a user-initiated cancellation. It is not a failure:
// the item moves to cancelled, not error.
var ErrCancelled = errors.New("download cancelled by user")

// ExtractionError means source metadata could not be resolved within the
// configured bounds. It is distinct from DownloadError by contract.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract info for %q: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// DownloadError means the transfer or the external process failed.
// Transient marks network-class causes eligible for the bounded retry.
type DownloadError struct {
	URL       string
	Msg       string
	Transient bool
	Err       error
}

func (e *DownloadError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("download %q: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// transientPatterns are stderr fragments indicating network-class
// failures worth retrying.
var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timed out",
	"timeout",
	"temporary failure",
	"no such host",
	"network is unreachable",
	"http error 429",
	"http error 503",
	"service unavailable",
	"too many requests",
}

// isTransient classifies an error plus the tool's stderr output for
// retry purposes. Cancellation is never transient.
func isTransient(err error, stderr string) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE, syscall.ETIMEDOUT:
			return true
		}
	}
	haystack := strings.ToLower(err.Error() + "\n" + stderr)
	for _, pattern := range transientPatterns {
		if strings.Contains(haystack, pattern) {
			return true
		}
	}
	return false
}
