package service

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingTarget is returned by Probe when no target URL is supplied.
var ErrMissingTarget = errors.New("missing target query param")

// ErrInvalidJSON is returned when an upstream that must answer with JSON did not.
var ErrInvalidJSON = errors.New("upstream returned invalid JSON")

// defaultCauseMessage is reported when no error in the chain has a message.
const defaultCauseMessage = "upstream network error"

// maxCauseDepth bounds how far below the top-level error the cause lookup walks.
const maxCauseDepth = 2

// UpstreamError is returned when an upstream answered with a non-2xx status.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Upstream error %d", e.StatusCode)
}

// FallbackError is returned when the broker fallback could not be reached.
// Cause carries the deepest available message from the transport error.
type FallbackError struct {
	Err   error
	Cause string
}

func (e *FallbackError) Error() string { return "Upstream network error" }

func (e *FallbackError) Unwrap() error { return e.Err }

// NestedCause returns the message of the deepest error found at most two
// unwrap levels below err. The bool is false when err wraps nothing with a
// message.
func NestedCause(err error) (string, bool) {
	msg, found := "", false
	for d := 0; d < maxCauseDepth; d++ {
		err = errors.Unwrap(err)
		if err == nil {
			break
		}
		if m := err.Error(); m != "" {
			msg, found = m, true
		}
	}
	return msg, found
}

// CauseMessage returns the best human readable message for err: a nested
// cause when one exists, then err itself, then a generic message.
func CauseMessage(err error) string {
	if err == nil {
		return defaultCauseMessage
	}
	if msg, ok := NestedCause(err); ok {
		return msg
	}
	if m := err.Error(); m != "" {
		return m
	}
	return defaultCauseMessage
}

// Trace renders the unwrap chain of err, one message per line.
func Trace(err error) string {
	var lines []string
	for ; err != nil; err = errors.Unwrap(err) {
		lines = append(lines, fmt.Sprintf("%T: %s", err, err.Error()))
	}
	return strings.Join(lines, "\n")
}
