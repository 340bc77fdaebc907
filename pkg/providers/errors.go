package providers

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

// TransportError wraps a provider transport failure with its transient
// class so the tool loop can decide whether to retry.
type TransportError struct {
	Class string // "timeout", "5xx", "connection_reset", "other"
	Err   error
}

const (
	TransportTimeout         = "timeout"
	TransportServer          = "5xx"
	TransportConnectionReset = "connection_reset"
	TransportOther           = "other"
)

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider transport (%s): %v", e.Class, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transient reports whether a single bounded retry is worthwhile.
func (e *TransportError) Transient() bool {
	switch e.Class {
	case TransportTimeout, TransportServer, TransportConnectionReset:
		return true
	}
	return false
}

// WrapTransport classifies err. Context cancellation is passed through
// untouched so callers can distinguish cancel from transport failure.
func WrapTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransportError{Class: classify(err), Err: err}
}

func classify(err error) string {
	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 {
			return TransportServer
		}
		return TransportOther
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransportTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection reset"):
		return TransportConnectionReset
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return TransportTimeout
	}
	return TransportOther
}
