package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// Kind classifies a failure once, at the point it is observed. Retry logic
// branches on the kind, never on error text.
type Kind int

const (
	// KindConnectivity means the network itself is unusable: DNS failure,
	// no route. Not retried.
	KindConnectivity Kind = iota
	// KindServerUnavailable means the host is reachable but nothing is
	// listening (connection refused/reset). Not retried.
	KindServerUnavailable
	// KindRetryableServer covers 5xx responses, server-side rate limiting
	// and timeouts. Retried with backoff.
	KindRetryableServer
	// KindMalformedResponse means the server answered with a payload we
	// cannot decode. Not retried.
	KindMalformedResponse
	// KindCanceled is caller cancellation. Not a failure, not retried.
	KindCanceled
	// KindAdmissionDenied never reaches the network layer; it is produced
	// by admission control and carried here so callers see one taxonomy.
	KindAdmissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindServerUnavailable:
		return "server_unavailable"
	case KindRetryableServer:
		return "retryable_server"
	case KindMalformedResponse:
		return "malformed_response"
	case KindCanceled:
		return "canceled"
	case KindAdmissionDenied:
		return "admission_denied"
	}
	return "unknown"
}

// Error is the typed error returned by the executor.
type Error struct {
	Kind       Kind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := e.message()
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Attempts)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) message() string {
	switch e.Kind {
	case KindConnectivity:
		return "network unavailable"
	case KindServerUnavailable:
		return "generation server is not running"
	case KindRetryableServer:
		if e.StatusCode != 0 {
			return fmt.Sprintf("server error (status %d)", e.StatusCode)
		}
		return "request timed out"
	case KindMalformedResponse:
		if e.StatusCode != 0 {
			return fmt.Sprintf("unexpected response from server (status %d)", e.StatusCode)
		}
		return "malformed server response"
	case KindCanceled:
		return "request canceled"
	case KindAdmissionDenied:
		return "request denied by admission control"
	}
	return "request failed"
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare *Error carrying just a Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Retryable reports whether the error kind is worth another attempt.
func (e *Error) Retryable() bool { return e.Kind == KindRetryableServer }

// ErrKind returns the Kind of err if it is (or wraps) a *Error,
// else KindRetryableServer as the conservative default.
func ErrKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindRetryableServer, false
}

// classify maps a transport-level error to a Kind. Status-code
// classification happens separately, where the response is read.
func classify(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryableServer
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return KindRetryableServer
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectivity
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindServerUnavailable
	}
	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return KindConnectivity
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryableServer
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Other dial/read problems: treat as a transient hiccup rather
		// than declaring the server gone.
		return KindRetryableServer
	}

	return KindRetryableServer
}

func wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
