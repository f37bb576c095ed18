package testerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"syscall"

	"github.com/twmb/franz-go/pkg/kerr"
)

const (
	CodeConnReset    string = "ECONNRESET"
	CodeConnRefused  string = "ECONNREFUSED"
	CodeNotFound     string = "ENOTFOUND"
	CodeDNSAgain     string = "EAI_AGAIN"
	CodeConnAborted  string = "ECONNABORTED"
	CodeTimedOut     string = "ETIMEDOUT"
	codeTimeout      string = "TIMEOUT"
	codeAuth         string = "AUTH_ERROR"
	codeMessaging    string = "KAFKA_ERROR"
	codeUnknown      string = "UNKNOWN_ERROR"
	codeNetworkError string = "NETWORK_ERROR"
)

// networkCodes is the fixed set of transport codes classified as NETWORK.
var networkCodes = []string{CodeConnReset, CodeConnRefused, CodeNotFound, CodeDNSAgain, CodeConnAborted}

type coder interface {
	Code() string
}

type timeouter interface {
	Timeout() bool
}

type statusCoder interface {
	StatusCode() int
}

// Classify maps err to exactly one TestError. It is pure: the same input
// always yields the same category and code. nil maps to nil.
func Classify(err error) *TestError {
	if err == nil {
		return nil
	}

	if te, ok := asTestError(err); ok {
		return te
	}

	msg := err.Error()
	code := TransportCode(err)

	if slices.Contains(networkCodes, code) {
		return &TestError{
			Category:  Network,
			Code:      code,
			Message:   "network error: " + msg,
			Retryable: true,
			Cause:     err,
			Context: map[string]any{
				"errorCode": code,
				"syscall":   syscallName(err),
			},
		}
	}

	if isTimeout(err, code) {
		return &TestError{
			Category:  Timeout,
			Code:      codeTimeout,
			Message:   "operation timed out: " + msg,
			Retryable: true,
			Cause:     err,
		}
	}

	var sc statusCoder
	if errors.As(err, &sc) && (sc.StatusCode() == 401 || sc.StatusCode() == 403) {
		return &TestError{
			Category:  Authentication,
			Code:      codeAuth,
			Message:   "authentication failed: " + msg,
			Retryable: false,
			Cause:     err,
			Context:   map[string]any{"statusCode": sc.StatusCode()},
		}
	}

	if ke, ok := asKafkaError(err); ok {
		return &TestError{
			Category:  Messaging,
			Code:      ke.Message,
			Message:   "kafka error: " + msg,
			Retryable: true,
			Cause:     err,
			Context: map[string]any{
				"kafkaCode":      ke.Code,
				"kafkaRetriable": ke.Retriable,
			},
		}
	}

	if isMessaging(err) {
		c := codeMessaging
		if code != "" {
			c = code
		}
		return &TestError{
			Category:  Messaging,
			Code:      c,
			Message:   "kafka error: " + msg,
			Retryable: true,
			Cause:     err,
		}
	}

	if msg == "" {
		msg = "unknown error occurred"
	}

	return &TestError{
		Category:  Unknown,
		Code:      codeUnknown,
		Message:   msg,
		Retryable: false,
		Cause:     err,
	}
}

// TransportCode extracts a socket-level failure code from err, or "" when err
// does not carry one. Codes use the errno spelling (ECONNRESET, ETIMEDOUT...).
func TransportCode(err error) string {
	if err == nil {
		return ""
	}

	var c coder
	if errors.As(err, &c) && c.Code() != "" {
		return c.Code()
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return CodeConnReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused
	case errors.Is(err, syscall.ECONNABORTED):
		return CodeConnAborted
	case errors.Is(err, syscall.ETIMEDOUT):
		return CodeTimedOut
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return CodeNotFound
		case dnsErr.IsTimeout, dnsErr.IsTemporary:
			return CodeDNSAgain
		default:
			return CodeNotFound
		}
	}

	var t timeouter
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &t) && t.Timeout()) {
		return CodeTimedOut
	}

	// the peer dropped the connection mid-exchange
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		var ue *url.Error
		var oe *net.OpError
		if errors.As(err, &ue) || errors.As(err, &oe) {
			return CodeConnReset
		}
	}

	if errors.Is(err, net.ErrClosed) {
		return CodeConnAborted
	}

	return ""
}

func isTimeout(err error, code string) bool {
	if code == CodeTimedOut {
		return true
	}

	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

func asKafkaError(err error) (*kerr.Error, bool) {
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

func isMessaging(err error) bool {
	if strings.Contains(strings.ToLower(err.Error()), "kafka") {
		return true
	}

	found := false
	walk(err, func(e error) {
		name := strings.ToLower(fmt.Sprintf("%T", e))
		if strings.Contains(name, "kafka") || strings.Contains(name, "kgo.") || strings.Contains(name, "kerr.") || strings.Contains(name, "kadm.") {
			found = true
		}
	})

	return found
}

func syscallName(err error) string {
	var se *os.SyscallError
	if errors.As(err, &se) {
		return se.Syscall
	}

	var oe *net.OpError
	if errors.As(err, &oe) {
		return oe.Op
	}

	return ""
}

// walk visits err and every error reachable through Unwrap.
func walk(err error, fn func(error)) {
	if err == nil {
		return
	}

	fn(err)

	switch u := err.(type) { //nolint:errorlint
	case interface{ Unwrap() error }:
		walk(u.Unwrap(), fn)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			walk(e, fn)
		}
	}
}
