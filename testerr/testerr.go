package testerr

import (
	"errors"
	"fmt"
	"maps"

	"github.com/goccy/go-json"
)

type Category string

const (
	Network        Category = "NETWORK"
	Timeout        Category = "TIMEOUT"
	Authentication Category = "AUTHENTICATION"
	Validation     Category = "VALIDATION"
	Messaging      Category = "MESSAGING"
	Config         Category = "CONFIG"
	Resource       Category = "RESOURCE"
	Unknown        Category = "UNKNOWN"
)

// TestError is a failure observed by the harness together with its
// classification. Values are never mutated after creation.
type TestError struct {
	Category  Category
	Code      string
	Message   string
	Retryable bool
	Context   map[string]any
	Cause     error
}

func (e *TestError) Error() string {
	return fmt.Sprintf("[%s/%s] %s", e.Category, e.Code, e.Message)
}

func (e *TestError) Unwrap() error {
	return e.Cause
}

// With returns a copy of e with a new message and the given keys merged into
// the context.
func (e *TestError) With(message string, kv map[string]any) *TestError {
	cp := *e
	cp.Message = message
	cp.Context = make(map[string]any, len(e.Context)+len(kv))
	maps.Copy(cp.Context, e.Context)
	maps.Copy(cp.Context, kv)
	return &cp
}

func (e *TestError) MarshalJSON() ([]byte, error) {
	var cause string
	if e.Cause != nil {
		cause = e.Cause.Error()
	}

	return json.Marshal(struct {
		Category  Category       `json:"category"`
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Retryable bool           `json:"retryable"`
		Context   map[string]any `json:"context,omitempty"`
		Cause     string         `json:"cause,omitempty"`
	}{
		Category:  e.Category,
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Context:   e.Context,
		Cause:     cause,
	})
}

func New(category Category, code, message string) *TestError {
	return &TestError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap builds a non-retryable TestError of the given category around err.
func Wrap(category Category, code string, err error, message string) *TestError {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &TestError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    err,
	}
}

func ConfigError(err error, message string) *TestError {
	return Wrap(Config, "CONFIG_ERROR", err, message)
}

func ValidationError(message string) *TestError {
	return New(Validation, "VALIDATION_ERROR", message)
}

func ResourceError(code, message string) *TestError {
	return New(Resource, code, message)
}

// IsRetryable reports whether err, once classified, is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	return Classify(err).Category
}

// StatusError turns an HTTP status into an error so that it can be
// classified. The executor never produces it by itself.
type StatusError struct {
	Code   int
	Status string
}

func (s *StatusError) Error() string {
	if s.Status != "" {
		return "unexpected status: " + s.Status
	}
	return fmt.Sprintf("unexpected status: %d", s.Code)
}

func (s *StatusError) StatusCode() int {
	return s.Code
}

func asTestError(err error) (*TestError, bool) {
	var te *TestError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
