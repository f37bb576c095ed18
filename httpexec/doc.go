// Package httpexec issues HTTP requests for API tests.
//
// An [Executor] is bound to one [RequestContext]: base URL, default headers,
// per-attempt timeout and [RetryPolicy]. Transport failures with a
// retryable code and responses with a retryable status are retried with
// exponential backoff and jitter; any other response is returned as is,
// whatever its status.
package httpexec
