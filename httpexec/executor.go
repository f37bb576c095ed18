package httpexec

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/harness/internal/tracing"
	"github.com/roadrunner-server/harness/lifecycle"
	"github.com/roadrunner-server/harness/metrics"
	"github.com/roadrunner-server/harness/testerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const component string = "http"

var methods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// Executor issues HTTP requests against one base endpoint. All calls share a
// single connection pool and cookie jar; do not share an Executor between
// suites that need different base configurations.
type Executor struct {
	mu      sync.RWMutex
	rc      RequestContext
	limiter *rate.Limiter

	client  *http.Client
	log     *zap.Logger
	tracer  trace.Tracer
	prop    propagation.TextMapPropagator
	metrics *metrics.Collector
	lm      *lifecycle.Manager
}

type Option func(*Executor)

func WithLogger(log *zap.Logger) Option {
	return func(e *Executor) {
		e.log = log
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) {
		e.tracer = tracing.Tracer(tp)
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Executor) {
		e.metrics = c
	}
}

// WithLifecycle registers the executor so that its idle connections are
// closed on shutdown.
func WithLifecycle(lm *lifecycle.Manager) Option {
	return func(e *Executor) {
		e.lm = lm
	}
}

// WithTransport replaces the pooled transport, mostly useful in tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Executor) {
		e.client.Transport = rt
	}
}

func New(rc RequestContext, opts ...Option) (*Executor, error) {
	const op = errors.Op("httpexec_new")

	rc = rc.clone()
	if err := rc.validate(); err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, testerr.Wrap(testerr.Resource, "COOKIE_JAR", errors.E(op, err), "")
	}

	e := &Executor{
		rc: rc,
		client: &http.Client{
			Jar:       jar,
			Transport: newTransport(),
		},
		log:     zap.NewNop(),
		tracer:  tracing.Tracer(nil),
		prop:    tracing.Propagator(),
		limiter: newLimiter(rc),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.lm != nil {
		e.lm.Register(e)
	}

	return e, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func newLimiter(rc RequestContext) *rate.Limiter {
	if rc.RateLimit <= 0 {
		return nil
	}

	burst := rc.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(rc.RateLimit), burst)
}

// Context returns a copy of the current request context.
func (e *Executor) Context() RequestContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rc.clone()
}

// Reconfigure applies fn to a copy of the request context and swaps it in if
// the result is valid. In-flight calls keep the context they started with.
func (e *Executor) Reconfigure(fn func(rc *RequestContext)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.rc.clone()
	fn(&next)
	if err := next.validate(); err != nil {
		return err
	}

	e.rc = next
	e.limiter = newLimiter(next)
	return nil
}

// Cleanup closes idle pooled connections. The cookie jar is kept.
func (e *Executor) Cleanup(context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *Executor) Get(ctx context.Context, path string, headers map[string]string) (*Response, error) {
	return e.Send(ctx, http.MethodGet, path, nil, headers)
}

func (e *Executor) Post(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return e.Send(ctx, http.MethodPost, path, body, headers)
}

func (e *Executor) Put(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return e.Send(ctx, http.MethodPut, path, body, headers)
}

func (e *Executor) Patch(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return e.Send(ctx, http.MethodPatch, path, body, headers)
}

func (e *Executor) Delete(ctx context.Context, path string, headers map[string]string) (*Response, error) {
	return e.Send(ctx, http.MethodDelete, path, nil, headers)
}

// Send performs one logical request, retrying transient failures according
// to the retry policy. A response is returned whatever its status; only
// transport failures surface as errors, classified as *testerr.TestError.
func (e *Executor) Send(ctx context.Context, method, path string, body any, headers map[string]string) (*Response, error) {
	method = strings.ToUpper(method)
	if !validMethod(method) {
		return nil, testerr.ValidationError("unsupported HTTP method: " + method)
	}

	payload, ct, err := encodeBody(body)
	if err != nil {
		return nil, testerr.Wrap(testerr.Validation, "BODY_ENCODING", err, "failed to serialize request body: "+err.Error())
	}

	return e.do(ctx, &call{
		method:      method,
		path:        path,
		payload:     payload,
		contentType: ct,
		headers:     headers,
		logBody:     payload,
	})
}

// Upload sends files (in the given order) and scalar fields as
// multipart/form-data with POST. It follows the same retry path as Send.
func (e *Executor) Upload(ctx context.Context, path string, files []File, fields map[string]string, headers map[string]string) (*Response, error) {
	payload, ct, err := encodeMultipart(files, fields)
	if err != nil {
		return nil, testerr.Wrap(testerr.Validation, "MULTIPART_ENCODING", err, "failed to build multipart body: "+err.Error())
	}

	names := make([]string, 0, len(files))
	for i := range files {
		names = append(names, files[i].Field)
	}

	// the multipart boundary must win over any default content type
	hdr := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		if !strings.EqualFold(k, contentTypeHeader) {
			hdr[k] = v
		}
	}
	hdr[contentTypeHeader] = ct

	return e.do(ctx, &call{
		method:      http.MethodPost,
		path:        path,
		payload:     payload,
		contentType: ct,
		headers:     hdr,
		files:       names,
	})
}

type call struct {
	method      string
	path        string
	payload     []byte
	contentType string
	headers     map[string]string
	logBody     []byte
	files       []string
}

func (e *Executor) snapshot() (RequestContext, *rate.Limiter) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rc, e.limiter
}

func (e *Executor) do(ctx context.Context, c *call) (*Response, error) {
	rc, limiter := e.snapshot()
	policy := rc.RetryPolicy
	target := rc.resolve(c.path)
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, c.method+" "+c.path, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", c.method),
		attribute.String("url.full", target),
	)

	for attempt := 0; attempt < policy.Attempts; attempt++ {
		last := attempt == policy.Attempts-1

		resp, err := e.attempt(ctx, rc, limiter, target, c)
		if err != nil {
			code := testerr.TransportCode(err)
			te := testerr.Classify(err)

			if !last && policy.retryableTransport(code) {
				if werr := e.wait(ctx, policy, attempt, c, string(te.Category), zap.String("code", code)); werr != nil {
					return nil, e.fail(span, c, start, attempt+1, werr)
				}
				continue
			}

			return nil, e.fail(span, c, start, attempt+1, te)
		}

		if !last && policy.retryableStatus(resp.StatusCode) {
			se := testerr.Classify(&testerr.StatusError{Code: resp.StatusCode, Status: resp.Status})
			if werr := e.wait(ctx, policy, attempt, c, string(se.Category), zap.Int("status", resp.StatusCode)); werr != nil {
				return nil, e.fail(span, c, start, attempt+1, werr)
			}
			continue
		}

		resp.Attempts = attempt + 1
		resp.markElapsed(start)
		e.completed(c, resp)
		e.metrics.HTTPRequest(c.method, resp.StatusCode)
		tracing.End(span, nil,
			attribute.Int("http.response.status_code", resp.StatusCode),
			attribute.Int("harness.attempts", resp.Attempts),
		)

		return resp, nil
	}

	// unreachable with a validated policy
	return nil, testerr.ValidationError("retry attempts must be at least 1")
}

func (e *Executor) attempt(ctx context.Context, rc RequestContext, limiter *rate.Limiter, target string, c *call) (*Response, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	actx, cancel := context.WithTimeout(ctx, rc.Timeout)
	defer cancel()

	var body io.Reader
	if c.payload != nil {
		body = bytes.NewReader(c.payload)
	}

	req, err := http.NewRequestWithContext(actx, c.method, target, body)
	if err != nil {
		return nil, err
	}

	for k, v := range rc.DefaultHeaders {
		req.Header.Set(k, v)
	}

	// the body's own type beats a default Content-Type
	if c.contentType != "" && !hasHeader(c.headers, contentTypeHeader) {
		req.Header.Set(contentTypeHeader, c.contentType)
	}

	// call-specific headers win
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	e.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		Method:     c.method,
		URL:        target,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (e *Executor) wait(ctx context.Context, policy RetryPolicy, attempt int, c *call, category string, reason zap.Field) error {
	delay := policy.Backoff(attempt)

	e.log.Warn("retrying request",
		zap.String("method", c.method),
		zap.String("path", c.path),
		zap.String("category", category),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
		reason,
	)
	e.metrics.Retry(component, category)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return testerr.Classify(ctx.Err())
	}
}

func (e *Executor) completed(c *call, resp *Response) {
	fields := []zap.Field{
		zap.String("method", c.method),
		zap.String("path", c.path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", resp.Elapsed),
		zap.Int("attempts", resp.Attempts),
	}

	if len(c.logBody) > 0 {
		fields = append(fields, zap.ByteString("body", c.logBody))
	}

	if len(c.files) > 0 {
		fields = append(fields, zap.Strings("files", c.files))
	}

	e.log.Info("request completed", fields...)
}

func (e *Executor) fail(span trace.Span, c *call, start time.Time, attempts int, err error) error {
	base := testerr.Classify(err)
	te := base.With(c.method+" "+c.path+": "+base.Message, map[string]any{
		"method":   c.method,
		"path":     c.path,
		"attempts": attempts,
	})

	e.log.Error("request failed",
		zap.String("method", c.method),
		zap.String("path", c.path),
		zap.String("category", string(te.Category)),
		zap.String("code", te.Code),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	tracing.End(span, te, attribute.Int("harness.attempts", attempts))

	return te
}

func validMethod(m string) bool {
	return slices.Contains(methods, m)
}

func hasHeader(h map[string]string, key string) bool {
	for k := range h {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}
