package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/payerr"
)

const tracerName = "payment-orchestration-backend/providers"

type Option func(*base)

// WithHTTPClient replaces the default client, mostly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) { b.http = c }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(b *base) { b.log = l }
}

// WithRetry sets how listing pages are retried on transient failures.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(b *base) {
		b.retryAttempts = attempts
		b.retryBackoff = backoff
	}
}

// base carries what every HTTP adapter shares: endpoint, credentials,
// per-call timeout and the error mapping to payerr kinds.
type base struct {
	id            string
	kind          Kind
	cfg           config.ProviderConfig
	http          *http.Client
	log           logrus.FieldLogger
	tracer        trace.Tracer
	retryAttempts int
	retryBackoff  time.Duration
}

func newBase(id string, kind Kind, cfg config.ProviderConfig, opts []Option) (*base, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	b := &base{
		id:            id,
		kind:          kind,
		cfg:           cfg,
		http:          &http.Client{},
		log:           logrus.StandardLogger(),
		tracer:        otel.Tracer(tracerName),
		retryAttempts: 3,
		retryBackoff:  250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithField("provider", id)
	return b, nil
}

func (b *base) ID() string           { return b.id }
func (b *base) Kind() Kind           { return b.kind }
func (b *base) Currencies() []string { return append([]string(nil), b.cfg.Currencies...) }

func (b *base) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("provider", b.id))
	return b.tracer.Start(ctx, "provider."+op, trace.WithAttributes(attrs...))
}

type call struct {
	method  string
	path    string
	query   map[string]string
	headers map[string]string
	body    any
	out     any
	// accept lists extra non-2xx statuses whose body should still be decoded.
	accept []int
}

// do performs one JSON request bounded by the provider timeout. Transport
// and 5xx failures map to ProviderUnavailable, deadline overruns to
// Timeout, 401/403 to Internal, 404 to NotFound and other 4xx to
// InvalidRequest.
func (b *base) do(ctx context.Context, op string, c call) (int, error) {
	ctx, span := b.span(ctx, op, attribute.String("http.method", c.method))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	status, err := b.send(ctx, c)
	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.log.WithFields(logrus.Fields{"op": op, "status": status}).WithError(err).Warn("provider call failed")
	}
	return status, err
}

func (b *base) send(ctx context.Context, c call) (int, error) {
	var body io.Reader
	if c.body != nil {
		buf, err := json.Marshal(c.body)
		if err != nil {
			return 0, payerr.Wrap(payerr.KindInternal, "encode provider request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, strings.TrimRight(b.cfg.BaseURL, "/")+c.path, body)
	if err != nil {
		return 0, payerr.Wrap(payerr.KindInternal, "build provider request", err)
	}
	if len(c.query) > 0 {
		q := req.URL.Query()
		for k, v := range c.query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return 0, b.transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, b.transportError(ctx, err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range c.accept {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		return resp.StatusCode, statusError(b.id, resp.StatusCode, raw)
	}
	if c.out != nil && len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(c.out); err != nil {
			return resp.StatusCode, payerr.Wrap(payerr.KindProviderUnavailable, fmt.Sprintf("%s returned an unreadable response", b.id), err)
		}
	}
	return resp.StatusCode, nil
}

func (b *base) transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return payerr.Wrap(payerr.KindTimeout, fmt.Sprintf("%s did not respond in time", b.id), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return payerr.Wrap(payerr.KindProviderUnavailable, fmt.Sprintf("%s is unreachable", b.id), err)
}

func statusError(provider string, status int, body []byte) error {
	cause := fmt.Errorf("http %d: %s", status, truncate(string(body), 512))
	switch {
	case status == http.StatusNotFound:
		return payerr.Wrap(payerr.KindNotFound, "transaction not found at provider", cause)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return payerr.Wrap(payerr.KindTimeout, fmt.Sprintf("%s did not respond in time", provider), cause)
	case status == http.StatusTooManyRequests || status >= 500:
		return payerr.Wrap(payerr.KindProviderUnavailable, fmt.Sprintf("%s is unavailable", provider), cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// Bad credentials need an operator; retrying cannot help.
		return payerr.Wrap(payerr.KindInternal, fmt.Sprintf("%s rejected our credentials", provider), cause)
	default:
		return payerr.Wrap(payerr.KindInvalidRequest, fmt.Sprintf("%s rejected the request", provider), cause)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (b *base) bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + b.cfg.SecretKey}
}
