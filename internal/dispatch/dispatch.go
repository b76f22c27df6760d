package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/payload"
	"github.com/austindbirch/harbor_beacon/internal/tracing"
	"github.com/austindbirch/harbor_beacon/internal/wire"
)

const (
	ContentTypeText = "text/plain;charset=UTF-8"
	ContentTypeForm = "application/x-www-form-urlencoded;charset=UTF-8"
)

// ErrTransport marks a network-level failure: refused, reset, DNS, TLS or a
// response that could not be read to the end.
var ErrTransport = errors.New("transport failure")

// Dispatcher performs one POST per beacon. It holds a plain client for http
// targets and a TLS client for https targets.
type Dispatcher struct {
	plain  *http.Client
	secure *http.Client
}

type Option func(*Dispatcher)

// WithPlainClient overrides the client used for http targets
func WithPlainClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.plain = c }
}

// WithSecureClient overrides the client used for https targets
func WithSecureClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.secure = c }
}

func New(cfg config.HTTP, opts ...Option) *Dispatcher {
	plainTransport := http.DefaultTransport.(*http.Transport).Clone()
	plainTransport.TLSClientConfig = nil

	secureTransport := http.DefaultTransport.(*http.Transport).Clone()
	secureTransport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSInsecure, // #nosec G402 -- opt-in for development receivers
	}

	d := &Dispatcher{
		plain:  &http.Client{Timeout: cfg.Timeout, Transport: plainTransport},
		secure: &http.Client{Timeout: cfg.Timeout, Transport: secureTransport},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ContentType picks the header for a serialized payload: form-encoded when
// the text contains '=', plain text otherwise. Bytes are never sniffed.
func ContentType(d payload.Data) string {
	if d.Kind == payload.KindText && strings.Contains(d.Text, "=") {
		return ContentTypeForm
	}
	return ContentTypeText
}

// Dispatch POSTs req and waits until the response body is fully drained.
// Any HTTP status resolves the request; only transport errors are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, req wire.Request) (int, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	var client *http.Client
	switch u.Scheme {
	case "http":
		client = d.plain
	case "https":
		client = d.secure
	default:
		return 0, fmt.Errorf("%w: unsupported scheme %q", ErrTransport, u.Scheme)
	}

	size, err := payload.Size(req.Data)
	if err != nil {
		return 0, err
	}

	ctx, span := tracing.StartSpan(ctx, "beacon.dispatch",
		attribute.String("beacon.id", req.ID),
		attribute.String("http.url", req.URL),
		attribute.Int("beacon.size", size),
	)
	defer span.End()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Data.Content()))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	hreq.ContentLength = int64(size)
	hreq.Header.Set("Content-Type", ContentType(req.Data))
	tracing.InjectHTTP(ctx, hreq.Header)

	tracing.AddSpanEvent(ctx, "http.send_beacon")
	resp, err := client.Do(hreq)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	// The body must be read to EOF before the connection can be reused
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		tracing.SetSpanError(ctx, err)
		return resp.StatusCode, fmt.Errorf("%w: draining response: %w", ErrTransport, err)
	}
	return resp.StatusCode, nil
}

// ClassifyReason buckets a dispatch error for metrics and dead letters
func ClassifyReason(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}

	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	if strings.Contains(errLower, "unsupported scheme") {
		return "bad_url"
	}
	return "network"
}
