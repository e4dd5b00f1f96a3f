package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"frontdoor/pkg/errors"
	"frontdoor/pkg/metrics"
)

// RequestIDHeader carries the request ID to the backend and back
const RequestIDHeader = "X-Request-Id"

// Proxy is the traffic entry point handler: it routes every inbound request
// to a replica and streams the response back
type Proxy struct {
	router     *Router
	client     *http.Client
	timeout    time.Duration
	scheme     string
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewProxy creates the proxy handler. A nil tracer provider uses the global one.
func NewProxy(router *Router, m *metrics.Metrics, logger *slog.Logger, tp trace.TracerProvider) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Proxy{
		router: router,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   router.config.RequestTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:    router.config.RequestTimeout,
		scheme:     router.config.BackendScheme,
		metrics:    m,
		logger:     logger.With("component", "proxy"),
		tracer:     tp.Tracer("frontdoor/router"),
		propagator: propagation.TraceContext{},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, reqID)

	ctx := p.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := p.tracer.Start(ctx, "route "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("frontdoor.request_id", reqID),
		),
	)
	defer span.End()

	lease, err := p.router.Route(ctx)
	if err != nil {
		p.fail(w, span, reqID, "", start, err)
		return
	}
	defer lease.Release()

	replica := lease.Replica
	span.SetAttributes(
		attribute.String("frontdoor.replica", replica.ID),
		attribute.String("server.address", replica.Endpoint),
	)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, p.backendURL(replica.Endpoint, r), r.Body)
	if err != nil {
		p.fail(w, span, reqID, replica.ID, start,
			errors.NewError(errors.ErrorTypeInternal, "failed to create backend request").WithCause(err))
		return
	}
	out.ContentLength = r.ContentLength
	copyHeaders(out.Header, r.Header)
	out.Header.Set(RequestIDHeader, reqID)
	setForwardedHeaders(out, r)
	p.propagator.Inject(ctx, propagation.HeaderCarrier(out.Header))

	resp, err := p.client.Do(out)
	if err != nil {
		p.fail(w, span, reqID, replica.ID, start, classifyUpstream(ctx, err))
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if _, err := io.Copy(w, resp.Body); err != nil {
		// The status is already on the wire; only the accounting can change.
		p.interrupted(span, reqID, replica.ID, start, classifyUpstream(ctx, err))
		return
	}
	p.observe(replica.ID, "success", start)
}

// interrupted records a request whose response body was cut short
func (p *Proxy) interrupted(span trace.Span, reqID, replicaID string, start time.Time, err error) {
	errType := errors.TypeOf(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, string(errType))

	if p.metrics != nil {
		p.metrics.RouteErrors.WithLabelValues(string(errType)).Inc()
	}
	p.observe(replicaID, string(errType), start)

	p.logger.Warn("Response body interrupted",
		"id", reqID,
		"replica", replicaID,
		"type", errType,
		"error", err,
	)
}

func (p *Proxy) fail(w http.ResponseWriter, span trace.Span, reqID, replicaID string, start time.Time, err error) {
	status := errors.StatusCode(err)
	errType := errors.TypeOf(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, string(errType))
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	if p.metrics != nil && errType != errors.ErrorTypeNoHealthyBackend {
		p.metrics.RouteErrors.WithLabelValues(string(errType)).Inc()
	}
	if replicaID != "" {
		p.observe(replicaID, string(errType), start)
	}

	p.logger.Warn("Request failed",
		"id", reqID,
		"replica", replicaID,
		"type", errType,
		"error", err,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"requestId":%q}`+"\n", errType, reqID)
}

func (p *Proxy) observe(replicaID, outcome string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.RoutedRequests.WithLabelValues(replicaID, outcome).Inc()
	p.metrics.RequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (p *Proxy) backendURL(endpoint string, r *http.Request) string {
	return p.scheme + "://" + endpoint + r.URL.RequestURI()
}

// classifyUpstream separates request timeouts from other backend failures.
// Neither affects replica health; only probes do.
func classifyUpstream(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.NewError(errors.ErrorTypeRequestTimeout, "backend did not respond in time").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewError(errors.ErrorTypeRequestTimeout, "backend did not respond in time").WithCause(err)
	}
	return errors.NewError(errors.ErrorTypeBadGateway, "backend request failed").WithCause(err)
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func setForwardedHeaders(out, in *http.Request) {
	clientIP, _, err := net.SplitHostPort(in.RemoteAddr)
	if err != nil {
		clientIP = in.RemoteAddr
	}
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	out.Header.Set("X-Forwarded-For", clientIP)

	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	if prior := in.Header.Get("X-Forwarded-Proto"); prior != "" {
		proto = prior
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", in.Host)
}
