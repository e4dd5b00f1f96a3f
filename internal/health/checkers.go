package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
)

// Check types
const (
	CheckHTTP = "http"
	CheckTCP  = "tcp"
	CheckGRPC = "grpc"
)

// Checker checks the liveness of a single replica. Returned errors are
// classified as ProbeTimeout, ProbeConnectionFailure or ProbeBadStatus.
type Checker interface {
	Check(ctx context.Context, replica core.Replica) error
}

// NewChecker builds the checker for the configured check type
func NewChecker(config Config) (Checker, error) {
	switch config.Type {
	case CheckHTTP, "":
		if config.Path == "" {
			return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "http probe requires an explicit path")
		}
		return NewHTTPChecker(config.Scheme, config.Path), nil
	case CheckTCP:
		return &TCPChecker{}, nil
	case CheckGRPC:
		return &GRPCChecker{Service: config.GRPCService}, nil
	default:
		return nil, errors.Errorf(errors.ErrorTypeInvalidConfiguration, "unknown probe type %q", config.Type)
	}
}

// HTTPChecker issues GET requests against a fixed path on the replica
type HTTPChecker struct {
	Scheme string
	Path   string
	client *http.Client
}

// NewHTTPChecker creates an HTTP checker. Redirects are not followed so a
// 3xx from the health path counts as success on its own.
func NewHTTPChecker(scheme, path string) *HTTPChecker {
	if scheme == "" {
		scheme = "http"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPChecker{
		Scheme: scheme,
		Path:   path,
		client: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *HTTPChecker) Check(ctx context.Context, replica core.Replica) error {
	url := fmt.Sprintf("%s://%s%s", h.Scheme, replica.Endpoint, h.Path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.NewError(errors.ErrorTypeProbeConnection, "creating request").WithCause(err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return errors.Errorf(errors.ErrorTypeProbeBadStatus, "unhealthy status: %d", resp.StatusCode).
			WithDetail("path", h.Path)
	}
	return nil
}

// TCPChecker only verifies that the endpoint accepts connections
type TCPChecker struct{}

func (t *TCPChecker) Check(ctx context.Context, replica core.Replica) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", replica.Endpoint)
	if err != nil {
		return classify(ctx, err)
	}
	return conn.Close()
}

// GRPCChecker calls the standard grpc.health.v1 Check RPC
type GRPCChecker struct {
	Service string
}

func (g *GRPCChecker) Check(ctx context.Context, replica core.Replica) error {
	conn, err := grpc.NewClient(replica.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return errors.NewError(errors.ErrorTypeProbeConnection, "grpc client").WithCause(err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: g.Service,
	})
	if err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded:
			return errors.NewError(errors.ErrorTypeProbeTimeout, "grpc health check").WithCause(err)
		case codes.Unavailable, codes.Canceled:
			return errors.NewError(errors.ErrorTypeProbeConnection, "grpc health check").WithCause(err)
		default:
			return errors.NewError(errors.ErrorTypeProbeBadStatus, "grpc health check").WithCause(err)
		}
	}

	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return errors.Errorf(errors.ErrorTypeProbeBadStatus, "not serving: %v", resp.GetStatus())
	}
	return nil
}

// classify maps transport errors onto the probe error taxonomy
func classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.NewError(errors.ErrorTypeProbeTimeout, "probe timed out").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewError(errors.ErrorTypeProbeTimeout, "probe timed out").WithCause(err)
	}
	return errors.NewError(errors.ErrorTypeProbeConnection, "probe connection failed").WithCause(err)
}
