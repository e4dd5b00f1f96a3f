// Package management serves the admin HTTP API next to the traffic port.
package management

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"frontdoor/internal/autoscaler"
	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
)

const (
	eventBuffer = 64
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
)

// Registry is the registry surface the API needs
type Registry interface {
	core.ReplicaReader
	Drain(id string) error
	Counts() map[core.Status]int
	Subscribe(buffer int) (<-chan core.Event, func())
}

// StatusProvider exposes the autoscaler state
type StatusProvider interface {
	Status() autoscaler.Status
}

// ProbeCounter reports how many replicas are being probed
type ProbeCounter interface {
	Active() int
}

// API provides runtime management endpoints
type API struct {
	address    string
	logger     *slog.Logger
	mux        *http.ServeMux
	registry   Registry
	autoscaler StatusProvider
	prober     ProbeCounter
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// Option configures the API
type Option func(*API)

// WithAutoscaler exposes autoscaler status. Without it the endpoint
// answers 503.
func WithAutoscaler(a StatusProvider) Option {
	return func(api *API) { api.autoscaler = a }
}

// WithProber adds the number of running probe tasks to /healthz
func WithProber(p ProbeCounter) Option {
	return func(api *API) { api.prober = p }
}

// WithGatherer sets the metrics source. Defaults to the global registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(api *API) { api.gatherer = g }
}

// NewAPI creates the management API listening on address
func NewAPI(address string, registry Registry, logger *slog.Logger, opts ...Option) *API {
	api := &API{
		address:   address,
		logger:    logger.With("component", "management-api"),
		mux:       http.NewServeMux(),
		registry:  registry,
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(api)
	}
	api.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			api.logger.Warn("WebSocket upgrade error", "status", status, "error", reason, "remote", r.RemoteAddr)
			api.writeError(w, status, reason.Error())
		},
	}
	api.setupRoutes()
	return api
}

func (api *API) setupRoutes() {
	api.mux.HandleFunc("GET /healthz", api.handleHealth)
	api.mux.Handle("GET /metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))
	api.mux.HandleFunc("GET /admin/replicas", api.handleReplicas)
	api.mux.HandleFunc("GET /admin/replicas/{id}", api.handleReplica)
	api.mux.HandleFunc("POST /admin/replicas/{id}/drain", api.handleDrain)
	api.mux.HandleFunc("GET /admin/autoscaler", api.handleAutoscaler)
	api.mux.HandleFunc("GET /admin/events", api.handleEvents)
}

// Handler returns the routed handler
func (api *API) Handler() http.Handler {
	return api.mux
}

// Run serves until ctx is done, then shuts down within shutdownTimeout
func (api *API) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              api.address,
		Handler:           api.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		api.logger.Info("Starting management API", "address", api.address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.NewError(errors.ErrorTypeInternal, "management API failed").WithCause(err)
		}
		return nil
	case <-ctx.Done():
	}

	api.logger.Info("Stopping management API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status    string              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
	Uptime    string              `json:"uptime"`
	Replicas  map[core.Status]int `json:"replicas"`
	// ProbeTasks is set when the prober is wired in
	ProbeTasks *int `json:"probeTasks,omitempty"`
}

// ReplicasResponse lists replicas in ID order
type ReplicasResponse struct {
	Replicas []core.Replica `json:"replicas"`
}

// handleHealth reports degraded while no replica is routable; the frontdoor
// itself is still up, so the status code stays 200.
func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := api.registry.Counts()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(api.startTime).Round(time.Second).String(),
		Replicas:  counts,
	}
	if api.prober != nil {
		active := api.prober.Active()
		resp.ProbeTasks = &active
	}
	if counts[core.StatusHealthy] == 0 {
		resp.Status = "degraded"
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleReplicas(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, ReplicasResponse{Replicas: api.registry.List()})
}

func (api *API) handleReplica(w http.ResponseWriter, r *http.Request) {
	replica, err := api.registry.Get(r.PathValue("id"))
	if err != nil {
		api.writeErr(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, replica)
}

func (api *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := api.registry.Drain(id); err != nil {
		api.writeErr(w, err)
		return
	}
	api.logger.Info("Replica drained by operator", "replica", id, "remote", r.RemoteAddr)

	replica, err := api.registry.Get(id)
	if err != nil {
		// removed between Drain and Get
		api.writeErr(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, replica)
}

func (api *API) handleAutoscaler(w http.ResponseWriter, r *http.Request) {
	if api.autoscaler == nil {
		api.writeError(w, http.StatusServiceUnavailable, "Autoscaler not enabled")
		return
	}
	api.writeJSON(w, http.StatusOK, api.autoscaler.Status())
}

// handleEvents streams registry events as JSON text frames until the client
// goes away. Slow clients lose events rather than stall the registry.
func (api *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := api.registry.Subscribe(eventBuffer)
	defer unsubscribe()

	logger := api.logger.With("remote", r.RemoteAddr)
	logger.Debug("Event stream opened")

	// Replay the current membership as added events so clients start from
	// a complete view. A replica added concurrently may be reported twice.
	for _, replica := range api.registry.List() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(core.Event{
			Type:      core.EventAdded,
			ReplicaID: replica.ID,
			Endpoint:  replica.Endpoint,
			To:        replica.Status,
			Reason:    "snapshot",
			Time:      time.Now(),
		}); err != nil {
			return
		}
	}

	// The read loop only exists to process control frames and notice close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Event stream write failed", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			logger.Debug("Event stream closed by client")
			return

		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (api *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error("Failed to encode response", "error", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, status int, message string) {
	api.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func (api *API) writeErr(w http.ResponseWriter, err error) {
	api.writeJSON(w, errors.StatusCode(err), map[string]string{
		"error": err.Error(),
		"type":  string(errors.TypeOf(err)),
	})
}
