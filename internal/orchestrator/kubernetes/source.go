package kubernetes

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
)

// Source keeps the registry in line with the EndpointSlices of the backend
// Service. Only replicas it added are ever removed by it.
type Source struct {
	client   kubernetes.Interface
	registry core.ReplicaWriter
	config   Config
	selector string
	logger   *slog.Logger

	// slice name -> replica IDs last seen ready in that slice
	owned map[string]map[string]struct{}
	retry time.Duration
}

// NewSource creates an EndpointSlice source
func NewSource(client kubernetes.Interface, registry core.ReplicaWriter, config Config, logger *slog.Logger) (*Source, error) {
	config.setDefaults()
	if config.Service == "" {
		return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "kubernetes source needs a service name")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client:   client,
		registry: registry,
		config:   config,
		selector: labels.Set{discoveryv1.LabelServiceName: config.Service}.String(),
		logger:   logger.With("component", "kubernetes-source", "service", config.Service),
		owned:    make(map[string]map[string]struct{}),
		retry:    5 * time.Second,
	}, nil
}

// Run lists, then watches, EndpointSlices until ctx is done. A failed or
// closed watch falls back to a fresh list.
func (s *Source) Run(ctx context.Context) error {
	s.logger.Info("Kubernetes replica discovery started",
		"namespace", s.config.Namespace,
		"selector", s.selector)

	for {
		resourceVersion, err := s.sync(ctx)
		if err != nil {
			s.logger.Warn("EndpointSlice sync failed", "error", err)
			if !sleep(ctx, s.retry) {
				return nil
			}
			continue
		}

		s.watch(ctx, resourceVersion)
		if ctx.Err() != nil {
			s.logger.Info("Kubernetes replica discovery stopped")
			return nil
		}
	}
}

// sync lists every slice of the service and reconciles the whole set
func (s *Source) sync(ctx context.Context) (string, error) {
	list, err := s.client.DiscoveryV1().EndpointSlices(s.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: s.selector,
	})
	if err != nil {
		return "", errors.NewError(errors.ErrorTypeOrchestratorUnavailable, "failed to list endpointslices").WithCause(err)
	}

	seen := make(map[string]struct{}, len(list.Items))
	for i := range list.Items {
		slice := &list.Items[i]
		seen[slice.Name] = struct{}{}
		s.apply(slice)
	}
	for name := range s.owned {
		if _, ok := seen[name]; !ok {
			s.deleteSlice(name)
		}
	}

	s.logger.Debug("EndpointSlices synced", "slices", len(list.Items))
	return list.ResourceVersion, nil
}

func (s *Source) watch(ctx context.Context, resourceVersion string) {
	w, err := s.client.DiscoveryV1().EndpointSlices(s.config.Namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:   s.selector,
		ResourceVersion: resourceVersion,
	})
	if err != nil {
		s.logger.Warn("Failed to watch endpointslices", "error", err)
		sleep(ctx, s.retry)
		return
	}
	defer w.Stop()

	resync := time.NewTimer(s.config.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resync.C:
			return
		case ev, ok := <-w.ResultChan():
			if !ok {
				return
			}
			switch ev.Type {
			case watch.Added, watch.Modified:
				if slice, ok := ev.Object.(*discoveryv1.EndpointSlice); ok {
					s.apply(slice)
				}
			case watch.Deleted:
				if slice, ok := ev.Object.(*discoveryv1.EndpointSlice); ok {
					s.deleteSlice(slice.Name)
				}
			case watch.Error:
				s.logger.Warn("EndpointSlice watch error", "status", ev.Object)
				return
			}
		}
	}
}

// apply converges the registry with one slice: ready endpoints are
// upserted, terminating ones drained and vanished ones removed.
func (s *Source) apply(slice *discoveryv1.EndpointSlice) {
	port, ok := s.port(slice)
	if !ok {
		s.logger.Warn("EndpointSlice has no usable port", "slice", slice.Name)
		return
	}

	prev := s.owned[slice.Name]
	next := make(map[string]struct{}, len(slice.Endpoints))

	for _, ep := range slice.Endpoints {
		if len(ep.Addresses) == 0 {
			continue
		}
		id := replicaID(ep)
		_, known := prev[id]

		switch {
		case isTerminating(ep):
			if known {
				next[id] = struct{}{}
				if err := s.registry.Drain(id); err != nil && !errors.Is(err, errors.ErrNotFound) {
					s.logger.Warn("Failed to drain replica", "replica", id, "error", err)
				}
			}
		case isReady(ep):
			next[id] = struct{}{}
			replica := core.Replica{
				ID:       id,
				Endpoint: net.JoinHostPort(ep.Addresses[0], strconv.Itoa(int(port))),
				Labels:   endpointLabels(slice, ep),
			}
			if err := s.registry.Upsert(replica); err != nil {
				s.logger.Warn("Failed to upsert replica", "replica", id, "error", err)
			}
		case known:
			// Not ready but not terminating either: keep it, the prober decides.
			next[id] = struct{}{}
		}
	}

	for id := range prev {
		if _, ok := next[id]; !ok {
			s.remove(id, slice.Name)
		}
	}
	s.owned[slice.Name] = next
}

func (s *Source) deleteSlice(name string) {
	for id := range s.owned[name] {
		s.remove(id, name)
	}
	delete(s.owned, name)
}

// remove drops a replica that left slice, unless another slice still
// lists it, as happens when an endpoint moves between slices.
func (s *Source) remove(id, slice string) {
	for name, ids := range s.owned {
		if _, ok := ids[id]; ok && name != slice {
			return
		}
	}
	if err := s.registry.Remove(id); err != nil && !errors.Is(err, errors.ErrNotFound) {
		s.logger.Warn("Failed to remove replica", "replica", id, "error", err)
	}
}

func (s *Source) port(slice *discoveryv1.EndpointSlice) (int32, bool) {
	for _, p := range slice.Ports {
		if p.Port == nil {
			continue
		}
		if s.config.PortName == "" || (p.Name != nil && *p.Name == s.config.PortName) {
			return *p.Port, true
		}
	}
	return 0, false
}

func replicaID(ep discoveryv1.Endpoint) string {
	if ep.TargetRef != nil && ep.TargetRef.Name != "" {
		return ep.TargetRef.Name
	}
	return ep.Addresses[0]
}

func isReady(ep discoveryv1.Endpoint) bool {
	return ep.Conditions.Ready == nil || *ep.Conditions.Ready
}

func isTerminating(ep discoveryv1.Endpoint) bool {
	return ep.Conditions.Terminating != nil && *ep.Conditions.Terminating
}

func endpointLabels(slice *discoveryv1.EndpointSlice, ep discoveryv1.Endpoint) map[string]string {
	out := map[string]string{"slice": slice.Name}
	if ep.NodeName != nil {
		out["node"] = *ep.NodeName
	}
	if ep.Zone != nil {
		out["zone"] = *ep.Zone
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
