package kubernetes

import (
	"context"
	"fmt"
	"log/slog"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"frontdoor/internal/core"
	"frontdoor/internal/retry"
	"frontdoor/pkg/errors"
)

// Scaler sets spec.replicas on a Deployment
type Scaler struct {
	client kubernetes.Interface
	config Config
	logger *slog.Logger
}

// NewScaler creates a Deployment scaler
func NewScaler(client kubernetes.Interface, config Config, logger *slog.Logger) (*Scaler, error) {
	config.setDefaults()
	if config.Deployment == "" {
		return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "kubernetes scaler needs a deployment name")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scaler{
		client: client,
		config: config,
		logger: logger.With("component", "kubernetes-scaler", "deployment", config.Deployment),
	}, nil
}

// Scale patches the Deployment to the desired count. The patch carries
// the absolute count, so resending it is harmless.
func (s *Scaler) Scale(ctx context.Context, d core.ScaleDecision) error {
	patch := fmt.Appendf(nil, `{"spec":{"replicas":%d}}`, d.Desired)

	_, err := s.client.AppsV1().Deployments(s.config.Namespace).Patch(ctx, s.config.Deployment,
		types.MergePatchType, patch, metav1.PatchOptions{FieldManager: s.config.FieldManager})
	if err != nil {
		wrapped := errors.NewError(errors.ErrorTypeOrchestratorUnavailable, "failed to patch deployment replicas").
			WithCause(err).
			WithDetail("deployment", s.config.Deployment)
		if apierrors.IsNotFound(err) || apierrors.IsForbidden(err) || apierrors.IsInvalid(err) {
			return retry.Permanent(wrapped)
		}
		return wrapped
	}

	s.logger.Info("Deployment scaled", "replicas", d.Desired, "reason", d.Reason)
	return nil
}

// Current returns the Deployment's configured replica count
func (s *Scaler) Current(ctx context.Context) (int, error) {
	dep, err := s.client.AppsV1().Deployments(s.config.Namespace).Get(ctx, s.config.Deployment, metav1.GetOptions{})
	if err != nil {
		return 0, errors.NewError(errors.ErrorTypeOrchestratorUnavailable, "failed to read deployment").WithCause(err)
	}
	if dep.Spec.Replicas == nil {
		return 1, nil
	}
	return int(*dep.Spec.Replicas), nil
}
