// Package kubernetes connects frontdoor to a Kubernetes cluster: replicas
// are discovered from the backend Service's EndpointSlices and scale
// decisions are written to the backing Deployment.
package kubernetes

import (
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"frontdoor/pkg/errors"
)

// Config holds Kubernetes orchestrator configuration
type Config struct {
	// Kubeconfig path (optional, uses in-cluster config if empty)
	Kubeconfig string `yaml:"kubeconfig"`
	// Namespace of the backend Service and Deployment
	Namespace string `yaml:"namespace"`
	// Service whose EndpointSlices list the replicas
	Service string `yaml:"service"`
	// Deployment scaled by decisions
	Deployment string `yaml:"deployment"`
	// PortName selects the slice port (default: first port)
	PortName string `yaml:"portName"`
	// ResyncInterval forces a full list even when the watch is healthy
	ResyncInterval time.Duration `yaml:"resyncInterval"`
	// FieldManager recorded on Deployment patches
	FieldManager string `yaml:"fieldManager"`
}

func (c *Config) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 5 * time.Minute
	}
	if c.FieldManager == "" {
		c.FieldManager = "frontdoor"
	}
}

// NewClient builds a clientset from a kubeconfig file or the in-cluster
// service account
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "failed to load kubernetes config").WithCause(err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "failed to create kubernetes client").WithCause(err)
	}
	return client, nil
}
