package kubernetes

import (
	"context"
	"fmt"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/registry"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Registry resolves a Service name to the addresses in its Endpoints
// object. Instances are managed by Kubernetes, so Register and Deregister
// do nothing.
type Registry struct {
	client    kubernetes.Interface
	namespace string
	portName  string
}

// New creates a new Kubernetes registry
func New(cfg config.KubernetesConfig) (*Registry, error) {
	var (
		k8sConfig *rest.Config
		err       error
	)
	if cfg.InCluster {
		k8sConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
	} else {
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, cfg config.KubernetesConfig) *Registry {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &Registry{client: client, namespace: namespace, portName: cfg.PortName}
}

// Register is a no-op for Kubernetes.
func (r *Registry) Register(_ context.Context, _ *registry.Service) error {
	return nil
}

// Deregister is a no-op for Kubernetes.
func (r *Registry) Deregister(_ context.Context, _ string) error {
	return nil
}

// Discover lists ready addresses as passing and not-ready addresses as
// critical.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	endpoints, err := r.client.CoreV1().Endpoints(r.namespace).Get(ctx, serviceName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, registry.ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints: %w", err)
	}

	var services []*registry.Service
	for _, subset := range endpoints.Subsets {
		port, ok := r.subsetPort(subset)
		if !ok {
			continue
		}
		for _, addr := range subset.Addresses {
			services = append(services, instance(serviceName, addr, port, registry.HealthPassing))
		}
		for _, addr := range subset.NotReadyAddresses {
			services = append(services, instance(serviceName, addr, port, registry.HealthCritical))
		}
	}
	return services, nil
}

// subsetPort picks the configured named port, or the first port.
func (r *Registry) subsetPort(subset corev1.EndpointSubset) (int, bool) {
	for _, p := range subset.Ports {
		if r.portName == "" || p.Name == r.portName {
			return int(p.Port), true
		}
	}
	return 0, false
}

func instance(name string, addr corev1.EndpointAddress, port int, health registry.HealthStatus) *registry.Service {
	svc := &registry.Service{
		ID:      fmt.Sprintf("%s-%s", name, addr.IP),
		Name:    name,
		Address: addr.IP,
		Port:    port,
		Health:  health,
	}
	if addr.TargetRef != nil {
		svc.Metadata = map[string]string{"target_kind": addr.TargetRef.Kind, "target_name": addr.TargetRef.Name}
	}
	return svc
}

// Close is a no-op.
func (r *Registry) Close() error {
	return nil
}
