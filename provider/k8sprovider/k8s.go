// Package k8sprovider implements the Kubernetes provider plugin: pod/service
// inventory plus exec-based profiling.
package k8sprovider

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/network"
	"github.com/astrolabe-oss/astrolabe/profile"
	"github.com/astrolabe-oss/astrolabe/provider"
)

// Provider discovers nodes living in a single Kubernetes cluster, the
// active context of the configured kubeconfig.
type Provider struct {
	provider.BaseProvider

	store graph.Store

	kubeconfig       string
	namespace        string
	serviceNameLabel string
	labelSelectors   string // comma-joined LABEL=VALUE pairs (FlagRegisterer has no slice flag)
	skipContainers   string // comma-joined substrings

	mu         sync.Mutex
	clientset  *kubernetes.Clientset
	restConfig *rest.Config
	podCache   map[string]*corev1.Pod
}

// New constructs the k8s provider. store is consulted/written during
// Inventory (load-balancer pre-profiling) and Sidecar (DNS resolution).
func New(store graph.Store) *Provider {
	return &Provider{store: store, serviceNameLabel: "app", podCache: map[string]*corev1.Pod{}}
}

// Ref returns this provider's unique identifier.
func (*Provider) Ref() string { return "k8s" }

// IsContainerPlatform always reports true: every k8s node is containerized.
func (*Provider) IsContainerPlatform() bool { return true }

// RegisterFlags registers this provider's CLI flags.
func (p *Provider) RegisterFlags(fs provider.FlagRegisterer) {
	fs.StringVar(&p.kubeconfig, "kubeconfig", "", "Path to kubeconfig; empty uses in-cluster config")
	fs.StringVar(&p.namespace, "namespace", "", "k8s namespace in which to discover services")
	fs.StringVar(&p.serviceNameLabel, "service-name-label", "app", "k8s label associated with service name")
	fs.StringVar(&p.labelSelectors, "label-selectors", "", "Comma-separated LABEL=VALUE pairs to additionally filter services by")
	fs.StringVar(&p.skipContainers, "skip-containers", "", "Comma-separated container name substrings to ignore")
}

func (p *Provider) client() (*kubernetes.Clientset, *rest.Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clientset != nil {
		return p.clientset, p.restConfig, nil
	}

	var cfg *rest.Config
	var err error
	if p.kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", p.kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("k8sprovider: building kube config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("k8sprovider: building clientset: %w", err)
	}
	p.clientset = cs
	p.restConfig = cfg
	return cs, cfg, nil
}

// Inventory pre-profiles every LoadBalancer-type service with an
// assigned ingress and saves it to the store so Profile can skip
// re-discovering it later.
func (p *Provider) Inventory(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	cs, _, err := p.client()
	if err != nil {
		return err
	}

	services, err := cs.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("k8sprovider: listing services: %w", err)
	}

	for i := range services.Items {
		svc := services.Items[i]
		if svc.Spec.Type != corev1.ServiceTypeLoadBalancer || len(svc.Status.LoadBalancer.Ingress) == 0 {
			continue
		}
		if len(svc.Spec.Ports) == 0 {
			continue
		}
		ingress := svc.Status.LoadBalancer.Ingress[0]
		lbAddress := ingress.Hostname
		if lbAddress == "" {
			lbAddress = ingress.IP
		}
		if lbAddress == "" {
			continue
		}

		k8sServiceNode := graph.NewNode("k8s", network.ProtocolInventory)
		k8sServiceNode.Address = svc.Name
		k8sServiceNode.NodeType = graph.NodeTypeDeployment
		k8sServiceNode.ProfileStrategyName = profile.InventoryStrategyName
		k8sServiceNode.ProtocolMux = fmt.Sprintf("%d", svc.Spec.Ports[0].NodePort)
		k8sServiceNode.ServiceName = svc.Name + "-service"

		lbNode := graph.NewNode("k8s", graph.Protocol{})
		lbNode.NodeType = graph.NodeTypeTrafficController
		lbNode.ProfileStrategyName = profile.InventoryStrategyName
		lbNode.ServiceName = svc.Name
		lbNode.Children["K8S_"+svc.Name] = k8sServiceNode

		p.store.Save("K8S_"+svc.Name, k8sServiceNode)
		p.store.SaveByAlias(lbAddress, lbNode)
	}
	return nil
}

// LookupName resolves address (a pod name) to its service-name label.
func (p *Provider) LookupName(ctx context.Context, address string, _ provider.Conn) (string, error) {
	pod, err := p.getPod(ctx, address)
	if err != nil || pod == nil {
		return "", nil
	}
	return pod.Labels[p.serviceNameLabel], nil
}

// Sidecar execs a getent lookup in every (non-skipped) container of the
// pod at address, resolving any pending DNS aliases it can.
func (p *Provider) Sidecar(ctx context.Context, address string, _ provider.Conn) (string, error) {
	if p.store == nil {
		return "", nil
	}
	pod, err := p.getPod(ctx, address)
	if err != nil || pod == nil {
		return "", nil
	}

	for _, pending := range p.store.PendingDNSLookup() {
		command := []string{"sh", "-c", fmt.Sprintf("getent hosts %s | awk '{print $1}'", pending.Alias)}
		for _, c := range pod.Spec.Containers {
			if p.skipContainer(c.Name) {
				continue
			}
			out, err := p.exec(ctx, address, c.Name, command)
			if err != nil {
				continue
			}
			for _, addr := range strings.Fields(out) {
				if addr == "" {
					continue
				}
				if _, exists := p.store.ByAddress(addr); exists {
					continue
				}
				pending.Node.Address = addr
				p.store.Save(pending.Alias, pending.Node)
			}
		}
	}
	return "", nil
}

type providerArgs struct {
	ShellCommand string `mapstructure:"shell_command"`
}

// Profile dispatches on whether address identifies a pre-inventoried
// load balancer, a k8s Service, or a bare pod.
func (p *Provider) Profile(ctx context.Context, node *graph.Node, strategies []profile.Strategy, conn provider.Conn) ([]graph.NodeTransport, error) {
	address := node.Address
	if p.store != nil && p.store.IsK8sLoadBalancer(address) {
		return nil, nil
	}
	if p.store != nil && p.store.IsK8sService(address) {
		return p.profileService(ctx, address)
	}
	return p.profilePod(ctx, address, strategies)
}

func (p *Provider) profileService(ctx context.Context, address string) ([]graph.NodeTransport, error) {
	cs, _, err := p.client()
	if err != nil {
		return nil, err
	}
	namespace := p.namespace
	if namespace == "" {
		namespace = "default"
	}
	svc, err := cs.CoreV1().Services(namespace).Get(ctx, address, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("k8sprovider: reading service %s: %w", address, err)
	}
	if len(svc.Spec.Selector) == 0 || len(svc.Spec.Ports) == 0 {
		return nil, nil
	}

	var selectorParts []string
	for k, v := range svc.Spec.Selector {
		selectorParts = append(selectorParts, fmt.Sprintf("%s=%s", k, v))
	}
	pods, err := cs.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: strings.Join(selectorParts, ",")})
	if err != nil {
		return nil, fmt.Errorf("k8sprovider: listing pods for service %s: %w", address, err)
	}

	mux := fmt.Sprintf("%d", svc.Spec.Ports[0].TargetPort.IntValue())
	var transports []graph.NodeTransport
	for _, pod := range pods.Items {
		transports = append(transports, graph.NodeTransport{
			Provider:    "k8s",
			ProtocolMux: mux,
			Address:     pod.Name,
			NodeType:    graph.NodeTypeCompute,
		})
	}
	return transports, nil
}

func (p *Provider) profilePod(ctx context.Context, address string, strategies []profile.Strategy) ([]graph.NodeTransport, error) {
	pod, err := p.getPod(ctx, address)
	if err != nil || pod == nil {
		return nil, nil
	}

	var transports []graph.NodeTransport
	for _, s := range strategies {
		var args providerArgs
		if err := mapstructure.Decode(s.ProviderArgs, &args); err != nil {
			return nil, fmt.Errorf("k8sprovider: decoding provider_args for %q: %w", s.Name, err)
		}
		if args.ShellCommand == "" {
			continue
		}
		command := []string{"bash", "-c", args.ShellCommand}
		for _, c := range pod.Spec.Containers {
			if p.skipContainer(c.Name) {
				continue
			}
			out, err := p.exec(ctx, address, c.Name, command)
			if err != nil {
				return nil, fmt.Errorf("k8sprovider: exec in %s/%s: %w", address, c.Name, err)
			}
			nts, err := profile.ParseResponse(out, address, s)
			if err != nil {
				return nil, err
			}
			transports = append(transports, nts...)
		}
	}
	return transports, nil
}

// TakeAHint picks the first pod matching the hint's service-name label
// selector.
func (p *Provider) TakeAHint(ctx context.Context, hint network.Hint) ([]graph.NodeTransport, error) {
	cs, _, err := p.client()
	if err != nil {
		return nil, err
	}
	namespace := p.namespace
	if namespace == "" {
		namespace = "default"
	}
	pods, err := cs.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		Limit:         1,
		LabelSelector: p.labelSelector(hint.ServiceName),
	})
	if err != nil {
		return nil, fmt.Errorf("k8sprovider: taking hint for %s: %w", hint.ServiceName, err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("k8sprovider: no instance in cluster for hint %s", hint.ServiceName)
	}
	return []graph.NodeTransport{{
		Provider:        "k8s",
		ProtocolMux:     hint.ProtocolMux,
		Address:         pods.Items[0].Name,
		DebugIdentifier: hint.ServiceName,
		NodeType:        graph.NodeTypeCompute,
	}}, nil
}

func (p *Provider) labelSelector(serviceName string) string {
	pairs := map[string]string{p.serviceNameLabel: serviceName}
	if p.labelSelectors != "" {
		for _, pair := range strings.Split(p.labelSelectors, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) == 2 {
				pairs[kv[0]] = kv[1]
			}
		}
	}
	var parts []string
	for k, v := range pairs {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, ",")
}

func (p *Provider) skipContainer(name string) bool {
	if p.skipContainers == "" {
		return false
	}
	for _, skip := range strings.Split(p.skipContainers, ",") {
		if skip != "" && strings.Contains(name, skip) {
			return true
		}
	}
	return false
}

func (p *Provider) getPod(ctx context.Context, podName string) (*corev1.Pod, error) {
	p.mu.Lock()
	if cached, ok := p.podCache[podName]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	cs, _, err := p.client()
	if err != nil {
		return nil, err
	}
	namespace := p.namespace
	if namespace == "" {
		namespace = "default"
	}
	pod, err := cs.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	p.mu.Lock()
	p.podCache[podName] = pod
	p.mu.Unlock()
	return pod, nil
}

// exec runs command in container of pod podName via client-go's SPDY
// executor and returns its stdout.
func (p *Provider) exec(ctx context.Context, podName, container string, command []string) (string, error) {
	cs, cfg, err := p.client()
	if err != nil {
		return "", err
	}
	namespace := p.namespace
	if namespace == "" {
		namespace = "default"
	}

	req := cs.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdin:     false,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(cfg, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("k8sprovider: building executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}); err != nil {
		return "", fmt.Errorf("k8sprovider: exec stream: %w", err)
	}
	return stdout.String(), nil
}
