// Package proxy creates, tracks, and tears down an in-cluster relay
// pod used to reach cluster endpoints that are not themselves pods.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"

	"github.com/kubef-dev/kubef/internal/idgen"
)

// Port is the relay container's fixed listening port. Multi-tenant
// proxies on the same cluster are safe only because each gets a
// unique id-derived pod name; they all bind this same container port.
const Port = 8080

// ErrRelayPod is wrapped around every relay-pod lifecycle failure.
var ErrRelayPod = errors.New("relay pod error")

const (
	labelID    = "kubef.io/id"
	labelProxy = "kubef.io/proxy"
	relayImage = "alpine/socat:latest"
)

// Proxy creates, observes, and deletes a single socat relay pod.
type Proxy struct {
	ID  string
	api typedcorev1.PodInterface

	mu      sync.Mutex
	spawned bool
	podName string
}

// New constructs a Proxy scoped to a namespace's Pod API. Nothing is
// created in the cluster until Spawn is called.
func New(api typedcorev1.PodInterface) *Proxy {
	id := idgen.New()
	return &Proxy{
		ID:      id,
		api:     api,
		podName: fmt.Sprintf("kubef-%s", id),
	}
}

// Spawn creates the relay pod, forwarding destination over protocol
// ("tcp" or "udp"). Fails if already spawned.
func (p *Proxy) Spawn(ctx context.Context, destination *net.TCPAddr, protocol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.spawned {
		return errors.Wrap(ErrRelayPod, "proxy already spawned")
	}

	listenSpec := fmt.Sprintf("TCP-LISTEN:%d,reuseaddr,fork", Port)
	targetSpec := fmt.Sprintf("TCP:%s", destination.String())
	if protocol == "udp" {
		listenSpec = fmt.Sprintf("UDP-LISTEN:%d,fork", Port)
		targetSpec = fmt.Sprintf("UDP:%s", destination.String())
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: p.podName,
			Labels: map[string]string{
				labelID:    p.ID,
				labelProxy: "true",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "socat",
					Image: relayImage,
					Args:  []string{listenSpec, targetSpec},
					Ports: []corev1.ContainerPort{
						{ContainerPort: Port},
					},
				},
			},
		},
	}

	if _, err := p.api.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return errors.Wrapf(ErrRelayPod, "failed to create relay pod: %v", err)
	}

	p.spawned = true
	return nil
}

// WaitUntilExit blocks until the relay pod is deleted or the watch
// errors.
func (p *Proxy) WaitUntilExit(ctx context.Context) error {
	w, err := p.api.Watch(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", labelID, p.ID),
	})
	if err != nil {
		return errors.Wrapf(ErrRelayPod, "failed to watch relay pod: %v", err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.ResultChan():
			if !ok {
				return errors.Wrap(ErrRelayPod, "relay pod watch closed unexpectedly")
			}
			switch event.Type {
			case watch.Deleted:
				return nil
			case watch.Error:
				return errors.Wrap(ErrRelayPod, "relay pod watch errored")
			}
		}
	}
}

// Abort deletes the relay pod. Fails if the proxy was never spawned.
func (p *Proxy) Abort(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.spawned {
		return errors.Wrap(ErrRelayPod, "proxy was never spawned")
	}

	if err := p.api.Delete(ctx, p.podName, metav1.DeleteOptions{}); err != nil {
		return errors.Wrapf(ErrRelayPod, "failed to delete relay pod: %v", err)
	}

	p.spawned = false
	return nil
}

// Close is the CLI's deferred cleanup path, run on every exit from
// `kubef proxy`. Does nothing after a successful Abort. Best-effort:
// the pod may already have been deleted externally, so a delete
// failure is logged by the caller, not treated as fatal.
func (p *Proxy) Close(ctx context.Context) error {
	p.mu.Lock()
	spawned := p.spawned
	p.mu.Unlock()

	if !spawned {
		return nil
	}

	return p.Abort(ctx)
}
