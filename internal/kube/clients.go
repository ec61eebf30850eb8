// Package kube owns the lazily-built, per-context Kubernetes API
// clients every other core component borrows from.
package kube

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client bundles a built clientset with the rest.Config it was built
// from — the Forwarder needs the latter directly for port-forward's
// SPDY upgrade.
type Client struct {
	Clientset kubernetes.Interface
	Config    *rest.Config

	// Namespace is the context's configured default namespace, used
	// when a Resource doesn't specify one explicitly.
	Namespace string
}

// Pool is a lazy cache of Client values keyed by kube-context name,
// plus a memoized "ambient default" client (in-cluster config, or the
// kubeconfig's current-context).
type Pool struct {
	defaultMu     sync.Mutex
	defaultClient Client
	defaultReady  bool

	mu      sync.RWMutex
	clients map[string]Client

	group singleflight.Group
}

// NewPool constructs an empty client pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]Client)}
}

// GetDefault returns the ambient client, building and memoizing it on
// first call. A failed build is not cached: the next caller retries.
func (p *Pool) GetDefault() (Client, error) {
	p.defaultMu.Lock()
	defer p.defaultMu.Unlock()

	if p.defaultReady {
		return p.defaultClient, nil
	}

	client, err := buildDefault()
	if err != nil {
		return Client{}, err
	}

	p.defaultClient = client
	p.defaultReady = true
	return p.defaultClient, nil
}

// GetOrInsert returns the client for a named kube-context, building
// and caching it on first use. Concurrent callers for the same new
// context share one build via singleflight rather than racing
// independent constructions.
func (p *Pool) GetOrInsert(context string) (Client, error) {
	p.mu.RLock()
	if c, ok := p.clients[context]; ok {
		p.mu.RUnlock()
		return c, nil
	}
	p.mu.RUnlock()

	v, err, _ := p.group.Do(context, func() (interface{}, error) {
		p.mu.RLock()
		if c, ok := p.clients[context]; ok {
			p.mu.RUnlock()
			return c, nil
		}
		p.mu.RUnlock()

		c, err := buildForContext(context)
		if err != nil {
			return Client{}, err
		}

		p.mu.Lock()
		p.clients[context] = c
		p.mu.Unlock()

		return c, nil
	})
	if err != nil {
		return Client{}, err
	}
	return v.(Client), nil
}

func buildDefault() (Client, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		cs, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return Client{}, errors.Wrap(err, "failed to build in-cluster clientset")
		}
		return Client{Clientset: cs, Config: cfg, Namespace: "default"}, nil
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)

	return buildFromClientConfig(loader)
}

func buildForContext(context string) (Client, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: context}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)

	return buildFromClientConfig(loader)
}

func buildFromClientConfig(loader clientcmd.ClientConfig) (Client, error) {
	cfg, err := loader.ClientConfig()
	if err != nil {
		return Client{}, errors.Wrap(err, "failed to load kubeconfig")
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return Client{}, errors.Wrap(err, "failed to build clientset")
	}

	namespace, _, err := loader.Namespace()
	if err != nil {
		namespace = "default"
	}

	return Client{Clientset: cs, Config: cfg, Namespace: namespace}, nil
}
