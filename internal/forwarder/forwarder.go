// Package forwarder owns per-resource listeners and bridges accepted
// local connections to pods over Kubernetes port-forward streams.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/metadata"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/kubef-dev/kubef/internal/config"
	"github.com/kubef-dev/kubef/internal/kube"
	"github.com/kubef-dev/kubef/internal/selector"
	"github.com/kubef-dev/kubef/internal/sockets"
	"github.com/kubef-dev/kubef/internal/watcher"
)

// ErrBind is wrapped around loopback-listener bind failures.
var ErrBind = errors.New("failed to bind local listener")

// ErrPortForward is wrapped around port-forward stream-open failures.
var ErrPortForward = errors.New("port-forward failed")

type listenerEntry struct {
	alias    string
	listener net.Listener
	token    *sockets.Token
	watcher  *watcher.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Forwarder is the forwarding engine: one instance owns all active
// listeners for a CLI invocation.
type Forwarder struct {
	clients  *kube.Pool
	loopback *sockets.Pool
	context  string
	clock    clock.Clock
	log      logrus.FieldLogger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	listeners map[string]*listenerEntry
}

// New constructs a Forwarder backed by the given client pool.
func New(pool *kube.Pool, log logrus.FieldLogger) *Forwarder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		clients:    pool,
		clock:      clock.New(),
		log:        log,
		rootCtx:    ctx,
		rootCancel: cancel,
		listeners:  make(map[string]*listenerEntry),
	}
}

// WithContext fixes the kube-context used for resources that don't
// name their own.
func (f *Forwarder) WithContext(context string) *Forwarder {
	f.context = context
	return f
}

// WithLoopback configures the loopback pool's CIDR; cidr == ""
// disables pooling (every resource shares 127.0.0.1).
func (f *Forwarder) WithLoopback(cidr string) (*Forwarder, error) {
	pool, err := sockets.NewPool(cidr)
	if err != nil {
		return nil, err
	}
	f.loopback = pool
	return f, nil
}

// Forward begins forwarding for a single resource: binds its
// listener, resolves its selector, starts its watcher, and launches
// its accept loop. Returns once the listener is bound and the watcher
// is ready.
func (f *Forwarder) Forward(ctx context.Context, resource config.Resource) error {
	log := f.log.WithField("alias", resource.Alias)

	clientContext := resource.Context
	if clientContext == "" {
		clientContext = f.context
	}

	var client kube.Client
	var err error
	if clientContext == "" {
		client, err = f.clients.GetDefault()
	} else {
		client, err = f.clients.GetOrInsert(clientContext)
	}
	if err != nil {
		return errors.Wrap(err, "failed to obtain kube client")
	}

	namespace := resource.Namespace
	if namespace == "" {
		namespace = client.Namespace
	}

	loopback := f.loopback
	if loopback == nil {
		loopback, err = sockets.NewPool("")
		if err != nil {
			return err
		}
	}

	listener, token, err := loopback.GetLoopback(resource.Ports.Local)
	if err != nil {
		return errors.Wrapf(ErrBind, "resource %s: %v", resource.Alias, err)
	}

	sel, err := selector.Resolve(ctx, client.Clientset, namespace, resource.Selector)
	if err != nil {
		token.Release()
		_ = listener.Close()
		return err
	}

	metaClient, err := metadata.NewForConfig(client.Config)
	if err != nil {
		token.Release()
		_ = listener.Close()
		return errors.Wrap(err, "failed to build metadata client")
	}

	watchCtx, cancel := context.WithCancel(f.rootCtx)
	w, err := watcher.New(watchCtx, metaClient, namespace, sel, resource.EffectivePolicy(), f.clock)
	if err != nil {
		cancel()
		token.Release()
		_ = listener.Close()
		return err
	}

	entry := &listenerEntry{
		alias:    resource.Alias,
		listener: listener,
		token:    token,
		watcher:  w,
		cancel:   cancel,
	}

	f.mu.Lock()
	f.listeners[resource.Alias] = entry
	f.mu.Unlock()

	log.WithField("addr", listener.Addr()).Info("forwarding resource")

	go f.acceptLoop(watchCtx, log, client, namespace, resource.Ports.Remote, entry)

	return nil
}

// ForwardAll forwards every resource concurrently, returning the
// first setup error encountered. A failing resource does not tear
// down listeners already bound for its siblings.
func (f *Forwarder) ForwardAll(ctx context.Context, resources []config.Resource) error {
	var g errgroup.Group
	for _, r := range resources {
		r := r
		g.Go(func() error {
			return f.Forward(ctx, r)
		})
	}
	return g.Wait()
}

// Shutdown cancels every active resource's context and waits (bounded
// by ctx) for their accept loops and connection goroutines to drain.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.rootCancel()

	f.mu.Lock()
	entries := make([]*listenerEntry, 0, len(f.listeners))
	for _, e := range f.listeners {
		entries = append(entries, e)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, e := range entries {
			e.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForwardStatic accepts connections on listener and bridges each one
// to the same fixed pod/port, with no watcher and no pod selection.
// Used by the proxy controller, which targets one relay pod rather
// than a load-balanced set. Blocks until ctx is cancelled or listener
// closes.
func ForwardStatic(ctx context.Context, log logrus.FieldLogger, client kube.Client, namespace, pod string, remotePort uint16, listener net.Listener) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.WithError(err).Warn("accept failed")
				continue
			}
		}

		wg.Add(1)
		connCtx, connCancel := context.WithCancel(ctx)
		go func() {
			defer wg.Done()
			defer connCancel()
			bridge(connCtx, log, client, namespace, pod, remotePort, conn)
		}()
	}
}

func (f *Forwarder) acceptLoop(ctx context.Context, log logrus.FieldLogger, client kube.Client, namespace string, remotePort uint16, entry *listenerEntry) {
	defer func() {
		entry.watcher.Close()
		entry.token.Release()
		_ = entry.listener.Close()

		f.mu.Lock()
		delete(f.listeners, entry.alias)
		f.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, ok := entry.watcher.Get(); !ok {
			if _, err := entry.watcher.Next(ctx); err != nil {
				return
			}
		}

		conn, err := entry.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.WithError(err).Warn("accept failed")
				continue
			}
		}

		pod, ok := entry.watcher.Get()
		if !ok {
			_ = conn.Close()
			continue
		}

		connCtx, connCancel := context.WithCancel(ctx)
		entry.wg.Add(1)
		go func() {
			defer entry.wg.Done()
			defer connCancel()
			bridge(connCtx, log, client, namespace, pod.Name, remotePort, conn)
		}()
	}
}

// bridge opens a port-forward to pod's remotePort via an ephemeral
// local forwarding port and copies bytes bidirectionally between that
// forward and conn until either side closes or ctx is cancelled.
func bridge(ctx context.Context, log logrus.FieldLogger, client kube.Client, namespace, pod string, remotePort uint16, conn net.Conn) {
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetLinger(-1)
	}

	transport, upgrader, err := spdy.RoundTripperFor(client.Config)
	if err != nil {
		log.WithError(err).Warn("failed to build spdy round tripper")
		return
	}

	req := client.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward")

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	readyCh := make(chan struct{})
	stopCh := make(chan struct{})
	fw, err := portforward.NewOnAddresses(dialer, []string{"127.0.0.1"},
		[]string{fmt.Sprintf("0:%d", remotePort)}, stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		log.WithError(err).Warnf("%s: failed to build port-forward", ErrPortForward)
		return
	}

	fwErrCh := make(chan error, 1)
	go func() { fwErrCh <- fw.ForwardPorts() }()

	select {
	case <-readyCh:
	case err := <-fwErrCh:
		log.WithError(err).Warnf("%s: port-forward exited before becoming ready", ErrPortForward)
		return
	case <-ctx.Done():
		close(stopCh)
		return
	}

	ports, err := fw.GetPorts()
	if err != nil || len(ports) == 0 {
		close(stopCh)
		log.WithError(err).Warn("failed to determine forwarded local port")
		return
	}

	upstream, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ports[0].Local))
	if err != nil {
		close(stopCh)
		log.WithError(err).Warn("failed to dial local port-forward")
		return
	}

	copyErrCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, conn)
		copyErrCh <- err
	}()
	go func() {
		_, err := io.Copy(conn, upstream)
		copyErrCh <- err
	}()

	select {
	case <-ctx.Done():
	case err := <-fwErrCh:
		log.WithError(err).Warnf("%s: port-forward exited while forwarding", ErrPortForward)
		_ = upstream.Close()
		return
	case err := <-copyErrCh:
		if err != nil {
			log.WithError(err).Warn("forward connection closed")
		}
	}

	_ = upstream.Close()
	close(stopCh)
	<-fwErrCh
}
