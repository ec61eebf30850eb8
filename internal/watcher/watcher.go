// Package watcher maintains a live, label-filtered set of pods for a
// single resource and hands one out per request under a
// load-balancing policy.
package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/metadata"
	"k8s.io/client-go/metadata/metadatainformer"
	"k8s.io/client-go/tools/cache"

	"github.com/kubef-dev/kubef/internal/config"
)

// ErrWatcherReadyTimeout is returned by New when the metadata informer
// fails to sync within the readiness timeout.
var ErrWatcherReadyTimeout = errors.New("pod watcher did not become ready in time")

const readyTimeout = 10 * time.Second

// PodHandle is an immutable snapshot of a pod's identifying metadata —
// enough to open a port-forward. Safe to copy and share across
// goroutines.
type PodHandle struct {
	Name      string
	Namespace string
	UID       types.UID
	Labels    map[string]string
}

// Watcher keeps an ordered, UID-keyed snapshot of live pods in sync
// via a metadata-only informer, and selects one per Get() call under
// a Policy.
type Watcher struct {
	cancel context.CancelFunc

	mu    sync.RWMutex
	order []types.UID
	byUID map[types.UID]PodHandle

	counter atomic.Uint64
	policy  config.SelectorPolicy

	notifyMu sync.Mutex
	waiters  []chan struct{}
}

// New constructs a Watcher over pods matching sel in namespace,
// blocking until the informer's initial list has synced or clk
// elapses the readiness timeout.
func New(ctx context.Context, client metadata.Interface, namespace string, sel labels.Selector, policy config.SelectorPolicy, clk clock.Clock) (*Watcher, error) {
	w := &Watcher{
		byUID:  make(map[types.UID]PodHandle),
		policy: policy,
	}

	gvr := schema.GroupVersionResource{Group: "", Version: "v1", Resource: "pods"}
	factory := metadatainformer.NewFilteredMetadataInformer(
		client, gvr, namespace, 0, cache.Indexers{},
		func(opts *metav1.ListOptions) { opts.LabelSelector = sel.String() },
	)
	informer := factory.Informer()

	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.upsert(obj) },
		UpdateFunc: func(_, obj interface{}) { w.upsert(obj) },
		DeleteFunc: func(obj interface{}) { w.remove(obj) },
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to register pod watcher event handler")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go informer.Run(runCtx.Done())

	timer := clk.Timer(readyTimeout)
	defer timer.Stop()

	synced := make(chan struct{})
	go func() {
		if cache.WaitForCacheSync(runCtx.Done(), informer.HasSynced) {
			close(synced)
		}
	}()

	select {
	case <-synced:
		return w, nil
	case <-timer.C:
		cancel()
		return nil, ErrWatcherReadyTimeout
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (w *Watcher) upsert(obj interface{}) {
	meta, ok := obj.(*metav1.PartialObjectMetadata)
	if !ok {
		return
	}

	handle := PodHandle{
		Name:      meta.Name,
		Namespace: meta.Namespace,
		UID:       meta.UID,
		Labels:    meta.Labels,
	}

	w.mu.Lock()
	if _, exists := w.byUID[handle.UID]; !exists {
		w.order = append(w.order, handle.UID)
	}
	w.byUID[handle.UID] = handle
	w.mu.Unlock()

	w.notify()
}

func (w *Watcher) remove(obj interface{}) {
	meta, ok := obj.(*metav1.PartialObjectMetadata)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			meta, ok = tomb.Obj.(*metav1.PartialObjectMetadata)
			if !ok {
				return
			}
		} else {
			return
		}
	}

	w.mu.Lock()
	delete(w.byUID, meta.UID)
	for i, uid := range w.order {
		if uid == meta.UID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
}

func (w *Watcher) notify() {
	w.notifyMu.Lock()
	waiters := w.waiters
	w.waiters = nil
	w.notifyMu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// Get returns a pod selected per the watcher's policy. Returns
// (zero, false) if the store is currently empty.
func (w *Watcher) Get() (PodHandle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := len(w.order)
	if n == 0 {
		return PodHandle{}, false
	}

	var idx uint64
	switch w.policy {
	case config.PolicySticky:
		idx = w.counter.Load()
	default:
		idx = w.counter.Add(1) - 1
	}

	uid := w.order[idx%uint64(n)]
	return w.byUID[uid], true
}

// Next returns a pod selected per the watcher's policy as soon as the
// store is non-empty, blocking until a pod is added or updated if it
// is currently empty, or until ctx is cancelled. Removals do not wake
// a blocked Next.
func (w *Watcher) Next(ctx context.Context) (PodHandle, error) {
	for {
		ch := make(chan struct{})
		w.notifyMu.Lock()
		w.waiters = append(w.waiters, ch)
		w.notifyMu.Unlock()

		// Re-check after registering: an upsert between a prior failed
		// Get() and this registration would otherwise notify a waiter
		// list that didn't include us yet, and we'd block until the
		// next informer event instead of the one we just missed.
		if handle, ok := w.Get(); ok {
			return handle, nil
		}

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return PodHandle{}, ctx.Err()
		}
	}
}

// Close stops the informer's background goroutine.
func (w *Watcher) Close() {
	w.cancel()
}
