package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/metadata"
	metadatafake "k8s.io/client-go/metadata/fake"

	"github.com/kubef-dev/kubef/internal/config"
)

func newTestPod(name, namespace string, labelSet map[string]string) *metav1.PartialObjectMetadata {
	return &metav1.PartialObjectMetadata{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labelSet,
			UID:       types.UID(name),
		},
	}
}

func newTestClient(t *testing.T, objs ...*metav1.PartialObjectMetadata) metadata.Interface {
	t.Helper()

	scheme := runtime.NewScheme()
	gvrToListKind := map[schema.GroupVersionResource]string{
		{Group: "", Version: "v1", Resource: "pods"}: "PodList",
	}

	runtimeObjs := make([]runtime.Object, 0, len(objs))
	for _, o := range objs {
		runtimeObjs = append(runtimeObjs, o)
	}

	return metadatafake.NewSimpleMetadataClient(scheme, gvrToListKind, runtimeObjs...)
}

func TestWatcherRoundRobinCyclesAllPods(t *testing.T) {
	pods := []*metav1.PartialObjectMetadata{
		newTestPod("pod-a", "default", map[string]string{"app": "web"}),
		newTestPod("pod-b", "default", map[string]string{"app": "web"}),
		newTestPod("pod-c", "default", map[string]string{"app": "web"}),
	}
	client := newTestClient(t, pods...)

	clk := clock.NewMock()
	w, err := New(context.Background(), client, "default", labels.SelectorFromSet(labels.Set{"app": "web"}), config.PolicyRoundRobin, clk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		handle, ok := w.Get()
		if !ok {
			t.Fatalf("Get() returned empty store at iteration %d", i)
		}
		seen[handle.Name]++
	}

	for _, p := range pods {
		if seen[p.Name] != 3 {
			t.Fatalf("expected pod %s to be returned 3 times in 9 calls, got %d", p.Name, seen[p.Name])
		}
	}
}

func TestWatcherStickyReturnsSamePod(t *testing.T) {
	pods := []*metav1.PartialObjectMetadata{
		newTestPod("pod-a", "default", map[string]string{"app": "web"}),
		newTestPod("pod-b", "default", map[string]string{"app": "web"}),
	}
	client := newTestClient(t, pods...)

	clk := clock.NewMock()
	w, err := New(context.Background(), client, "default", labels.SelectorFromSet(labels.Set{"app": "web"}), config.PolicySticky, clk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	first, ok := w.Get()
	if !ok {
		t.Fatal("expected a pod on the first Get()")
	}
	for i := 0; i < 5; i++ {
		handle, ok := w.Get()
		if !ok || handle.Name != first.Name {
			t.Fatalf("sticky policy returned a different pod on call %d: %+v", i, handle)
		}
	}
}

func TestWatcherGetEmptyStore(t *testing.T) {
	client := newTestClient(t)

	clk := clock.NewMock()
	w, err := New(context.Background(), client, "default", labels.SelectorFromSet(labels.Set{"app": "none"}), config.PolicyRoundRobin, clk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if _, ok := w.Get(); ok {
		t.Fatal("expected Get() on an empty store to return false")
	}
}

// TestNextDoesNotMissAnUpsertRacingRegistration guards against the
// lost-wakeup window between Next's initial Get() check and its
// waiter registration: an upsert landing in that window must still
// wake the waiter (or be caught by Next's post-registration recheck)
// rather than block until a second, possibly-never-arriving event.
func TestNextDoesNotMissAnUpsertRacingRegistration(t *testing.T) {
	client := newTestClient(t)

	clk := clock.NewMock()
	w, err := New(context.Background(), client, "default", labels.Everything(), config.PolicyRoundRobin, clk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if _, ok := w.Get(); ok {
		t.Fatal("expected an empty store before any upsert")
	}

	resultCh := make(chan PodHandle, 1)
	errCh := make(chan error, 1)
	go func() {
		handle, err := w.Next(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- handle
	}()

	// Give Next's goroutine a chance to run its first Get() and observe
	// the empty store before the upsert lands, reproducing the window
	// the fix closes (register-before-recheck, not after).
	time.Sleep(20 * time.Millisecond)
	w.upsert(newTestPod("pod-a", "default", map[string]string{"app": "web"}))

	select {
	case handle := <-resultCh:
		if handle.Name != "pod-a" {
			t.Fatalf("expected pod-a, got %q", handle.Name)
		}
	case err := <-errCh:
		t.Fatalf("Next returned an error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not observe the upsert racing its waiter registration")
	}
}

func TestWatcherNewFailsOnCancelledContext(t *testing.T) {
	// A cancelled outer context must surface as an error rather than
	// hang, independent of the readiness-timeout clock path.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t)
	clk := clock.NewMock()

	if _, err := New(ctx, client, "default", labels.Everything(), config.PolicyRoundRobin, clk); err == nil {
		t.Fatal("expected New to fail against an already-cancelled context")
	}
}
