package proxy

import (
	"context"
	"net"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestSpawnCreatesLabeledPod(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	api := clientset.CoreV1().Pods("default")

	p := New(api)
	dest := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5432}

	if err := p.Spawn(context.Background(), dest, "tcp"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	pod, err := api.Get(context.Background(), "kubef-"+p.ID, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected relay pod to exist: %v", err)
	}
	if pod.Labels[labelID] != p.ID || pod.Labels[labelProxy] != "true" {
		t.Fatalf("unexpected labels: %+v", pod.Labels)
	}
}

func TestSpawnTwiceFails(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	api := clientset.CoreV1().Pods("default")
	p := New(api)
	dest := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5432}

	if err := p.Spawn(context.Background(), dest, "tcp"); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if err := p.Spawn(context.Background(), dest, "tcp"); err == nil {
		t.Fatal("expected second Spawn to fail")
	}
}

func TestAbortWithoutSpawnFails(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	api := clientset.CoreV1().Pods("default")
	p := New(api)

	if err := p.Abort(context.Background()); err == nil {
		t.Fatal("expected Abort on an unspawned proxy to fail")
	}
}

func TestCloseIsNoopWhenNotSpawned(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	api := clientset.CoreV1().Pods("default")
	p := New(api)

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("expected Close on an unspawned proxy to be a no-op, got %v", err)
	}
}

func TestCloseDeletesSpawnedPod(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	api := clientset.CoreV1().Pods("default")
	p := New(api)
	dest := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5432}

	if err := p.Spawn(context.Background(), dest, "tcp"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := api.Get(context.Background(), "kubef-"+p.ID, metav1.GetOptions{}); err == nil {
		t.Fatal("expected relay pod to be deleted after Close")
	}
}
