package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestWatchForChangesWarnsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("groups: {}\n"), 0o644); err != nil {
		t.Fatalf("write initial file: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	hook := &captureHook{}
	log.AddHook(hook)

	closer, err := WatchForChanges(path, log)
	if err != nil {
		t.Fatalf("WatchForChanges: %v", err)
	}
	defer closer()

	if err := os.WriteFile(path, []byte("groups: {}\n# changed\n"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if hook.count() > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected a warning log entry after the config file changed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type captureHook struct {
	mu      sync.Mutex
	entries []*logrus.Entry
}

func (h *captureHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *captureHook) Fire(e *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *captureHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
