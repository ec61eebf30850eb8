package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// WatchForChanges watches the resolved config file and logs a warning
// if it changes while kubef is running. kubef never reloads a running
// config on its own — "no persistence across runs" in the spec means
// there's nothing to hot-swap into — this only tells the user their
// edit won't take effect until they restart.
//
// The watcher runs until the returned closer is called; callers are
// expected to call it on shutdown.
func WatchForChanges(path string, log logrus.FieldLogger) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config file watcher")
	}

	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file at %s", path)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.WithField("path", path).Warn("config file changed on disk — restart kubef to apply")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config file watcher error")
			}
		}
	}()

	return watcher.Close, nil
}
