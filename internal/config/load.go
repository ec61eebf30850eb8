package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "KUBEF_CONFIG"

// ErrConfig is wrapped around every config loading/parsing failure.
var ErrConfig = errors.New("config error")

var (
	once    sync.Once
	loaded  *Config
	loadErr error
)

// Path resolves the config file location: KUBEF_CONFIG if set,
// otherwise the platform's XDG-style config dir, kubef/config.yaml.
func Path() (string, error) {
	if p := os.Getenv(envConfigPath); p != "" {
		return p, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrapf(ErrConfig, "failed to resolve default config directory: %v", err)
	}

	return filepath.Join(dir, "kubef", "config.yaml"), nil
}

// Load decodes the config file exactly once per process, memoizing
// the result the way the client pool memoizes its default client.
func Load() (*Config, error) {
	once.Do(func() {
		loaded, loadErr = load()
	})
	return loaded, loadErr
}

func load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "failed to open config file at %s: %v", path, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(ErrConfig, "failed to parse config file at %s: %v", path, err)
	}

	return &cfg, nil
}

// FindResources resolves a target (a bare alias across all groups, or
// a whole group name) to its Resources. Bare-alias lookup wins over
// group-name lookup when both match.
func (c *Config) FindResources(target string) ([]Resource, error) {
	var byAlias []Resource
	for _, resources := range c.Groups {
		for _, r := range resources {
			if r.Alias == target {
				byAlias = append(byAlias, r)
			}
		}
	}
	if len(byAlias) > 0 {
		return byAlias, nil
	}

	if resources, ok := c.Groups[target]; ok {
		return resources, nil
	}

	return nil, errors.Errorf("no resources found for target %q in aliases or groups", target)
}
