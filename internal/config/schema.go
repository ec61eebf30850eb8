// Package config loads and describes kubef's YAML configuration file.
package config

import (
	"fmt"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SelectorPolicy is the pod-selection policy for a Resource's watcher.
type SelectorPolicy string

const (
	// PolicyRoundRobin cycles through the live pod set on every Get.
	PolicyRoundRobin SelectorPolicy = "roundrobin"
	// PolicySticky always returns the same pod as long as it's live.
	PolicySticky SelectorPolicy = "sticky"
)

// SelectorType discriminates the polymorphic "match" payload of a
// ResourceSelector.
type SelectorType string

const (
	SelectorTypeLabel      SelectorType = "label"
	SelectorTypeDeployment SelectorType = "deployment"
	SelectorTypeService    SelectorType = "service"
	SelectorTypeHostname   SelectorType = "hostname"
)

// LabelPair is a single (key, value) equality predicate.
type LabelPair struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// ResourceSelector is a tagged union: its Type names which field of
// the "match" payload is populated. It round-trips through YAML as
//
//	selector:
//	  type: label
//	  match: [{key: app, value: postgres}]
type ResourceSelector struct {
	Type SelectorType `yaml:"type"`

	// Labels is populated when Type == SelectorTypeLabel.
	Labels []LabelPair `yaml:"-"`
	// Name is populated when Type is deployment, service, or hostname.
	Name string `yaml:"-"`
}

// UnmarshalYAML implements the tagged-variant decode: "match" is
// either a list of label pairs or a bare name, depending on Type.
func (s *ResourceSelector) UnmarshalYAML(value *yaml.Node) error {
	var keys map[string]yaml.Node
	if err := value.Decode(&keys); err != nil {
		return err
	}
	for k := range keys {
		if k != "type" && k != "match" {
			return fmt.Errorf("unknown field %q in selector", k)
		}
	}

	var raw struct {
		Type  SelectorType `yaml:"type"`
		Match yaml.Node    `yaml:"match"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.Type = raw.Type

	switch raw.Type {
	case SelectorTypeLabel:
		var pairs []map[string]string
		if err := raw.Match.Decode(&pairs); err != nil {
			return errors.Wrap(err, "failed to decode label selector match")
		}
		s.Labels = make([]LabelPair, 0, len(pairs))
		for _, p := range pairs {
			s.Labels = append(s.Labels, LabelPair{Key: p["key"], Value: p["value"]})
		}
	case SelectorTypeDeployment, SelectorTypeService, SelectorTypeHostname:
		var name string
		if err := raw.Match.Decode(&name); err != nil {
			return errors.Wrap(err, "failed to decode name selector match")
		}
		s.Name = name
	default:
		return fmt.Errorf("unknown selector type %q", raw.Type)
	}

	return nil
}

// MarshalYAML implements the reverse of UnmarshalYAML, so a
// ResourceSelector round-trips through YAML.
func (s ResourceSelector) MarshalYAML() (interface{}, error) {
	out := map[string]interface{}{"type": s.Type}
	switch s.Type {
	case SelectorTypeLabel:
		pairs := make([]map[string]string, 0, len(s.Labels))
		for _, p := range s.Labels {
			pairs = append(pairs, map[string]string{"key": p.Key, "value": p.Value})
		}
		out["match"] = pairs
	default:
		out["match"] = s.Name
	}
	return out, nil
}

// Ports is a resource's remote/local port pair.
type Ports struct {
	Remote uint16 `yaml:"remote"`
	Local  uint16 `yaml:"local"`
}

// Resource is a single user-declared forwarding target. Immutable
// after Load returns it.
type Resource struct {
	Alias     string           `yaml:"alias"`
	Namespace string           `yaml:"namespace"`
	Context   string           `yaml:"context,omitempty"`
	Policy    SelectorPolicy   `yaml:"policy,omitempty"`
	Selector  ResourceSelector `yaml:"selector"`
	Ports     Ports            `yaml:"ports"`
}

// EffectivePolicy returns the resource's policy, defaulting to
// round-robin when unset.
func (r Resource) EffectivePolicy() SelectorPolicy {
	if r.Policy == "" {
		return PolicyRoundRobin
	}
	return r.Policy
}

// Config is the top-level shape of kubef's config file.
type Config struct {
	Context  string                `yaml:"context,omitempty"`
	Loopback string                `yaml:"loopback,omitempty"`
	Groups   map[string][]Resource `yaml:"groups"`
}
