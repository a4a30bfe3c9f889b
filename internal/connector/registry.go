// Copyright 2025 James Ross
package connector

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry is the static, compile-time set of connectors available to
// the analysis fan-out. Plugins aren't loaded dynamically; every
// connector this process can run is registered once at construction and
// is a singleton by virtue of never being instantiated a second time.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	available  map[string]bool
}

// NewRegistry builds a registry from a fixed connector set, loading each
// one's optional sibling config.yml from dirs (one directory per
// connector name, mirroring connector_dirs in configuration).
func NewRegistry(connectors []Connector, dirs []string) (*Registry, error) {
	r := &Registry{
		connectors: make(map[string]Connector, len(connectors)),
		available:  make(map[string]bool, len(connectors)),
	}
	for _, c := range connectors {
		name := c.Name()
		if _, exists := r.connectors[name]; exists {
			return nil, fmt.Errorf("connector: duplicate singleton registration for %q", name)
		}
		r.connectors[name] = c
		r.available[name] = true

		if cfgLoader, ok := c.(ConfigLoader); ok {
			if err := loadSiblingConfig(cfgLoader, name, dirs); err != nil {
				// A connector whose config fails to load is marked
				// unavailable rather than aborting the whole registry.
				r.available[name] = false
			}
		}
	}
	return r, nil
}

// ConfigLoader is implemented by connectors that accept a sibling
// config.yml. LoadConfig receives the raw bytes and decides how to
// apply them, failing with an error if the config is invalid (e.g.
// unparseable YARA rules), which marks the connector unavailable.
type ConfigLoader interface {
	LoadConfig(data []byte) error
}

func loadSiblingConfig(c ConfigLoader, name string, dirs []string) error {
	for _, dir := range dirs {
		path := filepath.Join(dir, name, "config.yml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		var probe map[string]any
		if err := yaml.Unmarshal(data, &probe); err != nil {
			return err
		}
		return c.LoadConfig(data)
	}
	// No sibling config found is not an error; many connectors have none.
	return nil
}

// Connectors yields the registered set, skipping any connector whose
// availability was cleared during load.
func (r *Registry) Connectors() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.connectors))
	for name, c := range r.connectors {
		if r.available[name] {
			out = append(out, c)
		}
	}
	return out
}

// Get returns a registered connector by name, including unavailable
// ones (a dispatcher may still need SinkID lookups).
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Len returns the number of available connectors, the value analysis
// fan-out seeds a binary's refcount with.
func (r *Registry) Len() int {
	return len(r.Connectors())
}
