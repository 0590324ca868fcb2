// Package secrets provides the read-only credential capability handed to
// steps and reporters. Nothing here reads the process environment on
// its own; callers pass in what the store may see.
package secrets

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Store interface {
	Lookup(name string) (string, bool)
}

// MapStore is a fixed set of credentials.
type MapStore map[string]string

func (m MapStore) Lookup(name string) (string, bool) {
	v, ok := m[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Values returns every non-empty credential value, longest first.
func (m MapStore) Values() []string {
	vals := make([]string, 0, len(m))
	for _, v := range m {
		if v != "" {
			vals = append(vals, v)
		}
	}
	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })
	return vals
}

// FromEnviron snapshots the named variables out of an environ slice
// (as returned by os.Environ). When prefix is set, CIRUN_SECRET_FOO is
// exposed as FOO in addition to any exact names.
func FromEnviron(environ []string, prefix string, names ...string) MapStore {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	store := MapStore{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if wanted[k] {
			store[k] = v
		}
		if prefix != "" && strings.HasPrefix(k, prefix) {
			store[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return store
}

// FromFile reads a flat YAML mapping of credential names to values.
func FromFile(path string) (MapStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	store := MapStore{}
	if err := yaml.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}
	return store, nil
}

// Merge layers stores left to right; later stores win.
func Merge(stores ...MapStore) MapStore {
	out := MapStore{}
	for _, s := range stores {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}
