// Package environment holds the variables a run's steps see. Provisioning
// adds to it; every later step reads it.
package environment

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Variables a step can write to in order to change the environment of
// the steps after it.
const (
	EnvFileVar  = "CIRUN_ENV"
	PathFileVar = "CIRUN_PATH"
)

// Env is an insertion-ordered variable set. It is not safe for
// concurrent use; a run owns exactly one.
type Env struct {
	keys []string
	vals map[string]string
}

func New() *Env {
	return &Env{vals: make(map[string]string)}
}

// FromEnviron builds an Env from KEY=value pairs. Malformed entries are
// dropped.
func FromEnviron(environ []string) *Env {
	e := New()
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		e.Set(k, v)
	}
	return e
}

func (e *Env) Set(key, value string) {
	if _, ok := e.vals[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.vals[key] = value
}

func (e *Env) Get(key string) (string, bool) {
	v, ok := e.vals[key]
	return v, ok
}

func (e *Env) Len() int { return len(e.keys) }

// SetAll applies values in key order so the result does not depend on
// map iteration.
func (e *Env) SetAll(values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.Set(k, e.Expand(values[k]))
	}
}

// PrependPath puts dir in front of PATH unless it is already first.
func (e *Env) PrependPath(dir string) {
	dir = e.Expand(dir)
	if dir == "" {
		return
	}
	cur, _ := e.Get("PATH")
	parts := filepath.SplitList(cur)
	if len(parts) > 0 && parts[0] == dir {
		return
	}
	if cur == "" {
		e.Set("PATH", dir)
		return
	}
	e.Set("PATH", dir+string(os.PathListSeparator)+cur)
}

// Expand substitutes $VAR and ${VAR} from the environment itself.
// Unknown variables expand to the empty string.
func (e *Env) Expand(s string) string {
	return os.Expand(s, func(k string) string {
		return e.vals[k]
	})
}

func (e *Env) Clone() *Env {
	c := &Env{
		keys: append([]string(nil), e.keys...),
		vals: make(map[string]string, len(e.vals)),
	}
	for k, v := range e.vals {
		c.vals[k] = v
	}
	return c
}

// Environ flattens the set for exec.Cmd.Env.
func (e *Env) Environ() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.vals[k])
	}
	return out
}

// Map returns a copy of the variables.
func (e *Env) Map() map[string]string {
	out := make(map[string]string, len(e.vals))
	for k, v := range e.vals {
		out[k] = v
	}
	return out
}

// ApplyEnvFile reads NAME=value lines a step wrote to its $CIRUN_ENV
// file. Blank lines and # comments are ignored; a missing file is not an
// error.
func (e *Env) ApplyEnvFile(path string) error {
	return readLines(path, func(n int, line string) error {
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("%s:%d: expected NAME=value", filepath.Base(path), n)
		}
		e.Set(strings.TrimSpace(k), v)
		return nil
	})
}

// ApplyPathFile prepends every directory a step wrote to its
// $CIRUN_PATH file, keeping the file's order.
func (e *Env) ApplyPathFile(path string) error {
	var dirs []string
	err := readLines(path, func(_ int, line string) error {
		dirs = append(dirs, strings.TrimSpace(line))
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		e.PrependPath(dirs[i])
	}
	return nil
}

func readLines(path string, fn func(n int, line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
