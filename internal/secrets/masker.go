package secrets

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"
)

const mask = "***"

// Masker replaces credential values in everything written through it.
// Output is line-buffered so a value split across writes is still caught;
// Close flushes the trailing partial line.
type Masker struct {
	mu     sync.Mutex
	out    io.Writer
	values [][]byte
	buf    bytes.Buffer
}

func NewMasker(out io.Writer, values []string) *Masker {
	return &Masker{out: out, values: patterns(values)}
}

// patterns expands values into what gets replaced: each value and, for a
// multi-line value, each of its lines, since output is matched a line at
// a time. Longer patterns come first so a value that contains another is
// replaced whole.
func patterns(values []string) [][]byte {
	seen := make(map[string]bool)
	var out [][]byte
	add := func(v string) {
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, []byte(v))
	}
	for _, v := range values {
		add(v)
		if strings.ContainsAny(v, "\r\n") {
			for _, line := range strings.FieldsFunc(v, func(r rune) bool { return r == '\n' || r == '\r' }) {
				add(strings.TrimSpace(line))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func (m *Masker) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf.Write(p)
	for {
		line, err := m.buf.ReadBytes('\n')
		if err != nil {
			// incomplete line goes back for the next write
			rest := append([]byte(nil), line...)
			m.buf.Reset()
			m.buf.Write(rest)
			break
		}
		if _, err := m.out.Write(m.redact(line)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (m *Masker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf.Len() == 0 {
		return nil
	}
	_, err := m.out.Write(m.redact(m.buf.Bytes()))
	m.buf.Reset()
	return err
}

func (m *Masker) redact(line []byte) []byte {
	for _, v := range m.values {
		line = bytes.ReplaceAll(line, v, []byte(mask))
	}
	return line
}

// Redact masks values in a single string.
func Redact(s string, values []string) string {
	m := &Masker{values: patterns(values)}
	return string(m.redact([]byte(s)))
}
