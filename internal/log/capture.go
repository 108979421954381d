package log

import (
	"context"
	"log/slog"
	"sync"
)

// Entry is one record kept by a Capture logger.
type Entry struct {
	Level slog.Level
	Msg   string
	Err   error
	KV    map[string]any
}

// Capture is a Logger that keeps every entry in memory. Loggers derived
// with With share the parent's entry list.
type Capture struct {
	mu      *sync.Mutex
	entries *[]Entry
	attrs   []any
}

func NewCapture() *Capture {
	return &Capture{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (c *Capture) With(kv ...any) Logger {
	next := make([]any, 0, len(c.attrs)+len(kv))
	next = append(next, c.attrs...)
	next = append(next, kv...)
	return &Capture{mu: c.mu, entries: c.entries, attrs: next}
}

func (c *Capture) Debug(_ context.Context, msg string, kv ...any) {
	c.add(slog.LevelDebug, nil, msg, kv)
}
func (c *Capture) Info(_ context.Context, msg string, kv ...any) {
	c.add(slog.LevelInfo, nil, msg, kv)
}
func (c *Capture) Warn(_ context.Context, msg string, kv ...any) {
	c.add(slog.LevelWarn, nil, msg, kv)
}
func (c *Capture) Error(_ context.Context, err error, msg string, kv ...any) {
	c.add(slog.LevelError, err, msg, kv)
}
func (c *Capture) Sync() error { return nil }

func (c *Capture) add(lvl slog.Level, err error, msg string, kv []any) {
	fields := make(map[string]any, (len(c.attrs)+len(kv))/2)
	for _, src := range [][]any{c.attrs, kv} {
		for i := 0; i+1 < len(src); i += 2 {
			if k, ok := src[i].(string); ok {
				fields[k] = src[i+1]
			}
		}
	}
	c.mu.Lock()
	*c.entries = append(*c.entries, Entry{Level: lvl, Msg: msg, Err: err, KV: fields})
	c.mu.Unlock()
}

// Entries returns a copy of everything logged so far.
func (c *Capture) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), (*c.entries)...)
}

// Count returns how many entries were logged at lvl.
func (c *Capture) Count(lvl slog.Level) int {
	n := 0
	for _, e := range c.Entries() {
		if e.Level == lvl {
			n++
		}
	}
	return n
}
