package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-relay/internal/chain"
	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/mw"
)

// Live is the chain the runner sends through. Links copy their options
// when built, so after the registry changes Rebuild builds a fresh chain
// over the same terminal and swaps it in. Requests already inside the old
// chain finish on it.
type Live struct {
	kit      *mw.Kit
	terminal chain.Handler
	o        Overrides
	logger   log.Logger

	mu  sync.Mutex // serializes Rebuild and Close
	cur atomic.Pointer[chain.Handler]
}

func NewLive(L log.Logger, kit *mw.Kit, terminal chain.Handler, o Overrides) (*Live, error) {
	if L == nil {
		L = log.Nop()
	}
	l := &Live{kit: kit, terminal: terminal, o: o, logger: L.With("component", "relay-chain")}
	h, err := l.build()
	if err != nil {
		return nil, err
	}
	l.cur.Store(&h)
	return l, nil
}

// shared hides the terminal's Close from the links in front of it, so
// closing a replaced chain leaves the terminal open for its successor.
type shared struct{ chain.Handler }

func (shared) Close() error { return nil }

func (l *Live) build() (chain.Handler, error) {
	return Chain(l.kit, shared{l.terminal}, l.o)
}

func (l *Live) Process(ctx context.Context, env *chain.Env) (*chain.Env, error) {
	return (*l.cur.Load()).Process(ctx, env)
}

// Rebuild builds a chain from the registry's current defaults and swaps it
// in. On error the running chain is kept.
func (l *Live) Rebuild() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, err := l.build()
	if err != nil {
		return err
	}
	old := l.cur.Swap(&h)
	if c, ok := (*old).(chain.Closer); ok {
		if err := c.Close(); err != nil {
			l.logger.Warn(context.Background(), "closing replaced chain", "error", err.Error())
		}
	}
	l.logger.Info(context.Background(), "middleware chain rebuilt")
	return nil
}

// Close closes the current chain and then the terminal.
func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := (*l.cur.Load()).(chain.Closer); ok {
		if err := c.Close(); err != nil {
			return err
		}
	}
	if c, ok := l.terminal.(chain.Closer); ok {
		return c.Close()
	}
	return nil
}
