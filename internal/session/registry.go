package session

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Registry owns the in-memory session handles for the lifetime of a server.
// The map lock only guards handle lookup; each handle serializes its own
// load-mutate-persist cycles so different sessions never wait on each other.
type Registry struct {
	store  Store
	memory *Memory
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
	loads   singleflight.Group
}

type handle struct {
	mu sync.Mutex
	// committed is the last persisted state. It is never mutated in place.
	committed atomic.Pointer[Session]
}

// NewRegistry builds a registry over store.
func NewRegistry(store Store, memory *Memory, opts Options, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if memory == nil {
		memory = NewMemory(nil, nil, log)
	}
	return &Registry{
		store:   store,
		memory:  memory,
		opts:    opts.withDefaults(),
		log:     log,
		handles: make(map[string]*handle),
	}
}

// Options returns the window configuration applied on every append.
func (r *Registry) Options() Options { return r.opts }

// Turn is the mutable view handed to Do callbacks.
type Turn struct {
	Session *Session
	memory  *Memory
	opts    Options
}

// Append adds an interaction to the session, summarizing on overflow.
func (t *Turn) Append(ctx context.Context, role Role, text string) error {
	return t.memory.Append(ctx, t.Session, role, text, t.opts)
}

// Context returns the current memory view.
func (t *Turn) Context() Context {
	return BuildContext(t.Session)
}

// Do runs fn with exclusive access to the session for key. Changes made by fn
// are persisted when it returns nil and discarded otherwise. A persist failure
// is returned as ErrStorage and the in-memory state is left unchanged. Once fn
// has succeeded the persist runs even if ctx is cancelled, so a turn whose
// side effects already happened is never dropped from the store.
func (r *Registry) Do(ctx context.Context, key string, fn func(t *Turn) error) error {
	h := r.handle(key)
	h.mu.Lock()
	defer h.mu.Unlock()

	current, err := r.loadCommitted(ctx, key, h)
	if err != nil {
		return err
	}
	work := current.Clone()
	if err := fn(&Turn{Session: work, memory: r.memory, opts: r.opts}); err != nil {
		return err
	}
	if err := r.store.Save(context.WithoutCancel(ctx), work); err != nil {
		r.log.Error("session persist failed", zap.String("session", key), zap.Error(err))
		return err
	}
	h.committed.Store(work)
	return nil
}

// Snapshot returns a copy of the last committed state without waiting for
// in-flight turns.
func (r *Registry) Snapshot(ctx context.Context, key string) (*Session, error) {
	s, err := r.loadCommitted(ctx, key, r.handle(key))
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Clear resets the session to the empty state and persists it.
func (r *Registry) Clear(ctx context.Context, key string) error {
	return r.Do(ctx, key, func(t *Turn) error {
		t.Session.Reset()
		return nil
	})
}

// List returns the sessions known to the store.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	return r.store.List(ctx)
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.handles = make(map[string]*handle)
	r.mu.Unlock()
	return r.store.Close()
}

func (r *Registry) handle(key string) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	if !ok {
		h = &handle{}
		r.handles[key] = h
	}
	return h
}

func (r *Registry) loadCommitted(ctx context.Context, key string, h *handle) (*Session, error) {
	if s := h.committed.Load(); s != nil {
		return s, nil
	}
	v, err, _ := r.loads.Do(key, func() (any, error) {
		if s := h.committed.Load(); s != nil {
			return s, nil
		}
		s, err := r.store.Load(ctx, key)
		if err != nil {
			r.log.Error("session load failed", zap.String("session", key), zap.Error(err))
			return nil, err
		}
		if s == nil {
			s = New(key)
		}
		h.committed.CompareAndSwap(nil, s)
		return h.committed.Load(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}
