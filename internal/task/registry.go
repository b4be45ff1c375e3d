// Package task tracks the latest in-flight asynchronous task per logical key
// so that stale results are discarded instead of overwriting newer state.
package task

import (
	"context"
	"fmt"
	"sync"
)

// Key scopes cancellation. A zero ID makes the key a single slot shared by
// every task with the same Name; a non-zero ID scopes it to one entity.
type Key struct {
	Name string
	ID   int
}

// Slot returns a single-slot key.
func Slot(name string) Key { return Key{Name: name} }

// Keyed returns a key scoped to one id.
func Keyed(name string, id int) Key { return Key{Name: name, ID: id} }

func (k Key) String() string {
	if k.ID == 0 {
		return k.Name
	}
	return fmt.Sprintf("%s:%d", k.Name, k.ID)
}

// Registry holds the most recent Token per Key.
type Registry struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	seq    uint64
	latest map[Key]*Token
	closed bool
}

// NewRegistry creates a Registry whose tasks all derive from parent.
func NewRegistry(parent context.Context) *Registry {
	ctx, cancel := context.WithCancel(parent)
	return &Registry{
		ctx:    ctx,
		cancel: cancel,
		latest: make(map[Key]*Token),
	}
}

// Replace starts a task under key, superseding and aborting the previous one.
// Use it for requests where a stale response is worthless, such as list fetches.
func (r *Registry) Replace(key Key) *Token {
	return r.start(key, true)
}

// Supersede starts a task under key. The previous task keeps running so a
// request that was already sent still reaches the backend, but its Token stops
// being current and its result must be dropped.
func (r *Registry) Supersede(key Key) *Token {
	return r.start(key, false)
}

func (r *Registry) start(key Key, abort bool) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	ctx, cancel := context.WithCancel(r.ctx)
	tok := &Token{reg: r, key: key, seq: r.seq, ctx: ctx, cancel: cancel}
	if r.closed {
		cancel()
		return tok
	}

	if prev, ok := r.latest[key]; ok {
		if abort {
			prev.cancel()
		}
	}
	r.latest[key] = tok
	return tok
}

// Running reports whether a current task exists for key.
func (r *Registry) Running(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.latest[key]
	return ok
}

// Close cancels every task. Tokens issued afterwards are born cancelled.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.latest = make(map[Key]*Token)
	r.mu.Unlock()
	r.cancel()
}

func (r *Registry) current(t *Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.latest[t.key] == t
}

func (r *Registry) release(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest[t.key] == t {
		delete(r.latest, t.key)
	}
}

// Token is the handle of one task.
type Token struct {
	reg    *Registry
	key    Key
	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the task is aborted or the registry closes.
func (t *Token) Context() context.Context { return t.ctx }

// Key returns the cancellation key.
func (t *Token) Key() Key { return t.key }

// Seq returns the start order of the token within its registry.
func (t *Token) Seq() uint64 { return t.seq }

// Current reports whether the task is still the latest for its key and has
// not been cancelled. Results of non-current tasks must be discarded.
func (t *Token) Current() bool {
	if t.ctx.Err() != nil {
		return false
	}
	return t.reg.current(t)
}

// Done releases the key if this task still owns it and frees the context.
func (t *Token) Done() {
	t.reg.release(t)
	t.cancel()
}
