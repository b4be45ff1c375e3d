// Package sheet is the reconciliation engine behind one grid: the rows of a
// single kind under one parent, their groups, and the in-flight requests
// that keep them in sync with the backend.
//
// State is published as immutable snapshots. Every transition clones the
// current snapshot, edits the clone, rederives all aggregates and publishes
// the result under one lock. Network work runs in goroutines holding a
// task.Token; a task's result is only applied while its token is current.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/task"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("sheet closed")

// Op names a backend-confirmed change reported through Options.OnSettled.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Settled describes a change the backend has confirmed.
type Settled struct {
	Kind   model.Kind
	Op     Op
	Rows   []model.ID
	Fields []model.Field
}

// Options configures a Sheet. Zero values select the defaults.
type Options struct {
	Logger *slog.Logger
	// PlaceholderBatch is the number of placeholders added to an empty
	// sheet and by AddPlaceholders without a count. Default 2.
	PlaceholderBatch int
	// BulkThreshold is the number of distinct rows one Update must touch
	// before the bulk endpoints are used. Default 2.
	BulkThreshold int
	// OnParentChange receives the parent whenever its aggregates change.
	// Calls are serialized and always carry the latest parent.
	OnParentChange func(parent model.Entity)
	// OnSettled is called after a create, update or delete is confirmed.
	OnSettled func(Settled)
}

type job func()

// Sheet owns the state of one grid.
type Sheet struct {
	kind      model.Kind
	schema    model.Schema
	parentRef model.ParentRef
	client    backend.Client
	log       *slog.Logger
	opts      Options
	tasks     *task.Registry

	mu      sync.Mutex
	state   atomic.Pointer[State]
	subs    map[chan *State]struct{}
	closed  bool
	taskSeq int

	hookMu sync.Mutex

	idleMu   sync.Mutex
	idle     *sync.Cond
	inflight int
	started  uint64
}

// New creates a sheet listing kind under parent. Nothing is fetched until a
// Request is dispatched. Cancelling ctx tears down every task, as Close does.
func New(ctx context.Context, client backend.Client, kind model.Kind, parent model.Entity, opts Options) *Sheet {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PlaceholderBatch <= 0 {
		opts.PlaceholderBatch = 2
	}
	if opts.BulkThreshold <= 0 {
		opts.BulkThreshold = 2
	}
	s := &Sheet{
		kind:      kind,
		schema:    model.SchemaFor(kind),
		parentRef: parent.Ref(),
		client:    client,
		log:       opts.Logger.With("sheet", fmt.Sprintf("%s/%ss", parent.Ref(), kind)),
		opts:      opts,
		tasks:     task.NewRegistry(ctx),
		subs:      map[chan *State]struct{}{},
	}
	s.idle = sync.NewCond(&s.idleMu)
	s.state.Store(newState(kind, parent.Clone()))
	return s
}

// Kind returns the kind of the sheet's rows.
func (s *Sheet) Kind() model.Kind { return s.kind }

// ParentRef returns the entity owning the sheet.
func (s *Sheet) ParentRef() model.ParentRef { return s.parentRef }

// State returns the current snapshot.
func (s *Sheet) State() *State { return s.state.Load() }

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers skip intermediate snapshots. The channel is closed by Close or by
// calling the returned cancel function.
func (s *Sheet) Subscribe() (<-chan *State, func()) {
	ch := make(chan *State, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- s.state.Load()
	s.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// Dispatch applies an intent. Optimistic changes are visible in State when
// Dispatch returns; network work continues in the background.
func (s *Sheet) Dispatch(in Intent) error {
	var err error
	applied := s.transition(nil, nil, func(st *State) []job {
		switch in := in.(type) {
		case Request:
			return s.request(st, in)
		case Update:
			return s.update(st, in)
		case Remove:
			return s.remove(st, in)
		case AddPlaceholders:
			return s.addPlaceholders(st, in)
		case UpdateInState:
			applyInState(st, in.Entity, s.log)
			return nil
		case Select:
			s.selectRows(st, in.Rows)
			return nil
		case Deselect:
			s.deselectRows(st, in.Rows)
			return nil
		case CreateGroup:
			return s.createGroup(st, in)
		case UpdateGroup:
			return s.updateGroup(st, in)
		case DeleteGroup:
			return s.deleteGroup(st, in)
		case AddToGroup:
			return s.addToGroup(st, in)
		case RemoveFromGroup:
			return s.removeFromGroup(st, in)
		default:
			err = fmt.Errorf("unsupported intent %T", in)
			return nil
		}
	})
	if !applied {
		return ErrClosed
	}
	return err
}

// Wait blocks until no task is running.
func (s *Sheet) Wait() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	for s.inflight > 0 {
		s.idle.Wait()
	}
}

// Activity reports the number of running tasks and how many have been
// started since the sheet was created.
func (s *Sheet) Activity() (running int, started uint64) {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	return s.inflight, s.started
}

// Close cancels every task and closes subscriber channels. Results that
// arrive afterwards are dropped.
func (s *Sheet) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
	s.tasks.Close()
}

// transition publishes one state replacement. cleanup always runs; apply
// only runs while tok is current (a nil tok is always current). Both see the
// same clone. Jobs returned by apply are started after the lock is released.
// It reports whether apply ran.
func (s *Sheet) transition(tok *task.Token, cleanup func(*State), apply func(*State) []job) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	current := tok == nil || tok.Current()
	if !current && cleanup == nil {
		s.mu.Unlock()
		return false
	}

	prev := s.state.Load()
	next := prev.clone()
	if cleanup != nil {
		cleanup(next)
	}
	var jobs []job
	if current {
		jobs = apply(next)
	}
	derive(next, s.log)
	s.state.Store(next)
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.spawn(j)
	}
	if parentChanged(prev, next) {
		s.deliverParent()
	}
	return current
}

// commit is transition without cleanup.
func (s *Sheet) commit(tok *task.Token, apply func(*State) []job) bool {
	return s.transition(tok, nil, apply)
}

func (s *Sheet) spawn(j job) {
	s.idleMu.Lock()
	s.inflight++
	s.started++
	s.idleMu.Unlock()
	go func() {
		defer func() {
			s.idleMu.Lock()
			s.inflight--
			if s.inflight == 0 {
				s.idle.Broadcast()
			}
			s.idleMu.Unlock()
		}()
		j()
	}()
}

func (s *Sheet) deliverParent() {
	if s.opts.OnParentChange == nil {
		return
	}
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.opts.OnParentChange(s.state.Load().Parent.Clone())
}

func (s *Sheet) settled(ev Settled) {
	if s.opts.OnSettled == nil {
		return
	}
	ev.Kind = s.kind
	s.opts.OnSettled(ev)
}
