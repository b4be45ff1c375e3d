// Package session owns every sheet of one open budget and keeps their
// aggregates consistent with each other.
//
// A budget always has three root sheets: its accounts, its actuals and its
// fringes. Detail sheets list the subaccounts of an account or of another
// subaccount and are opened and closed on demand. When a sheet's parent
// aggregate changes, the new parent is merged into the sheet that lists it,
// which in turn changes that sheet's parent, up to the budget.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/sheet"
)

// Options configures a Session.
type Options struct {
	Logger           *slog.Logger
	PlaceholderBatch int
	BulkThreshold    int
	// OnBudgetChange receives the budget whenever its aggregates change.
	OnBudgetChange func(budget model.Entity)
}

// Session is the ownership tree of one budget's sheets.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	client backend.Client
	log    *slog.Logger
	opts   Options

	accounts *sheet.Sheet
	actuals  *sheet.Sheet
	fringes  *sheet.Sheet

	mu      sync.Mutex
	budget  model.Entity
	details map[model.ParentRef]*sheet.Sheet
	closed  bool
}

// fringeFields are the fringe fields that change subaccount estimates.
var fringeFields = []model.Field{model.FieldRate, model.FieldCutoff, model.FieldUnit}

// New retrieves the budget and loads its root sheets.
func New(ctx context.Context, client backend.Client, budgetID model.ID, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	budget, err := client.Retrieve(ctx, model.ParentRef{Kind: model.KindBudget, ID: budgetID})
	if err != nil {
		return nil, fmt.Errorf("retrieving budget %d: %w", budgetID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:     ctx,
		cancel:  cancel,
		client:  client,
		log:     opts.Logger.With("budget", budgetID),
		opts:    opts,
		budget:  budget,
		details: map[model.ParentRef]*sheet.Sheet{},
	}

	s.accounts = s.newSheet(model.KindAccount, budget, func(p model.Entity) {
		s.mergeBudget(func(b *model.Entity) {
			b.Estimated = p.Estimated
			b.Children = slices.Clone(p.Children)
		})
	}, nil)
	s.actuals = s.newSheet(model.KindActual, budget, func(p model.Entity) {
		s.mergeBudget(func(b *model.Entity) { b.Actual = p.Actual })
	}, s.actualsSettled)
	s.fringes = s.newSheet(model.KindFringe, budget, nil, s.fringesSettled)

	for _, sh := range s.roots() {
		if err := sh.Dispatch(sheet.Request{}); err != nil {
			s.Shutdown()
			return nil, fmt.Errorf("loading %ss: %w", sh.Kind(), err)
		}
	}
	return s, nil
}

func (s *Session) newSheet(kind model.Kind, parent model.Entity, onParent func(model.Entity), onSettled func(sheet.Settled)) *sheet.Sheet {
	return sheet.New(s.ctx, s.client, kind, parent, sheet.Options{
		Logger:           s.log,
		PlaceholderBatch: s.opts.PlaceholderBatch,
		BulkThreshold:    s.opts.BulkThreshold,
		OnParentChange:   onParent,
		OnSettled:        onSettled,
	})
}

// Budget returns the budget with its current aggregates.
func (s *Session) Budget() model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget.Clone()
}

// Accounts returns the sheet of the budget's accounts.
func (s *Session) Accounts() *sheet.Sheet { return s.accounts }

// Actuals returns the sheet of the budget's actuals.
func (s *Session) Actuals() *sheet.Sheet { return s.actuals }

// Fringes returns the sheet of the budget's fringes.
func (s *Session) Fringes() *sheet.Sheet { return s.fringes }

// Open returns the subaccount sheet of an account or subaccount, creating
// and loading it on first use.
func (s *Session) Open(ref model.ParentRef) (*sheet.Sheet, error) {
	if ref.Kind != model.KindAccount && ref.Kind != model.KindSubAccount {
		return nil, fmt.Errorf("opening %s: only accounts and subaccounts have detail sheets", ref)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, sheet.ErrClosed
	}
	if sh, ok := s.details[ref]; ok {
		s.mu.Unlock()
		return sh, nil
	}
	sh := s.newSheet(model.KindSubAccount, model.Entity{ID: ref.ID, Kind: ref.Kind}, s.propagate, nil)
	s.details[ref] = sh
	s.mu.Unlock()

	s.log.Debug("opened detail sheet", "parent", ref)
	if err := sh.Dispatch(sheet.Request{}); err != nil {
		return nil, fmt.Errorf("loading %s: %w", ref, err)
	}
	return sh, nil
}

// Sheet returns the open detail sheet of ref.
func (s *Session) Sheet(ref model.ParentRef) (*sheet.Sheet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.details[ref]
	return sh, ok
}

// Close tears down the detail sheet of ref together with its tasks.
func (s *Session) Close(ref model.ParentRef) {
	s.mu.Lock()
	sh, ok := s.details[ref]
	delete(s.details, ref)
	s.mu.Unlock()
	if ok {
		sh.Close()
		s.log.Debug("closed detail sheet", "parent", ref)
	}
}

// Wait blocks until no sheet has work in flight, including work one sheet
// starts in another.
func (s *Session) Wait() {
	for {
		before := s.activity()
		for _, sh := range s.all() {
			sh.Wait()
		}
		after := s.activity()
		if maps.Equal(before, after) && idle(after) {
			return
		}
	}
}

// Shutdown closes every sheet. Results that arrive afterwards are dropped.
func (s *Session) Shutdown() {
	s.mu.Lock()
	s.closed = true
	details := s.details
	s.details = map[model.ParentRef]*sheet.Sheet{}
	s.mu.Unlock()

	for _, sh := range details {
		sh.Close()
	}
	for _, sh := range s.roots() {
		sh.Close()
	}
	s.cancel()
}

func (s *Session) roots() []*sheet.Sheet {
	return []*sheet.Sheet{s.accounts, s.actuals, s.fringes}
}

func (s *Session) all() []*sheet.Sheet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.roots()
	for _, sh := range s.details {
		out = append(out, sh)
	}
	return out
}

type counters struct {
	running int
	started uint64
}

func (s *Session) activity() map[*sheet.Sheet]counters {
	out := map[*sheet.Sheet]counters{}
	for _, sh := range s.all() {
		running, started := sh.Activity()
		out[sh] = counters{running, started}
	}
	return out
}

func idle(cs map[*sheet.Sheet]counters) bool {
	for _, c := range cs {
		if c.running > 0 {
			return false
		}
	}
	return true
}
