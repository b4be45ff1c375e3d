package session

import (
	"slices"

	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/sheet"
)

// propagate merges a detail sheet's parent into the sheet that lists it.
// Accounts are listed by the accounts sheet; a subaccount by the detail sheet
// of its own parent, when that sheet is open.
func (s *Session) propagate(parent model.Entity) {
	lister := s.lister(parent)
	if lister == nil {
		s.log.Debug("no open sheet lists the changed parent", "parent", parent.Ref())
		return
	}
	if err := lister.Dispatch(sheet.UpdateInState{Entity: parent}); err != nil {
		s.log.Debug("dropping parent change", "parent", parent.Ref(), "error", err)
	}
}

func (s *Session) lister(e model.Entity) *sheet.Sheet {
	switch e.Kind {
	case model.KindAccount:
		return s.accounts
	case model.KindSubAccount:
		if e.Parent.ID == 0 {
			return nil
		}
		sh, _ := s.Sheet(e.Parent)
		return sh
	}
	return nil
}

// mergeBudget edits the budget's aggregates and reports the result.
func (s *Session) mergeBudget(edit func(b *model.Entity)) {
	s.mu.Lock()
	b := s.budget.Clone()
	edit(&b)
	b.Variance = model.Variance(b.Estimated, b.Actual)
	s.budget = b
	s.mu.Unlock()
	s.budgetChanged(b)
}

func (s *Session) budgetChanged(b model.Entity) {
	if s.opts.OnBudgetChange != nil {
		s.opts.OnBudgetChange(b.Clone())
	}
}

// actualsSettled refreshes everything that shows actuals once an actual has
// been created, changed or deleted on the backend.
func (s *Session) actualsSettled(ev sheet.Settled) {
	s.log.Debug("actuals settled, refreshing", "op", ev.Op, "rows", ev.Rows)
	s.refreshBudget()
	s.refresh(s.accounts)
	for _, sh := range s.detailSheets() {
		s.refresh(sh)
	}
}

// fringesSettled refreshes subaccount estimates after a fringe change that
// can affect them.
func (s *Session) fringesSettled(ev sheet.Settled) {
	if ev.Op == sheet.OpUpdate && !slices.ContainsFunc(ev.Fields, func(f model.Field) bool {
		return slices.Contains(fringeFields, f)
	}) {
		return
	}
	s.log.Debug("fringes settled, refreshing", "op", ev.Op, "rows", ev.Rows)
	s.refreshBudget()
	s.refresh(s.accounts)
	for _, sh := range s.detailSheets() {
		s.refresh(sh)
	}
}

// refresh re-requests a sheet with its current search.
func (s *Session) refresh(sh *sheet.Sheet) {
	if err := sh.Dispatch(sheet.Request{Search: sh.State().Search}); err != nil {
		s.log.Debug("skipping refresh", "sheet", sh.ParentRef(), "error", err)
	}
}

// refreshBudget replaces the budget with the backend's copy. It runs inside
// the settling sheet's task.
func (s *Session) refreshBudget() {
	ref := model.ParentRef{Kind: model.KindBudget, ID: s.Budget().ID}
	b, err := s.client.Retrieve(s.ctx, ref)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Warn("refreshing budget failed", "error", err)
		}
		return
	}
	s.mu.Lock()
	s.budget = b
	s.mu.Unlock()
	s.budgetChanged(b)
}

func (s *Session) detailSheets() []*sheet.Sheet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sheet.Sheet, 0, len(s.details))
	for _, sh := range s.details {
		out = append(out, sh)
	}
	return out
}
