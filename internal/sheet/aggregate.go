package sheet

import (
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/budgetgrid/internal/model"
)

// derive recomputes every aggregate of the sheet from its current rows. It
// runs after every state transition and never reuses a previous aggregate.
func derive(st *State, log *slog.Logger) {
	for i := range st.Groups {
		st.Groups[i] = recomputeGroup(st, st.Groups[i], log)
	}
	if st.Loaded {
		recomputeParent(st)
	}
}

// recomputeGroup sums the contributions of the group's children. Children
// missing from the sheet are logged and excluded.
func recomputeGroup(st *State, g model.Group, log *slog.Logger) model.Group {
	var est, act []decimal.NullDecimal
	for _, id := range g.Children {
		i := st.indexOf(id)
		if i < 0 {
			log.Warn("group child is not in the sheet", "kind", st.Kind, "group", g.ID, "row", id)
			continue
		}
		t := model.Contribution(st.Rows[i])
		est = append(est, t.Estimated)
		act = append(act, t.Actual)
	}
	g.Estimated = model.Sum(est...)
	g.Actual = model.Sum(act...)
	g.Variance = model.Variance(g.Estimated, g.Actual)
	return g
}

// baseline is what a filtered list response said about the rows it left
// out: the parent as the backend delivered it, and the matching rows'
// contribution and ids at that moment.
type baseline struct {
	parent  model.Entity
	visible model.Totals
	ids     []model.ID
}

func newBaseline(parent model.Entity, rows []model.Row) *baseline {
	persisted := slices.DeleteFunc(slices.Clone(rows), func(r model.Row) bool {
		_, ok := r.(model.Entity)
		return !ok
	})
	t, ids := rollup(persisted)
	return &baseline{parent: parent.Clone(), visible: t, ids: ids}
}

func rollup(rows []model.Row) (model.Totals, []model.ID) {
	var est, act []decimal.NullDecimal
	var ids []model.ID
	for _, r := range rows {
		t := model.Contribution(r)
		est = append(est, t.Estimated)
		act = append(act, t.Actual)
		if e, ok := r.(model.Entity); ok {
			ids = append(ids, e.ID)
		}
	}
	return model.Totals{Estimated: model.Sum(est...), Actual: model.Sum(act...)}, ids
}

// recomputeParent rolls the rows up into the sheet's parent. Only the
// aggregate the kind rolls up is touched; the other keeps the value the
// backend delivered, since actuals charged directly to the parent are not
// visible to the sheet. A filtered sheet sees only some rows, so the rows
// it cannot see keep the contribution the backend reported for them.
func recomputeParent(st *State) {
	schema := model.SchemaFor(st.Kind)
	if schema.Rollup == model.RollupNone {
		return
	}
	t, children := rollup(st.Rows)
	if b := st.filtered; b != nil {
		t = model.Totals{
			Estimated: model.Sum(hidden(b.parent.Estimated, b.visible.Estimated), t.Estimated),
			Actual:    model.Sum(hidden(b.parent.Actual, b.visible.Actual), t.Actual),
		}
		children = b.children(children)
	}

	p := st.Parent
	switch schema.Rollup {
	case model.RollupEstimated:
		p.Estimated = t.Estimated
		if p.Kind == model.KindAccount || p.Kind == model.KindSubAccount || p.Kind == model.KindBudget {
			p.Children = children
		}
	case model.RollupActual:
		p.Actual = t.Actual
	}
	p.Variance = model.Variance(p.Estimated, p.Actual)
	st.Parent = p
}

// hidden is the backend total less what the loaded matching rows made of it.
func hidden(total, visible decimal.NullDecimal) decimal.NullDecimal {
	if !total.Valid || !visible.Valid {
		return total
	}
	return model.Defined(total.Decimal.Sub(visible.Decimal))
}

// children is the backend's child list with rows deleted from the filtered
// view dropped and rows created in it appended.
func (b *baseline) children(visible []model.ID) []model.ID {
	out := slices.DeleteFunc(slices.Clone(b.parent.Children), func(id model.ID) bool {
		return slices.Contains(b.ids, id) && !slices.Contains(visible, id)
	})
	for _, id := range visible {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// parentChanged reports whether the aggregates or children of the parent
// differ between two snapshots.
func parentChanged(prev, next *State) bool {
	a, b := prev.Parent, next.Parent
	return !sameDecimal(a.Estimated, b.Estimated) ||
		!sameDecimal(a.Actual, b.Actual) ||
		!sameDecimal(a.Variance, b.Variance) ||
		!slices.Equal(a.Children, b.Children)
}

func sameDecimal(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
