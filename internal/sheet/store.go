package sheet

import (
	"log/slog"
	"slices"

	"github.com/cleared-dev/budgetgrid/internal/model"
)

// applyListResponse replaces every persisted row and the group list.
// Placeholders survive a refresh, and so do their group memberships when the
// group still exists.
func applyListResponse(st *State, entities []model.Entity, groups []model.Group, log *slog.Logger) {
	rows := make([]model.Row, 0, len(entities)+len(st.Rows))
	for _, e := range entities {
		rows = append(rows, e)
	}
	for _, r := range st.Rows {
		if p, ok := r.(model.Placeholder); ok {
			rows = append(rows, p)
		}
	}
	st.Rows = rows
	if groups != nil {
		st.Groups = groups
	}
	syncMembership(st, log)

	st.Selected = slices.DeleteFunc(st.Selected, func(id model.RowID) bool { return st.indexOf(id) < 0 })
	st.Errors = slices.DeleteFunc(st.Errors, func(fe model.FieldError) bool { return st.indexOf(fe.Row) < 0 })
	st.Loading = false
	st.Loaded = true
}

// syncMembership makes group children and row group references agree.
// Listed children win over a row's own reference; children that are not in
// the sheet are dropped.
func syncMembership(st *State, log *slog.Logger) {
	claimed := map[model.RowID]model.ID{}
	for i, g := range st.Groups {
		g = g.Clone()
		g.Children = slices.DeleteFunc(g.Children, func(id model.RowID) bool {
			if st.indexOf(id) < 0 {
				log.Warn("group lists a row that is not in the sheet", "kind", st.Kind, "group", g.ID, "row", id)
				return true
			}
			if _, dup := claimed[id]; dup {
				log.Warn("row listed by more than one group", "kind", st.Kind, "group", g.ID, "row", id)
				return true
			}
			claimed[id] = g.ID
			return false
		})
		st.Groups[i] = g
	}
	for i, r := range st.Rows {
		id := r.RowID()
		if gid, ok := claimed[id]; ok {
			st.Rows[i] = withGroup(r, gid)
			continue
		}
		gid := groupOf(r)
		if gid == 0 {
			continue
		}
		if gi := st.groupIndex(gid); gi >= 0 {
			st.Groups[gi].Children = append(st.Groups[gi].Children, id)
			continue
		}
		log.Warn("row references a missing group", "kind", st.Kind, "row", id, "group", gid)
		st.Rows[i] = withGroup(r, 0)
	}
}

// applyCreate appends a persisted row. A row that is already present is
// replaced instead, so the operation is idempotent.
func applyCreate(st *State, e model.Entity, log *slog.Logger) {
	if st.indexOf(e.ID) >= 0 {
		applyUpdate(st, e, log)
		return
	}
	st.Rows = append(st.Rows, e)
	placeInGroup(st, e.ID, e.Group, log)
}

// applyUpdate replaces a persisted row by id.
func applyUpdate(st *State, e model.Entity, log *slog.Logger) {
	_, i, ok := st.entity(e.ID)
	if !ok {
		log.Warn("update for a row that is not in the sheet", "kind", st.Kind, "row", e.ID)
		return
	}
	st.Rows[i] = e
	placeInGroup(st, e.ID, e.Group, log)
}

// applyRemove deletes a row by id and excises it from every group, in the
// same state replacement. Removing an absent row is a logged no-op.
func applyRemove(st *State, id model.RowID, log *slog.Logger) {
	i := st.indexOf(id)
	if i < 0 {
		log.Warn("remove for a row that is not in the sheet", "kind", st.Kind, "row", id)
		return
	}
	st.Rows = slices.Delete(st.Rows, i, i+1)
	removeFromGroups(st, id)
	st.Selected = slices.DeleteFunc(st.Selected, func(s model.RowID) bool { return s == id })
	st.clearErrors(id)
	if pid, ok := id.(model.PlaceholderID); ok {
		delete(st.creating, pid)
	}
}

// applyInState merges aggregates computed elsewhere into a persisted row
// without a network call. Editable values are left alone.
func applyInState(st *State, e model.Entity, log *slog.Logger) {
	cur, i, ok := st.entity(e.ID)
	if !ok {
		log.Warn("in-state update for a row that is not in the sheet", "kind", st.Kind, "row", e.ID)
		return
	}
	cur = cur.Clone()
	cur.Estimated = e.Estimated
	cur.Actual = e.Actual
	cur.Children = slices.Clone(e.Children)
	cur.Variance = model.Variance(cur.Estimated, cur.Actual)
	st.Rows[i] = cur
}

// placeInGroup moves a row into group gid, or out of every group when gid
// is 0. The row's own reference is updated to match.
func placeInGroup(st *State, id model.RowID, gid model.ID, log *slog.Logger) {
	i := st.indexOf(id)
	if i < 0 {
		return
	}
	if gid != 0 && st.groupIndex(gid) < 0 {
		log.Warn("row references a missing group", "kind", st.Kind, "row", id, "group", gid)
		gid = 0
	}
	for gi, g := range st.Groups {
		member := g.Contains(id)
		switch {
		case g.ID == gid && !member:
			g = g.Clone()
			g.Children = append(g.Children, id)
			st.Groups[gi] = g
		case g.ID != gid && member:
			g = g.Clone()
			g.Children = slices.DeleteFunc(g.Children, func(c model.RowID) bool { return c == id })
			st.Groups[gi] = g
		}
	}
	st.Rows[i] = withGroup(st.Rows[i], gid)
}

func removeFromGroups(st *State, id model.RowID) {
	for gi, g := range st.Groups {
		if !g.Contains(id) {
			continue
		}
		g = g.Clone()
		g.Children = slices.DeleteFunc(g.Children, func(c model.RowID) bool { return c == id })
		st.Groups[gi] = g
	}
}

// replaceInGroups rewrites every reference to from into to.
func replaceInGroups(st *State, from, to model.RowID) {
	for gi, g := range st.Groups {
		if !g.Contains(from) {
			continue
		}
		g = g.Clone()
		for ci, c := range g.Children {
			if c == from {
				g.Children[ci] = to
			}
		}
		st.Groups[gi] = g
	}
}

func groupOf(r model.Row) model.ID {
	switch r := r.(type) {
	case model.Entity:
		return r.Group
	case model.Placeholder:
		return r.Group
	}
	return 0
}

func withGroup(r model.Row, gid model.ID) model.Row {
	switch r := r.(type) {
	case model.Entity:
		r.Group = gid
		return r
	case model.Placeholder:
		r.Group = gid
		return r
	}
	return r
}
