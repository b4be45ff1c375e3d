package sheet

import (
	"log/slog"

	"github.com/cleared-dev/budgetgrid/internal/model"
)

// createPlaceholders appends count empty placeholder rows, optionally inside
// group gid, and returns their ids.
func createPlaceholders(st *State, count int, gid model.ID, log *slog.Logger) []model.PlaceholderID {
	ids := make([]model.PlaceholderID, 0, count)
	for range count {
		p := model.Placeholder{ID: model.NewPlaceholderID(), Kind: st.Kind, Values: model.Values{}}
		st.Rows = append(st.Rows, p)
		if gid != 0 {
			placeInGroup(st, p.ID, gid, log)
		}
		ids = append(ids, p.ID)
	}
	return ids
}

// updatePlaceholder merges patch into the placeholder and rederives its
// estimate. It reports false when the placeholder does not exist.
func updatePlaceholder(st *State, id model.PlaceholderID, patch model.Values) (model.Placeholder, bool) {
	p, i, ok := st.placeholder(id)
	if !ok {
		return model.Placeholder{}, false
	}
	p.Values = p.Values.Merge(patch)
	p = model.RederivePlaceholder(p)
	st.Rows[i] = p
	st.clearErrors(id, patch.Fields()...)
	return p, true
}

// promote swaps the placeholder for the persisted entity in one step: the
// row keeps its grid position, every group that listed the placeholder now
// lists the entity, and selection follows. It reports false when the
// placeholder is gone, in which case the state is unchanged.
func promote(st *State, id model.PlaceholderID, e model.Entity, log *slog.Logger) bool {
	_, i, ok := st.placeholder(id)
	if !ok {
		return false
	}
	if st.indexOf(e.ID) >= 0 {
		log.Warn("promoted entity is already in the sheet", "kind", st.Kind, "placeholder", id, "row", e.ID)
		applyRemove(st, id, log)
		applyUpdate(st, e, log)
		return true
	}
	st.Rows[i] = e
	replaceInGroups(st, id, e.ID)
	placeInGroup(st, e.ID, e.Group, log)
	for si, s := range st.Selected {
		if s == id {
			st.Selected[si] = e.ID
		}
	}
	st.clearErrors(id)
	delete(st.creating, id)
	return true
}

// discard removes a placeholder without any backend call.
func discard(st *State, id model.PlaceholderID, log *slog.Logger) {
	applyRemove(st, id, log)
}
