package sheet

import (
	"maps"
	"slices"

	"github.com/cleared-dev/budgetgrid/internal/model"
)

// State is one immutable snapshot of a sheet. Snapshots handed out by a
// Sheet are shared between readers and must not be modified.
type State struct {
	Kind   model.Kind
	Parent model.Entity

	// Loaded is set once the first list response has been applied. Parent
	// aggregates are only derived locally from then on.
	Loaded  bool
	Loading bool
	Search  string

	Rows     []model.Row
	Groups   []model.Group
	Selected []model.RowID

	Errors  []model.FieldError
	Notices []string

	// filtered is set while Search is active. Snapshots share it read-only.
	filtered *baseline

	// pending markers map an id to the sequence number of the task that owns
	// the marker, so a superseded task cannot clear its successor's marker.
	creating       map[model.PlaceholderID]uint64
	updating       map[model.ID]uint64
	deleting       map[model.ID]uint64
	deletingGroups map[model.ID]uint64
}

func newState(kind model.Kind, parent model.Entity) *State {
	return &State{
		Kind:           kind,
		Parent:         parent,
		creating:       map[model.PlaceholderID]uint64{},
		updating:       map[model.ID]uint64{},
		deleting:       map[model.ID]uint64{},
		deletingGroups: map[model.ID]uint64{},
	}
}

// clone copies every container so the copy can be edited freely. Row and
// group values are copied on write by the transition functions.
func (st *State) clone() *State {
	out := *st
	out.Parent = st.Parent.Clone()
	out.Rows = slices.Clone(st.Rows)
	out.Groups = slices.Clone(st.Groups)
	out.Selected = slices.Clone(st.Selected)
	out.Errors = slices.Clone(st.Errors)
	out.Notices = slices.Clone(st.Notices)
	out.creating = maps.Clone(st.creating)
	out.updating = maps.Clone(st.updating)
	out.deleting = maps.Clone(st.deleting)
	out.deletingGroups = maps.Clone(st.deletingGroups)
	return &out
}

// Entity returns the persisted row with id.
func (st *State) Entity(id model.ID) (model.Entity, bool) {
	e, _, ok := st.entity(id)
	return e, ok
}

// Placeholder returns the placeholder row with id.
func (st *State) Placeholder(id model.PlaceholderID) (model.Placeholder, bool) {
	p, _, ok := st.placeholder(id)
	return p, ok
}

// Row returns the row with id, whichever kind it is.
func (st *State) Row(id model.RowID) (model.Row, bool) {
	if i := st.indexOf(id); i >= 0 {
		return st.Rows[i], true
	}
	return nil, false
}

// Entities returns the persisted rows in grid order.
func (st *State) Entities() []model.Entity {
	var out []model.Entity
	for _, r := range st.Rows {
		if e, ok := r.(model.Entity); ok {
			out = append(out, e)
		}
	}
	return out
}

// Placeholders returns the placeholder rows in grid order.
func (st *State) Placeholders() []model.Placeholder {
	var out []model.Placeholder
	for _, r := range st.Rows {
		if p, ok := r.(model.Placeholder); ok {
			out = append(out, p)
		}
	}
	return out
}

// Group returns the group with id.
func (st *State) Group(id model.ID) (model.Group, bool) {
	if i := st.groupIndex(id); i >= 0 {
		return st.Groups[i], true
	}
	return model.Group{}, false
}

// ErrorsFor returns the field errors recorded against row.
func (st *State) ErrorsFor(row model.RowID) []model.FieldError {
	var out []model.FieldError
	for _, fe := range st.Errors {
		if fe.Row == row {
			out = append(out, fe)
		}
	}
	return out
}

// Creating reports whether a create request is in flight for the placeholder.
func (st *State) Creating(id model.PlaceholderID) bool {
	_, ok := st.creating[id]
	return ok
}

// Updating reports whether an update request is in flight for the row.
func (st *State) Updating(id model.ID) bool {
	_, ok := st.updating[id]
	return ok
}

// Deleting reports whether a delete request is in flight for the row.
func (st *State) Deleting(id model.ID) bool {
	_, ok := st.deleting[id]
	return ok
}

// DeletingGroup reports whether a delete request is in flight for the group.
func (st *State) DeletingGroup(id model.ID) bool {
	_, ok := st.deletingGroups[id]
	return ok
}

// Pending returns the number of rows and groups with a request in flight.
func (st *State) Pending() int {
	return len(st.creating) + len(st.updating) + len(st.deleting) + len(st.deletingGroups)
}

func (st *State) indexOf(id model.RowID) int {
	if id == nil {
		return -1
	}
	for i, r := range st.Rows {
		if r.RowID() == id {
			return i
		}
	}
	return -1
}

func (st *State) entity(id model.ID) (model.Entity, int, bool) {
	i := st.indexOf(id)
	if i < 0 {
		return model.Entity{}, -1, false
	}
	e, ok := st.Rows[i].(model.Entity)
	return e, i, ok
}

func (st *State) placeholder(id model.PlaceholderID) (model.Placeholder, int, bool) {
	i := st.indexOf(id)
	if i < 0 {
		return model.Placeholder{}, -1, false
	}
	p, ok := st.Rows[i].(model.Placeholder)
	return p, i, ok
}

func (st *State) groupIndex(id model.ID) int {
	for i, g := range st.Groups {
		if g.ID == id {
			return i
		}
	}
	return -1
}

func (st *State) clearErrors(row model.RowID, fields ...model.Field) {
	st.Errors = slices.DeleteFunc(st.Errors, func(fe model.FieldError) bool {
		if fe.Row != row {
			return false
		}
		return len(fields) == 0 || slices.Contains(fields, fe.Field)
	})
}

func (st *State) notice(msg string) {
	st.Notices = append(st.Notices, msg)
}

// release clears a pending marker if seq still owns it.
func release[K comparable](m map[K]uint64, id K, seq uint64) {
	if owner, ok := m[id]; ok && owner == seq {
		delete(m, id)
	}
}
