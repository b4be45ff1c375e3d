package sheet

import "github.com/cleared-dev/budgetgrid/internal/model"

// Intent is a request from the grid layer. The set of intents is closed:
// only the types in this file implement it.
type Intent interface {
	isIntent()
}

// Request (re)loads the sheet's rows, groups and parent.
type Request struct {
	Search string
}

// Change sets one cell.
type Change struct {
	Row   model.RowID
	Field model.Field
	Value model.Value
}

// Update applies cell changes. Changes touching several rows are sent with
// the bulk endpoints once they reach the sheet's bulk threshold.
type Update struct {
	Changes []Change
}

// Remove deletes a row. Persisted rows are deleted on the backend first;
// placeholders are discarded locally.
type Remove struct {
	Row model.RowID
}

// AddPlaceholders appends empty rows. A Count of zero uses the sheet's
// default batch size.
type AddPlaceholders struct {
	Count int
	Group model.ID
}

// UpdateInState merges aggregates computed by a child sheet into a row.
type UpdateInState struct {
	Entity model.Entity
}

// Select adds rows to the selection.
type Select struct {
	Rows []model.RowID
}

// Deselect removes rows from the selection. No rows clears it.
type Deselect struct {
	Rows []model.RowID
}

// CreateGroup creates a group holding Children.
type CreateGroup struct {
	Name     string
	Color    string
	Children []model.RowID
}

// UpdateGroup renames or recolors a group. Empty strings are left unchanged.
type UpdateGroup struct {
	ID    model.ID
	Name  string
	Color string
}

// DeleteGroup deletes a group. Its rows are kept and become ungrouped.
type DeleteGroup struct {
	ID model.ID
}

// AddToGroup moves a row into a group.
type AddToGroup struct {
	Group model.ID
	Row   model.RowID
}

// RemoveFromGroup takes a row out of its group.
type RemoveFromGroup struct {
	Row model.RowID
}

func (Request) isIntent()         {}
func (Update) isIntent()          {}
func (Remove) isIntent()          {}
func (AddPlaceholders) isIntent() {}
func (UpdateInState) isIntent()   {}
func (Select) isIntent()          {}
func (Deselect) isIntent()        {}
func (CreateGroup) isIntent()     {}
func (UpdateGroup) isIntent()     {}
func (DeleteGroup) isIntent()     {}
func (AddToGroup) isIntent()      {}
func (RemoveFromGroup) isIntent() {}

// Set is a convenience for a single-cell Update.
func Set(row model.RowID, field model.Field, value model.Value) Update {
	return Update{Changes: []Change{{Row: row, Field: field, Value: value}}}
}
