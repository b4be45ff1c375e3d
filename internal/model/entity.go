package model

import "github.com/shopspring/decimal"

// Kind classifies entities in the budget hierarchy.
type Kind string

const (
	KindBudget     Kind = "budget"
	KindAccount    Kind = "account"
	KindSubAccount Kind = "subaccount"
	KindActual     Kind = "actual"
	KindFringe     Kind = "fringe"
)

// Entity is a record persisted by the backend.
type Entity struct {
	ID       ID
	Kind     Kind
	Parent   ParentRef // zero for budgets
	Group    ID        // 0 = ungrouped
	Values   Values
	Children []ID // child rows for hierarchical kinds; a non-empty list disables the leaf estimate

	Estimated decimal.NullDecimal
	Actual    decimal.NullDecimal
	Variance  decimal.NullDecimal
}

// Placeholder is a locally synthesized row with no backend counterpart yet.
type Placeholder struct {
	ID        PlaceholderID
	Kind      Kind
	Group     ID
	Values    Values
	Estimated decimal.NullDecimal
}

// Row is a line of a sheet: either an Entity or a Placeholder.
type Row interface {
	RowID() RowID
	RowKind() Kind
	RowValues() Values
	isRow()
}

func (e Entity) RowID() RowID      { return e.ID }
func (e Entity) RowKind() Kind     { return e.Kind }
func (e Entity) RowValues() Values { return e.Values }
func (Entity) isRow()              {}

func (p Placeholder) RowID() RowID      { return p.ID }
func (p Placeholder) RowKind() Kind     { return p.Kind }
func (p Placeholder) RowValues() Values { return p.Values }
func (Placeholder) isRow()              {}

// Clone returns a copy that shares no mutable state with e.
func (e Entity) Clone() Entity {
	out := e
	out.Values = e.Values.Clone()
	if e.Children != nil {
		out.Children = append([]ID(nil), e.Children...)
	}
	return out
}

// Ref returns the ParentRef that addresses e as the owner of a sheet.
func (e Entity) Ref() ParentRef {
	return ParentRef{Kind: e.Kind, ID: e.ID}
}

// Group is a named, colored collection of rows within one sheet.
type Group struct {
	ID       ID
	Name     string
	Color    string
	Parent   ParentRef
	Children []RowID

	Estimated decimal.NullDecimal
	Actual    decimal.NullDecimal
	Variance  decimal.NullDecimal
}

// Clone returns a copy with its own children slice.
func (g Group) Clone() Group {
	out := g
	out.Children = append([]RowID(nil), g.Children...)
	return out
}

// Contains reports whether id is a child of g.
func (g Group) Contains(id RowID) bool {
	for _, c := range g.Children {
		if c == id {
			return true
		}
	}
	return false
}

// PersistedChildren returns the children that are backend ids.
func (g Group) PersistedChildren() []ID {
	var out []ID
	for _, c := range g.Children {
		if id, ok := c.(ID); ok {
			out = append(out, id)
		}
	}
	return out
}
