package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// RowID identifies a row in a sheet. It is implemented only by ID (a
// persisted entity) and PlaceholderID (a row that does not exist on the
// backend yet), so callers switch on the concrete type instead of guessing
// from the numeric range.
type RowID interface {
	fmt.Stringer
	isRowID()
}

// ID is a backend-assigned identifier. It never changes once assigned.
type ID int

func (ID) isRowID() {}

func (id ID) String() string { return strconv.Itoa(int(id)) }

// PlaceholderID is a client-generated identifier for a row that has not been
// persisted. It is drawn from the UUID space and can never equal an ID.
type PlaceholderID uuid.UUID

func (PlaceholderID) isRowID() {}

// NewPlaceholderID returns a fresh random placeholder identifier.
func NewPlaceholderID() PlaceholderID {
	return PlaceholderID(uuid.New())
}

func (p PlaceholderID) String() string {
	return "placeholder-" + uuid.UUID(p).String()
}

// ParseRowID parses the String form of either identifier type.
// "12" -> ID(12), "placeholder-<uuid>" -> PlaceholderID.
func ParseRowID(s string) (RowID, error) {
	if rest, ok := strings.CutPrefix(s, "placeholder-"); ok {
		u, err := uuid.Parse(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid placeholder id %q: %w", s, err)
		}
		return PlaceholderID(u), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid row id %q: %w", s, err)
	}
	if n <= 0 {
		return nil, fmt.Errorf("invalid row id %q: must be positive", s)
	}
	return ID(n), nil
}

// ParentRef names the entity that owns a sheet of rows.
type ParentRef struct {
	Kind Kind
	ID   ID
}

func (p ParentRef) String() string {
	return fmt.Sprintf("%s/%d", p.Kind, p.ID)
}
