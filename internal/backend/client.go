// Package backend defines the contract the grid engine expects from the
// budgeting API, plus a REST implementation of it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cleared-dev/budgetgrid/internal/model"
)

// Client is the backend API as consumed by the engine.
type Client interface {
	Retrieve(ctx context.Context, ref model.ParentRef) (model.Entity, error)
	List(ctx context.Context, kind model.Kind, parent model.ParentRef, opts ListOptions) (ListResponse, error)
	Create(ctx context.Context, kind model.Kind, parent model.ParentRef, payload Payload) (model.Entity, error)
	Update(ctx context.Context, kind model.Kind, id model.ID, payload Payload) (model.Entity, error)
	Delete(ctx context.Context, kind model.Kind, id model.ID) error
	BulkCreate(ctx context.Context, kind model.Kind, parent model.ParentRef, payloads []Payload) ([]model.Entity, error)
	BulkUpdate(ctx context.Context, kind model.Kind, parent model.ParentRef, items []BulkItem) error

	ListGroups(ctx context.Context, parent model.ParentRef) ([]model.Group, error)
	CreateGroup(ctx context.Context, parent model.ParentRef, payload GroupPayload) (model.Group, error)
	UpdateGroup(ctx context.Context, id model.ID, payload GroupPayload) (model.Group, error)
	DeleteGroup(ctx context.Context, id model.ID) error
}

// ListOptions controls list requests. Pagination is always suppressed.
type ListOptions struct {
	Search string
}

// ListResponse is the body of a list endpoint.
type ListResponse struct {
	Count int
	Data  []model.Entity
}

// Payload carries the fields of a create or update request.
type Payload struct {
	Values model.Values
	// Group is nil to leave membership untouched; a pointer to 0 removes the
	// row from its group.
	Group *model.ID
}

// GroupRef returns a Group pointer for use in a Payload.
func GroupRef(id model.ID) *model.ID { return &id }

// BulkItem is one row of a bulk update.
type BulkItem struct {
	ID      model.ID
	Payload Payload
}

// GroupPayload carries the fields of a group create or update. Empty strings
// and a nil Children slice leave the existing value untouched on update.
type GroupPayload struct {
	Name     string
	Color    string
	Children []model.ID
}

// FieldError is one field-scoped validation failure. ID is zero when the
// failure belongs to the row the request was about. Index is the position of
// the failing payload in a bulk create.
type FieldError struct {
	ID      model.ID `json:"id,omitempty"`
	Index   *int     `json:"index,omitempty"`
	Field   string   `json:"field"`
	Message string   `json:"message"`
}

// Error is a non-2xx backend response.
type Error struct {
	Status  int
	Message string
	Fields  []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("backend %d: %s", e.Status, e.Message)
	}
	msgs := make([]string, len(e.Fields))
	for i, fe := range e.Fields {
		msgs[i] = fe.Field + ": " + fe.Message
	}
	return fmt.Sprintf("backend %d: %s", e.Status, strings.Join(msgs, "; "))
}

// NewValidationError returns a 400 Error with one field failure.
func NewValidationError(id model.ID, field model.Field, message string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Message: "validation failed",
		Fields:  []FieldError{{ID: id, Field: string(field), Message: message}},
	}
}

// NotFound returns a 404 Error.
func NotFound(what string) *Error {
	return &Error{Status: http.StatusNotFound, Message: what + " not found"}
}

// FieldErrors extracts field-scoped failures from err.
func FieldErrors(err error) []FieldError {
	var be *Error
	if errors.As(err, &be) {
		return be.Fields
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Status == http.StatusNotFound
}

// AtIndex marks the field failures of err as belonging to payload i of a
// bulk request. Other errors are returned unchanged.
func AtIndex(err error, i int) error {
	var be *Error
	if !errors.As(err, &be) || len(be.Fields) == 0 {
		return err
	}
	out := *be
	out.Fields = make([]FieldError, len(be.Fields))
	for j, fe := range be.Fields {
		fe.Index = &i
		out.Fields[j] = fe
	}
	return &out
}

// IndexedErrors converts the field failures of a bulk create into errors
// attached to rows[Index]. Failures without a usable index have a nil Row.
func IndexedErrors(rows []model.RowID, err error) []model.FieldError {
	fields := FieldErrors(err)
	if len(fields) == 0 {
		return nil
	}
	out := make([]model.FieldError, 0, len(fields))
	for _, fe := range fields {
		var target model.RowID
		if fe.Index != nil && *fe.Index >= 0 && *fe.Index < len(rows) {
			target = rows[*fe.Index]
		}
		out = append(out, model.FieldError{Row: target, Field: model.Field(fe.Field), Message: fe.Message})
	}
	return out
}

// RowErrors converts the field failures in err into errors attached to row.
// Failures naming a different id are attached to that id. It returns nil when
// err carries no field failures.
func RowErrors(row model.RowID, err error) []model.FieldError {
	fields := FieldErrors(err)
	if len(fields) == 0 {
		return nil
	}
	out := make([]model.FieldError, 0, len(fields))
	for _, fe := range fields {
		target := row
		if fe.ID != 0 {
			target = fe.ID
		}
		out = append(out, model.FieldError{Row: target, Field: model.Field(fe.Field), Message: fe.Message})
	}
	return out
}
