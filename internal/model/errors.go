package model

import "fmt"

// FieldError is a backend validation failure attached to one cell.
// Field is empty for errors that apply to the whole row.
type FieldError struct {
	Row     RowID
	Field   Field
	Message string
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %s: %s", e.Row, e.Message)
	}
	return fmt.Sprintf("row %s field %s: %s", e.Row, e.Field, e.Message)
}
