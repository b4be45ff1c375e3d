package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Field names an editable column of a row.
type Field string

const (
	FieldIdentifier    Field = "identifier"
	FieldDescription   Field = "description"
	FieldName          Field = "name"
	FieldUnit          Field = "unit"
	FieldQuantity      Field = "quantity"
	FieldRate          Field = "rate"
	FieldMultiplier    Field = "multiplier"
	FieldSubAccount    Field = "subaccount"
	FieldValue         Field = "value"
	FieldVendor        Field = "vendor"
	FieldPurchaseOrder Field = "purchase_order"
	FieldDate          Field = "date"
	FieldPaymentMethod Field = "payment_method"
	FieldPaymentID     Field = "payment_id"
	FieldCutoff        Field = "cutoff"
)

type valueKind uint8

const (
	valueNull valueKind = iota
	valueText
	valueNumber
)

// Value is a single nullable cell value: null, text, or a decimal number.
type Value struct {
	kind valueKind
	text string
	num  decimal.Decimal
}

// Null returns the null value.
func Null() Value { return Value{} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: valueText, text: s} }

// Number returns a numeric value.
func Number(d decimal.Decimal) Value { return Value{kind: valueNumber, num: d} }

// NumberFromString parses s as a decimal. An empty string yields null.
func NumberFromString(s string) (Value, error) {
	if strings.TrimSpace(s) == "" {
		return Null(), nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Value{}, err
	}
	return Number(d), nil
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == valueNull }

// Empty reports whether the value is null or blank text.
func (v Value) Empty() bool {
	switch v.kind {
	case valueNull:
		return true
	case valueText:
		return strings.TrimSpace(v.text) == ""
	}
	return false
}

// Text returns the text and whether the value holds text.
func (v Value) Text() (string, bool) { return v.text, v.kind == valueText }

// Number returns the decimal and whether the value holds a number.
func (v Value) Number() (decimal.Decimal, bool) { return v.num, v.kind == valueNumber }

// Equal reports whether two values are the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case valueText:
		return v.text == o.text
	case valueNumber:
		return v.num.Equal(o.num)
	}
	return true
}

// String renders the value for display. Null renders as "".
func (v Value) String() string {
	switch v.kind {
	case valueText:
		return v.text
	case valueNumber:
		return v.num.String()
	}
	return ""
}

// Values maps fields to their current value. A missing key and a Null value
// are equivalent. Values are treated as immutable; use Merge to derive.
type Values map[Field]Value

// Get returns the value for f, or Null.
func (v Values) Get(f Field) Value {
	if val, ok := v[f]; ok {
		return val
	}
	return Null()
}

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Merge returns a copy of v with every entry of patch applied on top.
func (v Values) Merge(patch Values) Values {
	out := v.Clone()
	for k, val := range patch {
		out[k] = val
	}
	return out
}

// Diff returns the entries of v that differ from base.
func (v Values) Diff(base Values) Values {
	out := Values{}
	for k, val := range v {
		if !base.Get(k).Equal(val) {
			out[k] = val
		}
	}
	for k, val := range base {
		if _, ok := v[k]; !ok && !val.IsNull() {
			out[k] = Null()
		}
	}
	return out
}

// Fields returns the keys of v.
func (v Values) Fields() []Field {
	out := make([]Field, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	return out
}
