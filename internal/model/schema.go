package model

import "fmt"

// FieldType is the cell type of a field.
type FieldType int

const (
	TextField FieldType = iota
	NumberField
)

// FieldSpec describes one editable field of a kind.
type FieldSpec struct {
	Name     Field
	Type     FieldType
	Required bool // required for creation
	Post     bool // sent in create payloads
	Derives  bool // changing it changes the row's estimate or actual
}

// Rollup selects which aggregate a sheet's rows produce for its parent.
type Rollup int

const (
	RollupNone Rollup = iota
	RollupEstimated
	RollupActual
)

// Schema holds the fixed rules for one entity kind.
type Schema struct {
	Kind       Kind
	Fields     []FieldSpec
	Identifier Field // unique user-supplied field used to match bulk-create responses; "" if none
	Grouped    bool
	Rollup     Rollup
	Leaf       bool // rows compute multiplier * quantity * rate locally
}

var schemas = map[Kind]Schema{
	KindAccount: {
		Kind: KindAccount,
		Fields: []FieldSpec{
			{Name: FieldIdentifier, Type: TextField, Required: true, Post: true},
			{Name: FieldDescription, Type: TextField, Post: true},
		},
		Identifier: FieldIdentifier,
		Grouped:    true,
		Rollup:     RollupEstimated,
	},
	KindSubAccount: {
		Kind: KindSubAccount,
		Fields: []FieldSpec{
			{Name: FieldIdentifier, Type: TextField, Required: true, Post: true},
			{Name: FieldDescription, Type: TextField, Post: true},
			{Name: FieldName, Type: TextField, Post: true},
			{Name: FieldQuantity, Type: NumberField, Post: true, Derives: true},
			{Name: FieldUnit, Type: TextField, Post: true},
			{Name: FieldRate, Type: NumberField, Post: true, Derives: true},
			{Name: FieldMultiplier, Type: NumberField, Post: true, Derives: true},
		},
		Identifier: FieldIdentifier,
		Grouped:    true,
		Rollup:     RollupEstimated,
		Leaf:       true,
	},
	KindActual: {
		Kind: KindActual,
		Fields: []FieldSpec{
			{Name: FieldSubAccount, Type: NumberField, Required: true, Post: true},
			{Name: FieldDescription, Type: TextField, Post: true},
			{Name: FieldVendor, Type: TextField, Post: true},
			{Name: FieldPurchaseOrder, Type: TextField, Post: true},
			{Name: FieldDate, Type: TextField, Post: true},
			{Name: FieldPaymentMethod, Type: TextField, Post: true},
			{Name: FieldPaymentID, Type: TextField, Post: true},
			{Name: FieldValue, Type: NumberField, Post: true, Derives: true},
		},
		Rollup: RollupActual,
	},
	KindFringe: {
		Kind: KindFringe,
		Fields: []FieldSpec{
			{Name: FieldName, Type: TextField, Required: true, Post: true},
			{Name: FieldDescription, Type: TextField, Post: true},
			{Name: FieldRate, Type: NumberField, Post: true, Derives: true},
			{Name: FieldCutoff, Type: NumberField, Post: true, Derives: true},
			{Name: FieldUnit, Type: TextField, Post: true, Derives: true},
		},
	},
	KindBudget: {
		Kind: KindBudget,
		Fields: []FieldSpec{
			{Name: FieldName, Type: TextField, Required: true, Post: true},
		},
	},
}

// SchemaFor returns the schema for kind. It panics on an unknown kind, which
// can only come from a programming error.
func SchemaFor(kind Kind) Schema {
	s, ok := schemas[kind]
	if !ok {
		panic(fmt.Sprintf("no schema for kind %q", kind))
	}
	return s
}

// KnownKind reports whether kind has a schema.
func KnownKind(kind Kind) bool {
	_, ok := schemas[kind]
	return ok
}

// Spec returns the FieldSpec for f.
func (s Schema) Spec(f Field) (FieldSpec, bool) {
	for _, fs := range s.Fields {
		if fs.Name == f {
			return fs, true
		}
	}
	return FieldSpec{}, false
}

// Ready reports whether every field required for creation is non-empty.
func (s Schema) Ready(values Values) bool {
	for _, fs := range s.Fields {
		if fs.Required && values.Get(fs.Name).Empty() {
			return false
		}
	}
	return true
}

// Missing returns the required fields that are still empty.
func (s Schema) Missing(values Values) []Field {
	var out []Field
	for _, fs := range s.Fields {
		if fs.Required && values.Get(fs.Name).Empty() {
			out = append(out, fs.Name)
		}
	}
	return out
}

// Payload returns the post-payload subset of values, dropping nulls.
func (s Schema) Payload(values Values) Values {
	out := Values{}
	for _, fs := range s.Fields {
		if !fs.Post {
			continue
		}
		if v := values.Get(fs.Name); !v.IsNull() {
			out[fs.Name] = v
		}
	}
	return out
}

// Derives reports whether any field in patch affects the row's aggregates.
func (s Schema) Derives(patch Values) bool {
	for f := range patch {
		if fs, ok := s.Spec(f); ok && fs.Derives {
			return true
		}
	}
	return false
}

// Check validates that every field in patch exists for the kind and holds a
// value of the right type.
func (s Schema) Check(patch Values) error {
	for f, v := range patch {
		fs, ok := s.Spec(f)
		if !ok {
			return fmt.Errorf("unknown field %q for %s", f, s.Kind)
		}
		if v.IsNull() {
			continue
		}
		if _, isNum := v.Number(); isNum != (fs.Type == NumberField) {
			return fmt.Errorf("field %q of %s has the wrong type", f, s.Kind)
		}
	}
	return nil
}

// Identify returns the row's identifier value, or "" when the kind has none.
func (s Schema) Identify(values Values) string {
	if s.Identifier == "" {
		return ""
	}
	return values.Get(s.Identifier).String()
}
