package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/budgetgrid/internal/model"
)

// Wire format: entities are flat JSON objects. Structural keys are fixed and
// every schema field of the entity's kind is a top-level key. Numbers travel
// as decimal strings; both quoted and bare numbers are accepted on input.

type wireEntity struct {
	ID         model.ID            `json:"id"`
	Type       model.Kind          `json:"type"`
	ParentType model.Kind          `json:"parent_type,omitempty"`
	Parent     model.ID            `json:"parent,omitempty"`
	Group      *model.ID           `json:"group"`
	Children   []model.ID          `json:"children,omitempty"`
	Estimated  decimal.NullDecimal `json:"estimated"`
	Actual     decimal.NullDecimal `json:"actual"`
	Variance   decimal.NullDecimal `json:"variance"`
}

var structuralKeys = map[string]bool{
	"id": true, "type": true, "parent_type": true, "parent": true, "group": true,
	"children": true, "estimated": true, "actual": true, "variance": true,
}

// EncodeEntity returns the JSON object for e.
func EncodeEntity(e model.Entity) map[string]any {
	w := wireEntity{
		ID:         e.ID,
		Type:       e.Kind,
		ParentType: e.Parent.Kind,
		Parent:     e.Parent.ID,
		Children:   e.Children,
		Estimated:  e.Estimated,
		Actual:     e.Actual,
		Variance:   e.Variance,
	}
	if e.Group != 0 {
		w.Group = GroupRef(e.Group)
	}
	out := map[string]any{
		"id":        w.ID,
		"type":      w.Type,
		"group":     w.Group,
		"estimated": w.Estimated,
		"actual":    w.Actual,
		"variance":  w.Variance,
	}
	if w.ParentType != "" {
		out["parent_type"] = w.ParentType
		out["parent"] = w.Parent
	}
	if len(w.Children) > 0 {
		out["children"] = w.Children
	}
	for f, v := range encodeValues(e.Values) {
		out[f] = v
	}
	return out
}

// DecodeEntity parses one entity object.
func DecodeEntity(data []byte) (model.Entity, error) {
	var w wireEntity
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Entity{}, fmt.Errorf("decoding entity: %w", err)
	}
	if !model.KnownKind(w.Type) {
		return model.Entity{}, fmt.Errorf("decoding entity %d: unknown type %q", w.ID, w.Type)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Entity{}, fmt.Errorf("decoding entity: %w", err)
	}
	values, err := decodeValues(w.Type, raw, true)
	if err != nil {
		return model.Entity{}, fmt.Errorf("decoding entity %d: %w", w.ID, err)
	}
	e := model.Entity{
		ID:        w.ID,
		Kind:      w.Type,
		Values:    values,
		Children:  w.Children,
		Estimated: w.Estimated,
		Actual:    w.Actual,
		Variance:  w.Variance,
	}
	if w.ParentType != "" {
		e.Parent = model.ParentRef{Kind: w.ParentType, ID: w.Parent}
	}
	if w.Group != nil {
		e.Group = *w.Group
	}
	return e, nil
}

// EncodePayload returns the JSON object for a create or update request.
func EncodePayload(p Payload) map[string]any {
	out := map[string]any{}
	for f, v := range encodeValues(p.Values) {
		out[f] = v
	}
	if p.Group != nil {
		if *p.Group == 0 {
			out["group"] = nil
		} else {
			out["group"] = *p.Group
		}
	}
	return out
}

// DecodePayload parses a request body for kind. Unknown keys are rejected.
func DecodePayload(kind model.Kind, data []byte) (Payload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Payload{}, fmt.Errorf("decoding payload: %w", err)
	}
	return decodePayloadRaw(kind, raw)
}

func decodePayloadRaw(kind model.Kind, raw map[string]json.RawMessage) (Payload, error) {
	var p Payload
	if g, ok := raw["group"]; ok {
		var id *model.ID
		if err := json.Unmarshal(g, &id); err != nil {
			return Payload{}, fmt.Errorf("decoding group: %w", err)
		}
		if id == nil {
			p.Group = GroupRef(0)
		} else {
			p.Group = id
		}
		delete(raw, "group")
	}
	delete(raw, "id")
	values, err := decodeValues(kind, raw, false)
	if err != nil {
		return Payload{}, err
	}
	p.Values = values
	return p, nil
}

func encodeValues(values model.Values) map[string]any {
	out := make(map[string]any, len(values))
	for f, v := range values {
		if n, ok := v.Number(); ok {
			out[string(f)] = n
			continue
		}
		if s, ok := v.Text(); ok {
			out[string(f)] = s
			continue
		}
		out[string(f)] = nil
	}
	return out
}

func decodeValues(kind model.Kind, raw map[string]json.RawMessage, lenient bool) (model.Values, error) {
	schema := model.SchemaFor(kind)
	values := model.Values{}
	for key, msg := range raw {
		if structuralKeys[key] {
			continue
		}
		spec, ok := schema.Spec(model.Field(key))
		if !ok {
			if lenient {
				continue
			}
			return nil, fmt.Errorf("unknown field %q for %s", key, kind)
		}
		v, err := decodeValue(spec, msg)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		values[spec.Name] = v
	}
	return values, nil
}

func decodeValue(spec model.FieldSpec, msg json.RawMessage) (model.Value, error) {
	if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
		return model.Null(), nil
	}
	if spec.Type == model.NumberField {
		var d decimal.Decimal
		if err := d.UnmarshalJSON(msg); err != nil {
			return model.Value{}, err
		}
		return model.Number(d), nil
	}
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return model.Value{}, err
	}
	return model.Text(s), nil
}

type wireGroup struct {
	ID         model.ID            `json:"id"`
	Name       string              `json:"name"`
	Color      string              `json:"color"`
	ParentType model.Kind          `json:"parent_type"`
	Parent     model.ID            `json:"parent"`
	Children   []model.ID          `json:"children"`
	Estimated  decimal.NullDecimal `json:"estimated"`
	Actual     decimal.NullDecimal `json:"actual"`
	Variance   decimal.NullDecimal `json:"variance"`
}

// EncodeGroup returns the JSON object for g. Placeholder children are never
// sent over the wire.
func EncodeGroup(g model.Group) any {
	children := g.PersistedChildren()
	if children == nil {
		children = []model.ID{}
	}
	return wireGroup{
		ID:         g.ID,
		Name:       g.Name,
		Color:      g.Color,
		ParentType: g.Parent.Kind,
		Parent:     g.Parent.ID,
		Children:   children,
		Estimated:  g.Estimated,
		Actual:     g.Actual,
		Variance:   g.Variance,
	}
}

// DecodeGroup parses one group object.
func DecodeGroup(data []byte) (model.Group, error) {
	var w wireGroup
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Group{}, fmt.Errorf("decoding group: %w", err)
	}
	children := make([]model.RowID, len(w.Children))
	for i, c := range w.Children {
		children[i] = c
	}
	return model.Group{
		ID:        w.ID,
		Name:      w.Name,
		Color:     w.Color,
		Parent:    model.ParentRef{Kind: w.ParentType, ID: w.Parent},
		Children:  children,
		Estimated: w.Estimated,
		Actual:    w.Actual,
		Variance:  w.Variance,
	}, nil
}

type wireGroupPayload struct {
	Name     string     `json:"name,omitempty"`
	Color    string     `json:"color,omitempty"`
	Children []model.ID `json:"children,omitempty"`
}

// EncodeGroupPayload returns the JSON object for a group request.
func EncodeGroupPayload(p GroupPayload) any {
	return wireGroupPayload(p)
}

// DecodeGroupPayload parses a group request body.
func DecodeGroupPayload(data []byte) (GroupPayload, error) {
	var w wireGroupPayload
	if err := json.Unmarshal(data, &w); err != nil {
		return GroupPayload{}, fmt.Errorf("decoding group payload: %w", err)
	}
	return GroupPayload(w), nil
}

type wireErrorBody struct {
	Detail string       `json:"detail,omitempty"`
	Errors []FieldError `json:"errors,omitempty"`
}

// EncodeError returns the JSON body for err.
func EncodeError(err *Error) any {
	return wireErrorBody{Detail: err.Message, Errors: err.Fields}
}
