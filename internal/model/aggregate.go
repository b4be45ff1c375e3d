package model

import "github.com/shopspring/decimal"

// Totals are the aggregate contributions of one row.
type Totals struct {
	Estimated decimal.NullDecimal
	Actual    decimal.NullDecimal
}

// Defined wraps d as a valid NullDecimal.
func Defined(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// Undefined is the absent aggregate value.
var Undefined = decimal.NullDecimal{}

// LeafEstimate returns multiplier * quantity * rate when quantity and rate are
// both present. The multiplier defaults to 1.
func LeafEstimate(values Values) decimal.NullDecimal {
	q, okQ := values.Get(FieldQuantity).Number()
	r, okR := values.Get(FieldRate).Number()
	if !okQ || !okR {
		return Undefined
	}
	m, okM := values.Get(FieldMultiplier).Number()
	if !okM {
		m = decimal.NewFromInt(1)
	}
	return Defined(m.Mul(q).Mul(r))
}

// Variance returns estimated - actual, or Undefined when either is undefined.
func Variance(estimated, actual decimal.NullDecimal) decimal.NullDecimal {
	if !estimated.Valid || !actual.Valid {
		return Undefined
	}
	return Defined(estimated.Decimal.Sub(actual.Decimal))
}

// Sum adds the defined values. The result is Undefined if none is defined.
func Sum(values ...decimal.NullDecimal) decimal.NullDecimal {
	total := Undefined
	for _, v := range values {
		if !v.Valid {
			continue
		}
		if !total.Valid {
			total = Defined(v.Decimal)
			continue
		}
		total.Decimal = total.Decimal.Add(v.Decimal)
	}
	return total
}

// Contribution returns what a row adds to its group and parent totals.
// Placeholders never carry a confirmed actual.
func Contribution(row Row) Totals {
	switch r := row.(type) {
	case Entity:
		if r.Kind == KindActual {
			if v, ok := r.Values.Get(FieldValue).Number(); ok {
				return Totals{Actual: Defined(v)}
			}
			return Totals{}
		}
		return Totals{Estimated: r.Estimated, Actual: r.Actual}
	case Placeholder:
		return Totals{Estimated: r.Estimated}
	}
	return Totals{}
}

// Rederive recomputes an entity's own estimate (for leaf rows) and variance
// after its values changed. A leaf missing quantity or rate has no estimate.
func Rederive(e Entity) Entity {
	s := SchemaFor(e.Kind)
	if s.Leaf && len(e.Children) == 0 {
		e.Estimated = LeafEstimate(e.Values)
	}
	if s.Kind == KindAccount || s.Kind == KindSubAccount || s.Kind == KindBudget {
		e.Variance = Variance(e.Estimated, e.Actual)
	}
	return e
}

// RederivePlaceholder recomputes a placeholder's leaf estimate. Variance is
// never computed for placeholders.
func RederivePlaceholder(p Placeholder) Placeholder {
	if SchemaFor(p.Kind).Leaf {
		p.Estimated = LeafEstimate(p.Values)
	}
	return p
}
