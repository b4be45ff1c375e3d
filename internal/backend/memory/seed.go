package memory

import (
	"github.com/shopspring/decimal"

	"github.com/cleared-dev/budgetgrid/internal/model"
)

type seedLine struct {
	identifier, description string
	quantity, rate          int64
	unit                    string
}

type seedAccount struct {
	identifier, description string
	lines                   []seedLine
}

var demoAccounts = []seedAccount{
	{"1100", "Story & Rights", []seedLine{
		{"1101", "Writer", 1, 45000, "flat"},
		{"1102", "Research", 3, 1200, "weeks"},
	}},
	{"2200", "Camera", []seedLine{
		{"2201", "Director of Photography", 6, 5500, "weeks"},
		{"2202", "Camera Package", 6, 8000, "weeks"},
	}},
	{"2800", "Location", []seedLine{
		{"2801", "Permits", 4, 750, "days"},
	}},
}

// SeedDemo creates a small production budget with accounts, subaccounts, a
// fringe and a few actuals. It returns the budget.
func (b *Backend) SeedDemo(name string) model.Entity {
	b.mu.Lock()
	defer b.mu.Unlock()

	budget := model.Entity{ID: b.allocID(), Kind: model.KindBudget, Values: model.Values{model.FieldName: model.Text(name)}}
	b.insert(budget)

	var firstLine model.ID
	for _, acct := range demoAccounts {
		a := model.Entity{
			ID:     b.allocID(),
			Kind:   model.KindAccount,
			Parent: budget.Ref(),
			Values: model.Values{
				model.FieldIdentifier:  model.Text(acct.identifier),
				model.FieldDescription: model.Text(acct.description),
			},
		}
		b.insert(a)
		for _, line := range acct.lines {
			sub := model.Entity{
				ID:     b.allocID(),
				Kind:   model.KindSubAccount,
				Parent: a.Ref(),
				Values: model.Values{
					model.FieldIdentifier:  model.Text(line.identifier),
					model.FieldDescription: model.Text(line.description),
					model.FieldQuantity:    model.Number(decimal.NewFromInt(line.quantity)),
					model.FieldRate:        model.Number(decimal.NewFromInt(line.rate)),
					model.FieldUnit:        model.Text(line.unit),
				},
			}
			b.insert(sub)
			if firstLine == 0 {
				firstLine = sub.ID
			}
		}
	}

	b.insert(model.Entity{
		ID:     b.allocID(),
		Kind:   model.KindFringe,
		Parent: budget.Ref(),
		Values: model.Values{
			model.FieldName:   model.Text("Payroll Tax"),
			model.FieldRate:   model.Number(decimal.RequireFromString("0.0765")),
			model.FieldCutoff: model.Number(decimal.NewFromInt(50000)),
			model.FieldUnit:   model.Text("percent"),
		},
	})

	for _, v := range []struct {
		vendor string
		value  int64
	}{{"Script Co", 20000}, {"Archive House", 1500}} {
		b.insert(model.Entity{
			ID:     b.allocID(),
			Kind:   model.KindActual,
			Parent: budget.Ref(),
			Values: model.Values{
				model.FieldSubAccount: model.Number(decimal.NewFromInt(int64(firstLine))),
				model.FieldVendor:     model.Text(v.vendor),
				model.FieldValue:      model.Number(decimal.NewFromInt(v.value)),
			},
		})
	}

	b.recompute()
	return b.entities[budget.ID].Clone()
}
