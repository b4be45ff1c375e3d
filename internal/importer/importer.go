// Package importer turns bank exports into actuals.
package importer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/sheet"
)

// DateFormat is how imported dates are written into the actual's date field.
const DateFormat = "2006-01-02"

// Transaction is one line of a bank export.
type Transaction struct {
	Date        time.Time
	Description string
	Vendor      string
	Amount      decimal.Decimal // negative = money out
	Reference   string
	Method      string // payment method: ach, card, check, wire
}

// Parser converts a bank CSV file into Transactions.
type Parser interface {
	Parse(r io.Reader) ([]Transaction, error)
	Format() string
}

// Registry holds named parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register adds a parser. Panics on duplicate format.
func (r *Registry) Register(p Parser) {
	key := strings.ToLower(p.Format())
	if _, ok := r.parsers[key]; ok {
		panic("duplicate parser format: " + key)
	}
	r.parsers[key] = p
}

// Get returns the parser for format, or nil.
func (r *Registry) Get(format string) Parser {
	return r.parsers[strings.ToLower(format)]
}

// DefaultRegistry returns a registry with all built-in parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ChaseParser{})
	r.Register(&LedgerParser{})
	return r
}

// Load parses the file at path with the parser registered for format.
func (r *Registry) Load(path, format string) ([]Transaction, error) {
	p := r.Get(format)
	if p == nil {
		return nil, fmt.Errorf("unknown import format %q", format)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	txns, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return txns, nil
}

// headerIndex maps the lower-cased names in header to their column. Every
// name in want must be present.
func headerIndex(format string, header, want []string) (map[string]int, error) {
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range want {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%s header is missing column %q", format, name)
		}
	}
	return col, nil
}

// Actuals converts money-out transactions into actual rows charged to
// subaccount. Deposits are skipped.
func Actuals(txns []Transaction, subaccount model.ID) []model.Values {
	var out []model.Values
	for _, t := range txns {
		if !t.Amount.IsNegative() {
			continue
		}
		v := model.Values{
			model.FieldSubAccount:  model.Number(decimal.NewFromInt(int64(subaccount))),
			model.FieldDescription: model.Text(t.Description),
			model.FieldDate:        model.Text(t.Date.Format(DateFormat)),
			model.FieldValue:       model.Number(t.Amount.Neg()),
		}
		if t.Vendor != "" {
			v[model.FieldVendor] = model.Text(t.Vendor)
		}
		if t.Method != "" {
			v[model.FieldPaymentMethod] = model.Text(t.Method)
		}
		if t.Reference != "" {
			v[model.FieldPaymentID] = model.Text(t.Reference)
		}
		out = append(out, v)
	}
	return out
}

// Apply appends one placeholder per row to an actuals sheet and fills them
// in with a single update, so the rows are created together.
func Apply(sh *sheet.Sheet, rows []model.Values) error {
	if sh.Kind() != model.KindActual {
		return fmt.Errorf("importing into a %s sheet: only actuals can be imported", sh.Kind())
	}
	if len(rows) == 0 {
		return nil
	}

	seen := map[model.PlaceholderID]bool{}
	for _, p := range sh.State().Placeholders() {
		seen[p.ID] = true
	}
	if err := sh.Dispatch(sheet.AddPlaceholders{Count: len(rows)}); err != nil {
		return err
	}
	var added []model.PlaceholderID
	for _, p := range sh.State().Placeholders() {
		if !seen[p.ID] {
			added = append(added, p.ID)
		}
	}
	if len(added) != len(rows) {
		return fmt.Errorf("expected %d new rows, found %d", len(rows), len(added))
	}

	var in sheet.Update
	for i, values := range rows {
		for f, v := range values {
			in.Changes = append(in.Changes, sheet.Change{Row: added[i], Field: f, Value: v})
		}
	}
	return sh.Dispatch(in)
}
