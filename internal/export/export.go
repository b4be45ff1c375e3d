// Package export flattens sheet snapshots into CSV and XLSX.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/sheet"
)

// Labels used in the row column for lines that are not grid rows.
const (
	PlaceholderLabel = "placeholder"
	GroupLabel       = "group"
	TotalLabel       = "total"
)

// Header returns the column names for a sheet of kind.
func Header(kind model.Kind) []string {
	schema := model.SchemaFor(kind)
	out := make([]string, 0, len(schema.Fields)+5)
	out = append(out, "row", "id")
	for _, fs := range schema.Fields {
		out = append(out, string(fs.Name))
	}
	return append(out, "estimated", "actual", "variance")
}

// Records flattens st: rows in grid order, a subtotal per group, then the
// parent totals. Row numbers are 1-based grid positions.
func Records(st *sheet.State) [][]string {
	schema := model.SchemaFor(st.Kind)
	var out [][]string

	for i, r := range st.Rows {
		line := strconv.Itoa(i + 1)
		switch r := r.(type) {
		case model.Entity:
			out = append(out, record(schema, line, r.ID.String(), r.Values, r.Estimated, r.Actual, r.Variance))
		case model.Placeholder:
			out = append(out, record(schema, line, PlaceholderLabel, r.Values, r.Estimated, model.Undefined, model.Undefined))
		}
	}
	for _, g := range st.Groups {
		values := model.Values{}
		if len(schema.Fields) > 0 {
			values[schema.Fields[0].Name] = model.Text(g.Name)
		}
		out = append(out, record(schema, GroupLabel, g.ID.String(), values, g.Estimated, g.Actual, g.Variance))
	}
	p := st.Parent
	out = append(out, record(schema, TotalLabel, p.ID.String(), nil, p.Estimated, p.Actual, p.Variance))
	return out
}

func record(schema model.Schema, row, id string, values model.Values, est, act, variance decimal.NullDecimal) []string {
	out := make([]string, 0, len(schema.Fields)+5)
	out = append(out, row, id)
	for _, fs := range schema.Fields {
		out = append(out, values.Get(fs.Name).String())
	}
	return append(out, amount(est), amount(act), amount(variance))
}

func amount(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(2)
}

// WriteCSV writes one sheet as CSV with a header line.
func WriteCSV(w io.Writer, st *sheet.State) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(Header(st.Kind)); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, rec := range Records(st) {
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes a workbook with one worksheet per sheet. Amount columns
// hold numbers; the header and the total line are bold.
func WriteXLSX(w io.Writer, states ...*sheet.State) error {
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating style: %w", err)
	}

	used := map[string]int{}
	for i, st := range states {
		name := SheetName(st)
		if used[name]++; used[name] > 1 {
			name = fmt.Sprintf("%.26s (%d)", name, used[name])
		}
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return fmt.Errorf("naming worksheet: %w", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("adding worksheet %s: %w", name, err)
		}
		if err := writeWorksheet(f, name, st, bold); err != nil {
			return fmt.Errorf("writing worksheet %s: %w", name, err)
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// SheetName names the worksheet of st, e.g. "account-12 subaccounts".
func SheetName(st *sheet.State) string {
	name := fmt.Sprintf("%s-%d %ss", st.Parent.Kind, st.Parent.ID, st.Kind)
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}

func writeWorksheet(f *excelize.File, name string, st *sheet.State, bold int) error {
	header := Header(st.Kind)
	if err := setRow(f, name, 1, toCells(header, nil)); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(name, "A1", last, bold); err != nil {
		return err
	}

	amountCols := map[int]bool{len(header) - 3: true, len(header) - 2: true, len(header) - 1: true}
	records := Records(st)
	for i, rec := range records {
		if err := setRow(f, name, i+2, toCells(rec, amountCols)); err != nil {
			return err
		}
	}

	total := len(records) + 1
	first, _ := excelize.CoordinatesToCellName(1, total)
	end, _ := excelize.CoordinatesToCellName(len(header), total)
	return f.SetCellStyle(name, first, end, bold)
}

func setRow(f *excelize.File, name string, row int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(name, cell, &cells)
}

// toCells converts amounts to float cells so spreadsheets can sum them.
func toCells(rec []string, amountCols map[int]bool) []any {
	out := make([]any, len(rec))
	for i, v := range rec {
		if amountCols[i] && v != "" {
			if d, err := decimal.NewFromString(v); err == nil {
				out[i] = d.InexactFloat64()
				continue
			}
		}
		out[i] = v
	}
	return out
}
