package importer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/backend/memory"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/sheet"
)

const chaseHeader = "Details,Posting Date,Description,Amount,Type,Balance,Check or Slip #\n"

func chaseFixture(t *testing.T) []Transaction {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "chase_checking.csv"))
	require.NoError(t, err)

	txns, err := (&ChaseParser{}).Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	return txns
}

func TestChaseParser_Parse(t *testing.T) {
	txns := chaseFixture(t)
	assert.Len(t, txns, 6)

	// First: GITHUB subscription
	assert.Equal(t, "GITHUB *PRO SUBSCRIPTION", txns[0].Description)
	assert.Equal(t, "-4.00", txns[0].Amount.StringFixed(2))
	assert.Equal(t, "ach", txns[0].Method)
	assert.Equal(t, "GITHUB", txns[0].Vendor)
	assert.Equal(t, 2025, txns[0].Date.Year())
	assert.Equal(t, 1, int(txns[0].Date.Month()))
	assert.Equal(t, 3, txns[0].Date.Day())

	// Fourth: deposit (positive)
	assert.Equal(t, "ACME PICTURES DEPOSIT", txns[3].Description)
	assert.Equal(t, "3500.00", txns[3].Amount.StringFixed(2))
}

func TestChaseParser_Reference(t *testing.T) {
	txns := chaseFixture(t)

	// Reference format: chase_YYYYMMDD_<prefix>
	assert.Equal(t, "chase_20250103_GITHUBPROS", txns[0].Reference)
	// Checks keep their number.
	assert.Equal(t, "1042", txns[2].Reference)
}

func TestChaseParser_VendorAndMethod(t *testing.T) {
	txns := chaseFixture(t)

	assert.Equal(t, "card", txns[1].Method)
	assert.Equal(t, "B&H PHOTO VIDEO", txns[1].Vendor)
	// Paid checks carry no payee.
	assert.Equal(t, "check", txns[2].Method)
	assert.Empty(t, txns[2].Vendor)
}

func TestChaseParser_ReorderedColumns(t *testing.T) {
	data := "Type,Amount,Description,Posting Date,Check or Slip #\n" +
		"WIRE_OUTGOING,-90.00,STUDIO RENT,02/01/2025,\n" +
		"LOAN_PMT,-10.00,BANK LOAN,02/02/2025,\n"
	txns, err := (&ChaseParser{}).Parse(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "wire", txns[0].Method)
	assert.Equal(t, "STUDIO RENT", txns[0].Vendor)
	assert.Equal(t, "-90.00", txns[0].Amount.StringFixed(2))
	assert.Equal(t, "chase_20250201_STUDIORENT", txns[0].Reference)
	assert.Equal(t, "loan_pmt", txns[1].Method)
}

func TestChaseParser_MissingColumn(t *testing.T) {
	_, err := (&ChaseParser{}).Parse(strings.NewReader("Posting Date,Description,Amount\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `chase header is missing column "type"`)
}

func TestChaseParser_EmptyFile(t *testing.T) {
	txns, err := (&ChaseParser{}).Parse(strings.NewReader(chaseHeader))
	require.NoError(t, err)
	assert.Nil(t, txns)
}

func TestChaseParser_BadRows(t *testing.T) {
	tests := []struct {
		name   string
		row    string
		errMsg string
	}{
		{"bad date", "DEBIT,NOTADATE,desc,-4.00,ACH_DEBIT,100.00,\n", "parsing date"},
		{"bad amount", "DEBIT,01/03/2025,desc,NOTANUMBER,ACH_DEBIT,100.00,\n", "parsing amount"},
		{"short row", "DEBIT,01/03/2025,desc\n", "reading chase CSV"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&ChaseParser{}).Parse(strings.NewReader(chaseHeader + tt.row))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLedgerParser(t *testing.T) {
	f, err := os.Open(filepath.Join("testdata", "ledger.csv"))
	require.NoError(t, err)
	defer f.Close()

	txns, err := (&LedgerParser{}).Parse(f)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "Panavision", txns[0].Vendor)
	assert.Equal(t, "Lens rental", txns[0].Description)
	assert.Equal(t, "-2200.00", txns[0].Amount.StringFixed(2))
	assert.Equal(t, "2025-02-03", txns[1].Date.Format(DateFormat))
}

func TestLedgerParser_MissingColumn(t *testing.T) {
	_, err := (&LedgerParser{}).Parse(strings.NewReader("date,description,amount\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing column "vendor"`)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("chase"))

	r.Register(&ChaseParser{})
	assert.NotNil(t, r.Get("Chase"))
	assert.NotNil(t, r.Get("CHASE"))
	assert.Panics(t, func() { r.Register(&ChaseParser{}) })

	d := DefaultRegistry()
	assert.NotNil(t, d.Get("chase"))
	assert.NotNil(t, d.Get("ledger"))
}

func TestRegistry_Load(t *testing.T) {
	r := DefaultRegistry()

	txns, err := r.Load(filepath.Join("testdata", "ledger.csv"), "ledger")
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	_, err = r.Load(filepath.Join("testdata", "ledger.csv"), "ofx")
	assert.ErrorContains(t, err, `unknown import format "ofx"`)

	_, err = r.Load(filepath.Join("testdata", "missing.csv"), "chase")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestActualsSkipsDeposits(t *testing.T) {
	rows := Actuals(chaseFixture(t), 7)
	require.Len(t, rows, 5)

	first := rows[0]
	sub, ok := first.Get(model.FieldSubAccount).Number()
	require.True(t, ok)
	assert.Equal(t, int64(7), sub.IntPart())
	value, _ := first.Get(model.FieldValue).Number()
	assert.Equal(t, "4.00", value.StringFixed(2))
	assert.Equal(t, "2025-01-03", first.Get(model.FieldDate).String())
	assert.Equal(t, "ach", first.Get(model.FieldPaymentMethod).String())
	assert.Equal(t, "chase_20250103_GITHUBPROS", first.Get(model.FieldPaymentID).String())
	assert.Equal(t, "GITHUB", first.Get(model.FieldVendor).String())
	// The paid check has no vendor.
	assert.True(t, rows[2].Get(model.FieldVendor).IsNull())
}

func TestApplyCreatesEveryRow(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(nil)
	budget := mem.SeedDemo("Feature")
	actuals, err := mem.List(ctx, model.KindActual, budget.Ref(), backend.ListOptions{})
	require.NoError(t, err)
	sub, _ := actuals.Data[0].Values.Get(model.FieldSubAccount).Number()

	sh := sheet.New(ctx, mem, model.KindActual, budget, sheet.Options{Logger: slog.New(slog.DiscardHandler), BulkThreshold: 2})
	t.Cleanup(sh.Close)
	require.NoError(t, sh.Dispatch(sheet.Request{}))
	sh.Wait()

	rows := Actuals(chaseFixture(t), model.ID(sub.IntPart()))
	require.NoError(t, Apply(sh, rows))
	sh.Wait()

	st := sh.State()
	assert.Empty(t, st.Placeholders())
	assert.Empty(t, st.Errors)
	assert.Len(t, st.Entities(), len(actuals.Data)+5)

	stored, err := mem.List(ctx, model.KindActual, budget.Ref(), backend.ListOptions{Search: "licensing"})
	require.NoError(t, err)
	require.Len(t, stored.Data, 1)
	v, _ := stored.Data[0].Values.Get(model.FieldValue).Number()
	assert.Equal(t, "300.00", v.StringFixed(2))
}

func TestApplyRejectsOtherSheets(t *testing.T) {
	mem := memory.New(nil)
	budget := mem.SeedDemo("Feature")
	sh := sheet.New(context.Background(), mem, model.KindFringe, budget, sheet.Options{Logger: slog.New(slog.DiscardHandler)})
	t.Cleanup(sh.Close)

	err := Apply(sh, []model.Values{{}})
	assert.ErrorContains(t, err, "only actuals can be imported")
}
