package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/backend/memory"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/sheet"
)

var quiet = slog.New(slog.DiscardHandler)

func num(s string) model.Value { return model.Number(decimal.RequireFromString(s)) }

func assertSame(t *testing.T, want, got decimal.NullDecimal, msgAndArgs ...any) {
	t.Helper()
	require.Equal(t, want.Valid, got.Valid, msgAndArgs...)
	if want.Valid {
		assert.True(t, want.Decimal.Equal(got.Decimal), "want %s, got %s", want.Decimal, got.Decimal)
	}
}

type fixture struct {
	mem    *memory.Backend
	budget model.Entity
	s      *Session

	mu   sync.Mutex
	last model.Entity
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: memory.New(nil)}
	f.budget = f.mem.SeedDemo("Feature")
	s, err := New(context.Background(), f.mem, f.budget.ID, Options{
		Logger: quiet,
		OnBudgetChange: func(b model.Entity) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.last = b
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	f.s = s
	s.Wait()
	return f
}

// find returns the stored row of kind under parent whose identifier (or
// name) is ident.
func (f *fixture) find(t *testing.T, kind model.Kind, parent model.ParentRef, ident string) model.Entity {
	t.Helper()
	list, err := f.mem.List(context.Background(), kind, parent, backend.ListOptions{})
	require.NoError(t, err)
	for _, e := range list.Data {
		if e.Values.Get(model.FieldIdentifier).String() == ident || e.Values.Get(model.FieldName).String() == ident {
			return e
		}
	}
	t.Fatalf("no %s %q under %s", kind, ident, parent)
	return model.Entity{}
}

func (f *fixture) stored(t *testing.T, id model.ID) model.Entity {
	t.Helper()
	e, ok := f.mem.Get(id)
	require.True(t, ok)
	return e
}

func (f *fixture) open(t *testing.T, ref model.ParentRef) *sheet.Sheet {
	t.Helper()
	sh, err := f.s.Open(ref)
	require.NoError(t, err)
	f.s.Wait()
	return sh
}

// assertConsistent checks the session's view of the budget and of every
// account against the backend.
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	stored := f.stored(t, f.budget.ID)
	b := f.s.Budget()
	assertSame(t, stored.Estimated, b.Estimated, "budget estimated")
	assertSame(t, stored.Actual, b.Actual, "budget actual")
	assertSame(t, stored.Variance, b.Variance, "budget variance")

	for _, e := range f.s.Accounts().State().Entities() {
		want := f.stored(t, e.ID)
		assertSame(t, want.Estimated, e.Estimated, "account %d estimated", e.ID)
		assertSame(t, want.Actual, e.Actual, "account %d actual", e.ID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assertSame(t, stored.Estimated, f.last.Estimated, "last reported budget")
}

func TestNewLoadsRootSheets(t *testing.T) {
	f := setup(t)

	assert.Len(t, f.s.Accounts().State().Entities(), 3)
	assert.Len(t, f.s.Actuals().State().Entities(), 2)
	assert.Len(t, f.s.Fringes().State().Entities(), 1)
	assert.Equal(t, "21500", f.s.Budget().Actual.Decimal.String())
	f.assertConsistent(t)
}

func TestNewFailsForUnknownBudget(t *testing.T) {
	_, err := New(context.Background(), memory.New(nil), 42, Options{Logger: quiet})
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
}

func TestDetailEditPropagatesToBudget(t *testing.T) {
	f := setup(t)
	acct := f.find(t, model.KindAccount, f.budget.Ref(), "1100")
	research := f.find(t, model.KindSubAccount, acct.Ref(), "1102")
	detail := f.open(t, acct.Ref())

	require.NoError(t, detail.Dispatch(sheet.Set(research.ID, model.FieldQuantity, num("4"))))
	f.s.Wait()

	row, ok := detail.State().Entity(research.ID)
	require.True(t, ok)
	assertSame(t, f.stored(t, research.ID).Estimated, row.Estimated)
	assertSame(t, f.stored(t, acct.ID).Estimated, detail.State().Parent.Estimated)
	f.assertConsistent(t)
}

func TestSearchLeavesBudgetUnchanged(t *testing.T) {
	f := setup(t)
	before := f.s.Budget()
	camera := f.find(t, model.KindAccount, f.budget.Ref(), "2200")

	require.NoError(t, f.s.Accounts().Dispatch(sheet.Request{Search: "camera"}))
	f.s.Wait()

	accounts := f.s.Accounts().State()
	require.Len(t, accounts.Rows, 1)
	assertSame(t, before.Estimated, f.s.Budget().Estimated)
	assert.Equal(t, before.Children, f.s.Budget().Children)

	dp := f.find(t, model.KindSubAccount, camera.Ref(), "2201")
	detail := f.open(t, camera.Ref())
	require.NoError(t, detail.Dispatch(sheet.Set(dp.ID, model.FieldQuantity, num("12"))))
	f.s.Wait()
	f.assertConsistent(t)

	require.NoError(t, f.s.Accounts().Dispatch(sheet.Request{Search: "no such account"}))
	f.s.Wait()
	assert.Empty(t, f.s.Accounts().State().Rows)
	f.assertConsistent(t)
}

func TestNestedDetailPropagatesThroughEveryLevel(t *testing.T) {
	f := setup(t)
	acct := f.find(t, model.KindAccount, f.budget.Ref(), "1100")
	writer := f.find(t, model.KindSubAccount, acct.Ref(), "1101")
	accountDetail := f.open(t, acct.Ref())
	writerDetail := f.open(t, writer.Ref())

	ps := writerDetail.State().Placeholders()
	require.Len(t, ps, 2, "an empty detail sheet starts with placeholders")
	require.NoError(t, writerDetail.Dispatch(sheet.Update{Changes: []sheet.Change{
		{Row: ps[0].ID, Field: model.FieldIdentifier, Value: model.Text("1101-01")},
		{Row: ps[0].ID, Field: model.FieldQuantity, Value: num("2")},
		{Row: ps[0].ID, Field: model.FieldRate, Value: num("100")},
	}}))
	f.s.Wait()

	require.Len(t, writerDetail.State().Entities(), 1)
	storedWriter := f.stored(t, writer.ID)
	require.Len(t, storedWriter.Children, 1)

	row, ok := accountDetail.State().Entity(writer.ID)
	require.True(t, ok)
	assertSame(t, storedWriter.Estimated, row.Estimated, "writer row in the account sheet")
	assert.Equal(t, storedWriter.Children, row.Children)
	assertSame(t, f.stored(t, acct.ID).Estimated, accountDetail.State().Parent.Estimated)
	f.assertConsistent(t)
}

func TestActualChangeRefreshesSheets(t *testing.T) {
	f := setup(t)
	acct := f.find(t, model.KindAccount, f.budget.Ref(), "1100")
	research := f.find(t, model.KindSubAccount, acct.Ref(), "1102")
	detail := f.open(t, acct.Ref())

	actuals := f.s.Actuals()
	require.NoError(t, actuals.Dispatch(sheet.AddPlaceholders{Count: 1}))
	pid := actuals.State().Placeholders()[0].ID
	require.NoError(t, actuals.Dispatch(sheet.Update{Changes: []sheet.Change{
		{Row: pid, Field: model.FieldValue, Value: num("300")},
		{Row: pid, Field: model.FieldSubAccount, Value: num(research.ID.String())},
	}}))
	f.s.Wait()

	assert.Len(t, actuals.State().Entities(), 3)
	row, _ := detail.State().Entity(research.ID)
	assert.Equal(t, "300", row.Actual.Decimal.String())
	assert.Equal(t, "21800", f.s.Budget().Actual.Decimal.String())
	f.assertConsistent(t)
}

func TestFringeRateChangeRefreshesEstimates(t *testing.T) {
	f := setup(t)
	acct := f.find(t, model.KindAccount, f.budget.Ref(), "1100")
	writer := f.find(t, model.KindSubAccount, acct.Ref(), "1101")
	fringe := f.find(t, model.KindFringe, f.budget.Ref(), "Payroll Tax")
	detail := f.open(t, acct.Ref())

	var lists int
	var mu sync.Mutex
	f.mem.SetInterceptor(func(_ context.Context, c memory.Call) error {
		if c.Op == memory.OpList {
			mu.Lock()
			lists++
			mu.Unlock()
		}
		return nil
	})

	require.NoError(t, f.s.Fringes().Dispatch(sheet.Set(fringe.ID, model.FieldDescription, model.Text("FICA"))))
	f.s.Wait()
	mu.Lock()
	assert.Zero(t, lists, "a description change does not refresh")
	mu.Unlock()

	require.NoError(t, f.s.Fringes().Dispatch(sheet.Set(fringe.ID, model.FieldRate, num("0.1"))))
	f.s.Wait()

	row, _ := detail.State().Entity(writer.ID)
	assert.Equal(t, "49500", row.Estimated.Decimal.String())
	assertSame(t, f.stored(t, writer.ID).Estimated, row.Estimated)
	f.assertConsistent(t)
}

func TestOpenAndClose(t *testing.T) {
	f := setup(t)
	acct := f.find(t, model.KindAccount, f.budget.Ref(), "2200")

	_, err := f.s.Open(f.budget.Ref())
	require.Error(t, err)

	sh := f.open(t, acct.Ref())
	again, err := f.s.Open(acct.Ref())
	require.NoError(t, err)
	assert.Same(t, sh, again)
	assert.Len(t, sh.State().Entities(), 2)

	f.s.Close(acct.Ref())
	_, ok := f.s.Sheet(acct.Ref())
	assert.False(t, ok)
	assert.True(t, errors.Is(sh.Dispatch(sheet.Request{}), sheet.ErrClosed))

	f.s.Close(acct.Ref())
}

func TestClosedAncestorStopsPropagation(t *testing.T) {
	f := setup(t)
	acct := f.find(t, model.KindAccount, f.budget.Ref(), "1100")
	writer := f.find(t, model.KindSubAccount, acct.Ref(), "1101")
	before := f.s.Budget()

	writerDetail := f.open(t, writer.Ref())
	ps := writerDetail.State().Placeholders()
	require.NoError(t, writerDetail.Dispatch(sheet.Update{Changes: []sheet.Change{
		{Row: ps[0].ID, Field: model.FieldIdentifier, Value: model.Text("1101-01")},
		{Row: ps[0].ID, Field: model.FieldQuantity, Value: num("1")},
		{Row: ps[0].ID, Field: model.FieldRate, Value: num("10")},
	}}))
	f.s.Wait()

	assertSame(t, before.Estimated, f.s.Budget().Estimated, "no open sheet lists the writer")
}

func TestShutdown(t *testing.T) {
	f := setup(t)
	acct := f.find(t, model.KindAccount, f.budget.Ref(), "1100")
	f.open(t, acct.Ref())

	f.s.Shutdown()
	_, err := f.s.Open(acct.Ref())
	assert.True(t, errors.Is(err, sheet.ErrClosed))
	assert.True(t, errors.Is(f.s.Accounts().Dispatch(sheet.Request{}), sheet.ErrClosed))
	f.s.Wait()
}
