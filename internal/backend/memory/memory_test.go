package memory

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/model"
)

func num(s string) model.Value { return model.Number(decimal.RequireFromString(s)) }

func assertDec(t *testing.T, want string, got decimal.NullDecimal) {
	t.Helper()
	require.True(t, got.Valid, "expected %s, got undefined", want)
	assert.True(t, got.Decimal.Equal(decimal.RequireFromString(want)), "expected %s, got %s", want, got.Decimal)
}

type fixture struct {
	b       *Backend
	budget  model.Entity
	account model.Entity
}

func setup(t *testing.T) fixture {
	t.Helper()
	b := New(nil)
	budget := b.CreateBudget("Feature")
	account, err := b.Create(context.Background(), model.KindAccount, budget.Ref(), backend.Payload{
		Values: model.Values{model.FieldIdentifier: model.Text("1000")},
	})
	require.NoError(t, err)
	return fixture{b: b, budget: budget, account: account}
}

func (f fixture) subaccount(t *testing.T, ident, qty, rate string) model.Entity {
	t.Helper()
	e, err := f.b.Create(context.Background(), model.KindSubAccount, f.account.Ref(), backend.Payload{
		Values: model.Values{
			model.FieldIdentifier: model.Text(ident),
			model.FieldQuantity:   num(qty),
			model.FieldRate:       num(rate),
		},
	})
	require.NoError(t, err)
	return e
}

func TestCreateRecomputesRollups(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub := f.subaccount(t, "1001", "2", "10")
	assertDec(t, "20", sub.Estimated)
	assert.False(t, sub.Actual.Valid)

	_, err := f.b.Create(ctx, model.KindActual, f.budget.Ref(), backend.Payload{
		Values: model.Values{
			model.FieldSubAccount: model.Number(decimal.NewFromInt(int64(sub.ID))),
			model.FieldValue:      num("5"),
		},
	})
	require.NoError(t, err)

	sub, _ = f.b.Get(sub.ID)
	assertDec(t, "5", sub.Actual)
	assertDec(t, "15", sub.Variance)

	account, _ := f.b.Get(f.account.ID)
	assertDec(t, "20", account.Estimated)
	assert.Equal(t, []model.ID{sub.ID}, account.Children)

	budget, err := f.b.Retrieve(ctx, f.budget.Ref())
	require.NoError(t, err)
	assertDec(t, "20", budget.Estimated)
	assertDec(t, "5", budget.Actual)
	assertDec(t, "15", budget.Variance)
}

func TestUpdateMergesAndClearsValues(t *testing.T) {
	f := setup(t)
	sub := f.subaccount(t, "1001", "2", "10")

	updated, err := f.b.Update(context.Background(), model.KindSubAccount, sub.ID, backend.Payload{
		Values: model.Values{model.FieldMultiplier: num("3"), model.FieldRate: model.Null()},
	})
	require.NoError(t, err)
	assert.True(t, updated.Values.Get(model.FieldRate).IsNull())
	assert.False(t, updated.Estimated.Valid)

	updated, err = f.b.Update(context.Background(), model.KindSubAccount, sub.ID, backend.Payload{
		Values: model.Values{model.FieldRate: num("4")},
	})
	require.NoError(t, err)
	assertDec(t, "24", updated.Estimated)
}

func TestValidation(t *testing.T) {
	f := setup(t)
	f.subaccount(t, "1001", "1", "1")
	ctx := context.Background()

	tests := []struct {
		name   string
		values model.Values
		field  string
	}{
		{"missing identifier", model.Values{model.FieldDescription: model.Text("x")}, "identifier"},
		{"duplicate identifier", model.Values{model.FieldIdentifier: model.Text("1001")}, "identifier"},
		{"negative rate", model.Values{model.FieldIdentifier: model.Text("1002"), model.FieldRate: num("-1")}, "rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.b.Create(ctx, model.KindSubAccount, f.account.Ref(), backend.Payload{Values: tt.values})
			require.Error(t, err)
			fields := backend.FieldErrors(err)
			require.Len(t, fields, 1)
			assert.Equal(t, tt.field, fields[0].Field)
		})
	}

	_, err := f.b.Update(ctx, model.KindSubAccount, 999, backend.Payload{})
	assert.True(t, backend.IsNotFound(err))

	_, err = f.b.Create(ctx, model.KindSubAccount, f.account.Ref(), backend.Payload{
		Values: model.Values{model.FieldIdentifier: model.Text("1003"), model.FieldQuantity: model.Text("two")},
	})
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusBadRequest, be.Status)
}

func TestBulkCreateIsAllOrNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.b.BulkCreate(ctx, model.KindSubAccount, f.account.Ref(), []backend.Payload{
		{Values: model.Values{model.FieldIdentifier: model.Text("A")}},
		{Values: model.Values{model.FieldIdentifier: model.Text("A")}},
	})
	require.Error(t, err)
	fields := backend.FieldErrors(err)
	require.Len(t, fields, 1)
	require.NotNil(t, fields[0].Index)
	assert.Equal(t, 1, *fields[0].Index, "the second payload repeats the identifier")
	list, err := f.b.List(ctx, model.KindSubAccount, f.account.Ref(), backend.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, list.Count)

	created, err := f.b.BulkCreate(ctx, model.KindSubAccount, f.account.Ref(), []backend.Payload{
		{Values: model.Values{model.FieldIdentifier: model.Text("A"), model.FieldQuantity: num("1"), model.FieldRate: num("2")}},
		{Values: model.Values{model.FieldIdentifier: model.Text("B")}},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "A", created[0].Values.Get(model.FieldIdentifier).String())
	assertDec(t, "2", created[0].Estimated)
}

func TestBulkUpdateAttachesErrorsToRow(t *testing.T) {
	f := setup(t)
	a := f.subaccount(t, "A", "1", "1")
	b := f.subaccount(t, "B", "1", "1")

	err := f.b.BulkUpdate(context.Background(), model.KindSubAccount, f.account.Ref(), []backend.BulkItem{
		{ID: a.ID, Payload: backend.Payload{Values: model.Values{model.FieldRate: num("3")}}},
		{ID: b.ID, Payload: backend.Payload{Values: model.Values{model.FieldIdentifier: model.Text("A")}}},
	})
	require.Error(t, err)
	rowErrs := backend.RowErrors(model.ID(0), err)
	require.Len(t, rowErrs, 1)
	assert.Equal(t, model.RowID(b.ID), rowErrs[0].Row)

	got, _ := f.b.Get(a.ID)
	assertDec(t, "1", got.Estimated)
}

func TestGroups(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.subaccount(t, "A", "1", "10")
	b := f.subaccount(t, "B", "2", "10")

	g, err := f.b.CreateGroup(ctx, f.account.Ref(), backend.GroupPayload{Name: "Crew", Color: "#ff0000", Children: []model.ID{a.ID, b.ID}})
	require.NoError(t, err)
	assertDec(t, "30", g.Estimated)
	assert.Equal(t, []model.RowID{a.ID, b.ID}, g.Children)

	_, err = f.b.Update(ctx, model.KindSubAccount, b.ID, backend.Payload{Group: backend.GroupRef(0)})
	require.NoError(t, err)
	groups, err := f.b.ListGroups(ctx, f.account.Ref())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []model.RowID{a.ID}, groups[0].Children)
	assertDec(t, "10", groups[0].Estimated)

	g, err = f.b.UpdateGroup(ctx, g.ID, backend.GroupPayload{Name: "Camera Crew"})
	require.NoError(t, err)
	assert.Equal(t, "Camera Crew", g.Name)
	assert.Equal(t, "#ff0000", g.Color)

	require.NoError(t, f.b.DeleteGroup(ctx, g.ID))
	got, _ := f.b.Get(a.ID)
	assert.Zero(t, got.Group)
	assert.True(t, backend.IsNotFound(f.b.DeleteGroup(ctx, g.ID)))

	_, err = f.b.CreateGroup(ctx, f.account.Ref(), backend.GroupPayload{})
	require.Error(t, err)
	assert.Equal(t, "name", backend.FieldErrors(err)[0].Field)
}

func TestDeleteCascades(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.subaccount(t, "A", "1", "10")
	nested, err := f.b.Create(ctx, model.KindSubAccount, sub.Ref(), backend.Payload{
		Values: model.Values{model.FieldIdentifier: model.Text("A.1"), model.FieldQuantity: num("4"), model.FieldRate: num("1")},
	})
	require.NoError(t, err)

	sub, _ = f.b.Get(sub.ID)
	assertDec(t, "4", sub.Estimated)

	require.NoError(t, f.b.Delete(ctx, model.KindSubAccount, sub.ID))
	_, ok := f.b.Get(nested.ID)
	assert.False(t, ok)

	account, _ := f.b.Get(f.account.ID)
	assert.False(t, account.Estimated.Valid)
	assert.Empty(t, account.Children)
}

func TestSeedDemoAppliesFringes(t *testing.T) {
	b := New(nil)
	budget := b.SeedDemo("Demo")
	ctx := context.Background()

	accounts, err := b.List(ctx, model.KindAccount, budget.Ref(), backend.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, accounts.Count)

	subs, err := b.List(ctx, model.KindSubAccount, accounts.Data[0].Ref(), backend.ListOptions{})
	require.NoError(t, err)
	writer := subs.Data[0]
	// 45000 plus 7.65% payroll tax.
	assertDec(t, "48442.5", writer.Estimated)
	assertDec(t, "21500", writer.Actual)

	found, err := b.List(ctx, model.KindSubAccount, accounts.Data[1].Ref(), backend.ListOptions{Search: "camera"})
	require.NoError(t, err)
	require.Equal(t, 1, found.Count)
	assert.Equal(t, "2202", found.Data[0].Values.Get(model.FieldIdentifier).String())
}

func TestInterceptor(t *testing.T) {
	f := setup(t)
	boom := errors.New("boom")
	var calls []Call
	f.b.SetInterceptor(func(_ context.Context, c Call) error {
		calls = append(calls, c)
		if c.Op == OpDelete {
			return boom
		}
		return nil
	})

	err := f.b.Delete(context.Background(), model.KindAccount, f.account.ID)
	require.ErrorIs(t, err, boom)
	_, ok := f.b.Get(f.account.ID)
	assert.True(t, ok)
	assert.Equal(t, []Call{{Op: OpDelete, Kind: model.KindAccount, ID: f.account.ID}}, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.b.List(ctx, model.KindAccount, f.budget.Ref(), backend.ListOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

