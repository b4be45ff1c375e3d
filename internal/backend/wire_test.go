package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/budgetgrid/internal/model"
)

func TestDecodeEntity(t *testing.T) {
	raw := `{
		"id": 12, "type": "subaccount", "parent_type": "account", "parent": 3,
		"group": 7, "children": [],
		"identifier": "1001", "quantity": "2", "rate": 12.5, "multiplier": null,
		"estimated": "25.00", "actual": null, "variance": null,
		"fringes": [1, 2]
	}`
	e, err := DecodeEntity([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, model.ID(12), e.ID)
	assert.Equal(t, model.KindSubAccount, e.Kind)
	assert.Equal(t, model.ParentRef{Kind: model.KindAccount, ID: 3}, e.Parent)
	assert.Equal(t, model.ID(7), e.Group)
	assert.Equal(t, "1001", e.Values.Get(model.FieldIdentifier).String())

	rate, ok := e.Values.Get(model.FieldRate).Number()
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, e.Values.Get(model.FieldMultiplier).IsNull())

	require.True(t, e.Estimated.Valid)
	assert.True(t, e.Estimated.Decimal.Equal(decimal.NewFromInt(25)))
	assert.False(t, e.Actual.Valid)
}

func TestDecodeEntityErrors(t *testing.T) {
	_, err := DecodeEntity([]byte(`{"id": 1, "type": "ledger"}`))
	assert.ErrorContains(t, err, "unknown type")

	_, err = DecodeEntity([]byte(`{"id": 1, "type": "subaccount", "rate": "abc"}`))
	assert.ErrorContains(t, err, "rate")
}

func TestEncodeEntityRoundTrip(t *testing.T) {
	e := model.Entity{
		ID:     4,
		Kind:   model.KindAccount,
		Parent: model.ParentRef{Kind: model.KindBudget, ID: 1},
		Values: model.Values{
			model.FieldIdentifier:  model.Text("1000"),
			model.FieldDescription: model.Text("Story"),
		},
		Children:  []model.ID{5, 6},
		Estimated: model.Defined(decimal.NewFromInt(100)),
	}
	data, err := json.Marshal(EncodeEntity(e))
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "100", obj["estimated"])
	assert.Nil(t, obj["group"])
	assert.Nil(t, obj["actual"])

	got, err := DecodeEntity(data)
	require.NoError(t, err)
	assert.Equal(t, e.Values, got.Values)
	assert.Equal(t, e.Children, got.Children)
	assert.Equal(t, e.Parent, got.Parent)
}

func TestPayloadGroupEncoding(t *testing.T) {
	tests := []struct {
		name  string
		group *model.ID
		want  string
	}{
		{"untouched", nil, `{"description":"x"}`},
		{"ungroup", GroupRef(0), `{"description":"x","group":null}`},
		{"assign", GroupRef(9), `{"description":"x","group":9}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Payload{Values: model.Values{model.FieldDescription: model.Text("x")}, Group: tt.group}
			data, err := json.Marshal(EncodePayload(p))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			back, err := DecodePayload(model.KindAccount, data)
			require.NoError(t, err)
			assert.Equal(t, tt.group, back.Group)
		})
	}
}

func TestDecodePayloadRejectsUnknownFields(t *testing.T) {
	_, err := DecodePayload(model.KindAccount, []byte(`{"rate": "1"}`))
	assert.ErrorContains(t, err, "unknown field")
}

func TestEncodeGroupDropsPlaceholders(t *testing.T) {
	g := model.Group{
		ID:       3,
		Name:     "Crew",
		Parent:   model.ParentRef{Kind: model.KindAccount, ID: 1},
		Children: []model.RowID{model.ID(5), model.NewPlaceholderID(), model.ID(6)},
	}
	data, err := json.Marshal(EncodeGroup(g))
	require.NoError(t, err)

	back, err := DecodeGroup(data)
	require.NoError(t, err)
	assert.Equal(t, []model.RowID{model.ID(5), model.ID(6)}, back.Children)
	assert.Equal(t, g.Parent, back.Parent)
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/subaccounts/4/":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"validation failed","errors":[{"field":"rate","message":"Ensure this value is greater than or equal to 0."}]}`))
		case "/subaccounts/5/":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"not found"}`))
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret", srv.Client())
	ctx := context.Background()

	_, err := c.Update(ctx, model.KindSubAccount, 4, Payload{Values: model.Values{model.FieldRate: model.Number(decimal.NewFromInt(-1))}})
	require.Error(t, err)
	rowErrs := RowErrors(model.ID(4), err)
	require.Len(t, rowErrs, 1)
	assert.Equal(t, model.FieldRate, rowErrs[0].Field)
	assert.Equal(t, model.RowID(model.ID(4)), rowErrs[0].Row)

	_, err = c.Update(ctx, model.KindSubAccount, 5, Payload{})
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusBadGateway, be.Status)
	assert.Equal(t, "upstream down", be.Message)
	assert.Nil(t, RowErrors(model.ID(5), err))

	err = c.Delete(ctx, model.KindAccount, 9)
	assert.True(t, IsNotFound(err))
}

func TestIndexedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"validation failed","errors":[{"index":1,"field":"rate","message":"Ensure this value is greater than or equal to 0."},{"field":"name","message":"bad"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "", srv.Client())
	_, err := c.BulkCreate(context.Background(), model.KindSubAccount, model.ParentRef{Kind: model.KindAccount, ID: 3}, []Payload{{}, {}})
	require.Error(t, err)

	rows := []model.RowID{model.NewPlaceholderID(), model.NewPlaceholderID()}
	got := IndexedErrors(rows, err)
	require.Len(t, got, 2)
	assert.Equal(t, rows[1], got[0].Row)
	assert.Equal(t, model.FieldRate, got[0].Field)
	assert.Nil(t, got[1].Row, "no index, no row")

	assert.Nil(t, IndexedErrors(rows, errors.New("offline")))
	marked := AtIndex(err, 0)
	assert.Equal(t, 0, *FieldErrors(marked)[0].Index)
	assert.Equal(t, 1, *FieldErrors(err)[0].Index, "AtIndex leaves err untouched")
}

func TestPaths(t *testing.T) {
	parent := model.ParentRef{Kind: model.KindAccount, ID: 3}
	assert.Equal(t, "/subaccounts/4/", DetailPath(model.KindSubAccount, 4))
	assert.Equal(t, "/accounts/3/subaccounts/", CollectionPath(model.KindSubAccount, parent))
	assert.Equal(t, "/accounts/3/bulk-update-subaccounts/", BulkPath("update", model.KindSubAccount, parent))
	assert.Equal(t, "/accounts/3/groups/", GroupsPath(parent))
}
