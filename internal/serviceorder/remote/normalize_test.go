package remote

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

const nestedOrder = `{
  "success": true,
  "data": {
    "data": {
      "id": "41",
      "id_os": "OS-1041",
      "status_os": "Finalizada",
      "status_pagamento": "Parcial",
      "cliente_id": 7,
      "cliente_terceirizado": "1",
      "desconto_terceirizado_percentual": "10,5",
      "desconto_geral_tipo": "valor_fixo",
      "desconto_geral_valor": 3,
      "frete_valor": "12.00",
      "data_criacao": "2026-02-01 09:30:00",
      "itens": [
        {"id": 900, "id_item_os": "a", "produto_id": 3, "tipo_item": "m2", "largura": "1.5", "altura": 0.8, "quantidade": "2", "valor_m2": 40, "valor_total": "101.10", "subtotal_item": 95},
        {"id": 901, "produto_id": 5, "quantidade": null, "valor_unitario": "2.5", "subtotal_item": "2.50"},
        {"id_item_os": "c", "produto_id": 3, "largura": 1, "altura": 1, "quantidade": 1, "consumo": {"custo_total": "80.00", "quantidade_solicitada": 4}, "acabamentos": [{"id": 2}, {"id": null}]}
      ],
      "pagamentos": [{"forma_pagamento": "Crediário", "valor": "50"}]
    }
  }
}`

func TestDecodeOrderNestedEnvelope(t *testing.T) {
	order, ok, err := DecodeOrder(json.RawMessage(nestedOrder))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, int64(41), order.ID)
	assert.Equal(t, "OS-1041", order.Code)
	assert.Equal(t, serviceorder.StatusFinalized, order.Status)
	assert.Equal(t, serviceorder.PaymentPartial, order.PaymentStatus)
	assert.Equal(t, serviceorder.ClientTerceirizado, order.ClientClass)
	assert.Equal(t, 10.5, order.ClientDiscountPercent)
	assert.Equal(t, serviceorder.Discount{Kind: serviceorder.DiscountFixed, Value: 3}, order.Discount)
	assert.Equal(t, 12.0, order.Freight)
	assert.Equal(t, time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC), order.CreatedAt)
	require.Len(t, order.Payments, 1)
	assert.Equal(t, serviceorder.MethodCrediario, order.Payments[0].Method)

	require.Len(t, order.Items, 3)
	area := order.Items[0]
	assert.Equal(t, serviceorder.ItemByArea, area.Kind)
	assert.Equal(t, 1.5, area.Area.Width)
	assert.Equal(t, 40.0, area.Area.PricePerArea)
	require.NotNil(t, area.StoredSubtotal)
	// valor_total wins over subtotal_item
	assert.Equal(t, "101.10", area.StoredSubtotal.StringFixed(2))

	unit := order.Items[1]
	assert.Equal(t, "row-901", unit.Token)
	assert.Equal(t, serviceorder.ItemByUnit, unit.Kind)
	assert.Equal(t, 1.0, unit.Unit.Quantity)
	assert.Equal(t, "2.50", unit.StoredSubtotal.StringFixed(2))

	cut := order.Items[2]
	assert.True(t, cut.UsesConsumptionTotal())
	assert.Equal(t, 4.0, cut.EffectiveQuantity())
	assert.Equal(t, []serviceorder.SelectedFinish{{FinishID: 2}}, cut.Finishes)
	assert.Nil(t, cut.StoredSubtotal)
}

func TestDecodeOrderShapes(t *testing.T) {
	flat := `{"id": 1, "id_os": "OS-1", "status_os": "Orçamento Salvo", "items": [{"id_item_os": "x", "produto_id": 1, "quantidade": 1, "valor_unitario": 1}]}`
	wrapped := `{"data": ` + flat + `}`
	array := `[` + flat + `]`

	for _, raw := range []string{flat, wrapped, array} {
		order, ok, err := DecodeOrder(json.RawMessage(raw))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "OS-1", order.Code)
		assert.Equal(t, serviceorder.StatusQuoteSaved, order.Status)
		require.Len(t, order.Items, 1)
	}

	for _, raw := range []string{`{"data": null}`, `[]`, `{}`, `{"data": {"data": []}}`} {
		_, ok, err := DecodeOrder(json.RawMessage(raw))
		require.NoError(t, err)
		assert.False(t, ok, raw)
	}
}

func TestDecodeOrderDedupesItems(t *testing.T) {
	raw := `{"id_os": "OS-2", "itens": [
		{"id_item_os": "dup", "produto_id": 1, "quantidade": 1, "valor_unitario": 1},
		{"id": 5, "id_item_os": "dup", "produto_id": 1, "quantidade": 2, "valor_unitario": 1}
	]}`
	order, ok, err := DecodeOrder(json.RawMessage(raw))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, order.Items, 1)
	assert.Equal(t, int64(5), *order.Items[0].RowID)
}

func TestDecodeOrderDerivesStableTokens(t *testing.T) {
	raw := json.RawMessage(`{"id": 3, "id_os": "OS-3", "itens": [
		{"produto_id": 1, "quantidade": 1, "valor_unitario": 4},
		{"produto_id": 2, "quantidade": 2, "valor_unitario": 5}
	]}`)
	first, ok, err := DecodeOrder(raw)
	require.NoError(t, err)
	require.True(t, ok)
	second, _, err := DecodeOrder(raw)
	require.NoError(t, err)

	require.Len(t, first.Items, 2)
	require.Len(t, second.Items, 2)
	assert.NotEmpty(t, first.Items[0].Token)
	assert.NotEqual(t, first.Items[0].Token, first.Items[1].Token)
	assert.Equal(t, first.Items[0].Token, second.Items[0].Token)
	assert.Equal(t, first.Items[1].Token, second.Items[1].Token)

	other, _, err := DecodeOrder(json.RawMessage(`{"id_os": "OS-4", "itens": [{"produto_id": 1, "quantidade": 1}]}`))
	require.NoError(t, err)
	assert.NotEqual(t, first.Items[0].Token, other.Items[0].Token)
}

func TestDecodeOrdersPaginated(t *testing.T) {
	raw := `{"data": {"current_page": 1, "data": [{"id": 1, "id_os": "OS-1"}, {"id": 2, "id_os": "OS-2"}]}}`
	orders, err := DecodeOrders(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "OS-2", orders[1].Code)
}

func TestEncodeDecodeKeepsTokensAndStoredSubtotals(t *testing.T) {
	stored := decimal.RequireFromString("12.34")
	row := int64(3)
	order := serviceorder.Order{
		ID:     9,
		Code:   "OS-9",
		Status: serviceorder.StatusQuoteSaved,
		Items: []serviceorder.LineItem{
			{Token: "t1", RowID: &row, ProductID: 1, Kind: serviceorder.ItemByUnit, Unit: &serviceorder.UnitPricing{Quantity: 2, UnitPrice: 6.17}, StoredSubtotal: &stored},
			{Token: "t2", ProductID: 2, Kind: serviceorder.ItemByArea, Area: &serviceorder.AreaPricing{Width: 1, Height: 2, Quantity: 1, PricePerArea: 3,
				Consumption: &serviceorder.Consumption{TotalCost: 44, Populated: true}}, StoredSubtotal: &stored},
		},
	}
	raw, err := EncodeOrder(order)
	require.NoError(t, err)

	back, ok, err := DecodeOrder(raw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, back.Items, 2)
	for i := range order.Items {
		assert.Equal(t, order.Items[i].Token, back.Items[i].Token)
		assert.True(t, order.Items[i].StoredSubtotal.Equal(*back.Items[i].StoredSubtotal))
	}
	assert.True(t, back.Items[1].UsesConsumptionTotal())
	assert.Equal(t, serviceorder.StatusQuoteSaved, back.Status)
}

func TestNumberRejectsGarbage(t *testing.T) {
	var n Number
	require.Error(t, json.Unmarshal([]byte(`"abc"`), &n))
	require.NoError(t, json.Unmarshal([]byte(`""`), &n))
	assert.False(t, n.Valid)
}

func TestDecodeFinishes(t *testing.T) {
	raw := `{"data": [
		{"id": 1, "nome_acabamento": "Laminação", "tipo_aplicacao": "area", "valor": "2.5", "produto_vinculado_id": 9, "produto_vinculado_quantidade_por_uso": "0.5"},
		{"id": 2, "nome": "Ilhós", "tipo_aplicacao": "unidade", "preco": 0.3},
		{"id": 3, "tipo_aplicacao": "perimetro", "valor": 1}
	]}`
	list, err := DecodeFinishes(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, serviceorder.FinishByArea, list[0].Mode)
	assert.Equal(t, int64(9), *list[0].LinkedProductID)
	assert.Equal(t, 0.5, list[0].ConsumptionRatio)
	assert.Equal(t, "Ilhós", list[1].Name)
	assert.Equal(t, 0.3, list[1].Price)
	assert.Equal(t, serviceorder.FinishByPerimeter, list[2].Mode)
}
