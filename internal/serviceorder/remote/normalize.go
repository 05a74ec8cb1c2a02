// Package remote adapts the remote order API to the canonical service order
// types. All shape sniffing of API payloads lives here.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/ledger"
)

// ============================================================================
// FLEXIBLE SCALARS
// ============================================================================

// Number accepts JSON numbers, numeric strings (dot or comma decimal) and null.
type Number struct {
	Value float64
	Valid bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = Number{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = Number{}
			return nil
		}
		if strings.Contains(s, ",") && !strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ",", ".")
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("remote: invalid number %q", s)
		}
		*n = Number{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

func num(v float64) Number { return Number{Value: v, Valid: true} }

func (n Number) int64Ptr() *int64 {
	if !n.Valid || n.Value <= 0 {
		return nil
	}
	v := int64(n.Value)
	return &v
}

// Flag accepts booleans, 0/1 and "true"/"false" strings.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "sim":
		*f = true
	default:
		*f = false
	}
	return nil
}

// Timestamp accepts RFC3339, "2006-01-02 15:04:05" and plain dates.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || strings.TrimSpace(s) == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("remote: invalid timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

func stamp(t time.Time) Timestamp { return Timestamp{Time: t} }

func stampPtr(t *time.Time) Timestamp {
	if t == nil {
		return Timestamp{}
	}
	return Timestamp{Time: *t}
}

func (t Timestamp) ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// ============================================================================
// ENVELOPES
// ============================================================================

// unwrap strips {"data": ...} envelopes, including the nested data.data shape
// of paginated responses.
func unwrap(raw json.RawMessage) json.RawMessage {
	for i := 0; i < 3; i++ {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return trimmed
		}
		var env map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return trimmed
		}
		data, ok := env["data"]
		if !ok {
			return trimmed
		}
		raw = data
	}
	return raw
}

func isEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("{}")) || bytes.Equal(t, []byte("[]"))
}

// decodeOne decodes a single record, accepting a one-element array.
func decodeOne(raw json.RawMessage, dest any) (bool, error) {
	body := unwrap(raw)
	if isEmpty(body) {
		return false, nil
	}
	if body[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(body, &list); err != nil {
			return false, err
		}
		if len(list) == 0 {
			return false, nil
		}
		body = list[0]
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return false, err
	}
	return true, nil
}

// decodeList decodes a list, accepting a single object as a one-element list.
func decodeList[T any](raw json.RawMessage) ([]T, error) {
	body := unwrap(raw)
	if isEmpty(body) {
		return nil, nil
	}
	if body[0] == '{' {
		var one T
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, err
		}
		return []T{one}, nil
	}
	var list []T
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ============================================================================
// ORDERS
// ============================================================================

type wireOrder struct {
	ID                 Number        `json:"id"`
	Code               string        `json:"id_os"`
	CodeAlt            string        `json:"codigo,omitempty"`
	Status             string        `json:"status_os"`
	PaymentStatus      string        `json:"status_pagamento,omitempty"`
	ClientID           Number        `json:"cliente_id"`
	ClientName         string        `json:"cliente_nome,omitempty"`
	ClientClass        string        `json:"cliente_classe,omitempty"`
	ClientTerceirizado Flag          `json:"cliente_terceirizado,omitempty"`
	ClientDiscount     Number        `json:"desconto_terceirizado_percentual"`
	DiscountKind       string        `json:"desconto_geral_tipo,omitempty"`
	DiscountValue      Number        `json:"desconto_geral_valor"`
	Freight            Number        `json:"frete_valor"`
	MachineID          Number        `json:"maquina_id"`
	Notes              string        `json:"observacoes,omitempty"`
	Items              []wireItem    `json:"itens"`
	ItemsAlt           []wireItem    `json:"items,omitempty"`
	Payments           []wirePayment `json:"pagamentos,omitempty"`
	ItemsSubtotal      Number        `json:"valor_subtotal_itens"`
	GrandTotal         Number        `json:"valor_total_os"`
	CreatedAt          Timestamp     `json:"data_criacao"`
	FinalizedAt        Timestamp     `json:"data_finalizacao"`
	ValidUntil         Timestamp     `json:"data_validade"`
	UpdatedAt          Timestamp     `json:"updated_at"`
}

type wireItem struct {
	RowID       Number           `json:"id"`
	Token       string           `json:"id_item_os"`
	ProductID   Number           `json:"produto_id"`
	VariantID   Number           `json:"variacao_id"`
	Description string           `json:"nome_servico_produto,omitempty"`
	Kind        string           `json:"tipo_item,omitempty"`
	Quantity    Number           `json:"quantidade"`
	UnitPrice   Number           `json:"valor_unitario"`
	Width       Number           `json:"largura"`
	Height      Number           `json:"altura"`
	AreaPrice   Number           `json:"valor_m2"`
	Finishes    []wireFinishRef  `json:"acabamentos,omitempty"`
	Total       Number           `json:"valor_total"`
	Subtotal    Number           `json:"subtotal_item"`
	Consumption *wireConsumption `json:"consumo,omitempty"`
	UpdatedAt   Timestamp        `json:"updated_at"`
}

type wireFinishRef struct {
	ID Number `json:"id"`
}

type wireConsumption struct {
	SheetWidth     Number `json:"largura_chapa"`
	SheetHeight    Number `json:"altura_chapa"`
	PieceWidth     Number `json:"largura_peca"`
	PieceHeight    Number `json:"altura_peca"`
	RequestedQty   Number `json:"quantidade_solicitada"`
	CostPerSheet   Number `json:"custo_unitario"`
	PiecesPerSheet Number `json:"pecas_por_chapa"`
	SheetsNeeded   Number `json:"chapas_necessarias"`
	TotalCost      Number `json:"custo_total"`
}

type wirePayment struct {
	Method  string    `json:"forma_pagamento"`
	Amount  Number    `json:"valor"`
	DueDate Timestamp `json:"data_vencimento"`
}

var statusFromWire = map[string]serviceorder.Status{
	"orcamento":       serviceorder.StatusDraft,
	"orçamento":       serviceorder.StatusDraft,
	"rascunho":        serviceorder.StatusDraft,
	"orcamento salvo": serviceorder.StatusQuoteSaved,
	"orçamento salvo": serviceorder.StatusQuoteSaved,
	"orcamento_salvo": serviceorder.StatusQuoteSaved,
	"finalizada":      serviceorder.StatusFinalized,
	"finalizado":      serviceorder.StatusFinalized,
	"entregue":        serviceorder.StatusDelivered,
}

var statusToWire = map[serviceorder.Status]string{
	serviceorder.StatusDraft:      "Orçamento",
	serviceorder.StatusQuoteSaved: "Orçamento Salvo",
	serviceorder.StatusFinalized:  "Finalizada",
	serviceorder.StatusDelivered:  "Entregue",
}

var paymentStatusFromWire = map[string]serviceorder.PaymentStatus{
	"pendente": serviceorder.PaymentPending,
	"parcial":  serviceorder.PaymentPartial,
	"pago":     serviceorder.PaymentPaid,
}

var paymentStatusToWire = map[serviceorder.PaymentStatus]string{
	serviceorder.PaymentPending: "Pendente",
	serviceorder.PaymentPartial: "Parcial",
	serviceorder.PaymentPaid:    "Pago",
}

var methodFromWire = map[string]serviceorder.PaymentMethod{
	"dinheiro":  serviceorder.MethodCash,
	"cartao":    serviceorder.MethodCard,
	"cartão":    serviceorder.MethodCard,
	"pix":       serviceorder.MethodPix,
	"crediario": serviceorder.MethodCrediario,
	"crediário": serviceorder.MethodCrediario,
}

var methodToWire = map[serviceorder.PaymentMethod]string{
	serviceorder.MethodCash:      "Dinheiro",
	serviceorder.MethodCard:      "Cartão",
	serviceorder.MethodPix:       "Pix",
	serviceorder.MethodCrediario: "Crediário",
}

func lookup[T any](m map[string]T, raw string) (T, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	v, ok := m[key]
	if !ok {
		// canonical enum values pass through
		for _, candidate := range m {
			if strings.EqualFold(fmt.Sprint(candidate), raw) {
				return candidate, true
			}
		}
	}
	return v, ok
}

// DecodeOrder converts a raw API payload into the canonical order.
func DecodeOrder(raw json.RawMessage) (serviceorder.Order, bool, error) {
	var w wireOrder
	ok, err := decodeOne(raw, &w)
	if err != nil || !ok {
		return serviceorder.Order{}, ok, err
	}
	return w.toOrder(), true, nil
}

// DecodeOrders converts a list payload.
func DecodeOrders(raw json.RawMessage) ([]serviceorder.Order, error) {
	list, err := decodeList[wireOrder](raw)
	if err != nil {
		return nil, err
	}
	out := make([]serviceorder.Order, 0, len(list))
	for _, w := range list {
		out = append(out, w.toOrder())
	}
	return out, nil
}

func (w wireOrder) toOrder() serviceorder.Order {
	o := serviceorder.Order{
		ID:                    int64(w.ID.Value),
		Code:                  strings.TrimSpace(w.Code),
		ClientID:              w.ClientID.int64Ptr(),
		ClientName:            strings.TrimSpace(w.ClientName),
		ClientDiscountPercent: w.ClientDiscount.Value,
		Freight:               w.Freight.Value,
		MachineID:             w.MachineID.int64Ptr(),
		Notes:                 w.Notes,
		CreatedAt:             w.CreatedAt.Time,
		UpdatedAt:             w.UpdatedAt.Time,
		FinalizedAt:           w.FinalizedAt.ptr(),
		ValidUntil:            w.ValidUntil.ptr(),
	}
	if o.Code == "" {
		o.Code = strings.TrimSpace(w.CodeAlt)
	}
	if status, ok := lookup(statusFromWire, w.Status); ok {
		o.Status = status
	} else {
		o.Status = serviceorder.StatusDraft
	}
	if ps, ok := lookup(paymentStatusFromWire, w.PaymentStatus); ok {
		o.PaymentStatus = ps
	} else {
		o.PaymentStatus = serviceorder.PaymentPending
	}
	o.ClientClass = serviceorder.ClientRegular
	if bool(w.ClientTerceirizado) || strings.EqualFold(w.ClientClass, string(serviceorder.ClientTerceirizado)) {
		o.ClientClass = serviceorder.ClientTerceirizado
	}
	switch strings.ToLower(w.DiscountKind) {
	case "valor_fixo", "fixo", "fixed":
		o.Discount = serviceorder.Discount{Kind: serviceorder.DiscountFixed, Value: w.DiscountValue.Value}
	default:
		o.Discount = serviceorder.Discount{Kind: serviceorder.DiscountPercent, Value: w.DiscountValue.Value}
	}

	items := w.Items
	if len(items) == 0 {
		items = w.ItemsAlt
	}
	owner := o.Code
	if owner == "" {
		owner = fmt.Sprintf("id-%d", o.ID)
	}
	for i, wi := range items {
		o.Items = append(o.Items, wi.toItem(owner, i))
	}
	o.Items = ledger.Dedupe(o.Items)

	for _, wp := range w.Payments {
		method, ok := lookup(methodFromWire, wp.Method)
		if !ok {
			method = serviceorder.MethodCash
		}
		o.Payments = append(o.Payments, serviceorder.Payment{Method: method, Amount: wp.Amount.Value, DueDate: wp.DueDate.ptr()})
	}
	return o
}

// itemNamespace seeds the tokens derived for wire items that carry no token
// and no row id, so a reload of the same payload yields the same tokens.
var itemNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:serviceorder:item"))

func (w wireItem) toItem(owner string, pos int) serviceorder.LineItem {
	item := serviceorder.LineItem{
		Token:       strings.TrimSpace(w.Token),
		RowID:       w.RowID.int64Ptr(),
		ProductID:   int64(w.ProductID.Value),
		VariantID:   w.VariantID.int64Ptr(),
		Description: w.Description,
		UpdatedAt:   w.UpdatedAt.Time,
	}
	if item.Token == "" {
		if item.RowID != nil {
			item.Token = fmt.Sprintf("row-%d", *item.RowID)
		} else {
			item.Token = uuid.NewSHA1(itemNamespace, fmt.Appendf(nil, "%s/%d", owner, pos)).String()
		}
	}

	qty := w.Quantity.Value
	if !w.Quantity.Valid || qty <= 0 {
		qty = 1
	}
	kind := strings.ToLower(strings.TrimSpace(w.Kind))
	isArea := kind == "m2" || kind == "area" || kind == "m²" ||
		(kind == "" && (w.Width.Value > 0 || w.Height.Value > 0 || w.Consumption != nil))
	if isArea {
		item.Kind = serviceorder.ItemByArea
		item.Area = &serviceorder.AreaPricing{
			Width:        w.Width.Value,
			Height:       w.Height.Value,
			Quantity:     qty,
			PricePerArea: firstValid(w.AreaPrice, w.UnitPrice),
		}
		if c := w.Consumption; c != nil {
			item.Area.Consumption = &serviceorder.Consumption{
				SheetWidth:     c.SheetWidth.Value,
				SheetHeight:    c.SheetHeight.Value,
				PieceWidth:     c.PieceWidth.Value,
				PieceHeight:    c.PieceHeight.Value,
				RequestedQty:   c.RequestedQty.Value,
				CostPerSheet:   c.CostPerSheet.Value,
				PiecesPerSheet: c.PiecesPerSheet.Value,
				SheetsNeeded:   c.SheetsNeeded.Value,
				TotalCost:      c.TotalCost.Value,
				Populated:      c.TotalCost.Valid && c.TotalCost.Value > 0,
			}
		}
	} else {
		item.Kind = serviceorder.ItemByUnit
		item.Unit = &serviceorder.UnitPricing{Quantity: qty, UnitPrice: w.UnitPrice.Value}
	}

	for _, f := range w.Finishes {
		if f.ID.Valid && f.ID.Value > 0 {
			item.Finishes = append(item.Finishes, serviceorder.SelectedFinish{FinishID: int64(f.ID.Value)})
		}
	}

	// The stored total is authoritative; it is never recomputed on load.
	if stored, ok := storedTotal(w); ok {
		item.StoredSubtotal = &stored
	}
	return item
}

func storedTotal(w wireItem) (decimal.Decimal, bool) {
	for _, n := range []Number{w.Total, w.Subtotal} {
		if n.Valid && n.Value >= 0 {
			return decimal.NewFromFloat(n.Value).Round(2), true
		}
	}
	return decimal.Zero, false
}

func firstValid(values ...Number) float64 {
	for _, v := range values {
		if v.Valid {
			return v.Value
		}
	}
	return 0
}

// EncodeOrder renders the canonical order as an API payload.
func EncodeOrder(o serviceorder.Order) ([]byte, error) {
	return json.Marshal(fromOrder(o))
}

func fromOrder(o serviceorder.Order) wireOrder {
	w := wireOrder{
		Code:           o.Code,
		Status:         statusToWire[o.Status],
		PaymentStatus:  paymentStatusToWire[o.PaymentStatus],
		ClientName:     o.ClientName,
		ClientClass:    string(o.ClientClass),
		ClientDiscount: num(o.ClientDiscountPercent),
		DiscountValue:  num(o.Discount.Value),
		Freight:        num(o.Freight),
		Notes:          o.Notes,
		ItemsSubtotal:  num(o.Totals.ItemsSubtotal.InexactFloat64()),
		GrandTotal:     num(o.Totals.GrandTotal.InexactFloat64()),
		CreatedAt:      stamp(o.CreatedAt),
		FinalizedAt:    stampPtr(o.FinalizedAt),
		ValidUntil:     stampPtr(o.ValidUntil),
		UpdatedAt:      stamp(o.UpdatedAt),
		Items:          make([]wireItem, 0, len(o.Items)),
	}
	w.ClientTerceirizado = Flag(o.ClientClass == serviceorder.ClientTerceirizado)
	if o.ID > 0 {
		w.ID = num(float64(o.ID))
	}
	if o.ClientID != nil {
		w.ClientID = num(float64(*o.ClientID))
	}
	if o.MachineID != nil {
		w.MachineID = num(float64(*o.MachineID))
	}
	w.DiscountKind = "percentual"
	if o.Discount.Kind == serviceorder.DiscountFixed {
		w.DiscountKind = "valor_fixo"
	}
	for _, item := range o.Items {
		w.Items = append(w.Items, fromItem(item))
	}
	for _, p := range o.Payments {
		w.Payments = append(w.Payments, wirePayment{Method: methodToWire[p.Method], Amount: num(p.Amount), DueDate: stampPtr(p.DueDate)})
	}
	return w
}

func fromItem(item serviceorder.LineItem) wireItem {
	w := wireItem{
		Token:       item.Token,
		ProductID:   num(float64(item.ProductID)),
		Description: item.Description,
		UpdatedAt:   stamp(item.UpdatedAt),
	}
	if item.RowID != nil {
		w.RowID = num(float64(*item.RowID))
	}
	if item.VariantID != nil {
		w.VariantID = num(float64(*item.VariantID))
	}
	switch {
	case item.Unit != nil:
		w.Kind = "unidade"
		w.Quantity = num(item.Unit.Quantity)
		w.UnitPrice = num(item.Unit.UnitPrice)
	case item.Area != nil:
		w.Kind = "m2"
		w.Quantity = num(item.Area.Quantity)
		w.Width = num(item.Area.Width)
		w.Height = num(item.Area.Height)
		w.AreaPrice = num(item.Area.PricePerArea)
		if c := item.Area.Consumption; c != nil {
			w.Consumption = &wireConsumption{
				SheetWidth:     num(c.SheetWidth),
				SheetHeight:    num(c.SheetHeight),
				PieceWidth:     num(c.PieceWidth),
				PieceHeight:    num(c.PieceHeight),
				RequestedQty:   num(c.RequestedQty),
				CostPerSheet:   num(c.CostPerSheet),
				PiecesPerSheet: num(c.PiecesPerSheet),
				SheetsNeeded:   num(c.SheetsNeeded),
			}
			if c.Populated {
				w.Consumption.TotalCost = num(c.TotalCost)
			}
		}
	}
	for _, f := range item.Finishes {
		w.Finishes = append(w.Finishes, wireFinishRef{ID: num(float64(f.FinishID))})
	}
	if item.StoredSubtotal != nil {
		v := num(item.StoredSubtotal.InexactFloat64())
		w.Total = v
		w.Subtotal = v
	}
	return w
}
