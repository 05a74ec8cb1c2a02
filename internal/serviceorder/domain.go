package serviceorder

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// ORDER
// ============================================================================

// Status enumerates the service order lifecycle states.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusQuoteSaved Status = "QUOTE_SAVED"
	StatusFinalized  Status = "FINALIZED"
	StatusDelivered  Status = "DELIVERED"
)

// PaymentStatus summarises how much of the grand total has been settled.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
)

// ClientClass drives the automatic client-class discount.
type ClientClass string

const (
	ClientRegular      ClientClass = "REGULAR"
	ClientTerceirizado ClientClass = "TERCEIRIZADO"
)

// DiscountKind selects how the general discount is applied.
type DiscountKind string

const (
	DiscountPercent DiscountKind = "PERCENT"
	DiscountFixed   DiscountKind = "FIXED"
)

// Discount is the order-level general discount.
type Discount struct {
	Kind  DiscountKind `json:"kind"`
	Value float64      `json:"value"`
}

// Order is the canonical service order ("OS").
type Order struct {
	ID                    int64         `json:"id"`
	Code                  string        `json:"code"`
	Status                Status        `json:"status"`
	PaymentStatus         PaymentStatus `json:"payment_status"`
	ClientID              *int64        `json:"client_id,omitempty"`
	ClientName            string        `json:"client_name,omitempty"`
	ClientClass           ClientClass   `json:"client_class,omitempty"`
	ClientDiscountPercent float64       `json:"client_discount_percent"`
	Discount              Discount      `json:"discount"`
	Freight               float64       `json:"freight"`
	MachineID             *int64        `json:"machine_id,omitempty"`
	Notes                 string        `json:"notes,omitempty"`
	Items                 []LineItem    `json:"items"`
	Payments              []Payment     `json:"payments,omitempty"`
	Totals                Totals        `json:"totals"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
	FinalizedAt           *time.Time    `json:"finalized_at,omitempty"`
	ValidUntil            *time.Time    `json:"valid_until,omitempty"`
	Unsynced              bool          `json:"unsynced,omitempty"`
}

// HasClient reports whether the order identifies a client by id or name.
func (o Order) HasClient() bool {
	if o.ClientID != nil && *o.ClientID > 0 {
		return true
	}
	return strings.TrimSpace(o.ClientName) != ""
}

// ClientKey identifies the client for receivable idempotency checks.
func (o Order) ClientKey() string {
	if o.ClientID != nil && *o.ClientID > 0 {
		return "id:" + strconv.FormatInt(*o.ClientID, 10)
	}
	return "name:" + strings.ToLower(strings.TrimSpace(o.ClientName))
}

// Clone returns a deep copy of the order so transformations stay pure.
func (o Order) Clone() Order {
	out := o
	out.Items = CloneItems(o.Items)
	if o.Payments != nil {
		out.Payments = append([]Payment(nil), o.Payments...)
	}
	return out
}

// Totals is the computed pricing breakdown of an order.
type Totals struct {
	ItemsSubtotal   decimal.Decimal `json:"items_subtotal"`
	FinishesTotal   decimal.Decimal `json:"finishes_total"`
	ClientDiscount  decimal.Decimal `json:"client_discount"`
	GeneralDiscount decimal.Decimal `json:"general_discount"`
	Freight         decimal.Decimal `json:"freight"`
	GrandTotal      decimal.Decimal `json:"grand_total"`
}

// ============================================================================
// LINE ITEM
// ============================================================================

// ItemKind distinguishes the two mutually exclusive line item shapes.
type ItemKind string

const (
	ItemByUnit ItemKind = "UNIT"
	ItemByArea ItemKind = "AREA"
)

// LineItem is one composed line of an order. Exactly one of Unit or Area is set.
type LineItem struct {
	Token          string           `json:"token"`
	RowID          *int64           `json:"row_id,omitempty"`
	ProductID      int64            `json:"product_id"`
	VariantID      *int64           `json:"variant_id,omitempty"`
	Description    string           `json:"description,omitempty"`
	Kind           ItemKind         `json:"kind"`
	Unit           *UnitPricing     `json:"unit,omitempty"`
	Area           *AreaPricing     `json:"area,omitempty"`
	Finishes       []SelectedFinish `json:"finishes,omitempty"`
	StoredSubtotal *decimal.Decimal `json:"stored_subtotal,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// UnitPricing is the by-unit shape.
type UnitPricing struct {
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// AreaPricing is the by-area shape. When Consumption is populated the item
// is priced from the stored consumption total instead of the area formula.
type AreaPricing struct {
	Width        float64      `json:"width"`
	Height       float64      `json:"height"`
	Quantity     float64      `json:"quantity"`
	PricePerArea float64      `json:"price_per_area"`
	Consumption  *Consumption `json:"consumption,omitempty"`
}

// Consumption is the material cut-planning record attached to an area item.
type Consumption struct {
	SheetWidth     float64 `json:"sheet_width"`
	SheetHeight    float64 `json:"sheet_height"`
	PieceWidth     float64 `json:"piece_width"`
	PieceHeight    float64 `json:"piece_height"`
	RequestedQty   float64 `json:"requested_qty"`
	CostPerSheet   float64 `json:"cost_per_sheet"`
	PiecesPerSheet float64 `json:"pieces_per_sheet"`
	SheetsNeeded   float64 `json:"sheets_needed"`
	TotalCost      float64 `json:"total_cost"`
	Populated      bool    `json:"populated"`
}

// SelectedFinish references a finish definition from the catalog.
type SelectedFinish struct {
	FinishID int64 `json:"finish_id"`
}

// Quantity returns the item quantity regardless of shape.
func (i LineItem) Quantity() float64 {
	switch {
	case i.Unit != nil:
		return i.Unit.Quantity
	case i.Area != nil:
		return i.Area.Quantity
	}
	return 0
}

// Dimensions returns width and height for area items, zero otherwise.
func (i LineItem) Dimensions() (float64, float64) {
	if i.Area == nil {
		return 0, 0
	}
	return i.Area.Width, i.Area.Height
}

// HasConsumption reports whether the item carries consumption data at all.
func (i LineItem) HasConsumption() bool {
	return i.Area != nil && i.Area.Consumption != nil
}

// UsesConsumptionTotal reports whether pricing must use the stored
// consumption total rather than the area formula.
func (i LineItem) UsesConsumptionTotal() bool {
	return i.HasConsumption() && i.Area.Consumption.Populated
}

// EffectiveQuantity is the consumption requested quantity when positive,
// else the item quantity.
func (i LineItem) EffectiveQuantity() float64 {
	if i.HasConsumption() && i.Area.Consumption.RequestedQty > 0 {
		return i.Area.Consumption.RequestedQty
	}
	return i.Quantity()
}

// Clone deep-copies the item.
func (i LineItem) Clone() LineItem {
	out := i
	if i.RowID != nil {
		v := *i.RowID
		out.RowID = &v
	}
	if i.VariantID != nil {
		v := *i.VariantID
		out.VariantID = &v
	}
	if i.Unit != nil {
		u := *i.Unit
		out.Unit = &u
	}
	if i.Area != nil {
		a := *i.Area
		if i.Area.Consumption != nil {
			c := *i.Area.Consumption
			a.Consumption = &c
		}
		out.Area = &a
	}
	if i.Finishes != nil {
		out.Finishes = append([]SelectedFinish(nil), i.Finishes...)
	}
	if i.StoredSubtotal != nil {
		v := *i.StoredSubtotal
		out.StoredSubtotal = &v
	}
	return out
}

// SamePricing reports whether two items price identically. Tokens, row ids,
// descriptions and stored subtotals are ignored.
func (i LineItem) SamePricing(o LineItem) bool {
	if i.ProductID != o.ProductID || i.Kind != o.Kind || !sameID(i.VariantID, o.VariantID) {
		return false
	}
	if (i.Unit == nil) != (o.Unit == nil) || (i.Area == nil) != (o.Area == nil) {
		return false
	}
	if i.Unit != nil && *i.Unit != *o.Unit {
		return false
	}
	if i.Area != nil {
		a, b := *i.Area, *o.Area
		a.Consumption, b.Consumption = nil, nil
		if a != b || (i.Area.Consumption == nil) != (o.Area.Consumption == nil) {
			return false
		}
		if i.Area.Consumption != nil && *i.Area.Consumption != *o.Area.Consumption {
			return false
		}
	}
	return slices.Equal(i.Finishes, o.Finishes)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// CloneItems deep-copies a slice of items.
func CloneItems(items []LineItem) []LineItem {
	if items == nil {
		return nil
	}
	out := make([]LineItem, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

// ============================================================================
// CATALOG
// ============================================================================

// FinishMode selects how a finish price is applied.
type FinishMode string

const (
	FinishByArea      FinishMode = "AREA"
	FinishByPerimeter FinishMode = "PERIMETER"
	FinishByUnit      FinishMode = "UNIT"
)

// Finish is a catalog finish definition (acabamento).
type Finish struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Mode             FinishMode `json:"mode"`
	Price            float64    `json:"price"`
	LinkedProductID  *int64     `json:"linked_product_id,omitempty"`
	ConsumptionRatio float64    `json:"consumption_ratio,omitempty"`
}

// UnitOfMeasure distinguishes unit and area products.
type UnitOfMeasure string

const (
	UnitEach   UnitOfMeasure = "UN"
	UnitSquare UnitOfMeasure = "M2"
)

// Product is the catalog product with its stock levels.
type Product struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Stock     float64       `json:"stock"`
	MinStock  float64       `json:"min_stock"`
	Unit      UnitOfMeasure `json:"unit"`
	Variants  []Variant     `json:"variants,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Variant is a product variation with its own stock.
type Variant struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Stock float64 `json:"stock"`
}

// ============================================================================
// PAYMENT
// ============================================================================

// PaymentMethod enumerates accepted payment methods.
type PaymentMethod string

const (
	MethodCash      PaymentMethod = "CASH"
	MethodCard      PaymentMethod = "CARD"
	MethodPix       PaymentMethod = "PIX"
	MethodCrediario PaymentMethod = "CREDIARIO"
)

// Deferred reports whether the method creates a receivable.
func (m PaymentMethod) Deferred() bool {
	return m == MethodCrediario
}

// Payment is one payment entry of an order.
type Payment struct {
	Method  PaymentMethod `json:"method"`
	Amount  float64       `json:"amount"`
	DueDate *time.Time    `json:"due_date,omitempty"`
}

// ============================================================================
// REFERENCES & FILTERS
// ============================================================================

// Ref addresses an order by backend id or human-facing code.
type Ref struct {
	ID   int64
	Code string
}

// ParseRef interprets a path segment as a numeric id or a code.
func ParseRef(raw string) Ref {
	raw = strings.TrimSpace(raw)
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return Ref{ID: id}
	}
	return Ref{Code: raw}
}

// RefOf builds the reference of an existing order.
func RefOf(o Order) Ref {
	return Ref{ID: o.ID, Code: o.Code}
}

// Matches reports whether the order is addressed by the ref.
func (r Ref) Matches(o Order) bool {
	if r.ID > 0 && o.ID == r.ID {
		return true
	}
	return r.Code != "" && strings.EqualFold(o.Code, r.Code)
}

// IsZero reports an empty reference.
func (r Ref) IsZero() bool {
	return r.ID == 0 && r.Code == ""
}

// String renders the ref for logs and lock keys.
func (r Ref) String() string {
	if r.Code != "" {
		return r.Code
	}
	return strconv.FormatInt(r.ID, 10)
}

// ListFilter filters remote order listings.
type ListFilter struct {
	Status   *Status
	ClientID *int64
	From     *time.Time
	To       *time.Time
	Limit    int
}

// CodePrefix is prepended to the sequential number to form the order code.
const CodePrefix = "OS-"

// FormatCode renders the human-facing order code for a sequence number.
func FormatCode(seq int64) string {
	return CodePrefix + strconv.FormatInt(seq, 10)
}

// CodeSequence extracts the sequence number from a code, zero when absent.
func CodeSequence(code string) int64 {
	trimmed := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(code)), CodePrefix)
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
