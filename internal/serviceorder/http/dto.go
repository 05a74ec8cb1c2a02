package serviceorderhttp

import (
	"time"

	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

type discountDTO struct {
	Kind  string  `json:"kind" validate:"omitempty,oneof=PERCENT FIXED"`
	Value float64 `json:"value" validate:"gte=0"`
}

type unitDTO struct {
	Quantity  float64 `json:"quantity" validate:"gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

type areaDTO struct {
	Width        float64                   `json:"width" validate:"gte=0"`
	Height       float64                   `json:"height" validate:"gte=0"`
	Quantity     float64                   `json:"quantity" validate:"gt=0"`
	PricePerArea float64                   `json:"price_per_area" validate:"gte=0"`
	Consumption  *serviceorder.Consumption `json:"consumption,omitempty"`
}

type itemDTO struct {
	Token       string                        `json:"token" validate:"max=64"`
	RowID       *int64                        `json:"row_id,omitempty"`
	ProductID   int64                         `json:"product_id" validate:"gt=0"`
	VariantID   *int64                        `json:"variant_id,omitempty"`
	Description string                        `json:"description" validate:"max=500"`
	Kind        string                        `json:"kind" validate:"required,oneof=UNIT AREA"`
	Unit        *unitDTO                      `json:"unit,omitempty" validate:"required_if=Kind UNIT,excluded_if=Kind AREA"`
	Area        *areaDTO                      `json:"area,omitempty" validate:"required_if=Kind AREA,excluded_if=Kind UNIT"`
	Finishes    []serviceorder.SelectedFinish `json:"finishes,omitempty"`
	UpdatedAt   time.Time                     `json:"updated_at"`
}

type paymentDTO struct {
	Method  string     `json:"method" validate:"required,oneof=CASH CARD PIX CREDIARIO"`
	Amount  float64    `json:"amount" validate:"gte=0"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

type orderDTO struct {
	ID                    int64        `json:"id" validate:"gte=0"`
	Code                  string       `json:"code" validate:"max=32"`
	Status                string       `json:"status" validate:"omitempty,oneof=DRAFT QUOTE_SAVED FINALIZED DELIVERED"`
	ClientID              *int64       `json:"client_id,omitempty"`
	ClientName            string       `json:"client_name" validate:"max=200"`
	ClientClass           string       `json:"client_class" validate:"omitempty,oneof=REGULAR TERCEIRIZADO"`
	ClientDiscountPercent float64      `json:"client_discount_percent" validate:"gte=0,lte=100"`
	Discount              discountDTO  `json:"discount"`
	Freight               float64      `json:"freight" validate:"gte=0"`
	MachineID             *int64       `json:"machine_id,omitempty"`
	Notes                 string       `json:"notes" validate:"max=2000"`
	Items                 []itemDTO    `json:"items" validate:"dive"`
	Payments              []paymentDTO `json:"payments" validate:"dive"`
	CreatedAt             time.Time    `json:"created_at"`
	ValidUntil            *time.Time   `json:"valid_until,omitempty"`
	FinalizedAt           *time.Time   `json:"finalized_at,omitempty"`
}

type finalizeRequest struct {
	Order    orderDTO     `json:"order"`
	Payments []paymentDTO `json:"payments" validate:"dive"`
}

type ledgerRequest struct {
	Items []serviceorder.LineItem `json:"items"`
	Item  *itemDTO                `json:"item,omitempty"`
	Token string                  `json:"token,omitempty"`
	From  string                  `json:"from,omitempty"`
	To    string                  `json:"to,omitempty"`
}

type ledgerResponse struct {
	Items   []serviceorder.LineItem `json:"items"`
	Item    *serviceorder.LineItem  `json:"item,omitempty"`
	Anomaly string                  `json:"anomaly,omitempty"`
}

type finalizeResponse struct {
	Order      *serviceorder.Order `json:"order"`
	Stock      any                 `json:"stock"`
	Receivable any                 `json:"receivable,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
}

func (d itemDTO) toDomain() serviceorder.LineItem {
	item := serviceorder.LineItem{
		Token:       d.Token,
		RowID:       d.RowID,
		ProductID:   d.ProductID,
		VariantID:   d.VariantID,
		Description: d.Description,
		Kind:        serviceorder.ItemKind(d.Kind),
		Finishes:    d.Finishes,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.Unit != nil {
		item.Unit = &serviceorder.UnitPricing{Quantity: d.Unit.Quantity, UnitPrice: d.Unit.UnitPrice}
	}
	if d.Area != nil {
		item.Area = &serviceorder.AreaPricing{
			Width:        d.Area.Width,
			Height:       d.Area.Height,
			Quantity:     d.Area.Quantity,
			PricePerArea: d.Area.PricePerArea,
			Consumption:  d.Area.Consumption,
		}
	}
	return item
}

func (d paymentDTO) toDomain() serviceorder.Payment {
	return serviceorder.Payment{
		Method:  serviceorder.PaymentMethod(d.Method),
		Amount:  d.Amount,
		DueDate: d.DueDate,
	}
}

func paymentsToDomain(in []paymentDTO) []serviceorder.Payment {
	if len(in) == 0 {
		return nil
	}
	out := make([]serviceorder.Payment, 0, len(in))
	for _, p := range in {
		out = append(out, p.toDomain())
	}
	return out
}

func (d orderDTO) toDomain() serviceorder.Order {
	order := serviceorder.Order{
		ID:                    d.ID,
		Code:                  d.Code,
		Status:                serviceorder.Status(d.Status),
		ClientID:              d.ClientID,
		ClientName:            d.ClientName,
		ClientClass:           serviceorder.ClientClass(d.ClientClass),
		ClientDiscountPercent: d.ClientDiscountPercent,
		Discount: serviceorder.Discount{
			Kind:  serviceorder.DiscountKind(d.Discount.Kind),
			Value: d.Discount.Value,
		},
		Freight:     d.Freight,
		MachineID:   d.MachineID,
		Notes:       d.Notes,
		Payments:    paymentsToDomain(d.Payments),
		CreatedAt:   d.CreatedAt,
		ValidUntil:  d.ValidUntil,
		FinalizedAt: d.FinalizedAt,
	}
	if order.Status == "" {
		order.Status = serviceorder.StatusDraft
	}
	order.Items = make([]serviceorder.LineItem, 0, len(d.Items))
	for _, item := range d.Items {
		order.Items = append(order.Items, item.toDomain())
	}
	return order
}
