// Package pricing computes line item subtotals and order totals for service
// orders. Every function is pure: the same item and catalog always yield the
// same amounts. Amounts are carried unrounded internally and rounded to two
// decimal places only when a subtotal or total is produced.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

const moneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Catalog indexes finish definitions by id.
type Catalog map[int64]serviceorder.Finish

// NewCatalog builds a catalog from a finish list. Later duplicates win.
func NewCatalog(finishes []serviceorder.Finish) Catalog {
	c := make(Catalog, len(finishes))
	for _, f := range finishes {
		c[f.ID] = f
	}
	return c
}

// Lookup returns the finish definition for id.
func (c Catalog) Lookup(id int64) (serviceorder.Finish, bool) {
	if c == nil {
		return serviceorder.Finish{}, false
	}
	f, ok := c[id]
	return f, ok
}

// DiscountClass describes whether the client qualifies for the class discount.
type DiscountClass struct {
	Qualifies bool
	Percent   float64
}

// ClassFor derives the discount class of an order's client.
func ClassFor(order serviceorder.Order) DiscountClass {
	return DiscountClass{
		Qualifies: order.ClientClass == serviceorder.ClientTerceirizado,
		Percent:   order.ClientDiscountPercent,
	}
}

// ItemArea is width × height for area items, zero otherwise.
func ItemArea(item serviceorder.LineItem) decimal.Decimal {
	w, h := item.Dimensions()
	return nonNegative(w).Mul(nonNegative(h))
}

// ItemPerimeter is 2 × (width + height) for area items, zero otherwise.
func ItemPerimeter(item serviceorder.LineItem) decimal.Decimal {
	w, h := item.Dimensions()
	return nonNegative(w).Add(nonNegative(h)).Mul(decimal.NewFromInt(2))
}

// FinishContribution is the unrounded surcharge of one finish on an item.
func FinishContribution(finish serviceorder.Finish, item serviceorder.LineItem) decimal.Decimal {
	price := nonNegative(finish.Price)
	qty := nonNegative(item.EffectiveQuantity())
	switch finish.Mode {
	case serviceorder.FinishByArea:
		return ItemArea(item).Mul(qty).Mul(price)
	case serviceorder.FinishByPerimeter:
		return ItemPerimeter(item).Mul(qty).Mul(price)
	case serviceorder.FinishByUnit:
		return qty.Mul(price)
	}
	return decimal.Zero
}

// ItemSubtotal computes the item subtotal from its current fields, rounded to
// cents and never negative.
func ItemSubtotal(item serviceorder.LineItem, catalog Catalog) decimal.Decimal {
	return roundMoney(itemSubtotal(item, catalog))
}

// EffectiveSubtotal prefers the persisted subtotal of an unedited item over a
// fresh computation.
func EffectiveSubtotal(item serviceorder.LineItem, catalog Catalog) decimal.Decimal {
	return roundMoney(effectiveSubtotal(item, catalog))
}

// OrderTotals aggregates item subtotals, discounts and freight.
func OrderTotals(order serviceorder.Order, catalog Catalog, class DiscountClass) serviceorder.Totals {
	if len(order.Items) == 0 {
		return zeroTotals()
	}

	items := decimal.Zero
	finishes := decimal.Zero
	for _, item := range order.Items {
		items = items.Add(effectiveSubtotal(item, catalog))
		if !item.UsesConsumptionTotal() {
			finishes = finishes.Add(finishesTotal(item, catalog))
		}
	}

	clientDiscount := decimal.Zero
	if class.Qualifies {
		clientDiscount = items.Mul(percent(class.Percent))
	}
	afterClient := items.Sub(clientDiscount)

	generalDiscount := decimal.Zero
	switch order.Discount.Kind {
	case serviceorder.DiscountPercent:
		generalDiscount = afterClient.Mul(percent(order.Discount.Value))
	case serviceorder.DiscountFixed:
		generalDiscount = nonNegative(order.Discount.Value)
	}

	freight := nonNegative(order.Freight)
	grand := afterClient.Sub(generalDiscount).Add(freight)

	return serviceorder.Totals{
		ItemsSubtotal:   roundMoney(items),
		FinishesTotal:   roundMoney(finishes),
		ClientDiscount:  roundMoney(clientDiscount),
		GeneralDiscount: roundMoney(generalDiscount),
		Freight:         roundMoney(freight),
		GrandTotal:      roundMoney(grand),
	}
}

// Reprice returns a copy of the order with every item subtotal stamped from
// the current item state and totals recomputed. It is used right before an
// order is persisted so the stored values match what the user saw.
func Reprice(order serviceorder.Order, catalog Catalog) serviceorder.Order {
	out := order.Clone()
	for i := range out.Items {
		sub := EffectiveSubtotal(out.Items[i], catalog)
		out.Items[i].StoredSubtotal = &sub
	}
	out.Totals = OrderTotals(out, catalog, ClassFor(out))
	return out
}

// CarryStoredSubtotals returns a copy of items where a stored subtotal
// survives only when the persisted item with the same token still prices
// identically. The surviving value comes from the persisted copy, never from
// the caller.
func CarryStoredSubtotals(items, persisted []serviceorder.LineItem) []serviceorder.LineItem {
	byToken := make(map[string]serviceorder.LineItem, len(persisted))
	for _, p := range persisted {
		if p.Token != "" {
			byToken[p.Token] = p
		}
	}
	out := serviceorder.CloneItems(items)
	for i := range out {
		out[i].StoredSubtotal = nil
		prev, ok := byToken[out[i].Token]
		if !ok || prev.StoredSubtotal == nil || !prev.SamePricing(out[i]) {
			continue
		}
		v := *prev.StoredSubtotal
		out[i].StoredSubtotal = &v
	}
	return out
}

// ValidateTotals rejects totals that may not be persisted.
func ValidateTotals(t serviceorder.Totals) error {
	if t.GrandTotal.IsNegative() {
		return serviceorder.Invalid("grand_total", "grand total cannot be negative")
	}
	return nil
}

func effectiveSubtotal(item serviceorder.LineItem, catalog Catalog) decimal.Decimal {
	if item.StoredSubtotal != nil && !item.StoredSubtotal.IsNegative() {
		return *item.StoredSubtotal
	}
	return itemSubtotal(item, catalog)
}

func itemSubtotal(item serviceorder.LineItem, catalog Catalog) decimal.Decimal {
	var base decimal.Decimal
	switch {
	case item.Unit != nil:
		base = nonNegative(item.Unit.Quantity).Mul(nonNegative(item.Unit.UnitPrice))
	case item.UsesConsumptionTotal():
		// The stored consumption total already embeds finish costs.
		return nonNegative(item.Area.Consumption.TotalCost)
	case item.Area != nil:
		base = ItemArea(item).Mul(nonNegative(item.Area.Quantity)).Mul(nonNegative(item.Area.PricePerArea))
	default:
		return decimal.Zero
	}
	total := base.Add(finishesTotal(item, catalog))
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func finishesTotal(item serviceorder.LineItem, catalog Catalog) decimal.Decimal {
	sum := decimal.Zero
	for _, sel := range item.Finishes {
		finish, ok := catalog.Lookup(sel.FinishID)
		if !ok {
			continue
		}
		sum = sum.Add(FinishContribution(finish, item))
	}
	return sum
}

func percent(p float64) decimal.Decimal {
	v := nonNegative(p)
	if v.GreaterThan(hundred) {
		v = hundred
	}
	return v.Div(hundred)
}

func nonNegative(v float64) decimal.Decimal {
	if v <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

func zeroTotals() serviceorder.Totals {
	return serviceorder.Totals{
		ItemsSubtotal:   decimal.Zero,
		FinishesTotal:   decimal.Zero,
		ClientDiscount:  decimal.Zero,
		GeneralDiscount: decimal.Zero,
		Freight:         decimal.Zero,
		GrandTotal:      decimal.Zero,
	}
}
