package inventory

import (
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/pricing"
)

// Plan computes the aggregated deltas of an order before anything is
// applied. Deltas keep the first-seen order of their product/variant.
func Plan(items []serviceorder.LineItem, catalog pricing.Catalog, isReturn bool) []Delta {
	sign := -1.0
	if isReturn {
		sign = 1.0
	}

	var order []string
	sums := make(map[string]*Delta)
	add := func(productID int64, variantID *int64, qty float64) {
		if productID <= 0 || qty <= 0 {
			return
		}
		d := Delta{ProductID: productID, VariantID: variantID, Qty: sign * qty}
		k := d.key()
		if existing, ok := sums[k]; ok {
			existing.Qty += d.Qty
			return
		}
		sums[k] = &d
		order = append(order, k)
	}

	for _, item := range items {
		switch {
		case item.Unit != nil:
			add(item.ProductID, item.VariantID, item.Unit.Quantity)
		case item.Area != nil:
			consumed := pricing.ItemArea(item).InexactFloat64() * item.Area.Quantity
			add(item.ProductID, item.VariantID, consumed)
		}
		for _, sel := range item.Finishes {
			finish, ok := catalog.Lookup(sel.FinishID)
			if !ok || finish.LinkedProductID == nil || finish.ConsumptionRatio <= 0 {
				continue
			}
			add(*finish.LinkedProductID, nil, finishConsumption(finish, item))
		}
	}

	out := make([]Delta, 0, len(order))
	for _, k := range order {
		out = append(out, *sums[k])
	}
	return out
}

func finishConsumption(finish serviceorder.Finish, item serviceorder.LineItem) float64 {
	qty := item.EffectiveQuantity()
	var base float64
	switch finish.Mode {
	case serviceorder.FinishByArea:
		base = pricing.ItemArea(item).InexactFloat64() * qty
	case serviceorder.FinishByPerimeter:
		base = pricing.ItemPerimeter(item).InexactFloat64() * qty
	case serviceorder.FinishByUnit:
		base = qty
	}
	return base * finish.ConsumptionRatio
}

// Shortfalls reports the debits in deltas that exceed the stock of products.
// Products or variants absent from the list are skipped; ApplyOrder reports
// them once it has consulted the remote.
func Shortfalls(deltas []Delta, products []serviceorder.Product) []Shortfall {
	index := make(map[int64]serviceorder.Product, len(products))
	for _, p := range products {
		index[p.ID] = p
	}
	var out []Shortfall
	for _, d := range deltas {
		if d.Qty >= 0 {
			continue
		}
		p, ok := index[d.ProductID]
		if !ok {
			continue
		}
		available := p.Stock
		if d.VariantID != nil {
			idx := variantIndex(p, *d.VariantID)
			if idx < 0 {
				continue
			}
			available = p.Variants[idx].Stock
		}
		if available+d.Qty < -stockEpsilon {
			out = append(out, Shortfall{ProductID: d.ProductID, VariantID: d.VariantID, Requested: -d.Qty, Available: available})
		}
	}
	return out
}
