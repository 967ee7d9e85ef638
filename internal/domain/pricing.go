package domain

import "github.com/shopspring/decimal"

// Pricing holds the shipping and tax rules applied once, at order creation.
type Pricing struct {
	ShippingFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	TaxRate               decimal.Decimal
}

// Apply fills the price breakdown from the snapshotted item prices.
func (p Pricing) Apply(order *Order) {
	items := decimal.Zero
	for _, item := range order.Items {
		items = items.Add(item.Subtotal())
	}

	shipping := p.ShippingFee
	if p.FreeShippingThreshold.IsPositive() && items.GreaterThanOrEqual(p.FreeShippingThreshold) {
		shipping = decimal.Zero
	}
	tax := items.Mul(p.TaxRate).Round(2)

	order.ItemsPrice = items.Round(2)
	order.ShippingPrice = shipping.Round(2)
	order.TaxPrice = tax
	order.TotalPrice = order.ItemsPrice.Add(order.ShippingPrice).Add(order.TaxPrice)
}
