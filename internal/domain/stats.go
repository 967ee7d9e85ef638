package domain

import "github.com/shopspring/decimal"

// OrderStats is the admin dashboard aggregate.
type OrderStats struct {
	TotalOrders          int64                   `json:"total_orders"`
	PendingOrders        int64                   `json:"pending_orders"`
	ProcessingOrders     int64                   `json:"processing_orders"`
	ShippedOrders        int64                   `json:"shipped_orders"`
	OutForDeliveryOrders int64                   `json:"out_for_delivery_orders"`
	DeliveredOrders      int64                   `json:"delivered_orders"`
	CancelledOrders      int64                   `json:"cancelled_orders"`
	TotalRevenue         decimal.Decimal         `json:"total_revenue"`
	MonthlyRevenue       decimal.Decimal         `json:"monthly_revenue"`
	StatusDistribution   map[OrderStatus]float64 `json:"status_distribution"`
}

// StatusTotals is the raw per-status aggregate read from storage.
type StatusTotals struct {
	Count   int64
	Revenue decimal.Decimal
}

// NewOrderStats folds per-status totals into the dashboard shape. Every
// status is present in the distribution, at 0 when there are no orders.
func NewOrderStats(byStatus map[OrderStatus]StatusTotals, monthlyRevenue decimal.Decimal) OrderStats {
	stats := OrderStats{
		TotalRevenue:       decimal.Zero,
		MonthlyRevenue:     monthlyRevenue,
		StatusDistribution: make(map[OrderStatus]float64, len(AllStatuses)),
	}

	for _, status := range AllStatuses {
		totals := byStatus[status]
		stats.TotalOrders += totals.Count
		stats.TotalRevenue = stats.TotalRevenue.Add(totals.Revenue)

		switch status {
		case OrderStatusPending:
			stats.PendingOrders = totals.Count
		case OrderStatusProcessing:
			stats.ProcessingOrders = totals.Count
		case OrderStatusShipped:
			stats.ShippedOrders = totals.Count
		case OrderStatusOutForDelivery:
			stats.OutForDeliveryOrders = totals.Count
		case OrderStatusDelivered:
			stats.DeliveredOrders = totals.Count
		case OrderStatusCancelled:
			stats.CancelledOrders = totals.Count
		}
	}

	for _, status := range AllStatuses {
		if stats.TotalOrders == 0 {
			stats.StatusDistribution[status] = 0
			continue
		}
		pct := decimal.NewFromInt(byStatus[status].Count * 100).
			Div(decimal.NewFromInt(stats.TotalOrders)).
			Round(2)
		stats.StatusDistribution[status] = pct.InexactFloat64()
	}

	return stats
}
