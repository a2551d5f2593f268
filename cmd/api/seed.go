package main

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

// seedDemo mirrors the demo catalog migration for STORE=memory.
func seedDemo(ctx context.Context, cat *pricing.StaticCatalog, stock inventory.Ledger) error {
	teeSale := int64(1999)
	limit := 1000

	cat.PutItem(pricing.Item{SKU: "DEMO-MUG", Name: "Enamel mug", UnitPrice: 1000, Currency: "USD", Active: true})
	cat.PutItem(pricing.Item{SKU: "DEMO-TEE", Name: "Logo tee", UnitPrice: 2500, SalePrice: &teeSale, Currency: "USD", Active: true})
	cat.PutItem(pricing.Item{SKU: "DEMO-CAP", Name: "Retired cap", UnitPrice: 1500, Currency: "USD", Active: false})
	cat.PutShipping(pricing.ShippingOption{ID: "standard", Label: "Standard (3-5 days)", Cost: 500, FreeOver: 5000})
	cat.PutShipping(pricing.ShippingOption{ID: "express", Label: "Express (next day)", Cost: 1500})
	cat.PutCoupon(pricing.Coupon{
		Code:       "WELCOME10",
		Kind:       pricing.DiscountPercentage,
		Percent:    decimal.NewFromInt(10),
		Active:     true,
		UsageLimit: &limit,
	})

	for sku, total := range map[string]int{"DEMO-MUG": 50, "DEMO-TEE": 20, "DEMO-CAP": 0} {
		if err := stock.SetStock(ctx, sku, total); err != nil {
			return err
		}
	}
	return nil
}
