package services

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
)

// PricingService resolves the charge amount for a billable event from the
// active pricing rules. Pricing data is externally owned reference data;
// this service only reads it.
type PricingService struct {
	db               *sql.DB
	defaultUnitPrice int64
}

func NewPricingService(db *sql.DB) *PricingService {
	defaultUnitPrice := int64(250)
	if env := os.Getenv("DEFAULT_MESSAGE_UNIT_PRICE"); env != "" {
		if val, err := strconv.ParseInt(env, 10, 64); err == nil {
			defaultUnitPrice = val
		}
	}
	return &PricingService{db: db, defaultUnitPrice: defaultUnitPrice}
}

// ResolvePrice returns the total amount for quantity units of the given
// category. Categories without an active rule fall back to the default
// message unit price.
func (s *PricingService) ResolvePrice(ctx context.Context, category string, quantity int) (int64, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	var unitPrice int64
	err := s.db.QueryRowContext(ctx, `
		SELECT unit_price FROM pricing_rules
		WHERE category = $1 AND active = true`, category).Scan(&unitPrice)

	if err == sql.ErrNoRows {
		unitPrice = s.defaultUnitPrice
	} else if err != nil {
		return 0, fmt.Errorf("failed to resolve price for category %s: %w", category, err)
	}

	return unitPrice * int64(quantity), nil
}
