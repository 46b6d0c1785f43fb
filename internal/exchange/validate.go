package exchange

import (
	"fmt"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

// ValidateIntent enforces a pair's minimum order size and precision before
// any rate-limited call is consumed. Failures are local ValidationErrors.
func ValidateIntent(info market.PairInfo, intent order.Intent) error {
	if err := intent.Validate(); err != nil {
		return &ValidationError{Field: "intent", Reason: err.Error()}
	}
	if intent.Quantity < info.MinOrderSize {
		return &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%.10g below minimum order size %.10g for %s", intent.Quantity, info.MinOrderSize, info.Symbol),
		}
	}
	if !info.ConformsQty(intent.Quantity) {
		return &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%.10g exceeds %d decimal places for %s", intent.Quantity, info.QtyDecimals, info.Symbol),
		}
	}
	if intent.LimitPrice > 0 && !info.ConformsPrice(intent.LimitPrice) {
		return &ValidationError{
			Field:  "limit_price",
			Reason: fmt.Sprintf("%.10g exceeds %d decimal places for %s", intent.LimitPrice, info.PriceDecimals, info.Symbol),
		}
	}
	return nil
}
