package execution

import "math"

// EntryQuantity sizes an entry: floor(budget × composite/100 / price), at least 1.
// Returns 0 when price or composite is unusable.
func EntryQuantity(budget int64, composite, price float64) int64 {
	if price <= 0 || composite <= 0 || budget <= 0 || math.IsNaN(price) || math.IsNaN(composite) {
		return 0
	}
	qty := int64(math.Floor(float64(budget) * composite / 100 / price))
	if qty < 1 {
		qty = 1
	}
	return qty
}
