package vending

// =============================================================================
// CHANGE CALCULATOR
// =============================================================================

// ComputeChange breaks amount into denominations taken from supply.
//
// Greedy, single pass, largest denomination first: at each denomination it
// dispenses min(amount/d, supply[d]) units. It never backtracks, so a greedy
// choice that starves a later denomination is not retried. A positive
// remainder means supply cannot cover amount this way; supply is not mutated.
func ComputeChange(amount int64, supply MoneyMap) (MoneyMap, int64) {
	dispensed := make(MoneyMap)
	if amount <= 0 {
		return dispensed, 0
	}

	remaining := amount
	for _, d := range DescendingDenominations() {
		if remaining == 0 {
			break
		}
		need := remaining / int64(d)
		if need == 0 {
			continue
		}
		available := int64(supply[d])
		if available <= 0 {
			continue
		}
		take := min(need, available)
		dispensed[d] = int(take)
		remaining -= take * int64(d)
	}
	return dispensed, remaining
}
