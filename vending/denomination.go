/*
Package vending provides the purchase transaction engine of the vending machine.

PURPOSE:
  Tracks three ledgers (drink catalog, the user's wallet and the machine's
  cash drawer, a.k.a. "casher") and executes purchases that validate the
  tendered cash, compute change from what the drawer actually holds and
  update all three ledgers as one unit.

KEY CONCEPTS IN THIS FILE (denomination.go):
  - Denomination: a coin or bill face value (1, 5, 10, ... 10000 yen)
  - MoneyMap: counts per denomination (wallet, drawer, payment, change)

INVARIANTS:
  1. Counts are never negative
  2. Keys are always members of the Denomination Set

USAGE:
  tendered, err := vending.ParseMoneyMap(map[string]int{"yen_100": 1, "yen_50": 1})
  total := tendered.Total() // 150

SEE ALSO:
  - change.go: Greedy change calculator
  - engine.go: Purchase transaction engine
*/
package vending

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// DENOMINATION SET
// =============================================================================

// Denomination is a coin or bill face value in yen.
type Denomination int64

// denominations is the fixed Denomination Set, ascending.
var denominations = []Denomination{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

// Denominations returns the Denomination Set in ascending order.
func Denominations() []Denomination {
	out := make([]Denomination, len(denominations))
	copy(out, denominations)
	return out
}

// DescendingDenominations returns the Denomination Set largest first,
// the order used for change making.
func DescendingDenominations() []Denomination {
	out := make([]Denomination, len(denominations))
	for i, d := range denominations {
		out[len(denominations)-1-i] = d
	}
	return out
}

// IsValid reports whether d belongs to the Denomination Set.
func (d Denomination) IsValid() bool {
	for _, v := range denominations {
		if v == d {
			return true
		}
	}
	return false
}

// Key returns the wire key for d, e.g. "yen_100".
func (d Denomination) Key() string {
	return fmt.Sprintf("yen_%d", d)
}

// ParseDenomination accepts "yen_100" or "100".
func ParseDenomination(key string) (Denomination, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(key), "yen_")
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown denomination %q", key)
	}
	d := Denomination(v)
	if !d.IsValid() {
		return 0, fmt.Errorf("unknown denomination %q", key)
	}
	return d, nil
}

// =============================================================================
// MONEY MAP
// =============================================================================

// MoneyMap holds a count per denomination.
type MoneyMap map[Denomination]int

// MaxCount bounds the units of one denomination a map may hold. With it,
// Total stays far below the int64 range for any valid map.
const MaxCount = 1_000_000

// ChangeEntry is one line of a dispensed-change breakdown.
type ChangeEntry struct {
	Denom Denomination `json:"denom"`
	Count int          `json:"count"`
}

// ParseMoneyMap converts a wire map keyed by "yen_<value>" (or the bare value)
// into a MoneyMap. Unknown keys, negative counts and counts above MaxCount
// are rejected.
func ParseMoneyMap(raw map[string]int) (MoneyMap, error) {
	m := make(MoneyMap, len(raw))
	for k, count := range raw {
		d, err := ParseDenomination(k)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, fmt.Errorf("negative count %d for %s", count, k)
		}
		if count > MaxCount-m[d] {
			return nil, fmt.Errorf("count for %s exceeds %d", k, MaxCount)
		}
		m[d] += count
	}
	return m, nil
}

// Validate checks that every key is a known denomination and every count
// is within [0, MaxCount].
func (m MoneyMap) Validate() error {
	for d, c := range m {
		if !d.IsValid() {
			return fmt.Errorf("unknown denomination %d", d)
		}
		if c < 0 {
			return fmt.Errorf("negative count %d for %s", c, d.Key())
		}
		if c > MaxCount {
			return fmt.Errorf("count %d for %s exceeds %d", c, d.Key(), MaxCount)
		}
	}
	return nil
}

// Total returns Σ count*denomination.
func (m MoneyMap) Total() int64 {
	var sum int64
	for d, c := range m {
		sum += int64(d) * int64(c)
	}
	return sum
}

// IsZero reports whether the map holds no units at all.
func (m MoneyMap) IsZero() bool {
	for _, c := range m {
		if c != 0 {
			return false
		}
	}
	return true
}

// Clone returns a copy without zero entries.
func (m MoneyMap) Clone() MoneyMap {
	out := make(MoneyMap, len(m))
	for d, c := range m {
		if c != 0 {
			out[d] = c
		}
	}
	return out
}

// Add returns m + other.
func (m MoneyMap) Add(other MoneyMap) MoneyMap {
	out := m.Clone()
	for d, c := range other {
		out[d] += c
	}
	return out.Clone()
}

// Sub returns m - other, failing if any count would go negative.
func (m MoneyMap) Sub(other MoneyMap) (MoneyMap, error) {
	out := m.Clone()
	for d, c := range other {
		if out[d] < c {
			return nil, fmt.Errorf("cannot take %d x %s from %d", c, d.Key(), out[d])
		}
		out[d] -= c
	}
	return out.Clone(), nil
}

// Covers reports whether m holds at least other's count for every denomination.
// Returns the first denomination that falls short.
func (m MoneyMap) Covers(other MoneyMap) (Denomination, bool) {
	for _, d := range Denominations() {
		if other[d] > m[d] {
			return d, false
		}
	}
	return 0, true
}

// Equal compares two maps ignoring zero entries.
func (m MoneyMap) Equal(other MoneyMap) bool {
	a, b := m.Clone(), other.Clone()
	if len(a) != len(b) {
		return false
	}
	for d, c := range a {
		if b[d] != c {
			return false
		}
	}
	return true
}

// Entries lists non-zero counts ordered by descending denomination.
func (m MoneyMap) Entries() []ChangeEntry {
	entries := make([]ChangeEntry, 0, len(m))
	for d, c := range m {
		if c > 0 {
			entries = append(entries, ChangeEntry{Denom: d, Count: c})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Denom > entries[j].Denom
	})
	return entries
}

// Full returns a map holding every denomination, zero counts included.
// Stores use it to render the complete ledger rows.
func (m MoneyMap) Full() MoneyMap {
	out := make(MoneyMap, len(denominations))
	for _, d := range denominations {
		out[d] = m[d]
	}
	return out
}

// Wire returns the map keyed by "yen_<value>", zero counts dropped.
func (m MoneyMap) Wire() map[string]int {
	out := make(map[string]int, len(m))
	for d, c := range m {
		if c != 0 {
			out[d.Key()] = c
		}
	}
	return out
}
