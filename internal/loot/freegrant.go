package loot

// GrantEntry is one row of the fixed onboarding reward table.
type GrantEntry struct {
	Name       string  `json:"name"`
	ValueCents int64   `json:"value_cents"`
	Odds       float64 `json:"odds"`
}

// grantTable odds sum to exactly 100.0. The dominant first entry is
// also the floor when the cumulative walk underflows.
var grantTable = []GrantEntry{
	{Name: "Site Credit", ValueCents: 5, Odds: 99.9},
	{Name: "AirPods Pro", ValueCents: 24900, Odds: 0.05},
	{Name: "Apple Watch Ultra", ValueCents: 79900, Odds: 0.03},
	{Name: "MacBook Pro 14\"", ValueCents: 199900, Odds: 0.015},
	{Name: "Rolex Submariner", ValueCents: 1500000, Odds: 0.005},
}

// GrantTable returns a copy of the onboarding reward table for display.
func GrantTable() []GrantEntry {
	out := make([]GrantEntry, len(grantTable))
	copy(out, grantTable)
	return out
}

// ResolveGrant draws one onboarding reward: uniform in [0,100), walk
// the table in order accumulating odds, first entry whose cumulative
// odds reach the draw wins.
func ResolveGrant(rng Rand) GrantEntry {
	draw := rng.Float64() * 100
	cum := 0.0
	for _, e := range grantTable {
		cum += e.Odds
		if cum >= draw {
			return e
		}
	}
	return grantTable[0]
}
