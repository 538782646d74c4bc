package loot

import (
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"

	"lootbox-arena/internal/model"
)

var (
	ErrInvalidPrice = errors.New("box price must be positive")
	ErrEmptyCatalog = errors.New("catalog is empty")
)

// defaultTargetOdds applies when the label carries no "N%" pattern.
const defaultTargetOdds = 0.1

// Remaining probability mass split across the non-target bands, in
// percent. Profit gets whatever the integer arithmetic leaves over.
const (
	lossSharePct      = 80
	breakEvenSharePct = 15
)

// ── Theme classification ─────────────────────────────

// themeRule maps label keywords to a catalog predicate. Rules are
// checked in order; the first rule with a keyword hit wins.
type themeRule struct {
	Name     string
	Keywords []string
	Match    func(model.Item) bool
}

func brandIs(brand string) func(model.Item) bool {
	return func(it model.Item) bool { return strings.EqualFold(it.Brand, brand) }
}

func categoryIn(cats ...model.Category) func(model.Item) bool {
	return func(it model.Item) bool {
		for _, c := range cats {
			if it.Category == c {
				return true
			}
		}
		return false
	}
}

var themeRules = []themeRule{
	{Name: "apple", Keywords: []string{"iphone", "apple", "macbook", "airpods"}, Match: brandIs("Apple")},
	{Name: "sneakers", Keywords: []string{"sneaker", "jordan", "yeezy", "nike"}, Match: categoryIn(model.CategoryClothing)},
	{Name: "luxury", Keywords: []string{"luxury", "watch", "rolex"}, Match: categoryIn(model.CategoryLuxury)},
	{Name: "cars", Keywords: []string{"car", "ferrari", "lambo"}, Match: categoryIn(model.CategoryCars)},
	{Name: "crypto", Keywords: []string{"crypto", "bitcoin", "btc", "eth"}, Match: categoryIn(model.CategoryCrypto)},
	{Name: "gaming", Keywords: []string{"gaming", "pc", "console"}, Match: categoryIn(model.CategoryGaming, model.CategoryTech)},
}

// classify returns the themed subset for a label, or the whole
// catalog when no rule matches or the subset is too thin to build
// a table from.
func classify(label string, catalog []model.Item) []model.Item {
	l := strings.ToLower(label)
	for _, rule := range themeRules {
		if !containsAny(l, rule.Keywords) {
			continue
		}
		var out []model.Item
		for _, it := range catalog {
			if rule.Match(it) {
				out = append(out, it)
			}
		}
		if len(out) >= 5 {
			return out
		}
		break
	}
	return catalog
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ── Value bands ──────────────────────────────────────

type band int

const (
	bandLoss band = iota
	bandBreakEven
	bandProfit
	bandJackpot
)

var bandNames = [4]string{"loss", "break-even", "profit", "jackpot"}

func bandOf(valueCents, priceCents int64) band {
	v, p := float64(valueCents), float64(priceCents)
	switch {
	case v < 0.5*p:
		return bandLoss
	case v <= 1.5*p:
		return bandBreakEven
	case v <= 10*p:
		return bandProfit
	default:
		return bandJackpot
	}
}

// ── Target odds parsing ──────────────────────────────

var pctRe = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*%`)

// parseTargetOdds pulls the "N%" pattern out of a box label.
func parseTargetOdds(label string) float64 {
	m := pctRe.FindStringSubmatch(label)
	if m == nil {
		return defaultTargetOdds
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 || v >= 100 {
		return defaultTargetOdds
	}
	return v
}

// productKeywords let a label name an exact catalog product, which
// overrides the band-based target pick.
var productKeywords = []string{"iphone", "macbook", "airpods", "rolex", "yeezy", "ps5"}

// ── Synthesizer ──────────────────────────────────────

// Synthesize turns (label, price, catalog) into a 4-entry weighted
// reward table: loss / break-even / profit / jackpot. Odds sum to
// 100 at 2-decimal precision. Pure apart from the injected rng.
func Synthesize(label string, priceCents int64, catalog []model.Item, rng Rand) ([]model.LootEntry, error) {
	if priceCents <= 0 {
		return nil, ErrInvalidPrice
	}
	if len(catalog) == 0 {
		return nil, ErrEmptyCatalog
	}

	themed := classify(label, catalog)

	var buckets [4][]model.Item
	for _, it := range themed {
		b := bandOf(it.ValueCents, priceCents)
		buckets[b] = append(buckets[b], it)
	}

	target := pickTarget(label, themed, buckets)

	// Odds are carried as integer basis points so 2-decimal
	// truncation is exact and the table always sums to 100.
	targetBp := toBp(parseTargetOdds(label))
	remainingBp := 10000 - targetBp
	lossBp := remainingBp * lossSharePct / 100
	breakEvenBp := remainingBp * breakEvenSharePct / 100
	profitBp := 10000 - targetBp - lossBp - breakEvenBp

	targetOdds := fromBp(targetBp)
	lossOdds := fromBp(lossBp)
	breakEvenOdds := fromBp(breakEvenBp)
	profitOdds := fromBp(profitBp)

	entries := []model.LootEntry{
		bandEntry(label, bandLoss, drawBand(bandLoss, buckets[bandLoss], target, priceCents, rng), model.RarityCommon, lossOdds),
		bandEntry(label, bandBreakEven, drawBand(bandBreakEven, buckets[bandBreakEven], target, priceCents, rng), model.RarityUncommon, breakEvenOdds),
		bandEntry(label, bandProfit, drawBand(bandProfit, buckets[bandProfit], target, priceCents, rng), model.RarityRare, profitOdds),
		bandEntry(label, bandJackpot, target, model.RarityLegendary, targetOdds),
	}
	return entries, nil
}

// pickTarget selects the designated high-value item: best jackpot,
// else best profit, else the best item in the themed subset. A label
// naming an exact product overrides the band pick.
func pickTarget(label string, themed []model.Item, buckets [4][]model.Item) model.Item {
	l := strings.ToLower(label)
	for _, kw := range productKeywords {
		if !strings.Contains(l, kw) {
			continue
		}
		if it, ok := richestNamed(themed, kw); ok {
			return it
		}
	}
	if it, ok := richest(buckets[bandJackpot]); ok {
		return it
	}
	if it, ok := richest(buckets[bandProfit]); ok {
		return it
	}
	it, _ := richest(themed)
	return it
}

func richest(items []model.Item) (model.Item, bool) {
	if len(items) == 0 {
		return model.Item{}, false
	}
	best := items[0]
	for _, it := range items[1:] {
		if it.ValueCents > best.ValueCents {
			best = it
		}
	}
	return best, true
}

func richestNamed(items []model.Item, kw string) (model.Item, bool) {
	var matched []model.Item
	for _, it := range items {
		if strings.Contains(strings.ToLower(it.Name), kw) {
			matched = append(matched, it)
		}
	}
	return richest(matched)
}

// placeholderFrac is the synthetic item value, as a fraction of the
// box price, substituted when a band has no catalog items.
var placeholderFrac = [3]float64{0.10, 0.90, 2.50}

var placeholderNames = [3]string{"Mystery Grab Bag", "Mystery Box Voucher", "Premium Mystery Item"}

// drawBand picks one uniform item from a band, skipping the target so
// it cannot appear twice in the table. Empty bands get a placeholder
// valued at a fixed fraction of the box price.
func drawBand(b band, items []model.Item, target model.Item, priceCents int64, rng Rand) model.Item {
	pool := make([]model.Item, 0, len(items))
	for _, it := range items {
		if it.Name != target.Name {
			pool = append(pool, it)
		}
	}
	if len(pool) > 0 {
		return pool[rng.Intn(len(pool))]
	}
	return model.Item{
		Name:       placeholderNames[b],
		ValueCents: int64(placeholderFrac[b] * float64(priceCents)),
		Category:   model.CategoryOther,
	}
}

func bandEntry(label string, b band, it model.Item, rarity model.Rarity, odds float64) model.LootEntry {
	return model.LootEntry{
		ID:         entryID(label, b),
		Name:       it.Name,
		ValueCents: it.ValueCents,
		Rarity:     rarity,
		Odds:       odds,
		ImageRef:   imageRef(it.Name),
	}
}

func entryID(label string, b band) string {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(label)))
	h.Write([]byte{':'})
	h.Write([]byte(bandNames[b]))
	return fmt.Sprintf("loot_%08x", h.Sum32())
}

func imageRef(name string) string {
	slug := strings.ToLower(name)
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	return "items/" + strings.Trim(slug, "-") + ".png"
}

// toBp truncates to 2 decimals; the epsilon absorbs float noise like
// 0.29*100 = 28.999...
func toBp(v float64) int64 {
	return int64(v*100 + 1e-9)
}

func fromBp(b int64) float64 {
	return float64(b) / 100
}

// Draw resolves one opening against a synthesized table: uniform in
// [0,100), cumulative walk in table order, last entry as floor.
func Draw(table []model.LootEntry, rng Rand) model.LootEntry {
	r := rng.Float64() * 100
	cum := 0.0
	for _, e := range table {
		cum += e.Odds
		if cum >= r {
			return e
		}
	}
	return table[len(table)-1]
}
