package model

import "time"

// ── Enums ────────────────────────────────────────────

type Category string

const (
	CategoryTech     Category = "TECH"
	CategoryClothing Category = "CLOTHING"
	CategoryLuxury   Category = "LUXURY"
	CategoryCrypto   Category = "CRYPTO"
	CategoryCars     Category = "CARS"
	CategoryGaming   Category = "GAMING"
	CategoryOther    Category = "OTHER"
)

type Rarity string

const (
	RarityCommon    Rarity = "COMMON"
	RarityUncommon  Rarity = "UNCOMMON"
	RarityRare      Rarity = "RARE"
	RarityLegendary Rarity = "LEGENDARY"
)

type BattleStatus string

const (
	BattleWaiting  BattleStatus = "WAITING"
	BattleActive   BattleStatus = "ACTIVE"
	BattleFinished BattleStatus = "FINISHED"
)

type LedgerKind string

const (
	KindBet LedgerKind = "BET"
	KindWin LedgerKind = "WIN"
)

type OpeningOutcome string

const (
	OutcomePending   OpeningOutcome = "PENDING"
	OutcomeSold      OpeningOutcome = "SOLD"
	OutcomeCollected OpeningOutcome = "COLLECTED"
)

type PrizeChoice string

const (
	ChoiceCash  PrizeChoice = "cash"
	ChoiceItems PrizeChoice = "items"
)

// ── Domain Objects ───────────────────────────────────

// Item is one immutable catalog entry. Values are cents.
type Item struct {
	Name       string   `json:"name"`
	ValueCents int64    `json:"value_cents"`
	Category   Category `json:"category"`
	Brand      string   `json:"brand,omitempty"`
}

// LootEntry is one band of a synthesized 4-entry reward table.
// Odds across a table sum to 100 (2-decimal precision).
type LootEntry struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	ValueCents int64   `json:"value_cents"`
	Rarity     Rarity  `json:"rarity"`
	Odds       float64 `json:"odds"`
	ImageRef   string  `json:"image_ref"`
}

type Box struct {
	ID             string    `json:"id"`
	Label          string    `json:"label"`
	PriceCents     int64     `json:"price_cents"`
	SalePriceCents *int64    `json:"sale_price_cents,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// EffectivePrice is the one place the sale-price fallback lives.
// Every component that reads a box price goes through here.
func (b Box) EffectivePrice() int64 {
	if b.SalePriceCents != nil && *b.SalePriceCents > 0 {
		return *b.SalePriceCents
	}
	return b.PriceCents
}

type Wallet struct {
	UserID           string `json:"user_id"`
	BalanceCents     int64  `json:"balance_cents"`
	FreeGrantClaimed bool   `json:"free_grant_claimed"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Username     string    `json:"username"`
	Avatar       string    `json:"avatar"`
	CreatedAt    time.Time `json:"created_at"`
}

// Seat is a filled slot in a battle. The snapshot columns are frozen
// at join time; the live wallet keeps moving underneath.
type Seat struct {
	BattleID           string `json:"battle_id"`
	SeatIndex          int    `json:"seat_index"`
	UserID             string `json:"user_id"`
	Username           string `json:"username"`
	Avatar             string `json:"avatar"`
	BalanceAtJoinCents int64  `json:"balance_at_join_cents"`
}

type Battle struct {
	ID               string         `json:"id"`
	BoxID            string         `json:"box_id"`
	StakeCents       int64          `json:"stake_cents"`
	SeatCount        int            `json:"seat_count"`
	RoundCount       int            `json:"round_count"`
	Mode             string         `json:"mode"`
	Status           BattleStatus   `json:"status"`
	Seats            []Seat         `json:"seats"`
	WinnerID         *string        `json:"winner_id,omitempty"`
	WinnerTotalCents int64          `json:"winner_total_cents"`
	Results          []PlayerResult `json:"results,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
}

type Settlement struct {
	BattleID  string     `json:"battle_id"`
	WinnerID  string     `json:"winner_id"`
	Claimed   bool       `json:"claimed"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

type LedgerEntry struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Kind        LedgerKind `json:"kind"`
	AmountCents int64      `json:"amount_cents"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Opening struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ItemName       string         `json:"item_name"`
	ItemValueCents int64          `json:"item_value_cents"`
	Outcome        OpeningOutcome `json:"outcome"`
	CreatedAt      time.Time      `json:"created_at"`
}

type InventoryItem struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	ValueCents int64     `json:"value_cents"`
	CreatedAt  time.Time `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type CreateBattleReq struct {
	BoxID      string `json:"box_id"`
	SeatCount  int    `json:"seat_count"`
	RoundCount int    `json:"round_count"`
	Mode       string `json:"mode"`
}

// PlayerResult is a per-player haul total submitted to finish().
// The winner is always recomputed server-side from these.
type PlayerResult struct {
	UserID          string `json:"user_id"`
	TotalValueCents int64  `json:"total_value_cents"`
}

type FinishBattleReq struct {
	Results []PlayerResult `json:"results"`
}

type ClaimReq struct {
	Choice      PrizeChoice `json:"choice"`
	AmountCents int64       `json:"amount_cents,omitempty"`
	Items       []Item      `json:"items,omitempty"`
}

type BattleResult struct {
	Battle          *Battle `json:"battle"`
	NewBalanceCents int64   `json:"new_balance_cents"`
}

type OpenResult struct {
	Table           []LootEntry `json:"table"`
	Won             LootEntry   `json:"won"`
	OpeningID       string      `json:"opening_id"`
	NewBalanceCents int64       `json:"new_balance_cents"`
}

type GrantResult struct {
	AlreadyClaimed  bool   `json:"already_claimed"`
	RewardName      string `json:"reward_name,omitempty"`
	RewardCents     int64  `json:"reward_cents,omitempty"`
	NewBalanceCents int64  `json:"new_balance_cents,omitempty"`
}
