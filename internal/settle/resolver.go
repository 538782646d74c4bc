package settle

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"lootbox-arena/internal/db"
	"lootbox-arena/internal/loot"
	"lootbox-arena/internal/model"
)

var (
	ErrInvalidChoice      = errors.New("prize choice must be cash or items")
	ErrBadAmount          = errors.New("cash amount must be > 0")
	ErrNoItems            = errors.New("item list must not be empty")
	ErrBoxNotFound        = errors.New("box not found")
	ErrBoxInactive        = errors.New("box is not active")
	ErrSettlementNotFound = errors.New("no settlement for battle")
	ErrNotWinner          = errors.New("caller is not the battle winner")
	ErrPrizeClaimed       = errors.New("prize already claimed")
	ErrOpeningNotFound    = errors.New("opening not found")
	ErrAlreadyExchanged   = errors.New("opening already exchanged")
	ErrAlreadyCollected   = errors.New("opening already collected")
)

// Resolver converts outcomes (battle wins, box openings, onboarding
// grants) into wallet credits, each behind a single-use guard.
type Resolver struct {
	store   *db.Store
	catalog []model.Item
	rng     loot.Rand
}

func NewResolver(store *db.Store, catalog []model.Item, rng loot.Rand) *Resolver {
	return &Resolver{store: store, catalog: catalog, rng: rng}
}

// ── Battle prize claim ───────────────────────────────

// Claim settles a finished battle's prize. The conditional update on
// battle_settlements is the guard: it requires the caller to be the
// recorded winner and the row to be unclaimed, so a repeat claim or
// a claim by a non-winner affects zero rows.
func (r *Resolver) Claim(ctx context.Context, callerID, battleID string, req model.ClaimReq) (int64, error) {
	switch req.Choice {
	case model.ChoiceCash:
		if req.AmountCents <= 0 {
			return 0, ErrBadAmount
		}
	case model.ChoiceItems:
		if len(req.Items) == 0 {
			return 0, ErrNoItems
		}
	default:
		return 0, ErrInvalidChoice
	}

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := db.ClaimSettlement(tx, battleID, callerID); err != nil {
		if errors.Is(err, db.ErrClaimRejected) {
			return 0, r.claimReason(ctx, callerID, battleID)
		}
		return 0, err
	}

	newBal := int64(0)
	if req.Choice == model.ChoiceCash {
		newBal, err = db.CreditWallet(tx, callerID, req.AmountCents)
		if err != nil {
			return 0, err
		}
		if err := db.InsertLedger(tx, uuid.New().String(), callerID, model.KindWin, req.AmountCents, "battle prize: "+battleID); err != nil {
			return 0, err
		}
	} else {
		for _, it := range req.Items {
			if err := db.InsertInventory(tx, uuid.New().String(), callerID, it.Name, it.ValueCents); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	log.Printf("[settle] claimed battle=%s user=%s choice=%s", battleID, callerID, req.Choice)
	return newBal, nil
}

// claimReason re-reads the settlement row to turn a zero-row claim
// into the precise rejection.
func (r *Resolver) claimReason(ctx context.Context, callerID, battleID string) error {
	st, err := r.store.GetSettlement(ctx, battleID)
	if err != nil {
		return err
	}
	if st == nil {
		return ErrSettlementNotFound
	}
	if st.WinnerID != callerID {
		return ErrNotWinner
	}
	return ErrPrizeClaimed
}

// ── Opening exchange ─────────────────────────────────

// Exchange sells a pending opening for its stored value. The
// PENDING→SOLD conditional transition is the single-use guard, and
// the credited amount comes from the row, never from the caller.
func (r *Resolver) Exchange(ctx context.Context, callerID, openingID string) (int64, error) {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	value, err := db.SellOpening(tx, openingID, callerID)
	if err != nil {
		if errors.Is(err, db.ErrOpeningSettled) {
			return 0, r.exchangeReason(ctx, callerID, openingID)
		}
		return 0, err
	}
	newBal, err := db.CreditWallet(tx, callerID, value)
	if err != nil {
		return 0, err
	}
	if err := db.InsertLedger(tx, uuid.New().String(), callerID, model.KindWin, value, "opening exchange: "+openingID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newBal, nil
}

func (r *Resolver) exchangeReason(ctx context.Context, callerID, openingID string) error {
	o, err := r.store.GetOpening(ctx, openingID)
	if err != nil {
		return err
	}
	// A foreign opening reads as not found; existence is not leaked.
	if o == nil || o.UserID != callerID {
		return ErrOpeningNotFound
	}
	switch o.Outcome {
	case model.OutcomeSold:
		return ErrAlreadyExchanged
	case model.OutcomeCollected:
		return ErrAlreadyCollected
	}
	return db.ErrOpeningSettled
}

// ── Box opening ──────────────────────────────────────

// OpenBox debits the effective price, synthesizes the box's reward
// table, draws one entry and records it as a PENDING opening.
func (r *Resolver) OpenBox(ctx context.Context, callerID, boxID string) (*model.OpenResult, error) {
	box, err := r.store.GetBox(ctx, boxID)
	if err != nil {
		return nil, err
	}
	if box == nil {
		return nil, ErrBoxNotFound
	}
	if !box.Active {
		return nil, ErrBoxInactive
	}
	price := box.EffectivePrice()

	table, err := loot.Synthesize(box.Label, price, r.catalog, r.rng)
	if err != nil {
		return nil, fmt.Errorf("synthesize %q: %w", box.Label, err)
	}
	won := loot.Draw(table, r.rng)

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	newBal, err := db.DebitWallet(tx, callerID, price)
	if errors.Is(err, db.ErrInsufficientFunds) {
		have := int64(0)
		if w, werr := r.store.GetWallet(ctx, callerID); werr == nil && w != nil {
			have = w.BalanceCents
		}
		return nil, &db.InsufficientFundsError{NeedCents: price, HaveCents: have}
	}
	if err != nil {
		return nil, err
	}
	if err := db.InsertLedger(tx, uuid.New().String(), callerID, model.KindBet, price, "box open: "+box.Label); err != nil {
		return nil, err
	}
	opening := &model.Opening{
		ID:             uuid.New().String(),
		UserID:         callerID,
		ItemName:       won.Name,
		ItemValueCents: won.ValueCents,
		Outcome:        model.OutcomePending,
	}
	if err := db.InsertOpening(tx, opening); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[settle] opened box=%s user=%s won=%q value=%d", boxID, callerID, won.Name, won.ValueCents)
	return &model.OpenResult{Table: table, Won: won, OpeningID: opening.ID, NewBalanceCents: newBal}, nil
}

// Preview synthesizes a box's reward table without debiting anyone.
// Odds are stable per label/price; the filler items may differ per
// call since the band draws are random.
func (r *Resolver) Preview(ctx context.Context, boxID string) ([]model.LootEntry, error) {
	box, err := r.store.GetBox(ctx, boxID)
	if err != nil {
		return nil, err
	}
	if box == nil {
		return nil, ErrBoxNotFound
	}
	return loot.Synthesize(box.Label, box.EffectivePrice(), r.catalog, r.rng)
}

// ── Free grant ───────────────────────────────────────

// FreeGrant resolves the one-time onboarding reward. The flag flip
// and the credit are a single conditional statement; a second call
// observes the guard fail and reports already-claimed without
// touching the balance.
func (r *Resolver) FreeGrant(ctx context.Context, callerID string) (*model.GrantResult, error) {
	reward := loot.ResolveGrant(r.rng)

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	newBal, err := db.ClaimFreeGrant(tx, callerID, reward.ValueCents)
	if errors.Is(err, db.ErrAlreadyClaimed) {
		return &model.GrantResult{AlreadyClaimed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.InsertLedger(tx, uuid.New().String(), callerID, model.KindWin, reward.ValueCents, "free grant: "+reward.Name); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &model.GrantResult{
		RewardName:      reward.Name,
		RewardCents:     reward.ValueCents,
		NewBalanceCents: newBal,
	}, nil
}
