package battle

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"lootbox-arena/internal/db"
	"lootbox-arena/internal/model"
	"lootbox-arena/internal/ws"
)

// PublishFunc broadcasts a WS message for a battle.
type PublishFunc func(battleID, msgType string, data any)

var (
	ErrBoxNotFound    = errors.New("box not found")
	ErrBoxInactive    = errors.New("box is not active")
	ErrBattleNotFound = errors.New("battle not found")
	ErrBadSeatCount   = errors.New("seat count must be 2, 4 or 6")
	ErrBadRoundCount  = errors.New("round count must be >= 1")
	ErrCountMismatch  = errors.New("result count must equal seat count")
	ErrUnknownPlayer  = errors.New("result for a player without a seat")
	ErrNoResults      = errors.New("no results submitted")
)

// Manager owns the WAITING → ACTIVE → FINISHED battle state machine.
// All mutations run through the store's conditional primitives; the
// manager never holds battle state in memory.
type Manager struct {
	store   *db.Store
	publish PublishFunc
}

func NewManager(store *db.Store, pub PublishFunc) *Manager {
	return &Manager{store: store, publish: pub}
}

func validSeatCount(n int) bool { return n == 2 || n == 4 || n == 6 }

// ── Create ───────────────────────────────────────────

func (m *Manager) Create(ctx context.Context, callerID string, req model.CreateBattleReq) (*model.BattleResult, error) {
	if !validSeatCount(req.SeatCount) {
		return nil, ErrBadSeatCount
	}
	if req.RoundCount < 1 {
		return nil, ErrBadRoundCount
	}
	box, err := m.store.GetBox(ctx, req.BoxID)
	if err != nil {
		return nil, err
	}
	if box == nil {
		return nil, ErrBoxNotFound
	}
	if !box.Active {
		return nil, ErrBoxInactive
	}
	stake := box.EffectivePrice()

	caller, err := m.store.GetUser(ctx, callerID)
	if err != nil || caller == nil {
		return nil, fmt.Errorf("caller lookup: %w", err)
	}

	mode := req.Mode
	if mode == "" {
		mode = "standard"
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	newBal, err := db.DebitWallet(tx, callerID, stake)
	if errors.Is(err, db.ErrInsufficientFunds) {
		return nil, m.fundsError(ctx, callerID, stake)
	}
	if err != nil {
		return nil, err
	}
	if err := db.InsertLedger(tx, uuid.New().String(), callerID, model.KindBet, stake, "battle stake: "+box.Label); err != nil {
		return nil, err
	}

	b := &model.Battle{
		ID:         uuid.New().String(),
		BoxID:      box.ID,
		StakeCents: stake,
		SeatCount:  req.SeatCount,
		RoundCount: req.RoundCount,
		Mode:       mode,
		Status:     model.BattleWaiting,
	}
	if err := db.InsertBattle(tx, b); err != nil {
		return nil, err
	}
	seat := model.Seat{
		BattleID:           b.ID,
		SeatIndex:          0,
		UserID:             callerID,
		Username:           caller.Username,
		Avatar:             caller.Avatar,
		BalanceAtJoinCents: newBal,
	}
	if err := db.InsertSeat(tx, b.ID, b.SeatCount, &seat); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	b.Seats = []model.Seat{seat}
	log.Printf("[battle] created %s box=%s stake=%d seats=%d", b.ID, b.BoxID, stake, b.SeatCount)
	if m.publish != nil {
		m.publish(b.ID, ws.EventBattleCreated, b)
	}
	return &model.BattleResult{Battle: b, NewBalanceCents: newBal}, nil
}

// ── Join ─────────────────────────────────────────────

func (m *Manager) Join(ctx context.Context, callerID, battleID string) (*model.BattleResult, error) {
	b, err := m.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBattleNotFound
	}
	for _, s := range b.Seats {
		if s.UserID == callerID {
			return nil, db.ErrAlreadyJoined
		}
	}
	if b.Status != model.BattleWaiting || len(b.Seats) >= b.SeatCount {
		return nil, db.ErrBattleFull
	}

	caller, err := m.store.GetUser(ctx, callerID)
	if err != nil || caller == nil {
		return nil, fmt.Errorf("caller lookup: %w", err)
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	newBal, err := db.DebitWallet(tx, callerID, b.StakeCents)
	if errors.Is(err, db.ErrInsufficientFunds) {
		return nil, m.fundsError(ctx, callerID, b.StakeCents)
	}
	if err != nil {
		return nil, err
	}
	if err := db.InsertLedger(tx, uuid.New().String(), callerID, model.KindBet, b.StakeCents, "battle stake: "+battleID); err != nil {
		return nil, err
	}

	seat := model.Seat{
		BattleID:           battleID,
		UserID:             callerID,
		Username:           caller.Username,
		Avatar:             caller.Avatar,
		BalanceAtJoinCents: newBal,
	}
	// The insert is the real guard; the pre-checks above only save a
	// round trip. Any conflict here rolls the debit back with the tx.
	if err := db.InsertSeat(tx, battleID, b.SeatCount, &seat); err != nil {
		return nil, err
	}

	filled, err := db.CountSeats(tx, battleID)
	if err != nil {
		return nil, err
	}
	activated := filled == b.SeatCount
	if activated {
		if err := db.ActivateBattle(tx, battleID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	b, err = m.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if m.publish != nil {
		m.publish(battleID, ws.EventSeatFilled, b)
		if activated {
			m.publish(battleID, ws.EventBattleActive, b)
		}
	}
	return &model.BattleResult{Battle: b, NewBalanceCents: newBal}, nil
}

// ── Finish ───────────────────────────────────────────

// Finish records the outcome of an active battle. The winner is
// always computed here from the submitted per-player totals; a
// client-asserted winner is never trusted.
func (m *Manager) Finish(ctx context.Context, battleID string, results []model.PlayerResult) (*model.Battle, error) {
	b, err := m.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBattleNotFound
	}
	if len(results) != b.SeatCount {
		return nil, ErrCountMismatch
	}
	seated := make(map[string]bool, len(b.Seats))
	for _, s := range b.Seats {
		seated[s.UserID] = true
	}
	for _, r := range results {
		if !seated[r.UserID] {
			return nil, ErrUnknownPlayer
		}
	}

	winner, err := PickWinner(results)
	if err != nil {
		return nil, err
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := db.FinishBattle(tx, battleID, winner.UserID, winner.TotalValueCents, results); err != nil {
		return nil, err
	}
	if err := db.InsertSettlement(tx, battleID, winner.UserID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	b, err = m.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	log.Printf("[battle] finished %s winner=%s total=%d", battleID, winner.UserID, winner.TotalValueCents)
	if m.publish != nil {
		m.publish(battleID, ws.EventBattleFinished, b)
	}
	return b, nil
}

// PickWinner scans submitted totals and returns the first maximum.
// Ties go to the earlier entry in scan order; that is the documented
// policy, not an accident.
func PickWinner(results []model.PlayerResult) (model.PlayerResult, error) {
	if len(results) == 0 {
		return model.PlayerResult{}, ErrNoResults
	}
	best := results[0]
	for _, r := range results[1:] {
		if r.TotalValueCents > best.TotalValueCents {
			best = r
		}
	}
	return best, nil
}

func (m *Manager) fundsError(ctx context.Context, userID string, need int64) error {
	have := int64(0)
	if w, err := m.store.GetWallet(ctx, userID); err == nil && w != nil {
		have = w.BalanceCents
	}
	return &db.InsufficientFundsError{NeedCents: need, HaveCents: have}
}
