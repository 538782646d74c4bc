package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"lootbox-arena/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// ── Users ────────────────────────────────────────────

// InsertUser and InsertWallet run in one tx at registration, so a
// user row can never exist without its wallet.
func InsertUser(tx *sql.Tx, email, hash, username string) (*model.User, error) {
	u := &model.User{}
	err := tx.QueryRow(
		`INSERT INTO users (email, password_hash, username) VALUES ($1,$2,$3)
		 RETURNING id, email, password_hash, username, avatar, created_at`, email, hash, username,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Username, &u.Avatar, &u.CreatedAt)
	return u, err
}

func InsertWallet(tx *sql.Tx, userID string, startingCents int64) error {
	_, err := tx.Exec(
		`INSERT INTO wallets (user_id, balance_cents) VALUES ($1, $2)`, userID, startingCents)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, username, avatar, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Username, &u.Avatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, username, avatar, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Username, &u.Avatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ── Wallets ──────────────────────────────────────────

func (s *Store) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, balance_cents, free_grant_claimed FROM wallets WHERE user_id=$1`, userID,
	).Scan(&w.UserID, &w.BalanceCents, &w.FreeGrantClaimed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// DebitWallet takes amount from a wallet only if the balance covers
// it. The balance check lives in the WHERE clause: two racing debits
// can never drive the balance negative, the loser simply matches no
// row and gets ErrInsufficientFunds.
func DebitWallet(tx *sql.Tx, userID string, amountCents int64) (int64, error) {
	var newBal int64
	err := tx.QueryRow(
		`UPDATE wallets SET balance_cents = balance_cents - $1
		 WHERE user_id=$2 AND balance_cents >= $1
		 RETURNING balance_cents`, amountCents, userID,
	).Scan(&newBal)
	if err == sql.ErrNoRows {
		return 0, ErrInsufficientFunds
	}
	return newBal, err
}

func CreditWallet(tx *sql.Tx, userID string, amountCents int64) (int64, error) {
	var newBal int64
	err := tx.QueryRow(
		`UPDATE wallets SET balance_cents = balance_cents + $1 WHERE user_id=$2
		 RETURNING balance_cents`, amountCents, userID,
	).Scan(&newBal)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return newBal, err
}

// ClaimFreeGrant credits the onboarding reward and flips the claimed
// flag in one statement. The flag in the WHERE clause is the
// exactly-once guard; zero rows means someone already claimed.
func ClaimFreeGrant(tx *sql.Tx, userID string, amountCents int64) (int64, error) {
	var newBal int64
	err := tx.QueryRow(
		`UPDATE wallets SET balance_cents = balance_cents + $1, free_grant_claimed = TRUE
		 WHERE user_id=$2 AND free_grant_claimed = FALSE
		 RETURNING balance_cents`, amountCents, userID,
	).Scan(&newBal)
	if err == sql.ErrNoRows {
		return 0, ErrAlreadyClaimed
	}
	return newBal, err
}

// ── Ledger ───────────────────────────────────────────

func InsertLedger(tx *sql.Tx, id, userID string, kind model.LedgerKind, amountCents int64, desc string) error {
	_, err := tx.Exec(
		`INSERT INTO ledger (id, user_id, kind, amount_cents, description) VALUES ($1,$2,$3,$4,$5)`,
		id, userID, kind, amountCents, desc,
	)
	return err
}

func (s *Store) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, kind, amount_cents, description, created_at
		 FROM ledger WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.AmountCents, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ── Catalog & Boxes ──────────────────────────────────

func (s *Store) ListItems(ctx context.Context) ([]model.Item, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT name, value_cents, category, COALESCE(brand,'') FROM items ORDER BY value_cents DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Item
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.Name, &it.ValueCents, &it.Category, &it.Brand); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *Store) ListBoxes(ctx context.Context) ([]model.Box, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, label, price_cents, sale_price_cents, active, created_at
		 FROM boxes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Box
	for rows.Next() {
		var b model.Box
		if err := rows.Scan(&b.ID, &b.Label, &b.PriceCents, &b.SalePriceCents, &b.Active, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) GetBox(ctx context.Context, id string) (*model.Box, error) {
	b := &model.Box{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, label, price_cents, sale_price_cents, active, created_at FROM boxes WHERE id=$1`, id,
	).Scan(&b.ID, &b.Label, &b.PriceCents, &b.SalePriceCents, &b.Active, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ── Battles ──────────────────────────────────────────

func InsertBattle(tx *sql.Tx, b *model.Battle) error {
	_, err := tx.Exec(
		`INSERT INTO battles (id, box_id, stake_cents, seat_count, round_count, mode, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.BoxID, b.StakeCents, b.SeatCount, b.RoundCount, b.Mode, b.Status,
	)
	return err
}

// InsertSeat claims the next free seat in one guarded insert. The
// HAVING clause enforces capacity, the primary key catches two
// writers racing for the same index, and the (battle_id, user_id)
// unique constraint catches a double join.
func InsertSeat(tx *sql.Tx, battleID string, seatCount int, seat *model.Seat) error {
	res, err := tx.Exec(
		`INSERT INTO battle_seats (battle_id, seat_index, user_id, username, avatar, balance_at_join_cents)
		 SELECT $1, COALESCE(MAX(seat_index)+1, 0), $2, $3, $4, $5
		 FROM battle_seats WHERE battle_id=$1
		 HAVING COALESCE(MAX(seat_index)+1, 0) < $6`,
		battleID, seat.UserID, seat.Username, seat.Avatar, seat.BalanceAtJoinCents, seatCount,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if pqErr.Constraint == "battle_seats_battle_id_user_id_key" {
				return ErrAlreadyJoined
			}
			return ErrSeatRace
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBattleFull
	}
	return nil
}

func CountSeats(tx *sql.Tx, battleID string) (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM battle_seats WHERE battle_id=$1`, battleID).Scan(&n)
	return n, err
}

// ActivateBattle flips WAITING to ACTIVE. Zero rows means another
// writer got there first, which is fine: the battle is active.
func ActivateBattle(tx *sql.Tx, battleID string) error {
	_, err := tx.Exec(
		`UPDATE battles SET status='ACTIVE' WHERE id=$1 AND status='WAITING'`, battleID)
	return err
}

// FinishBattle records the outcome exactly once: the status guard in
// the WHERE clause rejects a second finish and any finish of a
// battle that never went active.
func FinishBattle(tx *sql.Tx, battleID, winnerID string, winnerTotalCents int64, results []model.PlayerResult) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return err
	}
	res, err := tx.Exec(
		`UPDATE battles SET status='FINISHED', winner_id=$2, winner_total_cents=$3,
		        results_json=$4, finished_at=now()
		 WHERE id=$1 AND status='ACTIVE'`,
		battleID, winnerID, winnerTotalCents, raw,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotActive
	}
	return nil
}

func (s *Store) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	b := &model.Battle{}
	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, box_id, stake_cents, seat_count, round_count, mode, status,
		        winner_id, winner_total_cents, results_json, created_at, finished_at
		 FROM battles WHERE id=$1`, id,
	).Scan(&b.ID, &b.BoxID, &b.StakeCents, &b.SeatCount, &b.RoundCount, &b.Mode, &b.Status,
		&b.WinnerID, &b.WinnerTotalCents, &raw, &b.CreatedAt, &b.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &b.Results); err != nil {
			return nil, err
		}
	}
	seats, err := s.GetSeats(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Seats = seats
	return b, nil
}

func (s *Store) GetSeats(ctx context.Context, battleID string) ([]model.Seat, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT battle_id, seat_index, user_id, username, avatar, balance_at_join_cents
		 FROM battle_seats WHERE battle_id=$1 ORDER BY seat_index`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Seat
	for rows.Next() {
		var st model.Seat
		if err := rows.Scan(&st.BattleID, &st.SeatIndex, &st.UserID, &st.Username, &st.Avatar, &st.BalanceAtJoinCents); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) ListBattles(ctx context.Context, status model.BattleStatus, limit int) ([]model.Battle, error) {
	q := `SELECT id, box_id, stake_cents, seat_count, round_count, mode, status,
	             winner_id, winner_total_cents, results_json, created_at, finished_at
	      FROM battles`
	var args []any
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Battle
	for rows.Next() {
		var b model.Battle
		var raw []byte
		if err := rows.Scan(&b.ID, &b.BoxID, &b.StakeCents, &b.SeatCount, &b.RoundCount, &b.Mode, &b.Status,
			&b.WinnerID, &b.WinnerTotalCents, &raw, &b.CreatedAt, &b.FinishedAt); err != nil {
			return nil, err
		}
		if raw != nil {
			if err := json.Unmarshal(raw, &b.Results); err != nil {
				return nil, err
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// ── Settlements ──────────────────────────────────────

func InsertSettlement(tx *sql.Tx, battleID, winnerID string) error {
	_, err := tx.Exec(
		`INSERT INTO battle_settlements (battle_id, winner_id) VALUES ($1,$2)`,
		battleID, winnerID,
	)
	return err
}

// ClaimSettlement is the prize-claim guard: the caller must be the
// recorded winner and the row must still be unclaimed. One row
// affected means the caller owns the prize from here on.
func ClaimSettlement(tx *sql.Tx, battleID, userID string) error {
	res, err := tx.Exec(
		`UPDATE battle_settlements SET claimed=TRUE, claimed_at=now()
		 WHERE battle_id=$1 AND winner_id=$2 AND claimed=FALSE`,
		battleID, userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimRejected
	}
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, battleID string) (*model.Settlement, error) {
	st := &model.Settlement{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT battle_id, winner_id, claimed, claimed_at FROM battle_settlements WHERE battle_id=$1`, battleID,
	).Scan(&st.BattleID, &st.WinnerID, &st.Claimed, &st.ClaimedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

// ── Openings ─────────────────────────────────────────

func InsertOpening(tx *sql.Tx, o *model.Opening) error {
	_, err := tx.Exec(
		`INSERT INTO openings (id, user_id, item_name, item_value_cents, outcome)
		 VALUES ($1,$2,$3,$4,$5)`,
		o.ID, o.UserID, o.ItemName, o.ItemValueCents, o.Outcome,
	)
	return err
}

// SellOpening moves an opening out of PENDING exactly once and hands
// back the stored item value; caller input never sets the amount.
func SellOpening(tx *sql.Tx, openingID, userID string) (int64, error) {
	var value int64
	err := tx.QueryRow(
		`UPDATE openings SET outcome='SOLD'
		 WHERE id=$1 AND user_id=$2 AND outcome='PENDING'
		 RETURNING item_value_cents`, openingID, userID,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, ErrOpeningSettled
	}
	return value, err
}

func (s *Store) GetOpening(ctx context.Context, id string) (*model.Opening, error) {
	o := &model.Opening{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, item_name, item_value_cents, outcome, created_at
		 FROM openings WHERE id=$1`, id,
	).Scan(&o.ID, &o.UserID, &o.ItemName, &o.ItemValueCents, &o.Outcome, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// ── Inventory ────────────────────────────────────────

func InsertInventory(tx *sql.Tx, id, userID, name string, valueCents int64) error {
	_, err := tx.Exec(
		`INSERT INTO inventory (id, user_id, name, value_cents) VALUES ($1,$2,$3,$4)`,
		id, userID, name, valueCents,
	)
	return err
}

func (s *Store) ListInventory(ctx context.Context, userID string) ([]model.InventoryItem, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, name, value_cents, created_at
		 FROM inventory WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.InventoryItem
	for rows.Next() {
		var it model.InventoryItem
		if err := rows.Scan(&it.ID, &it.UserID, &it.Name, &it.ValueCents, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}
