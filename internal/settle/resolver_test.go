package settle

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lootbox-arena/internal/db"
	"lootbox-arena/internal/model"
)

type stubRand struct {
	n int
	f float64
}

func (r stubRand) Intn(n int) int {
	if r.n < n {
		return r.n
	}
	return 0
}

func (r stubRand) Float64() float64 { return r.f }

func testCatalog() []model.Item {
	return []model.Item{
		{Name: "Gift Card $5", ValueCents: 500, Category: model.CategoryOther},
		{Name: "AirPods Pro", ValueCents: 24900, Category: model.CategoryTech, Brand: "Apple"},
		{Name: "Rolex Submariner", ValueCents: 1500000, Category: model.CategoryLuxury, Brand: "Rolex"},
	}
}

func newMock(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	mdb, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mdb.Close() })
	return NewResolver(&db.Store{DB: mdb}, testCatalog(), stubRand{}), mock
}

var settlementCols = []string{"battle_id", "winner_id", "claimed", "claimed_at"}

// ── Claim ────────────────────────────────────────────

func TestClaimValidatesChoiceUpfront(t *testing.T) {
	// Validation failures never reach the database.
	r := NewResolver(&db.Store{}, nil, stubRand{})
	ctx := context.Background()

	_, err := r.Claim(ctx, "user-1", "battle-1", model.ClaimReq{Choice: "stocks"})
	assert.ErrorIs(t, err, ErrInvalidChoice)

	_, err = r.Claim(ctx, "user-1", "battle-1", model.ClaimReq{Choice: model.ChoiceCash})
	assert.ErrorIs(t, err, ErrBadAmount)

	_, err = r.Claim(ctx, "user-1", "battle-1", model.ClaimReq{Choice: model.ChoiceItems})
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestClaimCashCreditsWinner(t *testing.T) {
	r, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE battle_settlements SET claimed=TRUE`)).
		WithArgs("battle-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE wallets SET balance_cents = balance_cents + $1`)).
		WithArgs(int64(20000), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(int64(30000)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	bal, err := r.Claim(context.Background(), "user-1", "battle-1", model.ClaimReq{
		Choice:      model.ChoiceCash,
		AmountCents: 20000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30000), bal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimByNonWinner(t *testing.T) {
	r, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE battle_settlements SET claimed=TRUE`)).
		WithArgs("battle-1", "user-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM battle_settlements WHERE battle_id=$1`)).
		WithArgs("battle-1").
		WillReturnRows(sqlmock.NewRows(settlementCols).AddRow("battle-1", "user-1", false, nil))
	mock.ExpectRollback()

	_, err := r.Claim(context.Background(), "user-2", "battle-1", model.ClaimReq{
		Choice:      model.ChoiceCash,
		AmountCents: 100,
	})
	assert.ErrorIs(t, err, ErrNotWinner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRepeatRejected(t *testing.T) {
	r, mock := newMock(t)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE battle_settlements SET claimed=TRUE`)).
		WithArgs("battle-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM battle_settlements WHERE battle_id=$1`)).
		WithArgs("battle-1").
		WillReturnRows(sqlmock.NewRows(settlementCols).AddRow("battle-1", "user-1", true, now))
	mock.ExpectRollback()

	_, err := r.Claim(context.Background(), "user-1", "battle-1", model.ClaimReq{
		Choice:      model.ChoiceCash,
		AmountCents: 100,
	})
	assert.ErrorIs(t, err, ErrPrizeClaimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimUnknownBattle(t *testing.T) {
	r, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE battle_settlements SET claimed=TRUE`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM battle_settlements WHERE battle_id=$1`)).
		WillReturnRows(sqlmock.NewRows(settlementCols))
	mock.ExpectRollback()

	_, err := r.Claim(context.Background(), "user-1", "nope", model.ClaimReq{
		Choice:      model.ChoiceCash,
		AmountCents: 100,
	})
	assert.ErrorIs(t, err, ErrSettlementNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ── Exchange ─────────────────────────────────────────

func TestExchangeCreditsStoredValue(t *testing.T) {
	r, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE openings SET outcome='SOLD'`)).
		WithArgs("open-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"item_value_cents"}).AddRow(int64(24900)))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE wallets SET balance_cents = balance_cents + $1`)).
		WithArgs(int64(24900), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(int64(34900)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	bal, err := r.Exchange(context.Background(), "user-1", "open-1")
	require.NoError(t, err)
	assert.Equal(t, int64(34900), bal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeTwiceRejected(t *testing.T) {
	r, mock := newMock(t)

	openingCols := []string{"id", "user_id", "item_name", "item_value_cents", "outcome", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE openings SET outcome='SOLD'`)).
		WithArgs("open-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"item_value_cents"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM openings WHERE id=$1`)).
		WithArgs("open-1").
		WillReturnRows(sqlmock.NewRows(openingCols).
			AddRow("open-1", "user-1", "AirPods Pro", int64(24900), "SOLD", time.Now()))
	mock.ExpectRollback()

	_, err := r.Exchange(context.Background(), "user-1", "open-1")
	assert.ErrorIs(t, err, ErrAlreadyExchanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeForeignOpeningReadsAsMissing(t *testing.T) {
	r, mock := newMock(t)

	openingCols := []string{"id", "user_id", "item_name", "item_value_cents", "outcome", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE openings SET outcome='SOLD'`)).
		WithArgs("open-1", "user-2").
		WillReturnRows(sqlmock.NewRows([]string{"item_value_cents"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM openings WHERE id=$1`)).
		WithArgs("open-1").
		WillReturnRows(sqlmock.NewRows(openingCols).
			AddRow("open-1", "user-1", "AirPods Pro", int64(24900), "PENDING", time.Now()))
	mock.ExpectRollback()

	_, err := r.Exchange(context.Background(), "user-2", "open-1")
	assert.ErrorIs(t, err, ErrOpeningNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ── Box opening ──────────────────────────────────────

var boxCols = []string{"id", "label", "price_cents", "sale_price_cents", "active", "created_at"}

func TestOpenBoxInsufficientFunds(t *testing.T) {
	r, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM boxes WHERE id=$1`)).
		WithArgs("box-1").
		WillReturnRows(sqlmock.NewRows(boxCols).
			AddRow("box-1", "Mystery Box", int64(10000), nil, true, time.Now()))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE wallets SET balance_cents = balance_cents - $1`)).
		WithArgs(int64(10000), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM wallets WHERE user_id=$1`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance_cents", "free_grant_claimed"}).
			AddRow("user-1", int64(500), false))
	mock.ExpectRollback()

	_, err := r.OpenBox(context.Background(), "user-1", "box-1")
	var fe *db.InsufficientFundsError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(10000), fe.NeedCents)
	assert.Equal(t, int64(500), fe.HaveCents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenBoxUsesSalePrice(t *testing.T) {
	r, mock := newMock(t)

	sale := int64(7500)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM boxes WHERE id=$1`)).
		WithArgs("box-1").
		WillReturnRows(sqlmock.NewRows(boxCols).
			AddRow("box-1", "Mystery Box", int64(10000), sale, true, time.Now()))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE wallets SET balance_cents = balance_cents - $1`)).
		WithArgs(sale, "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(int64(2500)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO openings`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := r.OpenBox(context.Background(), "user-1", "box-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), res.NewBalanceCents)
	assert.Len(t, res.Table, 4)
	assert.NotEmpty(t, res.OpeningID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenBoxInactive(t *testing.T) {
	r, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM boxes WHERE id=$1`)).
		WithArgs("box-1").
		WillReturnRows(sqlmock.NewRows(boxCols).
			AddRow("box-1", "Mystery Box", int64(10000), nil, false, time.Now()))

	_, err := r.OpenBox(context.Background(), "user-1", "box-1")
	assert.ErrorIs(t, err, ErrBoxInactive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenBoxUnknown(t *testing.T) {
	r, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM boxes WHERE id=$1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(boxCols))

	_, err := r.OpenBox(context.Background(), "user-1", "nope")
	assert.ErrorIs(t, err, ErrBoxNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ── Free grant ───────────────────────────────────────

func TestFreeGrantExactlyOnce(t *testing.T) {
	r, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`free_grant_claimed = TRUE`)).
		WithArgs(int64(5), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(int64(10005)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`free_grant_claimed = TRUE`)).
		WithArgs(int64(5), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}))
	mock.ExpectRollback()

	got, err := r.FreeGrant(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, got.AlreadyClaimed)
	assert.Equal(t, "Site Credit", got.RewardName)
	assert.Equal(t, int64(5), got.RewardCents)
	assert.Equal(t, int64(10005), got.NewBalanceCents)

	again, err := r.FreeGrant(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyClaimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
