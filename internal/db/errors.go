package db

import (
	"errors"
	"fmt"
)

// Conflict sentinels surfaced when a conditional update matches no
// row. Losing one of these races is a caller-visible outcome, not an
// internal failure; nothing retries automatically.
// InsufficientFundsError wraps ErrInsufficientFunds with the
// shortfall so handlers can report required vs current.
type InsufficientFundsError struct {
	NeedCents int64
	HaveCents int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %d, have %d", e.NeedCents, e.HaveCents)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyClaimed    = errors.New("free grant already claimed")
	ErrAlreadyJoined     = errors.New("already seated in battle")
	ErrSeatRace          = errors.New("seat assignment lost race")
	ErrBattleFull        = errors.New("battle is full")
	ErrNotActive         = errors.New("battle not active")
	ErrClaimRejected     = errors.New("settlement claim rejected")
	ErrOpeningSettled    = errors.New("opening already settled")
)
