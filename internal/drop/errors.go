package drop

import "errors"

// Precondition failures. The messages are stable and safe to branch on.
var (
	ErrNotStarted         = errors.New("the sale did not begin yet")
	ErrAlreadyBegan       = errors.New("sale already began")
	ErrSoldOut            = errors.New("sold out")
	ErrWrongPayment       = errors.New("payment must equal the pack price")
	ErrNotExternallyOwned = errors.New("only externally-owned accounts are eligible to purchase")
	ErrDuringSale         = errors.New("cannot take during sale")
	ErrNotEnough          = errors.New("not enough to take")
	ErrNotOwner           = errors.New("caller is not the owner")
	ErrZeroRecipient      = errors.New("recipient is the zero address")
	ErrNotInstalled       = errors.New("drop not installed")
	ErrAlreadyInstalled   = errors.New("drop already installed")
	ErrConfigMismatch     = errors.New("config does not match installed drop")
)

var (
	// ErrBlockUnavailable wraps seed provider failures. Reveal cannot proceed
	// without the seed block and never substitutes another source.
	ErrBlockUnavailable = errors.New("seed block unavailable")

	// ErrReservoirExhausted means a draw was owed but no value remained.
	// It is unreachable while the counters stay conserved.
	ErrReservoirExhausted = errors.New("reservoir exhausted")
)
