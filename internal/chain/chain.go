// Package chain adapts the external settlement network.
//
// The network is treated as an untrusted, eventually-consistent oracle:
// every movement of funds yields a transfer reference, and nothing is
// authoritative for settlement math until ConfirmFinality reports true
// for that reference. Callers must never hold an internal store
// transaction open across any call in this package.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/gavelworks/gavel/internal/money"
)

var (
	ErrAccountNotFound     = errors.New("chain: account not found")
	ErrInsufficientBalance = errors.New("chain: insufficient balance")
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrInvalidAmount       = errors.New("chain: invalid amount")
	ErrTransferFailed      = errors.New("chain: transfer failed")
	ErrTimeout             = errors.New("chain: operation timed out")
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
)

// TransferError wraps transfer failures with context.
type TransferError struct {
	Op  string // operation that failed
	Ref string // transfer reference if available
	Err error
}

func (e *TransferError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("chain: %s failed (ref: %s): %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Ledger is the escrow-ledger adapter the rest of the engine depends on.
//
// Accounts are opaque identifiers: "esc_"-prefixed custody accounts
// created by CreateAccount, operator-named "pool_" custody accounts
// that exist from first use, or external wallet addresses. Transfers
// between custody accounts are book entries inside the custody wallet;
// transfers to an external address move real funds.
type Ledger interface {
	// CreateAccount opens a custody account for one listing or offer.
	CreateAccount(ctx context.Context, reference string) (string, error)

	// Transfer moves amount from one account to another and returns a
	// transfer reference for later finality confirmation.
	Transfer(ctx context.Context, from, to string, amount money.Amount) (string, error)

	// Balance returns the current balance of an account.
	Balance(ctx context.Context, account string) (money.Amount, error)

	// ConfirmFinality reports whether the transfer behind ref is
	// irreversible. A false result is not a failure; the caller retries.
	ConfirmFinality(ctx context.Context, transferRef string) (bool, error)

	// VerifyDeposit checks that the payer's deposit identified by
	// transferRef carried at least amount into the named custody
	// account. Deposits are initiated by the payer's own wallet, so the
	// core only ever verifies them, keyed on the reference for
	// idempotent retries. A reference verifies against exactly one
	// account; presenting it for a different account fails.
	VerifyDeposit(ctx context.Context, payer, account, transferRef string, amount money.Amount) (bool, error)

	// CloseAccount drains an account's residual balance to residualTo
	// and retires it. Returns the residual amount and the transfer ref.
	CloseAccount(ctx context.Context, account, residualTo string) (money.Amount, string, error)
}
