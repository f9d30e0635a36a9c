package chain

import (
	"context"
	"strings"
	"sync"

	"github.com/gavelworks/gavel/internal/idgen"
	"github.com/gavelworks/gavel/internal/money"
)

// MemLedger is an in-process Ledger for demo/development mode and tests.
//
// External accounts are auto-created on first use. Finality is either
// immediate or withheld per-transfer via HoldFinality, so tests can
// exercise the unconfirmed path.
type MemLedger struct {
	currency string

	mu       sync.Mutex
	accounts map[string]int64
	final    map[string]bool   // transferRef -> final
	deposits map[string]string // transferRef -> payer (recorded deposits)
	depAcct  map[string]string // transferRef -> funded account
	depAmt   map[string]int64  // transferRef -> deposited units
	held     bool              // new transfers start unconfirmed
	failTo   string            // transfers to this account fail
}

var _ Ledger = (*MemLedger)(nil)

// NewMemLedger creates an in-process escrow ledger.
func NewMemLedger(currency string) *MemLedger {
	return &MemLedger{
		currency: currency,
		accounts: make(map[string]int64),
		final:    make(map[string]bool),
		deposits: make(map[string]string),
		depAcct:  make(map[string]string),
		depAmt:   make(map[string]int64),
	}
}

// HoldFinality makes subsequent transfers start unconfirmed until
// Finalize is called with their reference.
func (m *MemLedger) HoldFinality(hold bool) {
	m.mu.Lock()
	m.held = hold
	m.mu.Unlock()
}

// Finalize marks a transfer reference final.
func (m *MemLedger) Finalize(ref string) {
	m.mu.Lock()
	m.final[ref] = true
	m.mu.Unlock()
}

// FailTransfersTo makes transfers to the named account fail, so tests
// can interrupt settlement mid-way. Pass "" to clear.
func (m *MemLedger) FailTransfersTo(account string) {
	m.mu.Lock()
	m.failTo = account
	m.mu.Unlock()
}

// Fund seeds an account balance directly (test/dev helper).
func (m *MemLedger) Fund(account string, amount money.Amount) {
	m.mu.Lock()
	m.accounts[account] += amount.Units
	m.mu.Unlock()
}

// RecordDeposit simulates a payer-initiated deposit into an account and
// returns its transfer reference, for VerifyDeposit to check later.
func (m *MemLedger) RecordDeposit(payer, account string, amount money.Amount) string {
	ref := idgen.WithPrefix("dep_")
	m.mu.Lock()
	m.accounts[account] += amount.Units
	m.deposits[ref] = payer
	m.depAcct[ref] = account
	m.depAmt[ref] = amount.Units
	m.final[ref] = !m.held
	m.mu.Unlock()
	return ref
}

func (m *MemLedger) CreateAccount(ctx context.Context, reference string) (string, error) {
	id := idgen.WithPrefix("esc_")
	m.mu.Lock()
	m.accounts[id] = 0
	m.mu.Unlock()
	return id, nil
}

func (m *MemLedger) Transfer(ctx context.Context, from, to string, amount money.Amount) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failTo != "" && to == m.failTo {
		return "", ErrTransferFailed
	}
	bal, ok := m.accounts[from]
	if !ok {
		return "", ErrAccountNotFound
	}
	if bal < amount.Units {
		return "", ErrInsufficientBalance
	}
	m.accounts[from] = bal - amount.Units
	m.accounts[to] += amount.Units

	ref := idgen.WithPrefix("xfer_")
	m.final[ref] = !m.held
	return ref, nil
}

func (m *MemLedger) Balance(ctx context.Context, account string) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	units, ok := m.accounts[account]
	if !ok {
		if strings.HasPrefix(account, "esc_") {
			return money.Amount{}, ErrAccountNotFound
		}
		// External accounts spring into existence empty.
		return money.Zero(m.currency), nil
	}
	return money.FromUnits(units, m.currency), nil
}

func (m *MemLedger) ConfirmFinality(ctx context.Context, transferRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.final[transferRef], nil
}

func (m *MemLedger) VerifyDeposit(ctx context.Context, payer, account, transferRef string, amount money.Amount) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deposits[transferRef] != payer {
		return false, nil
	}
	if m.depAcct[transferRef] != account {
		return false, nil
	}
	return m.depAmt[transferRef] >= amount.Units, nil
}

func (m *MemLedger) CloseAccount(ctx context.Context, account, residualTo string) (money.Amount, string, error) {
	m.mu.Lock()
	units, ok := m.accounts[account]
	m.mu.Unlock()
	if !ok {
		return money.Amount{}, "", ErrAccountNotFound
	}

	residual := money.FromUnits(units, m.currency)
	var ref string
	if units > 0 {
		var err error
		ref, err = m.Transfer(ctx, account, residualTo, residual)
		if err != nil {
			return money.Amount{}, "", err
		}
	}

	m.mu.Lock()
	delete(m.accounts, account)
	m.mu.Unlock()
	return residual, ref, nil
}
