// Package fault defines the error taxonomy shared across the engine.
//
// Four caller-visible classes plus one fatal class:
//   - Validation: malformed input, rejected synchronously, no state change
//   - StateConflict: a status precondition failed, no state change
//   - LedgerUnconfirmed: the external transfer is not final yet; retry later
//   - Reconciliation: a post-commit side effect failed; retried asynchronously
//   - Invariant: sum mismatch or double-completion; indicates corruption,
//     never downgraded to an ordinary rejection
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindStateConflict
	KindLedgerUnconfirmed
	KindReconciliation
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateConflict:
		return "state_conflict"
	case KindLedgerUnconfirmed:
		return "ledger_unconfirmed"
	case KindReconciliation:
		return "reconciliation"
	case KindInvariant:
		return "invariant_violation"
	}
	return "unknown"
}

// Error carries a kind, an operation name, and an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "listing.PlaceBid"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

// Kind sentinels for errors.Is checks.
var (
	Validation        = &Error{Kind: KindValidation}
	StateConflict     = &Error{Kind: KindStateConflict}
	LedgerUnconfirmed = &Error{Kind: KindLedgerUnconfirmed}
	Reconciliation    = &Error{Kind: KindReconciliation}
	Invariant         = &Error{Kind: KindInvariant}
)

// Validationf builds a validation error.
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a state-conflict error.
func Conflictf(op, format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Unconfirmedf builds a ledger-unconfirmed error.
func Unconfirmedf(op, format string, args ...any) *Error {
	return &Error{Kind: KindLedgerUnconfirmed, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Reconciliationf builds a reconciliation error wrapping the cause.
func Reconciliationf(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindReconciliation, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Invariantf builds an invariant-violation error. Callers must halt the
// triggering request before any partial write.
func Invariantf(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvariant, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or 0 if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
