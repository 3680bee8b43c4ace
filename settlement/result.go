// Package settlement implements the merchant side of accepting Cashu ecash:
// validating inbound tokens, swapping or melting them at their mint,
// recovering operations interrupted by network faults and restoring wallet
// state from seed.
package settlement

import (
	"errors"
	"fmt"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/mintclient"
	"github.com/cashtill/cashtill/storage"
)

// ValidationError rejects a malformed or policy violating request before
// any state changes: bad fees, unknown keysets, multi-mint tokens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IntegrityConflictError is fatal to the current operation and is never
// auto-resolved: keyset id collisions across mints, duplicate secrets.
type IntegrityConflictError struct {
	Detail string
}

func (e *IntegrityConflictError) Error() string {
	return e.Detail
}

// OutcomeState classifies how a swap or melt against the mint ended.
type OutcomeState int

const (
	// inputs consumed, expected outputs received and persisted
	Settled OutcomeState = iota
	// inputs consumed but recoverable value fell short; the payment still
	// counts as settled and the shortfall is recorded for manual follow-up
	SettledShort
	// a transport fault hid the outcome; a recovery record was written and
	// the payment must not be registered until recovery confirms it
	Indeterminate
)

func (state OutcomeState) String() string {
	switch state {
	case Settled:
		return "Settled"
	case SettledShort:
		return "SettledShort"
	case Indeterminate:
		return "Indeterminate"
	default:
		return "unknown"
	}
}

// Outcome is the result of an engine operation that got far enough to put
// inputs at risk. Definite failures before that point are plain errors.
type Outcome struct {
	State OutcomeState
	// proofs persisted by the operation (new proofs for swap, change for melt)
	Proofs cashu.Proofs
	// recovery record id, set for SettledShort and Indeterminate
	FailedTxId string
}

// classify maps an error from the mint client or storage onto the
// settlement taxonomy. Protocol rejections and validation errors pass
// through, storage conflicts become integrity conflicts.
func classify(err error) error {
	if errors.Is(err, storage.ErrDuplicateSecret) || errors.Is(err, storage.ErrKeysetConflict) {
		return &IntegrityConflictError{Detail: err.Error()}
	}
	return err
}

// isTransportFault reports whether the operation's outcome at the mint is
// unknowable.
func isTransportFault(err error) bool {
	var transportErr *mintclient.TransportError
	return errors.As(err, &transportErr)
}

// isProtocolRejection reports whether the mint definitively refused before
// consuming inputs.
func isProtocolRejection(err error) bool {
	var mintErr *cashu.Error
	return errors.As(err, &mintErr)
}
