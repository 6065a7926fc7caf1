package checkout

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for checkout and settlement.
var (
	ErrInvalidRequest    = errors.New("invalid checkout request")
	ErrPaymentIncomplete = errors.New("payment not completed")
	ErrCorruptSession    = errors.New("corrupt checkout session")
	ErrSessionOwner      = errors.New("checkout session belongs to another user")
)

// InvalidItemError indicates a cart line item that cannot be priced.
type InvalidItemError struct {
	Index  int
	Reason string
}

func (e *InvalidItemError) Error() string {
	return fmt.Sprintf("item %d: %s", e.Index, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidRequest) hold.
func (e *InvalidItemError) Is(target error) bool { return target == ErrInvalidRequest }

// CorruptSessionError indicates session metadata that cannot be turned back
// into an order.
type CorruptSessionError struct {
	SessionID string
	Err       error
}

func (e *CorruptSessionError) Error() string {
	return fmt.Sprintf("session %s: corrupt metadata: %v", e.SessionID, e.Err)
}

func (e *CorruptSessionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCorruptSession) hold.
func (e *CorruptSessionError) Is(target error) bool { return target == ErrCorruptSession }
