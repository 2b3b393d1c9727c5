package deposit

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

var (
	// ErrIllegalEvent 狀態機誤用：終態上 progress、非 FAILED 上 recover、不支援的 (kind, state)
	ErrIllegalEvent = errors.New("deposit: illegal state machine event")

	// ErrUnknownDepositable 找不到指定的 depositable
	ErrUnknownDepositable = errors.New("deposit: unknown depositable")
)

// IllegalEventError describes an event that is not legal in the current state.
type IllegalEventError struct {
	UniqueIdentifier string
	State            types.StateType
	Event            string
}

func (e *IllegalEventError) Error() string {
	return fmt.Sprintf("deposit: %s is illegal for %s in state %s", e.Event, e.UniqueIdentifier, e.State)
}

func (e *IllegalEventError) Unwrap() error { return ErrIllegalEvent }

// UnsupportedStateError is returned by the factory for a (kind, state) pair
// that has no implementation.
type UnsupportedStateError struct {
	Kind  types.Kind
	State types.StateType
}

func (e *UnsupportedStateError) Error() string {
	return fmt.Sprintf("deposit: state %s is not supported for kind %s", e.State, e.Kind)
}

func (e *UnsupportedStateError) Unwrap() error { return ErrIllegalEvent }

func illegal(d Depositable, event string) error {
	return &IllegalEventError{
		UniqueIdentifier: d.UniqueIdentifier(),
		State:            d.StateType(),
		Event:            event,
	}
}
