package deposit

import (
	crand "crypto/rand"
	"time"

	"github.com/oklog/ulid"

	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// Event is emitted for every state transition, recovery included.
type Event struct {
	ID               string          `json:"id"`
	UniqueIdentifier string          `json:"uniqueIdentifier"`
	Kind             types.Kind      `json:"kind"`
	From             types.StateType `json:"from"`
	To               types.StateType `json:"to"`
	FailureCount     int             `json:"failureCount"`
	Time             time.Time       `json:"time"`
}

// EventSink receives state-change events. Implementations must not block
// for long; Emit is called from inside Progress and Recover.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

func newEvent(d Depositable, from, to types.StateType, failureCount int) Event {
	now := time.Now()
	id, err := ulid.New(ulid.Timestamp(now), crand.Reader)
	if err != nil {
		panic(err)
	}
	return Event{
		ID:               id.String(),
		UniqueIdentifier: d.UniqueIdentifier(),
		Kind:             d.Kind(),
		From:             from,
		To:               to,
		FailureCount:     failureCount,
		Time:             now.UTC(),
	}
}
