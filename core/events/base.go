package events

import "time"

type Kind string

// TurnID identifies the turn an event belongs to. Zero means the event is not
// bound to any turn.
type TurnID uint64

type Base struct {
	kind      Kind
	turnID    TurnID
	timestamp time.Time
}

func NewBase(kind Kind, turnID TurnID) Base {
	return Base{kind: kind, turnID: turnID, timestamp: time.Now()}
}

func (b Base) Kind() Kind {
	return b.kind
}

func (b Base) TurnID() TurnID {
	return b.turnID
}

func (b Base) Timestamp() time.Time {
	return b.timestamp
}
