package orchestration

import (
	"sync"
	"time"

	"github.com/koscakluka/ema-voice/core/events"
)

type TurnID = events.TurnID

// recentTurns is how many turns Lookup remembers.
const recentTurns = 16

type Turn struct {
	ID        TurnID
	CreatedAt time.Time
	Cancelled bool
}

// turnRegistry is the single source of truth for which turn of a session is
// live. Only the session coordinator begins or cancels turns; every producer
// checks liveness before publishing.
type turnRegistry struct {
	mu     sync.RWMutex
	last   TurnID
	active TurnID
	turns  map[TurnID]*Turn
}

func newTurnRegistry() *turnRegistry {
	return &turnRegistry{turns: map[TurnID]*Turn{}}
}

// BeginTurn cancels the active turn, if any, and makes a new one active.
func (r *turnRegistry) BeginTurn() Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelActiveLocked()
	r.last++
	turn := &Turn{ID: r.last, CreatedAt: time.Now()}
	r.turns[turn.ID] = turn
	r.active = turn.ID
	delete(r.turns, turn.ID-recentTurns)
	return *turn
}

// CancelActive cancels the active turn without starting a new one.
func (r *turnRegistry) CancelActive() (TurnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelActiveLocked()
}

func (r *turnRegistry) cancelActiveLocked() (TurnID, bool) {
	if r.active == 0 {
		return 0, false
	}
	id := r.active
	if turn, ok := r.turns[id]; ok {
		turn.Cancelled = true
	}
	r.active = 0
	return id, true
}

func (r *turnRegistry) IsLive(id TurnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isLiveLocked(id)
}

func (r *turnRegistry) isLiveLocked(id TurnID) bool {
	return id != 0 && id == r.active
}

func (r *turnRegistry) Active() (Turn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == 0 {
		return Turn{}, false
	}
	return *r.turns[r.active], true
}

// Lookup returns one of the recent turns.
func (r *turnRegistry) Lookup(id TurnID) (Turn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	turn, ok := r.turns[id]
	if !ok {
		return Turn{}, false
	}
	return *turn, true
}

// NextID is the id the next BeginTurn will allocate.
func (r *turnRegistry) NextID() TurnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last + 1
}

// Publish runs fn only if id is live, holding the registry so that no turn
// can begin or be cancelled until fn returns. fn must not call back into the
// registry's writers.
func (r *turnRegistry) Publish(id TurnID, fn func() error) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.isLiveLocked(id) {
		return false, nil
	}
	return true, fn()
}
