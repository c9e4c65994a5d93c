package cast

import (
	"time"

	"github.com/ktvcast/ktvcast/core/room"
)

// State is the lifecycle of the cast target.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StatePlaying
	StatePaused
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// active reports whether the renderer holds a URI set by this client.
func (s State) active() bool {
	switch s {
	case StatePreparing, StatePlaying, StatePaused:
		return true
	}
	return false
}

// Status is the synchronizer's view of the cast target. Mutated only by the
// synchronizer loop; read through Synchronizer.Status.
type Status struct {
	State        State
	Track        *room.Track
	StartedAt    time.Time
	LastPosition time.Duration
	LastDuration time.Duration
}
