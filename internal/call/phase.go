package call

import (
	"fmt"
	"slices"
)

// Phase is the resting state of the call engine.
type Phase string

const (
	Idle      Phase = "idle"
	Dialing   Phase = "dialing"
	Incoming  Phase = "incoming"
	Connected Phase = "connected"
)

// Every phase can fall back to Idle: hang-ups, rejections, media failures
// and lost connections all end the attempt.
var validTransitions = map[Phase][]Phase{
	Idle:      {Dialing, Incoming},
	Dialing:   {Connected, Idle},
	Incoming:  {Connected, Idle},
	Connected: {Idle},
}

func checkTransition(from, to Phase) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid call transition from %s to %s", from, to)
	}
	return nil
}
