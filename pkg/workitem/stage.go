package workitem

import "github.com/samber/lo"

type Stage string

const (
	Received     Stage = "RECEIVED"
	Chunked      Stage = "CHUNKED"
	Enriching    Stage = "ENRICHING"
	Enriched     Stage = "ENRICHED"
	Storing      Stage = "STORING"
	Completed    Stage = "COMPLETED"
	Failed       Stage = "FAILED"
	DeadLettered Stage = "DEAD_LETTERED"
)

var ranks = map[Stage]int{
	Received:     0,
	Chunked:      2,
	Enriching:    4,
	Enriched:     6,
	Storing:      8,
	Completed:    10,
	DeadLettered: 12,
}

// Stages an item can fail out of.
var inFlight = []Stage{Chunked, Enriching, Enriched, Storing}

// Stages a failed item can be sent back to.
var retryable = []Stage{Enriching, Storing}

var forward = map[Stage]Stage{
	Received:  Chunked,
	Chunked:   Enriching,
	Enriching: Enriched,
	Enriched:  Storing,
	Storing:   Completed,
}

func (s Stage) Valid() bool {
	_, ok := ranks[s]
	return ok || s == Failed
}

func (s Stage) InFlight() bool {
	return lo.Contains(inFlight, s)
}

func (s Stage) Retryable() bool {
	return lo.Contains(retryable, s)
}

// Next returns the stage that follows s on the happy path.
func (s Stage) Next() (Stage, bool) {
	n, ok := forward[s]
	return n, ok
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Failed and DeadLettered exits are further restricted by Decide.
func CanTransition(from, to Stage) bool {
	if n, ok := forward[from]; ok && n == to {
		return true
	}

	switch {
	case to == Failed:
		return from.InFlight()
	case from == Failed:
		return to == DeadLettered || to.Retryable()
	case from == DeadLettered:
		return to.Retryable()
	}

	return false
}
