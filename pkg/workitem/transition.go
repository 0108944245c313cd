package workitem

import "fmt"

type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

type Decision struct {
	Outcome Outcome
	Reason  string
}

// Transition is a requested move of an item between two stages.
type Transition struct {
	From         Stage
	To           Stage
	Attempt      int
	StageAttempt int

	// Only meaningful when To is Failed. RetryStage defaults to From.
	Terminal   bool
	RetryStage Stage

	// Replay marks the operator path out of DeadLettered.
	Replay bool
}

// Decide is the compare-and-set rule every tracker backend applies to the
// current durable state of an item before recording t.
//
// A transition is accepted when the item is still where the caller believes
// it is and the caller does not hold an older attempt. It is a duplicate when
// the item has already reached the same or a later point, and rejected
// otherwise.
func Decide(cur *WorkItem, t Transition) Decision {
	if !CanTransition(t.From, t.To) {
		return Decision{Outcome: Rejected, Reason: fmt.Sprintf("invalid transition %s -> %s", t.From, t.To)}
	}
	if cur == nil {
		return Decision{Outcome: Rejected, Reason: "unknown item"}
	}

	if cur.Stage == t.From && t.Attempt >= cur.Attempt {
		if d, ok := decideExit(cur, t); ok {
			return d
		}
		return Decision{Outcome: Accepted}
	}

	if cur.Finished() {
		return Decision{Outcome: Duplicate, Reason: fmt.Sprintf("item already %s", cur.Stage)}
	}

	if cur.Attempt > t.Attempt || (cur.Attempt == t.Attempt && cur.rank() >= rankOf(t)) {
		return Decision{Outcome: Duplicate, Reason: fmt.Sprintf("item already at %s attempt %d", cur.Stage, cur.Attempt)}
	}

	return Decision{
		Outcome: Rejected,
		Reason:  fmt.Sprintf("out of order: item at %s attempt %d, requested %s -> %s attempt %d", cur.Stage, cur.Attempt, t.From, t.To, t.Attempt),
	}
}

// decideExit handles transitions out of Failed and DeadLettered. ok is false
// when the ordinary rule applies.
func decideExit(cur *WorkItem, t Transition) (Decision, bool) {
	switch cur.Stage {
	case Failed:
		if cur.Terminal {
			return Decision{Outcome: Duplicate, Reason: "item failed permanently"}, true
		}
		if t.To == DeadLettered {
			return Decision{Outcome: Accepted}, true
		}
		if t.To != cur.RetryStage {
			return Decision{Outcome: Rejected, Reason: fmt.Sprintf("item must be retried at %s, not %s", cur.RetryStage, t.To)}, true
		}
		if t.Attempt <= cur.Attempt {
			return Decision{Outcome: Duplicate, Reason: "retry attempt already consumed"}, true
		}
		return Decision{Outcome: Accepted}, true
	case DeadLettered:
		if !t.Replay {
			return Decision{Outcome: Duplicate, Reason: "item dead-lettered"}, true
		}
		if t.To != cur.RetryStage {
			return Decision{Outcome: Rejected, Reason: fmt.Sprintf("item must be replayed at %s, not %s", cur.RetryStage, t.To)}, true
		}
		if t.Attempt <= cur.Attempt {
			return Decision{Outcome: Duplicate, Reason: "replay attempt already consumed"}, true
		}
		return Decision{Outcome: Accepted}, true
	}
	return Decision{}, false
}

func rankOf(t Transition) int {
	if t.To == Failed {
		return ranks[t.From] + 1
	}
	return ranks[t.To]
}
