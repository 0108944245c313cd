package record

import (
	"testing"
	"time"

	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/stretchr/testify/assert"
)

func TestApplyCounters(t *testing.T) {
	now := time.Now()
	item := workitem.New("t1", "b1", "Patient", "p1", nil)
	item.Stage = workitem.Storing
	item.Attempt = 2

	eff := Apply(item, &Transition{Transition: workitem.Transition{From: workitem.Storing, To: workitem.Completed, Attempt: 2}}, now)
	assert.Equal(t, Effects{Processed: 1}, eff)
	assert.Equal(t, workitem.Completed, item.Stage)
	assert.Len(t, item.History, 1)
}

func TestApplyFailureAndReplay(t *testing.T) {
	now := time.Now()
	item := workitem.New("t1", "b1", "Patient", "p1", nil)
	item.Stage = workitem.Enriching
	item.Attempt = 3

	eff := Apply(item, &Transition{
		Transition: workitem.Transition{From: workitem.Enriching, To: workitem.Failed, Attempt: 3},
		Error:      "timeout",
		Metadata:   map[string]interface{}{"k": "v"},
	}, now)
	assert.Equal(t, Effects{}, eff, "a retryable failure is not counted")
	assert.Equal(t, workitem.Enriching, item.RetryStage)
	assert.Equal(t, "timeout", item.LastError)
	assert.Equal(t, "v", item.Metadata["k"])

	eff = Apply(item, &Transition{Transition: workitem.Transition{From: workitem.Failed, To: workitem.DeadLettered, Attempt: 3}}, now)
	assert.Equal(t, Effects{Errored: 1}, eff)

	dl := NewDeadLetter(item, now)
	assert.Equal(t, workitem.Enriching, dl.RetryStage)
	assert.Len(t, dl.History, 2)

	eff = Apply(item, &Transition{Transition: workitem.Transition{From: workitem.DeadLettered, To: workitem.Enriching, Attempt: 4, Replay: true}}, now)
	assert.Equal(t, Effects{Errored: -1}, eff)
}

func TestApplyTerminalFailure(t *testing.T) {
	item := workitem.New("t1", "b1", "Patient", "p1", nil)
	item.Stage = workitem.Enriching

	eff := Apply(item, &Transition{Transition: workitem.Transition{From: workitem.Enriching, To: workitem.Failed, Terminal: true}}, time.Now())
	assert.Equal(t, Effects{Errored: 1}, eff)
	assert.True(t, item.Finished())
}
