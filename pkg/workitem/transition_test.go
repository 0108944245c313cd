package workitem

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type decideTest struct {
	name string
	cur  *WorkItem
	t    Transition
	out  Outcome
}

func at(stage Stage, attempt int) *WorkItem {
	return &WorkItem{Stage: stage, Attempt: attempt}
}

func failedAt(stage Stage, attempt int, terminal bool) *WorkItem {
	return &WorkItem{Stage: Failed, FailedStage: stage, RetryStage: stage, Attempt: attempt, Terminal: terminal}
}

var decideTests = []decideTest{
	{"chunk", at(Received, 0), Transition{From: Received, To: Chunked}, Accepted},
	{"rechunk", at(Chunked, 0), Transition{From: Received, To: Chunked}, Duplicate},
	{"claim", at(Chunked, 0), Transition{From: Chunked, To: Enriching, Attempt: 1}, Accepted},
	{"concurrent claim", at(Enriching, 1), Transition{From: Chunked, To: Enriching, Attempt: 1}, Duplicate},
	{"claim after enriched", at(Enriched, 1), Transition{From: Chunked, To: Enriching, Attempt: 1}, Duplicate},
	{"enriched", at(Enriching, 1), Transition{From: Enriching, To: Enriched, Attempt: 1}, Accepted},
	{"skip enriching", at(Chunked, 0), Transition{From: Chunked, To: Enriched, Attempt: 1}, Rejected},
	{"store before enrich", at(Chunked, 0), Transition{From: Enriched, To: Storing, Attempt: 2}, Rejected},
	{"stale attempt", at(Enriching, 3), Transition{From: Enriching, To: Enriched, Attempt: 2}, Duplicate},
	{"fail", at(Enriching, 1), Transition{From: Enriching, To: Failed, Attempt: 1}, Accepted},
	{"claim after fail", failedAt(Enriching, 1, false), Transition{From: Chunked, To: Enriching, Attempt: 1}, Duplicate},
	{"retry", failedAt(Enriching, 1, false), Transition{From: Failed, To: Enriching, Attempt: 2}, Accepted},
	{"retry same attempt", failedAt(Enriching, 1, false), Transition{From: Failed, To: Enriching, Attempt: 1}, Duplicate},
	{"retry wrong stage", failedAt(Enriching, 1, false), Transition{From: Failed, To: Storing, Attempt: 2}, Rejected},
	{"retry terminal", failedAt(Enriching, 1, true), Transition{From: Failed, To: Enriching, Attempt: 2}, Duplicate},
	{"retry redelivered", at(Enriched, 2), Transition{From: Failed, To: Enriching, Attempt: 2}, Duplicate},
	{"dead letter", failedAt(Storing, 4, false), Transition{From: Failed, To: DeadLettered, Attempt: 4}, Accepted},
	{"dead letter from flight", at(Storing, 4), Transition{From: Storing, To: DeadLettered, Attempt: 4}, Rejected},
	{"completed redelivery", at(Completed, 2), Transition{From: Enriched, To: Storing, Attempt: 2}, Duplicate},
	{"completed later attempt", at(Completed, 2), Transition{From: Enriched, To: Storing, Attempt: 9}, Duplicate},
	{"replay", &WorkItem{Stage: DeadLettered, RetryStage: Storing, Attempt: 4}, Transition{From: DeadLettered, To: Storing, Attempt: 5, Replay: true}, Accepted},
	{"replay without flag", &WorkItem{Stage: DeadLettered, RetryStage: Storing, Attempt: 4}, Transition{From: DeadLettered, To: Storing, Attempt: 5}, Duplicate},
	{"unknown item", nil, Transition{From: Chunked, To: Enriching, Attempt: 1}, Rejected},
}

func TestDecide(t *testing.T) {
	for _, v := range decideTests {
		d := Decide(v.cur, v.t)
		assert.Equal(t, v.out, d.Outcome, fmt.Sprintf("%s: got %s (%s)", v.name, d.Outcome, d.Reason))
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(Storing, Completed))
	assert.True(t, CanTransition(Chunked, Failed))
	assert.False(t, CanTransition(Received, Failed))
	assert.False(t, CanTransition(Completed, Failed))
	assert.False(t, CanTransition(Enriching, DeadLettered))
	assert.False(t, CanTransition(Failed, Chunked))
	assert.True(t, CanTransition(DeadLettered, Enriching))
}

func TestCorrelationID(t *testing.T) {
	a := CorrelationID("b1", "Patient", "p1")
	assert.Equal(t, a, CorrelationID("b1", "Patient", "p1"))
	assert.NotEqual(t, a, CorrelationID("b2", "Patient", "p1"))
	assert.NotEqual(t, a, CorrelationID("b1", "Observation", "p1"))

	item := New("t1", "b1", "Patient", "p1", nil)
	assert.Equal(t, a, item.CorrelationID)
	assert.NoError(t, item.Validate())

	item.CorrelationID = "forged"
	assert.Error(t, item.Validate())
}

func TestValidateTenant(t *testing.T) {
	assert.Error(t, ValidateTenant(""))
	assert.Error(t, ValidateTenant("a/b"))
	assert.Error(t, ValidateTenant(".."))
	assert.NoError(t, ValidateTenant("org-1"))
}

func TestValidateBatch(t *testing.T) {
	for _, id := range []string{"", ".", "..", "../t2/b9", "b 1", "b1/x"} {
		assert.Error(t, ValidateBatch(id), id)
	}
	for _, id := range []string{"b1", "2024-01-02.full", "6f1c2a5e-3b9d-5c47-8e0a-2d4b7f9c1e36"} {
		assert.NoError(t, ValidateBatch(id), id)
	}
}

func TestValidateResource(t *testing.T) {
	tests := []struct {
		resourceType string
		resourceID   string
		valid        bool
	}{
		{"Patient", "p1", true},
		{"MedicationRequest", "a.b-7", true},
		{"Patient", "../../../t2/b9/Patient/p1", false},
		{"Patient", "p/1", false},
		{"Patient", strings.Repeat("x", 65), false},
		{"Patient", "", false},
		{"..", "p1", false},
		{"patient", "p1", false},
		{"Pat/ient", "p1", false},
	}

	for _, v := range tests {
		err := ValidateResource(v.resourceType, v.resourceID)
		if v.valid {
			assert.NoError(t, err, v.resourceType+"/"+v.resourceID)
		} else {
			assert.Error(t, err, v.resourceType+"/"+v.resourceID)
		}
	}
}

func TestDeriveStage(t *testing.T) {
	total := func(n int) *int { return &n }

	tests := []struct {
		b   BatchRecord
		out BatchStage
	}{
		{BatchRecord{}, BatchChunking},
		{BatchRecord{TotalResources: total(10), ProcessedCount: 4}, BatchProcessing},
		{BatchRecord{TotalResources: total(10), ProcessedCount: 10}, BatchCompleted},
		{BatchRecord{TotalResources: total(10), ProcessedCount: 9, ErroredCount: 1}, BatchPartiallyFailed},
		{BatchRecord{TotalResources: total(10), ProcessedCount: 2, Cancelled: true}, BatchCancelled},
		{BatchRecord{FailedReason: "corrupt"}, BatchFailed},
	}

	for _, v := range tests {
		assert.Equal(t, v.out, v.b.DeriveStage())
	}
}
