package workitem

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	MetaQualityScore   = "qualityScore"
	MetaQualityFlagged = "qualityFlagged"
	MetaEmbeddingRefs  = "embeddingRefs"
	MetaEnrichedAt     = "enrichedAt"
	MetaBlobKey        = "blobKey"
	MetaStoredAt       = "storedAt"
)

// correlationNamespace is fixed forever: changing it breaks idempotency of
// every item already tracked.
var correlationNamespace = uuid.MustParse("6f1c2a5e-3b9d-5c47-8e0a-2d4b7f9c1e36")

// WorkItem is the unit of processing: one clinical resource of one batch.
type WorkItem struct {
	TenantID      string `json:"tenantId"`
	BatchID       string `json:"batchId"`
	ResourceType  string `json:"resourceType"`
	ResourceID    string `json:"resourceId"`
	CorrelationID string `json:"correlationId"`

	Stage        Stage `json:"stage"`
	Attempt      int   `json:"attempt"`
	StageAttempt int   `json:"stageAttempt"`

	// Set while Stage is Failed or DeadLettered.
	FailedStage Stage  `json:"failedStage,omitempty"`
	RetryStage  Stage  `json:"retryStage,omitempty"`
	Terminal    bool   `json:"terminal,omitempty"`
	LastError   string `json:"lastError,omitempty"`

	Payload  []byte                 `json:"payload,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	History   []Event   `json:"history,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is one recorded transition of an item.
type Event struct {
	From    Stage     `json:"from"`
	To      Stage     `json:"to"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type ProcessingResult struct {
	Stage     Stage              `json:"stage"`
	Success   bool               `json:"success"`
	Duration  time.Duration      `json:"duration"`
	Errors    []string           `json:"errors,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// DeadLetter is the operator-facing record of an item that exhausted its
// retries. It is removed on replay.
type DeadLetter struct {
	TenantID      string    `json:"tenantId"`
	BatchID       string    `json:"batchId"`
	CorrelationID string    `json:"correlationId"`
	ResourceType  string    `json:"resourceType"`
	ResourceID    string    `json:"resourceId"`
	FailedStage   Stage     `json:"failedStage"`
	RetryStage    Stage     `json:"retryStage"`
	Attempt       int       `json:"attempt"`
	Reason        string    `json:"reason"`
	History       []Event   `json:"history"`
	CreatedAt     time.Time `json:"createdAt"`
}

func New(tenantID, batchID, resourceType, resourceID string, payload []byte) *WorkItem {
	return &WorkItem{
		TenantID:      tenantID,
		BatchID:       batchID,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		CorrelationID: CorrelationID(batchID, resourceType, resourceID),
		Stage:         Received,
		Payload:       payload,
		Metadata:      map[string]interface{}{},
	}
}

// CorrelationID derives the stable id of a resource within a batch.
func CorrelationID(batchID, resourceType, resourceID string) string {
	name := strings.Join([]string{batchID, resourceType, resourceID}, "/")
	return uuid.NewSHA1(correlationNamespace, []byte(name)).String()
}

var (
	// Tenant and batch ids become object key segments, so they can never
	// be "." or "..".
	segmentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

	resourceTypeRe = regexp.MustCompile(`^[A-Z][A-Za-z]{0,63}$`)
	resourceIDRe   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// ValidateTenant rejects tenant ids that can not be used as a key segment.
func ValidateTenant(tenantID string) error {
	if tenantID == "" {
		return errors.New("tenant id is empty")
	}
	if !segmentRe.MatchString(tenantID) {
		return errors.Errorf("tenant id %q contains forbidden characters", tenantID)
	}
	return nil
}

func ValidateBatch(batchID string) error {
	if batchID == "" {
		return errors.New("batch id is empty")
	}
	if !segmentRe.MatchString(batchID) {
		return errors.Errorf("batch id %q contains forbidden characters", batchID)
	}
	return nil
}

// ValidateResource checks a resource type and id against the FHIR
// grammar for them.
func ValidateResource(resourceType, resourceID string) error {
	if !resourceTypeRe.MatchString(resourceType) {
		return errors.Errorf("resource type %q is not a valid type name", resourceType)
	}
	if !resourceIDRe.MatchString(resourceID) {
		return errors.Errorf("resource id %q is not a valid id", resourceID)
	}
	return nil
}

func (w *WorkItem) Validate() error {
	if err := ValidateTenant(w.TenantID); err != nil {
		return err
	}
	if err := ValidateBatch(w.BatchID); err != nil {
		return errors.Wrap(err, "work item")
	}
	if err := ValidateResource(w.ResourceType, w.ResourceID); err != nil {
		return errors.Wrap(err, "work item")
	}
	if w.CorrelationID != CorrelationID(w.BatchID, w.ResourceType, w.ResourceID) {
		return errors.New("work item: correlation id does not match resource identity")
	}
	return nil
}

// Clone returns a copy that shares no maps with w. Payload bytes are shared
// since they are never mutated in place.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	c.Metadata = make(map[string]interface{}, len(w.Metadata))
	for k, v := range w.Metadata {
		c.Metadata[k] = v
	}
	c.History = append([]Event(nil), w.History...)
	return &c
}

func (w *WorkItem) MetaString(key string) string {
	if w.Metadata == nil {
		return ""
	}
	s, _ := w.Metadata[key].(string)
	return s
}

func (w *WorkItem) rank() int {
	if w.Stage == Failed {
		return ranks[w.FailedStage] + 1
	}
	return ranks[w.Stage]
}

// Finished reports whether no further transition, other than an operator
// replay, can be accepted for the item.
func (w *WorkItem) Finished() bool {
	return w.Stage == Completed || w.Stage == DeadLettered || (w.Stage == Failed && w.Terminal)
}
