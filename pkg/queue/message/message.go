package message

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/pkg/errors"
)

const topicPrefix = "acheron"

var topics = map[workitem.Stage]string{
	workitem.Received:  topicPrefix + ".chunk",
	workitem.Enriching: topicPrefix + ".enrich",
	workitem.Storing:   topicPrefix + ".store",
}

// ExportRef points at the bulk export a chunk request should read.
type ExportRef struct {
	ObjectKey string `json:"objectKey,omitempty"`
	URL       string `json:"url,omitempty"`
	Format    string `json:"format,omitempty"`
}

// Envelope is the only thing that travels through the queue. Stage is the
// stage the consumer is asked to enter; Attempt is the attempt it records
// when it does.
type Envelope struct {
	TenantID      string         `json:"tenantId"`
	BatchID       string         `json:"batchId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Stage         workitem.Stage `json:"stage"`
	Attempt       int            `json:"attempt"`
	StageAttempt  int            `json:"stageAttempt"`
	Replay        bool           `json:"replay,omitempty"`
	NotBefore     time.Time      `json:"notBefore,omitempty"`

	Item   *workitem.WorkItem `json:"item,omitempty"`
	Export *ExportRef         `json:"export,omitempty"`
}

// Delivery is one received copy of an envelope. Deliveries are
// at-least-once: every one must end with Ack, Nack or Term.
type Delivery interface {
	Envelope() *Envelope
	NumDelivered() int
	// InProgress tells the queue the delivery is still being handled, so
	// that it is not handed to another consumer meanwhile.
	InProgress(ctx context.Context) error
	Ack(ctx context.Context) error
	// Nack returns the message to the queue, to be redelivered no earlier
	// than delay from now.
	Nack(ctx context.Context, delay time.Duration) error
	// Term drops the message for good.
	Term(ctx context.Context) error
}

// Topic returns the queue topic consumed by the handler of stage.
func Topic(stage workitem.Stage) (string, error) {
	t, ok := topics[stage]
	if !ok {
		return "", errors.Errorf("no topic for stage %s", stage)
	}
	return t, nil
}

func DeadLetterTopic(topic string) string {
	return topicPrefix + ".dlq." + strings.TrimPrefix(topic, topicPrefix+".")
}

func Decode(raw []byte) (*Envelope, error) {
	env := Envelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return raw, nil
}

func (e *Envelope) Validate() error {
	if err := workitem.ValidateTenant(e.TenantID); err != nil {
		return errors.Wrap(err, "invalid envelope")
	}
	if err := workitem.ValidateBatch(e.BatchID); err != nil {
		return errors.Wrap(err, "invalid envelope")
	}
	if _, ok := topics[e.Stage]; !ok {
		return errors.Errorf("invalid envelope: unexpected stage %s", e.Stage)
	}

	if e.Stage == workitem.Received {
		if e.Export == nil {
			return errors.New("invalid envelope: chunk request without export")
		}
		return nil
	}

	if e.Item == nil {
		return errors.New("invalid envelope: no work item")
	}
	if e.Item.TenantID != e.TenantID || e.Item.BatchID != e.BatchID || e.Item.CorrelationID != e.CorrelationID {
		return errors.New("invalid envelope: work item does not belong to envelope")
	}
	return errors.Wrap(e.Item.Validate(), "invalid envelope")
}

// Key identifies one logical send of an envelope, so that transports with
// deduplication can drop re-sends.
func (e *Envelope) Key() string {
	if e.Stage == workitem.Received {
		return fmt.Sprintf("%s:%s:chunk:%d", e.TenantID, e.BatchID, e.StageAttempt)
	}
	return fmt.Sprintf("%s:%s:%s:%d", e.TenantID, e.CorrelationID, e.Stage, e.Attempt)
}

func (e *Envelope) String() string {
	if e.Item == nil {
		return fmt.Sprintf("%s/%s -> %s", e.TenantID, e.BatchID, e.Stage)
	}
	return fmt.Sprintf("%s/%s/%s/%s -> %s#%d", e.TenantID, e.BatchID, e.Item.ResourceType, e.Item.ResourceID, e.Stage, e.Attempt)
}
