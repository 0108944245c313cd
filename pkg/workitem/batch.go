package workitem

import "time"

type BatchStage string

const (
	BatchChunking        BatchStage = "CHUNKING"
	BatchProcessing      BatchStage = "PROCESSING"
	BatchCompleted       BatchStage = "COMPLETED"
	BatchPartiallyFailed BatchStage = "PARTIALLY_FAILED"
	BatchFailed          BatchStage = "FAILED"
	BatchCancelled       BatchStage = "CANCELLED"
)

type BatchRecord struct {
	BatchID        string       `json:"batchId"`
	TenantID       string       `json:"tenantId"`
	TotalResources *int         `json:"totalResources"`
	ProcessedCount int          `json:"processedCount"`
	ErroredCount   int          `json:"erroredCount"`
	Cancelled      bool         `json:"cancelled"`
	FailedReason   string       `json:"failedReason,omitempty"`
	Stage          BatchStage   `json:"stage"`
	Errors         []BatchError `json:"errors,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// BatchError is keyed so that re-running a stage never records it twice.
type BatchError struct {
	Key           string    `json:"key"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Stage         Stage     `json:"stage,omitempty"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"createdAt"`
}

func NewBatch(tenantID, batchID string) *BatchRecord {
	return &BatchRecord{
		BatchID:   batchID,
		TenantID:  tenantID,
		Stage:     BatchChunking,
		CreatedAt: time.Now().UTC(),
	}
}

// DeriveStage computes the batch stage from its counters. It is never stored.
func (b *BatchRecord) DeriveStage() BatchStage {
	switch {
	case b.FailedReason != "":
		return BatchFailed
	case b.TotalResources == nil:
		if b.Cancelled {
			return BatchCancelled
		}
		return BatchChunking
	case b.ProcessedCount+b.ErroredCount < *b.TotalResources:
		if b.Cancelled {
			return BatchCancelled
		}
		return BatchProcessing
	case b.ErroredCount == 0:
		return BatchCompleted
	default:
		return BatchPartiallyFailed
	}
}

func (b *BatchRecord) Done() bool {
	s := b.DeriveStage()
	return s == BatchCompleted || s == BatchPartiallyFailed || s == BatchFailed
}
