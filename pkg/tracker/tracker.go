package tracker

import (
	"context"
	"flag"
	"time"

	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/tracker/badger"
	"github.com/ValerySidorin/acheron/pkg/tracker/pg"
	"github.com/ValerySidorin/acheron/pkg/tracker/record"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

var ErrNotFound = record.ErrNotFound

type Transition = record.Transition

type Config struct {
	Store  string        `yaml:"store"`
	Pg     pg.Config     `yaml:"pg"`
	Badger badger.Config `yaml:"badger"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Pg.RegisterFlags(flagPrefix, f)
	c.Badger.RegisterFlags(flagPrefix, f)

	f.StringVar(&c.Store, flagPrefix+"store", "pg", "Store that persists pipeline state: pg or badger.")
}

// Tracker is the durable source of truth of the pipeline. Every write is
// atomic, and transitions are compare-and-set against the stored item.
type Tracker interface {
	// CreateBatch stores b unless a batch with the same id exists. It
	// reports whether b was created.
	CreateBatch(ctx context.Context, b *workitem.BatchRecord) (bool, error)
	// SetBatchTotal records the number of resources found by chunking. It
	// is a no-op when the total is already known.
	SetBatchTotal(ctx context.Context, tenantID, batchID string, total int) error
	FailBatch(ctx context.Context, tenantID, batchID, reason string) error
	CancelBatch(ctx context.Context, tenantID, batchID string) error
	GetBatchStatus(ctx context.Context, tenantID, batchID string) (*workitem.BatchRecord, error)
	// RecordBatchError stores e once per key. When count is set, the first
	// store also increments the batch errored counter.
	RecordBatchError(ctx context.Context, tenantID, batchID string, e workitem.BatchError, count bool) (bool, error)

	CreateItem(ctx context.Context, item *workitem.WorkItem) (bool, error)
	GetItem(ctx context.Context, tenantID, correlationID string) (*workitem.WorkItem, error)
	RecordTransition(ctx context.Context, t *Transition) (workitem.Decision, error)
	// MarkDispatched clears the pending outbox envelope of an item if it is
	// still the one sent with attempt.
	MarkDispatched(ctx context.Context, tenantID, correlationID string, attempt int) error
	ListOutbox(ctx context.Context, olderThan time.Time, limit int) ([]*message.Envelope, error)

	ListResults(ctx context.Context, tenantID, correlationID string) ([]*workitem.ProcessingResult, error)
	ListDeadLetters(ctx context.Context, tenantID, batchID string) ([]*workitem.DeadLetter, error)

	Close() error
}

func New(ctx context.Context, cfg Config, log log.Logger) (Tracker, error) {
	switch cfg.Store {
	case "pg":
		return pg.NewStore(ctx, cfg.Pg, log)
	case "badger":
		return badger.NewStore(cfg.Badger, log)
	}

	return nil, errors.New("invalid store in config")
}
