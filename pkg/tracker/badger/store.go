package badger

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/tracker/record"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const maxConflictRetries = 64

type Config struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Dir, flagPrefix+"badger.dir", "./data/tracker", "Directory of the embedded tracker database.")
	f.BoolVar(&c.InMemory, flagPrefix+"badger.in-memory", false, "Keep the embedded tracker database in memory only.")
}

// Store is an embedded tracker for single-node deployments and tests.
// Compare-and-set relies on badger's optimistic transactions: a conflicting
// concurrent write aborts the transaction, which is then replayed against
// the fresh state.
type Store struct {
	db  *badger.DB
	log log.Logger
}

type outboxEntry struct {
	Envelope *message.Envelope `json:"envelope"`
	At       time.Time         `json:"at"`
}

type loggerAdapter struct {
	log log.Logger
}

func (l loggerAdapter) Errorf(f string, v ...interface{}) {
	_ = level.Error(l.log).Log("msg", fmt.Sprintf(f, v...))
}

func (l loggerAdapter) Warningf(f string, v ...interface{}) {
	_ = level.Warn(l.log).Log("msg", fmt.Sprintf(f, v...))
}

func (l loggerAdapter) Infof(f string, v ...interface{}) {
	_ = level.Debug(l.log).Log("msg", fmt.Sprintf(f, v...))
}

func (l loggerAdapter) Debugf(f string, v ...interface{}) {
	_ = level.Debug(l.log).Log("msg", fmt.Sprintf(f, v...))
}

func NewStore(cfg Config, log log.Logger) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts.Logger = loggerAdapter{log: log}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "badger: open")
	}

	return &Store{db: db, log: log}, nil
}

func batchKey(tenantID, batchID string) []byte {
	return []byte("b/" + tenantID + "/" + batchID)
}

func batchErrorPrefix(tenantID, batchID string) string {
	return "be/" + tenantID + "/" + batchID + "/"
}

func itemKey(tenantID, correlationID string) []byte {
	return []byte("i/" + tenantID + "/" + correlationID)
}

func resultPrefix(tenantID, correlationID string) string {
	return "r/" + tenantID + "/" + correlationID + "/"
}

func outboxKey(tenantID, correlationID string) []byte {
	return []byte("o/" + tenantID + "/" + correlationID)
}

func deadLetterKey(tenantID, batchID, correlationID string) []byte {
	return []byte("dl/" + tenantID + "/" + batchID + "/" + correlationID)
}

// update runs fn in a read-write transaction, replaying it on conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return errors.Wrap(err, "badger: too many conflicts")
}

func get(txn *badger.Txn, key []byte, v interface{}) error {
	it, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return record.ErrNotFound
		}
		return errors.Wrap(err, "badger: get")
	}

	return it.Value(func(raw []byte) error {
		return json.Unmarshal(raw, v)
	})
}

func set(txn *badger.Txn, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "badger: encode")
	}
	return errors.Wrap(txn.Set(key, raw), "badger: set")
}

func scan(txn *badger.Txn, prefix string, fn func(key string, raw []byte) error) error {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: []byte(prefix)})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		k := string(it.Item().Key())
		if err := it.Item().Value(func(raw []byte) error {
			return fn(k, raw)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateBatch(ctx context.Context, b *workitem.BatchRecord) (bool, error) {
	created := false
	err := s.update(func(txn *badger.Txn) error {
		created = false
		existing := workitem.BatchRecord{}
		err := get(txn, batchKey(b.TenantID, b.BatchID), &existing)
		if err == nil {
			return nil
		}
		if !errors.Is(err, record.ErrNotFound) {
			return err
		}

		stored := *b
		stored.Errors = nil
		created = true
		return set(txn, batchKey(b.TenantID, b.BatchID), &stored)
	})
	return created, err
}

func (s *Store) modifyBatch(tenantID, batchID string, fn func(b *workitem.BatchRecord)) error {
	return s.update(func(txn *badger.Txn) error {
		b := workitem.BatchRecord{}
		if err := get(txn, batchKey(tenantID, batchID), &b); err != nil {
			return err
		}
		fn(&b)
		return set(txn, batchKey(tenantID, batchID), &b)
	})
}

func (s *Store) SetBatchTotal(ctx context.Context, tenantID, batchID string, total int) error {
	return s.modifyBatch(tenantID, batchID, func(b *workitem.BatchRecord) {
		if b.TotalResources == nil {
			b.TotalResources = &total
		}
	})
}

func (s *Store) FailBatch(ctx context.Context, tenantID, batchID, reason string) error {
	return s.modifyBatch(tenantID, batchID, func(b *workitem.BatchRecord) {
		if b.FailedReason == "" {
			b.FailedReason = reason
		}
	})
}

func (s *Store) CancelBatch(ctx context.Context, tenantID, batchID string) error {
	return s.modifyBatch(tenantID, batchID, func(b *workitem.BatchRecord) {
		b.Cancelled = true
	})
}

func (s *Store) GetBatchStatus(ctx context.Context, tenantID, batchID string) (*workitem.BatchRecord, error) {
	b := workitem.BatchRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		if err := get(txn, batchKey(tenantID, batchID), &b); err != nil {
			return err
		}
		return scan(txn, batchErrorPrefix(tenantID, batchID), func(_ string, raw []byte) error {
			e := workitem.BatchError{}
			if err := json.Unmarshal(raw, &e); err != nil {
				return errors.Wrap(err, "badger: decode batch error")
			}
			b.Errors = append(b.Errors, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	b.Stage = b.DeriveStage()
	return &b, nil
}

func (s *Store) RecordBatchError(ctx context.Context, tenantID, batchID string, e workitem.BatchError, count bool) (bool, error) {
	recorded := false
	err := s.update(func(txn *badger.Txn) error {
		recorded = false
		key := []byte(batchErrorPrefix(tenantID, batchID) + e.Key)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrap(err, "badger: get batch error")
		}

		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if err := set(txn, key, &e); err != nil {
			return err
		}

		if count {
			b := workitem.BatchRecord{}
			if err := get(txn, batchKey(tenantID, batchID), &b); err != nil {
				return err
			}
			b.ErroredCount++
			if err := set(txn, batchKey(tenantID, batchID), &b); err != nil {
				return err
			}
		}

		recorded = true
		return nil
	})
	return recorded, err
}

func (s *Store) CreateItem(ctx context.Context, item *workitem.WorkItem) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}

	created := false
	err := s.update(func(txn *badger.Txn) error {
		created = false
		key := itemKey(item.TenantID, item.CorrelationID)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrap(err, "badger: get item")
		}

		stored := item.Clone()
		stored.UpdatedAt = time.Now().UTC()
		created = true
		return set(txn, key, stored)
	})
	return created, err
}

func (s *Store) GetItem(ctx context.Context, tenantID, correlationID string) (*workitem.WorkItem, error) {
	item := workitem.WorkItem{}
	if err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, itemKey(tenantID, correlationID), &item)
	}); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) RecordTransition(ctx context.Context, t *record.Transition) (workitem.Decision, error) {
	var dec workitem.Decision

	err := s.update(func(txn *badger.Txn) error {
		now := time.Now().UTC()

		var item *workitem.WorkItem
		cur := workitem.WorkItem{}
		err := get(txn, itemKey(t.TenantID, t.CorrelationID), &cur)
		switch {
		case err == nil:
			item = &cur
		case !errors.Is(err, record.ErrNotFound):
			return err
		}

		eff := record.Effects{}
		for i, c := range t.Chain() {
			d := workitem.Decide(item, c.Transition)
			if i == 0 {
				dec = d
			}
			if d.Outcome != workitem.Accepted {
				if i == 0 {
					return nil
				}
				return errors.Errorf("badger: chained transition %s -> %s: %s", c.From, c.To, d.Reason)
			}

			eff = eff.Add(record.Apply(item, c, now))

			if c.Result != nil {
				key := fmt.Sprintf("%s%020d", resultPrefix(t.TenantID, t.CorrelationID), now.UnixNano()+int64(i))
				if err := set(txn, []byte(key), c.Result); err != nil {
					return err
				}
			}
			if c.To == workitem.DeadLettered {
				if err := set(txn, deadLetterKey(item.TenantID, item.BatchID, item.CorrelationID), record.NewDeadLetter(item, now)); err != nil {
					return err
				}
			}
			if c.From == workitem.DeadLettered {
				if err := txn.Delete(deadLetterKey(item.TenantID, item.BatchID, item.CorrelationID)); err != nil {
					return errors.Wrap(err, "badger: delete dead letter")
				}
			}
		}

		if err := set(txn, itemKey(t.TenantID, t.CorrelationID), item); err != nil {
			return err
		}

		if env := t.PendingOutbox(); env != nil {
			if err := set(txn, outboxKey(t.TenantID, t.CorrelationID), &outboxEntry{Envelope: env, At: now}); err != nil {
				return err
			}
		} else if err := txn.Delete(outboxKey(t.TenantID, t.CorrelationID)); err != nil {
			return errors.Wrap(err, "badger: clear outbox")
		}

		if eff == (record.Effects{}) {
			return nil
		}

		b := workitem.BatchRecord{}
		if err := get(txn, batchKey(item.TenantID, item.BatchID), &b); err != nil {
			return err
		}
		b.ProcessedCount += eff.Processed
		b.ErroredCount += eff.Errored
		return set(txn, batchKey(item.TenantID, item.BatchID), &b)
	})

	return dec, err
}

func (s *Store) MarkDispatched(ctx context.Context, tenantID, correlationID string, attempt int) error {
	return s.update(func(txn *badger.Txn) error {
		e := outboxEntry{}
		err := get(txn, outboxKey(tenantID, correlationID), &e)
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.Envelope.Attempt != attempt {
			return nil
		}
		return errors.Wrap(txn.Delete(outboxKey(tenantID, correlationID)), "badger: clear outbox")
	})
}

func (s *Store) ListOutbox(ctx context.Context, olderThan time.Time, limit int) ([]*message.Envelope, error) {
	res := make([]*message.Envelope, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "o/", func(_ string, raw []byte) error {
			if len(res) >= limit {
				return nil
			}
			e := outboxEntry{}
			if err := json.Unmarshal(raw, &e); err != nil {
				return errors.Wrap(err, "badger: decode outbox")
			}
			if e.At.Before(olderThan) {
				res = append(res, e.Envelope)
			}
			return nil
		})
	})
	return res, err
}

func (s *Store) ListResults(ctx context.Context, tenantID, correlationID string) ([]*workitem.ProcessingResult, error) {
	res := make([]*workitem.ProcessingResult, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, resultPrefix(tenantID, correlationID), func(_ string, raw []byte) error {
			r := workitem.ProcessingResult{}
			if err := json.Unmarshal(raw, &r); err != nil {
				return errors.Wrap(err, "badger: decode result")
			}
			res = append(res, &r)
			return nil
		})
	})
	return res, err
}

func (s *Store) ListDeadLetters(ctx context.Context, tenantID, batchID string) ([]*workitem.DeadLetter, error) {
	prefix := "dl/" + tenantID + "/"
	if batchID != "" {
		prefix += batchID + "/"
	}

	res := make([]*workitem.DeadLetter, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, func(_ string, raw []byte) error {
			dl := workitem.DeadLetter{}
			if err := json.Unmarshal(raw, &dl); err != nil {
				return errors.Wrap(err, "badger: decode dead letter")
			}
			res = append(res, &dl)
			return nil
		})
	})
	return res, err
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "badger: close")
}
