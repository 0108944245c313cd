package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/tracker/record"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const schema = `create table if not exists public.batches (
	tenant_id text not null,
	batch_id text not null,
	total_resources integer null,
	processed_count integer not null default 0,
	errored_count integer not null default 0,
	cancelled boolean not null default false,
	failed_reason text not null default '',
	created_at timestamptz not null,
	primary key (tenant_id, batch_id));
create table if not exists public.batch_errors (
	tenant_id text not null,
	batch_id text not null,
	error_key text not null,
	correlation_id text not null default '',
	stage text not null default '',
	message text not null,
	created_at timestamptz not null,
	primary key (tenant_id, batch_id, error_key));
create table if not exists public.items (
	tenant_id text not null,
	correlation_id text not null,
	batch_id text not null,
	resource_type text not null,
	resource_id text not null,
	stage text not null,
	attempt integer not null,
	stage_attempt integer not null,
	failed_stage text not null default '',
	retry_stage text not null default '',
	terminal boolean not null default false,
	last_error text not null default '',
	payload bytea null,
	metadata jsonb not null default '{}',
	outbox jsonb null,
	outbox_at timestamptz null,
	updated_at timestamptz not null,
	primary key (tenant_id, correlation_id));
create index if not exists items_outbox_at on public.items (outbox_at) where outbox is not null;
create table if not exists public.item_events (
	id bigserial primary key,
	tenant_id text not null,
	correlation_id text not null,
	from_stage text not null,
	to_stage text not null,
	attempt integer not null,
	error text not null default '',
	created_at timestamptz not null);
create index if not exists item_events_item on public.item_events (tenant_id, correlation_id);
create table if not exists public.results (
	id bigserial primary key,
	tenant_id text not null,
	correlation_id text not null,
	result jsonb not null,
	created_at timestamptz not null);
create index if not exists results_item on public.results (tenant_id, correlation_id);
create table if not exists public.dead_letters (
	tenant_id text not null,
	correlation_id text not null,
	batch_id text not null,
	record jsonb not null,
	created_at timestamptz not null,
	primary key (tenant_id, correlation_id));`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	cfg  Config
	log  log.Logger
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, cfg Config, log log.Logger) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.Conn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: parse connection string")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: init connection")
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres: init tables")
	}

	return &Store{
		cfg:  cfg,
		log:  log,
		pool: pool,
	}, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "postgres: begin transaction")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "postgres: commit transaction")
	}
	return nil
}

func (s *Store) CreateBatch(ctx context.Context, b *workitem.BatchRecord) (bool, error) {
	q := `insert into public.batches (tenant_id, batch_id, created_at) values ($1, $2, $3)
	on conflict (tenant_id, batch_id) do nothing;`

	tag, err := s.pool.Exec(ctx, q, b.TenantID, b.BatchID, b.CreatedAt)
	if err != nil {
		return false, errors.Wrap(err, "postgres: create batch")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetBatchTotal(ctx context.Context, tenantID, batchID string, total int) error {
	q := `update public.batches set total_resources = $3
	where tenant_id = $1 and batch_id = $2 and total_resources is null;`

	if _, err := s.pool.Exec(ctx, q, tenantID, batchID, total); err != nil {
		return errors.Wrap(err, "postgres: set batch total")
	}
	return nil
}

func (s *Store) FailBatch(ctx context.Context, tenantID, batchID, reason string) error {
	q := `update public.batches set failed_reason = $3
	where tenant_id = $1 and batch_id = $2 and failed_reason = '';`

	if _, err := s.pool.Exec(ctx, q, tenantID, batchID, reason); err != nil {
		return errors.Wrap(err, "postgres: fail batch")
	}
	return nil
}

func (s *Store) CancelBatch(ctx context.Context, tenantID, batchID string) error {
	q := `update public.batches set cancelled = true where tenant_id = $1 and batch_id = $2;`

	tag, err := s.pool.Exec(ctx, q, tenantID, batchID)
	if err != nil {
		return errors.Wrap(err, "postgres: cancel batch")
	}
	if tag.RowsAffected() == 0 {
		return record.ErrNotFound
	}
	return nil
}

func (s *Store) GetBatchStatus(ctx context.Context, tenantID, batchID string) (*workitem.BatchRecord, error) {
	q := `select total_resources, processed_count, errored_count, cancelled, failed_reason, created_at
	from public.batches where tenant_id = $1 and batch_id = $2;`

	b := workitem.BatchRecord{TenantID: tenantID, BatchID: batchID}
	var total sql.NullInt64
	err := s.pool.QueryRow(ctx, q, tenantID, batchID).
		Scan(&total, &b.ProcessedCount, &b.ErroredCount, &b.Cancelled, &b.FailedReason, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, record.ErrNotFound
		}
		return nil, errors.Wrap(err, "postgres: get batch")
	}
	if total.Valid {
		t := int(total.Int64)
		b.TotalResources = &t
	}

	rows, err := s.pool.Query(ctx, `select error_key, correlation_id, stage, message, created_at
	from public.batch_errors where tenant_id = $1 and batch_id = $2 order by created_at;`, tenantID, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: get batch errors")
	}
	defer rows.Close()

	for rows.Next() {
		e := workitem.BatchError{}
		if err := rows.Scan(&e.Key, &e.CorrelationID, &e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "postgres: scan batch error")
		}
		b.Errors = append(b.Errors, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres: get batch errors")
	}

	b.Stage = b.DeriveStage()
	return &b, nil
}

func (s *Store) RecordBatchError(ctx context.Context, tenantID, batchID string, e workitem.BatchError, count bool) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	recorded := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `insert into public.batch_errors
		(tenant_id, batch_id, error_key, correlation_id, stage, message, created_at)
		values ($1, $2, $3, $4, $5, $6, $7) on conflict do nothing;`,
			tenantID, batchID, e.Key, e.CorrelationID, string(e.Stage), e.Message, e.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "postgres: record batch error")
		}

		recorded = tag.RowsAffected() == 1
		if !recorded || !count {
			return nil
		}

		return s.addCounters(ctx, tx, tenantID, batchID, record.Effects{Errored: 1})
	})
	return recorded, err
}

func (s *Store) addCounters(ctx context.Context, q querier, tenantID, batchID string, eff record.Effects) error {
	_, err := q.Exec(ctx, `update public.batches
	set processed_count = processed_count + $3, errored_count = errored_count + $4
	where tenant_id = $1 and batch_id = $2;`, tenantID, batchID, eff.Processed, eff.Errored)
	return errors.Wrap(err, "postgres: update batch counters")
}

func (s *Store) CreateItem(ctx context.Context, item *workitem.WorkItem) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}

	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return false, errors.Wrap(err, "postgres: encode metadata")
	}

	tag, err := s.pool.Exec(ctx, `insert into public.items
	(tenant_id, correlation_id, batch_id, resource_type, resource_id, stage, attempt, stage_attempt, payload, metadata, updated_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	on conflict (tenant_id, correlation_id) do nothing;`,
		item.TenantID, item.CorrelationID, item.BatchID, item.ResourceType, item.ResourceID,
		string(item.Stage), item.Attempt, item.StageAttempt, item.Payload, string(meta), time.Now().UTC())
	if err != nil {
		return false, errors.Wrap(err, "postgres: create item")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetItem(ctx context.Context, tenantID, correlationID string) (*workitem.WorkItem, error) {
	return s.getItem(ctx, s.pool, tenantID, correlationID, false)
}

func (s *Store) getItem(ctx context.Context, q querier, tenantID, correlationID string, forUpdate bool) (*workitem.WorkItem, error) {
	stmt := `select batch_id, resource_type, resource_id, stage, attempt, stage_attempt,
	failed_stage, retry_stage, terminal, last_error, payload, metadata, updated_at
	from public.items where tenant_id = $1 and correlation_id = $2`
	if forUpdate {
		stmt += " for update"
	}

	item := workitem.WorkItem{TenantID: tenantID, CorrelationID: correlationID}
	var meta []byte
	err := q.QueryRow(ctx, stmt, tenantID, correlationID).Scan(
		&item.BatchID, &item.ResourceType, &item.ResourceID, &item.Stage, &item.Attempt, &item.StageAttempt,
		&item.FailedStage, &item.RetryStage, &item.Terminal, &item.LastError, &item.Payload, &meta, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, record.ErrNotFound
		}
		return nil, errors.Wrap(err, "postgres: get item")
	}

	if err := json.Unmarshal(meta, &item.Metadata); err != nil {
		return nil, errors.Wrap(err, "postgres: decode metadata")
	}

	rows, err := q.Query(ctx, `select from_stage, to_stage, attempt, error, created_at
	from public.item_events where tenant_id = $1 and correlation_id = $2 order by id;`, tenantID, correlationID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: get item events")
	}
	defer rows.Close()

	for rows.Next() {
		e := workitem.Event{}
		if err := rows.Scan(&e.From, &e.To, &e.Attempt, &e.Error, &e.At); err != nil {
			return nil, errors.Wrap(err, "postgres: scan item event")
		}
		item.History = append(item.History, e)
	}

	return &item, errors.Wrap(rows.Err(), "postgres: get item events")
}

func (s *Store) RecordTransition(ctx context.Context, t *record.Transition) (workitem.Decision, error) {
	var dec workitem.Decision

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		item, err := s.getItem(ctx, tx, t.TenantID, t.CorrelationID, true)
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			return err
		}

		known := 0
		if item != nil {
			known = len(item.History)
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
				return errors.Errorf("postgres: chained transition %s -> %s: %s", c.From, c.To, d.Reason)
			}

			eff = eff.Add(record.Apply(item, c, now))

			if c.Result != nil {
				raw, err := json.Marshal(c.Result)
				if err != nil {
					return errors.Wrap(err, "postgres: encode result")
				}
				if _, err := tx.Exec(ctx, `insert into public.results (tenant_id, correlation_id, result, created_at)
				values ($1, $2, $3, $4);`, t.TenantID, t.CorrelationID, string(raw), now); err != nil {
					return errors.Wrap(err, "postgres: insert result")
				}
			}
			if c.To == workitem.DeadLettered {
				raw, err := json.Marshal(record.NewDeadLetter(item, now))
				if err != nil {
					return errors.Wrap(err, "postgres: encode dead letter")
				}
				if _, err := tx.Exec(ctx, `insert into public.dead_letters (tenant_id, correlation_id, batch_id, record, created_at)
				values ($1, $2, $3, $4, $5)
				on conflict (tenant_id, correlation_id) do update set record = excluded.record, created_at = excluded.created_at;`,
					t.TenantID, t.CorrelationID, item.BatchID, string(raw), now); err != nil {
					return errors.Wrap(err, "postgres: insert dead letter")
				}
			}
			if c.From == workitem.DeadLettered {
				if _, err := tx.Exec(ctx, `delete from public.dead_letters where tenant_id = $1 and correlation_id = $2;`,
					t.TenantID, t.CorrelationID); err != nil {
					return errors.Wrap(err, "postgres: delete dead letter")
				}
			}
		}

		for _, e := range item.History[known:] {
			if _, err := tx.Exec(ctx, `insert into public.item_events
			(tenant_id, correlation_id, from_stage, to_stage, attempt, error, created_at)
			values ($1, $2, $3, $4, $5, $6, $7);`,
				t.TenantID, t.CorrelationID, string(e.From), string(e.To), e.Attempt, e.Error, e.At); err != nil {
				return errors.Wrap(err, "postgres: insert item event")
			}
		}

		if err := s.updateItem(ctx, tx, item, t.PendingOutbox(), now); err != nil {
			return err
		}

		if eff == (record.Effects{}) {
			return nil
		}
		return s.addCounters(ctx, tx, item.TenantID, item.BatchID, eff)
	})

	return dec, err
}

func (s *Store) updateItem(ctx context.Context, tx pgx.Tx, item *workitem.WorkItem, outbox *message.Envelope, now time.Time) error {
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return errors.Wrap(err, "postgres: encode metadata")
	}

	var rawOutbox, outboxAt interface{}
	if outbox != nil {
		raw, err := outbox.Encode()
		if err != nil {
			return err
		}
		rawOutbox = string(raw)
		outboxAt = now
	}

	q := `update public.items
	set stage = $3,
	attempt = $4,
	stage_attempt = $5,
	failed_stage = $6,
	retry_stage = $7,
	terminal = $8,
	last_error = $9,
	payload = $10,
	metadata = $11,
	outbox = $12,
	outbox_at = $13,
	updated_at = $14
	where tenant_id = $1 and correlation_id = $2;`

	_, err = tx.Exec(ctx, q, item.TenantID, item.CorrelationID,
		string(item.Stage), item.Attempt, item.StageAttempt, string(item.FailedStage), string(item.RetryStage),
		item.Terminal, item.LastError, item.Payload, string(meta), rawOutbox, outboxAt, now)
	return errors.Wrap(err, "postgres: update item")
}

func (s *Store) MarkDispatched(ctx context.Context, tenantID, correlationID string, attempt int) error {
	q := `update public.items set outbox = null, outbox_at = null
	where tenant_id = $1 and correlation_id = $2 and outbox is not null and (outbox->>'attempt')::integer = $3;`

	_, err := s.pool.Exec(ctx, q, tenantID, correlationID, attempt)
	return errors.Wrap(err, "postgres: mark dispatched")
}

func (s *Store) ListOutbox(ctx context.Context, olderThan time.Time, limit int) ([]*message.Envelope, error) {
	rows, err := s.pool.Query(ctx, `select outbox from public.items
	where outbox is not null and outbox_at < $1 order by outbox_at limit $2;`, olderThan, limit)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list outbox")
	}
	defer rows.Close()

	res := make([]*message.Envelope, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "postgres: scan outbox")
		}
		env, err := message.Decode(raw)
		if err != nil {
			return nil, err
		}
		res = append(res, env)
	}

	return res, errors.Wrap(rows.Err(), "postgres: list outbox")
}

func (s *Store) ListResults(ctx context.Context, tenantID, correlationID string) ([]*workitem.ProcessingResult, error) {
	rows, err := s.pool.Query(ctx, `select result from public.results
	where tenant_id = $1 and correlation_id = $2 order by id;`, tenantID, correlationID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	res := make([]*workitem.ProcessingResult, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "postgres: scan result")
		}
		r := workitem.ProcessingResult{}
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, errors.Wrap(err, "postgres: decode result")
		}
		res = append(res, &r)
	}

	return res, errors.Wrap(rows.Err(), "postgres: list results")
}

func (s *Store) ListDeadLetters(ctx context.Context, tenantID, batchID string) ([]*workitem.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `select record from public.dead_letters
	where tenant_id = $1 and ($2 = '' or batch_id = $2) order by created_at;`, tenantID, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	res := make([]*workitem.DeadLetter, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "postgres: scan dead letter")
		}
		dl := workitem.DeadLetter{}
		if err := json.Unmarshal(raw, &dl); err != nil {
			return nil, errors.Wrap(err, "postgres: decode dead letter")
		}
		res = append(res, &dl)
	}

	return res, errors.Wrap(rows.Err(), "postgres: list dead letters")
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
