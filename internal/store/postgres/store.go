package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/store"
)

const uniqueViolation = "23505"

// Store is the pgx-backed implementation of the store interface. Saga and
// step writes share one transaction, which is what makes UpdateSaga atomic
// for concurrent readers.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return &Store{pool: pool}, nil
}

func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

const insertSagaSQL = `
INSERT INTO sagas (id, saga_name, status, tenant_id, business_unit_id, correlation_id, payment_id,
	saga_data, error_message, started_at, completed_at, failed_at, compensated_at, current_step_index, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const insertStepSQL = `
INSERT INTO saga_steps (id, saga_id, step_name, step_type, status, sequence, service_name, endpoint,
	compensation_endpoint, input_data, output_data, error_data, error_message, retry_count, max_retries,
	timeout_seconds, optional, compensation_step, started_at, completed_at, failed_at, compensated_at,
	tenant_id, business_unit_id, correlation_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`

const updateSagaSQL = `
UPDATE sagas SET status = $2, saga_data = $3, error_message = $4, started_at = $5, completed_at = $6,
	failed_at = $7, compensated_at = $8, current_step_index = $9, version = version + 1
WHERE id = $1 AND version = $10`

const selectSagaVersionSQL = `SELECT version FROM sagas WHERE id = $1`

const updateStepSQL = `
UPDATE saga_steps SET status = $2, input_data = $3, output_data = $4, error_data = $5, error_message = $6,
	retry_count = $7, started_at = $8, completed_at = $9, failed_at = $10, compensated_at = $11
WHERE id = $1`

func (s *Store) CreateSaga(ctx context.Context, sg *saga.Saga) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		data, err := marshalData(sg.Data)
		if err != nil {
			return fmt.Errorf("marshal saga data: %w", err)
		}
		_, err = tx.Exec(ctx, insertSagaSQL,
			sg.ID, sg.Name, string(sg.Status), sg.TenantID, sg.BusinessUnitID, sg.CorrelationID, sg.PaymentID,
			data, nullable(sg.ErrorMessage), sg.StartedAt, sg.CompletedAt, sg.FailedAt, sg.CompensatedAt,
			sg.CurrentStepIndex, sg.Version)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: saga %s", store.ErrAlreadyExists, sg.ID)
			}
			return fmt.Errorf("insert saga: %w", err)
		}
		for _, step := range sg.Steps {
			if err := insertStep(ctx, tx, step); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertStep(ctx context.Context, tx pgx.Tx, step *saga.SagaStep) error {
	input, err := marshalData(step.InputData)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	output, err := marshalData(step.OutputData)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	errData, err := marshalData(step.ErrorData)
	if err != nil {
		return fmt.Errorf("marshal step error data: %w", err)
	}
	_, err = tx.Exec(ctx, insertStepSQL,
		step.ID, step.SagaID, step.Name, string(step.Type), string(step.Status), step.Sequence,
		step.ServiceName, step.Endpoint, nullable(step.CompensationEndpoint),
		input, output, errData, nullable(step.ErrorMessage),
		step.RetryCount, step.MaxRetries, step.TimeoutSeconds, step.Optional, step.CompensationStep,
		step.StartedAt, step.CompletedAt, step.FailedAt, step.CompensatedAt,
		step.TenantID, step.BusinessUnitID, step.CorrelationID)
	if err != nil {
		return fmt.Errorf("insert step %s: %w", step.Name, err)
	}
	return nil
}

func (s *Store) UpdateSaga(ctx context.Context, sg *saga.Saga) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		data, err := marshalData(sg.Data)
		if err != nil {
			return fmt.Errorf("marshal saga data: %w", err)
		}
		tag, err := tx.Exec(ctx, updateSagaSQL,
			sg.ID, string(sg.Status), data, nullable(sg.ErrorMessage), sg.StartedAt,
			sg.CompletedAt, sg.FailedAt, sg.CompensatedAt, sg.CurrentStepIndex, sg.Version)
		if err != nil {
			return fmt.Errorf("update saga: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var stored int
			err := tx.QueryRow(ctx, selectSagaVersionSQL, sg.ID).Scan(&stored)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: saga %s", store.ErrNotFound, sg.ID)
			}
			if err != nil {
				return fmt.Errorf("select saga version: %w", err)
			}
			return fmt.Errorf("%w: saga %s at version %d, write carries %d",
				store.ErrVersionConflict, sg.ID, stored, sg.Version)
		}
		for _, step := range sg.Steps {
			input, err := marshalData(step.InputData)
			if err != nil {
				return fmt.Errorf("marshal step input: %w", err)
			}
			output, err := marshalData(step.OutputData)
			if err != nil {
				return fmt.Errorf("marshal step output: %w", err)
			}
			errData, err := marshalData(step.ErrorData)
			if err != nil {
				return fmt.Errorf("marshal step error data: %w", err)
			}
			_, err = tx.Exec(ctx, updateStepSQL,
				step.ID, string(step.Status), input, output, errData, nullable(step.ErrorMessage),
				step.RetryCount, step.StartedAt, step.CompletedAt, step.FailedAt, step.CompensatedAt)
			if err != nil {
				return fmt.Errorf("update step %s: %w", step.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	sg.Version++
	return nil
}

const selectSagaSQL = `
SELECT id, saga_name, status, tenant_id, business_unit_id, correlation_id, payment_id,
	saga_data, error_message, started_at, completed_at, failed_at, compensated_at, current_step_index, version
FROM sagas WHERE id = $1`

const selectStepsSQL = `
SELECT id, saga_id, step_name, step_type, status, sequence, service_name, endpoint,
	compensation_endpoint, input_data, output_data, error_data, error_message, retry_count, max_retries,
	timeout_seconds, optional, compensation_step, started_at, completed_at, failed_at, compensated_at,
	tenant_id, business_unit_id, correlation_id
FROM saga_steps WHERE saga_id = $1 ORDER BY sequence`

func (s *Store) GetSaga(ctx context.Context, id string) (*saga.Saga, error) {
	row := s.pool.QueryRow(ctx, selectSagaSQL, id)

	var sg saga.Saga
	var data []byte
	var errMsg *string
	err := row.Scan(&sg.ID, &sg.Name, &sg.Status, &sg.TenantID, &sg.BusinessUnitID, &sg.CorrelationID,
		&sg.PaymentID, &data, &errMsg, &sg.StartedAt, &sg.CompletedAt, &sg.FailedAt, &sg.CompensatedAt,
		&sg.CurrentStepIndex, &sg.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: saga %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select saga: %w", err)
	}
	if sg.Data, err = unmarshalData(data); err != nil {
		return nil, fmt.Errorf("unmarshal saga data: %w", err)
	}
	if errMsg != nil {
		sg.ErrorMessage = *errMsg
	}

	steps, err := s.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	sg.Steps = steps
	return &sg, nil
}

func (s *Store) ListSteps(ctx context.Context, sagaID string) ([]*saga.SagaStep, error) {
	rows, err := s.pool.Query(ctx, selectStepsSQL, sagaID)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	defer rows.Close()

	var steps []*saga.SagaStep
	for rows.Next() {
		var step saga.SagaStep
		var compEndpoint, errMsg *string
		var input, output, errData []byte
		err := rows.Scan(&step.ID, &step.SagaID, &step.Name, &step.Type, &step.Status, &step.Sequence,
			&step.ServiceName, &step.Endpoint, &compEndpoint, &input, &output, &errData, &errMsg,
			&step.RetryCount, &step.MaxRetries, &step.TimeoutSeconds, &step.Optional, &step.CompensationStep,
			&step.StartedAt, &step.CompletedAt, &step.FailedAt, &step.CompensatedAt,
			&step.TenantID, &step.BusinessUnitID, &step.CorrelationID)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if compEndpoint != nil {
			step.CompensationEndpoint = *compEndpoint
		}
		if errMsg != nil {
			step.ErrorMessage = *errMsg
		}
		if step.InputData, err = unmarshalData(input); err != nil {
			return nil, fmt.Errorf("unmarshal step input: %w", err)
		}
		if step.OutputData, err = unmarshalData(output); err != nil {
			return nil, fmt.Errorf("unmarshal step output: %w", err)
		}
		if step.ErrorData, err = unmarshalData(errData); err != nil {
			return nil, fmt.Errorf("unmarshal step error data: %w", err)
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

const insertEventSQL = `
INSERT INTO saga_events (id, saga_id, event_type, event_data, tenant_id, business_unit_id, correlation_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const selectEventsSQL = `
SELECT id, saga_id, event_type, event_data, tenant_id, business_unit_id, correlation_id, occurred_at
FROM saga_events WHERE saga_id = $1 ORDER BY occurred_at, id`

func (s *Store) AppendEvent(ctx context.Context, ev saga.Event) error {
	data, err := marshalData(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.pool.Exec(ctx, insertEventSQL,
		ev.ID, ev.SagaID, string(ev.Type), data, ev.TenantID, ev.BusinessUnitID, ev.CorrelationID, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sagaID string) ([]saga.Event, error) {
	rows, err := s.pool.Query(ctx, selectEventsSQL, sagaID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var events []saga.Event
	for rows.Next() {
		var ev saga.Event
		var data []byte
		err := rows.Scan(&ev.ID, &ev.SagaID, &ev.Type, &data, &ev.TenantID, &ev.BusinessUnitID,
			&ev.CorrelationID, &ev.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.Data, err = unmarshalData(data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) GetSagaIDByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	var sagaID string
	err := s.pool.QueryRow(ctx,
		`SELECT saga_id FROM saga_idempotency_keys WHERE idempotency_key = $1`, key).Scan(&sagaID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return sagaID, true, nil
}

func (s *Store) BindIdempotencyKey(ctx context.Context, key, sagaID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO saga_idempotency_keys (idempotency_key, saga_id) VALUES ($1, $2)`, key, sagaID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: idempotency key", store.ErrAlreadyExists)
		}
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return nil
}

// ReleaseIdempotencyKey frees a reserved key whose saga never came to exist.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM saga_idempotency_keys WHERE idempotency_key = $1`, key)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return nil
}

// SaveTemplate persists a template for the API layer's catalog; an existing
// template with the same name is left untouched (templates are immutable).
func (s *Store) SaveTemplate(ctx context.Context, tpl saga.Template) error {
	defs, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal step definitions: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO saga_templates (id, template_name, description, step_definitions, version)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (template_name) DO NOTHING`,
		uuid.NewString(), tpl.Name, tpl.Description, defs, tpl.Version)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, name string) (saga.Template, error) {
	var tpl saga.Template
	var defs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT template_name, description, step_definitions, version FROM saga_templates WHERE template_name = $1`,
		name).Scan(&tpl.Name, &tpl.Description, &defs, &tpl.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return saga.Template{}, fmt.Errorf("%w: %s", saga.ErrTemplateNotFound, name)
	}
	if err != nil {
		return saga.Template{}, fmt.Errorf("select template: %w", err)
	}
	if err := json.Unmarshal(defs, &tpl.Steps); err != nil {
		return saga.Template{}, fmt.Errorf("unmarshal step definitions: %w", err)
	}
	return tpl, nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func marshalData(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalData(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
