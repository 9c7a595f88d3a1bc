package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lambda-live-bridge/internal/models"

	_ "github.com/lib/pq"
)

// DBService persists the local invocation log in PostgreSQL
type DBService struct {
	db *sql.DB
}

// NewDBService opens and pings the database at dsn
func NewDBService(ctx context.Context, dsn string) (*DBService, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &DBService{db: db}, nil
}

func (s *DBService) Close() error {
	return s.db.Close()
}

// InitSchema creates tables if they don't exist
func (s *DBService) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bridge_invocations (
		id BIGSERIAL PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL UNIQUE,
		function_id VARCHAR(255) NOT NULL,
		worker_id VARCHAR(255),
		invoked_at TIMESTAMPTZ NOT NULL,
		input_event JSONB,
		status VARCHAR(20) NOT NULL,
		output_result JSONB,
		error_type VARCHAR(255),
		error_message TEXT,
		duration_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_bridge_invocations_function_id ON bridge_invocations(function_id);
	CREATE INDEX IF NOT EXISTS idx_bridge_invocations_invoked_at ON bridge_invocations(invoked_at DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RecordInvocation inserts a completed invocation. A retried record for the
// same request id is ignored.
func (s *DBService) RecordInvocation(ctx context.Context, rec *models.InvocationRecord) error {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bridge_invocations
			(request_id, function_id, worker_id, invoked_at, input_event, status, output_result, error_type, error_message, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING id
	`, rec.RequestID, rec.FunctionID, nullString(rec.WorkerID), rec.InvokedAt,
		jsonOrNull(rec.InputEvent), rec.Status, jsonOrNull(rec.OutputResult),
		nullString(rec.ErrorType), nullString(rec.ErrorMessage), rec.DurationMs).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record invocation %s: %w", rec.RequestID, err)
	}
	rec.ID = id.Int64
	return nil
}

// ListInvocations returns the most recent invocations of a function
func (s *DBService) ListInvocations(ctx context.Context, functionID string, limit int) ([]models.InvocationRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, function_id, worker_id, invoked_at, input_event, status, output_result, error_type, error_message, duration_ms
		FROM bridge_invocations
		WHERE function_id = $1
		ORDER BY invoked_at DESC
		LIMIT $2
	`, functionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invocations []models.InvocationRecord
	for rows.Next() {
		var inv models.InvocationRecord
		var inputEventJSON, outputResultJSON []byte
		var workerID, errorType, errorMessage sql.NullString
		var durationMs sql.NullInt32

		err := rows.Scan(&inv.ID, &inv.RequestID, &inv.FunctionID, &workerID, &inv.InvokedAt,
			&inputEventJSON, &inv.Status, &outputResultJSON, &errorType, &errorMessage, &durationMs)
		if err != nil {
			return nil, err
		}

		inv.InputEvent = inputEventJSON
		inv.OutputResult = outputResultJSON
		inv.WorkerID = workerID.String
		inv.ErrorType = errorType.String
		inv.ErrorMessage = errorMessage.String
		if durationMs.Valid {
			inv.DurationMs = int(durationMs.Int32)
		}

		invocations = append(invocations, inv)
	}

	return invocations, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonOrNull passes valid JSON through as text and maps anything else to NULL.
func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return string(raw)
}
