package invocation

import (
	"context"
	"database/sql"
	"time"

	"faasrt/internal/common/db"
	"faasrt/internal/runtime/engine"
	appErr "faasrt/pkg/errors"
)

// Schema creates the invocation table.
const Schema = `
CREATE TABLE IF NOT EXISTS invocations (
	request_id   VARCHAR(64)  NOT NULL PRIMARY KEY,
	type         VARCHAR(16)  NOT NULL,
	module       VARCHAR(128) NOT NULL,
	worker_id    INT          NOT NULL,
	remote_addr  VARCHAR(64)  NOT NULL DEFAULT '',
	outcome      VARCHAR(32)  NOT NULL DEFAULT '',
	return_code  INT          NOT NULL DEFAULT 0,
	accepted_at  DATETIME(6)  NOT NULL,
	deadline     DATETIME(6)  NULL,
	finished_at  DATETIME(6)  NOT NULL,
	run_us       BIGINT       NOT NULL DEFAULT 0,
	total_us     BIGINT       NOT NULL DEFAULT 0,
	deadline_met BOOLEAN      NOT NULL DEFAULT FALSE,
	overrun_us   BIGINT       NOT NULL DEFAULT 0,
	received     INT          NOT NULL DEFAULT 0,
	sent         INT          NOT NULL DEFAULT 0,
	error        VARCHAR(512) NOT NULL DEFAULT '',
	KEY idx_module_finished (module, finished_at)
)`

const recordColumns = "request_id, type, module, worker_id, remote_addr, outcome, return_code, accepted_at, deadline, finished_at, run_us, total_us, deadline_met, overrun_us, received, sent, error"

const maxErrorLen = 512

// Repository persists invocation records.
type Repository interface {
	Save(ctx context.Context, rec Record) error
	// Get reports false when no record exists
	Get(ctx context.Context, requestID string) (Record, bool, error)
	// ListByModule returns the newest records first
	ListByModule(ctx context.Context, module string, limit int) ([]Record, error)
}

// MySQLRepository stores records in MySQL. It doubles as an event sink.
type MySQLRepository struct {
	db db.Database
}

func NewMySQLRepository(database db.Database) *MySQLRepository {
	return &MySQLRepository{db: database}
}

// EnsureSchema creates the table when missing.
func (r *MySQLRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "create invocations table failed")
	}
	return nil
}

// Save upserts rec; a replayed event overwrites the earlier row.
func (r *MySQLRepository) Save(ctx context.Context, rec Record) error {
	if rec.RequestID == "" {
		return appErr.ValidationError("request_id", "required")
	}
	if len(rec.Error) > maxErrorLen {
		rec.Error = rec.Error[:maxErrorLen]
	}
	query := `
		INSERT INTO invocations
		(` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			type = VALUES(type), outcome = VALUES(outcome), return_code = VALUES(return_code),
			finished_at = VALUES(finished_at), run_us = VALUES(run_us), total_us = VALUES(total_us),
			deadline_met = VALUES(deadline_met), overrun_us = VALUES(overrun_us),
			received = VALUES(received), sent = VALUES(sent), error = VALUES(error)
	`
	_, err := r.db.Exec(
		ctx,
		query,
		rec.RequestID,
		rec.Type,
		rec.Module,
		rec.WorkerID,
		rec.RemoteAddr,
		rec.Outcome,
		rec.ReturnCode,
		rec.AcceptedAt,
		nullTime(rec.Deadline),
		rec.FinishedAt,
		rec.RunUS,
		rec.TotalUS,
		rec.DeadlineMet,
		rec.OverrunUS,
		rec.Received,
		rec.Sent,
		rec.Error,
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "save invocation %s failed", rec.RequestID)
	}
	return nil
}

func (r *MySQLRepository) Get(ctx context.Context, requestID string) (Record, bool, error) {
	if requestID == "" {
		return Record{}, false, appErr.ValidationError("request_id", "required")
	}
	query := "SELECT " + recordColumns + " FROM invocations WHERE request_id = ? LIMIT 1"
	rec, err := scanRecord(r.db.QueryRow(ctx, query, requestID))
	if err != nil {
		if db.IsNoRows(err) {
			return Record{}, false, nil
		}
		return Record{}, false, appErr.Wrapf(err, appErr.DatabaseError, "get invocation %s failed", requestID)
	}
	return rec, true, nil
}

func (r *MySQLRepository) ListByModule(ctx context.Context, module string, limit int) ([]Record, error) {
	if module == "" {
		return nil, appErr.ValidationError("module", "required")
	}
	query := "SELECT " + recordColumns + " FROM invocations WHERE module = ? ORDER BY finished_at DESC LIMIT ?"
	rows, err := r.db.Query(ctx, query, module, limit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list invocations of %s failed", module)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan invocation failed")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list invocations of %s failed", module)
	}
	return out, nil
}

func (r *MySQLRepository) Name() string { return "mysql" }

func (r *MySQLRepository) Handle(ctx context.Context, ev engine.Event) error {
	return r.Save(ctx, FromEvent(ev))
}

func scanRecord(row db.Row) (Record, error) {
	var rec Record
	var deadline sql.NullTime
	err := row.Scan(
		&rec.RequestID,
		&rec.Type,
		&rec.Module,
		&rec.WorkerID,
		&rec.RemoteAddr,
		&rec.Outcome,
		&rec.ReturnCode,
		&rec.AcceptedAt,
		&deadline,
		&rec.FinishedAt,
		&rec.RunUS,
		&rec.TotalUS,
		&rec.DeadlineMet,
		&rec.OverrunUS,
		&rec.Received,
		&rec.Sent,
		&rec.Error,
	)
	if err != nil {
		return Record{}, err
	}
	if deadline.Valid {
		rec.Deadline = deadline.Time
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
