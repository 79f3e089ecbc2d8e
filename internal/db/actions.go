package db

import (
	"database/sql"
	"fmt"
	"time"
)

const actionRecordsSchema = `
	CREATE TABLE IF NOT EXISTS action_records (
		request_id  TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		dag_id      TEXT NOT NULL,
		run_id      TEXT NOT NULL,
		confirmed   BOOLEAN NOT NULL,
		outcome     TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		message     TEXT,
		started_at  TIMESTAMP NOT NULL,
		duration_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_records_run
		ON action_records (dag_id, run_id, started_at);
`

// ActionRecord is one journaled run action
type ActionRecord struct {
	RequestID  string
	Kind       string
	DagID      string
	RunID      string
	Confirmed  bool
	Outcome    string
	StatusCode int
	Message    *string
	StartedAt  time.Time
	Duration   time.Duration
}

// EnsureSchema creates the journal tables if they do not exist
func (db *DB) EnsureSchema() error {
	if _, err := db.Exec(actionRecordsSchema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

const insertActionRecord = `
	INSERT INTO action_records (request_id, kind, dag_id, run_id, confirmed, outcome, status_code, message, started_at, duration_us)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// CreateActionRecord inserts a single record
func (db *DB) CreateActionRecord(rec *ActionRecord) error {
	_, err := db.Exec(insertActionRecord, actionRecordArgs(rec)...)
	return err
}

// CreateActionRecords inserts a batch in one transaction
func (db *DB) CreateActionRecords(recs []ActionRecord) error {
	return db.WithTransaction(func(tx *Tx) error {
		stmt, err := tx.Prepare(insertActionRecord)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range recs {
			if _, err := stmt.Exec(actionRecordArgs(&recs[i])...); err != nil {
				return fmt.Errorf("insert %s: %w", recs[i].RequestID, err)
			}
		}
		return nil
	})
}

func actionRecordArgs(rec *ActionRecord) []interface{} {
	return []interface{}{
		rec.RequestID,
		rec.Kind,
		rec.DagID,
		rec.RunID,
		rec.Confirmed,
		rec.Outcome,
		rec.StatusCode,
		rec.Message,
		rec.StartedAt.UTC(),
		rec.Duration.Microseconds(),
	}
}

// GetActionRecord retrieves a record by request ID
func (db *DB) GetActionRecord(requestID string) (*ActionRecord, error) {
	query := `
		SELECT request_id, kind, dag_id, run_id, confirmed, outcome, status_code, message, started_at, duration_us
		FROM action_records
		WHERE request_id = ?
	`

	rec, err := scanActionRecord(db.QueryRow(query, requestID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// ListActionRecords returns the most recent records for a run, newest first
func (db *DB) ListActionRecords(dagID, runID string, limit int) ([]ActionRecord, error) {
	query := `
		SELECT request_id, kind, dag_id, run_id, confirmed, outcome, status_code, message, started_at, duration_us
		FROM action_records
		WHERE dag_id = ? AND run_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := db.Query(query, dagID, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ActionRecord
	for rows.Next() {
		rec, err := scanActionRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}

	return recs, rows.Err()
}

// CountActionRecords returns the number of journaled records
func (db *DB) CountActionRecords() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM action_records`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActionRecord(row rowScanner) (*ActionRecord, error) {
	rec := &ActionRecord{}
	var durationUS int64

	err := row.Scan(
		&rec.RequestID,
		&rec.Kind,
		&rec.DagID,
		&rec.RunID,
		&rec.Confirmed,
		&rec.Outcome,
		&rec.StatusCode,
		&rec.Message,
		&rec.StartedAt,
		&durationUS,
	)
	if err != nil {
		return nil, err
	}

	rec.Duration = time.Duration(durationUS) * time.Microsecond
	return rec, nil
}
