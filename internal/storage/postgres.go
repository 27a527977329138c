package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveRun creates the header row of a run
func (s *PostgresStore) SaveRun(r models.Run) error {
	_, err := s.db.Exec("INSERT INTO runs (id, workflow_id, caller_id, status, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6)",
		r.ID, r.WorkflowID, r.CallerID, r.Status, r.StartedAt, r.FinishedAt)
	if err != nil {
		return errors.Wrapf(err, "save run %s", r.ID)
	}
	return nil
}

// UpdateRunStatus sets the final status of a run
func (s *PostgresStore) UpdateRunStatus(id string, status models.RunStatus, finishedAt *time.Time) error {
	res, err := s.db.Exec("UPDATE runs SET status = $1, finished_at = $2 WHERE id = $3", status, finishedAt, id)
	if err != nil {
		return errors.Wrapf(err, "update run %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "run %s", id)
	}
	return nil
}

// GetRun retrieves a run by ID, including task results and security records
func (s *PostgresStore) GetRun(id string) (models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, "SELECT id, workflow_id, caller_id, status, started_at, finished_at FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Run{}, errors.Wrapf(storage.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "get run %s", id)
	}

	// Fetch task results
	var rows []taskResultRow
	err = s.db.Select(&rows, `
		SELECT task_id, status, error_msg, reason, attempts, degraded, output, warnings, security_errors, started_at, finished_at
		FROM task_results WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "get task results of run %s", id)
	}
	for _, row := range rows {
		res, err := row.toModel()
		if err != nil {
			return models.Run{}, errors.Wrapf(err, "decode result of task %s", row.TaskID)
		}
		run.Tasks = append(run.Tasks, res)
	}

	// Fetch violations
	err = s.db.Select(&run.Violations, `
		SELECT violation_type, message, severity, pattern, task_id, query
		FROM violations WHERE run_id = $1 ORDER BY id`, id)
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "get violations of run %s", id)
	}

	// Fetch threat events
	var threats []threatEventRow
	err = s.db.Select(&threats, `
		SELECT id, caller_id, "timestamp", threat_type, severity, task_id, details
		FROM threat_events WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "get threat events of run %s", id)
	}
	for _, row := range threats {
		e := row.ThreatEvent
		if err := row.Details.Unmarshal(&e.Details); err != nil {
			return models.Run{}, errors.Wrapf(err, "decode details of threat event %s", row.ID)
		}
		run.Threats = append(run.Threats, e)
	}

	return run, nil
}

func (s *PostgresStore) ListRuns() ([]models.Run, error) {
	runs := []models.Run{}
	query := "SELECT id, workflow_id, caller_id, status, started_at, finished_at FROM runs ORDER BY started_at DESC"
	err := s.db.Select(&runs, query)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

// SaveTaskResult stores the result of one task of a run
func (s *PostgresStore) SaveTaskResult(runID string, r models.TaskResult) error {
	output, err := json.Marshal(r.Output)
	if err != nil {
		return errors.Wrapf(err, "encode output of task %s", r.TaskID)
	}
	warnings, err := json.Marshal(nonNil(r.Warnings))
	if err != nil {
		return errors.Wrapf(err, "encode warnings of task %s", r.TaskID)
	}
	securityErrors, err := json.Marshal(nonNil(r.SecurityErrors))
	if err != nil {
		return errors.Wrapf(err, "encode security errors of task %s", r.TaskID)
	}
	_, err = s.db.Exec(`
		INSERT INTO task_results (run_id, task_id, status, error_msg, reason, attempts, degraded, output, warnings, security_errors, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		runID, r.TaskID, r.Status, r.Error, r.Reason, r.Attempts, r.Degraded,
		types.JSONText(output), types.JSONText(warnings), types.JSONText(securityErrors), r.StartedAt, r.FinishedAt)
	if err != nil {
		return errors.Wrapf(err, "save result of task %s", r.TaskID)
	}
	return nil
}

// SaveViolation appends a security violation to a run
func (s *PostgresStore) SaveViolation(runID string, v models.SecurityViolation) error {
	_, err := s.db.Exec(`
		INSERT INTO violations (run_id, violation_type, message, severity, pattern, task_id, query)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		runID, v.Type, v.Message, v.Severity, v.Pattern, v.TaskID, v.Query)
	if err != nil {
		return errors.Wrap(err, "save violation")
	}
	return nil
}

// SaveThreatEvent appends a threat event to a run
func (s *PostgresStore) SaveThreatEvent(runID string, e models.ThreatEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return errors.Wrapf(err, "encode details of threat event %s", e.ID)
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	_, err = s.db.Exec(`
		INSERT INTO threat_events (id, run_id, caller_id, "timestamp", threat_type, severity, task_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, runID, e.CallerID, e.Timestamp, e.Type, e.Severity, e.TaskID, types.JSONText(details))
	if err != nil {
		return errors.Wrapf(err, "save threat event %s", e.ID)
	}
	return nil
}

type taskResultRow struct {
	models.TaskResult
	OutputJSON         types.NullJSONText `db:"output"`
	WarningsJSON       types.JSONText     `db:"warnings"`
	SecurityErrorsJSON types.JSONText     `db:"security_errors"`
}

func (row taskResultRow) toModel() (models.TaskResult, error) {
	res := row.TaskResult
	if row.OutputJSON.Valid {
		if err := row.OutputJSON.Unmarshal(&res.Output); err != nil {
			return res, err
		}
	}
	if err := row.WarningsJSON.Unmarshal(&res.Warnings); err != nil {
		return res, err
	}
	if err := row.SecurityErrorsJSON.Unmarshal(&res.SecurityErrors); err != nil {
		return res, err
	}
	return res, nil
}

type threatEventRow struct {
	models.ThreatEvent
	Details types.JSONText `db:"details"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
