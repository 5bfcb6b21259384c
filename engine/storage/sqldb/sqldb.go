// Package sqldb implements engine storage on top of database/sql.
// The queries are portable between the MySQL and SQLite dialects.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/job"
)

// SQLStorage implements a storage.Storage using a SQL database.
// Each record is kept as a JSON document next to its indexed columns.
type SQLStorage struct {
	db *sql.DB
}

// New creates a new SQL storage using db.
func New(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

// DB returns the underlying database handle.
func (s *SQLStorage) DB() *sql.DB {
	return s.db
}

// ExecSchema executes each semicolon-separated statement in schema.
func ExecSchema(ctx context.Context, db *sql.DB, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema: %w", err)
		}
	}
	return nil
}

// txcb executes SQL within transactions when wrapped in tx().
type txcb func(ctx context.Context, tx *sql.Tx) error

// tx wraps g in transactions using db.
// If g returns an err the transaction will be rolled back; otherwise committed.
func tx(ctx context.Context, db *sql.DB, g txcb) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %w; while trying to handle error: %v", rbErr, err)
		}
		return fmt.Errorf("tx rolled back: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}

// StoreJob implements the storage interface method.
func (s *SQLStorage) StoreJob(ctx context.Context, j *job.Job) error {
	if err := storage.ValidateJob(j); err != nil {
		return fmt.Errorf("validating job: %w", err)
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`REPLACE INTO jobs (id, device_id, flow_id, status, seq, data) VALUES (?, ?, ?, ?, ?, ?);`,
		j.ID, j.DeviceID, j.FlowID, string(j.Status), j.Seq, data,
	)
	return err
}

// RetrieveJob implements the storage interface method.
func (s *SQLStorage) RetrieveJob(ctx context.Context, id string) (*job.Job, error) {
	if id == "" {
		return nil, storage.ErrMissingJobID
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?;`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
	} else if err != nil {
		return nil, err
	}
	j := new(job.Job)
	if err = json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return j, nil
}

// RetrieveJobs implements the storage interface method.
func (s *SQLStorage) RetrieveJobs(ctx context.Context, filter *storage.JobFilter) ([]*job.Job, error) {
	q := `SELECT data FROM jobs`
	var where []string
	var args []any
	if filter != nil {
		if filter.DeviceID != "" {
			where = append(where, "device_id = ?")
			args = append(args, filter.DeviceID)
		}
		if filter.FlowID != "" {
			where = append(where, "flow_id = ?")
			args = append(args, filter.FlowID)
		}
		if len(filter.Status) > 0 {
			where = append(where, "status IN (?"+strings.Repeat(", ?", len(filter.Status)-1)+")")
			for _, st := range filter.Status {
				args = append(args, string(st))
			}
		}
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq, id"
	if filter != nil && filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*job.Job
	for rows.Next() {
		var data []byte
		if err = rows.Scan(&data); err != nil {
			return ret, err
		}
		j := new(job.Job)
		if err = json.Unmarshal(data, j); err != nil {
			return ret, fmt.Errorf("unmarshal job: %w", err)
		}
		ret = append(ret, j)
	}
	return ret, rows.Err()
}

// DeleteJob implements the storage interface method.
func (s *SQLStorage) DeleteJob(ctx context.Context, id string) error {
	if id == "" {
		return storage.ErrMissingJobID
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n < 1 {
			return fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE job_id = ?;`, id); err != nil {
			return fmt.Errorf("deleting tasks: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM job_logs WHERE job_id = ?;`, id); err != nil {
			return fmt.Errorf("deleting logs: %w", err)
		}
		return nil
	})
}

func storeTask(ctx context.Context, tx *sql.Tx, t *job.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`REPLACE INTO tasks (job_id, seq, id, status, data) VALUES (?, ?, ?, ?, ?);`,
		t.JobID, t.Seq, t.ID, string(t.Status), data,
	)
	return err
}

// ReplaceTasks implements the storage interface method.
func (s *SQLStorage) ReplaceTasks(ctx context.Context, jobID string, tasks []*job.Task) error {
	if jobID == "" {
		return storage.ErrMissingJobID
	}
	for _, t := range tasks {
		if err := storage.ValidateTask(t); err != nil {
			return fmt.Errorf("validating task: %w", err)
		}
		if t.JobID != jobID {
			return fmt.Errorf("task %s belongs to job %s", t.ID, t.JobID)
		}
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE job_id = ?;`, jobID); err != nil {
			return fmt.Errorf("deleting tasks: %w", err)
		}
		for _, t := range tasks {
			if err := storeTask(ctx, tx, t); err != nil {
				return fmt.Errorf("storing task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// StoreTask implements the storage interface method.
func (s *SQLStorage) StoreTask(ctx context.Context, t *job.Task) error {
	if err := storage.ValidateTask(t); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return storeTask(ctx, tx, t)
	})
}

// RetrieveTasks implements the storage interface method.
func (s *SQLStorage) RetrieveTasks(ctx context.Context, jobID string) ([]*job.Task, error) {
	if jobID == "" {
		return nil, storage.ErrMissingJobID
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tasks WHERE job_id = ? ORDER BY seq;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*job.Task
	for rows.Next() {
		var data []byte
		if err = rows.Scan(&data); err != nil {
			return ret, err
		}
		t := new(job.Task)
		if err = json.Unmarshal(data, t); err != nil {
			return ret, fmt.Errorf("unmarshal task: %w", err)
		}
		ret = append(ret, t)
	}
	return ret, rows.Err()
}

// AppendLog implements the storage interface method.
func (s *SQLStorage) AppendLog(ctx context.Context, e *job.LogEntry) error {
	if err := storage.ValidateLogEntry(e); err != nil {
		return fmt.Errorf("validating log entry: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO job_logs (job_id, id, level, data) VALUES (?, ?, ?, ?);`,
		e.JobID, e.ID, string(e.Level), data,
	)
	return err
}

// RetrieveLogs implements the storage interface method.
func (s *SQLStorage) RetrieveLogs(ctx context.Context, jobID string) ([]*job.LogEntry, error) {
	if jobID == "" {
		return nil, storage.ErrMissingJobID
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM job_logs WHERE job_id = ? ORDER BY id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*job.LogEntry
	for rows.Next() {
		var data []byte
		if err = rows.Scan(&data); err != nil {
			return ret, err
		}
		e := new(job.LogEntry)
		if err = json.Unmarshal(data, e); err != nil {
			return ret, fmt.Errorf("unmarshal log entry: %w", err)
		}
		ret = append(ret, e)
	}
	return ret, rows.Err()
}
