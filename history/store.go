// Package history journals finished print jobs to PostgreSQL so job
// outcomes survive daemon restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/printq"
)

// JobRecord is one journaled print job.
type JobRecord struct {
	JobID      int64
	Printer    string
	Priority   uint16
	State      string
	Attempts   int
	LastErr    string
	EnqueuedAt time.Time
	FinishedAt time.Time
}

// Store handles database operations. It implements printq.Journal.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewStore connects to the database and ensures the journal table exists.
func NewStore(ctx context.Context, dsn string, log *logrus.Entry) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connecting to database: %w", err)
	}
	s := &Store{pool: pool, log: log}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	query := `
        CREATE TABLE IF NOT EXISTS print_jobs (
            id          BIGSERIAL PRIMARY KEY,
            job_id      BIGINT NOT NULL,
            printer     TEXT NOT NULL,
            priority    INT NOT NULL,
            state       TEXT NOT NULL,
            attempts    INT NOT NULL,
            last_error  TEXT,
            enqueued_at TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL
        )
    `
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("history: creating print_jobs table: %w", err)
	}
	return nil
}

// RecordJob journals one finished job.
func (s *Store) RecordJob(ctx context.Context, job *printq.Job) error {
	query := `
        INSERT INTO print_jobs (job_id, printer, priority, state, attempts, last_error, enqueued_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `
	var lastErr sql.NullString
	if job.LastErr != "" {
		lastErr = sql.NullString{String: job.LastErr, Valid: true}
	}
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.Printer, int(job.Request.Priority), job.State.String(),
		job.Attempts, lastErr, job.EnqueuedAt, job.FinishedAt)
	if err != nil {
		s.log.WithError(err).WithField("jobID", job.ID).Error("Failed to journal print job")
		return fmt.Errorf("history: recording job %d: %w", job.ID, err)
	}
	s.log.WithFields(logrus.Fields{
		"jobID": job.ID,
		"state": job.State.String(),
	}).Debug("Print job journaled")
	return nil
}

// RecentJobs returns the most recently finished jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit < 1 {
		limit = 50
	}
	query := `
        SELECT job_id, printer, priority, state, attempts, last_error, enqueued_at, finished_at
        FROM print_jobs
        ORDER BY finished_at DESC
        LIMIT $1
    `
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("history: querying recent jobs: %w", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var (
			rec      JobRecord
			priority int
			lastErr  sql.NullString
		)
		if err := rows.Scan(&rec.JobID, &rec.Printer, &priority, &rec.State,
			&rec.Attempts, &lastErr, &rec.EnqueuedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("history: scanning job row: %w", err)
		}
		rec.Priority = uint16(priority)
		if lastErr.Valid {
			rec.LastErr = lastErr.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
