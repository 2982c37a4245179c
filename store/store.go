// Package store persists verification outcomes to PostgreSQL after each
// SMTP check.
package store

import (
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Store wraps a *sql.DB with the one write path a verification worker
// needs: recording the outcome of a job against its row in EmailCheck.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL via lib/pq and verifies the connection
// with a Ping so startup fails fast on a bad DSN.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres connection")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Outcome is the row of fields a verification run writes back for one
// job, independent of probe.Verdict so the store package never imports
// probe — only cmd/emailverifyd translates between the two.
type Outcome struct {
	JobID        string
	Email        string
	Status       string
	SMTPCode     int
	BounceReason string
}

// RecordOutcome updates the EmailCheck row matching (jobId, email) with
// the verification result.
func (s *Store) RecordOutcome(o Outcome) error {
	const query = `
		UPDATE "EmailCheck"
		SET status = $1,
		    "smtpCode" = $2,
		    "bounceReason" = $3
		WHERE "jobId" = $4 AND email = $5
	`
	_, err := s.db.Exec(query, o.Status, o.SMTPCode, o.BounceReason, o.JobID, o.Email)
	if err != nil {
		return errors.Wrapf(err, "record outcome for job %s (%s)", o.JobID, o.Email)
	}
	return nil
}
