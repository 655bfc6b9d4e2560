package jobs

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spigell/cv-screener/internal/apperr"
)

//go:embed schema.sql
var schemaSQL string

const selectColumns = `id, job_title, cv_id, report_id,
	cv_match_rate, cv_feedback, project_score, project_feedback, overall_summary, degraded,
	status, error, created_at, updated_at`

// PostgresStore keeps jobs in the job_results table. Transitions lock the row
// for the duration of the write.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// EnsureSchema creates the table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply job_results schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, title, cvID, reportID string) (Job, error) {
	now := s.now()
	job := Job{
		ID:        uuid.NewString(),
		Title:     title,
		CVID:      cvID,
		ReportID:  reportID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_results (id, job_title, cv_id, report_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Title, job.CVID, job.ReportID, string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}

	return job, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, next Status, upd Update) (Job, error) {
	var updated Job

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+selectColumns+` FROM job_results WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapNoRows(err, id)
		}

		if err := apply(&current, next, upd, s.now()); err != nil {
			return err
		}

		res := current.Result
		if res == nil {
			res = &Result{}
		}
		degraded := res.Degraded
		if degraded == nil {
			degraded = []string{}
		}

		_, err = tx.Exec(ctx,
			`UPDATE job_results SET
				status = $2, error = $3,
				cv_match_rate = $4, cv_feedback = $5,
				project_score = $6, project_feedback = $7,
				overall_summary = $8, degraded = $9,
				updated_at = $10
			 WHERE id = $1`,
			id, string(current.Status), nullString(current.Error),
			res.CVMatchRate, res.CVFeedback,
			res.ProjectScore, res.ProjectFeedback,
			res.OverallSummary, degraded,
			current.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		updated = current
		return nil
	})
	if err != nil {
		return Job{}, err
	}

	return updated, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM job_results WHERE id = $1`, id))
	if err != nil {
		return Job{}, mapNoRows(err, id)
	}
	return job, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job      Job
		status   string
		errMsg   *string
		res      Result
		degraded []string
	)

	err := row.Scan(
		&job.ID, &job.Title, &job.CVID, &job.ReportID,
		&res.CVMatchRate, &res.CVFeedback, &res.ProjectScore, &res.ProjectFeedback, &res.OverallSummary, &degraded,
		&status, &errMsg, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}

	job.Status = Status(status)
	if errMsg != nil {
		job.Error = *errMsg
	}
	if job.Status == StatusCompleted {
		if len(degraded) > 0 {
			res.Degraded = degraded
		}
		job.Result = &res
	}

	return job, nil
}

func mapNoRows(err error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("job", id)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return fmt.Errorf("query job: %w", err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
