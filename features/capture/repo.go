package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Repository is the durable job store. Every method is a discrete
// read-modify-write scoped to one job id; the mutating methods carry their
// state-machine guard in the SQL itself so a terminal job is never touched
// again, regardless of what the caller believes the current state is.
type Repository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit int, status JobStatus) ([]Job, error)
	MarkProcessing(ctx context.Context, id string, progress int) error
	SetProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id string, images []ImageryItem, analysis *Analysis) error
	Fail(ctx context.Context, id string, message string) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, lat, lon, location_name, zoom_level, COALESCE(callback_url, ''), status, progress, imagery_data, ai_analysis, COALESCE(error_message, ''), created_at, updated_at, completed_at`

func (r *PostgresRepo) Create(ctx context.Context, job *Job) error {
	query := `INSERT INTO jobs (id, lat, lon, location_name, zoom_level, callback_url, status, progress) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8) RETURNING created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		job.ID, job.Lat, job.Lon, job.LocationName, job.ZoomLevel, job.CallbackURL, job.Status, job.Progress,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) List(ctx context.Context, limit int, status JobStatus) ([]Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		rows, err = r.db.QueryContext(ctx, query, status, limit)
	} else {
		query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1`
		rows, err = r.db.QueryContext(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) MarkProcessing(ctx context.Context, id string, progress int) error {
	query := `UPDATE jobs SET status = $2, progress = $3, updated_at = NOW() WHERE id = $1 AND status = $4`
	_, err := r.db.ExecContext(ctx, query, id, StatusProcessing, progress, StatusQueued)
	return err
}

func (r *PostgresRepo) SetProgress(ctx context.Context, id string, progress int) error {
	// GREATEST keeps progress monotonic even if updates land out of order.
	query := `UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = NOW() WHERE id = $1 AND status = $3`
	_, err := r.db.ExecContext(ctx, query, id, progress, StatusProcessing)
	return err
}

func (r *PostgresRepo) Complete(ctx context.Context, id string, images []ImageryItem, analysis *Analysis) error {
	imagery, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("marshal imagery: %w", err)
	}
	ai, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	query := `UPDATE jobs SET status = $2, progress = 100, imagery_data = $3, ai_analysis = $4, completed_at = NOW(), updated_at = NOW() WHERE id = $1 AND status = $5`
	_, err = r.db.ExecContext(ctx, query, id, StatusCompleted, imagery, ai, StatusProcessing)
	return err
}

func (r *PostgresRepo) Fail(ctx context.Context, id string, message string) error {
	query := `UPDATE jobs SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW() WHERE id = $1 AND status NOT IN ($4, $5)`
	_, err := r.db.ExecContext(ctx, query, id, StatusFailed, message, StatusCompleted, StatusFailed)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var (
		imagery     []byte
		ai          []byte
		completedAt sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.Lat, &j.Lon, &j.LocationName, &j.ZoomLevel, &j.CallbackURL,
		&j.Status, &j.Progress, &imagery, &ai, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if len(imagery) > 0 {
		if err := json.Unmarshal(imagery, &j.Images); err != nil {
			return nil, fmt.Errorf("unmarshal imagery for job %s: %w", j.ID, err)
		}
	}
	if len(ai) > 0 {
		if err := json.Unmarshal(ai, &j.Analysis); err != nil {
			return nil, fmt.Errorf("unmarshal analysis for job %s: %w", j.ID, err)
		}
	}
	return j, nil
}
