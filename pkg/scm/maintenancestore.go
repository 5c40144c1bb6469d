package scm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/db"
)

// MaintenanceStore persists maintenance job records.
type MaintenanceStore struct {
	dbtx db.DBTX
}

func NewMaintenanceStore(dbtx db.DBTX) *MaintenanceStore {
	return &MaintenanceStore{dbtx: dbtx}
}

const maintenanceJobColumns = `id, repo_id, task, status, started_at, finished_at, error, created_at`

func scanMaintenanceJob(row pgx.Row) (MaintenanceJob, error) {
	var j MaintenanceJob
	err := row.Scan(&j.ID, &j.RepoID, &j.Task, &j.Status, &j.StartedAt, &j.FinishedAt, &j.Error, &j.CreatedAt)
	return j, err
}

func (s *MaintenanceStore) Create(ctx context.Context, j MaintenanceJob) (MaintenanceJob, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO maintenance_jobs (id, repo_id, task, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+maintenanceJobColumns,
		j.ID, j.RepoID, j.Task, j.Status,
	)
	return scanMaintenanceJob(row)
}

func (s *MaintenanceStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE maintenance_jobs SET status = $2, started_at = now() WHERE id = $1`, id, MaintenanceJobRunning)
	return err
}

func (s *MaintenanceStore) MarkFinished(ctx context.Context, id uuid.UUID, status MaintenanceJobStatus, errMsg *string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE maintenance_jobs SET status = $2, finished_at = now(), error = $3 WHERE id = $1`, id, status, errMsg)
	return err
}

func (s *MaintenanceStore) Get(ctx context.Context, id uuid.UUID) (MaintenanceJob, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+maintenanceJobColumns+` FROM maintenance_jobs WHERE id = $1`, id)
	j, err := scanMaintenanceJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MaintenanceJob{}, ErrNotFound
	}
	return j, err
}

func (s *MaintenanceStore) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]MaintenanceJob, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+maintenanceJobColumns+` FROM maintenance_jobs WHERE repo_id = $1 ORDER BY created_at DESC`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []MaintenanceJob
	for rows.Next() {
		j, err := scanMaintenanceJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RunAndRecord runs task against repoPath, recording the job's lifecycle
// (pending → running → success/failed) in the store.
func (s *MaintenanceStore) RunAndRecord(ctx context.Context, repoID *uuid.UUID, repoPath string, task MaintenanceTask) (MaintenanceJob, MaintenanceResult, error) {
	job, err := s.Create(ctx, NewMaintenanceJob(repoID, task))
	if err != nil {
		return MaintenanceJob{}, MaintenanceResult{}, err
	}
	if err := s.MarkRunning(ctx, job.ID); err != nil {
		return job, MaintenanceResult{}, err
	}

	result, runErr := RunMaintenance(ctx, repoPath, task)

	status := MaintenanceJobSuccess
	var errMsg *string
	if runErr != nil {
		status = MaintenanceJobFailed
		msg := runErr.Error()
		errMsg = &msg
	} else if !result.Success {
		status = MaintenanceJobFailed
		msg := result.Error
		errMsg = &msg
	}
	if markErr := s.MarkFinished(ctx, job.ID, status, errMsg); markErr != nil {
		return job, result, markErr
	}
	job.Status = status
	now := time.Now()
	job.FinishedAt = &now
	return job, result, runErr
}
