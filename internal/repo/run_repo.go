package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// ErrRunNotFound is returned by Get for unknown run ids.
var ErrRunNotFound = errors.New("provisioning run not found")

// RunRepo defines the provisioning run journal operations
type RunRepo interface {
	SaveRun(ctx context.Context, run model.ProvisioningRun) error
	ListRuns(ctx context.Context, limit int) ([]model.ProvisioningRun, error)
	Get(ctx context.Context, id string) (model.ProvisioningRun, error)
}

type runRepo struct {
	db *sql.DB
}

// NewRunRepo creates a new RunRepo instance
func NewRunRepo(db *sql.DB) RunRepo {
	return &runRepo{db: db}
}

// SaveRun inserts the run or overwrites its latest state.
func (r *runRepo) SaveRun(ctx context.Context, run model.ProvisioningRun) error {
	query := `
		INSERT INTO provisioning_runs (
			id, mac_address, device_type, technician, state, stage,
			error_kind, error_message, cloud_id, inventory_id,
			started_at, updated_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			stage = EXCLUDED.stage,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			cloud_id = EXCLUDED.cloud_id,
			inventory_id = EXCLUDED.inventory_id,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at
	`
	var finished sql.NullTime
	if run.FinishedAt != nil {
		finished = sql.NullTime{Time: *run.FinishedAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.MACAddress,
		string(run.DeviceType),
		run.Technician,
		run.State,
		run.Stage,
		run.ErrorKind,
		run.ErrorMessage,
		run.CloudID,
		run.InventoryID,
		run.StartedAt,
		run.UpdatedAt,
		finished,
	)
	if err != nil {
		return fmt.Errorf("failed to save provisioning run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (r *runRepo) ListRuns(ctx context.Context, limit int) ([]model.ProvisioningRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, selectRuns+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query provisioning runs: %w", err)
	}
	defer rows.Close()

	var out []model.ProvisioningRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read provisioning runs: %w", err)
	}
	return out, nil
}

func (r *runRepo) Get(ctx context.Context, id string) (model.ProvisioningRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, selectRuns+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProvisioningRun{}, ErrRunNotFound
	}
	return run, err
}

const selectRuns = `
	SELECT id, mac_address, device_type, technician, state, stage,
		error_kind, error_message, cloud_id, inventory_id,
		started_at, updated_at, finished_at
	FROM provisioning_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.ProvisioningRun, error) {
	var (
		run      model.ProvisioningRun
		kind     string
		finished sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.MACAddress,
		&kind,
		&run.Technician,
		&run.State,
		&run.Stage,
		&run.ErrorKind,
		&run.ErrorMessage,
		&run.CloudID,
		&run.InventoryID,
		&run.StartedAt,
		&run.UpdatedAt,
		&finished,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ProvisioningRun{}, err
		}
		return model.ProvisioningRun{}, fmt.Errorf("failed to scan provisioning run: %w", err)
	}
	run.DeviceType = model.DeviceKind(kind)
	if finished.Valid {
		t := finished.Time.UTC()
		run.FinishedAt = &t
	}
	run.StartedAt = run.StartedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}
