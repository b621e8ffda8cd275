package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"

	"seegplan/internal/models"
)

// schema.sql defines the run table and one row per ranked trajectory.
//
//go:embed schema.sql
var schemaSQL string

// RunParams are the planning parameters recorded with a run.
type RunParams struct {
	CutoffMM    float64
	OvershootMM float64
	MinMarginMM float64
}

// SQLiteStore archives planning runs in a SQLite database.
type SQLiteStore struct {
	*sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db}, nil
}

// StartRun inserts a run row with status "running".
func (s *SQLiteStore) StartRun(ctx context.Context, runID uuid.UUID, p RunParams) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO planning_runs (run_id, cutoff_mm, overshoot_mm, min_margin_mm)
		VALUES (?, ?, ?, ?)
	`, runID.String(), p.CutoffMM, p.OvershootMM, p.MinMarginMM)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun stamps the run's end time and final status.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID uuid.UUID, status string) error {
	res, err := s.ExecContext(ctx, `
		UPDATE planning_runs
		SET finished_at = UNIXEPOCH('subsec'), status = ?
		WHERE run_id = ?
	`, status, runID.String())
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// SaveSets writes every ranked trajectory of one subject in a single
// transaction. Earlier rows of the same run and subject are replaced.
func (s *SQLiteStore) SaveSets(ctx context.Context, runID uuid.UUID, subject string, sets []models.TrajectorySet) error {
	tx, err := s.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	// no-op once committed
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM planned_trajectories WHERE run_id = ? AND subject_id = ?`,
		runID.String(), subject); err != nil {
		return fmt.Errorf("failed to clear previous trajectories: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO planned_trajectories (
			run_id, subject_id, target_name, rank, margin_mm,
			entry_i, entry_j, entry_k,
			terminal_i, terminal_j, terminal_k,
			dir_x, dir_y, dir_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, set := range sets {
		for rank, t := range set.Trajectories {
			_, err := stmt.ExecContext(ctx,
				runID.String(), subject, set.Target.Name, rank, t.Margin,
				t.Entry.I, t.Entry.J, t.Entry.K,
				t.Terminal.I, t.Terminal.J, t.Terminal.K,
				t.Direction.X, t.Direction.Y, t.Direction.Z,
			)
			if err != nil {
				return fmt.Errorf("failed to insert trajectory %s/%s#%d: %w", subject, set.Target.Name, rank, err)
			}
		}
	}

	return tx.Commit()
}

// Best returns up to limit trajectories for a target of a run, best
// margin first. limit <= 0 returns all of them. Step is not archived and
// comes back zero.
func (s *SQLiteStore) Best(ctx context.Context, runID uuid.UUID, subject, target string, limit int) ([]models.Trajectory, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.QueryContext(ctx, `
		SELECT margin_mm, entry_i, entry_j, entry_k,
		       terminal_i, terminal_j, terminal_k,
		       dir_x, dir_y, dir_z
		FROM planned_trajectories
		WHERE run_id = ? AND subject_id = ? AND target_name = ?
		ORDER BY rank
		LIMIT ?
	`, runID.String(), subject, target, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trajectories: %w", err)
	}
	defer rows.Close()

	var out []models.Trajectory
	for rows.Next() {
		var t models.Trajectory
		var d r3.Vec
		if err := rows.Scan(&t.Margin,
			&t.Entry.I, &t.Entry.J, &t.Entry.K,
			&t.Terminal.I, &t.Terminal.J, &t.Terminal.K,
			&d.X, &d.Y, &d.Z); err != nil {
			return nil, err
		}
		t.Direction = d
		t.HasMargin = true
		out = append(out, t)
	}
	return out, rows.Err()
}

// RunStatus returns the recorded status of a run.
func (s *SQLiteStore) RunStatus(ctx context.Context, runID uuid.UUID) (string, error) {
	var status string
	err := s.QueryRowContext(ctx,
		`SELECT status FROM planning_runs WHERE run_id = ?`, runID.String()).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", runID, err)
	}
	return status, nil
}
