// Package store persists pipeline run history and the versioned deployment
// state in a local sqlite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"caravel/internal/pipeline"
	"caravel/internal/reconcile"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

var (
	_ pipeline.RunStore    = (*Store)(nil)
	_ reconcile.StateStore = (*Store)(nil)
)

// ErrStateConflict is returned when a deployment state write loses a
// version race: the record changed since it was read.
var ErrStateConflict = errors.New("deployment state version conflict")

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	commit_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	status TEXT NOT NULL,
	stages_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize pipeline runs schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS deployment_state (
	host TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	tag TEXT NOT NULL,
	services_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize deployment state schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) InsertRun(ctx context.Context, run pipeline.Run) error {
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal run stages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, commit_id, tag, status, stages_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Commit, run.Tag, run.Status.String(), string(stagesJSON), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pipeline run %q: %w", run.ID, err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run pipeline.Run) error {
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal run stages: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, stages_json = ?, updated_at = ? WHERE id = ?`,
		run.Status.String(), string(stagesJSON), run.UpdatedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update pipeline run %q: %w", run.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pipeline run %q: %w", run.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("pipeline run %q not found", run.ID)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (pipeline.Run, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, commit_id, tag, status, stages_json, created_at, updated_at
		 FROM pipeline_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pipeline.Run{}, false, nil
		}
		return pipeline.Run{}, false, fmt.Errorf("query pipeline run %q: %w", id, err)
	}
	return run, true, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, commit_id, tag, status, stages_json, created_at, updated_at
		 FROM pipeline_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	out := make([]pipeline.Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline run row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline run rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (pipeline.Run, error) {
	var run pipeline.Run
	var status, stagesJSON string
	if err := row.Scan(&run.ID, &run.Commit, &run.Tag, &status, &stagesJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return pipeline.Run{}, err
	}
	if err := json.Unmarshal([]byte(stagesJSON), &run.Stages); err != nil {
		return pipeline.Run{}, fmt.Errorf("unmarshal run stages: %w", err)
	}
	if err := run.Status.UnmarshalJSON([]byte(`"` + status + `"`)); err != nil {
		return pipeline.Run{}, err
	}
	return run, nil
}

func (s *Store) GetDeploymentState(ctx context.Context, host string) (reconcile.DeploymentState, bool, error) {
	var state reconcile.DeploymentState
	var servicesJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT host, version, tag, services_json, updated_at FROM deployment_state WHERE host = ?`, host,
	).Scan(&state.Host, &state.Version, &state.Tag, &servicesJSON, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reconcile.DeploymentState{}, false, nil
		}
		return reconcile.DeploymentState{}, false, fmt.Errorf("query deployment state %q: %w", host, err)
	}
	if err := json.Unmarshal([]byte(servicesJSON), &state.Services); err != nil {
		return reconcile.DeploymentState{}, false, fmt.Errorf("unmarshal deployment state %q: %w", host, err)
	}
	return state, true, nil
}

// SaveDeploymentState overwrites the host's record atomically. The write
// only lands when state.Version is exactly one past the stored version,
// so a racing reconciliation surfaces as ErrStateConflict instead of a
// silent lost update.
func (s *Store) SaveDeploymentState(ctx context.Context, state reconcile.DeploymentState) error {
	servicesJSON, err := json.Marshal(state.Services)
	if err != nil {
		return fmt.Errorf("marshal deployment state services: %w", err)
	}
	if state.UpdatedAt == "" {
		state.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deployment_state (host, version, tag, services_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET
		 version = excluded.version,
		 tag = excluded.tag,
		 services_json = excluded.services_json,
		 updated_at = excluded.updated_at
		 WHERE deployment_state.version = excluded.version - 1`,
		state.Host, state.Version, state.Tag, string(servicesJSON), state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save deployment state %q: %w", state.Host, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save deployment state %q: %w", state.Host, err)
	}
	if affected == 0 {
		return fmt.Errorf("save deployment state %q: %w", state.Host, ErrStateConflict)
	}
	return nil
}
