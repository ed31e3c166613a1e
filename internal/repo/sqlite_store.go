package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/domain"
)

// SQLiteStore — RunStore поверх встроенной SQLite (modernc.org/sqlite).
// Для single-node развёртываний без PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore создаёт новый SQLiteStore. db открывается через OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// EnsureSchema создаёт таблицы, если их нет.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Create реализует RunStore.
func (s *SQLiteStore) Create(ctx context.Context, run *domain.Run) error {
	taskJSON, err := json.Marshal(run.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, project_ref, feature_ref, task, status, cancel_requested, paused, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID.String(),
		run.ProjectRef,
		nullString(run.FeatureRef),
		string(taskJSON),
		string(run.Status),
		run.CancelRequested,
		run.Paused,
		formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: run %s", ErrAlreadyExists, run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// AppendStep реализует RunStore.
func (s *SQLiteStore) AppendStep(ctx context.Context, runID uuid.UUID, step domain.Step) error {
	inputJSON, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	outcomeJSON, err := json.Marshal(step.Outcome)
	if err != nil {
		return fmt.Errorf("marshal step outcome: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := sqliteRunStatus(ctx, tx, runID)
		if err != nil {
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM agent_steps WHERE run_id = ?`, runID.String(),
		).Scan(&count); err != nil {
			return fmt.Errorf("count steps: %w", err)
		}

		skip, err := checkAppend(runID, status, count, step)
		if err != nil || skip {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO agent_steps (run_id, idx, kind, input, outcome, attempts, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, runID.String(), step.Index, step.Kind, string(inputJSON), string(outcomeJSON),
			step.Attempts, formatTime(step.StartedAt), formatTime(step.EndedAt))
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE agent_runs SET updated_at = ? WHERE id = ?`,
			formatTime(time.Now()), runID.String())
		if err != nil {
			return fmt.Errorf("touch run: %w", err)
		}
		return nil
	})
}

// SetStatus реализует RunStore.
func (s *SQLiteStore) SetStatus(ctx context.Context, runID uuid.UUID, status domain.RunStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := sqliteRunStatus(ctx, tx, runID)
		if err != nil {
			return err
		}

		skip, err := checkTransition(runID, current, status)
		if err != nil || skip {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE agent_runs SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), formatTime(time.Now()), runID.String())
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		return nil
	})
}

// MarkCancelRequested реализует RunStore.
func (s *SQLiteStore) MarkCancelRequested(ctx context.Context, runID uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := sqliteRunStatus(ctx, tx, runID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_runs SET cancel_requested = 1 WHERE id = ?`, runID.String(),
		); err != nil {
			return fmt.Errorf("mark cancel requested: %w", err)
		}
		return nil
	})
}

// SetPaused реализует RunStore.
func (s *SQLiteStore) SetPaused(ctx context.Context, runID uuid.UUID, paused bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := sqliteRunStatus(ctx, tx, runID)
		if err != nil {
			return err
		}
		if err := checkPause(runID, status); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_runs SET paused = ? WHERE id = ?`, paused, runID.String(),
		); err != nil {
			return fmt.Errorf("set paused: %w", err)
		}
		return nil
	})
}

// Get реализует RunStore.
func (s *SQLiteStore) Get(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `
		SELECT id, project_ref, feature_ref, task, status, cancel_requested, paused, created_at, updated_at
		FROM agent_runs
		WHERE id = ?
	`, runID.String()))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, err
	}

	if run.Steps, err = s.loadSteps(ctx, runID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListActive реализует RunStore.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]domain.Run, error) {
	return s.listRuns(ctx, `
		SELECT id, project_ref, feature_ref, task, status, cancel_requested, paused, created_at, updated_at
		FROM agent_runs
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
	`)
}

// ListByProject реализует RunStore.
func (s *SQLiteStore) ListByProject(ctx context.Context, projectRef string, limit int) ([]domain.Run, error) {
	return s.listRuns(ctx, `
		SELECT id, project_ref, feature_ref, task, status, cancel_requested, paused, created_at, updated_at
		FROM agent_runs
		WHERE project_ref = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, projectRef, normalizeLimit(limit))
}

// --- Helpers ---

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) listRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var runs []domain.Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, *run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	// Шаги читаем после закрытия rows: в пуле одно соединение.
	for i := range runs {
		if runs[i].Steps, err = s.loadSteps(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, runID uuid.UUID) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, kind, input, outcome, attempts, started_at, ended_at
		FROM agent_steps
		WHERE run_id = ?
		ORDER BY idx ASC
	`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	steps := []domain.Step{}
	for rows.Next() {
		var step domain.Step
		var inputJSON sql.NullString
		var outcomeJSON, startedAt, endedAt string
		if err := rows.Scan(
			&step.Index,
			&step.Kind,
			&inputJSON,
			&outcomeJSON,
			&step.Attempts,
			&startedAt,
			&endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := decodeStepJSON(&step, []byte(inputJSON.String), []byte(outcomeJSON)); err != nil {
			return nil, err
		}
		if step.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if step.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func sqliteRunStatus(ctx context.Context, tx *sql.Tx, runID uuid.UUID) (domain.RunStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM agent_runs WHERE id = ?`, runID.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return "", fmt.Errorf("read run status: %w", err)
	}
	return domain.RunStatus(status), nil
}

// rowScanner — общий интерфейс *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSQLiteRun сканирует одну строку в Run (без шагов).
func scanSQLiteRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var id, taskJSON, status, createdAt, updatedAt string
	var featureRef sql.NullString

	err := row.Scan(&id, &run.ProjectRef, &featureRef, &taskJSON, &status,
		&run.CancelRequested, &run.Paused, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	run.Status = domain.RunStatus(status)
	run.FeatureRef = featureRef.String
	if err := json.Unmarshal([]byte(taskJSON), &run.Task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

// formatTime хранит время в UTC с наносекундами: строки сортируются по времени.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
