package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/agentrun/internal/domain"
)

// PgStore — RunStore поверх PostgreSQL.
//
// Запись шага и смена статуса выполняются в транзакции с
// SELECT ... FOR UPDATE по строке run.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore создаёт новый PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema создаёт таблицы, если их нет.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Create реализует RunStore.
func (s *PgStore) Create(ctx context.Context, run *domain.Run) error {
	taskJSON, err := json.Marshal(run.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	query := `
		INSERT INTO agent_runs (id, project_ref, feature_ref, task, status, cancel_requested, paused, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query,
		run.ID,
		run.ProjectRef,
		nullString(run.FeatureRef),
		taskJSON,
		string(run.Status),
		run.CancelRequested,
		run.Paused,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: run %s", ErrAlreadyExists, run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// AppendStep реализует RunStore.
func (s *PgStore) AppendStep(ctx context.Context, runID uuid.UUID, step domain.Step) error {
	inputJSON, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	outcomeJSON, err := json.Marshal(step.Outcome)
	if err != nil {
		return fmt.Errorf("marshal step outcome: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// 1. Блокируем run
		status, err := lockRunStatus(ctx, tx, runID)
		if err != nil {
			return err
		}

		// 2. Считаем записанные шаги
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM agent_steps WHERE run_id = $1`, runID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count steps: %w", err)
		}

		skip, err := checkAppend(runID, status, count, step)
		if err != nil || skip {
			return err
		}

		// 3. Пишем шаг
		_, err = tx.Exec(ctx, `
			INSERT INTO agent_steps (run_id, idx, kind, input, outcome, attempts, started_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (run_id, idx) DO NOTHING
		`, runID, step.Index, step.Kind, inputJSON, outcomeJSON, step.Attempts, step.StartedAt, step.EndedAt)
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE agent_runs SET updated_at = $2 WHERE id = $1`, runID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("touch run: %w", err)
		}
		return nil
	})
}

// SetStatus реализует RunStore.
func (s *PgStore) SetStatus(ctx context.Context, runID uuid.UUID, status domain.RunStatus) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockRunStatus(ctx, tx, runID)
		if err != nil {
			return err
		}

		skip, err := checkTransition(runID, current, status)
		if err != nil || skip {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE agent_runs SET status = $2, updated_at = $3 WHERE id = $1`,
			runID, string(status), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		return nil
	})
}

// MarkCancelRequested реализует RunStore.
func (s *PgStore) MarkCancelRequested(ctx context.Context, runID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		WITH upd AS (
			UPDATE agent_runs SET cancel_requested = TRUE
			WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
		)
		SELECT EXISTS (SELECT 1 FROM agent_runs WHERE id = $1)
	`, runID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("mark cancel requested: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

// SetPaused реализует RunStore.
func (s *PgStore) SetPaused(ctx context.Context, runID uuid.UUID, paused bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		status, err := lockRunStatus(ctx, tx, runID)
		if err != nil {
			return err
		}
		if err := checkPause(runID, status); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE agent_runs SET paused = $2 WHERE id = $1`, runID, paused); err != nil {
			return fmt.Errorf("set paused: %w", err)
		}
		return nil
	})
}

// Get реализует RunStore.
func (s *PgStore) Get(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, `
		SELECT id, project_ref, feature_ref, task, status, cancel_requested, paused, created_at, updated_at
		FROM agent_runs
		WHERE id = $1
	`, runID))
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
func (s *PgStore) ListActive(ctx context.Context) ([]domain.Run, error) {
	return s.listRuns(ctx, `
		SELECT id, project_ref, feature_ref, task, status, cancel_requested, paused, created_at, updated_at
		FROM agent_runs
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
	`)
}

// ListByProject реализует RunStore.
func (s *PgStore) ListByProject(ctx context.Context, projectRef string, limit int) ([]domain.Run, error) {
	return s.listRuns(ctx, `
		SELECT id, project_ref, feature_ref, task, status, cancel_requested, paused, created_at, updated_at
		FROM agent_runs
		WHERE project_ref = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, projectRef, normalizeLimit(limit))
}

// --- Helpers ---

func (s *PgStore) listRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var runs []domain.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
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

	for i := range runs {
		if runs[i].Steps, err = s.loadSteps(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *PgStore) loadSteps(ctx context.Context, runID uuid.UUID) ([]domain.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, kind, input, outcome, attempts, started_at, ended_at
		FROM agent_steps
		WHERE run_id = $1
		ORDER BY idx ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	steps := []domain.Step{}
	for rows.Next() {
		var step domain.Step
		var inputJSON, outcomeJSON []byte
		if err := rows.Scan(
			&step.Index,
			&step.Kind,
			&inputJSON,
			&outcomeJSON,
			&step.Attempts,
			&step.StartedAt,
			&step.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := decodeStepJSON(&step, inputJSON, outcomeJSON); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// lockRunStatus блокирует строку run до конца транзакции.
func lockRunStatus(ctx context.Context, tx pgx.Tx, runID uuid.UUID) (domain.RunStatus, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM agent_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return "", fmt.Errorf("lock run: %w", err)
	}
	return domain.RunStatus(status), nil
}

// scanPgRun сканирует одну строку в Run (без шагов).
func scanPgRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var featureRef *string
	var taskJSON []byte
	var status string

	err := row.Scan(
		&run.ID,
		&run.ProjectRef,
		&featureRef,
		&taskJSON,
		&status,
		&run.CancelRequested,
		&run.Paused,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Status = domain.RunStatus(status)
	if featureRef != nil {
		run.FeatureRef = *featureRef
	}
	if err := json.Unmarshal(taskJSON, &run.Task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &run, nil
}

// decodeStepJSON разбирает JSON-поля шага.
func decodeStepJSON(step *domain.Step, inputJSON, outcomeJSON []byte) error {
	if len(inputJSON) > 0 && string(inputJSON) != "null" {
		if err := json.Unmarshal(inputJSON, &step.Input); err != nil {
			return fmt.Errorf("unmarshal step input: %w", err)
		}
	}
	if err := json.Unmarshal(outcomeJSON, &step.Outcome); err != nil {
		return fmt.Errorf("unmarshal step outcome: %w", err)
	}
	return nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
