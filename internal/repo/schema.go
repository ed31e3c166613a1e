package repo

const pgSchema = `
CREATE TABLE IF NOT EXISTS agent_runs (
	id               UUID PRIMARY KEY,
	project_ref      TEXT NOT NULL,
	feature_ref      TEXT,
	task             JSONB NOT NULL,
	status           TEXT NOT NULL,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	paused           BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
ALTER TABLE agent_runs ADD COLUMN IF NOT EXISTS paused BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS agent_runs_project_idx ON agent_runs (project_ref, created_at DESC);
CREATE INDEX IF NOT EXISTS agent_runs_status_idx ON agent_runs (status);

CREATE TABLE IF NOT EXISTS agent_steps (
	run_id     UUID NOT NULL REFERENCES agent_runs (id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	input      JSONB,
	outcome    JSONB NOT NULL,
	attempts   INTEGER NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, idx)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_runs (
	id               TEXT PRIMARY KEY,
	project_ref      TEXT NOT NULL,
	feature_ref      TEXT,
	task             TEXT NOT NULL,
	status           TEXT NOT NULL,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	paused           INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_runs_project_idx ON agent_runs (project_ref, created_at);
CREATE INDEX IF NOT EXISTS agent_runs_status_idx ON agent_runs (status);

CREATE TABLE IF NOT EXISTS agent_steps (
	run_id     TEXT NOT NULL REFERENCES agent_runs (id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	input      TEXT,
	outcome    TEXT NOT NULL,
	attempts   INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	ended_at   TEXT NOT NULL,
	PRIMARY KEY (run_id, idx)
);
`
