package storage

// schema is applied on every open; all statements are idempotent
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	target_url TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	iterations INTEGER NOT NULL DEFAULT 0,
	total_errors INTEGER NOT NULL DEFAULT 0,
	total_repairs INTEGER NOT NULL DEFAULT 0,
	successful_repairs INTEGER NOT NULL DEFAULT 0,
	emergency_stop_reason TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS errors (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	category TEXT NOT NULL,
	message TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	fixed INTEGER NOT NULL DEFAULT 0,
	fix_attempts INTEGER NOT NULL DEFAULT 0,
	detected_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, iteration, id),
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	iteration INTEGER NOT NULL DEFAULT 0,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	data TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
CREATE INDEX IF NOT EXISTS idx_errors_session ON errors(session_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at);
`
