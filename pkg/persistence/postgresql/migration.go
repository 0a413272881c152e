package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				status TEXT NOT NULL,
				input JSONB NOT NULL DEFAULT '{}',
				output JSONB,
				error TEXT NOT NULL DEFAULT '',
				user_id TEXT NOT NULL DEFAULT '',
				snapshot_id TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_runs_user_id ON runs (user_id, created_at DESC);

			CREATE TABLE IF NOT EXISTS steps (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES runs (id),
				name TEXT NOT NULL,
				step_order INTEGER NOT NULL,
				status TEXT NOT NULL,
				input JSONB,
				output JSONB,
				error TEXT NOT NULL DEFAULT '',
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps (run_id, step_order);

			CREATE TABLE IF NOT EXISTS run_events (
				seq BIGSERIAL PRIMARY KEY,
				run_id TEXT NOT NULL,
				event_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				payload JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events (run_id, seq);

			CREATE TABLE IF NOT EXISTS usage_counters (
				user_id TEXT NOT NULL,
				mode TEXT NOT NULL,
				period TEXT NOT NULL,
				used BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (user_id, mode, period)
			);

			CREATE TABLE IF NOT EXISTS usage_log (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				mode TEXT NOT NULL,
				period TEXT NOT NULL,
				run_id TEXT NOT NULL,
				delta BIGINT NOT NULL,
				reason TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_usage_log_run_id ON usage_log (run_id);

			CREATE TABLE IF NOT EXISTS reports (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES runs (id),
				report_type TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				summary TEXT NOT NULL DEFAULT '',
				sections JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_reports_run_id ON reports (run_id);

			CREATE TABLE IF NOT EXISTS snapshots (
				id TEXT PRIMARY KEY,
				symbol TEXT NOT NULL,
				exchange TEXT NOT NULL,
				fetched_at TIMESTAMP WITH TIME ZONE NOT NULL,
				data JSONB NOT NULL DEFAULT '{}'
			);

			CREATE INDEX IF NOT EXISTS idx_snapshots_symbol ON snapshots (symbol, exchange, fetched_at DESC);
		`,
	}
}
