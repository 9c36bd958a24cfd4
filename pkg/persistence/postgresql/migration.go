package postgresql

// migrations returns the schema migrations for the PostgreSQL persistence
// layer, keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS executions (
				id VARCHAR(255) PRIMARY KEY,
				graph_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				state JSONB NOT NULL DEFAULT '{}',
				current_step VARCHAR(255) NOT NULL DEFAULT '',
				current_trigger VARCHAR(255) NOT NULL DEFAULT '',
				route_taken JSONB NOT NULL DEFAULT '[]',
				completed_steps JSONB NOT NULL DEFAULT '[]',
				awaited_response JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				version BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status);
			CREATE INDEX IF NOT EXISTS idx_executions_graph_id ON executions (graph_id);
		`,
		2: `
			CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(255) PRIMARY KEY,
				from_role VARCHAR(100) NOT NULL,
				to_role VARCHAR(100) NOT NULL,
				kind VARCHAR(50) NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				content JSONB NOT NULL DEFAULT '{}',
				read BOOLEAN NOT NULL DEFAULT FALSE,
				processed_at TIMESTAMP WITH TIME ZONE,
				processing_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_messages_to_role ON messages (to_role) WHERE processed_at IS NULL;
		`,
		3: `
			CREATE TABLE IF NOT EXISTS agent_liveness (
				role VARCHAR(100) PRIMARY KEY,
				last_heartbeat TIMESTAMP WITH TIME ZONE NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}'
			);
		`,
	}
}
