package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS identities (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				status TEXT NOT NULL,
				merged_into TEXT,
				verification_level INTEGER NOT NULL DEFAULT 0,
				verified_at TIMESTAMP WITH TIME ZONE,
				verified_by TEXT,
				provider TEXT,
				external_id TEXT,
				claims JSONB NOT NULL DEFAULT '[]',
				tags JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version BIGINT NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_identities_type ON identities (type);
			CREATE INDEX IF NOT EXISTS idx_identities_status ON identities (status);
			CREATE INDEX IF NOT EXISTS idx_identities_claims ON identities USING GIN (claims);

			CREATE TABLE IF NOT EXISTS relationships (
				id TEXT PRIMARY KEY,
				seq BIGSERIAL,
				from_id TEXT NOT NULL,
				to_id TEXT NOT NULL,
				type TEXT NOT NULL,
				role TEXT,
				department TEXT,
				percent DOUBLE PRECISION,
				scopes JSONB NOT NULL DEFAULT '[]',
				rules JSONB NOT NULL DEFAULT '{}',
				established_at TIMESTAMP WITH TIME ZONE NOT NULL,
				established_by TEXT,
				metadata JSONB NOT NULL DEFAULT '{}',
				UNIQUE (from_id, to_id, type)
			);

			CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships (from_id);
			CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships (to_id);

			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				seq BIGSERIAL,
				identity_id TEXT NOT NULL,
				type TEXT NOT NULL,
				status TEXT NOT NULL,
				failure_reason TEXT,
				steps JSONB NOT NULL DEFAULT '[]',
				current_step TEXT,
				started_at TIMESTAMP WITH TIME ZONE,
				started_by TEXT,
				completed_at TIMESTAMP WITH TIME ZONE,
				context JSONB NOT NULL DEFAULT '{}'
			);

			CREATE INDEX IF NOT EXISTS idx_workflows_identity ON workflows (identity_id);
			CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows (status);
		`,
	}
}
