package store

// Timestamps are stored as unix milliseconds in both dialects.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id             TEXT PRIMARY KEY,
		org_id         TEXT NOT NULL,
		name           TEXT NOT NULL,
		role           TEXT NOT NULL DEFAULT '',
		soul           TEXT NOT NULL DEFAULT '',
		team_id        TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'idle',
		provider       TEXT NOT NULL DEFAULT '',
		model          TEXT NOT NULL DEFAULT '',
		machine_id     TEXT NOT NULL DEFAULT '',
		last_heartbeat INTEGER,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		UNIQUE (org_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		priority     INTEGER NOT NULL DEFAULT 1,
		team_id      TEXT NOT NULL DEFAULT '',
		assigned_to  TEXT NOT NULL DEFAULT '',
		assignee_ids TEXT NOT NULL DEFAULT '[]',
		parent_id    TEXT NOT NULL DEFAULT '',
		proposal_id  TEXT NOT NULL DEFAULT '',
		output       TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		started_at   INTEGER,
		completed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_org_status ON tasks (org_id, status)`,
	`CREATE TABLE IF NOT EXISTS policies (
		id             TEXT PRIMARY KEY,
		org_id         TEXT NOT NULL,
		team_id        TEXT NOT NULL DEFAULT '',
		action         TEXT NOT NULL,
		mode           TEXT NOT NULL,
		max_cost       REAL,
		min_confidence REAL,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		UNIQUE (org_id, team_id, action)
	)`,
	`CREATE TABLE IF NOT EXISTS proposals (
		id          TEXT PRIMARY KEY,
		org_id      TEXT NOT NULL,
		task_id     TEXT NOT NULL DEFAULT '',
		agent_id    TEXT NOT NULL,
		team_id     TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL,
		params      TEXT NOT NULL DEFAULT '',
		rationale   TEXT NOT NULL DEFAULT '',
		cost        REAL,
		confidence  REAL,
		status      TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		mission_id  TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		resolved_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_org_status ON proposals (org_id, status)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		org_id     TEXT NOT NULL,
		channel    TEXT NOT NULL,
		agent_id   TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL DEFAULT 'chat',
		content    TEXT NOT NULL DEFAULT '',
		task_id    TEXT NOT NULL DEFAULT '',
		depth      INTEGER NOT NULL DEFAULT 0 CHECK (depth >= 0),
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (org_id, channel, seq)`,
	`CREATE TABLE IF NOT EXISTS activity (
		id          TEXT PRIMARY KEY,
		org_id      TEXT NOT NULL,
		kind        TEXT NOT NULL,
		agent_id    TEXT NOT NULL DEFAULT '',
		task_id     TEXT NOT NULL DEFAULT '',
		proposal_id TEXT NOT NULL DEFAULT '',
		summary     TEXT NOT NULL DEFAULT '',
		payload     TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_org ON activity (org_id, created_at)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id             VARCHAR(64) PRIMARY KEY,
		org_id         VARCHAR(64) NOT NULL,
		name           VARCHAR(191) NOT NULL,
		role           VARCHAR(64) NOT NULL DEFAULT '',
		soul           TEXT NOT NULL,
		team_id        VARCHAR(64) NOT NULL DEFAULT '',
		status         VARCHAR(16) NOT NULL DEFAULT 'idle',
		provider       VARCHAR(64) NOT NULL DEFAULT '',
		model          VARCHAR(128) NOT NULL DEFAULT '',
		machine_id     VARCHAR(128) NOT NULL DEFAULT '',
		last_heartbeat BIGINT NULL,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		UNIQUE KEY uniq_agents_org_name (org_id, name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id           VARCHAR(64) PRIMARY KEY,
		org_id       VARCHAR(64) NOT NULL,
		title        VARCHAR(255) NOT NULL,
		description  TEXT NOT NULL,
		status       VARCHAR(16) NOT NULL,
		priority     INT NOT NULL DEFAULT 1,
		team_id      VARCHAR(64) NOT NULL DEFAULT '',
		assigned_to  VARCHAR(64) NOT NULL DEFAULT '',
		assignee_ids TEXT NOT NULL,
		parent_id    VARCHAR(64) NOT NULL DEFAULT '',
		proposal_id  VARCHAR(64) NOT NULL DEFAULT '',
		output       MEDIUMTEXT NOT NULL,
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL,
		started_at   BIGINT NULL,
		completed_at BIGINT NULL,
		KEY idx_tasks_org_status (org_id, status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS policies (
		id             VARCHAR(64) PRIMARY KEY,
		org_id         VARCHAR(64) NOT NULL,
		team_id        VARCHAR(64) NOT NULL DEFAULT '',
		action         VARCHAR(128) NOT NULL,
		mode           VARCHAR(16) NOT NULL,
		max_cost       DOUBLE NULL,
		min_confidence DOUBLE NULL,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		UNIQUE KEY uniq_policies_key (org_id, team_id, action)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS proposals (
		id          VARCHAR(64) PRIMARY KEY,
		org_id      VARCHAR(64) NOT NULL,
		task_id     VARCHAR(64) NOT NULL DEFAULT '',
		agent_id    VARCHAR(64) NOT NULL,
		team_id     VARCHAR(64) NOT NULL DEFAULT '',
		action      VARCHAR(128) NOT NULL,
		params      TEXT NOT NULL,
		rationale   TEXT NOT NULL,
		cost        DOUBLE NULL,
		confidence  DOUBLE NULL,
		status      VARCHAR(16) NOT NULL,
		reason      TEXT NOT NULL,
		mission_id  VARCHAR(64) NOT NULL DEFAULT '',
		created_at  BIGINT NOT NULL,
		resolved_at BIGINT NULL,
		KEY idx_proposals_org_status (org_id, status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq        BIGINT AUTO_INCREMENT PRIMARY KEY,
		id         VARCHAR(64) NOT NULL,
		org_id     VARCHAR(64) NOT NULL,
		channel    VARCHAR(191) NOT NULL,
		agent_id   VARCHAR(64) NOT NULL DEFAULT '',
		kind       VARCHAR(32) NOT NULL DEFAULT 'chat',
		content    MEDIUMTEXT NOT NULL,
		task_id    VARCHAR(64) NOT NULL DEFAULT '',
		depth      INT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		UNIQUE KEY uniq_messages_id (id),
		KEY idx_messages_channel (org_id, channel, seq)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS activity (
		id          VARCHAR(64) PRIMARY KEY,
		org_id      VARCHAR(64) NOT NULL,
		kind        VARCHAR(32) NOT NULL,
		agent_id    VARCHAR(64) NOT NULL DEFAULT '',
		task_id     VARCHAR(64) NOT NULL DEFAULT '',
		proposal_id VARCHAR(64) NOT NULL DEFAULT '',
		summary     TEXT NOT NULL,
		payload     TEXT NOT NULL,
		created_at  BIGINT NOT NULL,
		KEY idx_activity_org (org_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
