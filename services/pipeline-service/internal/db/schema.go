package db

// PostgresSchema is applied by the setup command and at serve startup.
const PostgresSchema = `
	-- One credential record per user (opaque OAuth token JSON)
	CREATE TABLE IF NOT EXISTS credentials (
	    user_id    TEXT PRIMARY KEY,
	    email      TEXT NOT NULL DEFAULT '',
	    creds      TEXT NOT NULL,
	    updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	-- Fetched messages, keyed per user by provider message id
	CREATE TABLE IF NOT EXISTS messages (
	    user_id    TEXT NOT NULL,
	    msg_id     TEXT NOT NULL,
	    seq        BIGSERIAL,
	    subject    TEXT NOT NULL DEFAULT '',
	    body       TEXT NOT NULL DEFAULT '',
	    fetched_at TIMESTAMP WITH TIME ZONE NOT NULL,
	    processed  BOOLEAN NOT NULL DEFAULT FALSE,
	    spam       BOOLEAN NOT NULL DEFAULT FALSE,
	    event      JSONB,
	    summary    TEXT,
	    cal_link   TEXT,
	    PRIMARY KEY (user_id, msg_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_user_processed ON messages(user_id, processed);
	CREATE INDEX IF NOT EXISTS idx_messages_fetched_at ON messages(fetched_at);

	-- Extracted events, at most one per source message
	CREATE TABLE IF NOT EXISTS events (
	    user_id     TEXT NOT NULL,
	    email_id    TEXT NOT NULL,
	    title       TEXT NOT NULL,
	    date        TEXT NOT NULL,
	    start_time  TEXT NOT NULL,
	    end_time    TEXT NOT NULL,
	    location    TEXT NOT NULL,
	    description TEXT NOT NULL DEFAULT '',
	    added_at    TIMESTAMP WITH TIME ZONE NOT NULL,
	    PRIMARY KEY (user_id, email_id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_added_at ON events(added_at);
`
