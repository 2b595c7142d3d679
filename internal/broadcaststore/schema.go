package broadcaststore

// schema creates the broadcasts, queue, and full-text search tables plus
// the triggers keeping the search index in sync (§6.4 table 4), using the
// same fts5 virtual-table idiom as the teacher's memory chunk index
// (pkg/connector/memory_index.go: `CREATE VIRTUAL TABLE ... USING fts5`).
const schema = `
CREATE TABLE IF NOT EXISTS broadcasts (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	title               TEXT NOT NULL,
	title_normalized    TEXT NOT NULL,
	price_main          INTEGER NOT NULL,
	price_secondary     INTEGER,
	format              TEXT,
	eta                 TEXT,
	close_date          TEXT,
	supplier_type       TEXT,
	description_source  TEXT,
	description_generated TEXT,
	tags                TEXT NOT NULL DEFAULT '[]',
	preview_links       TEXT NOT NULL DEFAULT '[]',
	media_paths         TEXT NOT NULL DEFAULT '[]',
	status              TEXT NOT NULL,
	created_at          INTEGER NOT NULL,
	sent_at             INTEGER
);

CREATE TABLE IF NOT EXISTS queue (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	broadcast_id   INTEGER NOT NULL REFERENCES broadcasts(id),
	target         TEXT NOT NULL DEFAULT '',
	scheduled_time INTEGER NOT NULL,
	status         TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_status_scheduled ON queue(status, scheduled_time);

CREATE VIRTUAL TABLE IF NOT EXISTS broadcasts_search USING fts5(
	title,
	description,
	content = 'broadcasts',
	content_rowid = 'id'
);

CREATE TRIGGER IF NOT EXISTS broadcasts_ai AFTER INSERT ON broadcasts BEGIN
	INSERT INTO broadcasts_search(rowid, title, description)
	VALUES (new.id, new.title, coalesce(new.description_source, '') || ' ' || coalesce(new.description_generated, ''));
END;

CREATE TRIGGER IF NOT EXISTS broadcasts_ad AFTER DELETE ON broadcasts BEGIN
	INSERT INTO broadcasts_search(broadcasts_search, rowid, title, description)
	VALUES ('delete', old.id, old.title, coalesce(old.description_source, '') || ' ' || coalesce(old.description_generated, ''));
END;

CREATE TRIGGER IF NOT EXISTS broadcasts_au AFTER UPDATE ON broadcasts BEGIN
	INSERT INTO broadcasts_search(broadcasts_search, rowid, title, description)
	VALUES ('delete', old.id, old.title, coalesce(old.description_source, '') || ' ' || coalesce(old.description_generated, ''));
	INSERT INTO broadcasts_search(rowid, title, description)
	VALUES (new.id, new.title, coalesce(new.description_source, '') || ' ' || coalesce(new.description_generated, ''));
END;
`
