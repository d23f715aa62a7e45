package storage

// migrations run in order at startup. Each statement block must be safe to
// re-run: CREATE ... IF NOT EXISTS where possible, and the runner tolerates
// "already exists" / "duplicate column" errors for the rest.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS printers (
		id TEXT PRIMARY KEY,
		created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		access_code TEXT NOT NULL DEFAULT '',
		serial_number TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		webcam_url TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		monitoring_state TEXT NOT NULL DEFAULT 'disconnected'
	) STRICT;`,

	`CREATE TABLE IF NOT EXISTS printed_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		printer_id TEXT NOT NULL REFERENCES printers(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		remote_path TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		file_type TEXT NOT NULL DEFAULT '',
		download_status TEXT NOT NULL DEFAULT 'available',
		UNIQUE (printer_id, filename)
	) STRICT;
	CREATE INDEX IF NOT EXISTS printed_files_printer_idx ON printed_files (printer_id);`,

	`CREATE TABLE IF NOT EXISTS library_files (
		key TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		library_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT NOT NULL DEFAULT '',
		is_duplicate INTEGER NOT NULL DEFAULT 0,
		duplicate_of TEXT NOT NULL DEFAULT '',
		duplicate_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		thumbnail BLOB,
		thumbnail_width INTEGER NOT NULL DEFAULT 0,
		thumbnail_height INTEGER NOT NULL DEFAULT 0,
		added INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		last_analyzed INTEGER
	) STRICT;
	CREATE UNIQUE INDEX IF NOT EXISTS library_files_canonical_idx
		ON library_files (checksum) WHERE is_duplicate = 0;
	CREATE INDEX IF NOT EXISTS library_files_status_idx ON library_files (status);`,

	`CREATE TABLE IF NOT EXISTS library_file_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		checksum TEXT NOT NULL,
		kind TEXT NOT NULL,
		identifier TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		original_path TEXT NOT NULL DEFAULT '',
		discovered INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		UNIQUE (checksum, kind, identifier, original_path)
	) STRICT;
	CREATE INDEX IF NOT EXISTS library_file_sources_checksum_idx ON library_file_sources (checksum);`,

	`CREATE TABLE IF NOT EXISTS print_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		printer_id TEXT NOT NULL,
		printer_name TEXT NOT NULL,
		filename TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		estimated_finish_at INTEGER,
		completed_at INTEGER,
		status TEXT NOT NULL DEFAULT 'running',
		error_code TEXT
	) STRICT;
	CREATE INDEX IF NOT EXISTS print_jobs_status_idx ON print_jobs (status);
	CREATE INDEX IF NOT EXISTS print_jobs_printer_idx ON print_jobs (printer_id);`,

	`CREATE TABLE IF NOT EXISTS notification_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		channel TEXT NOT NULL,
		event_type TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 1,
		details TEXT NOT NULL DEFAULT ''
	) STRICT;
	CREATE INDEX IF NOT EXISTS notification_history_channel_idx ON notification_history (channel, created);`,
}
