package store

// All timestamps are stored as integer Unix nanoseconds in UTC. Event rows
// carry denormalised year/month columns so the year/month queries and the
// monthly merge unit never need time arithmetic in SQL.
const schema = `
CREATE TABLE IF NOT EXISTS sites (
	code       TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	latitude   REAL NOT NULL,
	longitude  REAL NOT NULL,
	status     TEXT NOT NULL,
	opened     INTEGER NOT NULL,
	notes      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS events (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	time               INTEGER NOT NULL,
	year               INTEGER NOT NULL,
	month              INTEGER NOT NULL,
	latitude           REAL NOT NULL,
	longitude          REAL NOT NULL,
	hypocentral_depth  REAL NOT NULL,
	centroid_depth     REAL NOT NULL,
	ml                 REAL NOT NULL DEFAULT 0,
	ms                 REAL NOT NULL DEFAULT 0,
	mw                 REAL NOT NULL DEFAULT 0,
	mb                 REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
CREATE INDEX IF NOT EXISTS idx_events_year_month ON events(year, month);

CREATE TABLE IF NOT EXISTS records (
	event_id     INTEGER NOT NULL,
	site_code    TEXT NOT NULL,
	bearing      REAL NOT NULL,
	distance     REAL NOT NULL,
	timestep     REAL NOT NULL,
	duration     REAL NOT NULL,
	buffer_start INTEGER NOT NULL,
	channels     BLOB NOT NULL,
	PRIMARY KEY (event_id, site_code),
	FOREIGN KEY (event_id) REFERENCES events(id),
	FOREIGN KEY (site_code) REFERENCES sites(code)
);

CREATE TABLE IF NOT EXISTS update_state (
	kind       TEXT PRIMARY KEY,
	year       INTEGER NOT NULL,
	month      INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`
