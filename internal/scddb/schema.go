package scddb

import (
	"context"
	"database/sql"
	"fmt"
)

// baseSchema mirrors the subset of the SCDDB export the tools read. Real
// exports carry many more tables and columns; only these are required.
const baseSchema = `
CREATE TABLE IF NOT EXISTS dancetype (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS shape (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS couples (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS progression (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dance (
	id             INTEGER PRIMARY KEY,
	name           TEXT NOT NULL,
	barsperrepeat  INTEGER,
	type_id        INTEGER REFERENCES dancetype(id),
	shape_id       INTEGER REFERENCES shape(id),
	couples_id     INTEGER REFERENCES couples(id),
	progression_id INTEGER REFERENCES progression(id),
	intensity      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS formation (
	id       INTEGER PRIMARY KEY,
	name     TEXT NOT NULL,
	searchid TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS dancesformationsmap (
	dance_id     INTEGER NOT NULL REFERENCES dance(id),
	formation_id INTEGER NOT NULL REFERENCES formation(id)
);
CREATE TABLE IF NOT EXISTS dancecrib (
	id            INTEGER PRIMARY KEY,
	dance_id      INTEGER NOT NULL REFERENCES dance(id),
	text          TEXT NOT NULL,
	format        TEXT NOT NULL DEFAULT '',
	reliability   INTEGER NOT NULL DEFAULT 0,
	last_modified TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS publication (
	id        INTEGER PRIMARY KEY,
	name      TEXT NOT NULL,
	shortname TEXT NOT NULL DEFAULT '',
	rscds     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS dancespublicationsmap (
	dance_id       INTEGER NOT NULL REFERENCES dance(id),
	publication_id INTEGER NOT NULL REFERENCES publication(id),
	number         TEXT NOT NULL DEFAULT '',
	page           TEXT NOT NULL DEFAULT ''
);
`

// viewsSQL derives the query-friendly views from the raw export tables.
const viewsSQL = `
DROP VIEW IF EXISTS v_dances;
CREATE VIEW v_dances AS
SELECT
	d.id,
	d.name,
	d.barsperrepeat AS bars,
	dt.name         AS kind,
	s.name          AS shape,
	c.name          AS couples,
	p.name          AS progression,
	d.type_id, d.shape_id, d.couples_id, d.progression_id
FROM dance d
LEFT JOIN dancetype dt  ON dt.id = d.type_id
LEFT JOIN shape s       ON s.id  = d.shape_id
LEFT JOIN couples c     ON c.id  = d.couples_id
LEFT JOIN progression p ON p.id  = d.progression_id;

DROP VIEW IF EXISTS v_dance_formations;
CREATE VIEW v_dance_formations AS
SELECT
	m.dance_id,
	f.id       AS formation_id,
	f.name     AS formation_name,
	f.searchid AS formation_tokens
FROM dancesformationsmap m
JOIN formation f ON f.id = m.formation_id;

DROP VIEW IF EXISTS v_crib_best;
CREATE VIEW v_crib_best AS
WITH ranked AS (
	SELECT
		dc.dance_id, dc.text, dc.format, dc.reliability, dc.last_modified,
		ROW_NUMBER() OVER (
			PARTITION BY dc.dance_id
			ORDER BY dc.reliability DESC, dc.last_modified DESC
		) AS rn
	FROM dancecrib dc
)
SELECT dance_id, text, format, reliability, last_modified
FROM ranked WHERE rn = 1;

DROP VIEW IF EXISTS v_metaform;
CREATE VIEW v_metaform AS
SELECT
	d.id,
	d.name,
	d.kind,
	d.bars,
	TRIM(REPLACE(IFNULL(d.shape, ''), ' - ', ' '))   AS shape_label,
	REPLACE(IFNULL(d.couples, ''), ' couples', 'C') AS couples_label,
	TRIM(printf('%s %s',
		TRIM(REPLACE(IFNULL(d.shape, ''), ' - ', ' ')),
		REPLACE(IFNULL(d.couples, ''), ' couples', 'C'))) AS metaform,
	d.progression,
	d.type_id, d.shape_id, d.couples_id, d.progression_id
FROM v_dances d;

DROP VIEW IF EXISTS v_dance_has_token;
CREATE VIEW v_dance_has_token AS
SELECT DISTINCT vf.dance_id, vf.formation_tokens
FROM v_dance_formations vf;

CREATE INDEX IF NOT EXISTS idx_dance_type     ON dance(type_id);
CREATE INDEX IF NOT EXISTS idx_dance_shape    ON dance(shape_id);
CREATE INDEX IF NOT EXISTS idx_dance_couples  ON dance(couples_id);
CREATE INDEX IF NOT EXISTS idx_dance_prog     ON dance(progression_id);
CREATE INDEX IF NOT EXISTS idx_map_dance      ON dancesformationsmap(dance_id);
CREATE INDEX IF NOT EXISTS idx_map_formation  ON dancesformationsmap(formation_id);
`

// cribIndexSQL rebuilds the full-text index over each dance's best crib.
const cribIndexSQL = `
DROP TABLE IF EXISTS fts_cribs;
CREATE VIRTUAL TABLE fts_cribs USING fts5(
	dance_id UNINDEXED,
	text
);
INSERT INTO fts_cribs(dance_id, text)
SELECT dance_id, text FROM v_crib_best;
`

// CreateSchema creates the export tables if they do not exist.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("creating scddb tables: %w", err)
	}
	return nil
}

// EnsureViews (re)creates the derived views and the crib search index.
// It is safe to run repeatedly, e.g. after refreshing the export.
func EnsureViews(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, viewsSQL); err != nil {
		return fmt.Errorf("creating views: %w", err)
	}
	if _, err := tx.ExecContext(ctx, cribIndexSQL); err != nil {
		return fmt.Errorf("building crib index: %w", err)
	}
	return tx.Commit()
}

// Seed loads a small sample dataset. It is used by tests and by
// `rowan db init --sample` so the agent can run without a real export.
func Seed(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sampleData); err != nil {
		return fmt.Errorf("seeding sample data: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return EnsureViews(ctx, db)
}

const sampleData = `
INSERT INTO dancetype (id, name) VALUES
	(1, 'Reel'), (2, 'Jig'), (3, 'Strathspey'), (4, 'Medley');
INSERT INTO shape (id, name) VALUES
	(1, 'Longwise - 4'), (2, 'Longwise - 3'), (3, 'Square - 4');
INSERT INTO couples (id, name) VALUES
	(1, '3 couples'), (2, '4 couples'), (3, '2 couples');
INSERT INTO progression (id, name) VALUES
	(1, '2341'), (2, '213'), (3, '1234');

INSERT INTO dance (id, name, barsperrepeat, type_id, shape_id, couples_id, progression_id, intensity) VALUES
	(1, 'The Reel of the 51st Division', 32, 1, 1, 1, 1, 55),
	(2, 'The Montgomeries'' Rant',       32, 1, 1, 1, 1, 72),
	(3, 'Mairi''s Wedding',              40, 1, 1, 1, 1, 60),
	(4, 'The Duke of Perth',             32, 1, 1, 1, 1, 35),
	(5, 'The Machine without Horses',    32, 2, 1, 3, 1, 45),
	(6, 'The Wild Geese',                32, 2, 1, 1, 1, 40),
	(7, 'The Gentleman',                 32, 3, 1, 1, 1, 68),
	(8, 'Miss Johnstone of Ardrossan',   32, 3, 1, 1, 1, 0),
	(9, 'The Dream Catcher',             96, 3, 3, 2, 3, 85),
	(10, 'Pelorus Jack',                 32, 2, 1, 1, 1, 0),
	(11, 'A Trip to Bavaria',            32, 1, 1, 2, 1, 58);

INSERT INTO formation (id, name, searchid) VALUES
	(1, 'Poussette',                   'POUSS;2C;'),
	(2, 'Reel of three across',        'REEL3;ACROSS;'),
	(3, 'Set to and turn corners',     'SETTRCORN;'),
	(4, 'Rights and lefts',            'R&L;4P;'),
	(5, 'Allemande',                   'ALLMND;2C;'),
	(6, 'Knot',                        'KNOT;'),
	(7, 'Reel of four',                'REEL4;'),
	(8, 'Hands across',                'HNDSX;'),
	(9, 'Grand chain',                 'GCHAIN;'),
	(10, 'Petronella turn',            'PETRON;'),
	(11, 'Set and link',               'SETLINK;3C;');

INSERT INTO dancesformationsmap (dance_id, formation_id) VALUES
	(1, 3), (1, 7),
	(2, 3), (2, 7),
	(3, 2), (3, 7),
	(4, 3), (4, 7),
	(5, 4), (5, 8),
	(6, 8),
	(7, 1), (7, 3),
	(8, 1), (8, 2),
	(9, 9), (9, 4),
	(10, 8), (10, 10),
	(11, 1), (11, 4), (11, 6);

INSERT INTO dancecrib (id, dance_id, text, format, reliability, last_modified) VALUES
	(1, 1, '1-8 1s set, cast one place, turn RH 1 1/2 times to face 1st corners. 9-16 1s set and turn corners, finish facing 1st corner. 17-24 1s dance reels of three on the sides.', 'text', 3, '2019-03-02'),
	(2, 2, '1-8 1s+2s set and cross RH, set and cross back. 9-16 1s cast, dance reels of three on the sides.', 'text', 3, '2018-05-11'),
	(3, 3, '1-8 1s turn RH and cast, turn LH to face 1st corner. 9-40 reels of three across and on the sides with half diagonal reels.', 'text', 4, '2020-01-20'),
	(4, 3, 'Old crib with reels of three.', 'text', 1, '2005-06-01'),
	(5, 4, '1-8 1M+2L advance, turn, set to and turn corners. 25-32 reel of three with corners.', 'text', 3, '2017-02-14'),
	(6, 7, '1-8 1s and 2s poussette. 9-16 set to and turn corners in strathspey time.', 'text', 2, '2016-09-30'),
	(7, 8, '1-8 1s set and poussette. 9-16 1s dance reel of three across.', 'text', 2, '2016-09-30'),
	(8, 11, '1-8 1s+2s rights and lefts. 9-16 poussette. 17-24 knot.', 'text', 3, '2021-11-05'),
	(9, 10, '1-8 petronella turn into the centre and hands across.', 'text', 3, '2015-04-04');

INSERT INTO publication (id, name, shortname, rscds) VALUES
	(1, 'RSCDS Book 1',  'RSCDS I',  1),
	(2, 'RSCDS Book 10', 'RSCDS X',  1),
	(3, 'Collins Pocket Reference', 'Collins', 0),
	(4, 'RSCDS Book 22', 'RSCDS XXII', 1),
	(5, 'Imperial Book 3', 'Imp3', 0);

INSERT INTO dancespublicationsmap (dance_id, publication_id, number, page) VALUES
	(1, 3, '12', '4'),
	(2, 2, '5', '9'),
	(3, 5, '7', '11'),
	(4, 1, '8', '12'),
	(4, 3, '1', '2'),
	(6, 2, '6', '10'),
	(7, 1, '2', '3'),
	(8, 4, '3', '6'),
	(11, 3, '44', '50');
`
