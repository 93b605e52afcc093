// Package scddb reads the Strathspey Scottish Country Dance Database export.
//
// The export is a SQLite file. The package adds a handful of derived views
// (see EnsureViews) and answers the queries the dance tools need: finding
// dances by criteria, dance detail, crib full-text search and formation
// listings. The database is opened read-only at runtime.
package scddb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/ibbo/rowan/internal/logging"
)

var (
	// ErrNotFound is returned when a dance id does not exist.
	ErrNotFound = errors.New("scddb: dance not found")
	// ErrInvalidFilter is returned for filter values outside their domain.
	ErrInvalidFilter = errors.New("scddb: invalid filter")
)

// Limits applied to the list operations.
const (
	DefaultDanceLimit     = 25
	MaxDanceLimit         = 200
	DefaultCribLimit      = 20
	MaxCribLimit          = 200
	DefaultFormationLimit = 50
	MaxFormationLimit     = 500
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is an open dance database.
type DB struct {
	sql *sql.DB
	log *logging.Logger
	Reader
}

// Open opens an existing SCDDB file read-only.
func Open(path string, log *logging.Logger) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("scddb file: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	return newDB(sqlDB, path, log), nil
}

// Create opens (or creates) a writable database and ensures the export
// tables exist. Use ":memory:" in tests.
func Create(ctx context.Context, path string, log *logging.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := CreateSchema(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return newDB(sqlDB, path, log), nil
}

func newDB(sqlDB *sql.DB, path string, log *logging.Logger) *DB {
	db := &DB{sql: sqlDB, log: log.Sub("scddb"), Reader: Reader{q: sqlDB}}
	db.log.Info().Str("path", path).Msg("dance database opened")
	return db
}

// Close closes the database.
func (db *DB) Close() error {
	return db.sql.Close()
}

// SQL returns the underlying *sql.DB.
func (db *DB) SQL() *sql.DB {
	return db.sql
}

// Reader runs the dance queries against any Queryer.
type Reader struct {
	q Queryer
}

// NewReader wraps q, typically a pooled *sql.Conn.
func NewReader(q Queryer) Reader {
	return Reader{q: q}
}

// Dance is one row of a dance listing.
type Dance struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Metaform    string `json:"metaform"`
	Bars        int    `json:"bars"`
	Progression string `json:"progression,omitempty"`
	Intensity   *int   `json:"intensity,omitempty"`
}

// DanceFilter selects dances. Zero values mean "no constraint".
type DanceFilter struct {
	NameContains     string
	Kind             string
	MetaformContains string
	MaxBars          int
	FormationToken   string
	OfficialRSCDS    *bool
	MinIntensity     int
	MaxIntensity     int
	SortByIntensity  string // "", "asc" or "desc"
	RandomVariety    bool
	Limit            int
}

func (f DanceFilter) usesIntensity() bool {
	return f.MinIntensity > 0 || f.MaxIntensity > 0 || f.SortByIntensity != ""
}

// FindDances lists dances matching f. Unrated dances (intensity 0) are
// excluded whenever an intensity option is set.
func (r Reader) FindDances(ctx context.Context, f DanceFilter) ([]Dance, error) {
	sort := strings.ToLower(f.SortByIntensity)
	if sort != "" && sort != "asc" && sort != "desc" {
		return nil, fmt.Errorf("%w: sort_by_intensity must be asc or desc", ErrInvalidFilter)
	}
	limit := clamp(f.Limit, DefaultDanceLimit, MaxDanceLimit)
	withIntensity := f.usesIntensity()

	var b strings.Builder
	var args []any
	b.WriteString(`SELECT m.id, m.name, IFNULL(m.kind, ''), m.metaform, IFNULL(m.bars, 0), IFNULL(m.progression, '')`)
	if withIntensity {
		b.WriteString(`, d.intensity FROM v_metaform m JOIN dance d ON d.id = m.id WHERE d.intensity > 0`)
	} else {
		b.WriteString(` FROM v_metaform m WHERE 1=1`)
	}

	if f.NameContains != "" {
		b.WriteString(` AND m.name LIKE ? COLLATE NOCASE`)
		args = append(args, "%"+f.NameContains+"%")
	}
	if f.Kind != "" {
		b.WriteString(` AND m.kind = ? COLLATE NOCASE`)
		args = append(args, f.Kind)
	}
	if f.MetaformContains != "" {
		b.WriteString(` AND m.metaform LIKE ? COLLATE NOCASE`)
		args = append(args, "%"+f.MetaformContains+"%")
	}
	if f.MaxBars > 0 {
		b.WriteString(` AND m.bars <= ?`)
		args = append(args, f.MaxBars)
	}
	if f.FormationToken != "" {
		b.WriteString(` AND EXISTS (SELECT 1 FROM v_dance_has_token t WHERE t.dance_id = m.id AND t.formation_tokens LIKE ?)`)
		args = append(args, "%"+f.FormationToken+"%")
	}
	if f.OfficialRSCDS != nil {
		if *f.OfficialRSCDS {
			b.WriteString(` AND m.id IN (`)
		} else {
			b.WriteString(` AND m.id NOT IN (`)
		}
		b.WriteString(`SELECT dpm.dance_id FROM dancespublicationsmap dpm
			JOIN publication p ON p.id = dpm.publication_id AND p.rscds = 1)`)
	}
	if f.MinIntensity > 0 {
		b.WriteString(` AND d.intensity >= ?`)
		args = append(args, f.MinIntensity)
	}
	if f.MaxIntensity > 0 {
		b.WriteString(` AND d.intensity <= ?`)
		args = append(args, f.MaxIntensity)
	}

	switch {
	case sort == "asc":
		b.WriteString(` ORDER BY d.intensity ASC, m.name`)
	case sort == "desc":
		b.WriteString(` ORDER BY d.intensity DESC, m.name`)
	case f.RandomVariety:
		b.WriteString(` ORDER BY RANDOM()`)
	default:
		b.WriteString(` ORDER BY m.name`)
	}
	b.WriteString(` LIMIT ?`)
	args = append(args, limit)

	rows, err := r.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("finding dances: %w", err)
	}
	defer rows.Close()

	dances := []Dance{}
	for rows.Next() {
		var d Dance
		dest := []any{&d.ID, &d.Name, &d.Kind, &d.Metaform, &d.Bars, &d.Progression}
		var intensity int
		if withIntensity {
			dest = append(dest, &intensity)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning dance: %w", err)
		}
		if withIntensity {
			d.Intensity = &intensity
		}
		dances = append(dances, d)
	}
	return dances, rows.Err()
}

// DanceFormation is a formation used in a dance.
type DanceFormation struct {
	Name   string `json:"name"`
	Tokens string `json:"tokens"`
}

// Crib is the written description of a dance.
type Crib struct {
	Text         string `json:"text"`
	Format       string `json:"format,omitempty"`
	Reliability  int    `json:"reliability"`
	LastModified string `json:"lastModified,omitempty"`
}

// Publication is a book or leaflet a dance appears in.
type Publication struct {
	Name      string `json:"name"`
	ShortName string `json:"shortName,omitempty"`
	RSCDS     bool   `json:"rscds"`
	Number    string `json:"number,omitempty"`
	Page      string `json:"page,omitempty"`
}

// DanceDetail is everything known about one dance.
type DanceDetail struct {
	Dance
	Shape        string           `json:"shape,omitempty"`
	Couples      string           `json:"couples,omitempty"`
	Formations   []DanceFormation `json:"formations"`
	Crib         *Crib            `json:"crib,omitempty"`
	Publications []Publication    `json:"publications"`
}

// DanceDetail returns the dance with the given id, its formations, its most
// reliable crib and its publications.
func (r Reader) DanceDetail(ctx context.Context, id int64) (*DanceDetail, error) {
	var d DanceDetail
	var intensity int
	err := r.q.QueryRowContext(ctx, `
		SELECT m.id, m.name, IFNULL(m.kind, ''), m.metaform, IFNULL(m.bars, 0),
		       IFNULL(m.progression, ''), m.shape_label, m.couples_label, d.intensity
		  FROM v_metaform m
		  JOIN dance d ON d.id = m.id
		 WHERE m.id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Kind, &d.Metaform, &d.Bars, &d.Progression, &d.Shape, &d.Couples, &intensity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading dance %d: %w", id, err)
	}
	if intensity > 0 {
		d.Intensity = &intensity
	}

	if d.Formations, err = r.danceFormations(ctx, id); err != nil {
		return nil, err
	}

	var crib Crib
	err = r.q.QueryRowContext(ctx, `
		SELECT text, format, reliability, last_modified
		  FROM v_crib_best WHERE dance_id = ?`, id,
	).Scan(&crib.Text, &crib.Format, &crib.Reliability, &crib.LastModified)
	switch {
	case err == nil:
		d.Crib = &crib
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("loading crib for %d: %w", id, err)
	}

	if d.Publications, err = r.publications(ctx, id); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r Reader) danceFormations(ctx context.Context, id int64) ([]DanceFormation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT formation_name, formation_tokens
		  FROM v_dance_formations
		 WHERE dance_id = ?
		 ORDER BY formation_name`, id)
	if err != nil {
		return nil, fmt.Errorf("loading formations for %d: %w", id, err)
	}
	defer rows.Close()

	out := []DanceFormation{}
	for rows.Next() {
		var f DanceFormation
		if err := rows.Scan(&f.Name, &f.Tokens); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r Reader) publications(ctx context.Context, id int64) ([]Publication, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT p.name, p.shortname, p.rscds, dpm.number, dpm.page
		  FROM publication p
		  JOIN dancespublicationsmap dpm ON p.id = dpm.publication_id
		 WHERE dpm.dance_id = ?
		 ORDER BY p.rscds DESC, p.name`, id)
	if err != nil {
		return nil, fmt.Errorf("loading publications for %d: %w", id, err)
	}
	defer rows.Close()

	out := []Publication{}
	for rows.Next() {
		var p Publication
		if err := rows.Scan(&p.Name, &p.ShortName, &p.RSCDS, &p.Number, &p.Page); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CribHit is a dance whose crib matched a search.
type CribHit struct {
	Dance
	Snippet string `json:"snippet"`
}

// SearchCribs runs a full-text search over the best crib of every dance.
// Every word in query must appear; results are ordered by relevance.
func (r Reader) SearchCribs(ctx context.Context, query string, limit int) ([]CribHit, error) {
	match := MatchAll(query)
	if match == "" {
		return []CribHit{}, nil
	}
	limit = clamp(limit, DefaultCribLimit, MaxCribLimit)

	rows, err := r.q.QueryContext(ctx, `
		SELECT d.id, d.name, IFNULL(d.kind, ''), d.metaform, IFNULL(d.bars, 0),
		       snippet(fts_cribs, 1, '[', ']', '...', 12)
		  FROM fts_cribs f
		  JOIN v_metaform d ON d.id = CAST(f.dance_id AS INTEGER)
		 WHERE fts_cribs MATCH ?
		 ORDER BY rank
		 LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("searching cribs: %w", err)
	}
	defer rows.Close()

	hits := []CribHit{}
	for rows.Next() {
		var h CribHit
		if err := rows.Scan(&h.ID, &h.Name, &h.Kind, &h.Metaform, &h.Bars, &h.Snippet); err != nil {
			return nil, fmt.Errorf("scanning crib hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Formation is a formation with the number of dances that use it.
type Formation struct {
	Name       string `json:"name"`
	Token      string `json:"formation_token"`
	UsageCount int    `json:"usage_count"`
}

// Formation sort orders.
const (
	SortPopularity   = "popularity"
	SortAlphabetical = "alphabetical"
)

// ListFormations lists formations, optionally filtered by a name substring,
// sorted by popularity (most used first) or alphabetically.
func (r Reader) ListFormations(ctx context.Context, nameContains, sortBy string, limit int) ([]Formation, error) {
	var order string
	switch sortBy {
	case "", SortPopularity:
		order = `usage_count DESC, f.name COLLATE NOCASE`
	case SortAlphabetical:
		order = `f.name COLLATE NOCASE`
	default:
		return nil, fmt.Errorf("%w: sort_by must be %s or %s", ErrInvalidFilter, SortPopularity, SortAlphabetical)
	}
	limit = clamp(limit, DefaultFormationLimit, MaxFormationLimit)

	query := `SELECT f.name, f.searchid, COUNT(m.dance_id) AS usage_count
		FROM formation f
		LEFT JOIN dancesformationsmap m ON m.formation_id = f.id`
	var args []any
	if nameContains != "" {
		query += ` WHERE f.name LIKE ? COLLATE NOCASE`
		args = append(args, "%"+nameContains+"%")
	}
	query += ` GROUP BY f.id ORDER BY ` + order + ` LIMIT ?`
	args = append(args, limit)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing formations: %w", err)
	}
	defer rows.Close()

	out := []Formation{}
	for rows.Next() {
		var f Formation
		if err := rows.Scan(&f.Name, &f.Token, &f.UsageCount); err != nil {
			return nil, fmt.Errorf("scanning formation: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MatchAll turns free text into an FTS5 query requiring every word.
// Words are quoted so punctuation in user input cannot break the syntax.
func MatchAll(text string) string {
	return joinTerms(text, " ")
}

// MatchAny turns free text into an FTS5 query matching any word.
func MatchAny(text string) string {
	return joinTerms(text, " OR ")
}

func joinTerms(text, sep string) string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, sep)
}

func clamp(n, def, max int) int {
	switch {
	case n <= 0:
		return def
	case n > max:
		return max
	}
	return n
}
