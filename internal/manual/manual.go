// Package manual is a full-text index over the RSCDS manual.
//
// Sections of the manual (page, section number, heading, text) are imported
// once, typically from a JSONL extract, into a SQLite FTS5 table. Search
// accepts casual free text and returns the best matching passages.
package manual

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/ibbo/rowan/internal/logging"
)

// ErrNotAvailable is returned by Open when no index has been built.
var ErrNotAvailable = errors.New("manual index not available")

// Result count bounds for Search.
const (
	DefaultResults = 3
	MaxResults     = 10
)

const schema = `
CREATE TABLE IF NOT EXISTS manual_sections (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	page    INTEGER NOT NULL DEFAULT 0,
	section TEXT NOT NULL DEFAULT '',
	heading TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS manual_fts USING fts5(
	heading,
	content,
	content='manual_sections',
	content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS manual_ai AFTER INSERT ON manual_sections BEGIN
	INSERT INTO manual_fts(rowid, heading, content)
	VALUES (new.id, new.heading, new.content);
END;

CREATE TRIGGER IF NOT EXISTS manual_ad AFTER DELETE ON manual_sections BEGIN
	INSERT INTO manual_fts(manual_fts, rowid, heading, content)
	VALUES ('delete', old.id, old.heading, old.content);
END;
`

// Section is one indexed piece of the manual.
type Section struct {
	Page    int    `json:"page"`
	Section string `json:"section,omitempty"`
	Heading string `json:"heading,omitempty"`
	Content string `json:"content"`
}

// Passage is a search hit.
type Passage struct {
	Section
	Rank float64 `json:"rank"`
}

// Index is an open manual index.
type Index struct {
	sql *sql.DB
	log *logging.Logger
}

// Open opens an existing index. A missing file yields ErrNotAvailable.
func Open(path string, log *logging.Logger) (*Index, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotAvailable, path)
		}
		return nil, err
	}
	return open(path, log)
}

// Create opens the index at path, creating the file and schema if needed.
func Create(path string, log *logging.Logger) (*Index, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
	}
	return open(path, log)
}

func open(path string, log *logging.Logger) (*Index, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating manual schema: %w", err)
	}
	idx := &Index{sql: sqlDB, log: log.Sub("manual")}
	idx.log.Debug().Str("path", path).Msg("manual index opened")
	return idx, nil
}

// Close closes the index.
func (idx *Index) Close() error {
	return idx.sql.Close()
}

// Import adds sections to the index in one transaction. With replace set,
// existing sections are removed first.
func (idx *Index) Import(ctx context.Context, sections []Section, replace bool) (int, error) {
	tx, err := idx.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM manual_sections`); err != nil {
			return 0, fmt.Errorf("clearing manual: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO manual_sections (page, section, heading, content) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	for _, s := range sections {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, s.Page, s.Section, s.Heading, strings.TrimSpace(s.Content)); err != nil {
			return n, fmt.Errorf("inserting section on page %d: %w", s.Page, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	idx.log.Info().Int("sections", n).Bool("replace", replace).Msg("manual imported")
	return n, nil
}

// Count returns the number of indexed sections.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := idx.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM manual_sections`).Scan(&n)
	return n, err
}

// Search returns up to n passages matching any meaningful word of query,
// best first. n is clamped to 1..MaxResults; zero means DefaultResults.
func (idx *Index) Search(ctx context.Context, query string, n int) ([]Passage, error) {
	switch {
	case n == 0:
		n = DefaultResults
	case n < 1:
		n = 1
	case n > MaxResults:
		n = MaxResults
	}
	match := anyTerms(query)
	if match == "" {
		return []Passage{}, nil
	}

	// headings weigh more than body text
	rows, err := idx.sql.QueryContext(ctx, `
		SELECT s.page, s.section, s.heading, s.content, bm25(manual_fts, 4.0, 1.0) AS score
		  FROM manual_fts
		  JOIN manual_sections s ON s.id = manual_fts.rowid
		 WHERE manual_fts MATCH ?
		 ORDER BY score
		 LIMIT ?`, match, n)
	if err != nil {
		return nil, fmt.Errorf("searching manual: %w", err)
	}
	defer rows.Close()

	out := []Passage{}
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.Page, &p.Section.Section, &p.Heading, &p.Content, &p.Rank); err != nil {
			return nil, fmt.Errorf("scanning passage: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReadJSONL decodes one Section per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Section, error) {
	var out []Section
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var s Section
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, s)
	}
	return out, sc.Err()
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "do": true, "does": true,
	"for": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "the": true,
	"to": true, "what": true, "when": true, "which": true, "with": true,
	"you": true, "can": true, "should": true, "about": true, "tell": true,
}

// anyTerms builds an OR query of the non-stop words in text. If every word
// is a stop word they are all kept.
func anyTerms(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var keep []string
	for _, w := range words {
		if !stopWords[w] {
			keep = append(keep, w)
		}
	}
	if len(keep) == 0 {
		keep = words
	}
	terms := make([]string, 0, len(keep))
	seen := map[string]bool{}
	for _, w := range keep {
		if seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}
