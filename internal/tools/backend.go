package tools

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/ibbo/rowan/internal/config"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/ibbo/rowan/internal/pool"
	"github.com/ibbo/rowan/internal/scddb"
)

// DanceBackend answers dance database queries. Implementations borrow a
// pooled session per call and must be safe for concurrent use.
type DanceBackend interface {
	FindDances(ctx context.Context, f scddb.DanceFilter) ([]scddb.Dance, error)
	DanceDetail(ctx context.Context, id int64) (*scddb.DanceDetail, error)
	SearchCribs(ctx context.Context, query string, limit int) ([]scddb.CribHit, error)
	ListFormations(ctx context.Context, nameContains, sortBy string, limit int) ([]scddb.Formation, error)

	// Name and Stats describe the session pool for metrics.
	Name() string
	Stats() pool.Stats
	Close() error
}

// LocalBackend queries a local SCDDB file through pooled connections.
type LocalBackend struct {
	db   *scddb.DB
	pool *pool.Pool[*sql.Conn]
}

// NewLocalBackend pools connections on db. The backend does not own db.
func NewLocalBackend(db *scddb.DB, cfg config.PoolConfig, log *logging.Logger) *LocalBackend {
	sqlDB := db.SQL()
	p := pool.New(func(ctx context.Context) (*sql.Conn, error) {
		return sqlDB.Conn(ctx)
	}, pool.Options[*sql.Conn]{
		Name:        "scddb",
		MaxSessions: cfg.MaxSessions,
		MaxAge:      cfg.MaxAge,
		Close:       (*sql.Conn).Close,
		Log:         log,
	})
	return &LocalBackend{db: db, pool: p}
}

func (b *LocalBackend) with(ctx context.Context, fn func(scddb.Reader) error) error {
	return b.pool.With(ctx, func(conn *sql.Conn) error {
		err := fn(scddb.NewReader(conn))
		if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
			return fmt.Errorf("%w: %w", pool.ErrBroken, err)
		}
		return err
	})
}

func (b *LocalBackend) FindDances(ctx context.Context, f scddb.DanceFilter) (out []scddb.Dance, err error) {
	err = b.with(ctx, func(r scddb.Reader) error {
		out, err = r.FindDances(ctx, f)
		return err
	})
	return out, err
}

func (b *LocalBackend) DanceDetail(ctx context.Context, id int64) (out *scddb.DanceDetail, err error) {
	err = b.with(ctx, func(r scddb.Reader) error {
		out, err = r.DanceDetail(ctx, id)
		return err
	})
	return out, err
}

func (b *LocalBackend) SearchCribs(ctx context.Context, query string, limit int) (out []scddb.CribHit, err error) {
	err = b.with(ctx, func(r scddb.Reader) error {
		out, err = r.SearchCribs(ctx, query, limit)
		return err
	})
	return out, err
}

func (b *LocalBackend) ListFormations(ctx context.Context, nameContains, sortBy string, limit int) (out []scddb.Formation, err error) {
	err = b.with(ctx, func(r scddb.Reader) error {
		out, err = r.ListFormations(ctx, nameContains, sortBy, limit)
		return err
	})
	return out, err
}

func (b *LocalBackend) Name() string      { return b.pool.Name() }
func (b *LocalBackend) Stats() pool.Stats { return b.pool.Stats() }

// Close closes pooled connections. The database itself stays open.
func (b *LocalBackend) Close() error {
	return b.pool.Close()
}
