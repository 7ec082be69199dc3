// Package postgres provides the Postgres-backed media store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/media-scraper/internal/media"
)

const (
	defaultMaxConns = 5
	table           = "media"
)

var (
	psql    = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	columns = []string{"id", "type", "src", "url", "name", "created_at"}
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN string
	// MaxConns is capped at 5; zero selects the cap.
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements media.Store on a pgx pool.
type Store struct {
	pool pool
}

var _ media.Store = (*Store)(nil)

// New opens a pool for cfg.DSN and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = defaultMaxConns
	if cfg.MaxConns > 0 && cfg.MaxConns < defaultMaxConns {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", media.ErrStore, err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", media.ErrStore, err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", media.ErrStore, err)
	}
	return nil
}

// Exists reports whether the trimmed (src, url) pair is stored. Empty inputs
// never match.
func (s *Store) Exists(ctx context.Context, sourceSrc, pageURL string) (bool, error) {
	src, url := strings.TrimSpace(sourceSrc), strings.TrimSpace(pageURL)
	if src == "" || url == "" {
		return false, nil
	}
	var found bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM media WHERE src = $1 AND url = $2)`,
		src, url,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("%w: exists: %w", media.ErrStore, err)
	}
	return found, nil
}

const insertManySQL = `
INSERT INTO media (id, type, src, url, name, created_at)
SELECT id::uuid, type, src, url, name, created_at
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::timestamptz[])
	AS t(id, type, src, url, name, created_at)
ON CONFLICT (src, url) DO NOTHING`

// InsertMany writes the batch in one statement. Pairs already stored are
// skipped, so a retried batch never duplicates rows.
func (s *Store) InsertMany(ctx context.Context, records []media.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	var (
		ids   = make([]string, len(records))
		kinds = make([]string, len(records))
		srcs  = make([]string, len(records))
		urls  = make([]string, len(records))
		names = make([]*string, len(records))
		times = make([]time.Time, len(records))
	)
	for i, r := range records {
		ids[i] = r.ID
		kinds[i] = string(r.Kind)
		srcs[i] = r.SourceSrc
		urls[i] = r.PageURL
		names[i] = r.DisplayName
		times[i] = r.CreatedAt
	}
	tag, err := s.pool.Exec(ctx, insertManySQL, ids, kinds, srcs, urls, names, times)
	if err != nil {
		return 0, fmt.Errorf("%w: insert %d records: %w", media.ErrStore, len(records), err)
	}
	return tag.RowsAffected(), nil
}

// Query returns one page of records matching filter, newest first, along
// with the total match count.
func (s *Store) Query(ctx context.Context, filter media.Filter, skip, take int) (media.Page, error) {
	where := predicate(filter)

	countQ := psql.Select("count(*)").From(table)
	listQ := psql.Select(columns...).From(table).OrderBy("created_at DESC", "id DESC")
	if where != nil {
		countQ = countQ.Where(where)
		listQ = listQ.Where(where)
	}
	if skip > 0 {
		listQ = listQ.Offset(uint64(skip))
	}
	if take > 0 {
		listQ = listQ.Limit(uint64(take))
	}

	countSQL, countArgs, err := countQ.ToSql()
	if err != nil {
		return media.Page{}, fmt.Errorf("%w: build count: %w", media.ErrStore, err)
	}
	var total int64
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return media.Page{}, fmt.Errorf("%w: count media: %w", media.ErrStore, err)
	}

	listSQL, listArgs, err := listQ.ToSql()
	if err != nil {
		return media.Page{}, fmt.Errorf("%w: build query: %w", media.ErrStore, err)
	}
	rows, err := s.pool.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return media.Page{}, fmt.Errorf("%w: query media: %w", media.ErrStore, err)
	}
	defer rows.Close()

	records := make([]media.Record, 0)
	for rows.Next() {
		var (
			r    media.Record
			kind string
		)
		if err := rows.Scan(&r.ID, &kind, &r.SourceSrc, &r.PageURL, &r.DisplayName, &r.CreatedAt); err != nil {
			return media.Page{}, fmt.Errorf("%w: scan media: %w", media.ErrStore, err)
		}
		r.Kind = media.Kind(kind)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return media.Page{}, fmt.Errorf("%w: read media: %w", media.ErrStore, err)
	}
	return media.Page{Records: records, Total: total}, nil
}

func predicate(filter media.Filter) sq.Sqlizer {
	var conds sq.And
	if text := strings.TrimSpace(filter.TextSearch); text != "" {
		pattern := "%" + escapeLike(text) + "%"
		conds = append(conds, sq.Or{
			sq.ILike{"src": pattern},
			sq.ILike{"url": pattern},
			sq.ILike{"name": pattern},
		})
	}
	if filter.Kind != "" {
		conds = append(conds, sq.Eq{"type": string(filter.Kind)})
	}
	if len(conds) == 0 {
		return nil
	}
	return conds
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
