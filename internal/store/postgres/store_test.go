package postgres

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/media"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.ErrorContains(t, err, "store.dsn is required")
}

func TestExistsTrimsInputs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM media WHERE src = $1 AND url = $2)")).
		WithArgs("https://cdn.test/a.png", "https://page.test").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.Exists(context.Background(), " https://cdn.test/a.png ", "https://page.test\t")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsEmptyInputSkipsQuery(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ok, err := store.Exists(context.Background(), "  ", "https://page.test")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsWrapsFailures(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("a", "b").
		WillReturnError(errors.New("connection reset"))

	_, err := store.Exists(context.Background(), "a", "b")
	require.ErrorIs(t, err, media.ErrStore)
	require.ErrorContains(t, err, "connection reset")
}

func TestInsertManySendsOneStatement(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	records := []media.Record{
		media.NewRecord("0190c1d2-0000-7000-8000-000000000001",
			media.Candidate{Kind: media.KindImage, SourceSrc: "https://cdn.test/a.png", PageURL: "https://page.test", DisplayName: "A"}, now),
		media.NewRecord("0190c1d2-0000-7000-8000-000000000002",
			media.Candidate{Kind: media.KindVideo, SourceSrc: "https://cdn.test/b.mp4", PageURL: "https://page.test"}, now),
	}
	name := "A"

	mock.ExpectExec(`INSERT INTO media .* FROM unnest\(.*\) .*ON CONFLICT \(src, url\) DO NOTHING`).
		WithArgs(
			[]string{records[0].ID, records[1].ID},
			[]string{"image", "video"},
			[]string{"https://cdn.test/a.png", "https://cdn.test/b.mp4"},
			[]string{"https://page.test", "https://page.test"},
			[]*string{&name, nil},
			[]time.Time{now, now},
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := store.InsertMany(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertManyEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	n, err := store.InsertMany(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertManyWrapsFailures(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO media").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("too many clients"))

	_, err := store.InsertMany(context.Background(), []media.Record{
		media.NewRecord("id", media.Candidate{Kind: media.KindImage, SourceSrc: "s", PageURL: "u"}, time.Now()),
	})
	require.ErrorIs(t, err, media.ErrStore)
}

func TestQueryFiltersAndPages(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	where := `WHERE \(\(src ILIKE \$1 OR url ILIKE \$2 OR name ILIKE \$3\) AND type = \$4\)`

	mock.ExpectQuery(`SELECT count\(\*\) FROM media ` + where).
		WithArgs("%50\\%%", "%50\\%%", "%50\\%%", "image").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery(`SELECT id, type, src, url, name, created_at FROM media ` + where +
		` ORDER BY created_at DESC, id DESC LIMIT 2 OFFSET 2`).
		WithArgs("%50\\%%", "%50\\%%", "%50\\%%", "image").
		WillReturnRows(pgxmock.NewRows([]string{"id", "type", "src", "url", "name", "created_at"}).
			AddRow("r-3", "image", "https://cdn.test/50%.png", "https://page.test", nil, created))

	page, err := store.Query(context.Background(), media.Filter{TextSearch: " 50% ", Kind: media.KindImage}, 2, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), page.Total)
	require.Len(t, page.Records, 1)
	got := page.Records[0]
	require.Equal(t, "r-3", got.ID)
	require.Equal(t, media.KindImage, got.Kind)
	require.Nil(t, got.DisplayName)
	require.Equal(t, created, got.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryWithoutFilterHasNoWhere(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM media")).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, type, src, url, name, created_at FROM media ORDER BY created_at DESC, id DESC LIMIT 20")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "type", "src", "url", "name", "created_at"}))

	page, err := store.Query(context.Background(), media.Filter{}, 0, 20)
	require.NoError(t, err)
	require.Zero(t, page.Total)
	require.NotNil(t, page.Records)
	require.Empty(t, page.Records)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCountFailureIsStoreError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT count").WillReturnError(errors.New("boom"))

	_, err := store.Query(context.Background(), media.Filter{}, 0, 10)
	require.ErrorIs(t, err, media.ErrStore)
}

func TestPingWrapsFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.ErrorIs(t, store.Ping(context.Background()), media.ErrStore)
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	require.Equal(t, `100\%\_off\\`, escapeLike(`100%_off\`))
}

func TestEmbeddedMigrationEnforcesUniquePairs(t *testing.T) {
	t.Parallel()

	files, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	body, err := fs.ReadFile(migrations, files[0])
	require.NoError(t, err)
	sql := string(body)
	require.True(t, strings.HasPrefix(sql, "-- +goose Up"))
	require.Contains(t, sql, "CREATE UNIQUE INDEX IF NOT EXISTS media_src_url_key ON media (src, url)")
	require.Contains(t, sql, "-- +goose Down")
}
