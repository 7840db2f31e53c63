package kv

import (
	"errors"
	"path/filepath"
	"regexp"
	"sort"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// MemoryBackend
// ============================================================================

func TestMemoryBackendBasicOps(t *testing.T) {
	b := NewMemoryBackend(0)

	_, ok, err := b.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set("a", "1"))
	require.NoError(t, b.Set("b", "22"))
	require.NoError(t, b.Set("a", "333"))

	v, ok, err := b.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "333", v)

	used, err := b.Usage()
	require.NoError(t, err)
	assert.Equal(t, int64(len("a333")+len("b22")), used)

	require.NoError(t, b.Remove("a"))
	require.NoError(t, b.Remove("a"))
	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestMemoryBackendQuota(t *testing.T) {
	b := NewMemoryBackend(10)

	require.NoError(t, b.Set("k", "12345678")) // 9 bytes
	err := b.Set("x", "y")                     // would be 11
	require.Error(t, err)
	assert.True(t, IsQuotaExceeded(err))

	var qe *QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(10), qe.Capacity)

	// overwriting with a smaller value fits
	require.NoError(t, b.Set("k", "1"))
	require.NoError(t, b.Set("x", "y"))
}

func TestMemoryBackendFailNextSet(t *testing.T) {
	b := NewMemoryBackend(0)
	boom := errors.New("disk on fire")
	b.FailNextSet(boom)

	assert.ErrorIs(t, b.Set("a", "1"), boom)
	assert.NoError(t, b.Set("a", "1"))
}

func TestPrefixHelpers(t *testing.T) {
	b := NewMemoryBackend(0)
	require.NoError(t, b.Set("cache:b", "xx"))
	require.NoError(t, b.Set("cache:a", "x"))
	require.NoError(t, b.Set("data:a", "x"))

	keys, err := KeysWithPrefix(b, "cache:")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:a", "cache:b"}, keys)

	freed, err := RemovePrefix(b, "cache:")
	require.NoError(t, err)
	assert.Equal(t, int64(len("cache:a")+1+len("cache:b")+2), freed)

	remaining, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"data:a"}, remaining)
}

// usageOnly hides MemoryBackend's UsageReporter so Usage falls back to
// scanning keys.
type usageOnly struct{ Backend }

func TestUsageFallsBackToScan(t *testing.T) {
	m := NewMemoryBackend(0)
	require.NoError(t, m.Set("ab", "cde"))
	require.NoError(t, m.Set("f", ""))

	used, err := Usage(usageOnly{m})
	require.NoError(t, err)
	assert.Equal(t, int64(6), used)
}

// ============================================================================
// SQLiteBackend
// ============================================================================

func TestSQLiteBackendRoundTrip(t *testing.T) {
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"), 0)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set("accounts", `{"a1":{}}`))
	require.NoError(t, b.Set("files", `{}`))
	require.NoError(t, b.Set("accounts", `{}`))

	v, ok, err := b.Get("accounts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{}`, v)

	_, ok, err = b.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := b.Keys()
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"accounts", "files"}, keys)

	used, err := b.Usage()
	require.NoError(t, err)
	assert.Equal(t, int64(len("accounts{}")+len("files{}")), used)

	require.NoError(t, b.Remove("files"))
	keys, err = b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts"}, keys)
}

func TestSQLiteBackendQuota(t *testing.T) {
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"), 16)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set("key", "0123456789")) // 13 bytes
	err = b.Set("k2", "xx")                        // 17 > 16
	assert.True(t, IsQuotaExceeded(err))

	// the rejected write left nothing behind
	_, ok, err := b.Get("k2")
	require.NoError(t, err)
	assert.False(t, ok)

	// replacing an existing key only counts the new value
	require.NoError(t, b.Set("key", "0123456789abc"))
}

func TestSQLiteBackendClosed(t *testing.T) {
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"), 0)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Set("a", "b"), ErrClosed)
	_, _, err = b.Get("a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteBackendQuotaRollsBackWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(schemaSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	b, err := NewSQLiteBackend(db, 100)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(othersSQL)).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(95))
	mock.ExpectRollback()

	err = b.Set("k", "0123456789")
	assert.True(t, IsQuotaExceeded(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteBackendSetCommitsWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(schemaSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	b, err := NewSQLiteBackend(db, 100)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(othersSQL)).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(10))
	mock.ExpectExec(regexp.QuoteMeta(upsertSQL)).
		WithArgs("k", "v").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, b.Set("k", "v"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteBackendSurfacesDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(schemaSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	b, err := NewSQLiteBackend(db, 0)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(getSQL)).WithArgs("a").WillReturnError(errors.New("io error"))
	_, _, err = b.Get("a")
	require.Error(t, err)
	assert.False(t, IsQuotaExceeded(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
