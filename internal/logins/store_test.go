package logins

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/appservices/internal/auth"
	"github.com/nerrad567/appservices/internal/infrastructure/database"
)

// testKDF keeps key derivation cheap in tests.
var testKDF = auth.KDFParams{Time: 1, Memory: 8, Threads: 1, KeyLen: 32}

func openTestStoreAt(t *testing.T, path, key string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, Options{EncryptionKey: key, KDF: testKDF})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // Test cleanup
	return s
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStoreAt(t, filepath.Join(t.TempDir(), "logins.db"), "secret")
}

func formLogin(origin, username, password string) Login {
	return Login{
		Origin:           origin,
		FormActionOrigin: origin,
		UsernameField:    "user_input",
		PasswordField:    "pass_input",
		Username:         username,
		Password:         password,
	}
}

func TestStore_AddGetList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Now().UnixMilli()

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	a := formLogin("https://www.example.com", "coolperson21", "p4ssw0rd")
	a.ID = "aaaaaaaaaaaa"
	b := Login{
		Origin:    "https://www.example2.com",
		HTTPRealm: "Some String Here",
		Username:  "asdf",
		Password:  "fdsa",
	}

	aID, err := s.Add(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaa", aID)

	bID, err := s.Add(ctx, b)
	require.NoError(t, err)
	assert.NotEmpty(t, bID, "ID should be generated")

	got, err := s.Get(ctx, aID)
	require.NoError(t, err)
	assert.Equal(t, a.Origin, got.Origin)
	assert.Equal(t, a.Username, got.Username)
	assert.Equal(t, a.Password, got.Password)
	assert.Equal(t, a.UsernameField, got.UsernameField)
	assert.Equal(t, int64(1), got.TimesUsed)
	assert.GreaterOrEqual(t, got.TimeCreated, start)
	assert.GreaterOrEqual(t, got.TimePasswordChanged, start)
	assert.GreaterOrEqual(t, got.TimeLastUsed, start)

	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	byDomain, err := s.GetByBaseDomain(ctx, "example2.com")
	require.NoError(t, err)
	require.Len(t, byDomain, 1)
	assert.Equal(t, bID, byDomain[0].ID)

	byDomain, err = s.GetByBaseDomain(ctx, "www.example.com")
	require.NoError(t, err)
	require.Len(t, byDomain, 1)
	assert.Equal(t, aID, byDomain[0].ID)

	byDomain, err = s.GetByBaseDomain(ctx, "ample.com")
	require.NoError(t, err)
	assert.Empty(t, byDomain)
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Update(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.UnixMilli(1_000_000)
	s.now = func() time.Time { return clock }

	id, err := s.Add(ctx, formLogin("https://a.example", "me", "old"))
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	updated := formLogin("https://a.example", "me", "new")
	updated.ID = id
	require.NoError(t, s.Update(ctx, updated))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Password)
	assert.Equal(t, int64(2), got.TimesUsed)
	assert.Equal(t, int64(1_000_000), got.TimeCreated)
	assert.Equal(t, clock.UnixMilli(), got.TimePasswordChanged)
	assert.Equal(t, clock.UnixMilli(), got.TimeLastUsed)

	// Same password: the change time stays.
	clock = clock.Add(time.Minute)
	updated.UsernameField = "email"
	require.NoError(t, s.Update(ctx, updated))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(-time.Minute).UnixMilli(), got.TimePasswordChanged)
	assert.Equal(t, "email", got.UsernameField)

	missing := formLogin("https://a.example", "x", "y")
	missing.ID = "missing"
	assert.ErrorIs(t, s.Update(ctx, missing), ErrNotFound)
}

func TestStore_Touch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, formLogin("https://a.example", "me", "pw"))
	require.NoError(t, err)

	require.NoError(t, s.Touch(ctx, id))
	require.NoError(t, s.Touch(ctx, id))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TimesUsed)

	assert.ErrorIs(t, s.Touch(ctx, "missing"), ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, formLogin("https://a.example", "me", "pw"))
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Validation(t *testing.T) {
	s := openTestStore(t)

	tests := []struct {
		name  string
		login Login
	}{
		{"no origin", Login{FormActionOrigin: "https://a.example", Password: "pw"}},
		{"origin with path", formLogin("https://a.example/login", "u", "pw")},
		{"origin without scheme", formLogin("a.example", "u", "pw")},
		{"no password", formLogin("https://a.example", "u", "")},
		{"no target", Login{Origin: "https://a.example", Password: "pw"}},
		{"both targets", Login{Origin: "https://a.example", FormActionOrigin: "https://a.example", HTTPRealm: "r", Password: "pw"}},
		{"bad form action", Login{Origin: "https://a.example", FormActionOrigin: "not a url", Password: "pw"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Add(context.Background(), tt.login)
			assert.ErrorIs(t, err, ErrInvalidLogin)
		})
	}

	scripted := Login{Origin: "https://a.example", FormActionOrigin: "javascript:", Password: "pw"}
	_, err := s.Add(context.Background(), scripted)
	assert.NoError(t, err)
}

func TestStore_Duplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, formLogin("https://a.example", "me", "pw"))
	require.NoError(t, err)

	_, err = s.Add(ctx, formLogin("https://a.example", "me", "other"))
	assert.ErrorIs(t, err, ErrDuplicateLogin)

	same := formLogin("https://b.example", "me", "pw")
	same.ID = id
	_, err = s.Add(ctx, same)
	assert.ErrorIs(t, err, ErrDuplicateLogin)

	otherID, err := s.Add(ctx, formLogin("https://a.example", "you", "pw"))
	require.NoError(t, err)

	clash := formLogin("https://a.example", "me", "pw")
	clash.ID = otherID
	assert.ErrorIs(t, s.Update(ctx, clash), ErrDuplicateLogin)
}

func TestStore_EncryptedAtRest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, formLogin("https://a.example", "someone", "hunter2"))
	require.NoError(t, err)

	conn, err := s.mgr.OpenConnection(ctx, database.ReadOnly)
	require.NoError(t, err)
	defer s.mgr.CloseConnection(conn) //nolint:errcheck // Test cleanup

	var sealed string
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT enc_fields FROM logins WHERE id = ?", id).Scan(&sealed))
	assert.NotEmpty(t, sealed)
	assert.NotContains(t, sealed, "hunter2")
	assert.NotContains(t, sealed, "someone")
}

func TestOpen_Keys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logins.db")

	_, err := Open(ctx, path, Options{})
	require.ErrorIs(t, err, ErrMissingKey)

	s, err := Open(ctx, path, Options{EncryptionKey: "right", KDF: testKDF})
	require.NoError(t, err)
	_, err = s.Add(ctx, formLogin("https://a.example", "me", "pw"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, path, Options{EncryptionKey: "wrong", KDF: testKDF})
	require.ErrorIs(t, err, ErrWrongKey)

	again := openTestStoreAt(t, path, "right")
	list, err := again.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pw", list[0].Password)
}

func TestOpen_SecondStoreRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logins.db")
	openTestStoreAt(t, path, "secret")

	_, err := Open(context.Background(), path, Options{EncryptionKey: "secret", KDF: testKDF})
	assert.ErrorIs(t, err, database.ErrConnectionAlreadyOpen)
}

func TestStore_Rekey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logins.db")

	s, err := Open(ctx, path, Options{EncryptionKey: "old", KDF: testKDF})
	require.NoError(t, err)
	id, err := s.Add(ctx, formLogin("https://a.example", "me", "pw"))
	require.NoError(t, err)

	require.NoError(t, s.Rekey(ctx, "new"))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pw", got.Password)
	require.NoError(t, s.Close())

	_, err = Open(ctx, path, Options{EncryptionKey: "old", KDF: testKDF})
	require.ErrorIs(t, err, ErrWrongKey)

	reopened := openTestStoreAt(t, path, "new")
	got, err = reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "me", got.Username)
}

func TestStore_ClosedStore(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.List(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_WipeLocal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, formLogin("https://a.example", "me", "pw"))
	require.NoError(t, err)
	require.NoError(t, s.WipeLocal(ctx))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpenMemory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx, "logins-"+t.Name(), Options{EncryptionKey: "k", KDF: testKDF})
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck // Test cleanup

	_, err = s.Add(ctx, formLogin("https://a.example", "me", "pw"))
	require.NoError(t, err)
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
