package storageclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/appservices/internal/auth"
	"github.com/nerrad567/appservices/internal/syncengine"
)

const testSecret = "storage-test-secret"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(ServerConfig{Secret: testSecret, TokenTTL: time.Hour, MaxRecordBytes: 64})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newTestClient(t *testing.T, srv *Server, url, keyID, syncKey string) *Client {
	t.Helper()
	token, err := srv.IssueToken(keyID)
	require.NoError(t, err)
	c, err := New(context.Background(), syncengine.Credentials{
		KeyID:       keyID,
		AccessToken: token,
		ServerURL:   url,
		SyncKey:     syncKey,
	})
	require.NoError(t, err)
	return c
}

func TestClient_RoundTrip(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, srv, ts.URL, "key-1", "sync-key")
	ctx := context.Background()

	cols, err := c.Collections(ctx)
	require.NoError(t, err)
	assert.Empty(t, cols)

	info, err := c.InitCollection(ctx, "passwords", "sync-a")
	require.NoError(t, err)
	assert.Equal(t, "sync-a", info.SyncID)

	// A second init keeps the existing identity.
	again, err := c.InitCollection(ctx, "passwords", "sync-b")
	require.NoError(t, err)
	assert.Equal(t, "sync-a", again.SyncID)

	payload := json.RawMessage(`{ "origin" : "https://a.example" }`)
	modified, err := c.Upload(ctx, "passwords", []syncengine.Record{
		{ID: "a", Payload: payload},
		{ID: "b", Deleted: true, Payload: json.RawMessage(`{"ignored":true}`)},
	})
	require.NoError(t, err)
	assert.Positive(t, modified)

	batch, err := c.Fetch(ctx, "passwords", 0)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, modified, batch.Timestamp)

	assert.Equal(t, "a", batch.Records[0].ID)
	assert.Equal(t, string(payload), string(batch.Records[0].Payload), "payload bytes must survive the trip")
	assert.Equal(t, modified, batch.Records[0].Modified)
	assert.True(t, batch.Records[1].Deleted)
	assert.Empty(t, batch.Records[1].Payload)

	newer, err := c.Fetch(ctx, "passwords", modified)
	require.NoError(t, err)
	assert.Empty(t, newer.Records)

	cols, err = c.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, modified, cols["passwords"].Modified)
}

func TestClient_AccountsAreIsolated(t *testing.T) {
	srv, ts := newTestServer(t)
	a := newTestClient(t, srv, ts.URL, "key-a", "k")
	b := newTestClient(t, srv, ts.URL, "key-b", "k")
	ctx := context.Background()

	_, err := a.InitCollection(ctx, "tabs", "s")
	require.NoError(t, err)

	cols, err := b.Collections(ctx)
	require.NoError(t, err)
	assert.NotContains(t, cols, "tabs")
}

func TestClient_WrongSyncKey(t *testing.T) {
	srv, ts := newTestServer(t)
	writer := newTestClient(t, srv, ts.URL, "key-1", "right-key")
	reader := newTestClient(t, srv, ts.URL, "key-1", "wrong-key")
	ctx := context.Background()

	_, err := writer.InitCollection(ctx, "passwords", "s")
	require.NoError(t, err)
	_, err = writer.Upload(ctx, "passwords", []syncengine.Record{{ID: "a", Payload: json.RawMessage(`{}`)}})
	require.NoError(t, err)

	_, err = reader.Fetch(ctx, "passwords", 0)
	require.ErrorIs(t, err, ErrHMACMismatch)
	assert.ErrorIs(t, err, syncengine.ErrAuth)
	assert.True(t, syncengine.IsAbort(err))
}

func TestClient_InvalidToken(t *testing.T) {
	_, ts := newTestServer(t)
	c, err := New(context.Background(), syncengine.Credentials{
		KeyID:       "key-1",
		AccessToken: "garbage",
		ServerURL:   ts.URL,
		SyncKey:     "k",
	})
	require.NoError(t, err)

	_, err = c.Collections(context.Background())
	require.ErrorIs(t, err, syncengine.ErrAuth)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, "invalid token", httpErr.Message)
}

func TestClient_TokenForOtherKey(t *testing.T) {
	srv, ts := newTestServer(t)
	token, err := srv.IssueToken("key-other")
	require.NoError(t, err)

	c, err := New(context.Background(), syncengine.Credentials{
		KeyID:       "key-1",
		AccessToken: token,
		ServerURL:   ts.URL,
		SyncKey:     "k",
	})
	require.NoError(t, err)

	_, err = c.Collections(context.Background())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.ErrorIs(t, err, syncengine.ErrAuth)
}

func TestClient_NonSyncRoleRejected(t *testing.T) {
	_, ts := newTestServer(t)
	token, err := auth.GenerateAccessToken("key-1", auth.RoleAdmin, testSecret, time.Minute)
	require.NoError(t, err)

	c, err := New(context.Background(), syncengine.Credentials{
		KeyID: "key-1", AccessToken: token, ServerURL: ts.URL, SyncKey: "k",
	})
	require.NoError(t, err)

	_, err = c.Collections(context.Background())
	assert.ErrorIs(t, err, syncengine.ErrAuth)
}

func TestClient_ServerUnavailable(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, srv, ts.URL, "key-1", "k")
	ts.Close()

	_, err := c.Collections(context.Background())
	assert.ErrorIs(t, err, syncengine.ErrTransport)
}

func TestClient_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"unavailable","message":"maintenance"}`)) //nolint:errcheck // Test handler
	}))
	defer ts.Close()

	c, err := New(context.Background(), syncengine.Credentials{
		KeyID: "key-1", AccessToken: "t", ServerURL: ts.URL, SyncKey: "k",
	})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "tabs", 0)
	require.ErrorIs(t, err, syncengine.ErrTransport)
	assert.Contains(t, err.Error(), "maintenance")
}

func TestClient_BadResponseBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`)) //nolint:errcheck // Test handler
	}))
	defer ts.Close()

	c, err := New(context.Background(), syncengine.Credentials{
		KeyID: "key-1", AccessToken: "t", ServerURL: ts.URL, SyncKey: "k",
	})
	require.NoError(t, err)

	_, err = c.Collections(context.Background())
	assert.ErrorIs(t, err, syncengine.ErrTransport)
}

func TestClient_RejectedUploadIsEngineFailure(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, srv, ts.URL, "key-1", "k")
	ctx := context.Background()

	_, err := c.InitCollection(ctx, "tabs", "s")
	require.NoError(t, err)

	big := json.RawMessage(`"` + strings.Repeat("x", 100) + `"`)
	_, err = c.Upload(ctx, "tabs", []syncengine.Record{{ID: "a", Payload: big}})
	require.ErrorIs(t, err, ErrRequest)
	assert.False(t, syncengine.IsAbort(err))

	_, err = c.Upload(ctx, "missing", []syncengine.Record{{ID: "a", Payload: json.RawMessage(`1`)}})
	assert.ErrorIs(t, err, ErrRequest)
}

func TestNew_Validation(t *testing.T) {
	valid := syncengine.Credentials{KeyID: "k", AccessToken: "t", ServerURL: "http://localhost", SyncKey: "s"}

	tests := []struct {
		name   string
		mutate func(*syncengine.Credentials)
	}{
		{"no url", func(c *syncengine.Credentials) { c.ServerURL = "" }},
		{"bad scheme", func(c *syncengine.Credentials) { c.ServerURL = "ftp://host" }},
		{"no key id", func(c *syncengine.Credentials) { c.KeyID = "" }},
		{"no token", func(c *syncengine.Credentials) { c.AccessToken = "" }},
		{"no sync key", func(c *syncengine.Credentials) { c.SyncKey = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := valid
			tt.mutate(&creds)
			_, err := New(context.Background(), creds)
			assert.Error(t, err)
		})
	}
}

// kvEngine is a minimal engine for end-to-end runs.
type kvEngine struct {
	name  string
	local map[string]string
	dirty map[string]bool
}

func newKVEngine(name string) *kvEngine {
	return &kvEngine{name: name, local: map[string]string{}, dirty: map[string]bool{}}
}

func (e *kvEngine) CollectionName() string { return e.name }

func (e *kvEngine) ApplyIncoming(_ context.Context, records []syncengine.Record) (syncengine.IncomingOutcome, error) {
	var out syncengine.IncomingOutcome
	for _, r := range records {
		var v string
		if err := r.DecodePayload(&v); err != nil {
			out.Failed++
			continue
		}
		e.local[r.ID] = v
		out.Applied++
	}
	return out, nil
}

func (e *kvEngine) StageOutgoing(context.Context) ([]syncengine.Record, error) {
	var out []syncengine.Record
	for id := range e.dirty {
		r, err := syncengine.NewRecord(id, e.local[id])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *kvEngine) SetUploaded(_ context.Context, _ int64, ids []string) error {
	for _, id := range ids {
		delete(e.dirty, id)
	}
	return nil
}

func (e *kvEngine) Reset(context.Context, syncengine.Association) error {
	for id := range e.local {
		e.dirty[id] = true
	}
	return nil
}

func (e *kvEngine) Wipe(context.Context) error {
	e.local = map[string]string{}
	e.dirty = map[string]bool{}
	return nil
}

func TestSyncMultiple_OverHTTP(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := context.Background()

	laptop := newKVEngine("prefs")
	laptop.local["theme"] = "dark"
	laptop.dirty["theme"] = true
	laptopRes := syncengine.SyncMultiple(ctx, newTestClient(t, srv, ts.URL, "acct", "key"),
		[]syncengine.Engine{laptop}, syncengine.Params{Reason: "test"})
	require.NoError(t, laptopRes.Escalate("prefs"))

	phone := newKVEngine("prefs")
	phoneRes := syncengine.SyncMultiple(ctx, newTestClient(t, srv, ts.URL, "acct", "key"),
		[]syncengine.Engine{phone}, syncengine.Params{Reason: "test"})
	require.NoError(t, phoneRes.Escalate("prefs"))

	assert.Equal(t, "dark", phone.local["theme"])
	assert.Equal(t, 1, phoneRes.Telemetry.Engines[0].Incoming.Applied)
}
