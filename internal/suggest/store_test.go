package suggest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/appservices/internal/infrastructure/database"
	"github.com/nerrad567/appservices/internal/interrupt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "suggest.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // Test cleanup
	return s
}

func losPollos() RemoteSuggestion {
	return RemoteSuggestion{
		BlockID:       0,
		Advertiser:    "Los Pollos Hermanos",
		IABCategory:   "8 - Food & Drink",
		Keywords:      []string{"lo", "los", "los p", "los pollos", "los pollos h", "los pollos hermanos"},
		Title:         "Los Pollos Hermanos - Albuquerque",
		URL:           "https://www.lph-nm.biz",
		ImpressionURL: "https://example.com/impression",
		ClickURL:      "https://example.com/click",
	}
}

func TestStore_IngestAndFetch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cash := losPollos()
	cash.Advertiser = "Cash Money"
	cash.URL = "https://cash.example"
	cash.Keywords = []string{"ca", "cas", "cash", "money", "cash money"}
	require.NoError(t, s.Ingest(ctx, "record-1", []RemoteSuggestion{losPollos(), cash}))

	tests := []struct {
		keyword    string
		want       string
		advertiser string
	}{
		{"lo", "los pollos hermanos", "Los Pollos Hermanos"},
		{"los p", "los pollos hermanos", "Los Pollos Hermanos"},
		{"los pollos hermanos", "los pollos hermanos", "Los Pollos Hermanos"},
		{"ca", "cash", "Cash Money"},
		{"cash", "cash", "Cash Money"},
		{"money", "money", "Cash Money"},
		{"cash money", "cash money", "Cash Money"},
	}
	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			got, err := s.FetchByKeyword(ctx, tt.keyword)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].FullKeyword)
			assert.Equal(t, tt.advertiser, got[0].Advertiser)
		})
	}

	got, err := s.FetchByKeyword(ctx, "los")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://www.lph-nm.biz", got[0].URL)
	assert.Equal(t, "https://example.com/click", got[0].ClickURL)

	got, err = s.FetchByKeyword(ctx, "pollos")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_FetchInvalidKeyword(t *testing.T) {
	s := openTestStore(t)

	_, err := s.FetchByKeyword(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidKeyword)
}

func TestStore_IngestReplacesRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Ingest(ctx, "record-1", []RemoteSuggestion{losPollos()}))

	other := losPollos()
	other.Advertiser = "Good Burger"
	other.Keywords = []string{"good", "good burger", "good"}
	require.NoError(t, s.Ingest(ctx, "record-1", []RemoteSuggestion{other}))

	got, err := s.FetchByKeyword(ctx, "lo")
	require.NoError(t, err)
	assert.Empty(t, got, "old suggestions of the record are gone")

	got, err = s.FetchByKeyword(ctx, "good")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Good Burger", got[0].Advertiser)

	require.NoError(t, s.DropRecord(ctx, "record-1"))
	got, err = s.FetchByKeyword(ctx, "good")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_LastIngestAndClear(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	_, ok, err := s.LastIngest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Ingest(ctx, "record-1", []RemoteSuggestion{losPollos()}))
	last, ok, err := s.LastIngest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), last.UnixMilli())

	require.NoError(t, s.Clear(ctx))
	_, ok, err = s.LastIngest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := s.FetchByKeyword(ctx, "lo")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_IngestInterrupted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Ingest(ctx, "record-1", []RemoteSuggestion{losPollos()}))

	s.beforeRecord = func(i int) {
		if i == 1 {
			s.Interrupt(InterruptWrite)
		}
	}
	second := losPollos()
	second.Keywords = []string{"second"}
	err := s.Ingest(ctx, "record-2", []RemoteSuggestion{losPollos(), second})
	require.ErrorIs(t, err, interrupt.ErrInterrupted)

	// Nothing of the interrupted record was kept.
	got, err := s.FetchByKeyword(ctx, "second")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Later work is not affected.
	s.beforeRecord = nil
	require.NoError(t, s.Ingest(ctx, "record-2", []RemoteSuggestion{second}))
	got, err = s.FetchByKeyword(ctx, "second")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_ReadInterruptLeavesWriter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	s.Interrupt(InterruptRead)
	require.NoError(t, s.Ingest(ctx, "record-1", []RemoteSuggestion{losPollos()}))
	got, err := s.FetchByKeyword(ctx, "lo")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_HoldsWriter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "suggest.db")
	s, err := Open(ctx, path, Options{})
	require.NoError(t, err)

	_, err = Open(ctx, path, Options{})
	require.ErrorIs(t, err, database.ErrConnectionAlreadyOpen)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ingest(ctx, "r", nil), ErrClosed)
	_, err = s.FetchByKeyword(ctx, "lo")
	assert.ErrorIs(t, err, ErrClosed)

	again, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	assert.NoError(t, again.Close())
}
