// Package suggest stores search suggestions downloaded from a remote
// settings service and answers keyword lookups.
//
// A Store keeps two connections to its database for its whole lifetime: a
// ReadOnly reader for lookups and the ReadWrite writer for ingestion. Each
// can be interrupted on its own, so a slow ingest never blocks a query and a
// query can be abandoned while typing continues.
package suggest

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/appservices/internal/infrastructure/database"
	"github.com/nerrad567/appservices/internal/interrupt"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrator = &database.Migrator{FS: migrationsFS, Dir: "migrations"}

const metaLastIngest = "last_ingest"

// Suggestion is a lookup result.
type Suggestion struct {
	BlockID       int64  `json:"block_id"`
	Advertiser    string `json:"advertiser"`
	IABCategory   string `json:"iab_category"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	FullKeyword   string `json:"full_keyword"`
	ImpressionURL string `json:"impression_url,omitempty"`
	ClickURL      string `json:"click_url,omitempty"`
}

// RemoteSuggestion is a suggestion as published in a remote record.
type RemoteSuggestion struct {
	BlockID       int64    `json:"id"`
	Advertiser    string   `json:"advertiser"`
	IABCategory   string   `json:"iab_category"`
	Keywords      []string `json:"keywords"`
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	ImpressionURL string   `json:"impression_url"`
	ClickURL      string   `json:"click_url"`
}

// InterruptKind selects the connections Interrupt affects.
type InterruptKind int

const (
	// InterruptRead interrupts lookups.
	InterruptRead InterruptKind = iota
	// InterruptWrite interrupts ingestion.
	InterruptWrite
	// InterruptReadWrite interrupts both.
	InterruptReadWrite
)

// Logger defines the logging interface used by the store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Store.
type Options struct {
	Database database.Options
	Logger   Logger
}

// Store is the suggestion database.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Lookups are serialised on the reader, ingestion on the writer.
type Store struct {
	mgr    *database.Manager
	logger Logger
	now    func() time.Time

	readMu sync.Mutex
	reader *database.Conn

	writeMu sync.Mutex
	writer  *database.Conn

	readInterrupt  *interrupt.Handle
	writeInterrupt *interrupt.Handle

	// beforeRecord is called before each suggestion is ingested. Tests use it.
	beforeRecord func(i int)
}

// Open opens or creates the suggestion database at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	mgr, err := database.Open(ctx, path, migrator, opts.Database)
	if err != nil {
		return nil, fmt.Errorf("opening suggest database: %w", err)
	}
	return newStore(ctx, mgr, opts)
}

// OpenMemory opens a suggestion store on the shared in-memory database name.
func OpenMemory(ctx context.Context, name string, opts Options) (*Store, error) {
	mgr, err := database.OpenMemory(ctx, name, migrator, opts.Database)
	if err != nil {
		return nil, fmt.Errorf("opening suggest database: %w", err)
	}
	return newStore(ctx, mgr, opts)
}

func newStore(ctx context.Context, mgr *database.Manager, opts Options) (*Store, error) {
	writer, err := mgr.OpenConnection(ctx, database.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("opening suggest writer: %w", err)
	}
	reader, err := mgr.OpenConnection(ctx, database.ReadOnly)
	if err != nil {
		mgr.CloseConnection(writer) //nolint:errcheck // Already failing
		return nil, fmt.Errorf("opening suggest reader: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Store{
		mgr:            mgr,
		logger:         logger,
		now:            time.Now,
		reader:         reader,
		writer:         writer,
		readInterrupt:  reader.NewInterruptHandle(),
		writeInterrupt: writer.NewInterruptHandle(),
	}, nil
}

// Close returns both connections. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.writer == nil {
		return nil
	}
	errW := s.mgr.CloseConnection(s.writer)
	errR := s.mgr.CloseConnection(s.reader)
	s.writer, s.reader = nil, nil
	return errors.Join(errW, errR)
}

// Interrupt cancels the lookups, ingestion, or both, that are running now.
// Work started afterwards is unaffected.
func (s *Store) Interrupt(kind InterruptKind) {
	if kind == InterruptRead || kind == InterruptReadWrite {
		s.readInterrupt.Interrupt()
	}
	if kind == InterruptWrite || kind == InterruptReadWrite {
		s.writeInterrupt.Interrupt()
	}
}

// FetchByKeyword returns the suggestion matching keyword exactly, if any.
//
// FullKeyword completes what the user typed: starting at the matched
// keyword, it follows the suggestion's keywords in rank order for as long
// as each one still begins with the typed keyword, and takes the last.
func (s *Store) FetchByKeyword(ctx context.Context, keyword string) ([]Suggestion, error) {
	if strings.TrimSpace(keyword) == "" {
		return nil, ErrInvalidKeyword
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.reader == nil {
		return nil, ErrClosed
	}

	var out []Suggestion
	err := s.reader.WithInterruptScope(ctx, func(ctx context.Context, _ *interrupt.Scope) error {
		var (
			id   int64
			rank int64
			sg   Suggestion
		)
		err := s.reader.QueryRowContext(ctx, `SELECT s.id, k.rank, s.block_id, s.advertiser, s.iab_category,
				s.title, s.url, s.impression_url, s.click_url
			FROM suggestions s
			JOIN keywords k ON k.suggestion_id = s.id
			WHERE k.keyword = ?
			LIMIT 1`, keyword).
			Scan(&id, &rank, &sg.BlockID, &sg.Advertiser, &sg.IABCategory,
				&sg.Title, &sg.URL, &sg.ImpressionURL, &sg.ClickURL)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("looking up keyword: %w", err)
		}

		full, err := s.fullKeyword(ctx, id, rank, keyword)
		if err != nil {
			return err
		}
		sg.FullKeyword = full
		out = append(out, sg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// fullKeyword returns the longest completion of keyword among the
// consecutive keywords of suggestion id from rank on.
func (s *Store) fullKeyword(ctx context.Context, id, rank int64, keyword string) (string, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT keyword FROM keywords
		WHERE suggestion_id = ? AND rank > ? ORDER BY rank`, id, rank)
	if err != nil {
		return "", fmt.Errorf("looking up full keyword: %w", err)
	}
	defer rows.Close()

	full := keyword
	for rows.Next() {
		var next string
		if err := rows.Scan(&next); err != nil {
			return "", fmt.Errorf("scanning keyword: %w", err)
		}
		if !strings.HasPrefix(next, keyword) {
			break
		}
		full = next
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating keywords: %w", err)
	}
	return full, nil
}

// Ingest replaces the suggestions of recordID.
//
// The whole record is written in one transaction. Interrupting the writer
// stops the ingest before the next suggestion and rolls it back.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - recordID: Remote record the suggestions come from
//   - suggestions: Suggestions in publication order
//
// Returns:
//   - error: interrupt.ErrInterrupted if interrupted, ErrClosed, or a database error
func (s *Store) Ingest(ctx context.Context, recordID string, suggestions []RemoteSuggestion) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writer == nil {
		return ErrClosed
	}

	err := s.writer.WithInterruptScope(ctx, func(ctx context.Context, scope *interrupt.Scope) error {
		return s.writer.WithTx(ctx, func(tx *database.Tx) error {
			if _, err := tx.ExecContext(ctx, "DELETE FROM suggestions WHERE record_id = ?", recordID); err != nil {
				return fmt.Errorf("dropping record %s: %w", recordID, err)
			}
			for i, sg := range suggestions {
				if s.beforeRecord != nil {
					s.beforeRecord(i)
				}
				if err := scope.Err(); err != nil {
					return err
				}
				if err := insertSuggestion(ctx, tx, recordID, sg); err != nil {
					return err
				}
			}
			return database.PutMeta(ctx, tx, metaLastIngest, strconv.FormatInt(s.now().UnixMilli(), 10))
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("suggestions ingested", "record_id", recordID, "count", len(suggestions))
	return nil
}

func insertSuggestion(ctx context.Context, tx *database.Tx, recordID string, sg RemoteSuggestion) error {
	var id int64
	err := tx.QueryRowContext(ctx, `INSERT INTO suggestions
		(record_id, block_id, advertiser, iab_category, title, url, impression_url, click_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		recordID, sg.BlockID, sg.Advertiser, sg.IABCategory, sg.Title, sg.URL, sg.ImpressionURL, sg.ClickURL).
		Scan(&id)
	if err != nil {
		return fmt.Errorf("inserting suggestion %d: %w", sg.BlockID, err)
	}
	for rank, kw := range sg.Keywords {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO keywords (keyword, suggestion_id, rank) VALUES (?, ?, ?)",
			kw, id, rank); err != nil {
			return fmt.Errorf("inserting keyword %q: %w", kw, err)
		}
	}
	return nil
}

// DropRecord removes the suggestions of recordID.
func (s *Store) DropRecord(ctx context.Context, recordID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writer == nil {
		return ErrClosed
	}

	return s.writer.WithTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM suggestions WHERE record_id = ?", recordID); err != nil {
			return fmt.Errorf("dropping record %s: %w", recordID, err)
		}
		return nil
	})
}

// Clear removes every suggestion and the ingestion metadata.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writer == nil {
		return ErrClosed
	}

	return s.writer.WithTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM suggestions"); err != nil {
			return fmt.Errorf("clearing suggestions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM meta"); err != nil {
			return fmt.Errorf("clearing suggest metadata: %w", err)
		}
		return nil
	})
}

// LastIngest returns the time of the last successful ingest, or false if
// there has been none.
func (s *Store) LastIngest(ctx context.Context) (time.Time, bool, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.reader == nil {
		return time.Time{}, false, ErrClosed
	}

	v, ok, err := database.GetMeta(ctx, s.reader, metaLastIngest)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing %s: %w", metaLastIngest, err)
	}
	return time.UnixMilli(ms), true, nil
}
