// Package storageclient talks to the sync storage service.
//
// Client implements syncengine.Client over HTTP. Server is a small in-memory
// implementation of the same service for development and tests.
//
// Every record carries an HMAC-SHA256 computed with the account's sync key,
// so a client with the wrong key detects foreign data instead of applying it.
package storageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/nerrad567/appservices/internal/syncengine"
)

const (
	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes bounds the size of a response body.
	maxResponseBytes = 32 << 20
)

// Logger defines the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Client is an HTTP client for the storage service.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	base   *url.URL
	http   *http.Client
	keyID  string
	key    []byte
	logger Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport. The client must add the bearer
// token itself.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the client's logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client for the account described by creds.
//
// Parameters:
//   - ctx: Base context for the underlying oauth2 transport
//   - creds: Service URL, key identifier, access token and sync key
//   - opts: Optional settings
//
// Returns:
//   - *Client: Client ready for use
//   - error: If the credentials are incomplete or the URL is invalid
func New(ctx context.Context, creds syncengine.Credentials, opts ...Option) (*Client, error) {
	if creds.ServerURL == "" {
		return nil, fmt.Errorf("storage server URL is required")
	}
	if creds.KeyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("%w: access token is required", syncengine.ErrAuth)
	}
	if creds.SyncKey == "" {
		return nil, fmt.Errorf("sync key is required")
	}

	base, err := url.Parse(creds.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing storage server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("storage server URL must be http or https: %s", creds.ServerURL)
	}

	c := &Client{
		base:   base,
		keyID:  creds.KeyID,
		key:    []byte(creds.SyncKey),
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"},
		)
		c.http = oauth2.NewClient(ctx, ts)
		c.http.Timeout = DefaultTimeout
	}
	return c, nil
}

// Collections implements syncengine.Client.
func (c *Client) Collections(ctx context.Context) (map[string]syncengine.CollectionInfo, error) {
	var resp collectionsResponse
	if err := c.do(ctx, http.MethodGet, "/info/collections", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Collections == nil {
		resp.Collections = make(map[string]syncengine.CollectionInfo)
	}
	return resp.Collections, nil
}

// InitCollection implements syncengine.Client.
func (c *Client) InitCollection(ctx context.Context, name, syncID string) (syncengine.CollectionInfo, error) {
	var info syncengine.CollectionInfo
	err := c.do(ctx, http.MethodPut, "/storage/"+url.PathEscape(name)+"/meta", nil, metaRequest{SyncID: syncID}, &info)
	return info, err
}

// Fetch implements syncengine.Client. Every record is checked against the
// sync key; one bad record fails the whole fetch with ErrHMACMismatch.
func (c *Client) Fetch(ctx context.Context, name string, since int64) (syncengine.Batch, error) {
	query := url.Values{"newer": {strconv.FormatInt(since, 10)}}

	var resp fetchResponse
	if err := c.do(ctx, http.MethodGet, "/storage/"+url.PathEscape(name), query, nil, &resp); err != nil {
		return syncengine.Batch{}, err
	}

	batch := syncengine.Batch{
		Records:   make([]syncengine.Record, 0, len(resp.Records)),
		Timestamp: resp.Timestamp,
	}
	for _, w := range resp.Records {
		r, ok := fromWire(c.key, name, w)
		if !ok {
			c.logger.Warn("record failed HMAC verification", "collection", name, "id", w.ID)
			return syncengine.Batch{}, fmt.Errorf("%w: %s/%s", ErrHMACMismatch, name, w.ID)
		}
		batch.Records = append(batch.Records, r)
	}

	c.logger.Debug("fetched records", "collection", name, "since", since, "count", len(batch.Records))
	return batch, nil
}

// Upload implements syncengine.Client.
func (c *Client) Upload(ctx context.Context, name string, records []syncengine.Record) (int64, error) {
	req := uploadRequest{Records: make([]wireRecord, len(records))}
	for i, r := range records {
		req.Records[i] = toWire(c.key, name, r)
	}

	var resp uploadResponse
	if err := c.do(ctx, http.MethodPost, "/storage/"+url.PathEscape(name), nil, req, &resp); err != nil {
		return 0, err
	}

	c.logger.Debug("uploaded records", "collection", name, "count", len(records), "modified", resp.Modified)
	return resp.Modified, nil
}

// do performs one request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set(headerKeyID, c.keyID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %w", syncengine.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %w", syncengine.ErrTransport, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var e errorResponse
		if json.Unmarshal(data, &e) == nil {
			httpErr.Message = e.Message
		}
		return httpErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", syncengine.ErrTransport, path, err)
	}
	return nil
}
