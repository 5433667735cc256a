package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/appservices/internal/infrastructure/config"
	"github.com/nerrad567/appservices/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	lines  []string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping", "/health":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // Test server
		f.mu.Lock()
		f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		status := f.status
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) waitLines(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := append([]string(nil), f.lines...)
		f.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("received fewer than %d lines", n)
	return nil
}

func openTestClient(t *testing.T) (*influxdb.Client, *fakeInflux) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := influxdb.Connect(context.Background(), config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "appservices",
		Bucket:        "sync",
		BatchSize:     10,
		FlushInterval: 1,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client, fake
}

func TestConnect_Disabled(t *testing.T) {
	_, err := influxdb.Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := influxdb.Connect(context.Background(), config.InfluxDBConfig{Enabled: true, URL: url})
	if !errors.Is(err, influxdb.ErrUnreachable) {
		t.Errorf("Connect() error = %v, want ErrUnreachable", err)
	}
}

func TestHealthCheck(t *testing.T) {
	client, _ := openTestClient(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrClosed) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrClosed", err)
	}
}

func TestWriteSyncTelemetry(t *testing.T) {
	client, fake := openTestClient(t)

	client.WriteSyncTelemetry("passwords", "success", map[string]any{"applied": 3, "took_ms": 42})
	client.WriteSyncRun("scheduled", "success", map[string]any{"engines": 1})
	client.Flush()

	lines := fake.waitLines(t, 2)
	engine, run := lines[0], lines[1]
	if !strings.HasPrefix(engine, "sync_engine,engine=passwords,outcome=success ") {
		t.Errorf("engine line = %q", engine)
	}
	for _, field := range []string{"applied=3i", "took_ms=42i"} {
		if !strings.Contains(engine, field) {
			t.Errorf("engine line %q missing %s", engine, field)
		}
	}
	if !strings.HasPrefix(run, "sync_run,outcome=success,reason=scheduled engines=1i") {
		t.Errorf("run line = %q", run)
	}
}

func TestWritePoint_DropsEmptyAndClosed(t *testing.T) {
	client, fake := openTestClient(t)

	client.WritePoint("sync_engine", map[string]string{"engine": "tabs"}, nil)
	client.WritePointWithTime("sync_engine", map[string]string{"engine": "tabs"},
		map[string]any{"applied": 1}, time.Unix(1_700_000_000, 0))
	client.Flush()

	lines := fake.waitLines(t, 1)
	if len(lines) != 1 || !strings.HasSuffix(lines[0], " 1700000000000000000") {
		t.Errorf("lines = %q", lines)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	client.WriteSyncTelemetry("tabs", "success", map[string]any{"applied": 1})
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSetOnError(t *testing.T) {
	client, fake := openTestClient(t)
	fake.mu.Lock()
	fake.status = http.StatusBadRequest
	fake.mu.Unlock()

	errCh := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	client.WriteSyncTelemetry("tabs", "failed", map[string]any{"failed": 1})
	client.Flush()

	select {
	case err := <-errCh:
		if !errors.Is(err, influxdb.ErrWrite) {
			t.Errorf("write error = %v, want ErrWrite", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write error not reported")
	}
}

func TestClose_Nil(t *testing.T) {
	var client *influxdb.Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
