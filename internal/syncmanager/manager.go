package syncmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/appservices/internal/interrupt"
	"github.com/nerrad567/appservices/internal/syncengine"
)

// Reasons recorded in telemetry.
const (
	ReasonScheduled = "scheduled"
	ReasonUser      = "user"
	ReasonRemote    = "remote"
	ReasonStartup   = "startup"
)

const sinkTimeout = 10 * time.Second

// Provider resolves one engine. It returns false when the store behind the
// engine is no longer registered.
type Provider func() (syncengine.Engine, bool)

// ClientFactory creates the storage service client for one run.
type ClientFactory func(ctx context.Context) (syncengine.Client, error)

// Logger defines the logging interface used by the manager.
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

// Options configures a Manager.
type Options struct {
	// Providers maps engine names to their providers.
	Providers map[string]Provider

	// Order is the run order. Engines missing from it run afterwards, sorted
	// by name.
	Order []string

	Client ClientFactory
	State  *StateStore

	// PrimaryEngine is used when a Request names none.
	PrimaryEngine string

	Sinks  []Sink
	Logger Logger
}

// Request describes one run.
type Request struct {
	Reason string `json:"reason,omitempty"`

	// Engines limits the run to these engines, in run order. Empty means all.
	Engines []string `json:"engines,omitempty"`

	// PrimaryEngine is the only engine whose failure fails the run.
	PrimaryEngine string `json:"primary_engine,omitempty"`

	EnginesToWipe  []string `json:"engines_to_wipe,omitempty"`
	EnginesToReset []string `json:"engines_to_reset,omitempty"`
}

// Response is the outcome of a run.
type Response struct {
	Telemetry   syncengine.SyncTelemetry `json:"telemetry"`
	Successful  []string                 `json:"successful"`
	Failures    map[string]string        `json:"failures,omitempty"`
	Unavailable []string                 `json:"unavailable,omitempty"`
}

// Status is a snapshot of the manager.
type Status struct {
	Running             bool      `json:"running"`
	Runs                int       `json:"runs"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSync            time.Time `json:"last_sync,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	LastRunID           string    `json:"last_run_id,omitempty"`
	Unavailable         []string  `json:"unavailable,omitempty"`
	Engines             []string  `json:"engines"`
	PrimaryEngine       string    `json:"primary_engine,omitempty"`
}

// EngineInfo describes one configured engine.
type EngineInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Primary   bool   `json:"primary"`
}

// Manager runs sync engines one run at a time.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	providers map[string]Provider
	order     []string
	newClient ClientFactory
	state     *StateStore
	primary   string
	sinks     []Sink
	logger    Logger

	running    atomic.Bool
	interrupts *interrupt.Counter
	handle     *interrupt.Handle
	commands   chan Request

	mu          sync.RWMutex
	mem         syncengine.MemoryCachedState
	last        *Response
	unavailable []string
}

// New creates a Manager.
//
// Returns:
//   - error: if no client factory or state store is given, or the primary
//     engine has no provider
func New(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, errors.New("syncmanager: client factory is required")
	}
	if opts.State == nil {
		return nil, errors.New("syncmanager: state store is required")
	}
	if opts.PrimaryEngine != "" {
		if _, ok := opts.Providers[opts.PrimaryEngine]; !ok {
			return nil, fmt.Errorf("%w: primary engine %q", ErrUnknownEngine, opts.PrimaryEngine)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	counter := interrupt.NewCounter()
	return &Manager{
		providers:  opts.Providers,
		order:      runOrder(opts.Providers, opts.Order),
		newClient:  opts.Client,
		state:      opts.State,
		primary:    opts.PrimaryEngine,
		sinks:      opts.Sinks,
		logger:     logger,
		interrupts: counter,
		handle:     counter.Handle(),
		commands:   make(chan Request, 1),
	}, nil
}

// runOrder lists every provider once: those in order first, then the rest by name.
func runOrder(providers map[string]Provider, order []string) []string {
	out := make([]string, 0, len(providers))
	seen := make(map[string]bool, len(providers))
	for _, name := range order {
		if _, ok := providers[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range providers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Sync runs the requested engines.
//
// Engines whose provider reports them unavailable are skipped and listed in
// Response.Unavailable. The orchestrator state is persisted after every run,
// including aborted ones, and the telemetry goes to every sink.
//
// Parameters:
//   - ctx: Context for the run; cancelling it aborts the run
//   - req: Engines, reason and failure policy for this run
//
// Returns:
//   - *Response: set whenever the orchestrator ran, even with an error
//   - error: ErrSyncInProgress, ErrUnknownEngine, an aborted run (transport,
//     auth, interrupt.ErrInterrupted, cancellation) or the primary engine's failure
func (m *Manager) Sync(ctx context.Context, req Request) (*Response, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer m.running.Store(false)

	names, err := m.selectEngines(req.Engines)
	if err != nil {
		return nil, err
	}
	if req.Reason == "" {
		req.Reason = ReasonUser
	}
	primary := req.PrimaryEngine
	if primary == "" {
		primary = m.primary
	}

	persisted, err := m.state.Load(ctx)
	if err != nil {
		return nil, err
	}
	client, err := m.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	engines, unavailable := m.resolve(names)
	defer m.closeEngines(engines)

	scope := m.interrupts.BeginScope(ctx)
	defer scope.Close()

	mem := m.memSnapshot()
	res := syncengine.SyncMultiple(scope.Context(), client, engines, syncengine.Params{
		Reason:         req.Reason,
		PersistedState: persisted,
		MemCached:      &mem,
		EnginesToWipe:  req.EnginesToWipe,
		EnginesToReset: req.EnginesToReset,
		Interruptee:    scope,
		Logger:         m.logger,
	})
	res.Err = scope.Wrap(res.Err)

	// The run's context may be cancelled; the state must still be written.
	saveErr := m.state.Save(context.WithoutCancel(ctx), res.PersistedState)
	if saveErr != nil {
		m.logger.Error("persisting sync state failed", "error", saveErr)
	}

	resp := newResponse(res, unavailable)
	status := m.record(mem, resp)
	m.publish(ctx, resp, status)

	if err := res.Escalate(primary); err != nil {
		return resp, err
	}
	if saveErr != nil {
		return resp, fmt.Errorf("persisting sync state: %w", saveErr)
	}
	return resp, nil
}

func (m *Manager) selectEngines(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return m.order, nil
	}
	for _, name := range requested {
		if _, ok := m.providers[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
		}
	}
	return requested, nil
}

func (m *Manager) resolve(names []string) (engines []syncengine.Engine, unavailable []string) {
	for _, name := range names {
		eng, ok := m.providers[name]()
		if !ok {
			m.logger.Warn("sync engine unavailable", "engine", name, "error", syncengine.ErrEngineUnavailable)
			unavailable = append(unavailable, name)
			continue
		}
		engines = append(engines, eng)
	}
	return engines, unavailable
}

func (m *Manager) closeEngines(engines []syncengine.Engine) {
	for _, eng := range engines {
		if c, ok := eng.(io.Closer); ok {
			if err := c.Close(); err != nil {
				m.logger.Warn("closing sync engine failed", "engine", eng.CollectionName(), "error", err)
			}
		}
	}
}

func newResponse(res *syncengine.Result, unavailable []string) *Response {
	resp := &Response{
		Telemetry:   res.Telemetry,
		Successful:  res.Successful,
		Unavailable: unavailable,
	}
	if resp.Successful == nil {
		resp.Successful = []string{}
	}
	for name, err := range res.EngineResults {
		if err == nil {
			continue
		}
		if resp.Failures == nil {
			resp.Failures = make(map[string]string)
		}
		resp.Failures[name] = err.Error()
	}
	return resp
}

func (m *Manager) memSnapshot() syncengine.MemoryCachedState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem
}

func (m *Manager) record(mem syncengine.MemoryCachedState, resp *Response) Status {
	m.mu.Lock()
	m.mem = mem
	m.last = resp
	m.unavailable = resp.Unavailable
	m.mu.Unlock()

	st := m.Status()
	st.Running = false
	return st
}

func (m *Manager) publish(ctx context.Context, resp *Response, status Status) {
	if len(m.sinks) == 0 {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	for _, sink := range m.sinks {
		if err := sink.Publish(sinkCtx, resp, status); err != nil {
			m.logger.Warn("publishing sync telemetry failed", "sink", fmt.Sprintf("%T", sink), "error", err)
		}
	}
}

// Interrupt interrupts the run in progress, if any. Later runs are not affected.
func (m *Manager) Interrupt() {
	m.handle.Interrupt()
}

// Disconnect resets every available engine to the disconnected state and
// forgets the orchestrator state. Local data is kept.
func (m *Manager) Disconnect(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer m.running.Store(false)

	engines, _ := m.resolve(m.order)
	defer m.closeEngines(engines)

	var errs []error
	for _, eng := range engines {
		if err := eng.Reset(ctx, syncengine.Disconnected()); err != nil {
			errs = append(errs, fmt.Errorf("resetting %s: %w", eng.CollectionName(), err))
		}
	}
	if err := m.state.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing sync state: %w", err))
	}

	m.mu.Lock()
	m.mem = syncengine.MemoryCachedState{}
	m.last = nil
	m.unavailable = nil
	m.mu.Unlock()

	m.logger.Info("sync disconnected", "engines", len(engines))
	return errors.Join(errs...)
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		Running:             m.running.Load(),
		Runs:                m.mem.Runs,
		ConsecutiveFailures: m.mem.ConsecutiveFailures,
		LastSync:            m.mem.LastSync,
		LastSuccess:         m.mem.LastSuccess,
		LastError:           m.mem.LastError,
		Unavailable:         slices.Clone(m.unavailable),
		Engines:             slices.Clone(m.order),
		PrimaryEngine:       m.primary,
	}
	if m.last != nil {
		st.LastRunID = m.last.Telemetry.ID
	}
	return st
}

// LastResponse returns the outcome of the last run, or nil.
func (m *Manager) LastResponse() *Response {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Engines resolves every configured engine and reports its availability.
func (m *Manager) Engines() []EngineInfo {
	out := make([]EngineInfo, 0, len(m.order))
	for _, name := range m.order {
		eng, ok := m.providers[name]()
		if ok {
			m.closeEngines([]syncengine.Engine{eng})
		}
		out = append(out, EngineInfo{Name: name, Available: ok, Primary: name == m.primary})
	}
	return out
}
