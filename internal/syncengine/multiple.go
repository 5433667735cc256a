package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/appservices/internal/interrupt"
)

// Logger defines the logging interface used by SyncMultiple.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Params configures one orchestration run.
type Params struct {
	// Reason is recorded in telemetry ("scheduled", "user", ...).
	Reason string

	// PersistedState is the Result.PersistedState of the previous run, or "".
	PersistedState string

	// MemCached is updated in place. Nil means the run starts from scratch
	// and the counters are discarded.
	MemCached *MemoryCachedState

	// EnginesToWipe and EnginesToReset name engines whose local data, or sync
	// metadata, is dropped before they sync.
	EnginesToWipe  []string
	EnginesToReset []string

	// Interruptee is checked between steps. Nil never interrupts.
	Interruptee interrupt.Interruptee

	// Logger receives per-engine progress. Nil discards it.
	Logger Logger
}

// Result is the outcome of SyncMultiple.
type Result struct {
	// Err is set when the run was aborted by a transport, authentication or
	// cancellation failure. Engines after the failing one did not run.
	Err error

	// EngineResults has an entry for every engine that ran: nil on success,
	// the failure otherwise.
	EngineResults map[string]error

	// Successful lists the engines that completed, in run order.
	Successful []string

	// PersistedState must be stored by the caller and passed back in the next
	// run's Params. It is set on every exit path.
	PersistedState string

	Telemetry SyncTelemetry
}

// Escalate applies the failure policy: an aborted run always fails, and an
// engine failure fails the run only for the primary engine. An empty primary
// never escalates engine failures.
func (r *Result) Escalate(primary string) error {
	if r.Err != nil {
		return r.Err
	}
	if primary == "" {
		return nil
	}
	return r.EngineResults[primary]
}

// firstFailure returns the abort error or the first engine failure.
func (r *Result) firstFailure() error {
	if r.Err != nil {
		return r.Err
	}
	for _, e := range r.Telemetry.Engines {
		if err := r.EngineResults[e.Name]; err != nil {
			return err
		}
	}
	return nil
}

// SyncMultiple runs engines in order against client.
//
// Collection info is fetched once. Each engine is then wiped or reset if
// requested, re-associated when the remote collection changed identity,
// and taken through fetch, apply, stage, upload and mark-uploaded.
//
// SyncMultiple never returns nil and never panics on engine failures; all
// outcomes are reported in the Result.
//
// Parameters:
//   - ctx: Context for cancellation of the whole run
//   - client: Storage service client
//   - engines: Engines in execution order
//   - params: Run parameters and cached state
//
// Returns:
//   - *Result: Per-engine outcomes, telemetry and the state to persist
func SyncMultiple(ctx context.Context, client Client, engines []Engine, params Params) *Result {
	started := time.Now()

	logger := params.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	interruptee := params.Interruptee
	if interruptee == nil {
		interruptee = interrupt.NeverInterrupts
	}
	mem := params.MemCached
	if mem == nil {
		mem = &MemoryCachedState{}
	}

	res := &Result{
		EngineResults: make(map[string]error, len(engines)),
		Telemetry: SyncTelemetry{
			ID:      uuid.NewString(),
			Reason:  params.Reason,
			Started: started.UTC(),
			Engines: make([]EngineTelemetry, 0, len(engines)),
		},
	}

	state, err := ParseGlobalState(params.PersistedState)
	if err != nil {
		logger.Warn("discarding unusable sync state", "error", err)
		res.Telemetry.StateReset = true
	}

	defer func() {
		res.PersistedState = state.Marshal()
		res.Telemetry.TookMillis = time.Since(started).Milliseconds()
		if res.Err != nil {
			res.Telemetry.Failure = res.Err.Error()
		}
		mem.record(started, res.firstFailure())
	}()

	if err := checkInterrupted(ctx, interruptee); err != nil {
		res.Err = err
		return res
	}

	collections, err := client.Collections(ctx)
	if err != nil {
		res.Err = fmt.Errorf("fetching collection info: %w", err)
		logger.Error("sync aborted", "stage", "collections", "error", err)
		return res
	}
	if collections == nil {
		collections = make(map[string]CollectionInfo)
	}

	wipe := toSet(params.EnginesToWipe)
	reset := toSet(params.EnginesToReset)

	for _, eng := range engines {
		if err := checkInterrupted(ctx, interruptee); err != nil {
			res.Err = err
			break
		}

		name := eng.CollectionName()
		run := engineRun{
			client:      client,
			engine:      eng,
			name:        name,
			state:       state,
			collections: collections,
			interruptee: interruptee,
		}
		et, err := run.sync(ctx, wipe[name], reset[name])
		res.Telemetry.Engines = append(res.Telemetry.Engines, et)
		res.EngineResults[name] = err

		if err != nil {
			if IsAbort(err) {
				res.Err = err
				logger.Error("sync aborted", "engine", name, "error", err)
				break
			}
			logger.Warn("engine sync failed", "engine", name, "error", err)
			continue
		}

		res.Successful = append(res.Successful, name)
		logger.Debug("engine synced",
			"engine", name,
			"applied", et.Incoming.Applied,
			"sent", et.Outgoing.Sent,
		)
	}

	mem.collections = collections
	logger.Info("sync finished",
		"reason", params.Reason,
		"engines", len(res.Telemetry.Engines),
		"successful", len(res.Successful),
	)
	return res
}

// engineRun is one engine's part of a run.
type engineRun struct {
	client      Client
	engine      Engine
	name        string
	state       *GlobalState
	collections map[string]CollectionInfo
	interruptee interrupt.Interruptee
}

func (r *engineRun) sync(ctx context.Context, doWipe, doReset bool) (et EngineTelemetry, err error) {
	started := time.Now()
	et.Name = r.name
	defer func() {
		et.TookMillis = time.Since(started).Milliseconds()
		if err != nil {
			et.Failure = err.Error()
		}
	}()

	if doWipe {
		if err := r.engine.Wipe(ctx); err != nil {
			return et, r.fail("wipe", err)
		}
		et.Wiped = true
		delete(r.state.Collections, r.name)
	}
	if doReset {
		assoc := Disconnected()
		if err := r.engine.Reset(ctx, assoc); err != nil {
			return et, r.fail("reset", err)
		}
		et.Reset = assoc.String()
		delete(r.state.Collections, r.name)
	}

	remote, ok := r.collections[r.name]
	if !ok {
		remote, err = r.client.InitCollection(ctx, r.name, uuid.NewString())
		if err != nil {
			return et, r.fail("init collection", err)
		}
		r.collections[r.name] = remote
	}

	local, known := r.state.Collections[r.name]
	if !known || local.SyncID != remote.SyncID {
		assoc := Connected(remote.SyncID)
		if err := r.engine.Reset(ctx, assoc); err != nil {
			return et, r.fail("reset", err)
		}
		et.Reset = assoc.String()
		local = CollectionState{SyncID: remote.SyncID}
		r.state.Collections[r.name] = local
	}

	if err := checkInterrupted(ctx, r.interruptee); err != nil {
		return et, err
	}

	batch, err := r.client.Fetch(ctx, r.name, local.LastModified)
	if err != nil {
		return et, r.fail("fetch", err)
	}
	outcome, err := r.engine.ApplyIncoming(ctx, batch.Records)
	et.Incoming = outcome
	if err != nil {
		return et, r.fail("apply incoming", err)
	}

	highWater := local.LastModified
	if batch.Timestamp > highWater {
		highWater = batch.Timestamp
	}
	for _, rec := range batch.Records {
		if rec.Modified > highWater {
			highWater = rec.Modified
		}
	}
	// Incoming records are applied, so the mark can move even if the
	// upload below fails.
	r.state.Collections[r.name] = CollectionState{SyncID: local.SyncID, LastModified: highWater}

	if err := checkInterrupted(ctx, r.interruptee); err != nil {
		return et, err
	}

	outgoing, err := r.engine.StageOutgoing(ctx)
	if err != nil {
		return et, r.fail("stage outgoing", err)
	}
	if len(outgoing) == 0 {
		return et, nil
	}

	modified, err := r.client.Upload(ctx, r.name, outgoing)
	if err != nil {
		et.Outgoing.Failed = len(outgoing)
		return et, r.fail("upload", err)
	}
	et.Outgoing.Sent = len(outgoing)

	ids := make([]string, len(outgoing))
	for i, rec := range outgoing {
		ids[i] = rec.ID
	}
	if err := r.engine.SetUploaded(ctx, modified, ids); err != nil {
		return et, r.fail("set uploaded", err)
	}
	return et, nil
}

func (r *engineRun) fail(op string, err error) error {
	return &EngineError{Engine: r.name, Op: op, Err: err}
}

// checkInterrupted returns the cancellation of ctx or of the interruptee.
func checkInterrupted(ctx context.Context, i interrupt.Interruptee) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.Err()
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
