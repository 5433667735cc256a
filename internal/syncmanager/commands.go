package syncmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/appservices/internal/infrastructure/mqtt"
)

// HandleCommand handles a message on one of the command topics. It has the
// shape of an mqtt.MessageHandler.
//
// A sync command queues a run for RunCommands; its payload is an optional
// JSON Request. An interrupt command interrupts the current run at once.
func (m *Manager) HandleCommand(topic string, payload []byte) error {
	topics := mqtt.Topics{}
	switch topic {
	case topics.CommandSync():
		req := Request{Reason: ReasonRemote}
		if len(bytes.TrimSpace(payload)) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
			}
		}
		return m.Enqueue(req)

	case topics.CommandInterrupt():
		m.logger.Info("sync interrupt requested", "source", "mqtt")
		m.Interrupt()
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, topic)
	}
}

// Enqueue queues req for RunCommands. Only one request can wait; a second
// one fails with ErrSyncInProgress.
func (m *Manager) Enqueue(req Request) error {
	select {
	case m.commands <- req:
		return nil
	default:
		return ErrSyncInProgress
	}
}

// RunCommands runs queued requests until ctx is done.
func (m *Manager) RunCommands(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-m.commands:
			m.runLogged(ctx, req)
		}
	}
}

// RunSchedule starts a run every interval until ctx is done. A tick that
// finds a run in progress is skipped.
func (m *Manager) RunSchedule(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("syncmanager: invalid sync interval %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.runLogged(ctx, Request{Reason: ReasonScheduled})
		}
	}
}

func (m *Manager) runLogged(ctx context.Context, req Request) {
	resp, err := m.Sync(ctx, req)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		m.logger.Debug("sync skipped, run in progress", "reason", req.Reason)
	case err != nil:
		m.logger.Warn("sync failed", "reason", req.Reason, "error", err)
	default:
		m.logger.Info("sync completed",
			"reason", req.Reason,
			"run_id", resp.Telemetry.ID,
			"successful", len(resp.Successful),
			"took_ms", resp.Telemetry.TookMillis,
		)
	}
}
