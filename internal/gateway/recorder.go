package gateway

import (
	"context"
	"time"

	"loom/internal/hooks"
	"loom/internal/runner"
	"loom/internal/storage"
	"loom/pkg/logger"
)

// HookRecorder adapts hook lifecycle notifications into durable hook.*
// events and client broadcasts. Recording is best-effort: a failed append
// is logged, never surfaced to the hook engine.
func HookRecorder(db *storage.DB, pub runner.Publisher) hooks.RecordFunc {
	log := logger.Component("gateway")
	return func(sessionID string, eventType storage.EventType, payload *storage.HookLifecyclePayload) {
		if sessionID != "" && db != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := db.Append(ctx, storage.AppendRequest{
				SessionID: sessionID,
				Type:      eventType,
				Payload:   payload,
			}); err != nil {
				log.Warn().Err(err).
					Str("session", sessionID).
					Str("hook", payload.HookName).
					Msg("hook lifecycle not recorded")
			}
			cancel()
		}
		if pub != nil {
			pub.Publish(sessionID, string(eventType), payload)
		}
	}
}
