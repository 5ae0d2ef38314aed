package memory

import (
	"context"
	"fmt"

	"loom/internal/hooks"
)

// RegisterHandoffHooks wires the store into the hook engine so handoff
// entries are written at the two points a session loses context: before a
// compaction replaces older messages, and when the session stops. Both
// handlers observe only; they never block the triggering action.
func RegisterHandoffHooks(registry *hooks.Registry, store *Store) error {
	err := registry.Register(&hooks.Registration{
		Name:     "memory.compaction_handoff",
		Type:     hooks.PreCompact,
		Priority: -100, // run after any vetting hooks
		Source:   "builtin",
		Handler: func(ctx context.Context, hc *hooks.Context) (*hooks.Result, error) {
			if hc.Compact == nil {
				return hooks.Continue(), nil
			}
			content := fmt.Sprintf(
				"Context compacted: %d messages summarized, %d -> %d tokens. Full detail remains in the event log before the compaction boundary.",
				hc.Compact.MessagesRemoved, hc.Compact.TokensBefore, hc.Compact.TokensAfter,
			)
			if _, err := store.AddEntry(ctx, Entry{
				Content:   content,
				Source:    "compaction",
				SessionID: hc.SessionID,
				Category:  CategoryHandoff,
			}); err != nil {
				store.log.Warn().Err(err).Str("session", hc.SessionID).Msg("compaction handoff not stored")
			}
			return hooks.Continue(), nil
		},
	})
	if err != nil {
		return err
	}

	return registry.Register(&hooks.Registration{
		Name:   "memory.session_handoff",
		Type:   hooks.Stop,
		Mode:   hooks.ModeBackground,
		Source: "builtin",
		Handler: func(ctx context.Context, hc *hooks.Context) (*hooks.Result, error) {
			content := "Session ended. Resume from the event log or fork from its last event."
			if hc.Note != "" {
				content = fmt.Sprintf("Session ended (%s). Resume from the event log or fork from its last event.", hc.Note)
			}
			_, err := store.AddEntry(ctx, Entry{
				Content:   content,
				Source:    "session_end",
				SessionID: hc.SessionID,
				Category:  CategoryHandoff,
			})
			return hooks.Continue(), err
		},
	})
}
