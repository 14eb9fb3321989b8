package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
)

// FormatSlot formats a slot as a human-readable status line.
func FormatSlot(slot chat.ModelSlot) string {
	switch slot.Status {
	case chat.StatusPending:
		return fmt.Sprintf("  ○ %s (pending)", slot.Model)
	case chat.StatusStreaming:
		return fmt.Sprintf("  ● %s... %d chars", slot.Model, len(slot.Content))
	case chat.StatusComplete:
		return fmt.Sprintf("  ✓ %s complete in %s", slot.Model, formatElapsed(slot.Elapsed))
	case chat.StatusFailed:
		msg := "unknown error"
		if slot.Err != nil {
			msg = slot.Err.Error()
		}
		return fmt.Sprintf("  ✗ %s failed: %s", slot.Model, msg)
	default:
		return fmt.Sprintf("  ? %s (unknown status)", slot.Model)
	}
}

// FormatSummary formats a header line for an exchange.
// Returns: "[{conversation}] {done}/{total} models finished"
func FormatSummary(conversation string, slots []chat.ModelSlot) string {
	done := 0
	for _, s := range slots {
		if s.Status.IsTerminal() {
			done++
		}
	}
	return fmt.Sprintf("[%s] %d/%d models finished", conversation, done, len(slots))
}

// FormatBoard renders one status line per slot.
func FormatBoard(slots []chat.ModelSlot) string {
	lines := make([]string, len(slots))
	for i, s := range slots {
		lines[i] = FormatSlot(s)
	}
	return strings.Join(lines, "\n")
}

func formatElapsed(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
