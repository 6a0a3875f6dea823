package notifier

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"lotkeeper/internal/eventbus"
	"lotkeeper/internal/suggest"
	"lotkeeper/internal/task/engine"
)

// Events forwards these bus event types.
var Events = []string{
	eventbus.TypeSuggestionsRegenerated,
	eventbus.TypeLotsCleaned,
	eventbus.TypeTaskFailed,
}

// formatEvent renders e as a message text. ok is false for events that are
// not worth a message.
func formatEvent(e eventbus.Event) (text string, ok bool) {
	switch e.Type {
	case eventbus.TypeSuggestionsRegenerated:
		rep, isRep := e.Data.(suggest.RegenerateReport)
		if !isRep {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Suggestions updated: %d of %d eligible lots", rep.Stored, rep.Eligible)
		if len(rep.ByType) > 0 {
			parts := make([]string, 0, len(rep.ByType))
			for _, k := range slices.Sorted(maps.Keys(rep.ByType)) {
				parts = append(parts, fmt.Sprintf("%s %d", k, rep.ByType[k]))
			}
			fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
		}
		fmt.Fprintf(&b, " in %s", rep.Took.Round(time.Millisecond))
		return b.String(), true

	case eventbus.TypeLotsCleaned:
		n, isInt := e.Data.(int)
		if !isInt || n == 0 {
			return "", false
		}
		return fmt.Sprintf("Cleanup removed %d depleted lots", n), true

	case eventbus.TypeTaskFailed:
		ev, isTask := e.Data.(engine.TaskEvent)
		if !isTask {
			return "", false
		}
		return fmt.Sprintf("Task %s failed after %d attempt(s): %s", ev.Name, ev.Attempts, ev.Error), true
	}
	return "", false
}
