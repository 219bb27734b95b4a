package dispatch

import (
	"fmt"
	"strings"
	"time"

	"discord-join-notifier/pkg/joinwatch"
)

// FormatJoinMessage renders the outbound notification for one join record.
func FormatJoinMessage(rec *joinwatch.JoinRecord, communityName string) string {
	var b strings.Builder

	b.WriteString("**New Member Joined**\n")
	name := rec.Snapshot.DisplayName
	if name == "" {
		name = rec.Snapshot.Username
	}
	fmt.Fprintf(&b, "**User:** %s (@%s)\n", name, rec.Snapshot.Username)
	fmt.Fprintf(&b, "**Server:** %s\n", communityName)
	if !rec.Snapshot.AccountCreatedAt.IsZero() {
		fmt.Fprintf(&b, "**Account Age:** %s\n", formatAge(time.Since(rec.Snapshot.AccountCreatedAt)))
	}
	fmt.Fprintf(&b, "**Joined:** %s\n", rec.ObservedAt.Format("Jan 2, 2006 at 15:04 MST"))
	fmt.Fprintf(&b, "**Detection:** %s", sourceLabel(rec.Source))
	if rec.Confidence == joinwatch.ConfidenceInferred {
		b.WriteString(" (inferred)")
	}
	return b.String()
}

// FormatDeliveryFailure renders the operator-facing notice for a record whose
// delivery exhausted all retries.
func FormatDeliveryFailure(rec *joinwatch.JoinRecord, communityName string, attempts int) string {
	return fmt.Sprintf(
		"**Delivery Failed**\nCould not notify about a join in %s after %d attempts.\nSubject: %s, observed %s, source %s.",
		communityName,
		attempts,
		rec.SubjectID,
		rec.ObservedAt.Format(time.RFC3339),
		sourceLabel(rec.Source))
}

func sourceLabel(source joinwatch.Source) string {
	if source == joinwatch.SourceEventStream {
		return "event stream"
	}
	if strategy := source.Strategy(); strategy != "" {
		return "heuristic " + strategy
	}
	return string(source)
}

func formatAge(age time.Duration) string {
	switch {
	case age < time.Hour:
		return fmt.Sprintf("%d minutes", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(age.Hours()))
	case age < 365*24*time.Hour:
		return fmt.Sprintf("%d days", int(age.Hours()/24))
	default:
		years := int(age.Hours() / 24 / 365)
		days := int(age.Hours()/24) % 365
		if days == 0 {
			return fmt.Sprintf("%d years", years)
		}
		return fmt.Sprintf("%d years, %d days", years, days)
	}
}
