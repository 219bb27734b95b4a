package dispatch

import (
	"strings"
	"testing"
	"time"

	"discord-join-notifier/pkg/joinwatch"
)

func TestFormatJoinMessage(t *testing.T) {
	rec := &joinwatch.JoinRecord{
		SubjectID:   "42",
		CommunityID: "100",
		ObservedAt:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Source:      joinwatch.SourceEventStream,
		Confidence:  joinwatch.ConfidenceConfirmed,
		Snapshot: joinwatch.Snapshot{
			Username:         "ana",
			DisplayName:      "Ana",
			AccountCreatedAt: time.Now().Add(-3 * 24 * time.Hour),
		},
	}

	msg := FormatJoinMessage(rec, "Test Guild")
	for _, want := range []string{"New Member Joined", "Ana (@ana)", "Test Guild", "3 days", "event stream"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "inferred") {
		t.Error("confirmed detection should not be marked inferred")
	}
}

func TestFormatJoinMessageInferred(t *testing.T) {
	rec := &joinwatch.JoinRecord{
		ObservedAt: time.Now(),
		Source:     joinwatch.HeuristicSource("activity-pattern"),
		Confidence: joinwatch.ConfidenceInferred,
		Snapshot:   joinwatch.Snapshot{Username: "rio"},
	}

	msg := FormatJoinMessage(rec, "Test Guild")
	if !strings.Contains(msg, "heuristic activity-pattern") {
		t.Errorf("message missing strategy label:\n%s", msg)
	}
	if !strings.Contains(msg, "(inferred)") {
		t.Errorf("inferred detection should be flagged:\n%s", msg)
	}
	if strings.Contains(msg, "Account Age") {
		t.Error("unknown account age should be omitted")
	}
}

func TestFormatDeliveryFailure(t *testing.T) {
	rec := &joinwatch.JoinRecord{
		SubjectID:  "42",
		ObservedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Source:     joinwatch.SourceEventStream,
	}

	msg := FormatDeliveryFailure(rec, "Test Guild", 3)
	for _, want := range []string{"Delivery Failed", "Test Guild", "3 attempts", "42"} {
		if !strings.Contains(msg, want) {
			t.Errorf("notice missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want string
	}{
		{30 * time.Minute, "30 minutes"},
		{5 * time.Hour, "5 hours"},
		{72 * time.Hour, "3 days"},
		{365 * 24 * time.Hour, "1 years"},
		{400 * 24 * time.Hour, "1 years, 35 days"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.age); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.age, got, tt.want)
		}
	}
}
