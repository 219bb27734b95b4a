// Package stream adapts push "member joined" events from the elevated-access
// gateway into join candidates. The gateway connection itself belongs to the
// host runtime; this adapter only converts its callbacks into the shared
// candidate shape and hands them to the guard.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"discord-join-notifier/pkg/joinwatch"
)

// Guard admits candidates into persisted state.
type Guard interface {
	Offer(ctx context.Context, cand *joinwatch.Candidate) (bool, error)
}

// Listener converts gateway member-join events into confirmed candidates.
type Listener struct {
	guard  Guard
	logger *slog.Logger
}

// New creates a listener.
func New(guard Guard, logger *slog.Logger) *Listener {
	return &Listener{guard: guard, logger: logger}
}

// OnMemberJoined handles one push event. The callback may run concurrently
// with detector polls; the guard serializes admission. A zero observedAt is
// stamped with the current time.
func (l *Listener) OnMemberJoined(ctx context.Context, communityID, subjectID string, snap joinwatch.Snapshot, observedAt time.Time) error {
	if communityID == "" || subjectID == "" {
		return errors.New("community and subject IDs are required")
	}
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	l.logger.Info("Member join event received",
		"community_id", communityID,
		"subject_id", subjectID,
		"username", snap.Username)

	cand := &joinwatch.Candidate{
		SubjectID:   subjectID,
		CommunityID: communityID,
		ObservedAt:  observedAt,
		Source:      joinwatch.SourceEventStream,
		Confidence:  joinwatch.ConfidenceConfirmed,
		Snapshot:    snap,
	}
	if _, err := l.guard.Offer(ctx, cand); err != nil {
		return err
	}
	return nil
}
