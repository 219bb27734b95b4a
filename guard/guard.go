// Package guard decides, once per (subject, community) pair per dedup window,
// whether a join candidate becomes a persisted record. Both producers, the
// event-stream listener and the heuristic detector, hand their candidates to
// the same guard, which makes it the single choke point for duplicates.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"discord-join-notifier/pkg/joinwatch"
)

// DefaultWindow is the dedup window applied when none is configured.
const DefaultWindow = 24 * time.Hour

// Store performs the atomic marker-then-record admission check.
type Store interface {
	Admit(ctx context.Context, cand *joinwatch.Candidate, window time.Duration) (*joinwatch.JoinRecord, bool, error)
}

// Dispatcher receives admitted records for delivery.
type Dispatcher interface {
	Enqueue(rec *joinwatch.JoinRecord)
}

// Guard admits candidates into persisted state at most once per pair per window.
type Guard struct {
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
	window     time.Duration
}

// New creates a guard. A zero window falls back to DefaultWindow.
func New(store Store, dispatcher Dispatcher, window time.Duration, logger *slog.Logger) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		window:     window,
	}
}

// Offer admits or drops a candidate. Ownership of the candidate transfers to
// the guard. First writer wins when both producers report the same pair;
// confidence is not used to prefer one source over the other once a record
// exists. Returns true when the candidate was admitted and queued.
func (g *Guard) Offer(ctx context.Context, cand *joinwatch.Candidate) (bool, error) {
	if cand.ObservedAt.IsZero() {
		cand.ObservedAt = time.Now().UTC()
	}

	rec, admitted, err := g.store.Admit(ctx, cand, g.window)
	if err != nil {
		// On any ambiguity the candidate counts as not recorded; the next
		// poll can re-derive it. False negatives are tolerable here,
		// fabricated already-sent state is not.
		return false, fmt.Errorf("admit candidate: %w", err)
	}
	if !admitted {
		g.logger.Debug("Duplicate candidate dropped",
			"subject_id", cand.SubjectID,
			"community_id", cand.CommunityID,
			"source", string(cand.Source))
		return false, nil
	}

	g.logger.Info("Join candidate admitted",
		"record_id", rec.ID,
		"subject_id", rec.SubjectID,
		"community_id", rec.CommunityID,
		"source", string(rec.Source),
		"confidence", string(rec.Confidence))

	g.dispatcher.Enqueue(rec)
	return true, nil
}

// Window returns the configured dedup window.
func (g *Guard) Window() time.Duration {
	return g.window
}
