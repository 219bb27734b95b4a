// Package joinwatch contains the core domain types for the join notification service.
package joinwatch

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies which producer observed a join candidate.
type Source string

// SourceEventStream marks candidates produced by the push-based gateway listener.
const SourceEventStream Source = "event_stream"

// HeuristicSource builds the source tag for a heuristic detection strategy.
func HeuristicSource(strategy string) Source {
	return Source("heuristic:" + strategy)
}

// Strategy returns the heuristic strategy name, or "" for non-heuristic sources.
func (s Source) Strategy() string {
	name, ok := strings.CutPrefix(string(s), "heuristic:")
	if !ok {
		return ""
	}
	return name
}

// Confidence expresses how certain a candidate is.
type Confidence string

const (
	// ConfidenceConfirmed means the join was reported directly by the platform.
	ConfidenceConfirmed Confidence = "confirmed"
	// ConfidenceInferred means the join was inferred from incomplete signals.
	ConfidenceInferred Confidence = "inferred"
)

// MonitoringMode selects which producers watch a community.
type MonitoringMode string

const (
	ModeEventStream MonitoringMode = "event_stream"
	ModeHeuristic   MonitoringMode = "heuristic"
	ModeBoth        MonitoringMode = "both"
)

// Heuristic reports whether the heuristic detector should poll this mode.
func (m MonitoringMode) Heuristic() bool {
	return m == ModeHeuristic || m == ModeBoth
}

// Community is a monitored community (a Discord guild). Communities are
// created on discovery and soft-excluded rather than deleted.
type Community struct {
	FirstSeenAt time.Time
	UpdatedAt   time.Time
	ID          string
	DisplayName string
	Mode        MonitoringMode
	MemberCount int
	Excluded    bool
}

// Snapshot is a best-effort view of the joining account. Fields may be absent
// for inferred candidates.
type Snapshot struct {
	AccountCreatedAt time.Time
	Username         string
	DisplayName      string
	AvatarURL        string
}

// Candidate is a transient, in-memory join observation. Ownership transfers to
// the guard on Offer; producers must not mutate it afterwards.
type Candidate struct {
	ObservedAt  time.Time
	SubjectID   string
	CommunityID string
	Source      Source
	Confidence  Confidence
	Snapshot    Snapshot
}

// RecordStatus is the delivery state of a persisted join record.
type RecordStatus string

const (
	StatusPending  RecordStatus = "pending"
	StatusRetrying RecordStatus = "retrying"
	StatusSent     RecordStatus = "sent"
	StatusFiltered RecordStatus = "filtered"
	StatusFailed   RecordStatus = "failed"
)

// statusTransitions is the single transition table for record delivery state.
// Sent, filtered and failed are terminal.
var statusTransitions = map[RecordStatus][]RecordStatus{
	StatusPending:  {StatusRetrying, StatusSent, StatusFiltered, StatusFailed},
	StatusRetrying: {StatusRetrying, StatusSent, StatusFiltered, StatusFailed},
}

// CanTransition reports whether a record may move from s to next.
func (s RecordStatus) CanTransition(next RecordStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further delivery attempts may occur.
func (s RecordStatus) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

// JoinRecord is the persisted form of an admitted candidate.
type JoinRecord struct {
	ObservedAt  time.Time
	ID          string
	SubjectID   string
	CommunityID string
	Source      Source
	Confidence  Confidence
	Snapshot    Snapshot
	Status      RecordStatus
	Attempts    int
}

// Notified reports whether a notification was confirmed sent for this record.
func (r *JoinRecord) Notified() bool {
	return r.Status == StatusSent
}

// Marker is the authoritative proof that a notification was sent for a pair,
// independent of join record state.
type Marker struct {
	SentAt       time.Time
	SubjectID    string
	CommunityID  string
	JoinRecordID string
}

// DeliveryOutcome is the result of one dispatch attempt.
type DeliveryOutcome string

const (
	OutcomeSent     DeliveryOutcome = "sent"
	OutcomeFiltered DeliveryOutcome = "filtered"
	OutcomeFailed   DeliveryOutcome = "failed"
)

// syntheticPrefix namespaces placeholder subject IDs. Real Discord account IDs
// are decimal snowflakes, so a prefixed ID can never collide with one.
const syntheticPrefix = "synthetic-"

// SyntheticSubjectID derives a placeholder subject ID for a count-based
// detection with no recoverable identity. seq disambiguates candidates from
// the same poll; stamp disambiguates polls.
func SyntheticSubjectID(communityID string, stamp time.Time, seq int) string {
	return fmt.Sprintf("%s%s-%d-%d", syntheticPrefix, communityID, stamp.UnixMilli(), seq)
}

// IsSyntheticSubject reports whether a subject ID is a placeholder rather than
// a real account.
func IsSyntheticSubject(subjectID string) bool {
	return strings.HasPrefix(subjectID, syntheticPrefix)
}
