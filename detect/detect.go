// Package detect infers member-join events for communities where the
// monitoring identity has no elevated access. Each monitored community gets
// its own polling loop running an ordered set of independent heuristic
// strategies; candidates flow to the guard, which owns deduplication.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"discord-join-notifier/discord"
	"discord-join-notifier/pkg/joinwatch"
)

// Strategy names, in priority order. Priority governs logging and the
// presence-delta gate only; strategies emit independently and the guard
// suppresses cross-strategy duplicates.
const (
	StrategyCountDelta      = "count-delta"
	StrategyActivityPattern = "activity-pattern"
	StrategyPresenceDelta   = "presence-delta"
	StrategyHeartbeat       = "heartbeat"
)

// countFields are the population fields compared by count-delta, in the order
// they are consulted. The presence count belongs to presence-delta only, so a
// single upstream value never fires through two strategies.
var countFields = []string{"approximate_member_count", "member_count"}

const presenceField = "approximate_presence_count"

// maxDeltaPerPoll caps how many synthetic candidates one count jump may emit.
const maxDeltaPerPoll = 25

// Source is the transport surface the detector consumes.
type Source interface {
	GuildWithCounts(ctx context.Context, guildID string) (*discord.Guild, error)
	Channels(ctx context.Context, guildID string) ([]*discord.Channel, error)
	RecentMessages(ctx context.Context, channelID string, limit int) ([]*discord.Message, error)
}

// Store provides community targets and detection baselines.
type Store interface {
	Community(ctx context.Context, communityID string) (*joinwatch.Community, error)
	Communities(ctx context.Context) ([]*joinwatch.Community, error)
	Baseline(ctx context.Context, communityID, strategy, field string) (int64, bool, error)
	SetBaseline(ctx context.Context, communityID, strategy, field string, value int64) error
	ClearDetectionState(ctx context.Context, communityID string) error
}

// Sink receives candidates; in production this is the guard.
type Sink interface {
	Offer(ctx context.Context, cand *joinwatch.Candidate) (bool, error)
}

// Config holds detector configuration.
type Config struct {
	Source       Source
	Store        Store
	Sink         Sink
	Logger       *slog.Logger
	PollInterval time.Duration
	StaleAfter   time.Duration
	// RescanInterval is how often Run re-reads the stored targets to start
	// watchers for communities discovered after startup.
	RescanInterval time.Duration
	MaxChannels    int
	MessageLimit   int
}

// Detector runs the heuristic strategies.
type Detector struct {
	source       Source
	store        Store
	sink         Sink
	logger       *slog.Logger
	pollInterval time.Duration
	staleAfter   time.Duration
	rescanEvery  time.Duration
	maxChannels  int
	messageLimit int
	heartbeats   atomic.Int64
	now          func() time.Time
}

// New creates a detector.
func New(cfg *Config) *Detector {
	d := &Detector{
		source:       cfg.Source,
		store:        cfg.Store,
		sink:         cfg.Sink,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		staleAfter:   cfg.StaleAfter,
		rescanEvery:  cfg.RescanInterval,
		maxChannels:  cfg.MaxChannels,
		messageLimit: cfg.MessageLimit,
		now:          time.Now,
	}
	if d.pollInterval <= 0 {
		d.pollInterval = time.Minute
	}
	if d.staleAfter <= 0 {
		d.staleAfter = 30 * time.Minute
	}
	if d.rescanEvery <= 0 {
		d.rescanEvery = 10 * time.Minute
	}
	if d.maxChannels <= 0 {
		d.maxChannels = 5
	}
	if d.messageLimit <= 0 {
		d.messageLimit = 25
	}
	return d
}

// HeartbeatCount returns how many liveness heartbeats were emitted, for the
// status endpoint.
func (d *Detector) HeartbeatCount() int64 {
	return d.heartbeats.Load()
}

// Run starts one watch loop per heuristic community and rescans the stored
// targets on an interval, so communities discovered or re-included after
// startup get watchers without a restart. Blocks until ctx is cancelled and
// all loops have finished their current poll.
func (d *Detector) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	watched := make(map[string]bool)

	spawn := func() (int, error) {
		communities, err := d.store.Communities(ctx)
		if err != nil {
			return 0, err
		}
		started := 0
		for _, c := range communities {
			mu.Lock()
			skip := c.Excluded || !c.Mode.Heuristic() || watched[c.ID]
			if !skip {
				watched[c.ID] = true
			}
			mu.Unlock()
			if skip {
				continue
			}
			started++
			wg.Add(1)
			go func(c *joinwatch.Community) {
				defer wg.Done()
				d.Watch(ctx, c)
				// A stopped watch frees its slot so re-inclusion
				// restarts it on a later rescan.
				mu.Lock()
				delete(watched, c.ID)
				mu.Unlock()
			}(c)
		}
		return started, nil
	}

	started, err := spawn()
	if err != nil {
		return fmt.Errorf("list communities: %w", err)
	}
	d.logger.Info("Heuristic detector started",
		"communities", started,
		"interval", d.pollInterval.String(),
		"rescan_interval", d.rescanEvery.String())

	rescan := time.NewTicker(d.rescanEvery)
	defer rescan.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-rescan.C:
			added, err := spawn()
			if err != nil {
				d.logger.Warn("Community rescan failed", "error", err)
				continue
			}
			if added > 0 {
				d.logger.Info("Started watchers for new communities", "count", added)
			}
		}
	}
}

// Watch polls one community until ctx is cancelled or the community becomes
// excluded. Start times are jittered so loops don't align their remote calls.
func (d *Detector) Watch(ctx context.Context, community *joinwatch.Community) {
	jitter := rand.N(d.pollInterval)
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	lastSignal := d.now()
	for {
		// Re-read the target so exclusion or mode changes take effect
		// without a restart. A degraded store skips the round.
		current, err := d.store.Community(ctx, community.ID)
		if err != nil {
			d.logger.Warn("Community lookup failed, skipping poll round",
				"community_id", community.ID, "error", err)
		} else {
			if current.Excluded || !current.Mode.Heuristic() {
				d.logger.Info("Community no longer monitored, stopping watch",
					"community_id", community.ID, "excluded", current.Excluded)
				if err := d.store.ClearDetectionState(ctx, community.ID); err != nil {
					d.logger.Warn("Failed to clear detection state",
						"community_id", community.ID, "error", err)
				}
				return
			}

			offered := d.poll(ctx, current)
			if offered > 0 {
				lastSignal = d.now()
			} else if d.now().Sub(lastSignal) > d.staleAfter {
				// Liveness only: proves the loop still runs for this
				// community. Never reaches the guard.
				d.heartbeats.Add(1)
				lastSignal = d.now()
				d.logger.Info("Heartbeat: no detection signal within stale period",
					"community_id", current.ID,
					"community", current.DisplayName,
					"strategy", StrategyHeartbeat,
					"stale_after", d.staleAfter.String())
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs all strategies once for one community and returns how many
// candidates the strategies produced. Duplicates the guard later drops still
// count: the heartbeat tracks detection liveness, not admissions. Each
// strategy is isolated: its failure degrades it to "no signal this round"
// without affecting the others.
func (d *Detector) poll(ctx context.Context, community *joinwatch.Community) int {
	offered := 0

	guild, err := d.source.GuildWithCounts(ctx, community.ID)
	if err != nil {
		d.strategyDegraded(community, StrategyCountDelta, err)
		guild = nil
	}

	countOffered := 0
	if guild != nil {
		countOffered = d.countDelta(ctx, community, guild)
		offered += countOffered
	}

	offered += d.activityPattern(ctx, community)

	// Presence-delta is a secondary signal, consulted only when count-delta
	// saw nothing. Baselines still refresh every poll either way.
	if guild != nil {
		offered += d.presenceDelta(ctx, community, guild, countOffered == 0)
	}

	return offered
}

// countDelta compares population fields against their stored baselines. A
// positive delta of n emits n inferred candidates with synthetic subjects; the
// first field with a positive delta wins emission, but every readable field's
// baseline is refreshed unconditionally.
func (d *Detector) countDelta(ctx context.Context, community *joinwatch.Community, guild *discord.Guild) int {
	offered := 0
	for _, field := range countFields {
		value, ok := fieldValue(guild, field)
		if !ok {
			continue
		}

		baseline, exists, err := d.store.Baseline(ctx, community.ID, StrategyCountDelta, field)
		if err != nil {
			d.logger.Warn("Baseline read failed",
				"community_id", community.ID, "field", field, "error", err)
			continue
		}

		if exists && value > baseline && offered == 0 {
			delta := value - baseline
			d.logger.Info("Member count increased",
				"community_id", community.ID,
				"community", community.DisplayName,
				"strategy", StrategyCountDelta,
				"field", field,
				"previous", baseline,
				"current", value,
				"delta", delta)
			offered = d.emitSynthetic(ctx, community, StrategyCountDelta, field, delta)
		}

		if err := d.store.SetBaseline(ctx, community.ID, StrategyCountDelta, field, value); err != nil {
			d.logger.Warn("Baseline write failed",
				"community_id", community.ID, "field", field, "error", err)
		}
	}
	return offered
}

// presenceDelta applies the count-delta mechanism to the online presence
// count. Emission is gated on emit; the baseline refresh is not.
func (d *Detector) presenceDelta(ctx context.Context, community *joinwatch.Community, guild *discord.Guild, emit bool) int {
	value, ok := fieldValue(guild, presenceField)
	if !ok {
		return 0
	}

	baseline, exists, err := d.store.Baseline(ctx, community.ID, StrategyPresenceDelta, presenceField)
	if err != nil {
		d.logger.Warn("Baseline read failed",
			"community_id", community.ID, "field", presenceField, "error", err)
		return 0
	}

	offered := 0
	if emit && exists && value > baseline {
		delta := value - baseline
		d.logger.Info("Presence count increased",
			"community_id", community.ID,
			"community", community.DisplayName,
			"strategy", StrategyPresenceDelta,
			"previous", baseline,
			"current", value,
			"delta", delta)
		offered = d.emitSynthetic(ctx, community, StrategyPresenceDelta, presenceField, delta)
	}

	if err := d.store.SetBaseline(ctx, community.ID, StrategyPresenceDelta, presenceField, value); err != nil {
		d.logger.Warn("Baseline write failed",
			"community_id", community.ID, "field", presenceField, "error", err)
	}
	return offered
}

func (d *Detector) emitSynthetic(ctx context.Context, community *joinwatch.Community, strategy, field string, delta int64) int {
	if delta > maxDeltaPerPoll {
		d.logger.Warn("Count delta too large, capping synthetic candidates",
			"community_id", community.ID,
			"field", field,
			"delta", delta,
			"cap", maxDeltaPerPoll)
		delta = maxDeltaPerPoll
	}

	now := d.now().UTC()
	offered := 0
	for i := range int(delta) {
		cand := &joinwatch.Candidate{
			SubjectID:   joinwatch.SyntheticSubjectID(community.ID, now, i),
			CommunityID: community.ID,
			ObservedAt:  now,
			Source:      joinwatch.HeuristicSource(strategy),
			Confidence:  joinwatch.ConfidenceInferred,
		}
		if _, err := d.sink.Offer(ctx, cand); err != nil {
			d.logger.Warn("Candidate offer failed",
				"community_id", community.ID, "strategy", strategy, "error", err)
			continue
		}
		offered++
	}
	return offered
}

// activityPattern scans recent messages in a bounded, name-prioritized set of
// channels for join announcements and introductions. Matches carry the real
// author identity.
func (d *Detector) activityPattern(ctx context.Context, community *joinwatch.Community) int {
	channels, err := d.source.Channels(ctx, community.ID)
	if err != nil {
		d.strategyDegraded(community, StrategyActivityPattern, err)
		return 0
	}

	now := d.now().UTC()
	offered := 0
	seen := make(map[string]bool)
	for _, channel := range prioritizeChannels(channels, d.maxChannels) {
		messages, err := d.source.RecentMessages(ctx, channel.ID, d.messageLimit)
		if err != nil {
			// A single unreadable channel degrades only itself.
			d.channelDegraded(community, channel, err)
			continue
		}

		for _, msg := range messages {
			view := ViewOf(msg)
			if view.AuthorID == "" || seen[view.AuthorID] || !IndicatesJoin(view, now) {
				continue
			}
			seen[view.AuthorID] = true

			observedAt := view.Timestamp
			if observedAt.IsZero() {
				observedAt = now
			}
			snap := joinwatch.Snapshot{
				Username:    msg.Author.Username,
				DisplayName: view.AuthorName,
			}
			if created, ok := discord.SnowflakeTime(view.AuthorID); ok {
				snap.AccountCreatedAt = created
			}
			if msg.Author.Avatar != "" {
				snap.AvatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", view.AuthorID, msg.Author.Avatar)
			}

			d.logger.Info("Join activity detected",
				"community_id", community.ID,
				"community", community.DisplayName,
				"strategy", StrategyActivityPattern,
				"channel", channel.Name,
				"subject_id", view.AuthorID,
				"username", snap.Username)

			cand := &joinwatch.Candidate{
				SubjectID:   view.AuthorID,
				CommunityID: community.ID,
				ObservedAt:  observedAt,
				Source:      joinwatch.HeuristicSource(StrategyActivityPattern),
				Confidence:  joinwatch.ConfidenceInferred,
				Snapshot:    snap,
			}
			if _, err := d.sink.Offer(ctx, cand); err != nil {
				d.logger.Warn("Candidate offer failed",
					"community_id", community.ID, "strategy", StrategyActivityPattern, "error", err)
				continue
			}
			offered++
		}
	}
	return offered
}

// channelKeywords rank channels most likely to show new members first.
var channelKeywords = []string{"welcome", "general", "chat", "lobby", "main", "join", "new", "member"}

// prioritizeChannels returns up to limit text channels, keyword matches first
// in keyword order, then the remaining text channels in listing order.
func prioritizeChannels(channels []*discord.Channel, limit int) []*discord.Channel {
	var ranked []*discord.Channel
	taken := make(map[string]bool)
	for _, keyword := range channelKeywords {
		for _, c := range channels {
			if c.Type != 0 || taken[c.ID] {
				continue
			}
			if containsFold(c.Name, keyword) {
				ranked = append(ranked, c)
				taken[c.ID] = true
			}
		}
	}
	for _, c := range channels {
		if c.Type == 0 && !taken[c.ID] {
			ranked = append(ranked, c)
			taken[c.ID] = true
		}
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

func (d *Detector) strategyDegraded(community *joinwatch.Community, strategy string, err error) {
	switch {
	case discord.IsForbidden(err) || discord.IsNotFound(err):
		// Expected for communities where the identity lacks access.
		d.logger.Debug("Strategy has no access this round",
			"community_id", community.ID, "strategy", strategy, "error", err)
	case discord.IsRateLimited(err):
		d.logger.Info("Strategy paused by rate limit",
			"community_id", community.ID, "strategy", strategy, "error", err)
	default:
		d.logger.Warn("Strategy degraded to no signal",
			"community_id", community.ID, "strategy", strategy, "error", err)
	}
}

func (d *Detector) channelDegraded(community *joinwatch.Community, channel *discord.Channel, err error) {
	if discord.IsForbidden(err) || discord.IsNotFound(err) {
		d.logger.Debug("Channel not readable this round",
			"community_id", community.ID, "channel", channel.Name, "error", err)
		return
	}
	d.logger.Warn("Channel scan failed",
		"community_id", community.ID, "channel", channel.Name, "error", err)
}

func fieldValue(guild *discord.Guild, field string) (int64, bool) {
	var value int
	switch field {
	case "approximate_member_count":
		value = guild.ApproximateMemberCount
	case "member_count":
		value = guild.MemberCount
	case presenceField:
		value = guild.ApproximatePresenceCount
	default:
		return 0, false
	}
	if value <= 0 {
		return 0, false
	}
	return int64(value), true
}
