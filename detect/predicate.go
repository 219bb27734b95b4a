package detect

import (
	"strings"
	"time"

	"discord-join-notifier/discord"
)

// systemJoinType is the platform's "member joined" system message type.
const systemJoinType = 7

// MessageView is the normalized message shape the join predicates operate on,
// independent of the transport client.
type MessageView struct {
	Timestamp  time.Time
	ID         string
	AuthorID   string
	AuthorName string
	Content    string
	Type       int
	AuthorBot  bool
}

// ViewOf normalizes a transport message. Unparseable timestamps are left zero.
func ViewOf(m *discord.Message) MessageView {
	ts, _ := time.Parse(time.RFC3339, m.Timestamp)
	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	return MessageView{
		ID:         m.ID,
		AuthorID:   m.Author.ID,
		AuthorName: name,
		AuthorBot:  m.Author.Bot,
		Content:    m.Content,
		Type:       m.Type,
		Timestamp:  ts.UTC(),
	}
}

var joinIndicators = []string{
	"joined the server", "joined the guild", "welcome to",
	"has joined", "new member", "member joined",
	"just joined", "welcome @", "joined us",
	"say hello to", "please welcome",
}

var greetingIndicators = []string{
	"hello", "hi everyone", "hey", "greetings", "new here",
	"just joined", "first time", "nice to meet", "glad to be here",
	"excited to join", "thanks for having me", "happy to be here",
}

var newcomerPatterns = []string{
	"just got here", "brand new", "where do i start", "how does this work",
	"what is this place", "im new to this", "never been here before",
	"first day", "just found this",
}

// IsJoinAnnouncement reports whether a message is a system-level join
// announcement or a bot/system text that announces a join.
func IsJoinAnnouncement(m MessageView) bool {
	if m.Type == systemJoinType {
		return true
	}
	content := strings.ToLower(m.Content)
	for _, indicator := range joinIndicators {
		if strings.Contains(content, indicator) {
			return true
		}
	}
	return false
}

// IsIntroduction reports whether a recent, short message reads like an
// introduction from someone who just arrived.
func IsIntroduction(m MessageView, now time.Time) bool {
	if m.Timestamp.IsZero() || now.Sub(m.Timestamp) > 3*time.Minute {
		return false
	}
	content := strings.ToLower(m.Content)
	for _, indicator := range greetingIndicators {
		if strings.Contains(content, indicator) && len(content) < 100 {
			return true
		}
	}
	for _, pattern := range newcomerPatterns {
		if strings.Contains(content, pattern) {
			return true
		}
	}
	return false
}

// IsLowTenureAuthor reports whether the author account was created less than
// a day before the message, judged from its snowflake ID.
func IsLowTenureAuthor(m MessageView, now time.Time) bool {
	created, ok := discord.SnowflakeTime(m.AuthorID)
	if !ok {
		return false
	}
	return now.Sub(created) < 24*time.Hour
}

// IndicatesJoin is the combined predicate used by the activity-pattern
// strategy: system announcements, introductory text, or a brand-new account
// posting recently.
func IndicatesJoin(m MessageView, now time.Time) bool {
	if m.AuthorBot {
		return false
	}
	if IsJoinAnnouncement(m) {
		return true
	}
	if IsIntroduction(m, now) {
		return true
	}
	if !m.Timestamp.IsZero() && now.Sub(m.Timestamp) <= 3*time.Minute && IsLowTenureAuthor(m, now) {
		return true
	}
	return false
}
