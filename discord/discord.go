// Package discord is a minimal client for the slice of the Discord REST API
// the watcher consumes: guild discovery, guild counts, channel listings,
// recent messages, and direct messages to the notification target.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	apiBase = "https://discord.com/api/v10"

	// discordEpoch is the snowflake epoch in milliseconds (2015-01-01T00:00:00Z).
	discordEpoch = 1420070400000
)

// Guild is a community as reported by the platform. The approximate counts are
// only present when requested with_counts.
type Guild struct {
	ID                       string `json:"id"`
	Name                     string `json:"name"`
	MemberCount              int    `json:"member_count"`
	ApproximateMemberCount   int    `json:"approximate_member_count"`
	ApproximatePresenceCount int    `json:"approximate_presence_count"`
}

// Channel is a guild channel. Type 0 is a text channel.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

// User is a message author.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
	Bot        bool   `json:"bot"`
}

// Message is a channel message. Type 7 is the platform's "member joined"
// system announcement. Timestamp is the raw RFC3339 string.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Author    User   `json:"author"`
	Type      int    `json:"type"`
}

// ForbiddenError indicates a 403 response (no access to the resource).
type ForbiddenError struct {
	URL string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("HTTP 404 Not Found: %s", e.URL)
}

// RateLimitedError indicates a 429 response or an active client-side cooldown.
type RateLimitedError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("HTTP 429 rate limited: %s (retry after %s)", e.URL, e.RetryAfter)
}

// IsForbidden checks if an error is a 403 error.
func IsForbidden(err error) bool {
	var forbidden *ForbiddenError
	return errors.As(err, &forbidden)
}

// IsNotFound checks if an error is a 404 error.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// IsRateLimited checks if an error is a rate-limit error.
func IsRateLimited(err error) bool {
	var limited *RateLimitedError
	return errors.As(err, &limited)
}

// Client talks to the Discord REST API. A 429 response puts the whole client
// into a cooldown so callers back off together instead of hammering the API.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	token      string
	baseURL    string

	mu            sync.Mutex
	cooldownUntil time.Time
	dmChannels    map[string]string
}

// New creates a new client. The token is sent verbatim in the Authorization
// header (prefix with "Bot " for bot identities).
func New(httpClient *http.Client, token string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		token:      token,
		baseURL:    apiBase,
		dmChannels: make(map[string]string),
	}
}

// Guilds lists the guilds visible to the monitoring identity.
func (c *Client) Guilds(ctx context.Context) ([]*Guild, error) {
	var guilds []*Guild
	if err := c.get(ctx, "/users/@me/guilds", &guilds); err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	return guilds, nil
}

// GuildWithCounts fetches guild metadata including the approximate member and
// presence counts.
func (c *Client) GuildWithCounts(ctx context.Context, guildID string) (*Guild, error) {
	var guild Guild
	if err := c.get(ctx, "/guilds/"+guildID+"?with_counts=true", &guild); err != nil {
		return nil, fmt.Errorf("fetch guild %s: %w", guildID, err)
	}
	return &guild, nil
}

// Channels lists the channels of a guild.
func (c *Client) Channels(ctx context.Context, guildID string) ([]*Channel, error) {
	var channels []*Channel
	if err := c.get(ctx, "/guilds/"+guildID+"/channels", &channels); err != nil {
		return nil, fmt.Errorf("list channels of guild %s: %w", guildID, err)
	}
	return channels, nil
}

// RecentMessages fetches the most recent messages of a channel, newest first.
func (c *Client) RecentMessages(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	var messages []*Message
	path := fmt.Sprintf("/channels/%s/messages?limit=%d", channelID, limit)
	if err := c.get(ctx, path, &messages); err != nil {
		return nil, fmt.Errorf("fetch messages of channel %s: %w", channelID, err)
	}
	return messages, nil
}

// SendDirectMessage sends a direct message to a user. The DM channel is
// created on first use and cached per recipient.
func (c *Client) SendDirectMessage(ctx context.Context, userID, content string) error {
	channelID, err := c.dmChannel(ctx, userID)
	if err != nil {
		return fmt.Errorf("open DM channel to %s: %w", userID, err)
	}

	payload := map[string]string{"content": content}
	if err := c.post(ctx, "/channels/"+channelID+"/messages", payload, nil); err != nil {
		return fmt.Errorf("send DM to %s: %w", userID, err)
	}
	return nil
}

func (c *Client) dmChannel(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	channelID, ok := c.dmChannels[userID]
	c.mu.Unlock()
	if ok {
		return channelID, nil
	}

	var channel Channel
	payload := map[string]string{"recipient_id": userID}
	if err := c.post(ctx, "/users/@me/channels", payload, &channel); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.dmChannels[userID] = channel.ID
	c.mu.Unlock()
	return channel.ID, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	fullURL := c.baseURL + path

	return retry.Do(
		func() error {
			if remaining := c.cooldown(); remaining > 0 {
				return retry.Unrecoverable(&RateLimitedError{URL: fullURL, RetryAfter: remaining})
			}

			var reader io.Reader = http.NoBody
			if body != nil {
				reader = bytes.NewReader(body)
			}

			req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Authorization", c.token)
			req.Header.Set("User-Agent", "discord-join-notifier/1.0")
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			startTime := time.Now()
			resp, err := c.httpClient.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("HTTP request failed, will retry",
					"method", method,
					"url", fullURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			switch resp.StatusCode {
			case http.StatusForbidden:
				return retry.Unrecoverable(&ForbiddenError{URL: fullURL})
			case http.StatusNotFound:
				return retry.Unrecoverable(&NotFoundError{URL: fullURL})
			case http.StatusTooManyRequests:
				retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
				c.pause(retryAfter)
				c.logger.Warn("Rate limited by remote, pausing remote calls",
					"url", fullURL,
					"retry_after", retryAfter.String())
				return retry.Unrecoverable(&RateLimitedError{URL: fullURL, RetryAfter: retryAfter})
			}

			if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
				c.logger.Warn("HTTP request returned non-OK status, will retry",
					"url", fullURL,
					"status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			c.logger.Debug("HTTP request completed",
				"method", method,
				"url", fullURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying request after error", "attempt", n, "url", fullURL, "error", err)
		}),
	)
}

// cooldown returns the remaining client-side pause, or zero if calls may proceed.
func (c *Client) cooldown() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining := time.Until(c.cooldownUntil); remaining > 0 {
		return remaining
	}
	return 0
}

func (c *Client) pause(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until := time.Now().Add(d); until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
}

func parseRetryAfter(header string) time.Duration {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(header), 64)
	if err != nil || seconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(seconds * float64(time.Second))
}

// SnowflakeTime extracts the creation time embedded in a platform ID. The
// second return is false for IDs that are not plain decimal snowflakes.
func SnowflakeTime(id string) (time.Time, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}, false
	}
	millis := int64(n>>22) + discordEpoch
	return time.UnixMilli(millis).UTC(), true
}
