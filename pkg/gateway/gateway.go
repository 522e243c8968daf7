package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/flowmusic/flow/pkg/log"
)

// DefaultGuildsPerShard matches the gateway's own recommendation.
const DefaultGuildsPerShard = 1000

var (
	// ErrMissingToken is returned when no token is given.
	ErrMissingToken = errors.New("discord token missing")
	// ErrInvalidToken is returned when the gateway rejects the token.
	ErrInvalidToken = errors.New("discord token invalid")
)

var botPrefix = regexp.MustCompile(`(?i)^Bot\s*`)

// SessionStartLimit is the identify budget of a token.
type SessionStartLimit struct {
	Total          int
	Remaining      int
	ResetAfter     time.Duration
	MaxConcurrency int
}

// Info is the gateway's answer for a bot token.
type Info struct {
	URL               string
	Shards            int
	SessionStartLimit SessionStartLimit
}

type fetchFunc func(ctx context.Context, token string) (*discordgo.GatewayBotResponse, error)

// Client queries the bot gateway endpoint.
type Client struct {
	GuildsPerShard int

	fetch  fetchFunc
	logger zerolog.Logger
}

// NewClient returns a client using the Discord REST API.
func NewClient() *Client {
	return &Client{
		GuildsPerShard: DefaultGuildsPerShard,
		fetch:          fetchGatewayBot,
		logger:         log.WithComponent("gateway"),
	}
}

// Fetch asks the gateway how many shards token should run. The count is
// scaled to GuildsPerShard.
func (c *Client) Fetch(ctx context.Context, token string) (Info, error) {
	token = botPrefix.ReplaceAllString(token, "")
	if token == "" {
		return Info{}, ErrMissingToken
	}

	resp, err := c.fetch(ctx, token)
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.Is(err, discordgo.ErrUnauthorized) ||
			(errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusUnauthorized) {
			return Info{}, ErrInvalidToken
		}
		return Info{}, fmt.Errorf("failed to fetch gateway information: %w", err)
	}

	perShard := c.GuildsPerShard
	if perShard <= 0 {
		perShard = DefaultGuildsPerShard
	}

	return Info{
		URL:    resp.URL,
		Shards: (resp.Shards*1000 + perShard - 1) / perShard,
		SessionStartLimit: SessionStartLimit{
			Total:          resp.SessionStartLimit.Total,
			Remaining:      resp.SessionStartLimit.Remaining,
			ResetAfter:     time.Duration(resp.SessionStartLimit.ResetAfter) * time.Millisecond,
			MaxConcurrency: resp.SessionStartLimit.MaxConcurrency,
		},
	}, nil
}

// RecommendedShards fetches the shard count and logs the remaining
// session start budget.
func (c *Client) RecommendedShards(ctx context.Context, token string) (int, error) {
	info, err := c.Fetch(ctx, token)
	if err != nil {
		return 0, err
	}

	c.logger.Info().
		Int("remaining", info.SessionStartLimit.Remaining).
		Int("total", info.SessionStartLimit.Total).
		Dur("reset_after", info.SessionStartLimit.ResetAfter).
		Int("max_concurrency", info.SessionStartLimit.MaxConcurrency).
		Msg("Session start limit")
	c.logger.Info().Int("shards", info.Shards).Msg("Using recommended shard count")

	return info.Shards, nil
}

func fetchGatewayBot(ctx context.Context, token string) (*discordgo.GatewayBotResponse, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return s.GatewayBot(discordgo.WithContext(ctx))
}
