package alert

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/flowmusic/flow/pkg/events"
	"github.com/flowmusic/flow/pkg/log"
	"github.com/flowmusic/flow/pkg/manager"
	"github.com/flowmusic/flow/pkg/metrics"
)

const (
	DefaultUsername = "Flow Manager"
	DefaultBurst    = 5
	sendTimeout     = 10 * time.Second
)

// DefaultRate is the sustained alert rate per webhook.
var DefaultRate = rate.Every(2 * time.Second)

var (
	// ErrNoWebhook is returned when no webhook URL is configured.
	ErrNoWebhook = errors.New("no webhook configured")
	// ErrInvalidWebhook is returned for URLs that are not Discord webhooks.
	ErrInvalidWebhook = errors.New("invalid webhook url")
	// ErrRateLimited is returned when an alert is dropped by the limiter.
	ErrRateLimited = errors.New("alert rate limited")
)

const (
	colorInfo    = 0x3498db
	colorSuccess = 0x2ecc71
	colorWarning = 0xf1c40f
	colorError   = 0xe74c3c
)

// Webhook identifies a Discord webhook.
type Webhook struct {
	ID    string
	Token string
}

// ParseWebhook extracts the id and token from a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func ParseWebhook(raw string) (Webhook, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Webhook{}, fmt.Errorf("%w: %q", ErrInvalidWebhook, raw)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return Webhook{ID: parts[i+1], Token: parts[i+2]}, nil
		}
	}
	return Webhook{}, fmt.Errorf("%w: %q", ErrInvalidWebhook, raw)
}

// Options configures a Notifier.
type Options struct {
	WebhookURL string
	// ErrorWebhookURL receives failures instead of WebhookURL when set.
	ErrorWebhookURL string
	Username        string
	Rate            rate.Limit
	Burst           int
}

type executor interface {
	execute(ctx context.Context, hook Webhook, params *discordgo.WebhookParams) error
}

type discordExecutor struct {
	session *discordgo.Session
}

func (d discordExecutor) execute(ctx context.Context, hook Webhook, params *discordgo.WebhookParams) error {
	_, err := d.session.WebhookExecute(hook.ID, hook.Token, false, params, discordgo.WithContext(ctx))
	return err
}

// Notifier posts manager events to Discord webhooks.
type Notifier struct {
	hook      Webhook
	errorHook *Webhook
	username  string
	limiter   *rate.Limiter
	exec      executor
	logger    zerolog.Logger

	mu     sync.Mutex
	broker *events.Broker
	sub    events.Subscriber
	done   chan struct{}
}

// New validates the webhook URLs and creates a notifier.
func New(opts Options) (*Notifier, error) {
	if opts.WebhookURL == "" {
		return nil, ErrNoWebhook
	}
	hook, err := ParseWebhook(opts.WebhookURL)
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		hook:     hook,
		username: opts.Username,
		logger:   log.WithComponent("alert"),
	}
	if opts.ErrorWebhookURL != "" {
		eh, err := ParseWebhook(opts.ErrorWebhookURL)
		if err != nil {
			return nil, err
		}
		n.errorHook = &eh
	}
	if n.username == "" {
		n.username = DefaultUsername
	}
	if opts.Rate == 0 {
		opts.Rate = DefaultRate
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	n.limiter = rate.NewLimiter(opts.Rate, opts.Burst)

	session, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	n.exec = discordExecutor{session: session}
	return n, nil
}

// Build subscribes the notifier to the manager's events.
func (n *Notifier) Build(m *manager.Manager) error {
	return n.Start(m.Events())
}

// Start consumes events from broker until Stop.
func (n *Notifier) Start(broker *events.Broker) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sub != nil {
		return errors.New("alert notifier already started")
	}
	n.broker = broker
	n.sub = broker.Subscribe()
	n.done = make(chan struct{})

	go n.run(n.sub, n.done)
	return nil
}

// Stop unsubscribes and waits for in-flight alerts.
func (n *Notifier) Stop() {
	n.mu.Lock()
	sub, broker, done := n.sub, n.broker, n.done
	n.sub = nil
	n.mu.Unlock()

	if sub == nil {
		return
	}
	broker.Unsubscribe(sub)
	<-done
}

func (n *Notifier) run(sub events.Subscriber, done chan struct{}) {
	defer close(done)

	for event := range sub {
		if !alertable(event.Type) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := n.Notify(ctx, event); err != nil && !errors.Is(err, ErrRateLimited) {
			n.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to send alert")
		}
		cancel()
	}
}

// Notify posts one event. Events beyond the rate limit are dropped.
func (n *Notifier) Notify(ctx context.Context, event *events.Event) error {
	if !n.limiter.Allow() {
		metrics.AlertsTotal.WithLabelValues("dropped").Inc()
		return ErrRateLimited
	}

	hook := n.hook
	if severity(event.Type) == colorError && n.errorHook != nil {
		hook = *n.errorHook
	}

	if err := n.exec.execute(ctx, hook, n.params(event)); err != nil {
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to execute webhook: %w", err)
	}
	metrics.AlertsTotal.WithLabelValues("sent").Inc()
	return nil
}

func (n *Notifier) params(event *events.Event) *discordgo.WebhookParams {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	embed := &discordgo.MessageEmbed{
		Title:       string(event.Type),
		Description: event.Message,
		Color:       severity(event.Type),
		Timestamp:   ts.UTC().Format(time.RFC3339),
	}
	if event.ClusterID != events.NoCluster {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "cluster", Value: strconv.Itoa(event.ClusterID), Inline: true,
		})
	}

	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: k, Value: event.Metadata[k], Inline: true,
		})
	}

	return &discordgo.WebhookParams{
		Username: n.username,
		Embeds:   []*discordgo.MessageEmbed{embed},
	}
}

func alertable(t events.EventType) bool {
	switch t {
	case events.EventClusterCreated, events.EventClusterRequest,
		events.EventClusterMessage, events.EventDebug:
		return false
	}
	return true
}

func severity(t events.EventType) int {
	switch t {
	case events.EventClusterDied, events.EventClusterError,
		events.EventRestartsExhausted, events.EventHeartbeatViolation:
		return colorError
	case events.EventHeartbeatMissed, events.EventClusterKilled, events.EventMaintenance:
		return colorWarning
	case events.EventClusterReady, events.EventAllReady:
		return colorSuccess
	default:
		return colorInfo
	}
}
