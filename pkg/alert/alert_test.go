package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/flowmusic/flow/pkg/events"
	"github.com/flowmusic/flow/pkg/metrics"
)

type sent struct {
	hook   Webhook
	params *discordgo.WebhookParams
}

type fakeExecutor struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeExecutor) execute(_ context.Context, hook Webhook, params *discordgo.WebhookParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{hook, params})
	return nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestNotifier(t *testing.T, opts Options) (*Notifier, *fakeExecutor) {
	t.Helper()
	if opts.WebhookURL == "" {
		opts.WebhookURL = "https://discord.com/api/webhooks/111/main-token"
	}
	n, err := New(opts)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	n.exec = exec
	return n, exec
}

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		raw     string
		want    Webhook
		wantErr bool
	}{
		{raw: "https://discord.com/api/webhooks/123/abc", want: Webhook{ID: "123", Token: "abc"}},
		{raw: "https://discord.com/api/v10/webhooks/123/abc/", want: Webhook{ID: "123", Token: "abc"}},
		{raw: "https://discord.com/api/webhooks/123", wantErr: true},
		{raw: "not a url", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseWebhook(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidWebhook)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRequiresWebhook(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoWebhook)

	_, err = New(Options{WebhookURL: "https://discord.com/api/webhooks/1/a", ErrorWebhookURL: "https://example.com"})
	assert.ErrorIs(t, err, ErrInvalidWebhook)
}

func TestNotifyBuildsEmbed(t *testing.T) {
	n, exec := newTestNotifier(t, Options{})

	event := events.New(events.EventClusterDied, 3, "Cluster 3 died.").With("code", "1")
	event.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, n.Notify(context.Background(), event))

	require.Len(t, exec.sent, 1)
	got := exec.sent[0]
	assert.Equal(t, Webhook{ID: "111", Token: "main-token"}, got.hook)
	assert.Equal(t, DefaultUsername, got.params.Username)

	require.Len(t, got.params.Embeds, 1)
	embed := got.params.Embeds[0]
	assert.Equal(t, "cluster.died", embed.Title)
	assert.Equal(t, "Cluster 3 died.", embed.Description)
	assert.Equal(t, colorError, embed.Color)
	assert.Equal(t, "2026-01-02T03:04:05Z", embed.Timestamp)
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "cluster", embed.Fields[0].Name)
	assert.Equal(t, "3", embed.Fields[0].Value)
	assert.Equal(t, "code", embed.Fields[1].Name)
}

func TestErrorsUseErrorWebhook(t *testing.T) {
	n, exec := newTestNotifier(t, Options{ErrorWebhookURL: "https://discord.com/api/webhooks/222/err-token"})

	require.NoError(t, n.Notify(context.Background(), events.New(events.EventClusterError, 0, "boom")))
	require.NoError(t, n.Notify(context.Background(), events.New(events.EventAllReady, events.NoCluster, "all ready")))

	require.Len(t, exec.sent, 2)
	assert.Equal(t, "222", exec.sent[0].hook.ID)
	assert.Equal(t, "111", exec.sent[1].hook.ID)
	assert.Empty(t, exec.sent[1].params.Embeds[0].Fields)
}

func TestNotifyRateLimited(t *testing.T) {
	n, exec := newTestNotifier(t, Options{Rate: rate.Every(time.Hour), Burst: 2})
	before := testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues("dropped"))

	for i := 0; i < 2; i++ {
		require.NoError(t, n.Notify(context.Background(), events.New(events.EventClusterReady, i, "ready")))
	}
	err := n.Notify(context.Background(), events.New(events.EventClusterReady, 2, "ready"))
	assert.ErrorIs(t, err, ErrRateLimited)

	assert.Equal(t, 2, exec.count())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues("dropped")))
}

func TestNotifyExecuteFailure(t *testing.T) {
	n, exec := newTestNotifier(t, Options{})
	exec.err = errors.New("HTTP 404 Not Found")

	err := n.Notify(context.Background(), events.New(events.EventClusterReady, 0, "ready"))
	assert.ErrorContains(t, err, "404")
}

func TestStartForwardsAlertableEvents(t *testing.T) {
	n, exec := newTestNotifier(t, Options{Rate: rate.Inf})

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	require.NoError(t, n.Start(broker))
	assert.Error(t, n.Start(broker))

	broker.Publish(events.New(events.EventDebug, 0, "noise"))
	broker.Publish(events.New(events.EventClusterCreated, 0, "cluster created"))
	broker.Publish(events.New(events.EventClusterSpawned, 0, "Cluster 0 spawned."))
	broker.Publish(events.New(events.EventHeartbeatMissed, 0, "missed"))

	require.Eventually(t, func() bool { return exec.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	n.Stop()
	n.Stop()
	assert.Zero(t, broker.SubscriberCount())

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, "cluster.spawned", exec.sent[0].params.Embeds[0].Title)
	assert.Equal(t, colorWarning, exec.sent[1].params.Embeds[0].Color)
}
