package bot

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmusic/flow/pkg/client"
	"github.com/flowmusic/flow/pkg/ipc"
)

// recorder is a transport that keeps everything the client sends.
type recorder struct {
	mu   sync.Mutex
	sent []ipc.Envelope
	done chan struct{}
	once sync.Once
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) Send(env ipc.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) Receive() (ipc.Envelope, error) {
	<-r.done
	return ipc.Envelope{}, io.EOF
}

func (r *recorder) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *recorder) count(t ipc.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.sent {
		if env.Type == t {
			n++
		}
	}
	return n
}

type fakeVoice struct {
	mu       sync.Mutex
	deafened []string
	left     []string
}

func (f *fakeVoice) deafen(_ *discordgo.Session, guildID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deafened = append(f.deafened, guildID)
	return nil
}

func (f *fakeVoice) leave(_ *discordgo.Session, guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, guildID)
	return nil
}

type fakeAudio struct {
	mu      sync.Mutex
	stopped []string
}

func (a *fakeAudio) Stop(_ context.Context, guildID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = append(a.stopped, guildID)
	return nil
}

func newTestBot(t *testing.T, shards []int) (*Bot, *recorder, *fakeVoice, *fakeAudio) {
	t.Helper()

	rec := newRecorder()
	c := client.New(ipc.Env{
		ClusterID:    2,
		ClusterCount: 3,
		ShardList:    shards,
		TotalShards:  6,
		Token:        "abc",
		QueueMode:    ipc.QueueAuto,
	}, rec, nil)

	audio := &fakeAudio{}
	b, err := New(c, Options{IdentifyDelay: -1, StatsInterval: time.Hour, Audio: audio})
	require.NoError(t, err)

	voice := &fakeVoice{}
	b.voice = voice
	b.open = func(s *discordgo.Session) error {
		go b.onReady(s.ShardID)(s, &discordgo.Ready{})
		return nil
	}
	b.close = func(*discordgo.Session) error { return nil }
	return b, rec, voice, audio
}

func TestNewCreatesSessionPerShard(t *testing.T) {
	b, _, _, _ := newTestBot(t, []int{5, 4})

	assert.Equal(t, []int{4, 5}, b.Shards())
	require.Len(t, b.sessions, 2)
	for _, shard := range []int{4, 5} {
		s := b.sessions[shard]
		assert.Equal(t, shard, s.ShardID)
		assert.Equal(t, 6, s.ShardCount)
		assert.Equal(t, DefaultIntents, s.Identify.Intents)
		assert.Equal(t, "Bot abc", s.Token)
	}
}

func TestNewWithoutShards(t *testing.T) {
	c := client.New(ipc.Env{TotalShards: 1}, newRecorder(), nil)
	_, err := New(c, Options{})
	assert.ErrorIs(t, err, ErrNoShards)
}

func TestRunSignalsReadyOnce(t *testing.T) {
	b, rec, _, _ := newTestBot(t, []int{4, 5})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, b.Ready, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return rec.count(ipc.CustomMessage) == 1 }, 2*time.Second, 10*time.Millisecond)

	// a reconnecting shard does not report ready again
	b.shardReady(4)
	assert.Equal(t, 1, rec.count(ipc.ClientReady))

	cancel()
	assert.NoError(t, <-done)
}

func TestRunWaitsForEveryShard(t *testing.T) {
	b, rec, _, _ := newTestBot(t, []int{0, 1})
	b.shardReady(0)

	assert.False(t, b.Ready())
	assert.Zero(t, rec.count(ipc.ClientReady))

	b.shardReady(1)
	assert.True(t, b.Ready())
	assert.Equal(t, 1, rec.count(ipc.ClientReady))
}

func TestReadyAdvancesManualQueue(t *testing.T) {
	rec := newRecorder()
	c := client.New(ipc.Env{
		ClusterID:    0,
		ClusterCount: 2,
		ShardList:    []int{0, 1},
		TotalShards:  4,
		QueueMode:    ipc.QueueManual,
	}, rec, nil)
	b, err := New(c, Options{IdentifyDelay: -1, StatsInterval: time.Hour})
	require.NoError(t, err)

	b.shardReady(0)
	assert.Zero(t, rec.count(ipc.ClientSpawnNextCluster))

	b.shardReady(1)
	assert.Equal(t, 1, rec.count(ipc.ClientReady))
	assert.Equal(t, 1, rec.count(ipc.ClientSpawnNextCluster))

	b.shardReady(1)
	assert.Equal(t, 1, rec.count(ipc.ClientSpawnNextCluster))
}

func TestReadyInAutoQueueDoesNotAdvance(t *testing.T) {
	b, rec, _, _ := newTestBot(t, []int{0})
	b.shardReady(0)
	assert.Equal(t, 1, rec.count(ipc.ClientReady))
	assert.Zero(t, rec.count(ipc.ClientSpawnNextCluster))
}

func TestRunOpenFailure(t *testing.T) {
	b, rec, _, _ := newTestBot(t, []int{0, 1})

	closed := 0
	b.open = func(s *discordgo.Session) error {
		if s.ShardID == 1 {
			return errors.New("websocket refused")
		}
		return nil
	}
	b.close = func(*discordgo.Session) error {
		closed++
		return nil
	}

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shard 1")
	assert.Equal(t, 2, closed)
	assert.Zero(t, rec.count(ipc.ClientReady))
}

func TestProcedures(t *testing.T) {
	b, _, _, _ := newTestBot(t, []int{1, 3})
	procs := b.client.Procedures()

	assert.Equal(t, []string{"guildCount", "memory", "playerCount", "shards", "stats"}, procs.Names())

	raw, err := procs.Invoke(context.Background(), ipc.Call{Procedure: "shards"})
	require.NoError(t, err)
	assert.JSONEq(t, "[1,3]", string(raw))

	require.NoError(t, b.sessions[1].State.GuildAdd(&discordgo.Guild{ID: "g1"}))
	raw, err = procs.Invoke(context.Background(), ipc.Call{Procedure: "guildCount"})
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(raw))

	stats := b.Stats()
	assert.Equal(t, 2, stats.Cluster)
	assert.Equal(t, 1, stats.Guilds)
	assert.Zero(t, stats.Players)
	assert.Positive(t, stats.MemoryMB)
}

func member(id string, bot bool) *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: id, Bot: bot}}
}

func voiceSession(t *testing.T, b *Bot, states ...*discordgo.VoiceState) *discordgo.Session {
	t.Helper()
	s := b.sessions[b.shards[0]]
	s.State.User = &discordgo.User{ID: "self"}
	require.NoError(t, s.State.GuildAdd(&discordgo.Guild{ID: "g1", VoiceStates: states}))
	return s
}

func TestSelfJoinDeafensAndTracksPlayer(t *testing.T) {
	b, _, voice, _ := newTestBot(t, []int{0})
	s := voiceSession(t, b)

	b.onVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "g1", ChannelID: "vc1", UserID: "self"},
	})
	assert.Equal(t, map[string]string{"g1": "vc1"}, b.Players())
	assert.Equal(t, []string{"g1"}, voice.deafened)
	assert.Equal(t, 1, b.PlayerCount())

	// already server deafened
	b.onVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "g1", ChannelID: "vc2", UserID: "self", Deaf: true},
	})
	assert.Len(t, voice.deafened, 1)
	assert.Equal(t, "vc2", b.Players()["g1"])

	b.onVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "g1", UserID: "self"},
	})
	assert.Empty(t, b.Players())
}

func TestLastListenerLeavingStopsPlayer(t *testing.T) {
	b, _, voice, audio := newTestBot(t, []int{0})
	s := voiceSession(t, b,
		&discordgo.VoiceState{GuildID: "g1", ChannelID: "vc1", UserID: "self", Member: member("self", true)},
		&discordgo.VoiceState{GuildID: "g1", ChannelID: "vc1", UserID: "music-bot", Member: member("music-bot", true)},
	)
	b.players["g1"] = "vc1"

	b.onVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "g1", UserID: "u1", Member: member("u1", false)},
		BeforeUpdate: &discordgo.VoiceState{GuildID: "g1", ChannelID: "vc1", UserID: "u1"},
	})

	assert.Equal(t, []string{"g1"}, audio.stopped)
	assert.Equal(t, []string{"g1"}, voice.left)
	assert.Empty(t, b.Players())
}

func TestListenerLeavingWithOthersLeftKeepsPlayer(t *testing.T) {
	b, _, voice, audio := newTestBot(t, []int{0})
	s := voiceSession(t, b,
		&discordgo.VoiceState{GuildID: "g1", ChannelID: "vc1", UserID: "self", Member: member("self", true)},
		&discordgo.VoiceState{GuildID: "g1", ChannelID: "vc1", UserID: "u2", Member: member("u2", false)},
	)
	b.players["g1"] = "vc1"

	b.onVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "g1", UserID: "u1", Member: member("u1", false)},
		BeforeUpdate: &discordgo.VoiceState{GuildID: "g1", ChannelID: "vc1", UserID: "u1"},
	})

	assert.Empty(t, audio.stopped)
	assert.Empty(t, voice.left)
	assert.Equal(t, 1, b.PlayerCount())
}

func TestBotLeavingDoesNotStopPlayer(t *testing.T) {
	b, _, voice, _ := newTestBot(t, []int{0})
	s := voiceSession(t, b,
		&discordgo.VoiceState{GuildID: "g1", ChannelID: "vc1", UserID: "self", Member: member("self", true)},
	)
	b.players["g1"] = "vc1"

	b.onVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "g1", UserID: "other-bot", Member: member("other-bot", true)},
		BeforeUpdate: &discordgo.VoiceState{GuildID: "g1", ChannelID: "vc1", UserID: "other-bot"},
	})

	assert.Empty(t, voice.left)
	assert.Equal(t, 1, b.PlayerCount())
}

func TestGuildDeleteStopsPlayer(t *testing.T) {
	b, _, voice, audio := newTestBot(t, []int{0})
	s := b.sessions[0]
	b.players["g1"] = "vc1"

	b.onGuildDelete(s, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g1", Unavailable: true}})
	assert.Equal(t, 1, b.PlayerCount())

	b.onGuildDelete(s, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g1"}})
	assert.Empty(t, b.Players())
	assert.Equal(t, []string{"g1"}, audio.stopped)
	assert.Equal(t, []string{"g1"}, voice.left)
}

func TestDiscordLevel(t *testing.T) {
	assert.Equal(t, "error", discordLevel(discordgo.LogError).String())
	assert.Equal(t, "warn", discordLevel(discordgo.LogWarning).String())
	assert.Equal(t, "info", discordLevel(discordgo.LogInformational).String())
	assert.Equal(t, "debug", discordLevel(discordgo.LogDebug).String())
}
