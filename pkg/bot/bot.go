package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/flowmusic/flow/pkg/client"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/log"
	"github.com/flowmusic/flow/pkg/rpc"
)

const (
	// DefaultStatsInterval is how often counters are reported to the manager.
	DefaultStatsInterval = 30 * time.Second
	// DefaultIdentifyDelay spaces shard logins within one cluster.
	DefaultIdentifyDelay = 5 * time.Second
	// DefaultIntents covers guild and voice state events only.
	DefaultIntents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
)

// ErrNoShards is returned when the cluster was given no shards.
var ErrNoShards = errors.New("cluster has no shards")

// AudioNode plays audio for guilds. The bot only needs to stop playback
// when it leaves a channel.
type AudioNode interface {
	Stop(ctx context.Context, guildID string) error
}

// Options configures a Bot.
type Options struct {
	Intents       discordgo.Intent
	StatsInterval time.Duration
	IdentifyDelay time.Duration
	Activity      string
	Audio         AudioNode
}

// Bot runs the Discord shards of one cluster.
type Bot struct {
	client *client.Client
	opts   Options
	logger zerolog.Logger

	shards   []int
	sessions map[int]*discordgo.Session
	voice    voiceControl

	open  func(*discordgo.Session) error
	close func(*discordgo.Session) error

	mu      sync.Mutex
	ready   map[int]bool
	players map[string]string // guild id -> voice channel id
	readyAt time.Time
}

// New creates one session per shard the cluster owns and registers the
// bot's procedures on c.
func New(c *client.Client, opts Options) (*Bot, error) {
	env := c.Env()
	if len(env.ShardList) == 0 {
		return nil, ErrNoShards
	}
	if opts.Intents == 0 {
		opts.Intents = DefaultIntents
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	if opts.IdentifyDelay == 0 {
		opts.IdentifyDelay = DefaultIdentifyDelay
	}
	if opts.Activity == "" {
		opts.Activity = "/play"
	}

	routeDiscordLogs()

	b := &Bot{
		client:   c,
		opts:     opts,
		logger:   log.WithClusterID("bot", env.ClusterID),
		shards:   append([]int(nil), env.ShardList...),
		sessions: make(map[int]*discordgo.Session, len(env.ShardList)),
		voice:    discordVoice{},
		open:     (*discordgo.Session).Open,
		close:    (*discordgo.Session).Close,
		ready:    make(map[int]bool),
		players:  make(map[string]string),
	}
	sort.Ints(b.shards)

	for _, shard := range b.shards {
		s, err := discordgo.New("Bot " + env.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to create session for shard %d: %w", shard, err)
		}
		s.ShardID = shard
		s.ShardCount = env.TotalShards
		s.LogLevel = discordgo.LogWarning
		s.Identify.Intents = opts.Intents
		s.Identify.LargeThreshold = 500
		s.Identify.Presence = discordgo.GatewayStatusUpdate{
			Status: string(discordgo.StatusOnline),
			Game:   discordgo.Activity{Name: opts.Activity, Type: discordgo.ActivityTypeListening},
		}

		s.AddHandler(b.onReady(shard))
		s.AddHandler(b.onVoiceStateUpdate)
		s.AddHandler(b.onGuildDelete)
		b.sessions[shard] = s
	}

	b.registerProcedures(c.Procedures())
	return b, nil
}

// Run logs every shard in, then reports stats until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	defer b.closeAll()

	for i, shard := range b.shards {
		if i > 0 && b.opts.IdentifyDelay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.opts.IdentifyDelay):
			}
		}
		b.logger.Info().Int("shard_id", shard).Msg("Opening shard")
		if err := b.open(b.sessions[shard]); err != nil {
			return fmt.Errorf("failed to open shard %d: %w", shard, err)
		}
	}

	ticker := time.NewTicker(b.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.reportStats()
		}
	}
}

// Shards returns the shard ids this bot runs.
func (b *Bot) Shards() []int {
	return append([]int(nil), b.shards...)
}

// Ready reports whether every shard received READY.
func (b *Bot) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready) == len(b.shards)
}

// GuildCount returns the guilds cached across all shards.
func (b *Bot) GuildCount() int {
	n := 0
	for _, s := range b.sessions {
		s.State.RLock()
		n += len(s.State.Guilds)
		s.State.RUnlock()
	}
	return n
}

// PlayerCount returns the guilds the bot is connected to voice in.
func (b *Bot) PlayerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.players)
}

// Players returns a copy of the guild to voice channel map.
func (b *Bot) Players() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.players))
	for g, ch := range b.players {
		out[g] = ch
	}
	return out
}

// Stats snapshots the cluster's counters.
func (b *Bot) Stats() ipc.Stats {
	return ipc.Stats{
		Cluster:   b.client.ID(),
		Shards:    b.Shards(),
		Guilds:    b.GuildCount(),
		Players:   b.PlayerCount(),
		MemoryMB:  memoryMB(),
		UpdatedAt: time.Now(),
	}
}

func (b *Bot) registerProcedures(r *rpc.Registry) {
	r.Register("guildCount", rpc.Value(b.GuildCount))
	r.Register("playerCount", rpc.Value(b.PlayerCount))
	r.Register("shards", rpc.Value(b.Shards))
	r.Register("stats", rpc.Value(b.Stats))
	r.Register("memory", rpc.Value(memoryMB))
}

func (b *Bot) onReady(shard int) func(*discordgo.Session, *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		b.logger.Info().Int("shard_id", shard).Int("guilds", len(r.Guilds)).Msg("Shard ready")
		b.shardReady(shard)
	}
}

// shardReady records shard and signals the manager once every shard
// has connected. Reconnects after that are not reported again.
func (b *Bot) shardReady(shard int) {
	b.mu.Lock()
	if !b.readyAt.IsZero() {
		b.mu.Unlock()
		return
	}
	b.ready[shard] = true
	all := len(b.ready) == len(b.shards)
	if all {
		b.readyAt = time.Now()
	}
	b.mu.Unlock()

	if !all {
		return
	}

	b.logger.Info().Int("guilds", b.GuildCount()).Msg("Cluster started")
	if err := b.client.TriggerReady(); err != nil {
		b.logger.Error().Err(err).Msg("Failed to report ready")
	}
	if b.client.Env().QueueMode == ipc.QueueManual {
		if err := b.client.SpawnNextCluster(); err != nil {
			b.logger.Error().Err(err).Msg("Failed to request the next cluster")
		}
	}
	b.reportStats()
}

func (b *Bot) reportStats() {
	if err := b.client.ReportStats(b.Stats()); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to report stats")
	}
}

func (b *Bot) closeAll() {
	for _, shard := range b.shards {
		if err := b.close(b.sessions[shard]); err != nil {
			b.logger.Warn().Err(err).Int("shard_id", shard).Msg("Failed to close shard")
		}
	}
}

func memoryMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}
