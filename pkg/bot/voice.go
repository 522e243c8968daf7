package bot

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
)

const stopTimeout = 5 * time.Second

// voiceControl performs the voice actions the bot takes on its own.
type voiceControl interface {
	deafen(s *discordgo.Session, guildID, userID string) error
	leave(s *discordgo.Session, guildID string) error
}

type discordVoice struct{}

func (discordVoice) deafen(s *discordgo.Session, guildID, userID string) error {
	return s.GuildMemberDeafen(guildID, userID, true)
}

func (discordVoice) leave(s *discordgo.Session, guildID string) error {
	s.RLock()
	vc, ok := s.VoiceConnections[guildID]
	s.RUnlock()
	if !ok {
		return nil
	}
	return vc.Disconnect()
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || s.State.User == nil {
		return
	}
	botID := s.State.User.ID

	if v.UserID == botID {
		b.trackSelf(s, v.VoiceState)
		return
	}

	channel, ok := b.player(v.GuildID)
	if !ok || v.BeforeUpdate == nil || v.BeforeUpdate.ChannelID != channel {
		return
	}
	if v.ChannelID == channel || isBot(s, v.GuildID, v.UserID, v.Member) {
		return
	}
	if listeners(s, v.GuildID, channel) > 0 {
		return
	}

	b.logger.Info().Str("guild_id", v.GuildID).Str("channel_id", channel).Msg("Voice channel is empty, stopping the player")
	b.stopPlayer(s, v.GuildID)
}

// trackSelf follows the bot's own voice state: joining a channel starts a
// player and the bot keeps itself deafened.
func (b *Bot) trackSelf(s *discordgo.Session, vs *discordgo.VoiceState) {
	b.mu.Lock()
	if vs.ChannelID == "" {
		delete(b.players, vs.GuildID)
	} else {
		b.players[vs.GuildID] = vs.ChannelID
	}
	b.mu.Unlock()

	if vs.ChannelID != "" && !vs.Deaf {
		if err := b.voice.deafen(s, vs.GuildID, vs.UserID); err != nil {
			b.logger.Debug().Err(err).Str("guild_id", vs.GuildID).Msg("Failed to deafen")
		}
	}
}

func (b *Bot) onGuildDelete(s *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	if _, ok := b.player(g.ID); ok {
		b.stopPlayer(s, g.ID)
	}
}

func (b *Bot) player(guildID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.players[guildID]
	return ch, ok
}

func (b *Bot) stopPlayer(s *discordgo.Session, guildID string) {
	if b.opts.Audio != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := b.opts.Audio.Stop(ctx, guildID); err != nil {
			b.logger.Warn().Err(err).Str("guild_id", guildID).Msg("Failed to stop playback")
		}
		cancel()
	}
	if err := b.voice.leave(s, guildID); err != nil {
		b.logger.Warn().Err(err).Str("guild_id", guildID).Msg("Failed to leave voice channel")
	}

	b.mu.Lock()
	delete(b.players, guildID)
	b.mu.Unlock()
}

// listeners counts the non-bot users connected to channelID. Users whose
// member data is not cached count as listeners.
func listeners(s *discordgo.Session, guildID, channelID string) int {
	g, err := s.State.Guild(guildID)
	if err != nil {
		return 1
	}

	s.State.RLock()
	states := append([]*discordgo.VoiceState(nil), g.VoiceStates...)
	s.State.RUnlock()

	n := 0
	for _, vs := range states {
		if vs.ChannelID == channelID && !isBot(s, guildID, vs.UserID, vs.Member) {
			n++
		}
	}
	return n
}

func isBot(s *discordgo.Session, guildID, userID string, m *discordgo.Member) bool {
	if m == nil {
		cached, err := s.State.Member(guildID, userID)
		if err != nil {
			return false
		}
		m = cached
	}
	return m.User != nil && m.User.Bot
}
