package bot

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/flowmusic/flow/pkg/log"
)

var routeOnce sync.Once

// routeDiscordLogs sends discordgo's internal logging through zerolog.
func routeDiscordLogs() {
	routeOnce.Do(func() {
		logger := log.WithComponent("discordgo")
		discordgo.Logger = func(level, _ int, format string, a ...interface{}) {
			logger.WithLevel(discordLevel(level)).Msg(fmt.Sprintf(format, a...))
		}
	})
}

func discordLevel(level int) zerolog.Level {
	switch level {
	case discordgo.LogError:
		return zerolog.ErrorLevel
	case discordgo.LogWarning:
		return zerolog.WarnLevel
	case discordgo.LogInformational:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
