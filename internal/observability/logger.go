package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the global logger with app. Call after logging is
// configured.
func InitLogger(app string) zerolog.Logger {
	log.Logger = log.Logger.With().Str("app", app).Logger()
	return log.Logger
}
