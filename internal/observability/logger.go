package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the configured global logger with the node name and
// returns it for components that take an explicit logger.
func InitLogger(app, node string) zerolog.Logger {
	logger := log.Logger.With().Str("app", app).Str("node", node).Logger()
	log.Logger = logger
	return logger
}
