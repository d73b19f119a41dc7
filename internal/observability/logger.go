package observability

import (
	"sync"

	"github.com/danmuck/nsbus/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	initLoggerOnce sync.Once
	appLogger      zerolog.Logger
)

// InitLogger applies the runtime logging profile and tags the global logger
// with the process name. Only the first call takes effect.
func InitLogger(app string) zerolog.Logger {
	initLoggerOnce.Do(func() {
		logging.ConfigureRuntime()
		appLogger = log.Logger.With().Str("app", app).Logger()
		log.Logger = appLogger
	})
	return appLogger
}
