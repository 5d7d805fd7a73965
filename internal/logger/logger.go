package logger

import (
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Setup builds the process logger. Dev mode logs at debug level through the console writer.
// level overrides the default when it parses.
func Setup(dev bool, level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if dev {
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(level); err == nil && level != "" {
		lvl = parsed
	}

	logger := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Caller().Logger()
	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(lvl).With().Stack().Logger()
	}
	return logger
}

// GinRequests logs one line per request and attaches a request scoped logger to the request context.
func GinRequests(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		reqLog := logger.With().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Str("addr", c.ClientIP()).
			Logger()
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		evt := reqLog.Info()
		switch {
		case status >= 500:
			evt = reqLog.Error()
		case status >= 400:
			evt = reqLog.Debug()
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.Int("status", status).
			Dur("duration", time.Since(started)).
			Msg("http request")
	}
}
