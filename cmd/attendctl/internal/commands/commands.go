package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"classattend/internal/logger"
	"classattend/internal/store"
)

type Globals struct {
	Debug   bool
	Version string
}

func (g *Globals) logger() zerolog.Logger {
	level := "info"
	if g.Debug {
		level = "debug"
	}
	return logger.Setup(true, level)
}

// Database holds the connection flags shared by commands that touch Postgres.
type Database struct {
	DatabaseURL string        `help:"Postgres connection string" required:"" env:"DATABASE_URL"`
	Timeout     time.Duration `help:"Connect timeout" default:"5s"`
}

func (d Database) open(ctx context.Context) (*store.DB, error) {
	return store.NewDB(ctx, d.DatabaseURL, d.Timeout)
}
