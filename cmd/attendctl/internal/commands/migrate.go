package commands

import (
	"context"
	"fmt"

	"classattend/internal/store"
)

type MigrateCmd struct {
	Database
}

func (m *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	log := globals.logger()
	db, err := m.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(db.Client); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	version, err := store.MigrationVersion(db.Client)
	if err != nil {
		return err
	}
	log.Info().Int64("version", version).Msg("database is up to date")
	return nil
}
