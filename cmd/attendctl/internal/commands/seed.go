package commands

import (
	"context"
	"os"

	"classattend/internal/attendance"
	"classattend/internal/store"
)

type SeedCmd struct {
	Database
	File    string `arg:"" help:"Roster JSON file" type:"existingfile"`
	Migrate bool   `help:"Apply migrations before seeding" default:"true" negatable:""`
}

func (s *SeedCmd) Run(ctx context.Context, globals *Globals) error {
	log := globals.logger()

	f, err := os.Open(s.File)
	if err != nil {
		return err
	}
	defer f.Close()
	entries, err := attendance.ReadRoster(f)
	if err != nil {
		return err
	}

	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	if s.Migrate {
		if err := store.Migrate(db.Client); err != nil {
			return err
		}
	}

	if err := attendance.SeedRoster(ctx, attendance.NewRepository(db.Client), entries); err != nil {
		return err
	}
	students := 0
	for _, e := range entries {
		students += len(e.Students)
	}
	log.Info().Int("classes", len(entries)).Int("enrollments", students).Msg("roster seeded")
	return nil
}
