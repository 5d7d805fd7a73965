package main

import (
	"context"

	"github.com/alecthomas/kong"

	"classattend/cmd/attendctl/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Migrate commands.MigrateCmd `cmd:"" help:"Apply database migrations"`
		Seed    commands.SeedCmd    `cmd:"" help:"Load classes and enrollment from a roster file"`
		Token   commands.TokenCmd   `cmd:"" help:"Issue a JWT for a principal"`
		QR      commands.QRCmd      `cmd:"" name:"qr" help:"Render a session's current QR code as PNG"`
		Debug   bool                `help:"Enable debug logging."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("attendctl"),
		kong.Description("Operator tooling for the attendance service."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
