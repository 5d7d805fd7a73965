package commands

import (
	"context"
	"fmt"

	"github.com/skip2/go-qrcode"

	"classattend/internal/attendance"
)

type QRCmd struct {
	Database
	Session string `arg:"" help:"Session id"`
	Out     string `help:"Output PNG path" short:"o" default:"qr.png"`
	Size    int    `help:"Image size in pixels" default:"512"`
}

func (q *QRCmd) Run(ctx context.Context, globals *Globals) error {
	log := globals.logger()
	db, err := q.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := attendance.NewRepository(db.Client).GetSession(ctx, q.Session)
	if err != nil {
		return fmt.Errorf("load session %s: %w", q.Session, err)
	}
	if !s.Active() || s.CurrentQRCode == "" {
		return fmt.Errorf("session %s has no live qr code", q.Session)
	}
	if err := qrcode.WriteFile(s.CurrentQRCode, qrcode.Medium, q.Size, q.Out); err != nil {
		return err
	}
	log.Info().Str("session_id", s.ID).Str("file", q.Out).Msg("qr code written")
	return nil
}
