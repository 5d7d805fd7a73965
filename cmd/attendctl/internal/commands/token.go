package commands

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"classattend/internal/auth"
	"classattend/internal/config"
)

// TokenCmd mints a token the api accepts. Unset flags fall back to the api's own configuration.
type TokenCmd struct {
	Subject    string        `help:"Principal id" required:""`
	Role       string        `help:"Principal role" enum:"student,teacher,superAdmin" default:"student"`
	TTL        time.Duration `help:"Access token lifetime (default ACCESS_TTL)"`
	RefreshTTL time.Duration `help:"Refresh token lifetime (default REFRESH_TTL)"`
	Issuer     string        `help:"Token issuer (default JWT_ISSUER)"`
	SigningKey string        `help:"JWT signing key (default JWT_SIGNING_KEY)"`
	Refresh    bool          `help:"Also print the refresh token."`
}

func (t *TokenCmd) Run(ctx context.Context) error {
	pair, err := t.issue(config.Load())
	if err != nil {
		return err
	}

	fmt.Println(pair.AccessToken)
	if t.Refresh {
		fmt.Println(pair.RefreshToken)
	}
	return nil
}

func (t *TokenCmd) issue(cfg config.App) (auth.TokenPair, error) {
	issuer := cmp.Or(t.Issuer, cfg.JWTIssuer)
	key := cmp.Or(t.SigningKey, cfg.JWTSigningKey)
	accessTTL := cmp.Or(t.TTL, cfg.AccessTTL)
	refreshTTL := cmp.Or(t.RefreshTTL, cfg.RefreshTTL)
	return auth.Issue(t.Subject, auth.Role(t.Role), issuer, key, accessTTL, refreshTTL)
}
