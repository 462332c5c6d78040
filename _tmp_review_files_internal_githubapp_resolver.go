package githubapp

import (
	"context"
	"strings"
)

// OAuthToken is a caller-supplied user OAuth token, used as a fallback
// when no installation token is available for the repo's owner.
type OAuthToken struct {
	Value string
}

// Resolver picks the credential to use for a given repository, per the
// cascade: a token minted for the caller-supplied installation id, else
// the caller's OAuth token, else no auth (public reads only). The
// installation's account is not compared against the repo owner.
type Resolver struct {
	App *App
}

func NewResolver(app *App) *Resolver {
	return &Resolver{App: app}
}

// ResolvedCredential is what the rest of the pipeline needs to act: a
// bearer value plus a tag describing where it came from, for logging.
type ResolvedCredential struct {
	Token  string
	Source string // "installation", "oauth", "none"
}

// Resolve implements the cascade for a repo under the given installation,
// with the supplied OAuth token as fallback.
func (r *Resolver) Resolve(ctx context.Context, installationID int64, owner string, perms Permissions, oauth OAuthToken) (ResolvedCredential, error) {
	if r != nil && r.App != nil && installationID > 0 {
		tok, err := r.App.Mint(ctx, MintRequest{
			InstallationID: installationID,
			Owner:          owner,
			Permissions:    perms,
		})
		if err == nil && strings.TrimSpace(tok.Token) != "" {
			return ResolvedCredential{Token: tok.Token, Source: "installation"}, nil
		}
	}
	if strings.TrimSpace(oauth.Value) != "" {
		return ResolvedCredential{Token: oauth.Value, Source: "oauth"}, nil
	}
	return ResolvedCredential{Source: "none"}, nil
}


