package main

import (
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/karlorz/cmux-sub003/internal/activity"
	"github.com/karlorz/cmux-sub003/internal/authz"
	"github.com/karlorz/cmux-sub003/internal/config"
	"github.com/karlorz/cmux-sub003/internal/githubapp"
	"github.com/karlorz/cmux-sub003/internal/httpapi"
	"github.com/karlorz/cmux-sub003/internal/lifecycle"
	"github.com/karlorz/cmux-sub003/internal/membership"
	"github.com/karlorz/cmux-sub003/internal/ports"
	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/provider/morph"
	"github.com/karlorz/cmux-sub003/internal/provider/pvelxc"
	"github.com/karlorz/cmux-sub003/internal/registry"
	"github.com/karlorz/cmux-sub003/internal/secretvault"
	"github.com/karlorz/cmux-sub003/internal/snapshot"
	"github.com/karlorz/cmux-sub003/internal/store"
)

// stdEventLogger adapts the standard logger to apibridge.EventLogger
// for the morph client's request/response/error trail.
type stdEventLogger struct {
	logger *log.Logger
}

func (l stdEventLogger) Log(event map[string]any) {
	l.logger.Printf("%v", event)
}

func main() {
	logger := log.New(os.Stdout, "sandboxd ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("resolved %s", cfg.DescribeProvider())

	st, err := store.NewStore(cfg.StorePath)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}

	vault, err := secretvault.Open(cfg.VaultPath, cfg.VaultSecret)
	if err != nil {
		logger.Fatalf("open secret vault: %v", err)
	}

	tenants, err := membership.Open(os.Getenv("CMUX_MEMBERSHIP_PATH"))
	if err != nil {
		logger.Fatalf("open membership checker: %v", err)
	}

	providers := provider.NewRegistry()
	if cfg.MorphAPIKey != "" {
		morphClient, err := morph.New(cfg.MorphBaseURL, cfg.MorphAPIKey, stdEventLogger{logger: logger})
		if err != nil {
			logger.Fatalf("configure morph client: %v", err)
		}
		providers.Register(morphClient)
	}
	if cfg.PveLXCBaseURL != "" && cfg.PveLXCToken != "" {
		pvelxcClient, err := pvelxc.New(cfg.PveLXCNode)
		if err != nil {
			logger.Fatalf("configure pve-lxc client: %v", err)
		}
		providers.Register(pvelxcClient)
	}

	var githubApp *githubapp.App
	if cfg.GithubAppID != 0 && cfg.GithubAppPrivateKey != "" {
		githubApp, err = githubapp.NewApp(githubapp.AppConfig{
			AppID:         cfg.GithubAppID,
			PrivateKeyPEM: cfg.GithubAppPrivateKey,
			BaseURL:       cfg.GithubBaseURL,
		})
		if err != nil {
			logger.Fatalf("configure github app: %v", err)
		}
	}
	githubResolver := githubapp.NewResolver(githubApp)

	resolver := snapshot.New(st, cfg, tenants, nil)
	recorder := activity.New(st)
	publisher := ports.New(providers, st)
	authorizer := authz.New(tenants)
	reg := registry.New(st, vault, providers, cfg, newID)

	ctrl := lifecycle.New(st, vault, providers, resolver, recorder, publisher, authorizer, githubApp, githubResolver, cfg)

	server := httpapi.New(ctrl, reg, st, vault, authorizer, httpapi.BearerCookieResolver{})
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	logger.Printf("listening on %s", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}

func newID() string {
	return uuid.NewString()
}
