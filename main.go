package main

import (
	"context"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chris/termgate/authz"
	"github.com/chris/termgate/config"
	"github.com/chris/termgate/jwks"
	"github.com/chris/termgate/ptymanager"
	"github.com/chris/termgate/ratelimit"
	"github.com/chris/termgate/server"
	"github.com/chris/termgate/session"
	"github.com/chris/termgate/token"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "config file path")
	genConfig := flag.Bool("genconfig", false, "write a starter config.yaml and exit")
	webDir := flag.String("web-dir", "", "optional directory of static browser assets to serve on GET /*")
	flag.Parse()

	if *genConfig {
		if _, err := config.GenerateExample(*configPath); err != nil {
			log.Fatalf("genconfig: %v", err)
		}
		log.Printf("[MAIN] wrote starter config to %s", *configPath)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var webRoot fs.FS
	if *webDir != "" {
		webRoot = os.DirFS(*webDir)
	}

	srv := buildServer(cfg, webRoot)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[MAIN] termgate listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[MAIN] server: %v", err)
	}
}

// buildServer wires every long-lived collaborator from cfg: the JWKS cache,
// the token verifier (with its optional replay-nonce store), the
// authorizer, the PTY registry, the session manager, and the rate limiter.
func buildServer(cfg *config.Config, webRoot fs.FS) *server.Server {
	issuers := make([]jwks.Issuer, 0, len(cfg.JWT.Issuers))
	issuerAudiences := make([]token.IssuerAudience, 0, len(cfg.JWT.Issuers))
	replaySweep := time.Duration(0)
	for _, iss := range cfg.JWT.Issuers {
		issuers = append(issuers, jwks.Issuer{
			Name:        iss.Name,
			JWKSURL:     iss.JWKSURL,
			IssuerValue: iss.IssuerValue,
		})
		issuerAudiences = append(issuerAudiences, token.IssuerAudience{
			IssuerValue: iss.IssuerValue,
			Audience:    iss.Audience,
		})
		if iss.ReplayWindow != "" {
			if w := config.Duration(iss.ReplayWindow, 0); w > 0 && (replaySweep == 0 || w < replaySweep) {
				replaySweep = w
			}
		}
	}

	jwksCache := jwks.New(jwks.Config{
		Issuers:         issuers,
		TTL:             config.Duration(cfg.JWT.CacheTTL, time.Hour),
		RefreshInterval: config.Duration(cfg.JWT.RefreshInterval, 15*time.Minute),
	})

	var nonces *token.NonceStore
	if replaySweep > 0 {
		nonces = token.NewNonceStore(replaySweep)
	}

	verifier := token.New(token.Config{
		JWKS:    jwksCache,
		Issuers: issuerAudiences,
		Leeway:  time.Duration(cfg.JWT.LeewaySeconds) * time.Second,
		Nonces:  nonces,
	})

	authorizer := authz.New(cfg.Authz.AllowedUsers, cfg.Authz.AllowedGroups)

	ptyMgr := ptymanager.New()
	sessions := session.New(session.Config{
		PTYManager:   ptyMgr,
		MaxPerUser:   cfg.Session.MaxPerUser,
		IdleTimeout:  config.Duration(cfg.Session.IdleTimeout, 30*time.Minute),
		GraceWindow:  config.Duration(cfg.Session.GraceWindow, 5*time.Minute),
		DefaultShell: cfg.Session.DefaultShell,
		RingSize:     cfg.PTY.MaxBufferSize,
	})

	limiter := ratelimit.New(cfg.RateLimit.PerIPPerMinute)

	return server.New(server.Config{
		Cfg:        cfg,
		Verifier:   verifier,
		Authorizer: authorizer,
		Sessions:   sessions,
		Limiter:    limiter,
		WebRoot:    webRoot,
	})
}
