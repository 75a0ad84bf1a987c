package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"mailhook/internal/auth"
	"mailhook/internal/config"
	"mailhook/internal/events"
	"mailhook/internal/httpapi"
	"mailhook/internal/oauth"
	"mailhook/internal/poll"
	"mailhook/internal/providers/gmail"
	"mailhook/internal/providers/outlook"
	"mailhook/internal/sink"
	"mailhook/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oauthSvc := oauth.NewService(cfg, st)
	gmailClient := gmail.New()
	outlookClient := outlook.New()

	poller := &poll.Poller{
		Store:  st,
		Tokens: oauthSvc,
		Clients: map[string]poll.MailClient{
			poll.ProviderGmail:   gmailClient,
			poll.ProviderOutlook: outlookClient,
		},
		Sink: sink.NewWebhook(cfg.Sink.WebhookURL, cfg.Sink.Timeout),
	}

	if cfg.NATS.URL != "" {
		publisher, err := events.NewPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal(err)
		}
		poller.Events = publisher
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWKSURL != "" {
		verifier, err = auth.NewJWTVerifier(cfg.Auth.JWKSURL)
		if err != nil {
			log.Fatal(err)
		}
	}

	if cfg.Poll.Interval > 0 {
		mgr := &poll.Manager{
			Poller:    poller,
			Interval:  cfg.Poll.Interval,
			Providers: []string{poll.ProviderGmail, poll.ProviderOutlook},
		}
		go mgr.Run(ctx)
	}

	h := &httpapi.Handler{
		Config: cfg,
		Store:  st,
		OAuth:  oauthSvc,
		Poller: poller,
		Profiles: map[string]httpapi.ProfileClient{
			poll.ProviderGmail:   gmailClient,
			poll.ProviderOutlook: outlookClient,
		},
		Attachments: gmailClient,
		Verifier:    verifier,
	}

	r := gin.Default()
	h.Register(r)

	log.Printf("listening on %s", cfg.HTTP.Addr)
	log.Fatal(r.Run(cfg.HTTP.Addr))
}
