package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abdoul9859/wagateway/engine"
	"github.com/abdoul9859/wagateway/internal/config"
	"github.com/abdoul9859/wagateway/internal/httpapi"
	"github.com/abdoul9859/wagateway/internal/logging"
	"github.com/abdoul9859/wagateway/internal/render"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info")
		fallback.Fatal().Err(err).Msg("config load failed")
	}
	log := logging.New(cfg.LogLevel)

	var journal *engine.Journal
	if cfg.JournalPath != "" {
		journal, err = engine.OpenJournal(cfg.JournalPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.JournalPath).Msg("journal open failed")
		}
		defer journal.Close()
	}

	session := engine.New(engine.Config{
		Dial:           engine.WhatsmeowDialer(cfg.StoreDir, log, logging.Meow(log, "whatsmeow")),
		StoreDir:       cfg.StoreDir,
		ReconnectDelay: cfg.ReconnectDelay,
		Log:            log,
		Journal:        journal,
		Forwarder:      engine.NewWebhookForwarder(cfg.WebhookURL, cfg.WebhookSecret, log),
	})
	session.Connect()
	defer session.Close()

	renderer := render.New(render.Config{
		TempDir:         cfg.TempDir,
		FetchTimeout:    cfg.FetchTimeout,
		RenderTimeout:   cfg.RenderTimeout,
		ChromeNoSandbox: cfg.ChromeNoSandbox,
		Log:             log,
	})

	var journalView httpapi.Journal
	if journal != nil {
		journalView = journal
	}
	handler := httpapi.New(session, renderer, journalView, log)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      httpapi.NewRouter(handler, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // sendPdf holds the response through fetch+render
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info().Msg("graceful shutdown complete")
}
