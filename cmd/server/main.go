package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/api"
	"github.com/vdavid/mailgate/internal/approval"
	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/broadcast"
	"github.com/vdavid/mailgate/internal/compose"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/db"
	"github.com/vdavid/mailgate/internal/db/migrations"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/mailer"
	"github.com/vdavid/mailgate/internal/roster"
	ws "github.com/vdavid/mailgate/internal/websocket"
)

const (
	maxOperatorConnections = 10
	shutdownTimeout        = 30 * time.Second
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Mailgate stopped with an error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.CloseConnection(pool)

	if err := migrations.Apply(ctx, pool); err != nil {
		return err
	}
	logger.Info("Successfully connected to database")

	app := newApp(cfg, pool, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := app.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Scheduler: stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := app.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Listener: stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address":     server.Addr,
			"environment": cfg.Environment,
		}).Info("Mailgate server starting")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}

	wg.Wait()
	return nil
}

// app holds the wired components.
type app struct {
	handler   http.Handler
	scheduler *broadcast.Scheduler
	listener  *imap.Listener
	detector  *approval.Detector
	hub       *ws.Hub
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger logrus.FieldLogger) *app {
	approvals := db.NewApprovalStore(pool)
	subscribers := db.NewSubscriberStore(pool)
	jobs := db.NewBroadcastStore(pool)

	hub := ws.NewHub(maxOperatorConnections, logger)
	sender := mailer.NewSMTPSender(mailer.OptionsFromConfig(cfg), logger)

	imapOpts := imap.OptionsFromConfig(cfg)
	resolver := imap.NewResolver(imapOpts, cfg.IMAPSentFolder, logger)

	scheduler := broadcast.NewScheduler(broadcast.OptionsFromConfig(cfg), subscribers, jobs, sender, resolver, hub, logger)
	detector := approval.NewDetector(approval.OptionsFromConfig(cfg), approvals, resolver, scheduler, hub, logger)

	listener := imap.NewListener(imapOpts, cfg.IMAPInboxFolder, cfg.IMAPPollInterval, cfg.IMAPReconnectWait,
		func(ctx context.Context, session *imap.Session) error {
			_, err := detector.OnNewMail(ctx, session)
			return err
		}, logger)

	var sentFolder compose.SentFolder
	if cfg.SentAppend {
		sentFolder = imap.NewSentAppender(imapOpts, cfg.IMAPSentFolder, logger)
	}
	composer := compose.NewService(compose.OptionsFromConfig(cfg), sender, approvals, sentFolder, logger)
	rosterService := roster.NewService(roster.OptionsFromConfig(cfg), subscribers, sender, logger)

	authenticator := auth.NewAuthenticator(cfg.APIToken, logger)
	handler := api.NewRouter(api.Handlers{
		Auth:        authenticator,
		Compose:     api.NewComposeHandler(composer, cfg.MaxAttachmentBytes, logger),
		Approvals:   api.NewApprovalsHandler(approvals, logger),
		Subscribers: api.NewSubscribersHandler(rosterService, logger),
		WebSocket:   api.NewWebSocketHandler(authenticator, hub, logger),
	})

	return &app{
		handler:   handler,
		scheduler: scheduler,
		listener:  listener,
		detector:  detector,
		hub:       hub,
	}
}
