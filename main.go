package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mailq/admin"
	"mailq/delivery"
	"mailq/internal/config"
	"mailq/internal/dkim"
	"mailq/internal/email"
	"mailq/internal/logging"
	"mailq/queue"
	"mailq/ratelimit"
	"mailq/storage"
	"mailq/submit"
	"mailq/tlsconfig"
)

var (
	openPostgres = storage.OpenPostgres
	migrateDB    = storage.Migrate
)

const (
	shutdownTimeout = 10 * time.Second
	dbConnAttempts  = 10
	dbConnDelay     = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mailq exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logging.Component(logger, "store"))
	if err != nil {
		return err
	}
	defer closeStore()

	transport, closeTransport, err := buildTransport(cfg, logging.Component(logger, "delivery"))
	if err != nil {
		return err
	}
	defer closeTransport()

	limiter, err := ratelimit.NewLimiter(limiterConfig(cfg.Limits))
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	manager, err := queue.NewManager(store, transport, limiter, managerOptions(cfg), logging.Component(logger, "queue"))
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	poller, err := queue.NewPoller(store, manager, pollerOptions(cfg), logging.Component(logger, "poller"))
	if err != nil {
		return fmt.Errorf("poller: %w", err)
	}

	tlsConf, err := tlsconfig.LoadServerConfig(cfg.TLSCert, cfg.TLSKey)
	if err != nil && !errors.Is(err, tlsconfig.ErrTLSDisabled) {
		return fmt.Errorf("tls: %w", err)
	}
	srv, _, err := admin.Start(cfg.HTTPAddr, admin.New(manager, limiter, logging.Component(logger, "http")).Routes(), tlsConf, logging.Component(logger, "admin"))
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}

	var submitLn net.Listener
	if cfg.SubmitAddr != "" {
		submitLn, err = net.Listen("tcp", cfg.SubmitAddr)
		if err != nil {
			srv.Close()
			return fmt.Errorf("submit listener: %w", err)
		}
	}

	done := make(chan struct{}, 3)
	var workers int
	start := func(fn func()) {
		workers++
		go func() {
			defer func() { done <- struct{}{} }()
			fn()
		}()
	}
	start(func() { manager.Run(ctx) })
	start(func() { poller.Run(ctx) })

	if submitLn != nil {
		s := submit.New(manager, submit.Options{
			Hostname:      cfg.Hostname,
			AllowNetworks: cfg.SubmitNetworks,
			AllowHosts:    cfg.SubmitHosts,
		}, logging.Component(logger, "submit"))
		start(func() {
			if err := s.Serve(ctx, submitLn); err != nil {
				logger.Error("Submission listener stopped", zap.Error(err))
			}
		})
	}

	logger.Info("mailq started",
		zap.String("store", cfg.Store),
		zap.String("transport", cfg.Transport),
		zap.Bool("sms", cfg.SMSEnabled()))

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown", zap.Error(err))
	}
	for i := 0; i < workers; i++ {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("Timed out waiting for workers")
			return nil
		}
	}
	return nil
}

// openStore returns the configured durable store and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := openPostgres(ctx, cfg.PostgresDSN, dbConnAttempts, dbConnDelay, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := migrateDB(cfg.PostgresDSN); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return storage.NewPostgres(db), closer(db, logger), nil
	case config.StoreRedis:
		client := storage.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		return storage.NewRedis(client, cfg.RedisPrefix), closer(client, logger), nil
	default:
		spool, err := storage.NewSpool(cfg.SpoolDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return spool, func() {}, nil
	}
}

// buildTransport assembles the channel router. Email goes over SMTP or Kafka;
// SMS is added when an API endpoint is configured.
func buildTransport(cfg *config.Config, logger *zap.Logger) (queue.Transport, func(), error) {
	var templates *email.Templates
	if cfg.TemplateDir != "" {
		t, err := email.LoadTemplates(cfg.TemplateDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Loaded templates", zap.Int("count", t.Len()))
		templates = t
	}

	routes := make(map[queue.Channel]queue.Transport)
	cleanup := func() {}

	switch cfg.Transport {
	case config.TransportKafka:
		k := delivery.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		routes[queue.ChannelEmail] = k
		cleanup = closer(k, logger)
	default:
		signer, err := dkim.New(dkim.Options{
			Selector:   cfg.DKIM.Selector,
			Domain:     cfg.DKIM.Domain,
			KeyPath:    cfg.DKIM.KeyPath,
			PrivateKey: cfg.DKIM.PrivateKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("dkim: %w", err)
		}
		if signer != nil {
			logger.Info("DKIM signing enabled",
				zap.String("selector", signer.Selector()),
				zap.String("domain", signer.Domain()))
		}
		s, err := delivery.NewSMTP(delivery.SMTPConfig{
			From:      cfg.SMTPFrom,
			Relay:     cfg.SMTPRelay,
			Port:      cfg.SMTPPort,
			Hostname:  cfg.Hostname,
			Signer:    signer,
			Templates: templates,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		routes[queue.ChannelEmail] = s
	}

	if cfg.SMSEnabled() {
		sms, err := delivery.NewSMS(delivery.SMSConfig{
			URL:       cfg.SMSURL,
			APIKey:    cfg.SMSAPIKey,
			From:      cfg.SMSFrom,
			Templates: templates,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		routes[queue.ChannelSMS] = sms
	}
	return delivery.NewRouter(routes), cleanup, nil
}

func limiterConfig(l config.Limits) ratelimit.Config {
	return ratelimit.Config{
		PerMinute:       l.PerMinute,
		PerHour:         l.PerHour,
		PerDay:          l.PerDay,
		PerRecipient:    l.PerRecipient,
		RecipientWindow: l.RecipientWindow,
	}
}

func managerOptions(cfg *config.Config) queue.Options {
	opts := queue.DefaultOptions()
	opts.DefaultMaxRetries = cfg.MaxRetries
	opts.Backoff = cfg.Backoff
	opts.InterMessageDelay = cfg.InterMessageDelay
	return opts
}

func pollerOptions(cfg *config.Config) queue.PollerOptions {
	opts := queue.DefaultPollerOptions()
	opts.Interval = cfg.PollInterval
	opts.BatchSize = cfg.PollBatch
	return opts
}

func closer(c io.Closer, logger *zap.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warn("Close failed", zap.Error(err))
		}
	}
}
