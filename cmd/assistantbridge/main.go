package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"assistantbridge/internal/admin"
	"assistantbridge/internal/apikey"
	"assistantbridge/internal/config"
	"assistantbridge/internal/conversation"
	"assistantbridge/internal/crypto"
	"assistantbridge/internal/httpapi"
	"assistantbridge/internal/metrics"
	"assistantbridge/internal/openai"
	"assistantbridge/internal/provision"
	"assistantbridge/internal/queue"
	"assistantbridge/internal/storage"
	"assistantbridge/internal/telegram"
	"assistantbridge/internal/worker"
)

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Bool("telegram", cfg.TelegramEnabled()).
		Bool("dev_polling", cfg.Telegram.DevPolling).
		Msg("starting assistantbridge")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	codec := crypto.NewCodec(cfg.Crypto.HostName, cfg.Crypto.InstallPath)

	httpClient := &http.Client{Timeout: cfg.OpenAI.ClientTimeout}
	uploadClient := &http.Client{Timeout: cfg.OpenAI.UploadTimeout}
	newClient := func(apiKey string) *openai.Client {
		return openai.New(openai.Config{
			BaseURL:      cfg.OpenAI.BaseURL,
			APIKey:       apiKey,
			HTTPClient:   httpClient,
			UploadClient: uploadClient,
			MaxRetries:   cfg.OpenAI.MaxRetries,
			BackoffBase:  cfg.OpenAI.BackoffBase,
		})
	}
	validator := apikey.NewValidator(apikey.Config{
		Prefixes: cfg.OpenAI.KeyPrefixes,
		Dial:     func(k string) apikey.ModelLister { return newClient(k) },
		Timeout:  cfg.OpenAI.ValidateTimeout,
	})
	keys := apikey.NewResolver(codec, validator)

	orchestrator := conversation.New(conversation.Config{
		Store:   store,
		Keys:    keys,
		Dial:    func(k string) conversation.API { return newClient(k) },
		Threads: queue.NewThreadStore(rdb, cfg.Redis.ThreadTTL),
		Policy:  conversation.PollPolicy{Interval: cfg.OpenAI.PollInterval, MaxPolls: cfg.OpenAI.MaxPolls},
		Logger:  log.Logger.With().Str("component", "conversation").Logger(),
		Metrics: m,
	})

	var bot *gotgbot.Bot
	if cfg.TelegramEnabled() {
		bot, err = gotgbot.NewBot(cfg.Telegram.BotToken, nil)
		if err != nil {
			log.Fatal().Str("error", sanitizeTelegramErr(err, cfg.Telegram.BotToken)).Msg("failed to create telegram bot")
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")
	}
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	errCh := make(chan error, 4)
	serveAPI := cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeHTTP
	routerCfg := httpapi.Config{
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
		Health:      []httpapi.Pinger{store, redisPinger{rdb}},
		Logger:      log.Logger.With().Str("component", "http").Logger(),
	}

	if serveAPI {
		routerCfg.Chat = orchestrator
		routerCfg.Tokens = httpapi.NewTokens(cfg.HTTP.ChatTokenSecret, cfg.HTTP.ChatTokenTTL)
		routerCfg.SendLimit = queue.NewIntervalLimiter(rdb, "chat-send", cfg.Rate.SendInterval)
		routerCfg.TokenLimit = queue.NewIntervalLimiter(rdb, "chat-token", cfg.Rate.TokenInterval)
		routerCfg.AdminToken = cfg.HTTP.AdminToken
		routerCfg.AllowOrigins = cfg.HTTP.AllowOrigins
		routerCfg.SecureCookie = cfg.HTTP.SecureCookie
		routerCfg.Admin = newAdminService(cfg, store, codec, validator, keys, rdb, newClient, m)
	}

	var updater *ext.Updater
	runIngress := cfg.TelegramEnabled() && serveAPI
	if runIngress {
		logTelegramErr := func(err error) {
			log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Telegram.BotToken))
		}
		dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
			MaxRoutines:      100,
			UnhandledErrFunc: logTelegramErr,
			Processor: telegram.Processor{
				Dedupe:  queue.NewDeduplicator(rdb, "update", cfg.Redis.UpdateTTL),
				Metrics: m,
				Logger:  log.Logger,
			},
		})
		telegram.NewService(telegram.Config{
			Queue:   jobQueue,
			Threads: orchestrator,
			Quota:   queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			Spacer:  queue.NewIntervalLimiter(rdb, "telegram", cfg.Rate.SendInterval),
			Logger:  log.Logger.With().Str("component", "telegram").Logger(),
			Metrics: m,
		}).Register(dispatcher)
		updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: logTelegramErr})

		if cfg.Telegram.DevPolling {
			if err := updater.StartPolling(bot, &ext.PollingOpts{
				EnableWebhookDeletion: true,
				DropPendingUpdates:    true,
				GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
					Timeout:     50,
					RequestOpts: &gotgbot.RequestOpts{Timeout: 60 * time.Second},
				},
			}); err != nil {
				log.Fatal().Str("error", sanitizeTelegramErr(err, cfg.Telegram.BotToken)).Msg("failed to start polling")
			}
			log.Info().Msg("polling mode started")
		} else {
			path := cfg.Telegram.SecretPath
			if path == "" {
				path = "telegram"
			}
			if cfg.Telegram.PublicURL == "" {
				log.Fatal().Msg("WEBHOOK_URL is required when the bot runs without DEV_POLLING")
			}
			if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Telegram.SecretToken}); err != nil {
				log.Fatal().Err(err).Msg("failed to configure webhook handler")
			}
			webhookURL := strings.TrimSuffix(cfg.Telegram.PublicURL, "/") + "/" + path
			if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{SecretToken: cfg.Telegram.SecretToken}); err != nil {
				log.Fatal().Str("error", sanitizeTelegramErr(err, cfg.Telegram.BotToken)).Msg("failed to set telegram webhook")
			}
			log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
			routerCfg.WebhookPath = "/" + path
			routerCfg.Webhook = updater.GetHandlerFunc("/")
		}
	}

	if !strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           httpapi.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Telegram.WebhookTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if bot != nil && (cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll) {
		w := worker.New(worker.Config{
			Bot:           bot,
			Chat:          orchestrator,
			Queue:         jobQueue,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger.With().Str("component", "worker").Logger(),
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func newAdminService(
	cfg *config.Config,
	store *storage.Store,
	codec *crypto.Codec,
	validator *apikey.Validator,
	keys *apikey.Resolver,
	rdb *redis.Client,
	newClient func(string) *openai.Client,
	m *metrics.Metrics,
) *admin.Service {
	dial := func(k string) provision.API { return newClient(k) }
	logger := log.Logger.With().Str("component", "provision").Logger()

	stores := provision.NewKnowledgeStores(provision.KnowledgeStoresConfig{
		Store: store, Keys: keys, Dial: dial, Logger: logger,
	})
	return admin.New(admin.Config{
		Store:     store,
		Validator: validator,
		Sealer:    codec,
		Keys:      keys,
		Stores:    stores,
		Assistants: provision.NewAssistants(provision.AssistantsConfig{
			Store: store, Keys: keys, Dial: dial, Logger: logger, Metrics: m,
		}),
		Files: provision.NewIngestion(provision.IngestionConfig{
			Store:       store,
			Keys:        keys,
			Dial:        dial,
			Stores:      stores,
			Files:       provision.DirSource{Root: cfg.Files.Root},
			Idempotency: queue.NewDeduplicator(rdb, "ingest", cfg.Redis.IdempotencyTTL),
			MaxSize:     cfg.Files.MaxUploadSize,
			Extensions:  cfg.Files.Extensions,
			Logger:      logger,
			Metrics:     m,
		}),
		Cascade: provision.NewCascade(provision.CascadeConfig{
			Store: store, Keys: keys, Dial: dial, Logger: logger, Metrics: m,
		}),
		Logger: log.Logger.With().Str("component", "admin").Logger(),
	})
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// sanitizeTelegramErr strips the bot token from errors that echo the
// request URL.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
