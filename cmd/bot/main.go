package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	cmdpkg "github.com/stupiduntilnot/cookbot/internal/commander"
	"github.com/stupiduntilnot/cookbot/internal/completion"
	"github.com/stupiduntilnot/cookbot/internal/config"
	"github.com/stupiduntilnot/cookbot/internal/control"
	"github.com/stupiduntilnot/cookbot/internal/db"
	"github.com/stupiduntilnot/cookbot/internal/dispatcher"
	"github.com/stupiduntilnot/cookbot/internal/dummy"
	"github.com/stupiduntilnot/cookbot/internal/history"
	"github.com/stupiduntilnot/cookbot/internal/logging"
	"github.com/stupiduntilnot/cookbot/internal/metrics"
	modelpkg "github.com/stupiduntilnot/cookbot/internal/model"
	"github.com/stupiduntilnot/cookbot/internal/openai"
	"github.com/stupiduntilnot/cookbot/internal/prompt"
	"github.com/stupiduntilnot/cookbot/internal/telegram"
)

func main() {
	cfg, err := config.LoadBotConfig(envOrDefault("ENV_FILE", ".env"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("bot failed")
	}
}

// run wires the bot from cfg and serves until ctx is done. Every resource it
// opens is released before it returns, including on startup errors.
func run(ctx context.Context, cfg config.BotConfig) error {
	logger, logCloser, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	commander, err := newCommander(&cfg)
	if err != nil {
		return fmt.Errorf("init commander: %w", err)
	}
	provider, err := newModelProvider(&cfg)
	if err != nil {
		return fmt.Errorf("init model provider: %w", err)
	}
	templates, err := prompt.DefaultTemplates()
	if err != nil {
		return fmt.Errorf("load prompt templates: %w", err)
	}

	var journal db.Journal = db.NopJournal{}
	if cfg.EventsDBPath != "" {
		j, err := db.OpenJournal(cfg.EventsDBPath)
		if err != nil {
			return fmt.Errorf("open event journal %s: %w", cfg.EventsDBPath, err)
		}
		defer j.Close()
		journal = j
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, reg)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("metrics listener shutdown failed")
			}
		}()
	}

	var rootEventID *int64
	id, err := journal.LogEvent(nil, db.EventProcessStarted, map[string]any{
		"role":     "bot",
		"pid":      os.Getpid(),
		"provider": cfg.ModelProvider,
		"source":   cfg.Commander,
		"model":    cfg.Model,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to log process.started")
	} else if id > 0 {
		rootEventID = &id
	}

	policy := control.CompletionPolicy()
	policy.DelayOnTimeout = cfg.RetryDelayOnTimeout
	client := completion.New(provider, templates,
		completion.WithPolicy(policy),
		completion.WithLogger(logger),
		completion.WithMetrics(m),
	)

	store := history.NewStore(cfg.MaxHistoryLength)
	d := dispatcher.New(commander, client, store, dispatcher.Config{
		PollTimeout: cfg.PollTimeout,
		PollSleep:   time.Duration(max(cfg.SleepSeconds, 1)) * time.Second,
		RootEventID: rootEventID,
	},
		dispatcher.WithLogger(logger),
		dispatcher.WithMetrics(m),
		dispatcher.WithJournal(journal),
		dispatcher.WithCircuitBreaker(control.NewCircuitBreaker(5, 30*time.Second)),
	)

	logger.Info().
		Str("model", cfg.Model).
		Str("provider", cfg.ModelProvider).
		Str("source", cfg.Commander).
		Int("max_history", cfg.MaxHistoryLength).
		Msg("bot running")

	d.Run(ctx)

	if _, err := journal.LogEvent(rootEventID, db.EventProcessStopped, nil); err != nil {
		logger.Warn().Err(err).Msg("failed to log process.stopped")
	}
	logger.Info().Msg("bot stopped")
	return nil
}

func newCommander(cfg *config.BotConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case "dummy":
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		// The HTTP timeout has to outlast the long poll.
		return telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.PollTimeout+10)*time.Second), nil
	}
}

func newModelProvider(cfg *config.BotConfig) (modelpkg.Provider, error) {
	switch cfg.ModelProvider {
	case "dummy":
		return dummy.NewProvider(cfg.Model, cfg.DummyProviderScript)
	default:
		return openai.NewClient(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, cfg.Model, cfg.RequestTimeout), nil
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

