// Remote-execution reliability hub: receives agent completion reports,
// relays them to Telegram, and routes chat commands back into tmux
// sessions over SSH.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/aggregator"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/breaker"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/chat"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/chat/telegram"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/config"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/dlq"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/httpapi"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/recovery"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/retry"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/router"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/servers"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/sessionstore"
	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/sshexec"
)

func main() {
	slog.SetDefault(slog.New(newLogHandler()))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting hub", "notify_port", cfg.NotifyPort)

	serverEntries, err := servers.LoadFile(cfg.SSH.ServersPath)
	if err != nil {
		slog.Error("Failed to load server registry", "error", err)
		os.Exit(1)
	}
	serverRegistry := servers.New(serverEntries)
	slog.Info("Server registry loaded", "count", len(serverEntries))

	sessionStore, err := sessionstore.Open(cfg.Session.DBPath)
	if err != nil {
		slog.Error("Failed to open session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sessionStore.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()
	slog.Info("Session store ready", "path", cfg.Session.DBPath)

	var dlqStore *dlq.Store
	if cfg.DLQ.Enabled {
		dlqStore, err = dlq.Open(cfg.DLQ.DBPath, cfg.DLQ.MaxAttempts)
		if err != nil {
			slog.Error("Failed to open dead-letter queue", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := dlqStore.Close(); closeErr != nil {
				slog.Error("Failed to close dead-letter queue", "error", closeErr)
			}
		}()
		slog.Info("Dead-letter queue ready", "path", cfg.DLQ.DBPath)
	} else {
		slog.Info("Dead-letter queue disabled")
	}

	allowList := chatIDsToStrings(cfg.Telegram.AllowedChatIDs)
	telegramChannel, err := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		ChatID:     firstChatID(allowList),
		AllowList:  allowList,
		PollPeriod: 2 * time.Second,
	})
	if err != nil {
		slog.Error("Failed to initialize telegram channel", "error", err)
		os.Exit(1)
	}

	agg := aggregator.New(sessionStore, serverRegistry, telegramChannel, dlqStore)

	breakerRegistry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ProbeTimeout:     cfg.Breaker.ProbeTimeout,
	})
	sshRetry := retry.New()
	sshPolicy := retry.NewPolicy("ssh", cfg.Retry.SSH)
	executor := sshexec.New(
		serverRegistry.GetServer,
		breakerRegistry,
		sshRetry,
		sshPolicy,
		int(cfg.SSH.ConnectTimeout.Seconds()),
		int(cfg.SSH.ExecTimeout.Seconds()),
	)
	defer executor.Close()

	cmdRouter := router.New(sessionStore, executor, telegramChannel)

	recoveryManager := recovery.New(sessionStore, serverRegistry, executor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go recoveryManager.Run(ctx, cfg.RecoveryEvery)

	if cfg.DLQ.Enabled {
		dlqWorker := dlq.NewWorker(dlqStore, agg.Redispatch)
		go dlqWorker.Run(ctx)
	}

	go func() {
		slog.Info("starting telegram update loop")
		handle := func(u chat.Update) error { return cmdRouter.HandleUpdate(ctx, u) }
		if err := telegramChannel.ReceiveUpdate(ctx, handle); err != nil {
			slog.Error("telegram update loop exited", "error", err)
		}
	}()

	// dlqStore is only assigned into the interface parameter when non-nil:
	// a typed nil *dlq.Store boxed into httpapi.DLQStats would compare
	// unequal to a literal nil, defeating Handler's "DLQ disabled" check.
	var dlqStats httpapi.DLQStats
	if dlqStore != nil {
		dlqStats = dlqStore
	}
	httpHandler := httpapi.NewHandler(agg, sessionStore, dlqStats, breakerRegistry, cfg.SharedSecret)
	mux := httpapi.NewRouter(httpHandler, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	srv := &http.Server{
		Addr:         ":" + cfg.NotifyPort,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("hub stopped successfully")
}

// firstChatID is the single configured chat identifier telegram.Channel
// falls back to when the allow-list is empty.
func firstChatID(allowList []string) string {
	if len(allowList) == 0 {
		return ""
	}
	return allowList[0]
}

func chatIDsToStrings(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}

// newLogHandler picks JSON logs under a container runtime, where a log
// collector expects structured lines, and human-readable text otherwise.
func newLogHandler() slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if config.IsContainer() {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}
