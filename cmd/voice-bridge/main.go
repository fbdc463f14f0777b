// Command voice-bridge places outbound phone calls and bridges their audio to
// an OpenAI Realtime voice session.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/birddigital/voice-bridge/internal/config"
	"github.com/birddigital/voice-bridge/internal/dotenv"
	"github.com/birddigital/voice-bridge/internal/logging"
	"github.com/birddigital/voice-bridge/pkg/messaging"
	"github.com/birddigital/voice-bridge/pkg/realtime"
	"github.com/birddigital/voice-bridge/pkg/telephony"
	"github.com/birddigital/voice-bridge/pkg/telnyx"
)

func bridgeConfig(cfg config.Config) telephony.BridgeConfig {
	return telephony.BridgeConfig{
		Session: realtime.SessionConfig{
			Instructions:  cfg.Instructions,
			Voice:         cfg.Voice,
			TurnDetection: cfg.TurnDetection,
		},
		Greeting:          cfg.Greeting,
		Readiness:         telephony.Readiness(cfg.Readiness),
		Format:            audioFormat(cfg),
		OutboundQueueSize: cfg.OutboundQueueSize,
		PendingAudioLimit: pendingLimit(cfg.PendingAudioLimit),
		OverflowPolicy:    telephony.OverflowPolicy(cfg.OverflowPolicy),
		WriteTimeout:      cfg.WriteTimeout,
		PingInterval:      cfg.PingInterval,
		DialTimeout:       cfg.VoiceDialTimeout,
	}
}

// BRIDGE_PENDING_AUDIO=0 turns holding off; the bridge reads zero as "default".
func pendingLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func audioFormat(cfg config.Config) telephony.AudioFormat {
	if cfg.AudioEncoding == config.EncodingAlaw {
		return telephony.AudioFormatAlaw
	}
	return telephony.AudioFormatMulaw
}

func controllerConfig(cfg config.Config) telephony.ControllerConfig {
	return telephony.ControllerConfig{
		MediaURL:    cfg.MediaURL(),
		Format:      audioFormat(cfg),
		MaxAttempts: cfg.ActivationMaxAttempts,
		Backoff:     cfg.ActivationBackoff,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// openCallStore returns the Postgres store when DATABASE_URL is set and the
// in-memory store otherwise. The returned func releases the pool.
func openCallStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (telephony.CallStore, func(), error) {
	if cfg.DatabaseURL == "" {
		return telephony.NewMemoryCallStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	store := telephony.NewPostgresCallStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("using postgres call store")
	return store, pool.Close, nil
}

func runBridge(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	client := telnyx.NewClient(telnyx.Config{
		APIKey:       cfg.TelnyxAPIKey,
		ConnectionID: cfg.TelnyxConnectionID,
		FromNumber:   cfg.TelnyxFromNumber,
		WebhookURL:   cfg.WebhookURL(),
		BaseURL:      cfg.TelnyxBaseURL,
	})
	if err := client.ValidateConfiguration(); err != nil {
		return err
	}

	store, closeStore, err := openCallStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var notifier telephony.Notifier
	messages := messaging.NewMessageService(client, cfg.TelnyxFromNumber)
	if alerts := messaging.NewAlertNotifier(messages, cfg.AlertSMSTo, logger); alerts != nil {
		notifier = alerts
	}

	dialer := telephony.RealtimeDialer(realtime.Dialer{
		URL:              cfg.RealtimeURL,
		Model:            cfg.RealtimeModel,
		APIKey:           cfg.OpenAIAPIKey,
		HandshakeTimeout: cfg.VoiceDialTimeout,
	})

	bridge := telephony.NewMediaBridge(bridgeConfig(cfg), dialer, logger)
	controller := telephony.NewCallController(client, store, notifier, controllerConfig(cfg), logger)

	mux := http.NewServeMux()
	telephony.NewCallHandlers(controller, bridge, logger).RegisterRoutes(mux)
	httpSrv := buildHTTPServer(cfg, mux)

	logger.Info("starting voice bridge",
		"addr", httpSrv.Addr,
		"media_url", cfg.MediaURL(),
		"webhook_url", cfg.WebhookURL(),
		"model", cfg.RealtimeModel,
		"readiness", cfg.Readiness,
		"turn_detection", cfg.TurnDetection,
		"audio_encoding", cfg.AudioEncoding,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	select {
	case err := <-listenErrCh:
		controller.Close()
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	// stop new calls and webhooks before tearing down live bridges
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	controller.Close()
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bridge sessions still open at exit", "error", err, "active_sessions", bridge.ActiveSessions())
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("voice bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voice-bridge: %v\n", err)
		return 1
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "voice-bridge: %v\n", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runBridge(ctx, cfg, logger); err != nil {
		logger.Error("voice bridge failed", "error", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}
