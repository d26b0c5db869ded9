// Command qnabot serves the question-answering bot webhook.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/qnabot/internal/audit"
	"github.com/tjfontaine/qnabot/internal/bot"
	"github.com/tjfontaine/qnabot/internal/config"
	"github.com/tjfontaine/qnabot/internal/pkg/safehttp"
	"github.com/tjfontaine/qnabot/internal/platform"
	"github.com/tjfontaine/qnabot/internal/qna"
	"github.com/tjfontaine/qnabot/internal/server"
	"github.com/tjfontaine/qnabot/internal/telemetry"
)

const (
	shutdownTimeout = 30 * time.Second
	replyTimeout    = 15 * time.Second
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("qnabot exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.Any("config", cfg))

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled, os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	recorder, logPath, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Error("failed to close audit log", slog.String("error", err.Error()))
		}
	}()

	baseDir, _ := os.Getwd()
	recorder.Startup(baseDir, logPath)

	gateway := qna.NewClient(cfg.QnA.Endpoint, cfg.QnA.APIKey, cfg.QnA.Project, cfg.QnA.Deployment,
		qna.WithAPIVersion(cfg.QnA.APIVersion),
		qna.WithTop(cfg.QnA.Top),
		qna.WithTimeout(cfg.QueryTimeout()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := newAdapter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	orchestrator := bot.New(gateway,
		bot.WithThreshold(cfg.QnA.Threshold),
		bot.WithQueryTimeout(cfg.QueryTimeout()),
		bot.WithRecorder(recorder),
		bot.WithLogger(logger),
	)

	srv := server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.RequestTimeout(),
		ServiceName:    cfg.Telemetry.ServiceName,
		Audit: server.AuditOptions{
			BodyPreviewBytes:     cfg.Audit.BodyPreviewBytes,
			ResponsePreviewBytes: cfg.Audit.ResponsePreviewBytes,
		},
	}, logger, recorder, adapter, orchestrator)

	logger.Info("qnabot ready",
		slog.Int("port", cfg.Server.Port),
		slog.String("app_id", config.MaskID(cfg.Bot.AppID)),
		slog.Bool("auth", cfg.Bot.AppID != ""),
		slog.String("audit_log", logPath),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("qnabot shutdown complete")
	return nil
}

// openAudit opens the JSONL log and, when configured, the SQLite mirror.
func openAudit(cfg *config.Config) (*audit.Recorder, string, error) {
	logPath, err := filepath.Abs(cfg.Audit.Path)
	if err != nil {
		return nil, "", fmt.Errorf("resolve audit path: %w", err)
	}

	fileSink, err := audit.OpenFile(logPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audit log: %w", err)
	}

	var sink audit.Sink = fileSink
	if cfg.Audit.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.SQLitePath), 0o750); err != nil {
			fileSink.Close()
			return nil, "", fmt.Errorf("create audit db dir: %w", err)
		}
		sqliteSink, err := audit.NewSQLiteSink(cfg.Audit.SQLitePath)
		if err != nil {
			fileSink.Close()
			return nil, "", fmt.Errorf("open audit db: %w", err)
		}
		sink = audit.MultiSink{fileSink, sqliteSink}
	}

	return audit.NewRecorder(sink, slog.Default()), logPath, nil
}

// newAdapter wires platform auth and the reply connector. Without an app id
// the bot runs unauthenticated and may reply to a local emulator; otherwise
// inbound tokens are checked against the channel's published keys and
// replies only go to public addresses.
func newAdapter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*platform.Adapter, error) {
	if cfg.Bot.AppID == "" {
		return platform.NewAdapter(platform.NoAuth{}, platform.NewConnector(nil, nil), logger), nil
	}

	egress := safehttp.NewClient(replyTimeout)
	auth, err := platform.NewChannelAuthenticator(ctx, cfg.Bot.AppID,
		cfg.Bot.OpenIDMetadata, cfg.Bot.ChannelIssuer, egress)
	if err != nil {
		return nil, fmt.Errorf("init channel auth: %w", err)
	}

	tokens := platform.NewClientCredentials(cfg.Bot.AppID, cfg.Bot.AppPassword,
		cfg.Bot.TokenEndpoint, cfg.Bot.OAuthScope, nil)
	return platform.NewAdapter(auth, platform.NewConnector(tokens, egress), logger), nil
}
