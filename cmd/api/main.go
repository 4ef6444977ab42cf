package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/pneumoscan/backend/internal/config"
	"github.com/zhouzirui/pneumoscan/backend/internal/handler"
	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/ai"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/chat"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/inference"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/session"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/upload"
	"github.com/zhouzirui/pneumoscan/backend/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := utils.ConfigureLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logger")
	}
	if envErr != nil {
		log.Warn().Err(envErr).Msg("no .env file loaded, continuing with system environment variables only")
	}

	ledger := prediction.NewMemoryLedger(0)
	client := inference.NewClient(cfg.Upstream.PredictEndpoint, cfg.Upstream.ChatEndpoint, cfg.Upstream.Timeout)
	passthrough := inference.NewClient(cfg.Upstream.BackendURL+"/predict", "", cfg.Upstream.Timeout)

	manager := session.NewManager(session.TimerScheduler{}, cfg.Session.WelcomeDelay)

	services := handler.Services{
		Sessions: manager,
		Uploads:  upload.NewFlow(client, ledger),
		Chats:    chat.NewFlow(client),
		Upstream: passthrough,
		Ledger:   ledger,
	}

	// Initialize AI service
	if cfg.AI.Enabled() {
		assistant, err := newAssistant(ctx, cfg.AI, ledger)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize AI service, continuing without /api/chat")
		} else {
			services.Assistant = assistant
			log.Info().Str("model", cfg.AI.Model).Bool("streaming", cfg.AI.StreamResponse).Msg("AI service initialized")
		}
	} else {
		log.Info().Msg("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	router := handler.NewRouter(cfg.Server, services)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("predict", cfg.Upstream.PredictEndpoint).
			Str("chat", cfg.Upstream.ChatEndpoint).
			Msg("PneumoScan backend listening")
		return runServer(gctx, srv)
	})
	g.Go(func() error {
		return manager.RunEvictor(gctx, cfg.Session.SweepInterval, cfg.Session.IdleTTL)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("shutdown complete")
}

func newAssistant(ctx context.Context, cfg config.AIConfig, ledger prediction.Ledger) (*ai.Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}
	return ai.NewService(ctx, chatModel, ledger, cfg.StreamResponse)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
