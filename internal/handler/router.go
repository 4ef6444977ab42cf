package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pneumoscan/backend/internal/config"
	"github.com/zhouzirui/pneumoscan/backend/internal/handler/assistant"
	"github.com/zhouzirui/pneumoscan/backend/internal/handler/proxy"
	sessionhandler "github.com/zhouzirui/pneumoscan/backend/internal/handler/session"
	"github.com/zhouzirui/pneumoscan/backend/internal/middleware"
	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
	chatflow "github.com/zhouzirui/pneumoscan/backend/internal/service/chat"
	sessionsvc "github.com/zhouzirui/pneumoscan/backend/internal/service/session"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/upload"
	"github.com/zhouzirui/pneumoscan/backend/internal/web"
	"github.com/zhouzirui/pneumoscan/backend/pkg/utils"
)

// Services bundles what the HTTP layer drives.
type Services struct {
	Sessions *sessionsvc.Manager
	Uploads  *upload.Flow
	Chats    *chatflow.Flow
	Upstream proxy.Forwarder
	Ledger   prediction.Ledger
	// Assistant is nil when no LLM is configured.
	Assistant assistant.Answerer
}

// NewRouter wires HTTP routes to core services.
func NewRouter(serverCfg config.ServerConfig, svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(serverCfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"sessions":  svc.Sessions.Count(),
			"assistant": svc.Assistant != nil,
		})
	})

	if ui, err := web.New(); err != nil {
		log.Warn().Err(err).Msg("web ui assets unavailable")
	} else {
		ui.RegisterRoutes(r)
	}

	proxy.New(svc.Upstream, svc.Ledger, serverCfg.MaxUploadBytes).RegisterRoutes(r)

	sessionHandler := sessionhandler.New(svc.Sessions, svc.Uploads, svc.Chats, serverCfg.MaxUploadBytes)
	assistantHandler := assistant.New(svc.Assistant)

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		assistantHandler.RegisterRoutes(api)
	})

	return r
}
