package handlers

import (
	"net/http"

	"github.com/gluk-w/protonet/internal/auth"
	"github.com/gluk-w/protonet/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the observer API. Everything under /api/v1 requires the
// bearer token when verifier is enabled.
func NewRouter(verifier *auth.Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(verifier))

		// Hosts
		r.Get("/hosts", ListHosts)
		r.Post("/hosts", CreateHost)
		r.Post("/hosts/import", ImportHosts)
		r.Get("/hosts/{id}", GetHost)
		r.Put("/hosts/{id}", UpdateHost)
		r.Delete("/hosts/{id}", DeleteHost)
		r.Get("/hosts/{id}/channels", ListHostChannels)
		r.Post("/hosts/{id}/channels", CreateHostChannel)
		r.Delete("/hosts/{id}/channels/{channelId}", DeleteHostChannel)
		r.Get("/ssh-key", GetSSHKey)

		// Sessions
		r.Get("/sessions", ListSessions)
		r.Post("/sessions", OpenSession)
		r.Get("/sessions/{nickname}", GetSession)
		r.Delete("/sessions/{nickname}", CloseSession)
		r.Post("/sessions/{nickname}/reconnect", ReconnectSession)
		r.Post("/sessions/{nickname}/input", SendInput)
		r.Put("/sessions/{nickname}/charset", SetCharset)
		r.Put("/sessions/{nickname}/channels/{channelId}", SetChannelEnabled)
		r.Get("/sessions/{nickname}/events", GetSessionEvents)
		r.Get("/sessions/{nickname}/prompt", GetPrompt)
		r.Post("/sessions/{nickname}/prompt", RespondPrompt)
		r.Get("/sessions/{nickname}/terminal", SessionTerminal)

		r.Get("/disconnected", ListDisconnected)
		r.Post("/connectivity", SetConnectivity)

		r.Get("/logs", GetServerLogs)
		r.Delete("/logs", ClearServerLogs)
	})

	return r
}
