package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/auth/sync", apiHandler.SyncUserHandler)
			r.Get("/me", apiHandler.MeHandler)

			// Conversation routes
			r.Get("/conversations", apiHandler.ListConversationsHandler)
			r.Post("/conversations", apiHandler.CreateConversationHandler)
			r.Get("/conversations/{conversationID}", apiHandler.GetConversationHandler)
			r.Patch("/conversations/{conversationID}", apiHandler.UpdateConversationHandler)
			r.Delete("/conversations/{conversationID}", apiHandler.DeleteConversationHandler)
			r.Post("/conversations/{conversationID}/messages", apiHandler.SendMessageHandler)

			// Reference corpus (admin only, enforced in the service)
			r.Post("/embeddings", apiHandler.CreateEmbeddingHandler)
		})
	})

	return r
}
