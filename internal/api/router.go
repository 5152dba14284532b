package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)    // Tag each request for the log line
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

		// User-authenticated routes; the token subject is the user key
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Prompt and quota routes
			r.Post("/prompt", apiHandler.SubmitPromptHandler)
			r.Get("/quota", apiHandler.GetQuotaHandler)
			r.Post("/quota/consume", apiHandler.ConsumePromptHandler)

			// Profile routes
			r.Get("/profile", apiHandler.GetProfileHandler)
			r.Put("/profile", apiHandler.SetProfileHandler)

			// Chat routes
			r.Post("/chats", apiHandler.CreateChatHandler)
			r.Get("/chats", apiHandler.ListChatsHandler)
			r.Get("/chats/{chatID}", apiHandler.GetChatHistoryHandler)
			r.Patch("/chats/{chatID}", apiHandler.RenameChatHandler)
			r.Delete("/chats/{chatID}", apiHandler.DeleteChatHandler)
			r.Post("/chats/{chatID}/messages", apiHandler.AppendMessageHandler)
			r.Post("/chats/{chatID}/prompt", apiHandler.ChatPromptHandler)
		})
	})

	return r
}
