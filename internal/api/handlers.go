package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gwi.com/chatkeeper/internal/auth"
	"gwi.com/chatkeeper/internal/core"
	"gwi.com/chatkeeper/internal/quota"
	"gwi.com/chatkeeper/internal/store"
)

type ctxKey int

const userKeyCtx ctxKey = iota

type APIHandler struct {
	chats        *store.ChatStore
	profiles     *store.ProfileStore
	gate         *quota.Gate
	conversation *core.ConversationService
	jwtSecret    []byte
}

func NewAPIHandler(chats *store.ChatStore, profiles *store.ProfileStore, gate *quota.Gate, conversation *core.ConversationService, jwtSecret []byte) *APIHandler {
	return &APIHandler{
		chats:        chats,
		profiles:     profiles,
		gate:         gate,
		conversation: conversation,
		jwtSecret:    jwtSecret,
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		user, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			slog.Debug("rejected token", "err", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userKeyCtx, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) store.UserKey {
	user, _ := r.Context().Value(userKeyCtx).(store.UserKey)
	return user
}

func chatIDFrom(r *http.Request) store.ChatID {
	return store.ChatID(chi.URLParam(r, "chatID"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type PromptRequest struct {
	Prompt string `json:"prompt"`
}

type PromptResponse struct {
	Answer string `json:"answer"`
}

// SubmitPromptHandler forwards the prompt as-is. It does not touch the quota
// gate; clients call /quota/consume first.
func (h *APIHandler) SubmitPromptHandler(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if !decode(w, r, &req) {
		return
	}
	answer := h.conversation.SubmitPrompt(r.Context(), req.Prompt)
	writeJSON(w, http.StatusOK, PromptResponse{Answer: answer})
}

type ConsumeResponse struct {
	Allowed bool `json:"allowed"`
}

func (h *APIHandler) ConsumePromptHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConsumeResponse{Allowed: h.gate.TryConsume(userFrom(r))})
}

type QuotaResponse struct {
	quota.State
	Limit         uint32 `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
}

func (h *APIHandler) GetQuotaHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, QuotaResponse{
		State:         h.gate.State(userFrom(r)),
		Limit:         h.gate.Limit(),
		WindowSeconds: int64(h.gate.Window().Seconds()),
	})
}

type CreateChatRequest struct {
	ID   store.ChatID `json:"id,omitempty"`
	Name string       `json:"name"`
}

// CreateChatHandler generates an id when the client supplies none. Creating an
// existing id leaves that chat unchanged.
func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = store.ChatID(uuid.NewString())
	}
	h.chats.CreateChat(userFrom(r), req.ID, req.Name)
	writeJSON(w, http.StatusCreated, store.ChatMeta{ID: req.ID, Name: req.Name})
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chats.ListChats(userFrom(r)))
}

func (h *APIHandler) GetChatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := h.chats.GetChatHistory(userFrom(r), chatIDFrom(r))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("failed to get chat history", "chat_id", chatIDFrom(r), "err", err)
		http.Error(w, "Failed to get chat history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type RenameChatRequest struct {
	Name string `json:"name"`
}

type RenameChatResponse struct {
	Renamed bool `json:"renamed"`
}

func (h *APIHandler) RenameChatHandler(w http.ResponseWriter, r *http.Request) {
	var req RenameChatRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, RenameChatResponse{Renamed: h.chats.RenameChat(userFrom(r), chatIDFrom(r), req.Name)})
}

type DeleteChatResponse struct {
	Deleted bool `json:"deleted"`
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DeleteChatResponse{Deleted: h.chats.DeleteChat(userFrom(r), chatIDFrom(r))})
}

// AppendMessageHandler always answers 204, whether or not the chat exists.
func (h *APIHandler) AppendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var turn store.MessageTurn
	if !decode(w, r, &turn) {
		return
	}
	h.chats.AppendMessage(userFrom(r), chatIDFrom(r), turn.Question, turn.Answer)
	w.WriteHeader(http.StatusNoContent)
}

type ChatPromptResponse struct {
	Allowed bool   `json:"allowed"`
	Answer  string `json:"answer,omitempty"`
}

// ChatPromptHandler runs the full prompt flow for one chat: quota check,
// completion, then recording the turn. A refused prompt is answered with 429
// and reaches neither the provider nor the chat. Once the prompt is charged
// the completion runs to its own timeout even if the client goes away, so
// the recorded turn holds the real answer.
func (h *APIHandler) ChatPromptHandler(w http.ResponseWriter, r *http.Request) {
	user, chatID := userFrom(r), chatIDFrom(r)

	var req PromptRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.gate.TryConsume(user) {
		writeJSON(w, http.StatusTooManyRequests, ChatPromptResponse{Allowed: false})
		return
	}

	answer := h.conversation.SubmitPrompt(context.WithoutCancel(r.Context()), req.Prompt)
	h.chats.AppendMessage(user, chatID, req.Prompt, answer)
	writeJSON(w, http.StatusOK, ChatPromptResponse{Allowed: true, Answer: answer})
}

type ProfileRequest struct {
	Name string `json:"name"`
}

type ProfileResponse struct {
	Name string `json:"name"`
}

func (h *APIHandler) GetProfileHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProfileResponse{Name: h.profiles.GetName(userFrom(r))})
}

func (h *APIHandler) SetProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if !decode(w, r, &req) {
		return
	}
	h.profiles.SetName(userFrom(r), req.Name)
	w.WriteHeader(http.StatusNoContent)
}
