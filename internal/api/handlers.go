package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"lawbase.hk/legal-assistant/internal/auth"
	"lawbase.hk/legal-assistant/internal/core"
	"lawbase.hk/legal-assistant/internal/store"
)

const (
	maxSearchChars   = 1000
	maxQuestionChars = 2000
)

type contextKey string

const principalKey contextKey = "principal"

type APIHandler struct {
	store         store.Store
	rag           *core.RAGService
	consultant    *core.ConsultantService
	conversations *core.ConversationService
	accountant    *core.TokenAccountant
	starterTokens int64
}

func NewAPIHandler(st store.Store, rag *core.RAGService, consultant *core.ConsultantService, conversations *core.ConversationService, accountant *core.TokenAccountant, starterTokens int64) *APIHandler {
	return &APIHandler{
		store:         st,
		rag:           rag,
		consultant:    consultant,
		conversations: conversations,
		accountant:    accountant,
		starterTokens: starterTokens,
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
		externalUserID, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.store.GetUserByExternalID(externalUserID)
		if err != nil {
			log.Printf("Error resolving user %s: %v", externalUserID, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		principal := &core.Principal{
			UserID:     user.ID,
			ExternalID: user.ExternalUserID,
			Role:       user.Role,
		}
		credit, err := h.store.GetTokenCredit(user.ID)
		if err != nil {
			log.Printf("Error loading token credit for user %d: %v", user.ID, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if credit != nil {
			principal.RemainingTokens = credit.RemainingTokens
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) *core.Principal {
	p, _ := r.Context().Value(principalKey).(*core.Principal)
	return p
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Error hashing password for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.store.CreateUser(req.UserID, hashedPassword, core.RoleFree, h.starterTokens)
	if err != nil {
		log.Printf("Error creating user %s: %v", req.UserID, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.store.GetUserByExternalID(req.UserID)
	if err != nil {
		log.Printf("Error getting user %s: %v", req.UserID, err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(req.UserID)
	if err != nil {
		log.Printf("Error generating JWT for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// gate runs the boundary checks shared by the feature endpoints, in order:
// non-empty input, length cap, feature entitlement, estimated-cost balance
// pre-check. All of them fail before any paid model call.
func (h *APIHandler) gate(w http.ResponseWriter, p *core.Principal, input string, maxChars int, feature core.Feature) bool {
	if strings.TrimSpace(input) == "" {
		http.Error(w, "Input text is required", http.StatusBadRequest)
		return false
	}
	if utf8.RuneCountInString(input) > maxChars {
		http.Error(w, "Input text is too long", http.StatusBadRequest)
		return false
	}
	if !p.CanAccess(feature) {
		http.Error(w, "Your plan does not include this feature", http.StatusForbidden)
		return false
	}
	if !h.accountant.HasSufficientBalance(p, h.accountant.Estimate(input, feature)) {
		http.Error(w, "Insufficient token balance", http.StatusPaymentRequired)
		return false
	}
	return true
}

type SearchRequest struct {
	Query string `json:"query"`
}

func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !h.gate(w, p, req.Query, maxSearchChars, core.FeatureSearch) {
		return
	}

	result, err := h.rag.Search(r.Context(), p, req.Query)
	if err != nil {
		log.Printf("Search failed for user %d: %v", p.UserID, err)
		http.Error(w, "Search failed", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(result)
}

type QARequest struct {
	Question string `json:"question"`
}

func (h *APIHandler) QAHandler(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	var req QARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !h.gate(w, p, req.Question, maxQuestionChars, core.FeatureQA) {
		return
	}

	reporter, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if err := h.rag.Answer(r.Context(), p, req.Question, reporter); err != nil {
		// The user already got the safe error event; keep the cause in logs.
		log.Printf("QA pipeline failed for user %d: %v", p.UserID, err)
	}
}

func (h *APIHandler) ConsultantHandler(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	var req core.ConsultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !h.gate(w, p, req.Message, maxQuestionChars, core.FeatureConsultant) {
		return
	}

	reporter, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if err := h.consultant.Consult(r.Context(), p, req, reporter); err != nil {
		log.Printf("Consultant pipeline failed for user %d: %v", p.UserID, err)
	}
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	conversations, err := h.conversations.List(p.UserID)
	if err != nil {
		log.Printf("Error listing conversations for user %d: %v", p.UserID, err)
		http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(conversations)
}

type ConversationDetailResponse struct {
	*store.Conversation
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	conversationID := chi.URLParam(r, "conversationID")

	conv, messages, err := h.conversations.Get(conversationID, p.UserID)
	if err != nil {
		log.Printf("Error getting conversation %s for user %d: %v", conversationID, p.UserID, err)
		http.Error(w, "Failed to get conversation", http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(ConversationDetailResponse{Conversation: conv, Messages: messages})
}

type TokenBalanceResponse struct {
	*store.TokenCredit
	RecentEntries []store.LedgerEntry `json:"recent_entries"`
}

func (h *APIHandler) TokenBalanceHandler(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	credit, err := h.store.GetTokenCredit(p.UserID)
	if err != nil {
		log.Printf("Error getting token credit for user %d: %v", p.UserID, err)
		http.Error(w, "Failed to get token balance", http.StatusInternalServerError)
		return
	}
	if credit == nil {
		http.Error(w, "Token account not found", http.StatusNotFound)
		return
	}

	entries, err := h.store.GetLedgerEntries(p.UserID, 20)
	if err != nil {
		log.Printf("Error getting ledger for user %d: %v", p.UserID, err)
		http.Error(w, "Failed to get token balance", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(TokenBalanceResponse{TokenCredit: credit, RecentEntries: entries})
}
