package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/handshake"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/pkg/models"
)

const maxBodyBytes = 64 << 10

type handshakeResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

type typingRequest struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

type notifyRequest struct {
	ID          string               `json:"id"`
	RecipientID string               `json:"recipientId"`
	Content     string               `json:"content"`
	Status      models.MessageStatus `json:"status"`
	CreatedAt   time.Time            `json:"createdAt"`
}

type onlineResponse struct {
	Users []string `json:"users"`
}

type userOnlineResponse struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	if !s.handshakeLimiter.Allow(user.ID) {
		wait := s.handshakeLimiter.WaitTime(user.ID)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "too many handshake requests")
		return
	}

	token, err := s.issuer.Issue(user.ID)
	if err != nil {
		observability.LoggerFromContext(r.Context(), s.logger).Error("handshake issue failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue handshake token")
		return
	}
	s.metrics.Handshake("issued", 1)
	observability.LoggerFromContext(r.Context(), s.logger).Debug("handshake issued",
		"user_id", user.ID,
		"fingerprint", handshake.Fingerprint(token),
	)
	writeJSON(w, http.StatusOK, handshakeResponse{
		Token:     token,
		ExpiresIn: int(s.issuer.TTL().Seconds()),
	})
}

// resolveSession authenticates a stream request by its handshake token.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return "", false
	}
	token := strings.TrimSpace(r.URL.Query().Get("session"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return "", false
	}
	userID, err := s.issuer.Resolve(token)
	if err != nil {
		s.metrics.Handshake("rejected", 1)
		if !errors.Is(err, handshake.ErrNotFound) {
			observability.LoggerFromContext(r.Context(), s.logger).Warn("handshake resolve failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid or expired session token")
		return "", false
	}
	s.metrics.Handshake("resolved", 1)
	return userID, true
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req typingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	if req.RecipientID == "" {
		writeError(w, http.StatusBadRequest, "recipientId is required")
		return
	}

	// the response never reveals whether the recipient is online; a stop
	// signal is never limited so the indicator cannot stay stuck on
	if !req.IsTyping || s.typingLimiter.Allow(user.ID) {
		s.notifier.NotifyTyping(user.ID, req.RecipientID, req.IsTyping)
	} else {
		observability.LoggerFromContext(r.Context(), s.logger).Debug("typing signal rate limited", "user_id", user.ID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req notifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := models.Message{
		ID:          strings.TrimSpace(req.ID),
		SenderID:    user.ID,
		RecipientID: strings.TrimSpace(req.RecipientID),
		Content:     req.Content,
		Status:      req.Status,
		CreatedAt:   req.CreatedAt,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusSent
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	delivered := s.notifier.NotifyNewMessage(msg)
	writeJSON(w, http.StatusOK, map[string]any{
		"messageId": msg.ID,
		"delivered": delivered,
	})
}

func (s *Server) handleListOnline(w http.ResponseWriter, r *http.Request) {
	users := s.registry.ListOnline().ToSlice()
	slices.Sort(users)
	writeJSON(w, http.StatusOK, onlineResponse{Users: users})
}

func (s *Server) handleUserOnline(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	writeJSON(w, http.StatusOK, userOnlineResponse{
		UserID:   userID,
		IsOnline: s.registry.IsOnline(userID),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
		"sessions":    s.issuer.Len(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
