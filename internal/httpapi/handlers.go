package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Avicted/murmur/internal/auth"
	"github.com/Avicted/murmur/internal/crypto"
	"github.com/Avicted/murmur/internal/message"
	"github.com/Avicted/murmur/internal/metrics"
	"github.com/Avicted/murmur/internal/presence"
	"github.com/Avicted/murmur/internal/session"
	"github.com/Avicted/murmur/internal/user"
)

const (
	maxBodyBytes = 1 << 20
	timeLayout   = time.RFC3339Nano

	// UpstreamAuthHeader carries the shared secret of the proxy that
	// authenticated a login request.
	UpstreamAuthHeader = "X-Murmur-Upstream-Auth"
)

var errUnauthorizedBody = map[string]string{"error": "unauthorized"}

// ErrorLogger records handler failures. securelog.Logger implements it.
type ErrorLogger interface {
	Error(scope string, err error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter reports live relay connections. relay.Hub implements it.
type ConnectionCounter interface {
	ClientCount() int64
}

// Deps wires the handler to its services. Everything except Auth, Users,
// Messages and Presence is optional. /auth/login is mounted only when
// LoginSecret is set.
type Deps struct {
	Auth        *auth.Service
	Users       *user.Service
	Messages    *message.Service
	Presence    *presence.Service
	Relay       http.Handler
	Connections ConnectionCounter
	Health      Pinger
	Metrics     *metrics.Metrics
	Errors      ErrorLogger
	Limiter     *RateLimiter
	LoginSecret string
}

type Handler struct {
	auth        *auth.Service
	users       *user.Service
	messages    *message.Service
	presence    *presence.Service
	relay       http.Handler
	connections ConnectionCounter
	health      Pinger
	metrics     *metrics.Metrics
	errs        ErrorLogger
	limiter     *RateLimiter
	loginSecret []byte
}

func NewHandler(deps Deps) *Handler {
	h := &Handler{
		auth:        deps.Auth,
		users:       deps.Users,
		messages:    deps.Messages,
		presence:    deps.Presence,
		relay:       deps.Relay,
		connections: deps.Connections,
		health:      deps.Health,
		metrics:     deps.Metrics,
		errs:        deps.Errors,
		limiter:     deps.Limiter,
	}
	if deps.LoginSecret != "" {
		h.loginSecret = []byte(deps.LoginSecret)
	}
	return h
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.instrument)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	if h.relay != nil {
		r.Handle("/ws", h.relay).Methods(http.MethodGet)
	}

	authRoutes := r.PathPrefix("/auth").Subrouter()
	authRoutes.Use(h.limiter.Middleware(h.metrics))
	authRoutes.HandleFunc("/register", h.handleRegister).Methods(http.MethodPost)
	if h.loginSecret != nil {
		authRoutes.HandleFunc("/login", h.handleLogin).Methods(http.MethodPost)
	}
	authRoutes.HandleFunc("/logout", h.handleLogout).Methods(http.MethodPost)

	r.HandleFunc("/users/{id}", h.handleGetUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/presence", h.handlePresenceHistory).Methods(http.MethodGet)
	r.HandleFunc("/contacts", h.handleContacts).Methods(http.MethodGet)

	r.HandleFunc("/conversations/{id}/messages", h.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", h.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/delivered", h.handleMarkDelivered).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/read", h.handleMarkRead).Methods(http.MethodPost)

	r.HandleFunc("/presence/heartbeat", h.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/presence/active", h.handleActivePresence).Methods(http.MethodGet)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logError("health", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	resp := map[string]any{"status": "ok"}
	if h.connections != nil {
		resp["relay_clients"] = h.connections.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

type registerRequest struct {
	DisplayName string `json:"display_name"`
	ColorCode   string `json:"color_code"`
	Archetype   string `json:"archetype"`
}

type loginRequest struct {
	UserID user.ID `json:"user_id"`
}

type credentialsResponse struct {
	UserID      user.ID `json:"user_id"`
	DisplayName string  `json:"display_name"`
	ColorCode   string  `json:"color_code"`
	Archetype   string  `json:"archetype"`
	CreatedAt   string  `json:"created_at"`
	Token       string  `json:"token"`
	ExpiresAt   string  `json:"expires_at"`
	PublicKey   string  `json:"public_key"`
	PrivateKey  string  `json:"private_key,omitempty"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("auth service not configured"))
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	creds, err := h.auth.Register(r.Context(), req.DisplayName, req.ColorCode, req.Archetype, requestMetadata(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid profile"})
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCredentialsResponse(creds))
}

// handleLogin serves a trusted upstream that has already authenticated the
// user. It never returns the private key.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("auth service not configured"))
		return
	}
	if !h.fromTrustedUpstream(r) {
		h.unauthorized(w, "upstream_auth", auth.ErrUnauthorized)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	creds, err := h.auth.Login(r.Context(), req.UserID, requestMetadata(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		case errors.Is(err, auth.ErrUnauthorized):
			h.unauthorized(w, "login", err)
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, toCredentialsResponse(creds))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("auth service not configured"))
		return
	}
	token := bearerToken(r)
	if token == "" {
		h.unauthorized(w, "missing_token", auth.ErrUnauthorized)
		return
	}
	if err := h.auth.Logout(r.Context(), token); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fromTrustedUpstream(r *http.Request) bool {
	if len(h.loginSecret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(UpstreamAuthHeader)), h.loginSecret) == 1
}

func toCredentialsResponse(c auth.Credentials) credentialsResponse {
	return credentialsResponse{
		UserID:      c.Profile.ID,
		DisplayName: c.Profile.DisplayName,
		ColorCode:   c.Profile.ColorCode,
		Archetype:   c.Profile.Archetype,
		CreatedAt:   c.Profile.CreatedAt.UTC().Format(timeLayout),
		Token:       c.Session.Token,
		ExpiresAt:   c.Session.ExpiresAt.UTC().Format(timeLayout),
		PublicKey:   c.PublicKey,
		PrivateKey:  c.PrivateKey,
	}
}

// authenticate writes the failure response itself and reports whether the
// caller may continue.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	if h.auth == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("auth service not configured"))
		return session.Session{}, false
	}
	token := bearerToken(r)
	if token == "" {
		h.unauthorized(w, "missing_token", auth.ErrUnauthorized)
		return session.Session{}, false
	}
	sess, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.unauthorized(w, "invalid_token", err)
			return session.Session{}, false
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return session.Session{}, false
	}
	return sess, true
}

type profileResponse struct {
	ID          user.ID `json:"id"`
	DisplayName string  `json:"display_name"`
	ColorCode   string  `json:"color_code"`
	Archetype   string  `json:"archetype"`
	PublicKey   string  `json:"public_key"`
	CreatedAt   string  `json:"created_at"`
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	if h.users == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("user service not configured"))
		return
	}

	id := user.ID(mux.Vars(r)["id"])
	profile, found, err := h.users.GetProfile(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	keys, found, err := h.users.GetKeyRecord(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}

	writeJSON(w, http.StatusOK, profileResponse{
		ID:          profile.ID,
		DisplayName: profile.DisplayName,
		ColorCode:   profile.ColorCode,
		Archetype:   profile.Archetype,
		PublicKey:   keys.PublicKey,
		CreatedAt:   profile.CreatedAt.UTC().Format(timeLayout),
	})
}

type contactResponse struct {
	ID          user.ID `json:"id"`
	DisplayName string  `json:"display_name"`
	ColorCode   string  `json:"color_code"`
	Archetype   string  `json:"archetype"`
	PublicKey   string  `json:"public_key"`
	Online      bool    `json:"online"`
}

func (h *Handler) handleContacts(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.users == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("user service not configured"))
		return
	}

	contacts, err := h.users.ListContacts(r.Context(), sess.UserID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := make([]contactResponse, 0, len(contacts))
	for _, c := range contacts {
		resp = append(resp, contactResponse{
			ID:          c.ID,
			DisplayName: c.DisplayName,
			ColorCode:   c.ColorCode,
			Archetype:   c.Archetype,
			PublicKey:   c.PublicKey,
			Online:      h.presence != nil && h.presence.IsOnline(c.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": resp})
}

type sendMessageRequest struct {
	Envelope *crypto.Envelope `json:"envelope,omitempty"`
	Payload  []byte           `json:"payload"`
	Mood     *string          `json:"mood,omitempty"`
	Weight   *float64         `json:"weight,omitempty"`
}

type messageResponse struct {
	ID             message.ID       `json:"id"`
	ConversationID string           `json:"conversation_id"`
	SenderID       user.ID          `json:"sender_id"`
	Envelope       *crypto.Envelope `json:"envelope,omitempty"`
	Nonce          string           `json:"nonce"`
	CipherText     string           `json:"cipher_text"`
	Payload        []byte           `json:"payload,omitempty"`
	CreatedAt      string           `json:"created_at"`
	DeliveredAt    *string          `json:"delivered_at,omitempty"`
	ReadAt         *string          `json:"read_at,omitempty"`
	Mood           *string          `json:"mood,omitempty"`
	Weight         *float64         `json:"weight,omitempty"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.messages == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("message service not configured"))
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	stored, err := h.messages.Store(r.Context(), message.StoreRequest{
		ConversationID: mux.Vars(r)["id"],
		SenderID:       sess.UserID,
		Envelope:       req.Envelope,
		Payload:        req.Payload,
		Mood:           req.Mood,
		Weight:         req.Weight,
	})
	if err != nil {
		if errors.Is(err, message.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message"})
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(stored, nil))
}

// handleListMessages returns sealed records. The at-rest layer is opened
// only for messages the caller sent.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.messages == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("message service not configured"))
		return
	}

	msgs, err := h.messages.ListConversation(r.Context(), mux.Vars(r)["id"], queryLimit(r))
	if err != nil {
		if errors.Is(err, message.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation"})
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, msg := range msgs {
		var payload []byte
		if msg.SenderID == sess.UserID {
			payload, err = h.messages.Open(msg)
			if err != nil {
				h.writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		resp = append(resp, toMessageResponse(msg, payload))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": resp})
}

func (h *Handler) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.markMessage(w, r, func(ctx context.Context, id message.ID) error {
		return h.messages.MarkDelivered(ctx, id)
	})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	h.markMessage(w, r, func(ctx context.Context, id message.ID) error {
		return h.messages.MarkRead(ctx, id)
	})
}

func (h *Handler) markMessage(w http.ResponseWriter, r *http.Request, mark func(context.Context, message.ID) error) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	if h.messages == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("message service not configured"))
		return
	}
	if err := mark(r.Context(), message.ID(mux.Vars(r)["id"])); err != nil {
		switch {
		case errors.Is(err, message.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
		case errors.Is(err, message.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toMessageResponse(msg message.StoredMessage, payload []byte) messageResponse {
	return messageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Envelope:       msg.Envelope,
		Nonce:          msg.Nonce,
		CipherText:     msg.CipherText,
		Payload:        payload,
		CreatedAt:      msg.CreatedAt.UTC().Format(timeLayout),
		DeliveredAt:    formatOptional(msg.DeliveredAt),
		ReadAt:         formatOptional(msg.ReadAt),
		Mood:           msg.Mood,
		Weight:         msg.Weight,
	}
}

type heartbeatRequest struct {
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
}

type presenceEntry struct {
	UserID    user.ID `json:"user_id"`
	Status    string  `json:"status"`
	EmittedAt string  `json:"emitted_at"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.presence == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("presence service not configured"))
		return
	}

	var req heartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	active, err := h.presence.Record(r.Context(), sess.UserID, req.Status, req.Signature)
	if err != nil {
		if errors.Is(err, presence.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid heartbeat"})
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": toPresenceEntries(active)})
}

func (h *Handler) handleActivePresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	if h.presence == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("presence service not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": toPresenceEntries(h.presence.Active())})
}

func (h *Handler) handlePresenceHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	if h.presence == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("presence service not configured"))
		return
	}
	events, err := h.presence.History(r.Context(), user.ID(mux.Vars(r)["id"]), queryLimit(r))
	if err != nil {
		if errors.Is(err, presence.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toPresenceEntries(events)})
}

func toPresenceEntries(events []presence.Event) []presenceEntry {
	out := make([]presenceEntry, 0, len(events))
	for _, ev := range events {
		out = append(out, presenceEntry{
			UserID:    ev.UserID,
			Status:    string(ev.Status),
			EmittedAt: ev.EmittedAt.UTC().Format(timeLayout),
		})
	}
	return out
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

func requestMetadata(r *http.Request) map[string]string {
	agent := strings.TrimSpace(r.UserAgent())
	if agent == "" {
		return nil
	}
	return map[string]string{"user_agent": agent}
}

func queryLimit(r *http.Request) int {
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			return parsed
		}
	}
	return 0
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// unauthorized answers every auth failure with the same body so callers
// cannot tell an unknown user from a dead session.
func (h *Handler) unauthorized(w http.ResponseWriter, reason string, err error) {
	h.metrics.AuthFailure(reason)
	h.logError("unauthorized", err)
	writeJSON(w, http.StatusUnauthorized, errUnauthorizedBody)
}

// writeError logs the cause and sends a generic body; internal errors never
// reach the client.
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.logError("httpapi", err)
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
}

func (h *Handler) logError(scope string, err error) {
	if h.errs != nil {
		h.errs.Error(scope, err)
	}
}
