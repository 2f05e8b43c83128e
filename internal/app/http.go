package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"recoveryjourney/api/internal/chat"
	"recoveryjourney/api/internal/content"
	"recoveryjourney/api/internal/identity"
	"recoveryjourney/api/internal/profile"
	"recoveryjourney/api/internal/session"
	"recoveryjourney/api/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ServerConfig struct {
	Devices  *Devices
	Chat     *chat.Service
	Content  *content.Service
	Database Pinger
	Cache    Pinger
	// Registry is served on /metrics when set.
	Registry   *prometheus.Registry
	CORSOrigin string
	// AuthDomain picks the identity auth domain reported for a request host.
	AuthDomain func(host string) string
	Logger     *zap.Logger
}

type HTTPServer struct {
	devices    *Devices
	chat       *chat.Service
	content    *content.Service
	database   Pinger
	cache      Pinger
	registry   *prometheus.Registry
	corsOrigin string
	authDomain func(host string) string
	log        *zap.Logger
}

func NewHTTPServer(cfg ServerConfig) *HTTPServer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPServer{
		devices:    cfg.Devices,
		chat:       cfg.Chat,
		content:    cfg.Content,
		database:   cfg.Database,
		cache:      cfg.Cache,
		registry:   cfg.Registry,
		corsOrigin: cfg.CORSOrigin,
		authDomain: cfg.AuthDomain,
		log:        cfg.Logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(s.corsOrigin),
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Device-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-Device-ID"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	r.Get("/api/content", s.handleContent)

	r.Group(func(r chi.Router) {
		r.Use(s.withDevice)

		r.Get("/api/session", s.handleSession)
		r.Post("/api/session/login", s.handleLogin)
		r.Post("/api/session/register", s.handleRegister)
		r.Post("/api/session/federated", s.handleFederated)
		r.Post("/api/session/logout", s.handleLogout)
		r.Patch("/api/session/profile", s.handleProfile)
		r.Put("/api/session/network", s.handleNetwork)
		r.Get("/api/session/notifications", s.handleNotifications)

		r.Post("/api/chat", s.handleChat)
		r.Get("/api/chat/history", s.handleChatHistory)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, dep := range map[string]Pinger{"database": s.database, "cache": s.cache} {
		if dep == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":      status == "ready",
		"status":  status,
		"checks":  checks,
		"devices": s.devices.Len(),
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	dev := deviceFrom(r)
	view := sessionView(dev.Session.Current())
	if s.authDomain != nil {
		view["authDomain"] = s.authDomain(r.Host)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Email) == "" || body.Password == "" {
		s.fail(w, r, validationError("Email and password are required"))
		return
	}

	p, err := deviceFrom(r).Session.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": p})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Email) == "" || body.Password == "" || strings.TrimSpace(body.Name) == "" {
		s.fail(w, r, validationError("Name, email and password are required"))
		return
	}

	dev := deviceFrom(r)
	if err := dev.Session.Register(r.Context(), body.Email, body.Password, strings.TrimSpace(body.Name)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":     dev.Session.Current().Profile,
		"redirect": dev.Redirects.Take(),
	})
}

func (s *HTTPServer) handleFederated(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDToken string `json:"idToken"`
		// ProviderError carries a client-side popup failure code.
		ProviderError string `json:"providerError"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	flow := identity.StaticFlow{Token: body.IDToken, Code: body.ProviderError}
	p, err := deviceFrom(r).Session.LoginWithFederated(r.Context(), flow)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": p})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := deviceFrom(r).Session.Logout(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	var patch profile.Patch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if patch.Empty() {
		s.fail(w, r, validationError("No profile fields supplied"))
		return
	}
	if patch.MoodEntries != nil && *patch.MoodEntries < 0 {
		s.fail(w, r, validationError("moodEntries must not be negative"))
		return
	}

	dev := deviceFrom(r)
	if err := dev.Session.UpdateProfile(r.Context(), patch); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    dev.Session.Current().Profile,
		"pending": len(dev.Session.Pending(r.Context())),
	})
}

func (s *HTTPServer) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Online == nil {
		s.fail(w, r, validationError("online is required"))
		return
	}

	changed := deviceFrom(r).Network.Set(*body.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": *body.Online, "changed": changed})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": deviceFrom(r).Notes.Drain()})
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	dev := deviceFrom(r)
	user := dev.Session.Current().Profile
	if user == nil {
		s.fail(w, r, session.ErrNoProfile)
		return
	}
	if !dev.Network.Online() {
		s.fail(w, r, &session.OfflineError{Op: "chat"})
		return
	}

	reply, err := s.chat.Reply(r.Context(), user.ID, body.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

func (s *HTTPServer) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	user := deviceFrom(r).Session.Current().Profile
	if user == nil {
		s.fail(w, r, session.ErrNoProfile)
		return
	}
	messages, err := s.chat.History(r.Context(), user.ID)
	if err != nil {
		s.log.Warn("chat history unavailable", zap.String("uid", user.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleContent(w http.ResponseWriter, r *http.Request) {
	q := content.Query{
		Text:  strings.TrimSpace(r.URL.Query().Get("q")),
		Topic: strings.TrimSpace(r.URL.Query().Get("topic")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.fail(w, r, validationError("limit must be a non-negative integer"))
			return
		}
		q.Limit = limit
	}
	writeJSON(w, http.StatusOK, s.content.Search(q))
}

func sessionView(st session.State) map[string]any {
	var errMessage any
	if st.Err != nil {
		errMessage = st.Err.Error()
	}
	return map[string]any{
		"authenticated": st.Profile != nil,
		"user":          st.Profile,
		"loading":       st.Loading,
		"online":        st.Online,
		"initialized":   st.Initialized,
		"error":         errMessage,
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

type deviceKey struct{}

// withDevice resolves the caller's device session from X-Device-ID. A new
// device id is issued when the header is absent.
func (s *HTTPServer) withDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Device-ID")
		if strings.TrimSpace(id) == "" {
			id = util.NewID("dev")
		}
		dev, err := s.devices.Get(id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("X-Device-ID", dev.ID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey{}, dev)))
	})
}

func deviceFrom(r *http.Request) *Device {
	dev, _ := r.Context().Value(deviceKey{}).(*Device)
	return dev
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("")[:16]
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func allowedOrigins(corsOrigin string) []string {
	var origins []string
	for _, origin := range strings.Split(corsOrigin, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
