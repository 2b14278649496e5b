package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sitepress/api/internal/auth"
	"sitepress/api/internal/logger"
	"sitepress/api/internal/settings"
	"sitepress/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		session, err := s.service.Login(r.Context(), body.Email)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    session.Token,
			Path:     "/",
			Expires:  session.ExpiresAt,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"token": session.Token,
			"email": session.Email,
			"role":  session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := requestToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "email": session.Email, "role": session.Role})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "settings" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		s.handleSettings(w, r, session, parts[2:])
		return
	}

	routeNotFound(w)
}

func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			stage, ok := stageParam(w, r)
			if !ok {
				return
			}
			doc, err := s.service.GetSettings(ctx, session, stage)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "settings": doc})
		case http.MethodPut:
			stage, ok := stageParam(w, r)
			if !ok {
				return
			}
			var body struct {
				Settings settings.Document `json:"settings"`
			}
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			doc, err := s.service.PutDraft(ctx, session, stage, body.Settings)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "settings": doc})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[0] {
	case "lock":
		if len(parts) != 1 {
			break
		}
		switch r.Method {
		case http.MethodGet:
			lock, err := s.service.GetLock(ctx, session)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"lock": lock})
		case http.MethodPost:
			var body struct {
				TTLSeconds int `json:"ttlSeconds"`
			}
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			lock, err := s.service.AcquireLock(ctx, session, body.TTLSeconds)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"lock": lock})
		case http.MethodDelete:
			released, err := s.service.ReleaseLock(ctx, session)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"released": released})
		default:
			methodNotAllowed(w)
		}
		return

	case "pull":
		if len(parts) != 1 || r.Method != http.MethodPost {
			break
		}
		doc, err := s.service.PullLive(ctx, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stage": settings.StageDraft, "settings": doc})
		return

	case "publish":
		if len(parts) != 1 || r.Method != http.MethodPost {
			break
		}
		var body PublishInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		doc, version, err := s.service.Publish(ctx, session, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stage": settings.StageLive, "settings": doc, "version": version})
		return

	case "history":
		if len(parts) != 1 || r.Method != http.MethodGet {
			break
		}
		stage, ok := stageParam(w, r)
		if !ok {
			return
		}
		entries, err := s.service.History(ctx, session, stage, intParam(r, "limit", 20))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "entries": entries})
		return

	case "versions":
		s.handleVersions(w, r, session, parts[1:])
		return

	case "deployments":
		s.handleDeployments(w, r, session, parts[1:])
		return
	}

	routeNotFound(w)
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			var stage settings.Stage
			if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
				parsed, err := settings.ParseStage(raw)
				if err != nil {
					writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
					return
				}
				stage = parsed
			}
			versions, err := s.service.ListVersions(ctx, session, VersionListInput{
				Limit: intParam(r, "limit", 50),
				Stage: stage,
				Query: r.URL.Query().Get("q"),
			})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
		case http.MethodPost:
			var body CreateVersionInput
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			version, err := s.service.CreateVersion(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"version": version})
		default:
			methodNotAllowed(w)
		}
		return
	}

	versionID := parts[0]
	if len(parts) == 1 && r.Method == http.MethodDelete {
		if err := s.service.DeleteVersion(ctx, session, versionID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": versionID})
		return
	}
	if len(parts) == 2 && r.Method == http.MethodPost && parts[1] == "restore" {
		doc, err := s.service.RestoreVersion(ctx, session, versionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stage": settings.StageDraft, "settings": doc})
		return
	}
	if len(parts) == 2 && r.Method == http.MethodPost && parts[1] == "default" {
		version, err := s.service.SetDefaultVersion(ctx, session, versionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": version})
		return
	}

	routeNotFound(w)
}

func (s *HTTPServer) handleDeployments(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			deployments, err := s.service.ListDeployments(ctx, session)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
		case http.MethodPost:
			var body ScheduleInput
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			deployment, err := s.service.ScheduleDeployment(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"deployment": deployment})
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPost {
		deploymentID := parts[0]
		switch parts[1] {
		case "cancel":
			var body struct {
				ApplyFallback bool `json:"applyFallback"`
			}
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			deployment, err := s.service.CancelDeployment(ctx, session, deploymentID, body.ApplyFallback)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deployment": deployment})
			return
		case "override":
			var body struct {
				Reason string `json:"reason"`
			}
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			deployment, err := s.service.OverrideDeployment(ctx, session, deploymentID, body.Reason)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deployment": deployment})
			return
		}
	}

	routeNotFound(w)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := requestToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "requestID", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"requestID", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"durationMs", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	if corsOrigin != "*" {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func routeNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func invalidBody(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// requestToken reads the session from the Authorization header, falling back
// to the session cookie.
func requestToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func stageParam(w http.ResponseWriter, r *http.Request) (settings.Stage, bool) {
	raw := r.URL.Query().Get("stage")
	if strings.TrimSpace(raw) == "" {
		return settings.StageLive, true
	}
	stage, err := settings.ParseStage(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return "", false
	}
	return stage, true
}

func intParam(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var held *store.LockHeldError
	if errors.As(err, &held) {
		lockErr := lockConflictError(held.Lock)
		return lockErr.Status, lockErr.Code, lockErr.Message, lockErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrDeploymentOverlap) || errors.Is(err, store.ErrDeploymentStateChanged) {
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
