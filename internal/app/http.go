package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/authpw"
	"signflow/api/internal/blob"
	"signflow/api/internal/export"

	"github.com/go-chi/chi/v5"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/ready", s.handleReady)

		api.Post("/auth/signup", s.handleAuthSignUp)
		api.Post("/auth/signin", s.handleAuthSignIn)
		api.Post("/auth/google", s.handleAuthGoogle)
		api.Post("/auth/verify-email", s.handleAuthVerifyEmail)

		api.Get("/session", s.handleSession)

		// Session upkeep does not count as activity on its own.
		api.Group(func(authed chi.Router) {
			authed.Use(s.requireSession(false))
			authed.Post("/session/extend", s.handleSessionExtend)
			authed.Post("/session/logout", s.handleSessionLogout)
		})

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireSession(true))
			authed.Post("/session/activity", s.handleSessionActivity)
			authed.Get("/me", s.handleMe)
			authed.Post("/auth/password", s.handleChangePassword)

			authed.Route("/documents", func(docs chi.Router) {
				docs.Get("/", s.handleListDocuments)
				docs.Post("/", s.handleCreateDocument)
				docs.Route("/{documentID}", func(doc chi.Router) {
					doc.Get("/", s.handleGetDocument)
					doc.Patch("/", s.handleUpdateDocument)
					doc.Delete("/", s.handleDeleteDocument)
					doc.Post("/file", s.handleUploadFile)
					doc.Get("/file", s.handleDownloadFile)

					doc.Post("/fields", s.handleAddField)
					doc.Patch("/fields/{fieldID}", s.handleEditField)
					doc.Delete("/fields/{fieldID}", s.handleRemoveField)
					doc.Put("/fields/{fieldID}/value", s.handleFillField)
					doc.Post("/fields/{fieldID}/toggle", s.handleToggleField)

					doc.Get("/recipients", s.handleListRecipients)
					doc.Post("/recipients", s.handleAddRecipient)
					doc.Delete("/recipients/{index}", s.handleRemoveRecipient)

					doc.Post("/finalize", s.handleFinalize)
					doc.Post("/draft", s.handleRevertToDraft)
					doc.Post("/send", s.handleSend)
					doc.Post("/open", s.handleOpen)
					doc.Post("/sign", s.handleSign)
					doc.Post("/complete", s.handleComplete)

					doc.Get("/audit", s.handleAudit)
					doc.Get("/history", s.handleHistory)
					doc.Get("/history/{hash}", s.handleRevision)
					doc.Get("/certificate", s.handleCertificate)
				})
			})

			authed.Get("/signatures", s.handleListSignatures)
			authed.Post("/signatures", s.handleSaveSignature)
			authed.Delete("/signatures/{signatureID}", s.handleDeleteSignature)

			authed.Get("/settings", s.handleGetSettings)
			authed.Put("/settings", s.handleSaveSettings)

			authed.Get("/notifications", s.handleListNotifications)
			authed.Post("/notifications/{notificationID}/read", s.handleMarkNotificationRead)

			authed.Get("/search", s.handleSearch)

			authed.Route("/admin", func(admin chi.Router) {
				admin.Get("/users", s.handleAdminUsers)
				admin.Get("/stats", s.handleAdminStats)
				admin.Post("/users/{userID}/suspend", s.handleAdminSuspend)
				admin.Post("/users/{userID}/reinstate", s.handleAdminReinstate)
				admin.Put("/users/{userID}/role", s.handleAdminUserRole)
			})
		})
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
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
		"email": map[string]any{"configured": s.service.SMTPConfigured()},
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
}

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

// requireSession resolves the bearer token to a live session. With touch
// set the request also resets the inactivity clock.
func (s *HTTPServer) requireSession(touch bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			session, err := s.service.SessionFromToken(r.Context(), token)
			if err == nil && touch {
				session, err = s.service.RecordActivity(r.Context(), session)
			}
			if err != nil {
				if isSessionError(err) {
					writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
					return
				}
				writeServiceError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey{}, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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

// writeServiceError maps err and logs anything that surfaces as a 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("app: request %s %s %s failed: %v", requestIDFrom(r), r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:        http.StatusUnprocessableEntity,
	apperr.KindNotFound:          http.StatusNotFound,
	apperr.KindInvalidTransition: http.StatusConflict,
	apperr.KindAuthorization:     http.StatusForbidden,
	apperr.KindDuplicate:         http.StatusConflict,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status, ok := kindStatus[appErr.Kind]
		if !ok {
			status = http.StatusBadRequest
		}
		return status, appErr.Code, appErr.Message, appErr.Details
	}
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	}
	if isSessionError(err) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	}
	if errors.Is(err, blob.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
