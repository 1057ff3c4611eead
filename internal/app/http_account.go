package app

import (
	"log"
	"net/http"
	"strings"

	"signflow/api/internal/rbac"
	"signflow/api/internal/store"

	"github.com/go-chi/chi/v5"
)

// Signatures

func (s *HTTPServer) handleListSignatures(w http.ResponseWriter, r *http.Request) {
	sigs, err := s.service.ListSignatures(r.Context(), sessionFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signatures": sigs})
}

func (s *HTTPServer) handleSaveSignature(w http.ResponseWriter, r *http.Request) {
	var body SignatureInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sig, err := s.service.SaveSignature(r.Context(), sessionFrom(r), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (s *HTTPServer) handleDeleteSignature(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSignature(r.Context(), sessionFrom(r), chi.URLParam(r, "signatureID")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Settings

func (s *HTTPServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.service.Settings(r.Context(), sessionFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *HTTPServer) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var body store.Settings
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	settings, err := s.service.SaveSettings(r.Context(), sessionFrom(r), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// Notifications

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Notifications(r.Context(), sessionFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	unread := 0
	for _, item := range items {
		if !item.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items, "unread": unread})
}

func (s *HTTPServer) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.MarkNotificationRead(r.Context(), sessionFrom(r), chi.URLParam(r, "notificationID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result := s.service.Search(
		sessionFrom(r),
		query.Get("q"),
		query.Get("status"),
		queryInt(r, "limit", 20),
		queryInt(r, "offset", 0),
	)
	writeJSON(w, http.StatusOK, result)
}

// Admin

// forbid logs a denied admin action before answering 403.
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	log.Printf("rbac: user %s (%s) denied %s on %s", session.UserID, session.Role, action, r.URL.Path)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions", map[string]any{"action": action})
}

func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, action rbac.Action) (Session, bool) {
	session := sessionFrom(r)
	if !s.service.Can(session.Role, action) {
		s.forbid(w, r, session, action)
		return session, false
	}
	return session, true
}

func (s *HTTPServer) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	session, ok := s.allow(w, r, rbac.ActionViewUsers)
	if !ok {
		return
	}
	query := r.URL.Query()
	users, err := s.service.ListUsers(r.Context(), session, store.UserFilter{
		Role:   strings.TrimSpace(query.Get("role")),
		Status: strings.TrimSpace(query.Get("status")),
		Query:  strings.TrimSpace(query.Get("q")),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": len(users)})
}

func (s *HTTPServer) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	session, ok := s.allow(w, r, rbac.ActionViewStats)
	if !ok {
		return
	}
	stats, err := s.service.Stats(r.Context(), session)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleAdminSuspend(w http.ResponseWriter, r *http.Request) {
	session, ok := s.allow(w, r, rbac.ActionSuspendUsers)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.SetSuspended(r.Context(), session, chi.URLParam(r, "userID"), true, body.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	log.Printf("rbac: user %s suspended %s", session.UserID, user.ID)
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleAdminReinstate(w http.ResponseWriter, r *http.Request) {
	session, ok := s.allow(w, r, rbac.ActionSuspendUsers)
	if !ok {
		return
	}
	user, err := s.service.SetSuspended(r.Context(), session, chi.URLParam(r, "userID"), false, "")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleAdminUserRole(w http.ResponseWriter, r *http.Request) {
	session, ok := s.allow(w, r, rbac.ActionChangeRoles)
	if !ok {
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.SetRole(r.Context(), session, chi.URLParam(r, "userID"), strings.TrimSpace(body.Role))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	log.Printf("rbac: user %s set role of %s to %s", session.UserID, user.ID, user.Role)
	writeJSON(w, http.StatusOK, user)
}
