package app

import (
	"net/http"

	"signflow/api/internal/authpw"
)

// Auth handlers for email/password and Google sign-in

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, code, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:    body.Email,
		Password: body.Password,
		Name:     body.Name,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response := map[string]any{
		"user":    publicUser(user),
		"message": "Please check your email to verify your account",
	}
	// Dev bypass: include the verification code when email is not configured
	if !s.service.SMTPConfigured() {
		response["devVerificationCode"] = code
		response["message"] = "Account created. Verify your email with the code provided."
	}
	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		RememberMe bool   `json:"rememberMe"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, user, err := s.service.SignIn(r.Context(), body.Email, body.Password, body.RememberMe)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.writeSignedIn(w, session, user.Verified)
}

func (s *HTTPServer) handleAuthGoogle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Credential string `json:"credential"`
		RememberMe bool   `json:"rememberMe"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, user, err := s.service.GoogleSignIn(r.Context(), body.Credential, body.RememberMe)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.writeSignedIn(w, session, user.Verified)
}

func (s *HTTPServer) writeSignedIn(w http.ResponseWriter, session Session, verified bool) {
	payload := s.sessionPayload(session)
	payload["verified"] = verified
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.service.VerifyEmail(r.Context(), body.Email, body.Code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Email verified successfully",
		"user":    publicUser(user),
	})
}

func (s *HTTPServer) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ChangePassword(r.Context(), sessionFrom(r), body.CurrentPassword, body.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.CurrentUser(r.Context(), sessionFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicUser(user))
}

// Session handlers

func (s *HTTPServer) sessionPayload(session Session) map[string]any {
	remaining := s.service.Remaining(session)
	return map[string]any{
		"accessToken":      session.Token,
		"sessionId":        session.ID,
		"userId":           session.UserID,
		"userName":         session.UserName,
		"email":            session.Email,
		"role":             session.Role,
		"expiresAt":        session.ExpiresAt.Unix(),
		"remainingSeconds": int64(remaining.Seconds()),
		"warning":          s.service.WarningDue(session),
	}
}

// handleSession reports the caller's session without counting as activity.
// Missing or dead tokens are not an error here.
func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if isSessionError(err) {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeServiceError(w, r, err)
		return
	}
	payload := s.sessionPayload(session)
	payload["authenticated"] = true
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSessionExtend(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.ExtendSession(r.Context(), sessionFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionPayload(session))
}

func (s *HTTPServer) handleSessionActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionPayload(sessionFrom(r)))
}

func (s *HTTPServer) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), sessionFrom(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
