package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/audit"
	"signflow/api/internal/auth"
	"signflow/api/internal/authpw"
	"signflow/api/internal/blob"
	"signflow/api/internal/config"
	"signflow/api/internal/email"
	"signflow/api/internal/export"
	"signflow/api/internal/guard"
	"signflow/api/internal/history"
	"signflow/api/internal/lifecycle"
	"signflow/api/internal/notify"
	"signflow/api/internal/search"
	"signflow/api/internal/store"
)

// Session is the authenticated caller behind a bearer token.
type Session struct {
	Token     string
	ID        string
	UserID    string
	Email     string
	UserName  string
	Role      string
	ExpiresAt time.Time
	Warned    bool
}

// Deps carries the optional collaborators. Anything left nil gets a local
// default: memory blobs, store-backed search, no history, HTML-only export
// when Chrome is missing.
type Deps struct {
	Guard   *guard.Guard
	Blob    blob.Store
	Search  *search.Service
	History *history.Service
	Export  *export.Service
	Mailer  *email.Service
	Now     func() time.Time
}

type Service struct {
	cfg     config.Config
	store   store.Store
	guard   *guard.Guard
	engine  *lifecycle.Engine
	authpw  *authpw.Service
	blob    blob.Store
	search  *search.Service
	history *history.Service
	export  *export.Service
	mailer  *email.Service
	now     func() time.Time
}

func New(cfg config.Config, dataStore store.Store, deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	svc := &Service{
		cfg:     cfg,
		store:   dataStore,
		guard:   deps.Guard,
		blob:    deps.Blob,
		search:  deps.Search,
		history: deps.History,
		export:  deps.Export,
		mailer:  deps.Mailer,
		now:     now,
	}
	if svc.guard == nil {
		svc.guard = guard.New(dataStore.Sessions(), GuardOptions(cfg), now)
	}
	if svc.blob == nil {
		svc.blob = blob.NewMemoryStore()
	}
	if svc.search == nil {
		svc.search = search.NewService(nil, search.NewStoreSearcher(dataStore))
	}
	if svc.export == nil {
		svc.export = export.NewService(export.ChromeRenderer{})
	}
	if svc.mailer == nil {
		svc.mailer = email.NewService(MailConfig(cfg))
	}
	svc.authpw = authpw.NewService(dataStore, cfg.GoogleClientID)

	svc.engine = lifecycle.New(now)
	svc.engine.Subscribe(audit.NewRecorder(dataStore))
	svc.engine.Subscribe(notify.New(dataStore, svc.mailer, cfg.PublicBaseURL))
	svc.engine.Subscribe(svc.search)
	if svc.history != nil {
		svc.engine.Subscribe(svc.history)
	}

	svc.guard.OnWarning(func(n guard.Notice) {
		log.Printf("guard: session %s for user %s expires in %s", n.Session.ID, n.Session.UserID, n.Remaining.Round(time.Second))
	})
	svc.guard.OnExpire(func(n guard.Notice) {
		log.Printf("guard: session %s for user %s ended (%s)", n.Session.ID, n.Session.UserID, n.Reason)
	})
	return svc
}

// GuardOptions maps configuration onto the session guard.
func GuardOptions(cfg config.Config) guard.Options {
	return guard.Options{
		TTL:               cfg.SessionTTL,
		RememberTTL:       cfg.RememberTTL,
		InactivityTimeout: cfg.InactivityTimeout,
		WarningWindow:     cfg.WarningWindow,
	}
}

func MailConfig(cfg config.Config) email.Config {
	return email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Guard() *guard.Guard {
	return s.guard
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer.IsConfigured()
}

// Accounts

// SignUp creates an email/password account. The verification code is
// mailed when SMTP is configured and returned to the caller either way so
// the HTTP layer can apply its dev bypass.
func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, string, error) {
	resp, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return store.User{}, "", err
	}
	if s.mailer.IsConfigured() {
		if err := s.mailer.SendVerificationEmail(resp.User.Email, resp.User.Name, resp.VerificationCode); err != nil {
			log.Printf("email: verification mail to %s failed: %v", resp.User.Email, err)
		}
	}
	return resp.User, resp.VerificationCode, nil
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string, rememberMe bool) (Session, store.User, error) {
	user, err := s.authpw.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, store.User{}, err
	}
	session, err := s.CreateSession(ctx, user, rememberMe)
	return session, user, err
}

func (s *Service) GoogleSignIn(ctx context.Context, credential string, rememberMe bool) (Session, store.User, error) {
	user, err := s.authpw.GoogleSignIn(ctx, credential)
	if err != nil {
		return Session{}, store.User{}, err
	}
	session, err := s.CreateSession(ctx, user, rememberMe)
	return session, user, err
}

func (s *Service) VerifyEmail(ctx context.Context, emailAddr, code string) (store.User, error) {
	return s.authpw.VerifyEmail(ctx, emailAddr, code)
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	return s.authpw.ChangePassword(ctx, session.UserID, current, next)
}

func (s *Service) CurrentUser(ctx context.Context, session Session) (store.User, error) {
	return s.store.GetUser(ctx, session.UserID)
}

// Sessions

// CreateSession starts a guard session for user and issues its token.
func (s *Service) CreateSession(ctx context.Context, user store.User, rememberMe bool) (Session, error) {
	started, err := s.guard.Start(ctx, user.ID, 0, rememberMe)
	if err != nil {
		return Session{}, err
	}
	return s.issue(user, started)
}

func (s *Service) issue(user store.User, session guard.Session) (Session, error) {
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.ForSession(user.ID, user.Email, user.Name, user.Role, session))
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		ID:        session.ID,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.Name,
		Role:      user.Role,
		ExpiresAt: session.ExpiresAt,
		Warned:    session.Warned,
	}, nil
}

// SessionFromToken resolves a bearer token to its live guard session
// without counting the lookup as activity. Role and name come from the
// current user record, not the token.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.TokenSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	live, err := s.guard.Validate(ctx, claims.SID)
	if err != nil {
		return Session{}, err
	}
	if live.UserID != claims.Sub {
		return Session{}, auth.ErrInvalidToken
	}
	return s.bind(ctx, token, live)
}

func (s *Service) bind(ctx context.Context, token string, live guard.Session) (Session, error) {
	user, err := s.store.GetUser(ctx, live.UserID)
	if apperr.Is(err, apperr.KindNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session user: %w", err)
	}
	if user.Status == store.UserSuspended {
		_ = s.guard.End(ctx, live.ID)
		return Session{}, apperr.Authorization("account is suspended")
	}
	return Session{
		Token:     token,
		ID:        live.ID,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.Name,
		Role:      user.Role,
		ExpiresAt: live.ExpiresAt,
		Warned:    live.Warned,
	}, nil
}

// RecordActivity resets the inactivity clock. The token stays valid since
// the absolute expiry does not move.
func (s *Service) RecordActivity(ctx context.Context, session Session) (Session, error) {
	live, err := s.guard.RecordActivity(ctx, session.ID)
	if err != nil {
		return Session{}, err
	}
	session.ExpiresAt = live.ExpiresAt
	session.Warned = live.Warned
	return session, nil
}

// ExtendSession confirms the expiry warning. The absolute expiry moves, so
// a fresh token is issued.
func (s *Service) ExtendSession(ctx context.Context, session Session) (Session, error) {
	live, err := s.guard.ResetOnActivity(ctx, session.ID, true)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUser(ctx, live.UserID)
	if err != nil {
		return Session{}, err
	}
	return s.issue(user, live)
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	return s.guard.End(ctx, session.ID)
}

// Remaining is the time left before the session's absolute expiry.
func (s *Service) Remaining(session Session) time.Duration {
	remaining := session.ExpiresAt.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WarningDue reports whether the session is inside its expiry warning
// window, the point at which a client should offer to extend it.
func (s *Service) WarningDue(session Session) bool {
	window := s.cfg.WarningWindow
	if window <= 0 {
		window = guard.DefaultOptions().WarningWindow
	}
	return s.Remaining(session) <= window
}

func isSessionError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, auth.ErrExpiredToken) ||
		errors.Is(err, guard.ErrSessionNotFound) ||
		errors.Is(err, guard.ErrSessionExpired)
}

// publicUser strips credentials before a user leaves the API.
func publicUser(user store.User) store.User {
	user.PasswordHash = ""
	return user
}

func publicUsers(users []store.User) []store.User {
	out := make([]store.User, len(users))
	for i, user := range users {
		out[i] = publicUser(user)
	}
	return out
}
