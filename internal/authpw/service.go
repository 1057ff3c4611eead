// Package authpw provides email/password accounts with verification codes,
// plus the Google sign-in path.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	verificationTTL   = 24 * time.Hour
)

// ErrInvalidCredentials is returned for any unknown email or wrong password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// MockGoogleProfile is used when no Google client id is configured.
var MockGoogleProfile = GoogleProfile{Email: "user@example.com", Name: "Demo User", EmailVerified: true}

// Service provides email/password authentication
type Service struct {
	store          UserStore
	googleClientID string
	now            func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUser(ctx context.Context, id string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	UpdateUser(ctx context.Context, id string, fn func(*store.User) error) (store.User, error)
	SaveVerificationCode(ctx context.Context, code store.VerificationCode) error
	ConsumeVerificationCode(ctx context.Context, email, code string) (bool, error)
}

// NewService creates a new auth service
func NewService(users UserStore, googleClientID string) *Service {
	return &Service{
		store:          users,
		googleClientID: strings.TrimSpace(googleClientID),
		now:            time.Now,
	}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email    string
	Password string
	Name     string
}

// SignUpResponse contains sign-up result
type SignUpResponse struct {
	User             store.User
	VerificationCode string
}

// SignUp creates a new user account. Sign-in does not wait for
// verification; the code only flips the verified flag.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	email := strings.TrimSpace(req.Email)
	name := strings.TrimSpace(req.Name)
	if email == "" || req.Password == "" || name == "" {
		return nil, apperr.Validation("MISSING_FIELDS", "email, password, and name are required")
	}
	if !document.ValidEmail(email) {
		return nil, apperr.Validation("INVALID_EMAIL", "email is not valid")
	}
	if len(req.Password) < minPasswordLength {
		return nil, apperr.Validation("WEAK_PASSWORD", "password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		Email:        email,
		Name:         name,
		Provider:     "email",
		PasswordHash: string(hash),
	})
	if err != nil {
		return nil, err
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate verification code: %w", err)
	}
	if err := s.store.SaveVerificationCode(ctx, store.VerificationCode{
		Email:     user.Email,
		Code:      code,
		ExpiresAt: s.now().Add(verificationTTL),
	}); err != nil {
		return nil, fmt.Errorf("save verification code: %w", err)
	}

	return &SignUpResponse{User: user, VerificationCode: code}, nil
}

// SignIn authenticates a user and records the login time.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return store.User{}, apperr.Validation("MISSING_FIELDS", "email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if apperr.Is(err, apperr.KindNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return s.admit(ctx, user)
}

// admit rejects suspended accounts and stamps the last login.
func (s *Service) admit(ctx context.Context, user store.User) (store.User, error) {
	if user.Status == store.UserSuspended {
		return store.User{}, apperr.Authorization("account is suspended")
	}
	now := s.now().UTC()
	return s.store.UpdateUser(ctx, user.ID, func(u *store.User) error {
		u.LastLogin = &now
		if u.Status == store.UserInactive {
			u.Status = store.UserActive
		}
		return nil
	})
}

// VerifyEmail consumes a verification code and marks the account verified.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) (store.User, error) {
	ok, err := s.store.ConsumeVerificationCode(ctx, email, strings.TrimSpace(code))
	if err != nil {
		return store.User{}, err
	}
	if !ok {
		return store.User{}, apperr.Validation("INVALID_CODE", "invalid or expired verification code")
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, err
	}
	return s.store.UpdateUser(ctx, user.ID, func(u *store.User) error {
		u.Verified = true
		return nil
	})
}

// ChangePassword replaces the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return apperr.Validation("WRONG_PASSWORD", "current password is incorrect")
	}
	if len(next) < minPasswordLength {
		return apperr.Validation("WEAK_PASSWORD", "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = s.store.UpdateUser(ctx, userID, func(u *store.User) error {
		u.PasswordHash = string(hash)
		return nil
	})
	return err
}

// GoogleProfile is the identity carried by a Google ID token.
type GoogleProfile struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	EmailVerified bool   `json:"email_verified"`
	Audience      string `json:"aud"`
}

// GoogleSignIn finds or creates the account for a Google credential. The
// token payload is decoded but its signature is not checked. Without a
// configured client id every credential maps to MockGoogleProfile.
func (s *Service) GoogleSignIn(ctx context.Context, credential string) (store.User, error) {
	profile := MockGoogleProfile
	if s.googleClientID != "" {
		decoded, err := decodeGoogleCredential(credential)
		if err != nil {
			return store.User{}, err
		}
		if decoded.Audience != s.googleClientID {
			return store.User{}, apperr.Validation("INVALID_CREDENTIAL", "credential was issued for another client")
		}
		profile = decoded
	}

	user, err := s.store.GetUserByEmail(ctx, profile.Email)
	if apperr.Is(err, apperr.KindNotFound) {
		user, err = s.store.CreateUser(ctx, store.User{
			Email:    profile.Email,
			Name:     profile.Name,
			Provider: "google",
			Verified: profile.EmailVerified,
		})
	}
	if err != nil {
		return store.User{}, err
	}
	return s.admit(ctx, user)
}

func decodeGoogleCredential(credential string) (GoogleProfile, error) {
	parts := strings.Split(strings.TrimSpace(credential), ".")
	if len(parts) != 3 {
		return GoogleProfile{}, apperr.Validation("INVALID_CREDENTIAL", "credential is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return GoogleProfile{}, apperr.Validation("INVALID_CREDENTIAL", "credential payload is not base64url")
	}
	var profile GoogleProfile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return GoogleProfile{}, apperr.Validation("INVALID_CREDENTIAL", "credential payload is not JSON")
	}
	if !document.ValidEmail(profile.Email) {
		return GoogleProfile{}, apperr.Validation("INVALID_CREDENTIAL", "credential has no email")
	}
	return profile, nil
}

// generateCode returns a six digit verification code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
