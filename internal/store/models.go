package store

import (
	"context"
	"encoding/json"
	"time"

	"signflow/api/internal/document"
	"signflow/api/internal/guard"
)

type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Provider      string     `json:"provider"`
	PasswordHash  string     `json:"passwordHash,omitempty"`
	Role          string     `json:"role"`
	Status        string     `json:"status"`
	SuspendReason string     `json:"suspendReason,omitempty"`
	Verified      bool       `json:"verified"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastLogin     *time.Time `json:"lastLogin,omitempty"`
}

const (
	UserActive    = "active"
	UserInactive  = "inactive"
	UserSuspended = "suspended"
)

type UserFilter struct {
	Role   string
	Status string
	Query  string
}

type UserStats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Inactive   int            `json:"inactive"`
	Suspended  int            `json:"suspended"`
	GoogleAuth int            `json:"googleAuth"`
	EmailAuth  int            `json:"emailAuth"`
	Verified   int            `json:"verified"`
	Unverified int            `json:"unverified"`
	ByRole     map[string]int `json:"byRole"`
}

type VerificationCode struct {
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Signature is a saved signature a user can reuse. Drawn and typed
// signatures carry Data inline; uploads point at ObjectKey in blob storage.
type Signature struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Data      string    `json:"data,omitempty"`
	ObjectKey string    `json:"objectKey,omitempty"`
	Font      string    `json:"font,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Settings struct {
	UserID             string `json:"userId"`
	Name               string `json:"name"`
	Email              string `json:"email"`
	Title              string `json:"title"`
	Company            string `json:"company"`
	Theme              string `json:"theme"`
	EmailNotifications bool   `json:"emailNotifications"`
	NotifyViewed       bool   `json:"notifyViewed"`
	NotifySigned       bool   `json:"notifySigned"`
	NotifyReminders    bool   `json:"notifyReminders"`
}

// DefaultSettings is what a user sees before saving anything.
func DefaultSettings(userID string) Settings {
	return Settings{
		UserID:             userID,
		Theme:              "light",
		EmailNotifications: true,
		NotifyViewed:       true,
		NotifySigned:       true,
		NotifyReminders:    true,
	}
}

type SendRequest struct {
	ID           string                `json:"id"`
	DocumentID   string                `json:"documentId"`
	DocumentName string                `json:"documentName"`
	Sender       string                `json:"sender"`
	Recipients   []document.Recipient  `json:"recipients"`
	SigningOrder document.SigningOrder `json:"signingOrder"`
	Subject      string                `json:"subject"`
	Message      string                `json:"message"`
	CreatedAt    time.Time             `json:"createdAt"`
}

type Notification struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	To            string    `json:"to"`
	ToName        string    `json:"toName"`
	DocumentID    string    `json:"documentId"`
	DocumentName  string    `json:"documentName"`
	SendRequestID string    `json:"sendRequestId,omitempty"`
	Status        string    `json:"status"`
	SignURL       string    `json:"signUrl,omitempty"`
	Read          bool      `json:"read"`
	CreatedAt     time.Time `json:"createdAt"`
}

type AuditEvent struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	DocumentID     string          `json:"documentId"`
	Actor          string          `json:"actor"`
	RecipientIndex *int            `json:"recipientIndex,omitempty"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	At             time.Time       `json:"at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Filter narrows QueryDocuments. Zero values match everything.
type Filter struct {
	Statuses []document.Status
	Type     document.Type
	OwnerID  string
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc document.Document) (document.Document, error)
	GetDocument(ctx context.Context, id string) (document.Document, error)
	UpdateDocument(ctx context.Context, id string, patch document.Patch) (document.Document, error)
	// MutateDocument applies fn to a copy of the stored document and writes
	// the result atomically. Nothing is written when fn returns an error.
	MutateDocument(ctx context.Context, id string, fn func(*document.Document) error) (document.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	QueryDocuments(ctx context.Context, filter Filter) ([]document.Document, error)
	SearchDocuments(ctx context.Context, text string) ([]document.Document, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUser(ctx context.Context, id string, fn func(*User) error) (User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]User, error)
	SaveVerificationCode(ctx context.Context, code VerificationCode) error
	ConsumeVerificationCode(ctx context.Context, email, code string) (bool, error)
}

type SignatureStore interface {
	SaveSignature(ctx context.Context, sig Signature) (Signature, error)
	ListSignatures(ctx context.Context, userID string) ([]Signature, error)
	DeleteSignature(ctx context.Context, userID, id string) error
}

type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (Settings, error)
	SaveSettings(ctx context.Context, settings Settings) (Settings, error)
}

type MessageStore interface {
	CreateSendRequest(ctx context.Context, req SendRequest) (SendRequest, error)
	ListSendRequests(ctx context.Context, documentID string) ([]SendRequest, error)
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	ListNotifications(ctx context.Context, email string) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (Notification, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, event AuditEvent) error
	ListAudit(ctx context.Context, documentID string) ([]AuditEvent, error)
}

// Store is everything the API needs from a persistence backend.
type Store interface {
	DocumentStore
	UserStore
	SignatureStore
	SettingsStore
	MessageStore
	AuditStore
	// Sessions returns the backend's guard session table.
	Sessions() guard.Store
	Ping(ctx context.Context) error
	Close() error
}
