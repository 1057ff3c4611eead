// Package document holds the Document, Field and Recipient records and the
// field editing rules that operate on them.
package document

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"signflow/api/internal/apperr"
)

type Status string

const (
	StatusDraft       Status = "draft"
	StatusReadyToSign Status = "ready-to-sign"
	StatusReadyToSend Status = "ready-to-send"
	StatusSent        Status = "sent"
	StatusPending     Status = "pending"
	StatusViewed      Status = "viewed"
	StatusSigned      Status = "signed"
	StatusCompleted   Status = "completed"
)

var knownStatuses = map[Status]struct{}{
	StatusDraft: {}, StatusReadyToSign: {}, StatusReadyToSend: {}, StatusSent: {},
	StatusPending: {}, StatusViewed: {}, StatusSigned: {}, StatusCompleted: {},
}

func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	_, ok := knownStatuses[status]
	return status, ok
}

type Type string

const (
	TypeSelf     Type = "self"
	TypeSent     Type = "sent"
	TypeReceived Type = "received"
)

type SigningOrder string

const (
	OrderSequential SigningOrder = "sequential"
	OrderParallel   SigningOrder = "parallel"
)

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientViewed  RecipientStatus = "viewed"
	RecipientSigned  RecipientStatus = "signed"
)

type RecipientRole string

const (
	RoleSigner   RecipientRole = "signer"
	RoleViewer   RecipientRole = "viewer"
	RoleApprover RecipientRole = "approver"
)

type Recipient struct {
	Name     string          `json:"name"`
	Email    string          `json:"email"`
	Role     RecipientRole   `json:"role"`
	Status   RecipientStatus `json:"status"`
	ViewedAt *time.Time      `json:"viewedAt,omitempty"`
	SignedAt *time.Time      `json:"signedAt,omitempty"`
}

type Document struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	OwnerID       string       `json:"ownerId"`
	Sender        string       `json:"sender"`
	Type          Type         `json:"type"`
	Status        Status       `json:"status"`
	Pages         int          `json:"pages"`
	Fields        []Field      `json:"fields"`
	Recipients    []Recipient  `json:"recipients"`
	SigningOrder  SigningOrder `json:"signingOrder"`
	EmailMessage  string       `json:"emailMessage,omitempty"`
	FileKey       string       `json:"fileKey,omitempty"`
	FileSize      int64        `json:"fileSize,omitempty"`
	DueDate       *time.Time   `json:"dueDate,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	SentDate      *time.Time   `json:"sentDate,omitempty"`
	SignedDate    *time.Time   `json:"signedDate,omitempty"`
	CompletedDate *time.Time   `json:"completedDate,omitempty"`
	Version       int64        `json:"version"`
	// FieldSeq numbers field ids so they stay unique after removals.
	FieldSeq int `json:"fieldSeq"`
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

func ValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

// New returns a document in its entry state. Received documents start in
// pending, everything else in draft.
func New(name string, docType Type) Document {
	doc := Document{
		Name:         strings.TrimSpace(name),
		Type:         docType,
		SigningOrder: OrderParallel,
		Fields:       []Field{},
		Recipients:   []Recipient{},
	}
	doc.Status = InitialStatus(docType)
	return doc
}

func InitialStatus(docType Type) Status {
	if docType == TypeReceived {
		return StatusPending
	}
	return StatusDraft
}

// Validate checks the record-level invariants that hold in every status.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return apperr.Validation("MISSING_TITLE", "document name is required")
	}
	switch d.Type {
	case TypeSelf, TypeSent, TypeReceived:
	default:
		return apperr.Validation("INVALID_TYPE", "document type must be self, sent or received")
	}
	switch d.SigningOrder {
	case OrderSequential, OrderParallel:
	default:
		return apperr.Validation("INVALID_SIGNING_ORDER", "signing order must be sequential or parallel")
	}
	if _, ok := knownStatuses[d.Status]; !ok {
		return apperr.Validation("INVALID_STATUS", "unknown document status")
	}
	if d.Pages < 0 {
		return apperr.Validation("INVALID_PAGES", "pages cannot be negative")
	}
	for i, recipient := range d.Recipients {
		if !ValidEmail(recipient.Email) {
			return apperr.Validation("INVALID_EMAIL", "recipient email is not valid").WithDetails(map[string]int{"index": i})
		}
	}
	seen := make(map[string]struct{}, len(d.Fields))
	for _, field := range d.Fields {
		if _, dup := seen[field.ID]; dup {
			return apperr.Validation("DUPLICATE_FIELD", "field ids must be unique").WithDetails(map[string]string{"fieldId": field.ID})
		}
		seen[field.ID] = struct{}{}
		if d.Pages > 0 && field.Page > d.Pages {
			return apperr.Validation("FIELD_PAGE_OUT_OF_RANGE", fmt.Sprintf("field is on page %d of a %d page document", field.Page, d.Pages)).
				WithDetails(map[string]any{"fieldId": field.ID, "page": field.Page, "pages": d.Pages})
		}
		if field.RecipientIndex != nil && (*field.RecipientIndex < 0 || *field.RecipientIndex >= len(d.Recipients)) {
			return apperr.Validation("INVALID_RECIPIENT_INDEX", "field is bound to a missing recipient").WithDetails(map[string]string{"fieldId": field.ID})
		}
	}
	return nil
}

// Editable reports whether fields may still be added, moved or removed.
func (d *Document) Editable() bool {
	return d.Status == StatusDraft
}

// Clone returns a deep copy so callers can stage changes.
func (d Document) Clone() Document {
	clone := d
	clone.Fields = make([]Field, len(d.Fields))
	for i, field := range d.Fields {
		clone.Fields[i] = field.clone()
	}
	clone.Recipients = make([]Recipient, len(d.Recipients))
	for i, recipient := range d.Recipients {
		recipient.ViewedAt = copyTime(recipient.ViewedAt)
		recipient.SignedAt = copyTime(recipient.SignedAt)
		clone.Recipients[i] = recipient
	}
	clone.DueDate = copyTime(d.DueDate)
	clone.SentDate = copyTime(d.SentDate)
	clone.SignedDate = copyTime(d.SignedDate)
	clone.CompletedDate = copyTime(d.CompletedDate)
	return clone
}

// Matches reports a case-insensitive substring hit on name, description,
// sender or any recipient name/email.
func (d *Document) Matches(text string) bool {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return true
	}
	candidates := []string{d.Name, d.Description, d.Sender}
	for _, recipient := range d.Recipients {
		candidates = append(candidates, recipient.Name, recipient.Email)
	}
	for _, candidate := range candidates {
		if strings.Contains(strings.ToLower(candidate), needle) {
			return true
		}
	}
	return false
}

// Patch is the set of document attributes callers may change directly.
// Identity, timestamps, status and the field/recipient lists are absent.
type Patch struct {
	Name         *string       `json:"name,omitempty"`
	Description  *string       `json:"description,omitempty"`
	Sender       *string       `json:"sender,omitempty"`
	Pages        *int          `json:"pages,omitempty"`
	SigningOrder *SigningOrder `json:"signingOrder,omitempty"`
	EmailMessage *string       `json:"emailMessage,omitempty"`
	DueDate      *time.Time    `json:"dueDate,omitempty"`
	FileKey      *string       `json:"fileKey,omitempty"`
	FileSize     *int64        `json:"fileSize,omitempty"`
}

// Apply merges the patch into d. On error d is left untouched.
func (p Patch) Apply(d *Document) error {
	next := d.Clone()
	if p.Name != nil {
		next.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Sender != nil {
		next.Sender = *p.Sender
	}
	if p.Pages != nil {
		next.Pages = *p.Pages
	}
	if p.SigningOrder != nil {
		if *p.SigningOrder != d.SigningOrder && d.Status != StatusDraft && d.Status != StatusReadyToSend {
			return apperr.Validation("SIGNING_ORDER_LOCKED", "signing order cannot change after the document is sent")
		}
		next.SigningOrder = *p.SigningOrder
	}
	if p.EmailMessage != nil {
		next.EmailMessage = *p.EmailMessage
	}
	if p.DueDate != nil {
		due := *p.DueDate
		next.DueDate = &due
	}
	if p.FileKey != nil {
		next.FileKey = *p.FileKey
	}
	if p.FileSize != nil {
		next.FileSize = *p.FileSize
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*d = next
	return nil
}

// MarshalValue is a small helper for building field values in callers.
func MarshalValue(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return raw
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := *t
	return &value
}
