// Package routing binds fields to recipients and decides who may act next.
package routing

import (
	"fmt"
	"strings"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
)

// Entry summarises one recipient's share of the document.
type Entry struct {
	Index          int                `json:"index"`
	Recipient      document.Recipient `json:"recipient"`
	FieldCount     int                `json:"fieldCount"`
	CompletedCount int                `json:"completedCount"`
	Ready          bool               `json:"ready"`
}

// Assign binds a field to a recipient, or unbinds it when index is nil.
func Assign(doc *document.Document, fieldID string, index *int) error {
	if !doc.Editable() {
		return apperr.InvalidTransition(string(doc.Status), "assign-field", "fields are frozen once the document leaves draft")
	}
	field, err := doc.FieldByID(fieldID)
	if err != nil {
		return err
	}
	if index != nil {
		if err := checkIndex(doc, *index); err != nil {
			return err
		}
		bound := *index
		field.RecipientIndex = &bound
		return nil
	}
	field.RecipientIndex = nil
	return nil
}

func Summary(doc *document.Document) []Entry {
	entries := make([]Entry, len(doc.Recipients))
	for i, recipient := range doc.Recipients {
		entries[i] = Entry{Index: i, Recipient: recipient, Ready: Ready(doc, i)}
	}
	for _, field := range doc.Fields {
		if field.RecipientIndex == nil {
			continue
		}
		idx := *field.RecipientIndex
		if idx < 0 || idx >= len(entries) {
			continue
		}
		entries[idx].FieldCount++
		if field.Completed {
			entries[idx].CompletedCount++
		}
	}
	return entries
}

// AddRecipient appends a recipient in pending status and returns its index.
func AddRecipient(doc *document.Document, recipient document.Recipient) (int, error) {
	if doc.Status == document.StatusCompleted {
		return 0, apperr.InvalidTransition(string(doc.Status), "add-recipient", "document is already completed")
	}
	recipient.Name = strings.TrimSpace(recipient.Name)
	recipient.Email = strings.TrimSpace(recipient.Email)
	if recipient.Name == "" {
		return 0, apperr.Validation("MISSING_NAME", "recipient name is required")
	}
	if !document.ValidEmail(recipient.Email) {
		return 0, apperr.Validation("INVALID_EMAIL", fmt.Sprintf("%q is not a valid email address", recipient.Email))
	}
	if _, exists := IndexByEmail(doc, recipient.Email); exists {
		return 0, apperr.Duplicate("DUPLICATE_RECIPIENT", "recipient is already on this document")
	}
	switch recipient.Role {
	case "":
		recipient.Role = document.RoleSigner
	case document.RoleSigner, document.RoleViewer, document.RoleApprover:
	default:
		return 0, apperr.Validation("INVALID_ROLE", "recipient role must be signer, viewer or approver")
	}
	recipient.Status = document.RecipientPending
	recipient.ViewedAt = nil
	recipient.SignedAt = nil

	doc.Recipients = append(doc.Recipients, recipient)
	return len(doc.Recipients) - 1, nil
}

// RemoveRecipient drops a recipient and shifts later bindings down by one.
// Removal is rejected while any field is still bound to the recipient or
// once they have signed, so no binding ever dangles.
func RemoveRecipient(doc *document.Document, index int) error {
	if err := checkIndex(doc, index); err != nil {
		return err
	}
	if doc.Recipients[index].Status == document.RecipientSigned {
		return apperr.InvalidTransition(string(doc.Status), "remove-recipient", "recipient has already signed")
	}
	var bound []string
	for _, field := range doc.Fields {
		if field.RecipientIndex != nil && *field.RecipientIndex == index {
			bound = append(bound, field.ID)
		}
	}
	if len(bound) > 0 {
		return apperr.Validation("RECIPIENT_HAS_FIELDS", "reassign or remove the recipient's fields first").
			WithDetails(map[string][]string{"fieldIds": bound})
	}

	doc.Recipients = append(doc.Recipients[:index], doc.Recipients[index+1:]...)
	for i := range doc.Fields {
		if idx := doc.Fields[i].RecipientIndex; idx != nil && *idx > index {
			shifted := *idx - 1
			doc.Fields[i].RecipientIndex = &shifted
		}
	}
	return nil
}

// Ready reports whether the recipient may view or sign now. Under sequential
// order every earlier recipient must already have signed.
func Ready(doc *document.Document, index int) bool {
	if index < 0 || index >= len(doc.Recipients) {
		return false
	}
	if doc.SigningOrder != document.OrderSequential {
		return true
	}
	for i := 0; i < index; i++ {
		if doc.Recipients[i].Status != document.RecipientSigned {
			return false
		}
	}
	return true
}

// IndexByEmail finds a recipient by email, ignoring case.
func IndexByEmail(doc *document.Document, email string) (int, bool) {
	needle := strings.ToLower(strings.TrimSpace(email))
	for i, recipient := range doc.Recipients {
		if strings.ToLower(recipient.Email) == needle {
			return i, true
		}
	}
	return -1, false
}

// Owns reports whether the actor may fill the field. Unbound fields are open
// to everyone; a nil actor stands for the document owner.
func Owns(field document.Field, actor *int) bool {
	if field.RecipientIndex == nil || actor == nil {
		return true
	}
	return *field.RecipientIndex == *actor
}

// Frozen reports whether the field is bound to a recipient who has already
// signed. Nobody may change such a field, the owner included.
func Frozen(doc *document.Document, field document.Field) bool {
	if field.RecipientIndex == nil {
		return false
	}
	index := *field.RecipientIndex
	return index >= 0 && index < len(doc.Recipients) && doc.Recipients[index].Status == document.RecipientSigned
}

// CanFill checks a write to the field by actor. The owner fills only unbound
// fields; bound fields belong to their recipient alone.
func CanFill(doc *document.Document, field document.Field, actor *int) error {
	if Frozen(doc, field) {
		return apperr.InvalidTransition(string(doc.Status), "fill-field", "field belongs to a recipient who has signed")
	}
	if actor == nil && field.RecipientIndex != nil {
		return apperr.Authorization("this field is assigned to a recipient")
	}
	if !Owns(field, actor) {
		return apperr.Authorization("this field is assigned to another recipient")
	}
	if actor != nil && doc.Recipients[*actor].Status == document.RecipientSigned {
		return apperr.InvalidTransition(string(doc.Status), "fill-field", "recipient has already signed")
	}
	return nil
}

// Outstanding lists required fields the actor still has to complete.
func Outstanding(doc *document.Document, actor *int) []string {
	var missing []string
	for _, field := range doc.Fields {
		if field.Required && !field.Completed && Owns(field, actor) {
			missing = append(missing, field.ID)
		}
	}
	return missing
}

func AllSigned(doc *document.Document) bool {
	for _, recipient := range doc.Recipients {
		if recipient.Status != document.RecipientSigned {
			return false
		}
	}
	return true
}

func checkIndex(doc *document.Document, index int) error {
	if index < 0 || index >= len(doc.Recipients) {
		return apperr.Validation("INVALID_RECIPIENT_INDEX", fmt.Sprintf("recipient index %d is out of range", index)).
			WithDetails(map[string]int{"index": index, "recipients": len(doc.Recipients)})
	}
	return nil
}
