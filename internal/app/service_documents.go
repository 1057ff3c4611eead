package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/blob"
	"signflow/api/internal/document"
	"signflow/api/internal/export"
	"signflow/api/internal/history"
	"signflow/api/internal/lifecycle"
	"signflow/api/internal/routing"
	"signflow/api/internal/store"
)

type CreateDocumentInput struct {
	Name         string               `json:"name"`
	Description  string               `json:"description"`
	Type         document.Type        `json:"type"`
	Sender       string               `json:"sender"`
	Pages        int                  `json:"pages"`
	SigningOrder document.SigningOrder `json:"signingOrder"`
	EmailMessage string               `json:"emailMessage"`
	DueDate      *time.Time           `json:"dueDate"`
	Recipients   []document.Recipient `json:"recipients"`
}

type DocumentQuery struct {
	View   string
	Status string
	Type   string
	Text   string
}

type AddFieldInput struct {
	Type           document.FieldType `json:"type"`
	Page           int                `json:"page"`
	X              float64            `json:"x"`
	Y              float64            `json:"y"`
	Label          *string            `json:"label"`
	Required       *bool              `json:"required"`
	RecipientIndex *int               `json:"recipientIndex"`
}

// EditFieldInput changes layout, properties and binding of a field.
// RecipientIndex is left raw so an explicit null (unbind) differs from an
// absent key (keep).
type EditFieldInput struct {
	document.FieldEdit
	RecipientIndex json.RawMessage `json:"recipientIndex"`
}

type SignInput struct {
	Values map[string]json.RawMessage `json:"values"`
}

// Access is the caller's relation to a document. Recipient is nil for the
// owner.
type Access struct {
	Owner     bool
	Recipient *int
}

func (s *Service) access(doc document.Document, session Session) (Access, error) {
	if idx, ok := routing.IndexByEmail(&doc, session.Email); ok {
		return Access{Owner: doc.OwnerID == session.UserID, Recipient: &idx}, nil
	}
	if doc.OwnerID == session.UserID {
		return Access{Owner: true}, nil
	}
	return Access{}, apperr.Authorization("you do not have access to this document")
}

func (s *Service) ownerAccess(doc document.Document, session Session) error {
	if doc.OwnerID != session.UserID {
		return apperr.Authorization("only the document owner can do this")
	}
	return nil
}

// mutate runs fn inside the store's atomic read-modify-write and publishes
// the events fn produced once the write has committed.
func (s *Service) mutate(ctx context.Context, session Session, id string, ownerOnly bool, fn func(doc *document.Document, access Access) ([]lifecycle.Event, error)) (document.Document, error) {
	var events []lifecycle.Event
	committed, err := s.store.MutateDocument(ctx, id, func(doc *document.Document) error {
		events = nil
		access, err := s.access(*doc, session)
		if err != nil {
			return err
		}
		if ownerOnly {
			if err := s.ownerAccess(*doc, session); err != nil {
				return err
			}
			access.Recipient = nil
		}
		produced, err := fn(doc, access)
		if err != nil {
			return err
		}
		events = produced
		return nil
	})
	if err != nil {
		return document.Document{}, err
	}
	s.publish(committed, events)
	return committed, nil
}

func (s *Service) publish(committed document.Document, events []lifecycle.Event) {
	for i := range events {
		snapshot := committed
		events[i].Document = &snapshot
	}
	s.engine.Publish(events...)
}

func (s *Service) updatedEvent(doc *document.Document, session Session, recipient *int) []lifecycle.Event {
	return []lifecycle.Event{{
		Kind:           lifecycle.EventUpdated,
		DocumentID:     doc.ID,
		Actor:          session.Email,
		RecipientIndex: recipient,
		From:           doc.Status,
		To:             doc.Status,
		At:             s.engine.Now(),
	}}
}

// apply runs a lifecycle transition on doc in place.
func (s *Service) apply(doc *document.Document, req lifecycle.Request) ([]lifecycle.Event, error) {
	next, events, err := s.engine.Apply(*doc, req)
	if err != nil {
		return nil, err
	}
	*doc = next
	return events, nil
}

// Documents

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (document.Document, error) {
	docType := input.Type
	if docType == "" {
		docType = document.TypeSelf
	}
	doc := document.New(input.Name, docType)
	doc.Description = input.Description
	doc.OwnerID = session.UserID
	doc.Sender = strings.TrimSpace(input.Sender)
	if doc.Sender == "" {
		doc.Sender = session.UserName
	}
	doc.Pages = input.Pages
	if doc.Pages == 0 {
		doc.Pages = 1
	}
	if input.SigningOrder != "" {
		doc.SigningOrder = input.SigningOrder
	}
	doc.EmailMessage = input.EmailMessage
	doc.DueDate = input.DueDate
	for _, recipient := range input.Recipients {
		if _, err := routing.AddRecipient(&doc, recipient); err != nil {
			return document.Document{}, err
		}
	}

	created, err := s.store.CreateDocument(ctx, doc)
	if err != nil {
		return document.Document{}, err
	}
	s.publish(created, []lifecycle.Event{{
		Kind:       lifecycle.EventCreated,
		DocumentID: created.ID,
		Actor:      session.Email,
		From:       created.Status,
		To:         created.Status,
		At:         s.engine.Now(),
	}})
	return created, nil
}

// ListDocuments returns the caller's own documents, optionally narrowed by a
// dashboard view, status list, type and free text.
func (s *Service) ListDocuments(ctx context.Context, session Session, q DocumentQuery) ([]document.Document, error) {
	filter, err := store.ViewFilter(q.View, session.UserID)
	if err != nil {
		return nil, err
	}
	if q.Status != "" {
		filter.Statuses = nil
		for _, raw := range strings.Split(q.Status, ",") {
			status, ok := document.ParseStatus(strings.TrimSpace(raw))
			if !ok {
				return nil, apperr.Validation("INVALID_STATUS", fmt.Sprintf("unknown status %q", raw))
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if q.Type != "" {
		switch document.Type(q.Type) {
		case document.TypeSelf, document.TypeSent, document.TypeReceived:
			filter.Type = document.Type(q.Type)
		default:
			return nil, apperr.Validation("INVALID_TYPE", "type must be self, sent or received")
		}
	}

	docs, err := s.store.QueryDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return docs, nil
	}
	matched := make([]document.Document, 0, len(docs))
	for i := range docs {
		if docs[i].Matches(text) {
			matched = append(matched, docs[i])
		}
	}
	return matched, nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, id string) (document.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return document.Document{}, err
	}
	if _, err := s.access(doc, session); err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

func (s *Service) UpdateDocument(ctx context.Context, session Session, id string, patch document.Patch) (document.Document, error) {
	patch.FileKey = nil
	patch.FileSize = nil
	return s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		if err := patch.Apply(doc); err != nil {
			return nil, err
		}
		return s.updatedEvent(doc, session, nil), nil
	})
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, id string) error {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ownerAccess(doc, session); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if doc.FileKey != "" {
		if err := s.blob.Delete(ctx, doc.FileKey); err != nil {
			log.Printf("blob: delete %s: %v", doc.FileKey, err)
		}
	}
	s.engine.Publish(lifecycle.Event{
		Kind:       lifecycle.EventDeleted,
		DocumentID: id,
		Actor:      session.Email,
		From:       doc.Status,
		To:         doc.Status,
		At:         s.engine.Now(),
	})
	return nil
}

var allowedUploadTypes = map[string]struct{}{
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
}

// UploadFile stores the source file of a draft document. A previous
// upload is replaced.
func (s *Service) UploadFile(ctx context.Context, session Session, id, filename, contentType string, body io.Reader, size int64) (document.Document, error) {
	if _, ok := allowedUploadTypes[contentType]; !ok {
		return document.Document{}, apperr.Validation("INVALID_FILE_TYPE", "please upload a PDF or Word document")
	}
	if size > blob.MaxUploadSize {
		return document.Document{}, errFileTooLarge(size)
	}
	current, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return document.Document{}, err
	}
	if err := s.ownerAccess(current, session); err != nil {
		return document.Document{}, err
	}
	if !current.Editable() {
		return document.Document{}, apperr.InvalidTransition(string(current.Status), "upload-file", "the file can only change while the document is a draft")
	}

	key := blob.DocumentKey(id, filename)
	obj, err := s.blob.Put(ctx, key, body, size, contentType)
	if err != nil {
		return document.Document{}, fmt.Errorf("store upload: %w", err)
	}
	previous := current.FileKey
	updated, err := s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		if !doc.Editable() {
			return nil, apperr.InvalidTransition(string(doc.Status), "upload-file", "the file can only change while the document is a draft")
		}
		doc.FileKey = obj.Key
		doc.FileSize = obj.Size
		return s.updatedEvent(doc, session, nil), nil
	})
	if err != nil {
		if delErr := s.blob.Delete(ctx, key); delErr != nil {
			log.Printf("blob: discard %s: %v", key, delErr)
		}
		return document.Document{}, err
	}
	if previous != "" && previous != key {
		if err := s.blob.Delete(ctx, previous); err != nil {
			log.Printf("blob: delete replaced %s: %v", previous, err)
		}
	}
	return updated, nil
}

// OpenFile streams the uploaded source file.
func (s *Service) OpenFile(ctx context.Context, session Session, id string) (io.ReadCloser, blob.Object, error) {
	doc, err := s.GetDocument(ctx, session, id)
	if err != nil {
		return nil, blob.Object{}, err
	}
	if doc.FileKey == "" {
		return nil, blob.Object{}, apperr.NotFound("file", id)
	}
	return s.blob.Get(ctx, doc.FileKey)
}

// Fields

func (s *Service) AddField(ctx context.Context, session Session, id string, input AddFieldInput) (document.Field, error) {
	var added document.Field
	_, err := s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		field, err := doc.AddField(input.Type, input.Page, input.X, input.Y)
		if err != nil {
			return nil, err
		}
		if input.Label != nil || input.Required != nil {
			if field, err = doc.EditField(field.ID, document.FieldEdit{Label: input.Label, Required: input.Required}); err != nil {
				return nil, err
			}
		}
		if input.RecipientIndex != nil {
			if err := routing.Assign(doc, field.ID, input.RecipientIndex); err != nil {
				return nil, err
			}
			bound, _ := doc.FieldByID(field.ID)
			field = *bound
		}
		added = field
		return s.updatedEvent(doc, session, nil), nil
	})
	return added, err
}

func (s *Service) EditField(ctx context.Context, session Session, id, fieldID string, input EditFieldInput) (document.Field, error) {
	var edited document.Field
	_, err := s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		field, err := doc.EditField(fieldID, input.FieldEdit)
		if err != nil {
			return nil, err
		}
		if len(input.RecipientIndex) > 0 {
			var index *int
			if err := json.Unmarshal(input.RecipientIndex, &index); err != nil {
				return nil, apperr.Validation("INVALID_RECIPIENT_INDEX", "recipientIndex must be a number or null")
			}
			if err := routing.Assign(doc, fieldID, index); err != nil {
				return nil, err
			}
			bound, _ := doc.FieldByID(fieldID)
			field = *bound
		}
		edited = field
		return s.updatedEvent(doc, session, nil), nil
	})
	return edited, err
}

func (s *Service) RemoveField(ctx context.Context, session Session, id, fieldID string) (document.Document, error) {
	return s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		if err := doc.RemoveField(fieldID); err != nil {
			return nil, err
		}
		return s.updatedEvent(doc, session, nil), nil
	})
}

// checkFill rejects fills of fields the caller does not own, by recipients
// who already signed, and of fields frozen by a recipient's signature.
func checkFill(doc *document.Document, fieldID string, access Access) error {
	field, err := doc.FieldByID(fieldID)
	if err != nil {
		return err
	}
	return routing.CanFill(doc, *field, access.Recipient)
}

// FillField sets a field value during signing.
func (s *Service) FillField(ctx context.Context, session Session, id, fieldID string, value json.RawMessage) (document.Document, error) {
	return s.mutate(ctx, session, id, false, func(doc *document.Document, access Access) ([]lifecycle.Event, error) {
		if err := checkFill(doc, fieldID, access); err != nil {
			return nil, err
		}
		if _, err := doc.FillField(fieldID, value); err != nil {
			return nil, err
		}
		return s.updatedEvent(doc, session, access.Recipient), nil
	})
}

func (s *Service) ToggleField(ctx context.Context, session Session, id, fieldID string) (document.Document, error) {
	return s.mutate(ctx, session, id, false, func(doc *document.Document, access Access) ([]lifecycle.Event, error) {
		if err := checkFill(doc, fieldID, access); err != nil {
			return nil, err
		}
		if _, err := doc.ToggleField(fieldID); err != nil {
			return nil, err
		}
		return s.updatedEvent(doc, session, access.Recipient), nil
	})
}

// Recipients

func (s *Service) Recipients(ctx context.Context, session Session, id string) ([]routing.Entry, error) {
	doc, err := s.GetDocument(ctx, session, id)
	if err != nil {
		return nil, err
	}
	return routing.Summary(&doc), nil
}

func (s *Service) AddRecipient(ctx context.Context, session Session, id string, recipient document.Recipient) (document.Document, error) {
	return s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		if _, err := routing.AddRecipient(doc, recipient); err != nil {
			return nil, err
		}
		return s.updatedEvent(doc, session, nil), nil
	})
}

func (s *Service) RemoveRecipient(ctx context.Context, session Session, id string, index int) (document.Document, error) {
	return s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		if err := routing.RemoveRecipient(doc, index); err != nil {
			return nil, err
		}
		return s.updatedEvent(doc, session, nil), nil
	})
}

// Lifecycle

// Finalize freezes the field layout. mode is "self" or "send"; empty
// derives it from the document type.
func (s *Service) Finalize(ctx context.Context, session Session, id string, mode lifecycle.Mode) (document.Document, error) {
	return s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		return s.apply(doc, lifecycle.Request{Action: lifecycle.ActionFinalizeFields, Mode: mode, Actor: session.Email})
	})
}

// RevertToDraft reopens a finalized document for editing.
func (s *Service) RevertToDraft(ctx context.Context, session Session, id string) (document.Document, error) {
	return s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		return s.apply(doc, lifecycle.Request{Action: lifecycle.ActionRevert, Actor: session.Email})
	})
}

// Send dispatches the document to its recipients. A non-empty message
// replaces the stored email message first.
func (s *Service) Send(ctx context.Context, session Session, id, message string) (document.Document, error) {
	return s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		if strings.TrimSpace(message) != "" {
			doc.EmailMessage = strings.TrimSpace(message)
		}
		return s.apply(doc, lifecycle.Request{Action: lifecycle.ActionDispatch, Actor: session.Email})
	})
}

// Open records that the calling recipient viewed the document.
func (s *Service) Open(ctx context.Context, session Session, id string) (document.Document, error) {
	return s.mutate(ctx, session, id, false, func(doc *document.Document, access Access) ([]lifecycle.Event, error) {
		return s.apply(doc, lifecycle.Request{Action: lifecycle.ActionOpen, RecipientIndex: access.Recipient, Actor: session.Email})
	})
}

// Sign fills any supplied values and signs in one write. When the last
// recipient signs the document completes in the same write.
func (s *Service) Sign(ctx context.Context, session Session, id string, input SignInput) (document.Document, error) {
	return s.mutate(ctx, session, id, false, func(doc *document.Document, access Access) ([]lifecycle.Event, error) {
		for fieldID, value := range input.Values {
			if err := checkFill(doc, fieldID, access); err != nil {
				return nil, err
			}
			if _, err := doc.FillField(fieldID, value); err != nil {
				return nil, err
			}
		}
		events, err := s.apply(doc, lifecycle.Request{Action: lifecycle.ActionCompleteFields, RecipientIndex: access.Recipient, Actor: session.Email})
		if err != nil {
			return nil, err
		}
		if len(doc.Recipients) > 0 && routing.AllSigned(doc) {
			completed, err := s.apply(doc, lifecycle.Request{Action: lifecycle.ActionComplete, Actor: session.Email})
			if err != nil {
				return nil, err
			}
			events = append(events, completed...)
		}
		return events, nil
	})
}

// Complete marks a signed document completed once every recipient signed.
func (s *Service) Complete(ctx context.Context, session Session, id string) (document.Document, error) {
	return s.mutate(ctx, session, id, true, func(doc *document.Document, _ Access) ([]lifecycle.Event, error) {
		return s.apply(doc, lifecycle.Request{Action: lifecycle.ActionComplete, Actor: session.Email})
	})
}

// Records

func (s *Service) Audit(ctx context.Context, session Session, id string) ([]store.AuditEvent, error) {
	if _, err := s.GetDocument(ctx, session, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id)
}

func (s *Service) History(ctx context.Context, session Session, id string, limit int) ([]history.Commit, error) {
	if s.history == nil {
		return nil, errHistoryDisabled
	}
	if _, err := s.GetDocument(ctx, session, id); err != nil {
		return nil, err
	}
	return s.history.History(id, limit)
}

// Revision is a historical snapshot plus what changed since.
type Revision struct {
	Hash     string            `json:"hash"`
	Document document.Document `json:"document"`
	Changes  []history.Change  `json:"changes"`
}

func (s *Service) Revision(ctx context.Context, session Session, id, hash string) (Revision, error) {
	if s.history == nil {
		return Revision{}, errHistoryDisabled
	}
	current, err := s.GetDocument(ctx, session, id)
	if err != nil {
		return Revision{}, err
	}
	snapshot, err := s.history.At(id, hash)
	if err != nil {
		return Revision{}, err
	}
	return Revision{Hash: hash, Document: snapshot, Changes: history.Diff(snapshot, current)}, nil
}

func (s *Service) Certificate(ctx context.Context, session Session, id string, format export.Format) (*export.Result, error) {
	doc, err := s.GetDocument(ctx, session, id)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.export.Certificate(ctx, doc, events, format)
}
