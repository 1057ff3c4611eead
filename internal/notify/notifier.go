// Package notify records send requests and in-app notifications for
// document events and mails recipients when SMTP is configured.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"signflow/api/internal/document"
	"signflow/api/internal/email"
	"signflow/api/internal/lifecycle"
	"signflow/api/internal/routing"
	"signflow/api/internal/store"
)

const (
	TypeSignatureRequest   = "signature_request"
	TypeSignatureCompleted = "signature_completed"
	TypeDocumentCompleted  = "document_completed"
	TypeDocumentViewed     = "document_viewed"

	defaultMessage = "Please review and sign this document."
	writeTimeout   = 10 * time.Second
)

// Mailer is the slice of email.Service the notifier uses.
type Mailer interface {
	IsConfigured() bool
	SendSignatureRequest(to string, data email.SignatureRequestData) error
	SendCompletionEmail(to string, data email.CompletionData) error
}

// Store is what the notifier reads and writes.
type Store interface {
	store.MessageStore
	GetUser(ctx context.Context, id string) (store.User, error)
	GetSettings(ctx context.Context, userID string) (store.Settings, error)
}

type Notifier struct {
	store   Store
	mail    Mailer
	baseURL string
}

// New returns a notifier. mail may be nil, in which case only in-app
// notifications are written.
func New(st Store, mail Mailer, baseURL string) *Notifier {
	return &Notifier{store: st, mail: mail, baseURL: baseURL}
}

// Observe reacts to committed lifecycle events.
func (n *Notifier) Observe(event lifecycle.Event) error {
	doc := event.Document
	if doc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch event.Kind {
	case lifecycle.EventSent:
		return n.dispatch(ctx, doc)
	case lifecycle.EventViewed:
		if event.RecipientIndex == nil {
			return nil
		}
		return n.notifyOwner(ctx, doc, TypeDocumentViewed, *event.RecipientIndex)
	case lifecycle.EventSigned:
		if event.RecipientIndex == nil {
			return nil
		}
		if err := n.notifyOwner(ctx, doc, TypeSignatureCompleted, *event.RecipientIndex); err != nil {
			return err
		}
		return n.requestNext(ctx, doc, *event.RecipientIndex)
	case lifecycle.EventCompleted:
		return n.notifyOwner(ctx, doc, TypeDocumentCompleted, -1)
	}
	return nil
}

// dispatch writes the send request and asks every recipient who may sign
// now. Under sequential order that is only the first one; the rest are
// asked as their turn comes.
func (n *Notifier) dispatch(ctx context.Context, doc *document.Document) error {
	message := doc.EmailMessage
	if message == "" {
		message = defaultMessage
	}
	req, err := n.store.CreateSendRequest(ctx, store.SendRequest{
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		Sender:       doc.Sender,
		Recipients:   doc.Recipients,
		SigningOrder: doc.SigningOrder,
		Subject:      doc.Name,
		Message:      message,
	})
	if err != nil {
		return fmt.Errorf("notify: create send request: %w", err)
	}

	for i := range doc.Recipients {
		if !routing.Ready(doc, i) {
			continue
		}
		if err := n.request(ctx, doc, req, i); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) requestNext(ctx context.Context, doc *document.Document, signed int) error {
	if doc.SigningOrder != document.OrderSequential {
		return nil
	}
	next := signed + 1
	if next >= len(doc.Recipients) || doc.Recipients[next].Status != document.RecipientPending || !routing.Ready(doc, next) {
		return nil
	}
	reqs, err := n.store.ListSendRequests(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("notify: list send requests: %w", err)
	}
	var req store.SendRequest
	if len(reqs) > 0 {
		req = reqs[0]
	}
	return n.request(ctx, doc, req, next)
}

func (n *Notifier) request(ctx context.Context, doc *document.Document, req store.SendRequest, index int) error {
	recipient := doc.Recipients[index]
	signURL := n.SignURL(doc.ID, recipient.Email, req.ID)
	if _, err := n.store.CreateNotification(ctx, store.Notification{
		Type:          TypeSignatureRequest,
		To:            recipient.Email,
		ToName:        recipient.Name,
		DocumentID:    doc.ID,
		DocumentName:  doc.Name,
		SendRequestID: req.ID,
		Status:        "sent",
		SignURL:       signURL,
	}); err != nil {
		return fmt.Errorf("notify: signature request for %s: %w", recipient.Email, err)
	}

	if n.mail == nil || !n.mail.IsConfigured() {
		log.Printf("notify: smtp not configured, skipped mail to %s for %s", recipient.Email, doc.ID)
		return nil
	}
	data := email.SignatureRequestData{
		RecipientName: recipient.Name,
		Sender:        doc.Sender,
		DocumentName:  doc.Name,
		Message:       req.Message,
		SignURL:       signURL,
	}
	if doc.DueDate != nil {
		data.DueDate = doc.DueDate.Format("January 2, 2006")
	}
	if err := n.mail.SendSignatureRequest(recipient.Email, data); err != nil {
		log.Printf("notify: mail signature request to %s: %v", recipient.Email, err)
	}
	return nil
}

// notifyOwner records an owner-facing notification. index < 0 means the
// event concerns the document as a whole.
func (n *Notifier) notifyOwner(ctx context.Context, doc *document.Document, kind string, index int) error {
	if doc.OwnerID == "" {
		return nil
	}
	owner, err := n.store.GetUser(ctx, doc.OwnerID)
	if err != nil {
		return fmt.Errorf("notify: load owner %s: %w", doc.OwnerID, err)
	}
	settings, err := n.store.GetSettings(ctx, owner.ID)
	if err != nil {
		return fmt.Errorf("notify: load settings %s: %w", owner.ID, err)
	}
	if kind == TypeDocumentViewed && !settings.NotifyViewed {
		return nil
	}
	if kind == TypeSignatureCompleted && !settings.NotifySigned {
		return nil
	}

	status := "completed"
	if kind == TypeDocumentViewed {
		status = "viewed"
	}
	if _, err := n.store.CreateNotification(ctx, store.Notification{
		Type:         kind,
		To:           owner.Email,
		ToName:       owner.Name,
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		Status:       status,
	}); err != nil {
		return fmt.Errorf("notify: %s for %s: %w", kind, doc.ID, err)
	}

	if kind == TypeDocumentViewed || !settings.EmailNotifications || n.mail == nil || !n.mail.IsConfigured() {
		return nil
	}
	data := email.CompletionData{
		UserName:     owner.Name,
		DocumentName: doc.Name,
		DocumentURL:  fmt.Sprintf("%s/documents/%s", n.baseURL, url.PathEscape(doc.ID)),
		AllSigned:    kind == TypeDocumentCompleted,
	}
	if index >= 0 && index < len(doc.Recipients) {
		data.SignerName = doc.Recipients[index].Name
	}
	if err := n.mail.SendCompletionEmail(owner.Email, data); err != nil {
		log.Printf("notify: mail %s to %s: %v", kind, owner.Email, err)
	}
	return nil
}

// SignURL builds the link a recipient follows to sign.
func (n *Notifier) SignURL(documentID, recipientEmail, sendRequestID string) string {
	q := url.Values{}
	q.Set("id", documentID)
	q.Set("recipient", recipientEmail)
	if sendRequestID != "" {
		q.Set("send", sendRequestID)
	}
	return n.baseURL + "/sign?" + q.Encode()
}
