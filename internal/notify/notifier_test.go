package notify

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"

	"signflow/api/internal/document"
	"signflow/api/internal/email"
	"signflow/api/internal/lifecycle"
	"signflow/api/internal/store"
)

type fakeMailer struct {
	mu          sync.Mutex
	configured  bool
	fail        bool
	requests    []string
	completions []email.CompletionData
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendSignatureRequest(to string, data email.SignatureRequestData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("smtp down")
	}
	f.requests = append(f.requests, to)
	return nil
}

func (f *fakeMailer) SendCompletionEmail(to string, data email.CompletionData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, data)
	return nil
}

func newFixture(t *testing.T, order document.SigningOrder) (*store.BadgerStore, *fakeMailer, *Notifier, document.Document) {
	t.Helper()
	st, err := store.OpenBadger("")
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	owner, err := st.CreateUser(context.Background(), store.User{Email: "owner@example.com", Name: "Owner"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	mail := &fakeMailer{configured: true}
	doc := document.Document{
		ID:           "doc_1",
		Name:         "Lease",
		OwnerID:      owner.ID,
		Sender:       "Owner",
		Type:         document.TypeSent,
		Status:       document.StatusSent,
		SigningOrder: order,
		Recipients: []document.Recipient{
			{Name: "Ada", Email: "ada@example.com", Status: document.RecipientPending},
			{Name: "Grace", Email: "grace@example.com", Status: document.RecipientPending},
		},
	}
	return st, mail, New(st, mail, "https://sign.example.com"), doc
}

func TestDispatchParallelNotifiesEveryone(t *testing.T) {
	st, mail, n, doc := newFixture(t, document.OrderParallel)
	ctx := context.Background()

	if err := n.Observe(lifecycle.Event{Kind: lifecycle.EventSent, DocumentID: doc.ID, Document: &doc}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	reqs, err := st.ListSendRequests(ctx, doc.ID)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("send requests = %v, %v", reqs, err)
	}
	if reqs[0].Message != defaultMessage || reqs[0].Subject != "Lease" {
		t.Fatalf("unexpected send request %+v", reqs[0])
	}

	for _, addr := range []string{"ada@example.com", "grace@example.com"} {
		notes, err := st.ListNotifications(ctx, addr)
		if err != nil || len(notes) != 1 {
			t.Fatalf("notifications for %s = %v, %v", addr, notes, err)
		}
		if notes[0].Type != TypeSignatureRequest || notes[0].SendRequestID != reqs[0].ID {
			t.Fatalf("unexpected notification %+v", notes[0])
		}
		u, err := url.Parse(notes[0].SignURL)
		if err != nil || u.Query().Get("recipient") != addr || u.Query().Get("id") != doc.ID {
			t.Fatalf("bad sign url %q", notes[0].SignURL)
		}
	}
	if len(mail.requests) != 2 {
		t.Fatalf("mailed %d requests, want 2", len(mail.requests))
	}
}

func TestSequentialAsksNextSignerInTurn(t *testing.T) {
	st, mail, n, doc := newFixture(t, document.OrderSequential)
	ctx := context.Background()

	if err := n.Observe(lifecycle.Event{Kind: lifecycle.EventSent, DocumentID: doc.ID, Document: &doc}); err != nil {
		t.Fatalf("Observe(sent) error = %v", err)
	}
	if notes, _ := st.ListNotifications(ctx, "grace@example.com"); len(notes) != 0 {
		t.Fatalf("second signer notified before their turn: %+v", notes)
	}

	doc.Recipients[0].Status = document.RecipientSigned
	idx := 0
	if err := n.Observe(lifecycle.Event{Kind: lifecycle.EventSigned, DocumentID: doc.ID, RecipientIndex: &idx, Document: &doc}); err != nil {
		t.Fatalf("Observe(signed) error = %v", err)
	}

	notes, err := st.ListNotifications(ctx, "grace@example.com")
	if err != nil || len(notes) != 1 || notes[0].Type != TypeSignatureRequest {
		t.Fatalf("grace notifications = %+v, %v", notes, err)
	}
	if !strings.Contains(strings.Join(mail.requests, ","), "grace@example.com") {
		t.Fatalf("grace was not mailed: %v", mail.requests)
	}

	ownerNotes, err := st.ListNotifications(ctx, "owner@example.com")
	if err != nil || len(ownerNotes) != 1 || ownerNotes[0].Type != TypeSignatureCompleted {
		t.Fatalf("owner notifications = %+v, %v", ownerNotes, err)
	}
	if len(mail.completions) != 1 || mail.completions[0].SignerName != "Ada" || mail.completions[0].AllSigned {
		t.Fatalf("unexpected completion mail %+v", mail.completions)
	}
}

func TestOwnerSettingsSuppressNotifications(t *testing.T) {
	st, mail, n, doc := newFixture(t, document.OrderParallel)
	ctx := context.Background()

	settings := store.DefaultSettings(doc.OwnerID)
	settings.NotifyViewed = false
	settings.EmailNotifications = false
	if _, err := st.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}

	idx := 1
	if err := n.Observe(lifecycle.Event{Kind: lifecycle.EventViewed, DocumentID: doc.ID, RecipientIndex: &idx, Document: &doc}); err != nil {
		t.Fatalf("Observe(viewed) error = %v", err)
	}
	if err := n.Observe(lifecycle.Event{Kind: lifecycle.EventCompleted, DocumentID: doc.ID, Document: &doc}); err != nil {
		t.Fatalf("Observe(completed) error = %v", err)
	}

	notes, err := st.ListNotifications(ctx, "owner@example.com")
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(notes) != 1 || notes[0].Type != TypeDocumentCompleted {
		t.Fatalf("owner notifications = %+v", notes)
	}
	if len(mail.completions) != 0 {
		t.Fatal("email notifications are off, nothing should be mailed")
	}
}

func TestMailFailureDoesNotFailDispatch(t *testing.T) {
	st, mail, n, doc := newFixture(t, document.OrderParallel)
	mail.fail = true

	if err := n.Observe(lifecycle.Event{Kind: lifecycle.EventSent, DocumentID: doc.ID, Document: &doc}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	notes, err := st.ListNotifications(context.Background(), "ada@example.com")
	if err != nil || len(notes) != 1 {
		t.Fatalf("in-app notification should still be written: %v, %v", notes, err)
	}
}
