package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/guard"
)

// steppingClock advances one second per call so createdAt ordering is
// deterministic.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func useClock(t *testing.T, s Store) {
	t.Helper()
	clock := &steppingClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	switch typed := s.(type) {
	case *BadgerStore:
		typed.now = clock.Now
	case *PostgresStore:
		typed.now = clock.Now
	default:
		t.Fatalf("unknown store type %T", s)
	}
}

func strPtr(v string) *string { return &v }

func newDoc(name string, docType document.Type, owner string) document.Document {
	doc := document.New(name, docType)
	doc.OwnerID = owner
	return doc
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.CreateDocument(ctx, newDoc("NDA", document.TypeSent, "u1"))
		if err != nil {
			t.Fatalf("CreateDocument: %v", err)
		}
		if created.ID == "" || created.Version != 1 || created.Status != document.StatusDraft {
			t.Fatalf("created = %+v", created)
		}
		if !created.CreatedAt.Equal(created.UpdatedAt) {
			t.Fatalf("createdAt %v != updatedAt %v", created.CreatedAt, created.UpdatedAt)
		}

		received, err := s.CreateDocument(ctx, newDoc("Lease", document.TypeReceived, "u1"))
		if err != nil {
			t.Fatalf("CreateDocument(received): %v", err)
		}
		if received.Status != document.StatusPending {
			t.Fatalf("received status = %s, want pending", received.Status)
		}

		got, err := s.GetDocument(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetDocument: %v", err)
		}
		if got.Name != "NDA" || got.OwnerID != "u1" {
			t.Fatalf("got = %+v", got)
		}

		if _, err := s.GetDocument(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
			t.Fatalf("GetDocument(missing) error = %v", err)
		}
		if _, err := s.CreateDocument(ctx, document.New("  ", document.TypeSelf)); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("CreateDocument(no name) error = %v", err)
		}
		dup := newDoc("Again", document.TypeSelf, "u1")
		dup.ID = created.ID
		if _, err := s.CreateDocument(ctx, dup); !apperr.Is(err, apperr.KindDuplicate) {
			t.Fatalf("CreateDocument(duplicate id) error = %v", err)
		}
	})

	t.Run("update merges patch", func(t *testing.T) {
		s := newStore(t)
		useClock(t, s)
		ctx := context.Background()
		created, _ := s.CreateDocument(ctx, newDoc("Draft", document.TypeSelf, "u1"))

		patch := document.Patch{Name: strPtr("Final"), Description: strPtr("signed copy")}
		first, err := s.UpdateDocument(ctx, created.ID, patch)
		if err != nil {
			t.Fatalf("UpdateDocument: %v", err)
		}
		if first.Name != "Final" || first.Description != "signed copy" {
			t.Fatalf("patched = %+v", first)
		}
		if first.ID != created.ID || !first.CreatedAt.Equal(created.CreatedAt) {
			t.Fatal("update must not touch id or createdAt")
		}
		if !first.UpdatedAt.After(created.UpdatedAt) || first.Version != 2 {
			t.Fatalf("updatedAt/version not bumped: %+v", first)
		}

		second, err := s.UpdateDocument(ctx, created.ID, patch)
		if err != nil {
			t.Fatal(err)
		}
		second.UpdatedAt, second.Version = first.UpdatedAt, first.Version
		a, _ := json.Marshal(first)
		b, _ := json.Marshal(second)
		if string(a) != string(b) {
			t.Fatalf("repeat update changed more than updatedAt:\n%s\n%s", a, b)
		}

		if _, err := s.UpdateDocument(ctx, created.ID, document.Patch{Name: strPtr(" ")}); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("invalid patch error = %v", err)
		}
		current, _ := s.GetDocument(ctx, created.ID)
		if current.Name != "Final" || current.Version != 3 {
			t.Fatalf("rejected patch wrote: %+v", current)
		}
		if _, err := s.UpdateDocument(ctx, "missing", patch); !apperr.Is(err, apperr.KindNotFound) {
			t.Fatalf("UpdateDocument(missing) error = %v", err)
		}
	})

	t.Run("mutate is all or nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, _ := s.CreateDocument(ctx, newDoc("Form", document.TypeSelf, "u1"))

		boom := errors.New("boom")
		_, err := s.MutateDocument(ctx, created.ID, func(doc *document.Document) error {
			doc.Name = "changed"
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("MutateDocument error = %v", err)
		}
		unchanged, _ := s.GetDocument(ctx, created.ID)
		if unchanged.Name != "Form" || unchanged.Version != 1 {
			t.Fatalf("failed mutation wrote: %+v", unchanged)
		}

		mutated, err := s.MutateDocument(ctx, created.ID, func(doc *document.Document) error {
			doc.ID = "hijack"
			doc.CreatedAt = time.Time{}
			_, err := doc.AddField(document.FieldSignature, 1, 10, 10)
			return err
		})
		if err != nil {
			t.Fatalf("MutateDocument: %v", err)
		}
		if mutated.ID != created.ID || !mutated.CreatedAt.Equal(created.CreatedAt) {
			t.Fatal("mutation overwrote identity")
		}
		reloaded, _ := s.GetDocument(ctx, created.ID)
		if len(reloaded.Fields) != 1 || reloaded.Fields[0].ID != "field-1" {
			t.Fatalf("fields = %+v", reloaded.Fields)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, _ := s.CreateDocument(ctx, newDoc("Temp", document.TypeSelf, "u1"))
		if err := s.DeleteDocument(ctx, created.ID); err != nil {
			t.Fatalf("DeleteDocument: %v", err)
		}
		if _, err := s.GetDocument(ctx, created.ID); !apperr.Is(err, apperr.KindNotFound) {
			t.Fatalf("GetDocument after delete error = %v", err)
		}
		if err := s.DeleteDocument(ctx, created.ID); !apperr.Is(err, apperr.KindNotFound) {
			t.Fatalf("second delete error = %v", err)
		}
	})

	t.Run("query and search", func(t *testing.T) {
		s := newStore(t)
		useClock(t, s)
		ctx := context.Background()

		first, _ := s.CreateDocument(ctx, newDoc("Alpha", document.TypeSent, "u1"))
		second, _ := s.CreateDocument(ctx, newDoc("Beta", document.TypeReceived, "u1"))
		third, _ := s.CreateDocument(ctx, newDoc("Gamma", document.TypeSelf, "u2"))
		if _, err := s.MutateDocument(ctx, first.ID, func(doc *document.Document) error {
			doc.Recipients = append(doc.Recipients, document.Recipient{Name: "Dana Reyes", Email: "Dana@Example.com", Role: document.RoleSigner, Status: document.RecipientPending})
			return nil
		}); err != nil {
			t.Fatal(err)
		}

		all, err := s.QueryDocuments(ctx, Filter{})
		if err != nil {
			t.Fatalf("QueryDocuments: %v", err)
		}
		if ids := docIDs(all); len(ids) != 3 || ids[0] != third.ID || ids[2] != first.ID {
			t.Fatalf("order = %v, want newest first", ids)
		}

		cases := []struct {
			name   string
			filter Filter
			want   []string
		}{
			{"by owner", Filter{OwnerID: "u1"}, []string{second.ID, first.ID}},
			{"by type", Filter{Type: document.TypeSent}, []string{first.ID}},
			{"by status", Filter{Statuses: []document.Status{document.StatusPending}}, []string{second.ID}},
			{"status set", Filter{Statuses: []document.Status{document.StatusPending, document.StatusDraft}, OwnerID: "u1"}, []string{second.ID, first.ID}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				docs, err := s.QueryDocuments(ctx, tc.filter)
				if err != nil {
					t.Fatal(err)
				}
				if got := docIDs(docs); !equalStrings(got, tc.want) {
					t.Fatalf("ids = %v, want %v", got, tc.want)
				}
			})
		}

		inbox, _ := ViewFilter(ViewInbox, "u1")
		docs, _ := s.QueryDocuments(ctx, inbox)
		if got := docIDs(docs); !equalStrings(got, []string{second.ID}) {
			t.Fatalf("inbox = %v", got)
		}

		hits, err := s.SearchDocuments(ctx, "dana@example")
		if err != nil {
			t.Fatalf("SearchDocuments: %v", err)
		}
		if got := docIDs(hits); !equalStrings(got, []string{first.ID}) {
			t.Fatalf("search hits = %v", got)
		}
		hits, _ = s.SearchDocuments(ctx, "GAMMA")
		if got := docIDs(hits); !equalStrings(got, []string{third.ID}) {
			t.Fatalf("search hits = %v", got)
		}
		hits, _ = s.SearchDocuments(ctx, "100%")
		if len(hits) != 0 {
			t.Fatalf("wildcards must be literal, got %v", docIDs(hits))
		}
	})

	t.Run("users", func(t *testing.T) {
		s := newStore(t)
		useClock(t, s)
		ctx := context.Background()

		user, err := s.CreateUser(ctx, User{Email: " Ada@Example.com ", Name: "Ada", PasswordHash: "hash"})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if user.Email != "ada@example.com" || user.Role != "user" || user.Status != UserActive || user.Provider != "email" {
			t.Fatalf("user = %+v", user)
		}
		if _, err := s.CreateUser(ctx, User{Email: "ADA@example.com"}); !apperr.Is(err, apperr.KindDuplicate) {
			t.Fatalf("duplicate email error = %v", err)
		}
		if _, err := s.CreateUser(ctx, User{Email: "nope"}); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("invalid email error = %v", err)
		}
		byEmail, err := s.GetUserByEmail(ctx, "ADA@example.com")
		if err != nil || byEmail.ID != user.ID {
			t.Fatalf("GetUserByEmail = %+v, %v", byEmail, err)
		}

		if _, err := s.CreateUser(ctx, User{Email: "bob@example.com", Name: "Bob", Role: "admin"}); err != nil {
			t.Fatal(err)
		}
		suspended, err := s.UpdateUser(ctx, user.ID, func(u *User) error {
			u.Status = UserSuspended
			u.SuspendReason = "spam"
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateUser: %v", err)
		}
		if suspended.Status != UserSuspended {
			t.Fatalf("status = %s", suspended.Status)
		}
		reloaded, _ := s.GetUser(ctx, user.ID)
		if reloaded.SuspendReason != "spam" || reloaded.PasswordHash != "hash" {
			t.Fatalf("reloaded = %+v", reloaded)
		}
		if _, err := s.GetUser(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
			t.Fatalf("GetUser(missing) error = %v", err)
		}

		admins, _ := s.ListUsers(ctx, UserFilter{Role: "admin"})
		if len(admins) != 1 || admins[0].Email != "bob@example.com" {
			t.Fatalf("admins = %+v", admins)
		}
		matches, _ := s.ListUsers(ctx, UserFilter{Query: "ADA"})
		if len(matches) != 1 {
			t.Fatalf("query matches = %+v", matches)
		}
		all, _ := s.ListUsers(ctx, UserFilter{})
		stats := Stats(all)
		if stats.Total != 2 || stats.Suspended != 1 || stats.Active != 1 || stats.ByRole["admin"] != 1 {
			t.Fatalf("stats = %+v", stats)
		}
	})

	t.Run("verification codes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := VerificationCode{Email: "ada@example.com", Code: "123456", ExpiresAt: time.Now().Add(time.Hour)}
		if err := s.SaveVerificationCode(ctx, code); err != nil {
			t.Fatalf("SaveVerificationCode: %v", err)
		}
		if ok, _ := s.ConsumeVerificationCode(ctx, "ada@example.com", "000000"); ok {
			t.Fatal("wrong code accepted")
		}
		if ok, err := s.ConsumeVerificationCode(ctx, "ADA@example.com", "123456"); err != nil || !ok {
			t.Fatalf("ConsumeVerificationCode = %v, %v", ok, err)
		}
		if ok, _ := s.ConsumeVerificationCode(ctx, "ada@example.com", "123456"); ok {
			t.Fatal("code accepted twice")
		}
	})

	t.Run("signatures and settings", func(t *testing.T) {
		s := newStore(t)
		useClock(t, s)
		ctx := context.Background()

		if _, err := s.SaveSignature(ctx, Signature{UserID: "u1", Kind: "scribble", Data: "x"}); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("bad kind error = %v", err)
		}
		typed, err := s.SaveSignature(ctx, Signature{UserID: "u1", Kind: "typed", Data: "TYPED:Ada", Font: "Dancing Script"})
		if err != nil {
			t.Fatalf("SaveSignature: %v", err)
		}
		drawn, _ := s.SaveSignature(ctx, Signature{UserID: "u1", Kind: "drawn", Data: "data:image/png;base64,AAAA"})
		_, _ = s.SaveSignature(ctx, Signature{UserID: "u2", Kind: "typed", Data: "TYPED:Bob"})

		sigs, err := s.ListSignatures(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if len(sigs) != 2 || sigs[0].ID != drawn.ID {
			t.Fatalf("signatures = %+v", sigs)
		}
		if err := s.DeleteSignature(ctx, "u2", typed.ID); !apperr.Is(err, apperr.KindNotFound) {
			t.Fatalf("cross-user delete error = %v", err)
		}
		if err := s.DeleteSignature(ctx, "u1", typed.ID); err != nil {
			t.Fatalf("DeleteSignature: %v", err)
		}

		defaults, err := s.GetSettings(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if !defaults.EmailNotifications || defaults.Theme != "light" {
			t.Fatalf("defaults = %+v", defaults)
		}
		defaults.Company = "Acme"
		defaults.NotifyViewed = false
		if _, err := s.SaveSettings(ctx, defaults); err != nil {
			t.Fatalf("SaveSettings: %v", err)
		}
		saved, _ := s.GetSettings(ctx, "u1")
		if saved.Company != "Acme" || saved.NotifyViewed {
			t.Fatalf("saved = %+v", saved)
		}
	})

	t.Run("send requests and notifications", func(t *testing.T) {
		s := newStore(t)
		useClock(t, s)
		ctx := context.Background()

		req, err := s.CreateSendRequest(ctx, SendRequest{DocumentID: "doc_1", DocumentName: "NDA", Sender: "ada@example.com"})
		if err != nil {
			t.Fatalf("CreateSendRequest: %v", err)
		}
		_, _ = s.CreateSendRequest(ctx, SendRequest{DocumentID: "doc_2"})
		reqs, _ := s.ListSendRequests(ctx, "doc_1")
		if len(reqs) != 1 || reqs[0].ID != req.ID {
			t.Fatalf("send requests = %+v", reqs)
		}

		n, err := s.CreateNotification(ctx, Notification{Type: "signature_request", To: "Dana@Example.com", DocumentID: "doc_1", SendRequestID: req.ID})
		if err != nil {
			t.Fatalf("CreateNotification: %v", err)
		}
		if n.Status != "pending" || n.Read {
			t.Fatalf("notification = %+v", n)
		}
		items, _ := s.ListNotifications(ctx, "dana@example.com")
		if len(items) != 1 {
			t.Fatalf("notifications = %+v", items)
		}
		read, err := s.MarkNotificationRead(ctx, n.ID)
		if err != nil || !read.Read {
			t.Fatalf("MarkNotificationRead = %+v, %v", read, err)
		}
		items, _ = s.ListNotifications(ctx, "dana@example.com")
		if !items[0].Read {
			t.Fatal("read flag not persisted")
		}
		if _, err := s.MarkNotificationRead(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
			t.Fatalf("MarkNotificationRead(missing) error = %v", err)
		}
	})

	t.Run("audit log", func(t *testing.T) {
		s := newStore(t)
		useClock(t, s)
		ctx := context.Background()
		index := 0
		for _, kind := range []string{"created", "sent", "signed"} {
			event := AuditEvent{Kind: kind, DocumentID: "doc_1", Actor: "u1"}
			if kind == "signed" {
				event.RecipientIndex = &index
				event.Payload = json.RawMessage(`{"progress":100}`)
			}
			if err := s.AppendAudit(ctx, event); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		}
		_ = s.AppendAudit(ctx, AuditEvent{Kind: "created", DocumentID: "doc_2"})

		events, err := s.ListAudit(ctx, "doc_1")
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 3 || events[0].Kind != "created" || events[2].Kind != "signed" {
			t.Fatalf("events = %+v", events)
		}
		if events[2].RecipientIndex == nil || *events[2].RecipientIndex != 0 {
			t.Fatalf("recipient index = %v", events[2].RecipientIndex)
		}
	})

	t.Run("sessions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		g := guard.New(s.Sessions(), guard.Options{TTL: time.Hour}, nil)

		session, err := g.Start(ctx, "u1", 0, false)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if _, err := g.Validate(ctx, session.ID); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		extended, err := g.ResetOnActivity(ctx, session.ID, true)
		if err != nil {
			t.Fatalf("ResetOnActivity: %v", err)
		}
		if extended.ExpiresAt.Before(session.ExpiresAt) {
			t.Fatal("confirmed activity must not shorten expiry")
		}
		listed, _ := s.Sessions().List(ctx)
		if len(listed) != 1 {
			t.Fatalf("sessions = %d", len(listed))
		}
		if err := g.End(ctx, session.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := g.Validate(ctx, session.ID); !errors.Is(err, guard.ErrSessionNotFound) {
			t.Fatalf("Validate after End error = %v", err)
		}
	})
}

func docIDs(docs []document.Document) []string {
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
