package store

import (
	"sort"
	"strings"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/util"
)

// Listing views offered by the dashboard.
const (
	ViewInbox     = "inbox"
	ViewSent      = "sent"
	ViewCompleted = "completed"
)

// ViewFilter expands a named view into a Filter scoped to ownerID.
func ViewFilter(view, ownerID string) (Filter, error) {
	filter := Filter{OwnerID: ownerID}
	switch view {
	case "", "all":
	case ViewInbox:
		filter.Type = document.TypeReceived
		filter.Statuses = []document.Status{document.StatusPending, document.StatusViewed}
	case ViewSent:
		filter.Type = document.TypeSent
	case ViewCompleted:
		filter.Statuses = []document.Status{document.StatusCompleted, document.StatusSigned}
	default:
		return Filter{}, apperr.Validation("INVALID_VIEW", "view must be inbox, sent or completed")
	}
	return filter, nil
}

// Match reports whether doc passes every set criterion.
func (f Filter) Match(doc document.Document) bool {
	if f.OwnerID != "" && doc.OwnerID != f.OwnerID {
		return false
	}
	if f.Type != "" && doc.Type != f.Type {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if doc.Status == status {
			return true
		}
	}
	return false
}

func sortDocuments(docs []document.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
}

// prepareNew stamps identity and bookkeeping on a document about to be
// created.
func prepareNew(doc document.Document, now time.Time) (document.Document, error) {
	doc = doc.Clone()
	if doc.ID == "" {
		doc.ID = util.NewID("doc")
	}
	if doc.SigningOrder == "" {
		doc.SigningOrder = document.OrderParallel
	}
	doc.Status = document.InitialStatus(doc.Type)
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.Version = 1
	if err := doc.Validate(); err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

// applyMutation runs fn on a copy of current and returns the next stored
// revision. Identity and creation time always survive fn.
func applyMutation(current document.Document, fn func(*document.Document) error, now time.Time) (document.Document, error) {
	next := current.Clone()
	if err := fn(&next); err != nil {
		return document.Document{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if err := next.Validate(); err != nil {
		return document.Document{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

func patchFn(patch document.Patch) func(*document.Document) error {
	return func(doc *document.Document) error {
		return patch.Apply(doc)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (f UserFilter) match(user User) bool {
	if f.Role != "" && user.Role != f.Role {
		return false
	}
	if f.Status != "" && user.Status != f.Status {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		return strings.Contains(strings.ToLower(user.Name), q) || strings.Contains(strings.ToLower(user.Email), q)
	}
	return true
}

func prepareUser(user User, now time.Time) (User, error) {
	user.Email = normalizeEmail(user.Email)
	user.Name = strings.TrimSpace(user.Name)
	if !document.ValidEmail(user.Email) {
		return User{}, apperr.Validation("INVALID_EMAIL", "email is not valid")
	}
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	if user.Provider == "" {
		user.Provider = "email"
	}
	if user.Role == "" {
		user.Role = "user"
	}
	if user.Status == "" {
		user.Status = UserActive
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	return user, nil
}

// Stats summarises users for the admin dashboard.
func Stats(users []User) UserStats {
	stats := UserStats{ByRole: map[string]int{}}
	for _, user := range users {
		stats.Total++
		switch user.Status {
		case UserActive:
			stats.Active++
		case UserInactive:
			stats.Inactive++
		case UserSuspended:
			stats.Suspended++
		}
		switch user.Provider {
		case "google":
			stats.GoogleAuth++
		case "email":
			stats.EmailAuth++
		}
		if user.Verified {
			stats.Verified++
		} else {
			stats.Unverified++
		}
		stats.ByRole[user.Role]++
	}
	return stats
}

func sortUsers(users []User) {
	sort.SliceStable(users, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) })
}

func prepareSignature(sig Signature, now time.Time) (Signature, error) {
	switch sig.Kind {
	case "drawn", "typed", "uploaded":
	default:
		return Signature{}, apperr.Validation("INVALID_SIGNATURE_KIND", "signature kind must be drawn, typed or uploaded")
	}
	if strings.TrimSpace(sig.UserID) == "" {
		return Signature{}, apperr.Validation("MISSING_USER", "signature owner is required")
	}
	if sig.Data == "" && sig.ObjectKey == "" {
		return Signature{}, apperr.Validation("EMPTY_SIGNATURE", "signature data is required")
	}
	if sig.ID == "" {
		sig.ID = util.NewID("sig")
	}
	sig.CreatedAt = now
	return sig, nil
}

func prepareNotification(n Notification, now time.Time) Notification {
	if n.ID == "" {
		n.ID = util.NewID("ntf")
	}
	if n.Status == "" {
		n.Status = "pending"
	}
	n.To = normalizeEmail(n.To)
	n.CreatedAt = now
	return n
}

func prepareSendRequest(req SendRequest, now time.Time) SendRequest {
	if req.ID == "" {
		req.ID = util.NewID("req")
	}
	req.CreatedAt = now
	return req
}

func prepareAudit(event AuditEvent, now time.Time) AuditEvent {
	if event.ID == "" {
		event.ID = util.NewID("evt")
	}
	if event.At.IsZero() {
		event.At = now
	}
	return event
}
