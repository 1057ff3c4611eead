package document

import (
	"testing"
	"time"

	"signflow/api/internal/apperr"
)

func TestNewEntryStatus(t *testing.T) {
	if got := New("Offer", TypeSent).Status; got != StatusDraft {
		t.Errorf("sent document status = %q, want draft", got)
	}
	if got := New("Offer", TypeReceived).Status; got != StatusPending {
		t.Errorf("received document status = %q, want pending", got)
	}
}

func TestValidate(t *testing.T) {
	idx := 1
	tests := []struct {
		name   string
		mutate func(*Document)
		code   string
	}{
		{name: "missing title", mutate: func(d *Document) { d.Name = "  " }, code: "MISSING_TITLE"},
		{name: "bad type", mutate: func(d *Document) { d.Type = "shared" }, code: "INVALID_TYPE"},
		{name: "bad order", mutate: func(d *Document) { d.SigningOrder = "random" }, code: "INVALID_SIGNING_ORDER"},
		{name: "bad recipient email", mutate: func(d *Document) {
			d.Recipients = []Recipient{{Name: "A", Email: "nope"}}
		}, code: "INVALID_EMAIL"},
		{name: "dangling binding", mutate: func(d *Document) {
			d.Recipients = []Recipient{{Name: "A", Email: "a@example.com"}}
			d.Fields = []Field{{ID: "field-1", Type: FieldText, RecipientIndex: &idx}}
		}, code: "INVALID_RECIPIENT_INDEX"},
		{name: "field past last page", mutate: func(d *Document) {
			d.Pages = 2
			d.Fields = []Field{{ID: "field-1", Type: FieldText, Page: 3}}
		}, code: "FIELD_PAGE_OUT_OF_RANGE"},
		{name: "duplicate field id", mutate: func(d *Document) {
			d.Fields = []Field{{ID: "field-1"}, {ID: "field-1"}}
		}, code: "DUPLICATE_FIELD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := New("Contract", TypeSelf)
			tt.mutate(&doc)
			err := doc.Validate()
			var appErr *apperr.Error
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("Validate() error = %v", err)
			}
			appErr = err.(*apperr.Error)
			if appErr.Code != tt.code {
				t.Fatalf("code = %q, want %q", appErr.Code, tt.code)
			}
		})
	}
}

func TestPatchApply(t *testing.T) {
	doc := New("Contract", TypeSent)
	name := "Contract v2"
	pages := 4
	order := OrderSequential

	if err := (Patch{Name: &name, Pages: &pages, SigningOrder: &order}).Apply(&doc); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if doc.Name != name || doc.Pages != 4 || doc.SigningOrder != OrderSequential {
		t.Fatalf("patch not merged: %+v", doc)
	}

	blank := ""
	before := doc.Clone()
	if err := (Patch{Name: &blank}).Apply(&doc); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("blank name error = %v", err)
	}
	if doc.Name != before.Name {
		t.Fatal("rejected patch must leave the document unchanged")
	}

	if _, err := doc.AddField(FieldSignature, 4, 10, 10); err != nil {
		t.Fatalf("AddField() error = %v", err)
	}
	shrink := 3
	if err := (Patch{Pages: &shrink}).Apply(&doc); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("shrinking pages under a field error = %v", err)
	}
	if doc.Pages != 4 {
		t.Fatalf("rejected page change applied: pages = %d", doc.Pages)
	}

	doc.Status = StatusSent
	parallel := OrderParallel
	if err := (Patch{SigningOrder: &parallel}).Apply(&doc); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("order change after send error = %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	idx := 0
	doc := New("Contract", TypeSent)
	doc.Recipients = []Recipient{{Name: "A", Email: "a@example.com", SignedAt: &now}}
	doc.Fields = []Field{{ID: "field-1", RecipientIndex: &idx, Value: MarshalValue("v")}}
	doc.SentDate = &now

	clone := doc.Clone()
	clone.Recipients[0].Status = RecipientSigned
	*clone.Recipients[0].SignedAt = now.Add(time.Hour)
	*clone.Fields[0].RecipientIndex = 5
	clone.Fields[0].Value[1] = 'x'
	*clone.SentDate = now.Add(time.Hour)

	if doc.Recipients[0].Status != "" || !doc.Recipients[0].SignedAt.Equal(now) {
		t.Fatal("recipient shared with clone")
	}
	if *doc.Fields[0].RecipientIndex != 0 || string(doc.Fields[0].Value) != `"v"` {
		t.Fatal("field shared with clone")
	}
	if !doc.SentDate.Equal(now) {
		t.Fatal("timestamps shared with clone")
	}
}

func TestMatches(t *testing.T) {
	doc := New("Mortgage Application", TypeSent)
	doc.Description = "Bank paperwork"
	doc.Sender = "Avery Quinn"
	doc.Recipients = []Recipient{{Name: "Jordan Lee", Email: "jordan@example.com"}}

	for _, query := range []string{"mortgage", "PAPERWORK", "quinn", "jordan lee", "EXAMPLE.COM", ""} {
		if !doc.Matches(query) {
			t.Errorf("Matches(%q) = false", query)
		}
	}
	if doc.Matches("invoice") {
		t.Error("Matches(invoice) = true")
	}
}

func TestValidEmail(t *testing.T) {
	valid := []string{"a@b.co", "first.last@sub.example.org", " padded@example.com "}
	invalid := []string{"", "plain", "a@b", "a b@c.d", "@example.com"}
	for _, email := range valid {
		if !ValidEmail(email) {
			t.Errorf("ValidEmail(%q) = false", email)
		}
	}
	for _, email := range invalid {
		if ValidEmail(email) {
			t.Errorf("ValidEmail(%q) = true", email)
		}
	}
}
