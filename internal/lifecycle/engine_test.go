package lifecycle

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/routing"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine() *Engine {
	return New(func() time.Time { return fixedNow })
}

func intPtr(v int) *int { return &v }

func mustApply(t *testing.T, e *Engine, doc document.Document, req Request) document.Document {
	t.Helper()
	next, _, err := e.Apply(doc, req)
	if err != nil {
		t.Fatalf("Apply(%s) from %s error = %v", req.Action, doc.Status, err)
	}
	return next
}

// sentDocument builds a document with one required and one optional field
// bound to a single recipient, dispatched and opened.
func sentDocument(t *testing.T, e *Engine) document.Document {
	t.Helper()
	doc := document.New("Consulting agreement", document.TypeSent)
	doc.ID = "doc-1"
	if _, err := routing.AddRecipient(&doc, document.Recipient{Name: "Ada", Email: "ada@example.com"}); err != nil {
		t.Fatal(err)
	}
	required, _ := doc.AddField(document.FieldSignature, 1, 10, 10)
	optional, _ := doc.AddField(document.FieldText, 1, 10, 80)
	doc.Fields[0].Required = true
	_ = routing.Assign(&doc, required.ID, intPtr(0))
	_ = routing.Assign(&doc, optional.ID, intPtr(0))

	doc = mustApply(t, e, doc, Request{Action: ActionFinalizeFields, Mode: ModeSend})
	doc = mustApply(t, e, doc, Request{Action: ActionDispatch})
	doc = mustApply(t, e, doc, Request{Action: ActionOpen, RecipientIndex: intPtr(0)})
	return doc
}

func TestFinalizeFields(t *testing.T) {
	e := newEngine()

	empty := document.New("Empty", document.TypeSelf)
	if _, _, err := e.Apply(empty, Request{Action: ActionFinalizeFields, Mode: ModeSelf}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("finalize without fields error = %v", err)
	}

	self := document.New("Self", document.TypeSelf)
	_, _ = self.AddField(document.FieldSignature, 1, 0, 0)
	next := mustApply(t, e, self, Request{Action: ActionFinalizeFields, Mode: ModeSelf})
	if next.Status != document.StatusReadyToSign {
		t.Fatalf("status = %s, want ready-to-sign", next.Status)
	}

	if _, _, err := e.Apply(self, Request{Action: ActionFinalizeFields, Mode: ModeSend}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("send mode without recipients error = %v", err)
	}

	sent := document.New("Sent", document.TypeSent)
	_, _ = sent.AddField(document.FieldSignature, 1, 0, 0)
	_, _ = routing.AddRecipient(&sent, document.Recipient{Name: "Bo", Email: "bo@example.com"})
	next = mustApply(t, e, sent, Request{Action: ActionFinalizeFields})
	if next.Status != document.StatusReadyToSend {
		t.Fatalf("default mode for sent documents: status = %s", next.Status)
	}

	back := mustApply(t, e, next, Request{Action: ActionRevert})
	if back.Status != document.StatusDraft {
		t.Fatalf("revert status = %s", back.Status)
	}
}

func TestDispatchStampsAndResetsRecipients(t *testing.T) {
	e := newEngine()
	doc := document.New("Sent", document.TypeSent)
	_, _ = doc.AddField(document.FieldSignature, 1, 0, 0)
	_, _ = routing.AddRecipient(&doc, document.Recipient{Name: "Bo", Email: "bo@example.com"})
	doc = mustApply(t, e, doc, Request{Action: ActionFinalizeFields, Mode: ModeSend})

	next, events, err := e.Apply(doc, Request{Action: ActionDispatch, Actor: "owner"})
	if err != nil {
		t.Fatalf("dispatch error = %v", err)
	}
	if next.Status != document.StatusSent || next.SentDate == nil || !next.SentDate.Equal(fixedNow) {
		t.Fatalf("unexpected dispatch result status=%s sentDate=%v", next.Status, next.SentDate)
	}
	if next.Recipients[0].Status != document.RecipientPending {
		t.Fatalf("recipient status = %s", next.Recipients[0].Status)
	}
	if len(events) != 1 || events[0].Kind != EventSent || events[0].From != document.StatusReadyToSend || events[0].To != document.StatusSent {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestSignWithOnlyRequiredFieldFilled(t *testing.T) {
	e := newEngine()
	doc := sentDocument(t, e)
	if doc.Status != document.StatusViewed {
		t.Fatalf("status = %s, want viewed", doc.Status)
	}

	if _, err := doc.FillField("field-1", document.MarshalValue("TYPED:Caveat:Ada")); err != nil {
		t.Fatalf("FillField() error = %v", err)
	}
	signed, events, err := e.Apply(doc, Request{Action: ActionCompleteFields, RecipientIndex: intPtr(0)})
	if err != nil {
		t.Fatalf("sign error = %v", err)
	}
	if signed.Status != document.StatusSigned {
		t.Fatalf("status = %s, want signed", signed.Status)
	}
	if signed.Recipients[0].Status != document.RecipientSigned || signed.Recipients[0].SignedAt == nil {
		t.Fatalf("recipient not marked signed: %+v", signed.Recipients[0])
	}
	if signed.SignedDate == nil {
		t.Fatal("signedDate not stamped")
	}
	if signed.RequiredProgress() != 100 {
		t.Fatalf("RequiredProgress() = %d, want 100", signed.RequiredProgress())
	}
	if signed.Progress() != 50 {
		t.Fatalf("Progress() = %d, want 50", signed.Progress())
	}
	if len(events) != 1 || events[0].Kind != EventSigned {
		t.Fatalf("unexpected events %+v", events)
	}

	// A second recipient joins after the first signature.
	if _, err := routing.AddRecipient(&signed, document.Recipient{Name: "Grace", Email: "grace@example.com"}); err != nil {
		t.Fatalf("AddRecipient() error = %v", err)
	}
	still, _, err := e.Apply(signed, Request{Action: ActionComplete})
	if !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("complete with unsigned recipient error = %v", err)
	}
	if still.Status != document.StatusSigned {
		t.Fatalf("status = %s, want signed", still.Status)
	}

	signed = mustApply(t, e, signed, Request{Action: ActionOpen, RecipientIndex: intPtr(1)})
	if signed.Status != document.StatusSigned {
		t.Fatalf("open by later recipient moved status to %s", signed.Status)
	}
	signed = mustApply(t, e, signed, Request{Action: ActionCompleteFields, RecipientIndex: intPtr(1)})
	done := mustApply(t, e, signed, Request{Action: ActionComplete})
	if done.Status != document.StatusCompleted || done.CompletedDate == nil {
		t.Fatalf("unexpected completion %s %v", done.Status, done.CompletedDate)
	}
}

func TestSignRejectedWhenRequiredFieldMissing(t *testing.T) {
	e := newEngine()
	doc := sentDocument(t, e)
	doc.Fields[1].Required = true
	if _, err := doc.FillField("field-1", document.MarshalValue("TYPED:Caveat:Ada")); err != nil {
		t.Fatal(err)
	}
	before := doc.Clone()

	after, events, err := e.Apply(doc, Request{Action: ActionCompleteFields, RecipientIndex: intPtr(0)})
	if !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("sign error = %v, want invalid transition", err)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		details := appErr.Details.(map[string]any)
		if details["progress"] != 50 {
			t.Fatalf("progress detail = %v, want 50", details["progress"])
		}
	}
	if events != nil {
		t.Fatal("rejected transition must not emit events")
	}
	if !reflect.DeepEqual(after, before) || !reflect.DeepEqual(doc, before) {
		t.Fatal("rejected transition changed the document")
	}
	if doc.Progress() != 50 || doc.Status != document.StatusViewed {
		t.Fatalf("progress=%d status=%s", doc.Progress(), doc.Status)
	}
}

func TestSequentialOrderEnforced(t *testing.T) {
	e := newEngine()
	doc := document.New("Board resolution", document.TypeSent)
	doc.SigningOrder = document.OrderSequential
	_, _ = routing.AddRecipient(&doc, document.Recipient{Name: "First", Email: "first@example.com"})
	_, _ = routing.AddRecipient(&doc, document.Recipient{Name: "Second", Email: "second@example.com"})
	_, _ = doc.AddField(document.FieldSignature, 1, 0, 0)
	doc = mustApply(t, e, doc, Request{Action: ActionFinalizeFields, Mode: ModeSend})
	doc = mustApply(t, e, doc, Request{Action: ActionDispatch})

	if _, _, err := e.Apply(doc, Request{Action: ActionOpen, RecipientIndex: intPtr(1)}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("out of order open error = %v", err)
	}

	doc = mustApply(t, e, doc, Request{Action: ActionOpen, RecipientIndex: intPtr(0)})
	doc = mustApply(t, e, doc, Request{Action: ActionCompleteFields, RecipientIndex: intPtr(0)})
	doc = mustApply(t, e, doc, Request{Action: ActionOpen, RecipientIndex: intPtr(1)})
	doc = mustApply(t, e, doc, Request{Action: ActionCompleteFields, RecipientIndex: intPtr(1)})
	doc = mustApply(t, e, doc, Request{Action: ActionComplete})
	if doc.Status != document.StatusCompleted {
		t.Fatalf("status = %s", doc.Status)
	}
}

func TestSelfAndReceivedFlows(t *testing.T) {
	e := newEngine()

	self := document.New("Self", document.TypeSelf)
	_, _ = self.AddField(document.FieldSignature, 1, 0, 0)
	self.Fields[0].Required = true
	self = mustApply(t, e, self, Request{Action: ActionFinalizeFields, Mode: ModeSelf})
	if _, _, err := e.Apply(self, Request{Action: ActionCompleteFields}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("self sign with empty required field error = %v", err)
	}
	_, _ = self.FillField("field-1", document.MarshalValue("data:image/png;base64,AAAA"))
	self = mustApply(t, e, self, Request{Action: ActionCompleteFields})
	self = mustApply(t, e, self, Request{Action: ActionComplete})
	if self.Status != document.StatusCompleted {
		t.Fatalf("self status = %s", self.Status)
	}

	received := document.New("Inbound", document.TypeReceived)
	received = mustApply(t, e, received, Request{Action: ActionOpen})
	if received.Status != document.StatusViewed {
		t.Fatalf("received open status = %s", received.Status)
	}
	if _, _, err := e.Apply(received, Request{Action: ActionOpen}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("second owner open error = %v", err)
	}
}

func TestUnknownTransitionsRejected(t *testing.T) {
	e := newEngine()
	tests := []struct {
		status document.Status
		action Action
	}{
		{document.StatusDraft, ActionDispatch},
		{document.StatusDraft, ActionCompleteFields},
		{document.StatusSent, ActionComplete},
		{document.StatusCompleted, ActionOpen},
		{document.StatusViewed, ActionComplete},
		{document.StatusReadyToSign, ActionDispatch},
	}
	for _, tt := range tests {
		doc := document.New("Doc", document.TypeSent)
		doc.Status = tt.status
		if _, _, err := e.Apply(doc, Request{Action: tt.action}); !apperr.Is(err, apperr.KindInvalidTransition) {
			t.Errorf("%s from %s error = %v", tt.action, tt.status, err)
		}
	}
}

func TestCompletedOnlyWhenAllRecipientsSigned(t *testing.T) {
	e := newEngine()
	for _, statuses := range [][]document.RecipientStatus{
		{document.RecipientSigned, document.RecipientPending},
		{document.RecipientViewed},
		{document.RecipientSigned, document.RecipientSigned, document.RecipientViewed},
	} {
		doc := document.New("Doc", document.TypeSent)
		doc.Status = document.StatusSigned
		for i, status := range statuses {
			doc.Recipients = append(doc.Recipients, document.Recipient{Name: "R", Email: "r" + string(rune('a'+i)) + "@example.com", Status: status})
		}
		if _, _, err := e.Apply(doc, Request{Action: ActionComplete}); err == nil {
			t.Fatalf("completed with recipients %v", statuses)
		}
	}
}

func TestPublishIsolatesObserverFailures(t *testing.T) {
	e := newEngine()
	var seen []EventKind
	e.Subscribe(ObserverFunc(func(Event) error { return errors.New("boom") }))
	e.Subscribe(ObserverFunc(func(Event) error { panic("observer bug") }))
	e.Subscribe(Filter(ObserverFunc(func(ev Event) error {
		seen = append(seen, ev.Kind)
		return nil
	}), EventSigned, EventCompleted))

	e.Publish(Event{Kind: EventSent}, Event{Kind: EventSigned}, Event{Kind: EventCompleted})

	if !reflect.DeepEqual(seen, []EventKind{EventSigned, EventCompleted}) {
		t.Fatalf("seen = %v", seen)
	}
}

func TestAllowed(t *testing.T) {
	got := Allowed(document.StatusSigned)
	want := []Action{ActionOpen, ActionCompleteFields, ActionComplete}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Allowed(signed) = %v, want %v", got, want)
	}
}
