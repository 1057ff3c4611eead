package document

import (
	"encoding/json"
	"testing"

	"signflow/api/internal/apperr"
)

func newDraft(t *testing.T) Document {
	t.Helper()
	doc := New("Lease agreement", TypeSelf)
	doc.Pages = 3
	return doc
}

func TestAddFieldDefaults(t *testing.T) {
	doc := newDraft(t)

	field, err := doc.AddField(FieldName, 2, 40, 60)
	if err != nil {
		t.Fatalf("AddField() error = %v", err)
	}
	if field.ID != "field-1" {
		t.Errorf("ID = %q, want field-1", field.ID)
	}
	if field.Width != 180 || field.Height != 50 {
		t.Errorf("size = %vx%v, want 180x50", field.Width, field.Height)
	}
	if field.Label != "Full Name" {
		t.Errorf("Label = %q, want Full Name", field.Label)
	}
	if field.Required || field.RecipientIndex != nil || field.Completed {
		t.Errorf("unexpected defaults %+v", field)
	}

	second, _ := doc.AddField(FieldDate, 1, 0, 0)
	if err := doc.RemoveField(second.ID); err != nil {
		t.Fatalf("RemoveField() error = %v", err)
	}
	third, _ := doc.AddField(FieldText, 1, 0, 0)
	if third.ID != "field-3" {
		t.Errorf("ids must not be reused, got %q", third.ID)
	}
}

func TestAddFieldRejections(t *testing.T) {
	tests := []struct {
		name      string
		fieldType FieldType
		page      int
		status    Status
		kind      apperr.Kind
	}{
		{name: "unknown type", fieldType: "stamp", page: 1, status: StatusDraft, kind: apperr.KindValidation},
		{name: "page out of range", fieldType: FieldText, page: 9, status: StatusDraft, kind: apperr.KindValidation},
		{name: "frozen after draft", fieldType: FieldText, page: 1, status: StatusReadyToSign, kind: apperr.KindInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newDraft(t)
			doc.Status = tt.status
			_, err := doc.AddField(tt.fieldType, tt.page, 0, 0)
			if !apperr.Is(err, tt.kind) {
				t.Fatalf("AddField() error = %v, want kind %s", err, tt.kind)
			}
			if len(doc.Fields) != 0 || doc.FieldSeq != 0 {
				t.Fatal("rejected add must not mutate the document")
			}
		})
	}
}

func TestResizeNeverBelowMinimum(t *testing.T) {
	deltas := []struct{ dw, dh float64 }{
		{-10, -10}, {-1e9, -1e9}, {-80, -20}, {-81, -21}, {500, 500}, {0, 0},
	}
	for _, delta := range deltas {
		field := Field{Type: FieldText, Width: DefaultFieldWidth, Height: DefaultFieldHeight}
		field.Resize(delta.dw, delta.dh)
		if field.Width < MinFieldWidth || field.Height < MinFieldHeight {
			t.Fatalf("Resize(%v, %v) produced %vx%v", delta.dw, delta.dh, field.Width, field.Height)
		}
	}

	field := Field{Width: 180, Height: 50}
	field.Resize(-1000, -1000)
	if field.Width != 100 || field.Height != 30 {
		t.Fatalf("expected clamp to 100x30, got %vx%v", field.Width, field.Height)
	}
}

func TestMoveIsUnconstrained(t *testing.T) {
	field := Field{X: 10, Y: 10}
	field.Move(-500, 9000)
	if field.X != -490 || field.Y != 9010 {
		t.Fatalf("Move() = (%v, %v)", field.X, field.Y)
	}
}

func TestSetValueCheckboxFalseIsCompleted(t *testing.T) {
	field := Field{Type: FieldCheckbox}
	if err := field.SetValue(json.RawMessage(`false`)); err != nil {
		t.Fatalf("SetValue(false) error = %v", err)
	}
	if !field.Completed || !field.HasValue() {
		t.Fatal("unchecked checkbox must still count as completed")
	}
	if string(field.Value) != "false" {
		t.Fatalf("Value = %s, want false", field.Value)
	}

	if err := field.SetValue(json.RawMessage(`null`)); err != nil {
		t.Fatalf("SetValue(null) error = %v", err)
	}
	if field.Completed || field.HasValue() {
		t.Fatal("null must clear the field")
	}
}

func TestToggle(t *testing.T) {
	field := Field{Type: FieldRadio}
	if err := field.Toggle(); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if string(field.Value) != "true" || !field.Completed {
		t.Fatalf("first toggle = %s completed=%v", field.Value, field.Completed)
	}
	_ = field.Toggle()
	if string(field.Value) != "false" || !field.Completed {
		t.Fatalf("second toggle = %s completed=%v", field.Value, field.Completed)
	}

	text := Field{Type: FieldText}
	if err := text.Toggle(); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("Toggle() on text error = %v", err)
	}
}

func TestSetValueValidation(t *testing.T) {
	tests := []struct {
		name    string
		typ     FieldType
		value   string
		wantErr bool
	}{
		{name: "text", typ: FieldText, value: `"hello"`},
		{name: "blank text", typ: FieldText, value: `"   "`, wantErr: true},
		{name: "number for text", typ: FieldText, value: `42`, wantErr: true},
		{name: "email", typ: FieldEmail, value: `"a@b.co"`},
		{name: "bad email", typ: FieldEmail, value: `"a@b"`, wantErr: true},
		{name: "iso date", typ: FieldDate, value: `"2024-05-01"`},
		{name: "us date", typ: FieldDate, value: `"5/1/2024"`},
		{name: "not a date", typ: FieldDate, value: `"soon"`, wantErr: true},
		{name: "drawn signature", typ: FieldSignature, value: `"data:image/png;base64,AAAA"`},
		{name: "typed signature", typ: FieldSignature, value: `"TYPED:Dancing Script:Jane Doe"`},
		{name: "plain text signature", typ: FieldSignature, value: `"Jane"`, wantErr: true},
		{name: "checkbox string", typ: FieldCheckbox, value: `"yes"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field := Field{Type: tt.typ}
			err := field.SetValue(json.RawMessage(tt.value))
			if tt.wantErr {
				if !apperr.Is(err, apperr.KindValidation) {
					t.Fatalf("SetValue() error = %v, want validation error", err)
				}
				if field.Completed || field.HasValue() {
					t.Fatal("rejected value must not be stored")
				}
				return
			}
			if err != nil {
				t.Fatalf("SetValue() error = %v", err)
			}
			if !field.Completed {
				t.Fatal("expected completed")
			}
		})
	}
}

func TestEditFieldOnlyInDraft(t *testing.T) {
	doc := newDraft(t)
	field, _ := doc.AddField(FieldSignature, 1, 10, 10)
	required := true
	label := "Tenant signature"

	edited, err := doc.EditField(field.ID, FieldEdit{DX: 5, DW: -200, Label: &label, Required: &required})
	if err != nil {
		t.Fatalf("EditField() error = %v", err)
	}
	if edited.X != 15 || edited.Width != 100 || edited.Label != label || !edited.Required {
		t.Fatalf("unexpected edit result %+v", edited)
	}

	doc.Status = StatusSent
	if _, err := doc.EditField(field.ID, FieldEdit{DX: 1}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("EditField() after draft error = %v", err)
	}
	if _, err := doc.EditField("field-99", FieldEdit{}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("frozen check should come first, got %v", err)
	}
}

func TestFillFieldRespectsStatus(t *testing.T) {
	doc := newDraft(t)
	field, _ := doc.AddField(FieldText, 1, 0, 0)

	if _, err := doc.FillField(field.ID, MarshalValue("x")); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("fill in draft error = %v", err)
	}
	doc.Status = StatusViewed
	if _, err := doc.FillField(field.ID, MarshalValue("x")); err != nil {
		t.Fatalf("fill in viewed error = %v", err)
	}
	if _, err := doc.FillField("missing", MarshalValue("x")); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("fill unknown field error = %v", err)
	}
}

func TestProgress(t *testing.T) {
	doc := newDraft(t)
	if doc.Progress() != 0 {
		t.Fatalf("empty progress = %d, want 0", doc.Progress())
	}
	if doc.RequiredProgress() != 100 {
		t.Fatalf("empty required progress = %d, want 100", doc.RequiredProgress())
	}

	for i := 0; i < 3; i++ {
		_, _ = doc.AddField(FieldText, 1, 0, 0)
	}
	doc.Fields[0].Required = true
	doc.Fields[0].Completed = true
	if doc.Progress() != 33 {
		t.Errorf("Progress() = %d, want 33", doc.Progress())
	}
	if doc.RequiredProgress() != 100 {
		t.Errorf("RequiredProgress() = %d, want 100", doc.RequiredProgress())
	}

	doc.Fields[1].Completed = true
	if doc.Progress() != 67 {
		t.Errorf("Progress() = %d, want 67", doc.Progress())
	}
	doc.Fields[2].Completed = true
	if doc.Progress() != 100 {
		t.Errorf("Progress() = %d, want 100", doc.Progress())
	}
}

func TestProgressBoundsAndFullIffAllCompleted(t *testing.T) {
	for total := 1; total <= 12; total++ {
		for done := 0; done <= total; done++ {
			doc := Document{Fields: make([]Field, total)}
			for i := 0; i < done; i++ {
				doc.Fields[i].Completed = true
			}
			progress := doc.Progress()
			if progress < 0 || progress > 100 {
				t.Fatalf("progress %d out of bounds for %d/%d", progress, done, total)
			}
			if (progress == 100) != (done == total) {
				t.Fatalf("progress %d for %d/%d violates 100 iff complete", progress, done, total)
			}
		}
	}
}

func TestFieldTypeTable(t *testing.T) {
	if FieldCheckbox.Icon() != "fas fa-check-square" {
		t.Errorf("checkbox icon = %q", FieldCheckbox.Icon())
	}
	if FieldType("stamp").Icon() != "fas fa-square" {
		t.Errorf("fallback icon = %q", FieldType("stamp").Icon())
	}
	if FieldRadio.Label() != "Radio Button" {
		t.Errorf("radio label = %q", FieldRadio.Label())
	}
}
