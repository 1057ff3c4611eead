package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"signflow/api/internal/apperr"
)

type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldInitials  FieldType = "initials"
	FieldDate      FieldType = "date"
	FieldText      FieldType = "text"
	FieldName      FieldType = "name"
	FieldEmail     FieldType = "email"
	FieldCheckbox  FieldType = "checkbox"
	FieldRadio     FieldType = "radio"
)

const (
	DefaultFieldWidth  = 180.0
	DefaultFieldHeight = 50.0
	MinFieldWidth      = 100.0
	MinFieldHeight     = 30.0
)

type fieldSpec struct {
	label string
	icon  string
}

var fieldSpecs = map[FieldType]fieldSpec{
	FieldSignature: {label: "Signature", icon: "fas fa-pen-fancy"},
	FieldInitials:  {label: "Initials", icon: "fas fa-font"},
	FieldDate:      {label: "Date", icon: "fas fa-calendar"},
	FieldText:      {label: "Text", icon: "fas fa-align-left"},
	FieldName:      {label: "Full Name", icon: "fas fa-user"},
	FieldEmail:     {label: "Email", icon: "fas fa-envelope"},
	FieldCheckbox:  {label: "Checkbox", icon: "fas fa-check-square"},
	FieldRadio:     {label: "Radio Button", icon: "fas fa-dot-circle"},
}

func (t FieldType) Valid() bool {
	_, ok := fieldSpecs[t]
	return ok
}

func (t FieldType) Label() string {
	if info, ok := fieldSpecs[t]; ok {
		return info.label
	}
	return "Field"
}

func (t FieldType) Icon() string {
	if info, ok := fieldSpecs[t]; ok {
		return info.icon
	}
	return "fas fa-square"
}

// Boolean reports whether the field holds a checked/unchecked value.
func (t FieldType) Boolean() bool {
	return t == FieldCheckbox || t == FieldRadio
}

type Field struct {
	ID             string          `json:"id"`
	Type           FieldType       `json:"type"`
	Page           int             `json:"page"`
	X              float64         `json:"x"`
	Y              float64         `json:"y"`
	Width          float64         `json:"width"`
	Height         float64         `json:"height"`
	Label          string          `json:"label"`
	Required       bool            `json:"required"`
	RecipientIndex *int            `json:"recipientIndex"`
	Value          json.RawMessage `json:"value"`
	Completed      bool            `json:"completed"`
}

func (f Field) clone() Field {
	if f.RecipientIndex != nil {
		idx := *f.RecipientIndex
		f.RecipientIndex = &idx
	}
	if f.Value != nil {
		f.Value = append(json.RawMessage(nil), f.Value...)
	}
	return f
}

// HasValue reports whether a value was captured. A stored false counts.
func (f *Field) HasValue() bool {
	trimmed := bytes.TrimSpace(f.Value)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Resize grows or shrinks the field, never below the minimum size.
func (f *Field) Resize(dw, dh float64) {
	f.Width = math.Max(MinFieldWidth, f.Width+dw)
	f.Height = math.Max(MinFieldHeight, f.Height+dh)
}

// Move shifts the field. Positions are not clamped to the page.
func (f *Field) Move(dx, dy float64) {
	f.X += dx
	f.Y += dy
}

// SetValue stores a value and marks the field completed. A JSON null clears
// it. Boolean fields count as completed once touched, even when unchecked.
func (f *Field) SetValue(value json.RawMessage) error {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		f.Value = nil
		f.Completed = false
		return nil
	}
	if err := validateValue(f.Type, trimmed); err != nil {
		return err
	}
	f.Value = append(json.RawMessage(nil), trimmed...)
	f.Completed = true
	return nil
}

// Toggle flips a checkbox or radio value, treating "no value" as unchecked.
func (f *Field) Toggle() error {
	if !f.Type.Boolean() {
		return apperr.Validation("NOT_TOGGLEABLE", "only checkbox and radio fields can be toggled")
	}
	var checked bool
	if f.HasValue() {
		_ = json.Unmarshal(f.Value, &checked)
	}
	return f.SetValue(MarshalValue(!checked))
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "01/02/2006", "1/2/2006", "2 Jan 2006", "January 2, 2006"}

func validateValue(fieldType FieldType, raw json.RawMessage) error {
	if fieldType.Boolean() {
		var checked bool
		if err := json.Unmarshal(raw, &checked); err != nil {
			return apperr.Validation("INVALID_VALUE", fmt.Sprintf("%s fields take a boolean", fieldType))
		}
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return apperr.Validation("INVALID_VALUE", fmt.Sprintf("%s fields take a string", fieldType))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.Validation("EMPTY_VALUE", "field value cannot be empty")
	}

	switch fieldType {
	case FieldEmail:
		if !ValidEmail(text) {
			return apperr.Validation("INVALID_EMAIL", "email field must hold a valid address")
		}
	case FieldDate:
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, text); err == nil {
				return nil
			}
		}
		return apperr.Validation("INVALID_DATE", "date field must hold a date")
	case FieldSignature, FieldInitials:
		if !strings.HasPrefix(text, "data:image/") && !strings.HasPrefix(text, "TYPED:") && !strings.HasPrefix(text, "sig_") {
			return apperr.Validation("INVALID_SIGNATURE", "signature must be an image data URL, a typed signature or a saved signature id")
		}
	}
	return nil
}

// FieldEdit describes a layout or property change made in the editor.
type FieldEdit struct {
	DX       float64 `json:"dx"`
	DY       float64 `json:"dy"`
	DW       float64 `json:"dw"`
	DH       float64 `json:"dh"`
	Label    *string `json:"label,omitempty"`
	Required *bool   `json:"required,omitempty"`
}

// AddField places a new field with the default size. Fields can only be
// added while the document is a draft.
func (d *Document) AddField(fieldType FieldType, page int, x, y float64) (Field, error) {
	if !d.Editable() {
		return Field{}, apperr.InvalidTransition(string(d.Status), "add-field", "fields are frozen once the document leaves draft")
	}
	if !fieldType.Valid() {
		return Field{}, apperr.Validation("INVALID_FIELD_TYPE", fmt.Sprintf("unknown field type %q", fieldType))
	}
	if page < 1 {
		page = 1
	}
	if d.Pages > 0 && page > d.Pages {
		return Field{}, apperr.Validation("INVALID_PAGE", fmt.Sprintf("page %d is outside the document", page))
	}

	d.FieldSeq++
	field := Field{
		ID:     fmt.Sprintf("field-%d", d.FieldSeq),
		Type:   fieldType,
		Page:   page,
		X:      x,
		Y:      y,
		Width:  DefaultFieldWidth,
		Height: DefaultFieldHeight,
		Label:  fieldType.Label(),
	}
	d.Fields = append(d.Fields, field)
	return field, nil
}

func (d *Document) FieldByID(id string) (*Field, error) {
	for i := range d.Fields {
		if d.Fields[i].ID == id {
			return &d.Fields[i], nil
		}
	}
	return nil, apperr.NotFound("field", id)
}

// EditField applies a layout or property change to a draft field.
func (d *Document) EditField(id string, edit FieldEdit) (Field, error) {
	if !d.Editable() {
		return Field{}, apperr.InvalidTransition(string(d.Status), "edit-field", "fields are frozen once the document leaves draft")
	}
	field, err := d.FieldByID(id)
	if err != nil {
		return Field{}, err
	}
	field.Move(edit.DX, edit.DY)
	field.Resize(edit.DW, edit.DH)
	if edit.Label != nil {
		label := strings.TrimSpace(*edit.Label)
		if label == "" {
			label = field.Type.Label()
		}
		field.Label = label
	}
	if edit.Required != nil {
		field.Required = *edit.Required
	}
	return *field, nil
}

func (d *Document) RemoveField(id string) error {
	if !d.Editable() {
		return apperr.InvalidTransition(string(d.Status), "remove-field", "fields are frozen once the document leaves draft")
	}
	for i := range d.Fields {
		if d.Fields[i].ID == id {
			d.Fields = append(d.Fields[:i], d.Fields[i+1:]...)
			return nil
		}
	}
	return apperr.NotFound("field", id)
}

// Fillable reports whether field values may change in the current status.
func (d *Document) Fillable() bool {
	switch d.Status {
	case StatusDraft, StatusReadyToSend, StatusCompleted:
		return false
	}
	return true
}

// FillField sets a value during signing.
func (d *Document) FillField(id string, value json.RawMessage) (Field, error) {
	if !d.Fillable() {
		return Field{}, apperr.InvalidTransition(string(d.Status), "fill-field", "document is not open for signing")
	}
	field, err := d.FieldByID(id)
	if err != nil {
		return Field{}, err
	}
	if err := field.SetValue(value); err != nil {
		return Field{}, err
	}
	return *field, nil
}

func (d *Document) ToggleField(id string) (Field, error) {
	if !d.Fillable() {
		return Field{}, apperr.InvalidTransition(string(d.Status), "fill-field", "document is not open for signing")
	}
	field, err := d.FieldByID(id)
	if err != nil {
		return Field{}, err
	}
	if err := field.Toggle(); err != nil {
		return Field{}, err
	}
	return *field, nil
}

// Progress is the rounded share of fields with a captured value, 0 when the
// document has no fields.
func (d *Document) Progress() int {
	return percent(d.Fields, func(Field) bool { return true })
}

// RequiredProgress is the same ratio over required fields only, 100 when
// nothing is required.
func (d *Document) RequiredProgress() int {
	required := 0
	for _, field := range d.Fields {
		if field.Required {
			required++
		}
	}
	if required == 0 {
		return 100
	}
	return percent(d.Fields, func(f Field) bool { return f.Required })
}

func percent(fields []Field, include func(Field) bool) int {
	total, completed := 0, 0
	for _, field := range fields {
		if !include(field) {
			continue
		}
		total++
		if field.Completed {
			completed++
		}
	}
	if total == 0 {
		return 0
	}
	value := int(math.Round(100 * float64(completed) / float64(total)))
	if value == 100 && completed < total {
		// 100 is reserved for fully completed documents.
		return 99
	}
	return value
}
